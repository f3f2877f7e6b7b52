// Package executor runs registered tools in response to tool_call events.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xkilldash9x/reug-runtime/internal/bus"
	"github.com/xkilldash9x/reug-runtime/internal/config"
	"github.com/xkilldash9x/reug-runtime/internal/events"
	"github.com/xkilldash9x/reug-runtime/internal/observability"
	"github.com/xkilldash9x/reug-runtime/internal/registry"
	"github.com/xkilldash9x/reug-runtime/internal/sandbox"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// SourceName is stamped on every event the executor publishes.
const SourceName = "executor"

const maxTrackedCalls = 10000

// parkedCall is a call waiting for its tool to be created.
type parkedCall struct {
	evt   events.Event
	call  events.ToolCall
	timer *time.Timer
}

// parkedTool groups the calls waiting on one missing tool. Only one gap is
// raised per tool name while calls are parked.
type parkedTool struct {
	gapID string
	calls map[string]*parkedCall
}

// Executor consumes tool_call events and publishes exactly one tool_result per
// call id. Calls to missing tools are parked until the creator pipeline
// registers the tool, fails, or the pending timeout passes.
type Executor struct {
	logger   *zap.Logger
	bus      *bus.Bus
	registry *registry.Registry
	sandbox  *sandbox.Sandbox
	metrics  *observability.Metrics
	cfg      config.ExecutorConfig

	sem *semaphore.Weighted

	msgChan     <-chan events.Event
	unsubscribe func()

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	parked    map[string]*parkedTool
	failures  map[string]int

	// Tracks running executions and pending-timeout callbacks.
	wg sync.WaitGroup
}

// New creates the executor and subscribes it to tool_call and planning.
// metrics may be nil.
func New(logger *zap.Logger, b *bus.Bus, reg *registry.Registry, sb *sandbox.Sandbox, cfg config.ExecutorConfig, metrics *observability.Metrics) *Executor {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	msgChan, unsubscribe := b.Subscribe(events.TopicToolCall, events.TopicPlanning)

	return &Executor{
		logger:      logger.Named("executor"),
		bus:         b,
		registry:    reg,
		sandbox:     sb,
		metrics:     metrics,
		cfg:         cfg,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		msgChan:     msgChan,
		unsubscribe: unsubscribe,
		seen:        make(map[string]struct{}),
		parked:      make(map[string]*parkedTool),
		failures:    make(map[string]int),
	}
}

// Start processes events until ctx is cancelled or the bus closes the
// subscription. Parked calls are abandoned on exit and running executions
// are waited for.
func (e *Executor) Start(ctx context.Context) {
	defer e.wg.Wait()
	defer e.abandonParked()
	defer e.unsubscribe()

	e.logger.Info("Executor started, waiting for tool calls...")
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-e.msgChan:
			if !ok {
				return
			}
			switch evt.Topic {
			case events.TopicToolCall:
				e.handleCall(ctx, evt)
			case events.TopicPlanning:
				e.handlePlanning(ctx, evt)
			}
			e.bus.Acknowledge(evt)
		}
	}
}

// Parked reports how many calls are waiting for a missing tool.
func (e *Executor) Parked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, p := range e.parked {
		n += len(p.calls)
	}
	return n
}

func (e *Executor) handleCall(ctx context.Context, evt events.Event) {
	call, ok := evt.Payload.(events.ToolCall)
	if !ok {
		e.logger.Warn("Ignoring tool_call event with unexpected payload", zap.String("id", evt.ID))
		return
	}
	if call.ToolCallID == "" {
		call.ToolCallID = evt.ID
	}
	if !e.markSeen(call.ToolCallID) {
		e.logger.Debug("Ignoring duplicate tool call", zap.String("tool_call_id", call.ToolCallID))
		return
	}

	if _, err := e.registry.Get(call.ToolName); errors.Is(err, registry.ErrNotFound) {
		e.park(ctx, evt, call)
		return
	}
	e.dispatch(ctx, evt, call)
}

// markSeen records a call id and reports whether it was new.
func (e *Executor) markSeen(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.seen[id]; dup {
		return false
	}
	e.seen[id] = struct{}{}
	e.seenOrder = append(e.seenOrder, id)
	if len(e.seenOrder) > maxTrackedCalls {
		delete(e.seen, e.seenOrder[0])
		e.seenOrder = e.seenOrder[1:]
	}
	return true
}

// park suspends a call for a missing tool and raises a gap if none is open.
func (e *Executor) park(ctx context.Context, evt events.Event, call events.ToolCall) {
	e.mu.Lock()
	p, open := e.parked[call.ToolName]
	if !open {
		p = &parkedTool{gapID: uuid.NewString(), calls: make(map[string]*parkedCall)}
		e.parked[call.ToolName] = p
	}
	pc := &parkedCall{evt: evt, call: call}
	if e.cfg.PendingTimeout > 0 {
		e.wg.Add(1)
		pc.timer = time.AfterFunc(e.cfg.PendingTimeout, func() {
			defer e.wg.Done()
			e.expire(ctx, call.ToolName, call.ToolCallID)
		})
	}
	p.calls[call.ToolCallID] = pc
	gapID := p.gapID
	e.mu.Unlock()

	e.logger.Info("Tool not registered; parking call",
		zap.String("tool", call.ToolName),
		zap.String("tool_call_id", call.ToolCallID),
		zap.String("gap_id", gapID),
		zap.Bool("gap_raised", !open))
	if open {
		return
	}

	description := call.Description
	if description == "" {
		description = call.ToolName
	}
	gap := events.Event{
		Topic:          events.TopicAtomGap,
		Type:           events.TypeAtomGap,
		Source:         SourceName,
		SessionID:      evt.SessionID,
		ConversationID: evt.ConversationID,
		CorrelationID:  gapID,
		Payload: events.AtomGap{
			MissingTool: call.ToolName,
			Description: description,
			GapID:       gapID,
			Attempt:     1,
		},
	}
	if _, err := e.bus.Publish(ctx, gap); err != nil && ctx.Err() == nil {
		e.logger.Error("Failed to publish atom gap", zap.String("tool", call.ToolName), zap.Error(err))
	}
}

// takeParked removes and returns the calls parked for tool. A non-empty gapID
// only matches the gap this executor raised.
func (e *Executor) takeParked(tool, gapID string) []*parkedCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.parked[tool]
	if !ok || (gapID != "" && p.gapID != gapID) {
		return nil
	}
	delete(e.parked, tool)
	out := make([]*parkedCall, 0, len(p.calls))
	for _, pc := range p.calls {
		if pc.timer != nil && pc.timer.Stop() {
			e.wg.Done()
		}
		out = append(out, pc)
	}
	return out
}

func (e *Executor) handlePlanning(ctx context.Context, evt events.Event) {
	outcome, ok := evt.Payload.(events.PlanningOutcome)
	if !ok {
		return
	}

	switch evt.Type {
	case events.TypeSchemaValidated:
		// Any gap that produced the tool unblocks the parked calls.
		calls := e.takeParked(outcome.ToolName, "")
		if len(calls) > 0 {
			e.logger.Info("Tool available; resuming parked calls",
				zap.String("tool", outcome.ToolName), zap.Int("calls", len(calls)))
		}
		for _, pc := range calls {
			e.dispatch(ctx, pc.evt, pc.call)
		}
	case events.TypeSchemaInvalid, events.TypeGenerationFailed:
		calls := e.takeParked(outcome.ToolName, outcome.GapID)
		for _, pc := range calls {
			e.publishResult(ctx, pc.evt, events.ToolResult{
				ToolCallID: pc.call.ToolCallID,
				ToolName:   pc.call.ToolName,
				Error:      fmt.Sprintf("tool %s could not be created: %s", pc.call.ToolName, outcome.Error),
				Kind:       events.KindGapUnresolved,
			})
		}
	}
}

// expire fails one parked call after the pending timeout.
func (e *Executor) expire(ctx context.Context, tool, callID string) {
	e.mu.Lock()
	p, ok := e.parked[tool]
	var pc *parkedCall
	if ok {
		pc = p.calls[callID]
		delete(p.calls, callID)
		if len(p.calls) == 0 {
			delete(e.parked, tool)
		}
	}
	e.mu.Unlock()
	if pc == nil {
		return
	}

	e.logger.Warn("Parked call expired", zap.String("tool", tool), zap.String("tool_call_id", callID))
	e.publishResult(ctx, pc.evt, events.ToolResult{
		ToolCallID: callID,
		ToolName:   tool,
		Error:      fmt.Sprintf("tool %s was not created within %s", tool, e.cfg.PendingTimeout),
		Kind:       events.KindExecutionFailure,
	})
}

func (e *Executor) abandonParked() {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for tool, p := range e.parked {
		for _, pc := range p.calls {
			if pc.timer != nil && pc.timer.Stop() {
				e.wg.Done()
			}
			n++
		}
		delete(e.parked, tool)
	}
	if n > 0 {
		e.logger.Info("Abandoned parked calls on shutdown", zap.Int("calls", n))
	}
}

// dispatch runs the call on its own goroutine, bounded by the semaphore.
func (e *Executor) dispatch(ctx context.Context, evt events.Event, call events.ToolCall) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)

		result := e.Execute(ctx, call)
		if ctx.Err() != nil {
			return
		}
		e.publishResult(ctx, evt, result)
	}()
}

// Execute runs one call synchronously against the registry and returns its
// result. Usage is recorded for every call that reaches a registered
// capability.
func (e *Executor) Execute(ctx context.Context, call events.ToolCall) events.ToolResult {
	res := events.ToolResult{ToolCallID: call.ToolCallID, ToolName: call.ToolName}
	log := e.logger.With(zap.String("tool", call.ToolName), zap.String("tool_call_id", call.ToolCallID))

	c, err := e.registry.Get(call.ToolName)
	if err != nil {
		res.Error = err.Error()
		res.Kind = events.KindGapUnresolved
		return res
	}
	if _, err := e.registry.RecordUsage(ctx, c.Name, call.ToolCallID); err != nil {
		log.Warn("Failed to record usage", zap.Error(err))
	}

	if reason, kind := refuse(c); reason != "" {
		log.Info("Refusing call", zap.String("status", string(c.Status)), zap.String("reason", reason))
		res.Error = reason
		res.Kind = kind
		return res
	}

	timeout := e.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	output, err := e.sandbox.Execute(tctx, c.Code, call.Parameters)
	elapsed := time.Since(start)
	e.metrics.RecordToolExecution(c.Name, err == nil, elapsed.Seconds())

	if err != nil {
		res.Error = err.Error()
		res.Kind = events.KindExecutionFailure
		if errors.Is(err, sandbox.ErrInvalidParams) {
			res.Kind = events.KindValidationFailure
		} else {
			e.recordFailure(ctx, c.Name, err)
		}
		log.Warn("Tool execution failed", zap.Error(err), zap.Duration("duration", elapsed))
		return res
	}

	res.Success = true
	res.Result = output
	e.resetFailures(c.Name)
	if promoted, err := e.registry.Promote(ctx, c.Name); err != nil {
		log.Warn("Failed to promote capability", zap.Error(err))
	} else if promoted {
		log.Info("First successful execution; capability is now active")
	}
	log.Debug("Tool executed", zap.Duration("duration", elapsed))
	return res
}

// refuse returns a non-empty reason when a capability may not run.
func refuse(c registry.Capability) (string, events.ErrorKind) {
	switch c.Type {
	case registry.TypeTool:
	case registry.TypePlugin, registry.TypeTemplate, registry.TypeWorkflow:
		return fmt.Sprintf("capability %s of type %s cannot be executed as a tool", c.Name, c.Type), events.KindValidationFailure
	default:
		return fmt.Sprintf("capability %s has unknown type %q", c.Name, c.Type), events.KindFatal
	}

	switch c.Status {
	case registry.StatusValidated, registry.StatusActive:
		return "", events.KindNone
	case registry.StatusDraft:
		return fmt.Sprintf("capability %s has not been validated", c.Name), events.KindValidationFailure
	case registry.StatusError:
		return fmt.Sprintf("capability %s is in error state: %s", c.Name, c.ErrorMessage), events.KindExecutionFailure
	case registry.StatusDeprecated:
		return fmt.Sprintf("capability %s is deprecated", c.Name), events.KindExecutionFailure
	default:
		return fmt.Sprintf("capability %s has unknown status %q", c.Name, c.Status), events.KindFatal
	}
}

func (e *Executor) recordFailure(ctx context.Context, name string, cause error) {
	if e.cfg.MaxConsecutiveFailures <= 0 {
		return
	}
	e.mu.Lock()
	e.failures[name]++
	trip := e.failures[name] >= e.cfg.MaxConsecutiveFailures
	if trip {
		delete(e.failures, name)
	}
	e.mu.Unlock()

	if !trip {
		return
	}
	reason := fmt.Sprintf("%d consecutive failures, last: %v", e.cfg.MaxConsecutiveFailures, cause)
	if err := e.registry.MarkError(ctx, name, reason); err != nil {
		e.logger.Error("Failed to mark capability as errored", zap.String("tool", name), zap.Error(err))
		return
	}
	e.logger.Warn("Capability demoted after repeated failures", zap.String("tool", name), zap.String("reason", reason))
}

func (e *Executor) resetFailures(name string) {
	e.mu.Lock()
	delete(e.failures, name)
	e.mu.Unlock()
}

func (e *Executor) publishResult(ctx context.Context, call events.Event, result events.ToolResult) {
	evt := events.Event{
		Topic:          events.TopicToolResult,
		Type:           events.TypeToolResult,
		Source:         SourceName,
		SessionID:      call.SessionID,
		ConversationID: call.ConversationID,
		CorrelationID:  result.ToolCallID,
		Payload:        result,
	}
	if _, err := e.bus.Publish(ctx, evt); err != nil && ctx.Err() == nil {
		e.logger.Error("Failed to publish tool result",
			zap.String("tool_call_id", result.ToolCallID), zap.Error(err))
	}
}
