package fsm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xkilldash9x/reug-runtime/internal/events"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// failure describes why a turn is heading toward COMPLETE without success.
type failure struct {
	outcome events.Outcome
	kind    events.ErrorKind
	message string
}

// turn carries the in-flight state of one user turn.
type turn struct {
	conversationID string
	input          events.ConversationInput

	// Calls still awaiting a tool_result, keyed by tool_call_id.
	pending map[string]string
	results []events.ToolResult

	stepIndex      int
	scriptDeadline time.Time

	gapID     string
	attempt   int
	validated bool

	failure *failure
}

// resolution is what a mailbox item means in the current state. An empty
// trigger means the item is consumed without a transition attempt.
type resolution struct {
	trigger   Trigger
	failure   *failure
	record    *events.ToolResult
	validated bool
}

func (s *Session) turnLocked() *turn {
	if s.turn == nil {
		s.turn = &turn{input: events.ConversationInput{Intent: events.IntentRespond}}
	}
	return s.turn
}

func (s *Session) resolveLocked(it item) resolution {
	switch it.kind {
	case kindInput:
		return resolution{trigger: TriggerUserInput}
	case kindRaw, kindInternal:
		return resolution{trigger: it.trigger, failure: it.failure}
	case kindDeadline:
		if it.epoch != s.epoch {
			return resolution{}
		}
		return s.resolveDeadlineLocked()
	case kindResult:
		return s.resolveResultLocked(it.evt.Payload.(events.ToolResult))
	case kindPlanning:
		return s.resolvePlanningLocked(it.evt.Type, it.evt.Payload.(events.PlanningOutcome))
	}
	return resolution{}
}

func (s *Session) resolveDeadlineLocked() resolution {
	switch s.state {
	case StateExecuteScript:
		return resolution{trigger: TriggerTimeoutDetected, failure: &failure{events.OutcomeTimeout, events.KindExecutionFailure, "script execution timed out"}}
	case StateAwaitParallelResults:
		return resolution{trigger: TriggerTimeoutDetected, failure: &failure{events.OutcomeTimeout, events.KindExecutionFailure, "parallel results timed out"}}
	case StateGenerate:
		return resolution{trigger: TriggerToolFailure, failure: &failure{events.OutcomeTimeout, events.KindExecutionFailure, "tool result timed out"}}
	case StateCreateDynamicTool:
		return resolution{trigger: TriggerErrorOccurred, failure: &failure{events.OutcomeGapUnresolved, events.KindGapUnresolved, "tool creation timed out"}}
	case StateValidateToolSchema:
		return resolution{trigger: TriggerSchemaInvalid, failure: &failure{events.OutcomeGapUnresolved, events.KindGapUnresolved, "schema validation timed out"}}
	}
	return resolution{}
}

func resultFailure(r events.ToolResult) *failure {
	f := &failure{outcome: events.OutcomeExecutionFailure, kind: r.Kind, message: r.Error}
	if f.kind == events.KindNone {
		f.kind = events.KindExecutionFailure
	}
	if f.kind == events.KindGapUnresolved {
		f.outcome = events.OutcomeGapUnresolved
	}
	if f.message == "" {
		f.message = fmt.Sprintf("tool %s failed", r.ToolName)
	}
	return f
}

func (s *Session) resolveResultLocked(r events.ToolResult) resolution {
	if s.turn == nil {
		return resolution{}
	}
	if _, ok := s.turn.pending[r.ToolCallID]; !ok {
		s.logger.Debug("Ignoring uncorrelated tool result", zap.String("tool_call_id", r.ToolCallID))
		return resolution{}
	}
	rec := r
	switch s.state {
	case StateGenerate:
		if r.Success {
			return resolution{trigger: TriggerToolSuccess, record: &rec}
		}
		return resolution{trigger: TriggerToolFailure, record: &rec, failure: resultFailure(r)}
	case StateExecuteScript:
		if r.Success {
			return resolution{trigger: TriggerScriptStepComplete, record: &rec}
		}
		return resolution{trigger: TriggerErrorOccurred, record: &rec, failure: resultFailure(r)}
	case StateAwaitParallelResults:
		if len(s.turn.pending) == 1 {
			return resolution{trigger: TriggerParallelResultsReady, record: &rec}
		}
		return resolution{record: &rec}
	case StateParallelizeTasks:
		return resolution{record: &rec}
	}
	return resolution{}
}

func (s *Session) resolvePlanningLocked(typ events.Type, o events.PlanningOutcome) resolution {
	if s.turn == nil || s.turn.gapID == "" || o.GapID != s.turn.gapID {
		return resolution{}
	}
	gapFailure := func() *failure {
		msg := o.Error
		if msg == "" {
			msg = fmt.Sprintf("tool %s could not be created", o.ToolName)
		}
		return &failure{outcome: events.OutcomeGapUnresolved, kind: events.KindGapUnresolved, message: msg}
	}

	switch s.state {
	case StateCreateDynamicTool:
		switch typ {
		case events.TypeToolGenerated:
			return resolution{trigger: TriggerDynamicToolCreated}
		case events.TypeSchemaValidated:
			return resolution{trigger: TriggerDynamicToolCreated, validated: true}
		case events.TypeSchemaInvalid, events.TypeGenerationFailed:
			return resolution{trigger: TriggerErrorOccurred, failure: gapFailure()}
		}
	case StateValidateToolSchema:
		switch typ {
		case events.TypeSchemaValidated:
			return resolution{trigger: TriggerSchemaValidated}
		case events.TypeSchemaInvalid, events.TypeGenerationFailed:
			return resolution{trigger: TriggerSchemaInvalid, failure: gapFailure()}
		}
	}
	return resolution{}
}

func (s *Session) recordLocked(r events.ToolResult) {
	if s.turn == nil {
		return
	}
	delete(s.turn.pending, r.ToolCallID)
	s.turn.results = append(s.turn.results, r)
}

// enterLocked runs the entry action of the state just entered.
func (s *Session) enterLocked(to State, trigger Trigger, it item) {
	switch to {
	case StateEngage:
		s.beginTurnLocked(it.evt)
	case StateUnderstand:
		s.routeLocked()
	case StateExecuteScript:
		if trigger == TriggerScriptParsed {
			s.startScriptLocked()
			return
		}
		s.turnLocked().stepIndex++
		s.nextStepLocked()
	case StateGenerate:
		s.generateLocked(trigger)
	case StateCreateDynamicTool:
		s.requestToolLocked()
	case StateValidateToolSchema:
		if s.turnLocked().validated {
			s.pushFrontLocked(TriggerSchemaValidated, nil)
		}
	case StateParallelizeTasks:
		s.dispatchParallelLocked()
	case StateAwaitParallelResults:
		if len(s.turnLocked().pending) == 0 {
			s.pushFrontLocked(TriggerParallelResultsReady, nil)
			return
		}
		s.armLocked(s.cfg.ParallelTimeout)
	case StateErrorRecovery:
		s.recoverLocked()
	case StateComplete:
		s.completeLocked(trigger)
	}
}

func (s *Session) beginTurnLocked(evt events.Event) {
	input, _ := evt.Payload.(events.ConversationInput)
	if input.Intent == "" {
		input.Intent = events.IntentRespond
	}
	s.turn = &turn{conversationID: evt.ConversationID, input: input}

	// A nested script turn starts at the depth its caller reached.
	s.depth = input.Depth
	if s.depth < 0 {
		s.depth = 0
	}
	if s.depth > s.cfg.RecursionLimit {
		s.depth = s.cfg.RecursionLimit
	}

	var problem string
	switch input.Intent {
	case events.IntentRespond, events.IntentScript, events.IntentParallel:
	case events.IntentTool, events.IntentCreateTool:
		if input.Tool == "" {
			problem = fmt.Sprintf("intent %s requires a tool name", input.Intent)
		}
	default:
		problem = fmt.Sprintf("unknown intent %q", input.Intent)
	}
	if problem != "" {
		s.pushFrontLocked(TriggerFatalError, &failure{events.OutcomeFatal, events.KindValidationFailure, problem})
		return
	}
	s.pushFrontLocked(TriggerIntentDetected, nil)
}

func (s *Session) routeLocked() {
	t := s.turnLocked()
	switch t.input.Intent {
	case events.IntentScript:
		s.pushFrontLocked(TriggerScriptParsed, nil)
	case events.IntentCreateTool:
		s.pushFrontLocked(TriggerDynamicToolRequest, nil)
	case events.IntentParallel:
		s.pushFrontLocked(TriggerParallelTasksReady, nil)
	default:
		s.pushFrontLocked(TriggerToolsRouted, nil)
	}
}

func (s *Session) startScriptLocked() {
	t := s.turnLocked()
	t.stepIndex = 0
	t.pending = nil

	switch {
	case s.depth > s.cfg.RecursionLimit:
		s.pushFrontLocked(TriggerRecursionLimitExceeded, s.recursionFailureLocked())
		return
	case s.stepBudget <= 0:
		s.pushFrontLocked(TriggerStepBudgetExhausted, budgetFailure())
		return
	}

	if s.cfg.ScriptTimeout > 0 {
		t.scriptDeadline = s.now().Add(s.cfg.ScriptTimeout)
	}
	s.armLocked(s.cfg.ScriptTimeout)
	s.nextStepLocked()
}

func (s *Session) nextStepLocked() {
	t := s.turnLocked()
	if t.stepIndex >= len(t.input.Steps) {
		s.disarmLocked()
		s.pushFrontLocked(TriggerScriptExecutionComplete, nil)
		return
	}
	step := t.input.Steps[t.stepIndex]
	if step.Tool == "" {
		s.pushFrontLocked(TriggerScriptStepComplete, nil)
		return
	}
	if err := s.callLocked(step.Tool, step.Parameters, ""); err != nil {
		s.publishFailedLocked(err)
	}
}

func (s *Session) generateLocked(trigger Trigger) {
	t := s.turnLocked()
	switch trigger {
	case TriggerToolsRouted:
		if t.input.Intent != events.IntentTool {
			s.pushFrontLocked(TriggerResponseReady, nil)
			return
		}
		t.pending = nil
		if err := s.callLocked(t.input.Tool, t.input.Parameters, t.input.Description); err != nil {
			s.publishFailedLocked(err)
			return
		}
		s.armLocked(s.cfg.ToolTimeout)
	case TriggerParallelResultsReady:
		s.disarmLocked()
		for _, r := range t.results {
			if !r.Success {
				s.pushFrontLocked(TriggerToolFailure, resultFailure(r))
				return
			}
		}
		s.pushFrontLocked(TriggerResponseReady, nil)
	default:
		s.pushFrontLocked(TriggerResponseReady, nil)
	}
}

func (s *Session) requestToolLocked() {
	t := s.turnLocked()
	t.attempt++
	t.gapID = uuid.NewString()
	t.validated = false

	desc := t.input.Description
	if desc == "" {
		desc = t.input.Text
	}
	if desc == "" {
		desc = t.input.Tool
	}
	gap := events.AtomGap{
		MissingTool: t.input.Tool,
		Description: desc,
		GapID:       t.gapID,
		Attempt:     t.attempt,
	}
	err := s.publishLocked(events.Event{
		Topic:         events.TopicAtomGap,
		Type:          events.TypeAtomGap,
		CorrelationID: t.gapID,
		Payload:       gap,
	})
	if err != nil {
		s.publishFailedLocked(err)
		return
	}
	s.logger.Info("Requested tool creation",
		zap.String("tool", gap.MissingTool), zap.String("gap_id", gap.GapID), zap.Int("attempt", gap.Attempt))
	s.armLocked(s.cfg.GapTimeout)
}

func (s *Session) dispatchParallelLocked() {
	t := s.turnLocked()
	tasks := t.input.Tasks
	if len(tasks) > s.cfg.MaxParallelTasks {
		s.pushFrontLocked(TriggerErrorOccurred, &failure{events.OutcomeExecutionFailure, events.KindExecutionFailure,
			fmt.Sprintf("%d tasks exceed the parallel limit of %d", len(tasks), s.cfg.MaxParallelTasks)})
		return
	}

	t.pending = make(map[string]string, len(tasks))
	t.results = nil
	calls := make([]events.ToolCall, len(tasks))
	for i, task := range tasks {
		calls[i] = events.ToolCall{ToolCallID: uuid.NewString(), ToolName: task.Tool, Parameters: task.Parameters}
		t.pending[calls[i].ToolCallID] = task.Tool
	}

	g, ctx := errgroup.WithContext(s.ctx)
	for _, call := range calls {
		call := call
		g.Go(func() error {
			_, err := s.bus.Publish(ctx, s.stamp(events.Event{
				Topic:         events.TopicToolCall,
				Type:          events.TypeToolCall,
				CorrelationID: call.ToolCallID,
				Payload:       call,
			}))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		s.publishFailedLocked(err)
		return
	}
	s.pushFrontLocked(TriggerToolSuccess, nil)
}

func (s *Session) recoverLocked() {
	if s.turn != nil {
		s.turn.pending = nil
	}
	if s.retries < s.cfg.ToolRetryLimit {
		s.pushFrontLocked(TriggerRecoverySuccess, nil)
		return
	}
	s.pushFrontLocked(TriggerRecoveryFailed, nil)
}

func (s *Session) completeLocked(trigger Trigger) {
	t := s.turnLocked()
	out := events.TurnOutcome{Results: t.results}

	switch {
	case successTrigger(trigger):
		out.Outcome = events.OutcomeSuccess
	case trigger == TriggerFatalError:
		out.Outcome, out.Kind, out.Message = events.OutcomeFatal, events.KindFatal, "fatal error"
		if t.failure != nil {
			out.Kind, out.Message = t.failure.kind, t.failure.message
		}
	default:
		out.Outcome, out.Kind, out.Message = events.OutcomeExecutionFailure, events.KindExecutionFailure, "retries exhausted"
		if t.failure != nil {
			out.Outcome, out.Kind, out.Message = t.failure.outcome, t.failure.kind, t.failure.message
		}
		if t.input.Intent == events.IntentCreateTool {
			out.Outcome = events.OutcomeGapUnresolved
			if out.Kind == events.KindExecutionFailure {
				out.Kind = events.KindGapUnresolved
			}
		}
	}

	s.publishOutcomeLocked(out)
	s.pushFrontLocked(TriggerTurnComplete, nil)
}

func (s *Session) publishOutcomeLocked(out events.TurnOutcome) {
	out.Retries = s.retries
	out.StepBudget = s.stepBudget
	err := s.publishLocked(events.Event{
		Topic:   events.TopicConversation,
		Type:    events.TypeTurnComplete,
		Payload: out,
	})
	if err != nil {
		s.logger.Warn("Failed to publish turn outcome", zap.Error(err))
		return
	}
	log := s.logger.With(zap.String("outcome", string(out.Outcome)))
	if out.Outcome == events.OutcomeSuccess {
		log.Info("Turn complete")
		return
	}
	log.Info("Turn complete", zap.String("error_kind", string(out.Kind)), zap.String("message", out.Message))
}

// callLocked publishes a tool call and marks it pending.
func (s *Session) callLocked(tool string, params map[string]interface{}, description string) error {
	t := s.turnLocked()
	call := events.ToolCall{
		ToolCallID:  uuid.NewString(),
		ToolName:    tool,
		Parameters:  params,
		Description: description,
	}
	if t.pending == nil {
		t.pending = make(map[string]string)
	}
	t.pending[call.ToolCallID] = tool
	return s.publishLocked(events.Event{
		Topic:         events.TopicToolCall,
		Type:          events.TypeToolCall,
		CorrelationID: call.ToolCallID,
		Payload:       call,
	})
}

func (s *Session) stamp(evt events.Event) events.Event {
	evt.Source = SourceName
	evt.SessionID = s.id
	if s.turn != nil {
		evt.ConversationID = s.turn.conversationID
	}
	return evt
}

func (s *Session) publishLocked(evt events.Event) error {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.bus.Publish(ctx, s.stamp(evt))
	return err
}

// publishFailedLocked ends the turn when the session can no longer reach the bus.
func (s *Session) publishFailedLocked(err error) {
	s.logger.Error("Failed to publish event", zap.Error(err))
	s.pushFrontLocked(TriggerFatalError, &failure{events.OutcomeFatal, events.KindFatal, err.Error()})
}
