package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xkilldash9x/reug-runtime/internal/bus"
	"github.com/xkilldash9x/reug-runtime/internal/config"
	"github.com/xkilldash9x/reug-runtime/internal/events"
	"github.com/xkilldash9x/reug-runtime/internal/observability"
	"go.uber.org/zap"
)

// SourceName is stamped on every event a session publishes.
const SourceName = "fsm"

var (
	// ErrMailboxFull is returned by Enqueue while the mailbox is over its limit.
	ErrMailboxFull = errors.New("session mailbox is full")
	// ErrTransitionBlocked is reported when the circuit breaker refuses an attempt.
	ErrTransitionBlocked = errors.New("transition blocked by circuit breaker")
	// ErrSessionClosed is returned by Enqueue after the session stopped.
	ErrSessionClosed = errors.New("session is closed")
	// ErrNoTransition is reported for a trigger the current state does not accept.
	ErrNoTransition = errors.New("no transition for trigger")

	// errHeld means every queued item is a user turn waiting for READY.
	errHeld = errors.New("queued user turns wait for the current turn")
)

type itemKind int

const (
	kindInput    itemKind = iota // user_turn, fires USER_INPUT and starts a turn
	kindRaw                      // user_turn carrying an explicit trigger; no actions run
	kindInternal                 // fired by the session itself
	kindResult                   // tool_result
	kindPlanning                 // planning outcome from the creator pipeline
	kindDeadline                 // a state deadline expired
)

// item is one mailbox entry.
type item struct {
	kind     itemKind
	trigger  Trigger
	evt      events.Event
	failure  *failure
	epoch    uint64
	requeues int
}

// selfFired items are never discarded by the blocked-event policy, since the
// session cannot make progress without them.
func (it item) selfFired() bool {
	return it.kind == kindInternal || it.kind == kindDeadline
}

// Snapshot is a consistent view of a session for observers and tests.
type Snapshot struct {
	ID             string       `json:"id"`
	State          State        `json:"current_state"`
	MailboxLen     int          `json:"mailbox_len"`
	StepBudget     int          `json:"step_budget"`
	RecursionDepth int          `json:"recursion_depth"`
	ToolRetryCount int          `json:"tool_retry_count"`
	Breaker        BreakerState `json:"circuit_breaker"`
	LastActive     time.Time    `json:"last_active"`
}

// Session is one conversation's state machine. Its mailbox is consumed by a
// single goroutine, so transitions for a session are strictly serialized.
type Session struct {
	id      string
	logger  *zap.Logger
	bus     *bus.Bus
	metrics *observability.Metrics
	cfg     config.FSMConfig
	bcfg    config.BreakerConfig
	now     func() time.Time

	signal chan struct{}
	ctx    context.Context

	mu         sync.Mutex
	mailbox    []item
	state      State
	breaker    *Breaker
	stepBudget int
	depth      int
	retries    int
	turn       *turn
	epoch      uint64
	deadline   *time.Timer
	wake       *time.Timer
	holdUntil  time.Time
	lastActive time.Time
	closed     bool
}

func newSession(id string, logger *zap.Logger, b *bus.Bus, cfg config.FSMConfig, bcfg config.BreakerConfig, metrics *observability.Metrics, now func() time.Time) *Session {
	log := logger.With(zap.String("session_id", id))
	return &Session{
		id:         id,
		logger:     log,
		bus:        b,
		metrics:    metrics,
		cfg:        cfg,
		bcfg:       bcfg,
		now:        now,
		signal:     make(chan struct{}, 1),
		ctx:        context.Background(),
		state:      StateReady,
		breaker:    NewBreaker(bcfg, log, metrics),
		stepBudget: cfg.StepBudget,
		lastActive: now(),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the session's observable fields.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:             s.id,
		State:          s.state,
		MailboxLen:     len(s.mailbox),
		StepBudget:     s.stepBudget,
		RecursionDepth: s.depth,
		ToolRetryCount: s.retries,
		Breaker:        s.breaker.State(),
		LastActive:     s.lastActive,
	}
}

// classify turns a routed event into a mailbox item.
func classify(evt events.Event) (item, error) {
	switch evt.Topic {
	case events.TopicConversation:
		if evt.Type != events.TypeUserTurn {
			return item{}, fmt.Errorf("conversation event type %q is not an input", evt.Type)
		}
		var input events.ConversationInput
		switch p := evt.Payload.(type) {
		case events.ConversationInput:
			input = p
		case nil:
		default:
			return item{}, fmt.Errorf("user_turn payload has type %T", evt.Payload)
		}
		if input.Trigger != "" {
			trig, err := ParseTrigger(input.Trigger)
			if err != nil {
				return item{}, err
			}
			return item{kind: kindRaw, trigger: trig, evt: evt}, nil
		}
		return item{kind: kindInput, trigger: TriggerUserInput, evt: evt}, nil
	case events.TopicToolResult:
		if _, ok := evt.Payload.(events.ToolResult); !ok {
			return item{}, fmt.Errorf("tool_result payload has type %T", evt.Payload)
		}
		return item{kind: kindResult, evt: evt}, nil
	case events.TopicPlanning:
		if _, ok := evt.Payload.(events.PlanningOutcome); !ok {
			return item{}, fmt.Errorf("planning payload has type %T", evt.Payload)
		}
		return item{kind: kindPlanning, evt: evt}, nil
	default:
		return item{}, fmt.Errorf("sessions do not consume topic %q", evt.Topic)
	}
}

// Enqueue appends an event to the mailbox. A shutdown request jumps the
// queue. Other events are refused with ErrMailboxFull while the mailbox is
// over MailboxMaxSize; the breaker sheds the overflow on its next evaluation.
func (s *Session) Enqueue(evt events.Event) error {
	it, err := classify(evt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if it.trigger == TriggerShutdownRequested {
		s.mailbox = append([]item{it}, s.mailbox...)
	} else {
		if len(s.mailbox) > s.bcfg.MailboxMaxSize {
			n := len(s.mailbox)
			s.mu.Unlock()
			return fmt.Errorf("%w: %d queued", ErrMailboxFull, n)
		}
		s.mailbox = append(s.mailbox, it)
	}
	s.lastActive = s.now()
	s.mu.Unlock()

	s.notify()
	return nil
}

func (s *Session) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// run consumes the mailbox until ctx is cancelled.
func (s *Session) run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	defer s.close()

	for {
		for s.step() {
		}
		select {
		case <-ctx.Done():
			return
		case <-s.signal:
		}
	}
}

// step processes the mailbox head. It reports whether the caller should
// keep going: false when the mailbox is empty or the breaker blocked.
func (s *Session) step() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mailbox) == 0 {
		return false
	}
	err := s.processHeadLocked()
	return !errors.Is(err, ErrTransitionBlocked) && !errors.Is(err, errHeld)
}

func (s *Session) popLocked() item {
	return s.removeLocked(0)
}

func (s *Session) removeLocked(i int) item {
	it := s.mailbox[i]
	copy(s.mailbox[i:], s.mailbox[i+1:])
	s.mailbox[len(s.mailbox)-1] = item{}
	s.mailbox = s.mailbox[:len(s.mailbox)-1]
	return it
}

// nextLocked picks the mailbox item to process. A user turn that arrives
// mid-turn stays queued until the session is back in READY; the results and
// planning outcomes behind it are still consumed by the turn in flight.
func (s *Session) nextLocked() int {
	for i, it := range s.mailbox {
		if it.kind == kindInput && s.state != StateReady && s.state != StateShutdown {
			continue
		}
		return i
	}
	return -1
}

func (s *Session) pushFrontLocked(trigger Trigger, f *failure) {
	s.mailbox = append([]item{{kind: kindInternal, trigger: trigger, failure: f}}, s.mailbox...)
}

func (s *Session) processHeadLocked() error {
	if s.state == StateShutdown {
		head := s.popLocked()
		s.logger.Debug("Session is shut down; discarding event", zap.String("topic", string(head.evt.Topic)))
		s.rejectInputLocked(head, events.TurnOutcome{
			Outcome: events.OutcomeShutdown,
			Message: "session is shut down",
		})
		return nil
	}
	if s.mailbox[0].trigger == TriggerShutdownRequested {
		s.popLocked()
		s.shutdownLocked()
		return nil
	}

	idx := s.nextLocked()
	if idx < 0 {
		return errHeld
	}
	head := s.mailbox[idx]

	now := s.now()
	if now.Before(s.holdUntil) {
		return ErrTransitionBlocked
	}

	res := s.resolveLocked(head)
	if res.trigger == "" {
		s.removeLocked(idx)
		if res.record != nil {
			s.recordLocked(*res.record)
		}
		return nil
	}

	decision := s.breaker.Evaluate(now, len(s.mailbox))
	if !decision.Allowed {
		if decision.Reason == observability.ReasonMailboxOverflow {
			s.shedLocked()
		}
		if idx < len(s.mailbox) {
			s.blockedLocked(idx, res.trigger)
		}
		s.scheduleWakeLocked(now)
		return ErrTransitionBlocked
	}

	s.holdUntil = time.Time{}
	s.removeLocked(idx)
	s.lastActive = now
	return s.fireLocked(res, head)
}

// shedLocked drops the newest events beyond the mailbox limit.
func (s *Session) shedLocked() {
	limit := s.bcfg.MailboxMaxSize
	if len(s.mailbox) <= limit {
		return
	}
	shed := s.mailbox[limit:]
	s.mailbox = s.mailbox[:limit:limit]
	s.logger.Warn("Shed mailbox overflow", zap.Int("shed", len(shed)), zap.Int("mailbox_len", limit))
	for _, it := range shed {
		s.rejectInputLocked(it, events.TurnOutcome{
			Outcome: events.OutcomeExecutionFailure,
			Kind:    events.KindTransitionBlocked,
			Message: "shed from an overflowing mailbox",
		})
	}
}

// blockedLocked applies the blocked-event policy to the item at idx.
func (s *Session) blockedLocked(idx int, trigger Trigger) {
	head := &s.mailbox[idx]
	log := s.logger.With(zap.String("state", string(s.state)), zap.String("trigger", string(trigger)))

	if head.selfFired() {
		log.Debug("Transition blocked; internal trigger kept at the head of the mailbox")
		return
	}
	blocked := events.TurnOutcome{
		Outcome: events.OutcomeExecutionFailure,
		Kind:    events.KindTransitionBlocked,
		Message: ErrTransitionBlocked.Error(),
	}
	switch s.bcfg.BlockedPolicy {
	case config.BlockedDrop:
		dropped := s.removeLocked(idx)
		log.Info("Transition blocked; event dropped", zap.Error(ErrTransitionBlocked))
		s.rejectInputLocked(dropped, blocked)
	default:
		head.requeues++
		if head.requeues > s.bcfg.MaxRequeues {
			dropped := s.removeLocked(idx)
			log.Warn("Transition blocked too many times; event discarded",
				zap.Int("requeues", dropped.requeues-1), zap.Error(ErrTransitionBlocked))
			s.rejectInputLocked(dropped, blocked)
			return
		}
		log.Info("Transition blocked; event requeued",
			zap.Int("requeues", head.requeues), zap.Error(ErrTransitionBlocked))
	}
}

// scheduleWakeLocked holds the mailbox until the breaker can allow a trial,
// so arriving events do not spend the head's requeue allowance.
func (s *Session) scheduleWakeLocked(now time.Time) {
	if len(s.mailbox) == 0 || s.closed {
		return
	}
	s.holdUntil = s.breaker.RetryAt()
	delay := s.holdUntil.Sub(now)
	if delay < 0 {
		delay = 0
	}
	if s.wake != nil {
		s.wake.Stop()
	}
	s.wake = time.AfterFunc(delay, s.notify)
}

// fireLocked applies a gated trigger to the current state.
func (s *Session) fireLocked(res resolution, it item) error {
	from := s.state
	log := s.logger.With(zap.String("state", string(from)), zap.String("trigger", string(res.trigger)))

	to, ok := Next(from, res.trigger)
	if !ok {
		log.Warn("Trigger not accepted in current state", zap.Error(ErrNoTransition))
		return fmt.Errorf("%w: %s in %s", ErrNoTransition, res.trigger, from)
	}
	if redirect, f := s.guardLocked(from, res.trigger); redirect != "" {
		log.Info("Guard refused transition", zap.String("redirect", string(redirect)))
		// The result arrived even though the step it completes is refused.
		if res.record != nil {
			s.recordLocked(*res.record)
		}
		s.pushFrontLocked(redirect, f)
		return nil
	}

	if res.failure != nil && s.turn != nil {
		s.turn.failure = res.failure
	}
	if res.record != nil {
		s.recordLocked(*res.record)
	}
	if res.validated && s.turn != nil {
		s.turn.validated = true
	}

	s.state = to
	s.metrics.RecordTransition(string(from), string(to))
	log.Debug("Transition", zap.String("to", string(to)))

	s.bookkeepLocked(from, to, res.trigger)
	if it.kind == kindRaw {
		return nil
	}
	s.enterLocked(to, res.trigger, it)
	return nil
}

// guardLocked evaluates transition guards. A refused guard names the trigger
// to fire instead.
func (s *Session) guardLocked(from State, trigger Trigger) (Trigger, *failure) {
	switch {
	case from == StateExecuteScript && trigger == TriggerScriptStepComplete:
		t := s.turnLocked()
		switch {
		case !t.scriptDeadline.IsZero() && !s.now().Before(t.scriptDeadline):
			return TriggerTimeoutDetected, &failure{outcome: events.OutcomeTimeout, kind: events.KindExecutionFailure, message: "script execution timed out"}
		case s.depth > s.cfg.RecursionLimit:
			return TriggerRecursionLimitExceeded, s.recursionFailureLocked()
		case s.stepBudget <= 0:
			return TriggerStepBudgetExhausted, budgetFailure()
		}
	case from == StateParallelizeTasks && trigger == TriggerToolSuccess:
		if n := len(s.turnLocked().pending); n > s.cfg.MaxParallelTasks {
			return TriggerErrorOccurred, &failure{outcome: events.OutcomeExecutionFailure, kind: events.KindExecutionFailure, message: fmt.Sprintf("%d tasks exceed the parallel limit", n)}
		}
	case from == StateErrorRecovery && trigger == TriggerRecoverySuccess:
		if s.retries >= s.cfg.ToolRetryLimit {
			return TriggerRecoveryFailed, nil
		}
	}
	return "", nil
}

func budgetFailure() *failure {
	return &failure{outcome: events.OutcomeExecutionFailure, kind: events.KindExecutionFailure, message: "step budget exhausted"}
}

func (s *Session) recursionFailureLocked() *failure {
	return &failure{
		outcome: events.OutcomeExecutionFailure,
		kind:    events.KindExecutionFailure,
		message: fmt.Sprintf("recursion depth %d exceeds the limit of %d", s.depth, s.cfg.RecursionLimit),
	}
}

// bookkeepLocked updates counters that belong to the transition itself; it
// runs for raw triggers too. Every transition spends one unit of the turn's
// step budget. Entering a script from UNDERSTAND nests one level deeper and
// leaving EXECUTE_SCRIPT for any other state unwinds it.
func (s *Session) bookkeepLocked(from, to State, trigger Trigger) {
	if s.stepBudget > 0 {
		s.stepBudget--
	}
	switch {
	case from == StateUnderstand && to == StateExecuteScript:
		s.depth++
	case from == StateExecuteScript && to != StateExecuteScript && s.depth > 0:
		s.depth--
	}

	switch trigger {
	case TriggerRecoverySuccess:
		s.retries++
	case TriggerTurnComplete:
		s.stepBudget = s.cfg.StepBudget
		s.depth = 0
		s.turn = nil
	}
	switch to {
	case StateErrorRecovery, StateComplete:
		s.disarmLocked()
	}
	if to == StateComplete && successTrigger(trigger) {
		s.retries = 0
	}
}

func successTrigger(t Trigger) bool {
	switch t {
	case TriggerSchemaValidated, TriggerToolSuccess, TriggerResponseReady:
		return true
	default:
		return false
	}
}

// rejectInputLocked ends a user turn that never started, so whoever submitted
// it still receives a turn_complete for its conversation.
func (s *Session) rejectInputLocked(it item, out events.TurnOutcome) {
	if it.kind != kindInput {
		return
	}
	out.StepBudget = s.stepBudget
	evt := s.stamp(events.Event{Topic: events.TopicConversation, Type: events.TypeTurnComplete, Payload: out})
	evt.ConversationID = it.evt.ConversationID
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.bus.Publish(ctx, evt); err != nil {
		s.logger.Warn("Failed to publish turn outcome", zap.Error(err))
		return
	}
	s.logger.Info("User turn rejected",
		zap.String("conversation_id", evt.ConversationID),
		zap.String("outcome", string(out.Outcome)),
		zap.String("error_kind", string(out.Kind)))
}

// shutdownLocked moves to SHUTDOWN from any state, cancelling awaits.
func (s *Session) shutdownLocked() {
	from := s.state
	s.disarmLocked()
	s.state = StateShutdown
	s.metrics.RecordTransition(string(from), string(StateShutdown))
	s.logger.Info("Session shut down", zap.String("state", string(from)))

	if midTurn(from) && s.turn != nil {
		s.publishOutcomeLocked(events.TurnOutcome{
			Outcome: events.OutcomeShutdown,
			Message: fmt.Sprintf("shutdown requested in %s", from),
		})
	}
	if s.turn != nil {
		s.turn.pending = nil
	}
}

func (s *Session) armLocked(d time.Duration) {
	s.disarmLocked()
	if d <= 0 {
		return
	}
	epoch := s.epoch
	s.deadline = time.AfterFunc(d, func() { s.expire(epoch) })
}

func (s *Session) disarmLocked() {
	s.epoch++
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
}

// expire queues a deadline item; stale epochs are ignored on resolution.
func (s *Session) expire(epoch uint64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mailbox = append(s.mailbox, item{kind: kindDeadline, epoch: epoch})
	s.mu.Unlock()
	s.notify()
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.disarmLocked()
	if s.wake != nil {
		s.wake.Stop()
		s.wake = nil
	}
	// Keeps the aggregate open gauge consistent when an open session goes away.
	s.breaker.Reset()
}

func (s *Session) idle(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mailbox) > 0 || now.Sub(s.lastActive) < ttl {
		return false
	}
	return s.state == StateReady || s.state == StateShutdown
}
