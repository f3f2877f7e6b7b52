package fsm

import (
	"time"

	"github.com/xkilldash9x/reug-runtime/internal/config"
	"github.com/xkilldash9x/reug-runtime/internal/observability"
	"go.uber.org/zap"
)

const rateWindow = time.Second

// BreakerState is a snapshot of a session's circuit breaker.
type BreakerState struct {
	IsOpen                bool      `json:"is_open"`
	FailureCount          int       `json:"failure_count"`
	LastFailureTime       time.Time `json:"last_failure_time"`
	LastTransitionTime    time.Time `json:"last_transition_time"`
	TransitionCount       int       `json:"transition_count"`
	TransitionWindowStart time.Time `json:"transition_window_start"`
}

// Decision is the result of one gate evaluation.
type Decision struct {
	Allowed bool
	// Reason is set when the gate tripped on this evaluation.
	Reason string
	// Trial is set when an open breaker cooled down and let this attempt through.
	Trial bool
}

// Breaker gates a session's transitions. It is owned by one session and is
// not safe for concurrent use.
type Breaker struct {
	cfg     config.BreakerConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	state   BreakerState
	warned  bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg config.BreakerConfig, logger *zap.Logger, metrics *observability.Metrics) *Breaker {
	return &Breaker{cfg: cfg, logger: logger, metrics: metrics}
}

// State returns a copy of the breaker's fields.
func (b *Breaker) State() BreakerState { return b.state }

// Evaluate runs the gate before a transition attempt. mailboxLen counts the
// event being attempted.
func (b *Breaker) Evaluate(now time.Time, mailboxLen int) Decision {
	if mailboxLen > b.cfg.MailboxMaxSize {
		b.trip(now, observability.ReasonMailboxOverflow, mailboxLen)
		return b.block(observability.ReasonMailboxOverflow)
	}

	if now.Sub(b.state.TransitionWindowStart) >= rateWindow {
		b.state.TransitionCount = 0
		b.state.TransitionWindowStart = now
	}
	if b.state.TransitionCount >= b.cfg.TransitionRateLimit {
		b.trip(now, observability.ReasonRateLimit, mailboxLen)
		return b.block(observability.ReasonRateLimit)
	}

	trial := false
	if b.state.IsOpen {
		if now.Sub(b.state.LastFailureTime) <= b.cfg.Timeout {
			return b.block("")
		}
		b.Reset()
		trial = true
		b.logger.Info("Circuit breaker cooled down; allowing trial transition")
	}

	b.state.TransitionCount++
	b.state.LastTransitionTime = now

	pressure := 0.0
	if b.cfg.MailboxMaxSize > 0 {
		pressure = float64(mailboxLen) / float64(b.cfg.MailboxMaxSize)
	}
	b.metrics.SetMailboxPressure(pressure)
	if mailboxLen > b.cfg.MailboxWarningSize {
		if !b.warned {
			b.warned = true
			b.logger.Warn("Mailbox pressure above warning level",
				zap.Int("mailbox_len", mailboxLen),
				zap.Int("warning_size", b.cfg.MailboxWarningSize),
				zap.Float64("pressure", pressure))
		}
	} else {
		b.warned = false
	}
	return Decision{Allowed: true, Trial: trial}
}

// RetryAt is the earliest instant an open breaker will allow a trial.
func (b *Breaker) RetryAt() time.Time {
	return b.state.LastFailureTime.Add(b.cfg.Timeout + time.Millisecond)
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	if b.state.IsOpen {
		b.metrics.BreakerClosed()
	}
	b.state.IsOpen = false
	b.state.FailureCount = 0
}

func (b *Breaker) trip(now time.Time, reason string, mailboxLen int) {
	if !b.state.IsOpen {
		b.state.IsOpen = true
		b.metrics.BreakerOpened()
	}
	b.state.FailureCount++
	b.state.LastFailureTime = now
	b.metrics.RecordTrip(reason)
	b.logger.Warn("Circuit breaker tripped",
		zap.String("reason", reason),
		zap.Int("failure_count", b.state.FailureCount),
		zap.Int("mailbox_len", mailboxLen),
		zap.Int("transition_count", b.state.TransitionCount))
}

func (b *Breaker) block(reason string) Decision {
	b.metrics.RecordBlocked()
	return Decision{Reason: reason}
}
