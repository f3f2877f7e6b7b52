package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Breaker trip reasons, used as the "reason" label.
const (
	ReasonMailboxOverflow = "mailbox_overflow"
	ReasonRateLimit       = "rate_limit"
)

// Metrics holds every collector the runtime exports. The names under sa_fsm_*
// are consumed by external dashboards and must not change.
//
// A Metrics value is created once per runtime against an explicit registerer.
// All methods are safe on a nil receiver so components can run without metrics
// in tests.
type Metrics struct {
	// BreakerTrips counts circuit breaker trips.
	// Labels: reason (mailbox_overflow|rate_limit)
	BreakerTrips *prometheus.CounterVec

	// BreakerOpen is 1 while any session's breaker is open.
	BreakerOpen prometheus.Gauge

	// BlockedTransitions counts transitions refused by the breaker.
	BlockedTransitions prometheus.Counter

	// MailboxPressure is the last observed len(mailbox)/MAILBOX_MAX_SIZE.
	MailboxPressure prometheus.Gauge

	// Transitions counts processed FSM transitions.
	// Labels: from, to
	Transitions *prometheus.CounterVec

	// ActiveSessions tracks live session actors.
	ActiveSessions prometheus.Gauge

	// EventsPublished / EventsDropped track bus traffic per topic.
	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// CreatorCandidates counts pipeline outcomes.
	// Labels: outcome (registered|existing|unsafe|compile_error|schema_invalid|conflict|generation_failed|smoke_failed)
	CreatorCandidates *prometheus.CounterVec

	// RegistryCapabilities tracks catalog size by status.
	RegistryCapabilities *prometheus.GaugeVec

	mu        sync.Mutex
	openCount int
}

// NewMetrics registers all collectors on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from each other.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sa_fsm_circuit_breaker_trips_total",
			Help: "Total number of circuit breaker trips by reason.",
		}, []string{"reason"}),
		BreakerOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sa_fsm_circuit_breaker_open",
			Help: "1 while at least one session circuit breaker is open, 0 otherwise.",
		}),
		BlockedTransitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "sa_fsm_blocked_transitions_total",
			Help: "Total number of FSM transitions blocked by the circuit breaker.",
		}),
		MailboxPressure: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sa_fsm_mailbox_pressure",
			Help: "Mailbox length divided by the maximum mailbox size.",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sa_fsm_transitions_total",
			Help: "Total number of processed FSM transitions.",
		}, []string{"from", "to"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sa_fsm_active_sessions",
			Help: "Number of live session actors.",
		}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sa_bus_events_published_total",
			Help: "Total number of events published per topic.",
		}, []string{"topic"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sa_bus_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full.",
		}, []string{"topic"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sa_tool_executions_total",
			Help: "Total number of tool executions by outcome.",
		}, []string{"tool", "status"}),
		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sa_tool_execution_duration_seconds",
			Help:    "Tool execution duration in seconds.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		CreatorCandidates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sa_creator_candidates_total",
			Help: "Generated tool candidates by pipeline outcome.",
		}, []string{"outcome"}),
		RegistryCapabilities: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sa_registry_capabilities",
			Help: "Registered capabilities by status.",
		}, []string{"status"}),
	}
}

// RecordTrip increments the trip counter for reason.
func (m *Metrics) RecordTrip(reason string) {
	if m == nil {
		return
	}
	m.BreakerTrips.WithLabelValues(reason).Inc()
}

// BreakerOpened and BreakerClosed keep the aggregate open gauge in step with
// the number of open per-session breakers.
func (m *Metrics) BreakerOpened() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCount++
	m.BreakerOpen.Set(1)
}

func (m *Metrics) BreakerClosed() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openCount > 0 {
		m.openCount--
	}
	if m.openCount == 0 {
		m.BreakerOpen.Set(0)
	}
}

func (m *Metrics) RecordBlocked() {
	if m == nil {
		return
	}
	m.BlockedTransitions.Inc()
}

func (m *Metrics) SetMailboxPressure(p float64) {
	if m == nil {
		return
	}
	m.MailboxPressure.Set(p)
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) RecordPublished(topic string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(topic).Inc()
}

func (m *Metrics) RecordDropped(topic string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(topic).Inc()
}

// RecordToolExecution records one tool invocation and its latency.
func (m *Metrics) RecordToolExecution(tool string, success bool, seconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(seconds)
}

func (m *Metrics) RecordCandidate(outcome string) {
	if m == nil {
		return
	}
	m.CreatorCandidates.WithLabelValues(outcome).Inc()
}

// SetCapabilityCounts replaces the per-status catalog gauge.
func (m *Metrics) SetCapabilityCounts(byStatus map[string]int) {
	if m == nil {
		return
	}
	m.RegistryCapabilities.Reset()
	for status, n := range byStatus {
		m.RegistryCapabilities.WithLabelValues(status).Set(float64(n))
	}
}
