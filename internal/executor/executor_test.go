package executor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/reug-runtime/internal/bus"
	"github.com/xkilldash9x/reug-runtime/internal/config"
	"github.com/xkilldash9x/reug-runtime/internal/events"
	"github.com/xkilldash9x/reug-runtime/internal/observability"
	"github.com/xkilldash9x/reug-runtime/internal/registry"
	"github.com/xkilldash9x/reug-runtime/internal/sandbox"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

const doubleTool = "package tool\n\nimport \"fmt\"\n\nconst Schema = `{\"type\":\"object\",\"properties\":{\"x\":{\"type\":\"number\"}},\"required\":[\"x\"]}`\n\n" +
	"func Run(params map[string]interface{}) (map[string]interface{}, error) {\n" +
	"\tx, ok := params[\"x\"].(float64)\n" +
	"\tif !ok {\n\t\treturn nil, fmt.Errorf(\"x must be a number\")\n\t}\n" +
	"\tif x < 0 {\n\t\treturn nil, fmt.Errorf(\"negative input\")\n\t}\n" +
	"\treturn map[string]interface{}{\"value\": x * 2}, nil\n}\n"

type harness struct {
	t        *testing.T
	bus      *bus.Bus
	registry *registry.Registry
	metrics  *observability.Metrics
	exec     *Executor
	results  <-chan events.Event
	gaps     <-chan events.Event
	stop     func()
}

func newHarness(t *testing.T, cfg config.ExecutorConfig) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	m := observability.NewMetrics(prometheus.NewRegistry())
	b := bus.New(logger, 64, m)
	reg := registry.New(logger, config.ConflictReject)
	ex := New(logger, b, reg, sandbox.New(logger, nil), cfg, m)

	results, unsubResults := b.Subscribe(events.TopicToolResult)
	gaps, unsubGaps := b.Subscribe(events.TopicAtomGap)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ex.Start(ctx)
		close(done)
	}()

	h := &harness{t: t, bus: b, registry: reg, metrics: m, exec: ex, results: results, gaps: gaps}
	h.stop = func() {
		cancel()
		<-done
		unsubResults()
		unsubGaps()
		b.Shutdown()
	}
	return h
}

func defaultConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		Timeout:                2 * time.Second,
		Concurrency:            4,
		PendingTimeout:         time.Minute,
		MaxConsecutiveFailures: 3,
	}
}

func (h *harness) register(name string, status registry.Status) {
	h.t.Helper()
	_, err := h.registry.Register(context.Background(), registry.Capability{
		Name: name, Status: status, Code: doubleTool, ErrorMessage: "previous failure",
	})
	require.NoError(h.t, err)
}

func (h *harness) call(session, id, tool string, params map[string]interface{}) {
	h.t.Helper()
	_, err := h.bus.Publish(context.Background(), events.Event{
		Topic:     events.TopicToolCall,
		Type:      events.TypeToolCall,
		Source:    "test",
		SessionID: session,
		Payload:   events.ToolCall{ToolCallID: id, ToolName: tool, Parameters: params},
	})
	require.NoError(h.t, err)
}

func (h *harness) planning(typ events.Type, outcome events.PlanningOutcome) {
	h.t.Helper()
	_, err := h.bus.Publish(context.Background(), events.Event{
		Topic: events.TopicPlanning, Type: typ, Source: "test", CorrelationID: outcome.GapID, Payload: outcome,
	})
	require.NoError(h.t, err)
}

func next(t *testing.T, b *bus.Bus, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case evt := <-ch:
		b.Acknowledge(evt)
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func none(t *testing.T, b *bus.Bus, ch <-chan events.Event, wait time.Duration) {
	t.Helper()
	select {
	case evt := <-ch:
		b.Acknowledge(evt)
		t.Fatalf("unexpected event %s/%s", evt.Topic, evt.Type)
	case <-time.After(wait):
	}
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestExecutor_RunsRegisteredTool(t *testing.T) {
	h := newHarness(t, defaultConfig())
	defer h.stop()
	h.register("double", registry.StatusValidated)

	h.call("s1", "call-1", "double", map[string]interface{}{"x": 21})
	evt := next(t, h.bus, h.results)

	assert.Equal(t, "s1", evt.SessionID)
	assert.Equal(t, "call-1", evt.CorrelationID)
	assert.Equal(t, SourceName, evt.Source)
	res := evt.Payload.(events.ToolResult)
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, float64(42), res.Result["value"])

	c, err := h.registry.Get("double")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, c.Status, "first success promotes validated to active")
	assert.Equal(t, int64(1), c.UsageCount)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ToolExecutions.WithLabelValues("double", "success")))
}

func TestExecutor_DuplicateCallIDsRunOnce(t *testing.T) {
	h := newHarness(t, defaultConfig())
	defer h.stop()
	h.register("double", registry.StatusActive)

	h.call("s1", "dup", "double", map[string]interface{}{"x": 1})
	h.call("s1", "dup", "double", map[string]interface{}{"x": 1})

	next(t, h.bus, h.results)
	none(t, h.bus, h.results, 200*time.Millisecond)

	c, _ := h.registry.Get("double")
	assert.Equal(t, int64(1), c.UsageCount)
}

func TestExecutor_RefusesNonExecutableCapabilities(t *testing.T) {
	tests := []struct {
		status  registry.Status
		kind    events.ErrorKind
		message string
	}{
		{registry.StatusError, events.KindExecutionFailure, "previous failure"},
		{registry.StatusDeprecated, events.KindExecutionFailure, "deprecated"},
		{registry.StatusDraft, events.KindValidationFailure, "not been validated"},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			h := newHarness(t, defaultConfig())
			defer h.stop()
			h.register("double", tt.status)

			h.call("s1", "c", "double", map[string]interface{}{"x": 1})
			res := next(t, h.bus, h.results).Payload.(events.ToolResult)

			assert.False(t, res.Success)
			assert.Equal(t, tt.kind, res.Kind)
			assert.Contains(t, res.Error, tt.message)

			c, _ := h.registry.Get("double")
			assert.Equal(t, int64(1), c.UsageCount, "usage is recorded even for refused calls")
		})
	}

	t.Run("non-tool capability", func(t *testing.T) {
		h := newHarness(t, defaultConfig())
		defer h.stop()
		_, err := h.registry.Register(context.Background(), registry.Capability{Name: "flow", Type: registry.TypeWorkflow, Status: registry.StatusActive})
		require.NoError(t, err)

		h.call("s1", "c", "flow", nil)
		res := next(t, h.bus, h.results).Payload.(events.ToolResult)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "workflow")
	})
}

func TestExecutor_DemotesAfterConsecutiveFailures(t *testing.T) {
	h := newHarness(t, defaultConfig())
	defer h.stop()
	h.register("double", registry.StatusActive)

	// Invalid parameters are the caller's fault and do not count.
	h.call("s1", "bad-params", "double", map[string]interface{}{"x": "nope"})
	res := next(t, h.bus, h.results).Payload.(events.ToolResult)
	assert.Equal(t, events.KindValidationFailure, res.Kind)

	for i, id := range []string{"f1", "f2", "f3"} {
		h.call("s1", id, "double", map[string]interface{}{"x": -1})
		res := next(t, h.bus, h.results).Payload.(events.ToolResult)
		assert.Equal(t, events.KindExecutionFailure, res.Kind, "failure %d", i+1)
	}

	c, err := h.registry.Get("double")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusError, c.Status)
	assert.Contains(t, c.ErrorMessage, "3 consecutive failures")

	h.call("s1", "after", "double", map[string]interface{}{"x": 1})
	res = next(t, h.bus, h.results).Payload.(events.ToolResult)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "error state")
}

func TestExecutor_ParksCallsForMissingTools(t *testing.T) {
	h := newHarness(t, defaultConfig())
	defer h.stop()

	h.call("s1", "p1", "double", map[string]interface{}{"x": 2})
	h.call("s2", "p2", "double", map[string]interface{}{"x": 3})

	gapEvt := next(t, h.bus, h.gaps)
	gap := gapEvt.Payload.(events.AtomGap)
	assert.Equal(t, "double", gap.MissingTool)
	assert.Equal(t, SourceName, gapEvt.Source)
	assert.Equal(t, gap.GapID, gapEvt.CorrelationID)
	assert.Equal(t, "s1", gapEvt.SessionID)

	none(t, h.bus, h.gaps, 100*time.Millisecond)
	none(t, h.bus, h.results, 100*time.Millisecond)
	assert.Equal(t, 2, h.exec.Parked())

	h.register("double", registry.StatusValidated)
	h.planning(events.TypeSchemaValidated, events.PlanningOutcome{GapID: gap.GapID, ToolName: "double", Version: "1.0.0"})

	got := map[string]float64{}
	for i := 0; i < 2; i++ {
		res := next(t, h.bus, h.results).Payload.(events.ToolResult)
		require.True(t, res.Success, res.Error)
		got[res.ToolCallID] = res.Result["value"].(float64)
	}
	assert.Equal(t, map[string]float64{"p1": 4, "p2": 6}, got)
	assert.Equal(t, 0, h.exec.Parked())
}

func TestExecutor_FailsParkedCallsWhenCreationFails(t *testing.T) {
	h := newHarness(t, defaultConfig())
	defer h.stop()

	h.call("s1", "p1", "spawner", nil)
	gap := next(t, h.bus, h.gaps).Payload.(events.AtomGap)

	// An unrelated gap failing for the same name does not touch our calls.
	h.planning(events.TypeGenerationFailed, events.PlanningOutcome{GapID: "someone-else", ToolName: "spawner"})
	none(t, h.bus, h.results, 100*time.Millisecond)

	h.planning(events.TypeGenerationFailed, events.PlanningOutcome{GapID: gap.GapID, ToolName: "spawner", Error: "unsafe code"})
	res := next(t, h.bus, h.results).Payload.(events.ToolResult)
	assert.False(t, res.Success)
	assert.Equal(t, events.KindGapUnresolved, res.Kind)
	assert.Contains(t, res.Error, "unsafe code")
}

func TestExecutor_ParkedCallsExpire(t *testing.T) {
	cfg := defaultConfig()
	cfg.PendingTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	defer h.stop()

	h.call("s1", "p1", "ghost", nil)
	next(t, h.bus, h.gaps)

	res := next(t, h.bus, h.results).Payload.(events.ToolResult)
	assert.Equal(t, "p1", res.ToolCallID)
	assert.Equal(t, events.KindExecutionFailure, res.Kind)
	assert.Contains(t, res.Error, "not created within")
	assert.Equal(t, 0, h.exec.Parked())
}

func TestExecute_Synchronous(t *testing.T) {
	logger := zaptest.NewLogger(t)
	b := bus.New(logger, 4, nil)
	defer b.Shutdown()
	reg := registry.New(logger, config.ConflictReject)
	ex := New(logger, b, reg, sandbox.New(logger, nil), defaultConfig(), nil)

	res := ex.Execute(context.Background(), events.ToolCall{ToolCallID: "x", ToolName: "missing"})
	assert.False(t, res.Success)
	assert.Equal(t, events.KindGapUnresolved, res.Kind)
}
