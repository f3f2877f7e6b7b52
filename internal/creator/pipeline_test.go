package creator

import (
	"context"
	"errors"
	"strings"
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
	"google.golang.org/genai"
)

type fixture struct {
	bus      *bus.Bus
	registry *registry.Registry
	sandbox  *sandbox.Sandbox
	metrics  *observability.Metrics
	pipeline *Pipeline
}

func testCreatorConfig() config.CreatorConfig {
	return config.CreatorConfig{
		RateLimit:    100,
		Burst:        10,
		Author:       "test",
		SmokeTest:    true,
		SmokeTimeout: 2 * time.Second,
	}
}

func newFixture(t *testing.T, gen Generator) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	m := observability.NewMetrics(prometheus.NewRegistry())
	b := bus.New(logger, 64, m)
	reg := registry.New(logger, config.ConflictReject, registry.WithMetrics(m))
	sb := sandbox.New(logger, nil)
	if gen == nil {
		gen = NewTemplateGenerator(logger, nil)
	}
	return &fixture{
		bus:      b,
		registry: reg,
		sandbox:  sb,
		metrics:  m,
		pipeline: New(logger, b, reg, sb, gen, testCreatorConfig(), m),
	}
}

type generatorFunc func(ctx context.Context, gap events.AtomGap) (Candidate, error)

func (f generatorFunc) Generate(ctx context.Context, gap events.AtomGap) (Candidate, error) {
	return f(ctx, gap)
}

func candidates(m *observability.Metrics, outcome string) float64 {
	return testutil.ToFloat64(m.CreatorCandidates.WithLabelValues(outcome))
}

func TestCreate_RegistersAndPromotesFibonacci(t *testing.T) {
	f := newFixture(t, nil)
	defer f.bus.Shutdown()

	res := f.pipeline.Create(context.Background(), events.AtomGap{MissingTool: "e2e_fibonacci", Description: "fibonacci", GapID: "g1"})
	require.NoError(t, res.Err)
	assert.Equal(t, StageDone, res.Stage)
	assert.False(t, res.Existing)

	c, err := f.registry.Get("e2e_fibonacci")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, c.Status, "a passing smoke test promotes the capability")
	assert.Equal(t, "fibonacci", c.Archetype)
	assert.Equal(t, "test", c.Author)
	assert.Equal(t, "1.0.0", c.Version)
	assert.NotEmpty(t, c.Schema)
	assert.Equal(t, []string{`{"n":10}`}, c.Examples)
	assert.Equal(t, float64(1), candidates(f.metrics, OutcomeRegistered))

	again := f.pipeline.Create(context.Background(), events.AtomGap{MissingTool: "e2e_fibonacci", Description: "fibonacci", GapID: "g2"})
	require.NoError(t, again.Err)
	assert.True(t, again.Existing)
	assert.Equal(t, float64(1), candidates(f.metrics, OutcomeExisting))
}

func TestCreate_GateFailuresLeaveRegistryUntouched(t *testing.T) {
	badSchema := func(ctx context.Context, gap events.AtomGap) (Candidate, error) {
		return Candidate{Code: `package tool

const Schema = ` + "`" + `{"type":"array"}` + "`" + `

func Run(params map[string]interface{}) (map[string]interface{}, error) { return nil, nil }
`}, nil
	}
	noCompile := func(ctx context.Context, gap events.AtomGap) (Candidate, error) {
		return Candidate{Code: "package tool\n\nconst Schema = `{}`\n\nfunc Run() {}\n"}, nil
	}
	broken := func(ctx context.Context, gap events.AtomGap) (Candidate, error) {
		return Candidate{}, errors.New("model unavailable")
	}

	tests := []struct {
		name        string
		gen         Generator
		description string
		stage       Stage
		outcome     string
		errIs       error
	}{
		{"process spawn", nil, "run a shell command", StageGates, OutcomeUnsafe, sandbox.ErrUnsafe},
		{"network access", nil, "fetch a url", StageGates, OutcomeUnsafe, sandbox.ErrUnsafe},
		{"compile error", generatorFunc(noCompile), "anything", StageGates, OutcomeCompileError, sandbox.ErrCompile},
		{"bad schema", generatorFunc(badSchema), "anything", StageSchema, OutcomeSchemaInvalid, sandbox.ErrSchema},
		{"generator error", generatorFunc(broken), "anything", StageGenerate, OutcomeGenerationFailed, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.gen)
			defer f.bus.Shutdown()

			res := f.pipeline.Create(context.Background(), events.AtomGap{MissingTool: "candidate", Description: tt.description, GapID: "g"})
			require.Error(t, res.Err)
			assert.Equal(t, tt.stage, res.Stage)
			if tt.errIs != nil {
				assert.ErrorIs(t, res.Err, tt.errIs)
			}
			assert.Empty(t, f.registry.List(registry.Filter{}))
			assert.Equal(t, float64(1), candidates(f.metrics, tt.outcome))
		})
	}
}

func TestCreate_SmokeFailureMarksError(t *testing.T) {
	failing := generatorFunc(func(ctx context.Context, gap events.AtomGap) (Candidate, error) {
		return Candidate{
			Code: `package tool

import "errors"

const Schema = ` + "`" + `{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}` + "`" + `

func Run(params map[string]interface{}) (map[string]interface{}, error) {
	return nil, errors.New("always broken")
}
`,
			Archetype: "custom",
			Examples:  []string{`{"n":1}`},
		}, nil
	})
	f := newFixture(t, failing)
	defer f.bus.Shutdown()

	res := f.pipeline.Create(context.Background(), events.AtomGap{MissingTool: "broken", GapID: "g"})
	require.Error(t, res.Err)
	assert.Equal(t, StageSmoke, res.Stage)

	c, err := f.registry.Get("broken")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusError, c.Status)
	assert.Contains(t, c.ErrorMessage, "always broken")
	assert.Equal(t, float64(1), candidates(f.metrics, OutcomeSmokeFailed))
}

func TestCreate_ConflictUnderRejectPolicy(t *testing.T) {
	f := newFixture(t, nil)
	defer f.bus.Shutdown()

	_, err := f.registry.Register(context.Background(), registry.Capability{Name: "fib", Status: registry.StatusDeprecated})
	require.NoError(t, err)

	res := f.pipeline.Create(context.Background(), events.AtomGap{MissingTool: "fib", Description: "fibonacci", GapID: "g"})
	assert.Equal(t, StageRegister, res.Stage)
	assert.ErrorIs(t, res.Err, registry.ErrConflict)
	assert.Equal(t, float64(1), candidates(f.metrics, OutcomeConflict))
}

func TestCreate_RegeneratesAnErroredCapability(t *testing.T) {
	broken := true
	gen := generatorFunc(func(ctx context.Context, gap events.AtomGap) (Candidate, error) {
		if broken {
			return Candidate{
				Code: `package tool

import "errors"

const Schema = ` + "`" + `{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}` + "`" + `

func Run(params map[string]interface{}) (map[string]interface{}, error) {
	return nil, errors.New("always broken")
}
`,
				Archetype: "custom",
				Examples:  []string{`{"n":1}`},
			}, nil
		}
		return NewTemplateGenerator(zaptest.NewLogger(t), nil).Generate(ctx, gap)
	})
	f := newFixture(t, gen)
	defer f.bus.Shutdown()

	gap := events.AtomGap{MissingTool: "fib", Description: "fibonacci", GapID: "g1"}
	first := f.pipeline.Create(context.Background(), gap)
	require.Error(t, first.Err)
	assert.Equal(t, StageSmoke, first.Stage)

	broken = false
	gap.GapID = "g2"
	second := f.pipeline.Create(context.Background(), gap)
	require.NoError(t, second.Err)
	assert.False(t, second.Existing)

	c, err := f.registry.Get("fib")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, c.Status)
	assert.Equal(t, "1.1.0", c.Version)
	assert.Empty(t, c.ErrorMessage)
	assert.Equal(t, float64(0), candidates(f.metrics, OutcomeConflict))
	assert.Equal(t, float64(2), candidates(f.metrics, OutcomeRegistered))
}

// collectPlanning reads planning events until n have arrived.
func collectPlanning(t *testing.T, b *bus.Bus, ch <-chan events.Event, n int) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case evt := <-ch:
			b.Acknowledge(evt)
			out = append(out, evt)
		case <-timeout:
			t.Fatalf("timed out after %d of %d planning events", len(out), n)
		}
	}
	return out
}

func TestPipeline_ReportsOutcomesOnPlanning(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, nil)
	planning, unsubscribe := f.bus.Subscribe(events.TopicPlanning)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.pipeline.Start(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
		f.bus.Shutdown()
	}()

	publishGap := func(tool, description, gapID string) {
		_, err := f.bus.Publish(ctx, events.Event{
			Topic:          events.TopicAtomGap,
			Type:           events.TypeAtomGap,
			Source:         "test",
			SessionID:      "s1",
			ConversationID: "c1",
			Payload:        events.AtomGap{MissingTool: tool, Description: description, GapID: gapID},
		})
		require.NoError(t, err)
	}

	t.Run("success", func(t *testing.T) {
		publishGap("e2e_fibonacci", "fibonacci", "gap-ok")
		got := collectPlanning(t, f.bus, planning, 2)

		assert.Equal(t, events.TypeToolGenerated, got[0].Type)
		assert.Equal(t, events.TypeSchemaValidated, got[1].Type)
		for _, evt := range got {
			assert.Equal(t, "s1", evt.SessionID)
			assert.Equal(t, "c1", evt.ConversationID)
			assert.Equal(t, "gap-ok", evt.CorrelationID)
			assert.Equal(t, SourceName, evt.Source)
		}
		outcome := got[1].Payload.(events.PlanningOutcome)
		assert.Equal(t, "e2e_fibonacci", outcome.ToolName)
		assert.Equal(t, "1.0.0", outcome.Version)
		assert.Empty(t, outcome.Error)
	})

	t.Run("unsafe", func(t *testing.T) {
		publishGap("spawner", "spawn a process", "gap-bad")
		got := collectPlanning(t, f.bus, planning, 1)

		assert.Equal(t, events.TypeGenerationFailed, got[0].Type)
		outcome := got[0].Payload.(events.PlanningOutcome)
		assert.Equal(t, events.KindValidationFailure, outcome.Kind)
		assert.True(t, strings.Contains(outcome.Error, "unsafe"), outcome.Error)
		_, err := f.registry.Get("spawner")
		assert.ErrorIs(t, err, registry.ErrNotFound)
	})
}

type fakeModels struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	reply    string
	err      error
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model, f.contents, f.config = model, contents, cfg
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{{Text: f.reply}}}}},
	}, nil
}

func TestGeminiGenerator(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := config.LLMConfig{Model: "gemini-test", Temperature: 0.3, APITimeout: time.Second}
	code := "package tool\n\nconst Schema = `{\"type\":\"object\",\"properties\":{\"q\":{\"type\":\"string\"}}}`\n\nfunc Run(params map[string]interface{}) (map[string]interface{}, error) {\n\treturn map[string]interface{}{\"value\": params[\"q\"]}, nil\n}\n"

	fake := &fakeModels{reply: "```go\n" + code + "```"}
	gen := newGeminiGenerator(logger, fake, cfg, []string{"fmt", "strings"})

	cand, err := gen.Generate(context.Background(), events.AtomGap{MissingTool: "echo", Description: "echo the query"})
	require.NoError(t, err)
	assert.Equal(t, code, cand.Code)
	assert.Equal(t, LLMArchetype, cand.Archetype)
	assert.Equal(t, "gemini:gemini-test", cand.Generator)

	assert.Equal(t, "gemini-test", fake.model)
	require.NotNil(t, fake.config.Temperature)
	assert.Equal(t, float32(0.3), *fake.config.Temperature)
	assert.Contains(t, fake.config.SystemInstruction.Parts[0].Text, "fmt, strings")
	require.Len(t, fake.contents, 1)
	assert.Contains(t, fake.contents[0].Parts[0].Text, "echo the query")

	_, err = sandbox.New(logger, nil).Verify(cand.Code)
	assert.NoError(t, err)

	fake.err = errors.New("quota exceeded")
	_, err = gen.Generate(context.Background(), events.AtomGap{MissingTool: "echo"})
	assert.ErrorContains(t, err, "quota exceeded")

	fake.err, fake.reply = nil, "   "
	_, err = gen.Generate(context.Background(), events.AtomGap{MissingTool: "echo"})
	assert.Error(t, err)
}

func TestTemplateGenerator_Fallback(t *testing.T) {
	logger := zaptest.NewLogger(t)
	called := false
	fallback := generatorFunc(func(ctx context.Context, gap events.AtomGap) (Candidate, error) {
		called = true
		return Candidate{Code: "x", Generator: "fallback"}, nil
	})

	gen := NewTemplateGenerator(logger, fallback)
	cand, err := gen.Generate(context.Background(), events.AtomGap{MissingTool: "fib", Description: "fibonacci"})
	require.NoError(t, err)
	assert.False(t, called, "known archetypes never reach the fallback")
	assert.Equal(t, "template:fibonacci", cand.Generator)

	cand, err = gen.Generate(context.Background(), events.AtomGap{MissingTool: "weather", Description: "forecast"})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "fallback", cand.Generator)

	cand, err = NewTemplateGenerator(logger, nil).Generate(context.Background(), events.AtomGap{MissingTool: "weather", Description: "forecast"})
	require.NoError(t, err)
	assert.Equal(t, StubArchetype, cand.Archetype)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, "package tool", stripFences("  package tool \n"))
	assert.Equal(t, "package tool\n", stripFences("```go\npackage tool\n```"))
	assert.Equal(t, "package tool\n", stripFences("```\npackage tool\n```\n"))
	assert.Equal(t, "", stripFences("```"))
}
