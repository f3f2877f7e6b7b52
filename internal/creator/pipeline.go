// Package creator turns capability gaps into registered tools.
//
// For each atom_gap event the pipeline generates candidate code, runs it
// through the sandbox gates (safety scan, compile check, schema validation),
// registers the survivors and smoke-tests them. Each stage is reported on the
// planning topic, correlated by gap id, so the session that raised the gap
// can follow along.
package creator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"github.com/xkilldash9x/reug-runtime/internal/bus"
	"github.com/xkilldash9x/reug-runtime/internal/config"
	"github.com/xkilldash9x/reug-runtime/internal/events"
	"github.com/xkilldash9x/reug-runtime/internal/observability"
	"github.com/xkilldash9x/reug-runtime/internal/registry"
	"github.com/xkilldash9x/reug-runtime/internal/sandbox"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// SourceName is stamped on every event the pipeline publishes.
const SourceName = "creator"

// Candidate outcomes recorded in metrics.
const (
	OutcomeRegistered       = "registered"
	OutcomeExisting         = "existing"
	OutcomeUnsafe           = "unsafe"
	OutcomeCompileError     = "compile_error"
	OutcomeSchemaInvalid    = "schema_invalid"
	OutcomeConflict         = "conflict"
	OutcomeGenerationFailed = "generation_failed"
	OutcomeSmokeFailed      = "smoke_failed"
)

// Stage names how far a candidate got.
type Stage int

const (
	StageGenerate Stage = iota
	StageGates          // scan + compile
	StageSchema
	StageRegister
	StageSmoke
	StageDone
)

// Result is the outcome of one creation attempt.
type Result struct {
	Capability registry.Capability
	// Stage is the stage that failed, or StageDone.
	Stage Stage
	Err   error
	// Existing is set when an executable capability already had the name.
	Existing bool
}

// Pipeline consumes atom_gap events.
type Pipeline struct {
	logger    *zap.Logger
	bus       *bus.Bus
	registry  *registry.Registry
	sandbox   *sandbox.Sandbox
	generator Generator
	metrics   *observability.Metrics
	cfg       config.CreatorConfig

	limiter *rate.Limiter
	flight  singleflight.Group

	msgChan     <-chan events.Event
	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates the pipeline and subscribes it to atom_gap. metrics may be nil.
func New(logger *zap.Logger, b *bus.Bus, reg *registry.Registry, sb *sandbox.Sandbox, gen Generator, cfg config.CreatorConfig, metrics *observability.Metrics) *Pipeline {
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	msgChan, unsubscribe := b.Subscribe(events.TopicAtomGap)

	return &Pipeline{
		logger:      logger.Named("creator"),
		bus:         b,
		registry:    reg,
		sandbox:     sb,
		generator:   gen,
		metrics:     metrics,
		cfg:         cfg,
		limiter:     rate.NewLimiter(limit, burst),
		msgChan:     msgChan,
		unsubscribe: unsubscribe,
	}
}

// Start consumes gaps until ctx is cancelled or the bus closes the
// subscription, then waits for in-flight creations.
func (p *Pipeline) Start(ctx context.Context) {
	defer p.wg.Wait()
	defer p.unsubscribe()

	p.logger.Info("Creator pipeline started, waiting for gaps...")
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-p.msgChan:
			if !ok {
				return
			}
			p.wg.Add(1)
			go func(evt events.Event) {
				defer p.wg.Done()
				defer p.bus.Acknowledge(evt)
				p.handleGap(ctx, evt)
			}(evt)
		}
	}
}

func (p *Pipeline) handleGap(ctx context.Context, evt events.Event) {
	gap, ok := evt.Payload.(events.AtomGap)
	if !ok {
		p.logger.Warn("Ignoring atom_gap event with unexpected payload", zap.String("id", evt.ID))
		return
	}
	if gap.MissingTool == "" {
		p.logger.Warn("Ignoring atom_gap without a tool name", zap.String("gap_id", gap.GapID))
		return
	}

	res := p.Create(ctx, gap)
	if ctx.Err() != nil {
		return
	}
	p.report(ctx, evt, gap, res)
}

// Create runs one gap through the pipeline. Concurrent gaps for the same
// tool name share a single attempt.
func (p *Pipeline) Create(ctx context.Context, gap events.AtomGap) Result {
	v, _, _ := p.flight.Do(gap.MissingTool, func() (interface{}, error) {
		return p.create(ctx, gap), nil
	})
	return v.(Result)
}

func (p *Pipeline) create(ctx context.Context, gap events.AtomGap) Result {
	log := p.logger.With(zap.String("tool", gap.MissingTool), zap.String("gap_id", gap.GapID))

	if existing, err := p.registry.Get(gap.MissingTool); err == nil && existing.Status.Executable() {
		log.Info("Capability already available", zap.String("status", string(existing.Status)))
		p.metrics.RecordCandidate(OutcomeExisting)
		return Result{Capability: existing, Stage: StageDone, Existing: true}
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return Result{Stage: StageGenerate, Err: fmt.Errorf("generation throttled: %w", err)}
	}

	start := time.Now()
	cand, err := p.generator.Generate(ctx, gap)
	if err != nil {
		log.Warn("Candidate generation failed", zap.Error(err))
		p.metrics.RecordCandidate(OutcomeGenerationFailed)
		return Result{Stage: StageGenerate, Err: err}
	}
	log = log.With(zap.String("generator", cand.Generator))

	if err := p.sandbox.Scan(cand.Code); err != nil {
		log.Warn("Candidate rejected by safety scan", zap.Error(err))
		p.metrics.RecordCandidate(OutcomeUnsafe)
		return Result{Stage: StageGates, Err: err}
	}
	if err := p.sandbox.Compile(cand.Code); err != nil {
		log.Warn("Candidate failed compile check", zap.Error(err))
		p.metrics.RecordCandidate(OutcomeCompileError)
		return Result{Stage: StageGates, Err: err}
	}

	schema, err := p.sandbox.ValidateSchema(cand.Code)
	if err != nil {
		log.Warn("Candidate schema rejected", zap.Error(err))
		p.metrics.RecordCandidate(OutcomeSchemaInvalid)
		return Result{Stage: StageSchema, Err: err}
	}

	c, err := p.registry.Register(ctx, registry.Capability{
		Name:         gap.MissingTool,
		Type:         registry.TypeTool,
		Status:       registry.StatusValidated,
		Author:       p.cfg.Author,
		Description:  cand.Description,
		Archetype:    cand.Archetype,
		Code:         cand.Code,
		Schema:       schema,
		Tags:         cand.Tags,
		Dependencies: cand.Dependencies,
		UseCases:     cand.UseCases,
		Examples:     cand.Examples,
	})
	if err != nil {
		outcome := OutcomeGenerationFailed
		if errors.Is(err, registry.ErrConflict) {
			outcome = OutcomeConflict
		}
		log.Warn("Candidate registration failed", zap.Error(err))
		p.metrics.RecordCandidate(outcome)
		return Result{Stage: StageRegister, Err: err}
	}
	p.metrics.RecordCandidate(OutcomeRegistered)
	log.Info("Capability registered",
		zap.String("version", c.Version),
		zap.String("archetype", c.Archetype),
		zap.Duration("duration", time.Since(start)))

	if p.cfg.SmokeTest && len(c.Examples) > 0 {
		if err := p.smokeTest(ctx, c); err != nil {
			log.Warn("Smoke test failed", zap.Error(err))
			p.metrics.RecordCandidate(OutcomeSmokeFailed)
			if markErr := p.registry.MarkError(ctx, c.Name, err.Error()); markErr != nil {
				log.Error("Failed to mark capability as errored", zap.Error(markErr))
			}
			if updated, getErr := p.registry.Get(c.Name); getErr == nil {
				c = updated
			}
			return Result{Capability: c, Stage: StageSmoke, Err: err}
		}
		if _, err := p.registry.Promote(ctx, c.Name); err != nil {
			log.Error("Failed to promote capability", zap.Error(err))
		}
		if updated, err := p.registry.Get(c.Name); err == nil {
			c = updated
		}
	}
	return Result{Capability: c, Stage: StageDone}
}

// smokeTest runs the capability once with its first example.
func (p *Pipeline) smokeTest(ctx context.Context, c registry.Capability) error {
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(c.Examples[0]), &params); err != nil {
		return fmt.Errorf("example is not a JSON object: %w", err)
	}
	timeout := p.cfg.SmokeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := p.sandbox.Execute(sctx, c.Code, params)
	return err
}

// report publishes the planning events for a finished attempt.
func (p *Pipeline) report(ctx context.Context, evt events.Event, gap events.AtomGap, res Result) {
	outcome := events.PlanningOutcome{
		GapID:    gap.GapID,
		ToolName: gap.MissingTool,
		Version:  res.Capability.Version,
	}

	var stages []events.Type
	switch res.Stage {
	case StageDone:
		stages = []events.Type{events.TypeToolGenerated, events.TypeSchemaValidated}
	case StageGenerate:
		outcome.Kind = events.KindExecutionFailure
		stages = []events.Type{events.TypeGenerationFailed}
	case StageGates:
		outcome.Kind = events.KindValidationFailure
		stages = []events.Type{events.TypeGenerationFailed}
	case StageSchema, StageRegister:
		outcome.Kind = events.KindValidationFailure
		stages = []events.Type{events.TypeToolGenerated, events.TypeSchemaInvalid}
	case StageSmoke:
		outcome.Kind = events.KindExecutionFailure
		stages = []events.Type{events.TypeToolGenerated, events.TypeGenerationFailed}
	}
	if res.Err != nil {
		outcome.Error = res.Err.Error()
	}

	for _, typ := range stages {
		planning := events.Event{
			Topic:          events.TopicPlanning,
			Type:           typ,
			Source:         SourceName,
			SessionID:      evt.SessionID,
			ConversationID: evt.ConversationID,
			CorrelationID:  gap.GapID,
			Payload:        outcome,
		}
		if _, err := p.bus.Publish(ctx, planning); err != nil && ctx.Err() == nil {
			p.logger.Error("Failed to publish planning outcome",
				zap.String("gap_id", gap.GapID),
				zap.String("type", string(typ)),
				zap.Error(err))
		}
	}
}
