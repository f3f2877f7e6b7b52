// Package runtime assembles the REUG components into a single context object.
//
// Nothing in the runtime is process-global: New builds the bus, registry,
// sandbox, creator, executor and session manager from a config.Interface and
// hands them to each other explicitly. Run drives the long-lived components,
// Shutdown tears down the shared infrastructure in reverse order.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xkilldash9x/reug-runtime/internal/bus"
	"github.com/xkilldash9x/reug-runtime/internal/config"
	"github.com/xkilldash9x/reug-runtime/internal/creator"
	"github.com/xkilldash9x/reug-runtime/internal/events"
	"github.com/xkilldash9x/reug-runtime/internal/executor"
	"github.com/xkilldash9x/reug-runtime/internal/fsm"
	"github.com/xkilldash9x/reug-runtime/internal/observability"
	"github.com/xkilldash9x/reug-runtime/internal/registry"
	"github.com/xkilldash9x/reug-runtime/internal/sandbox"
	"github.com/xkilldash9x/reug-runtime/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SourceName is stamped on events the runtime publishes on behalf of an
// operator.
const SourceName = "operator"

// Option customises New.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	generator  creator.Generator
	broker     bus.Broker
	pool       store.DBPool
}

// WithRegisterer registers the runtime's collectors on reg instead of a
// private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithGenerator replaces the configured candidate generator.
func WithGenerator(g creator.Generator) Option {
	return func(o *options) { o.generator = g }
}

// WithBroker bridges the bus through b instead of dialing Redis.
func WithBroker(b bus.Broker) Option {
	return func(o *options) { o.broker = b }
}

// WithDBPool persists the catalog through pool instead of dialing the
// configured database URL.
func WithDBPool(pool store.DBPool) Option {
	return func(o *options) { o.pool = pool }
}

// Runtime holds every initialized component.
type Runtime struct {
	Config   config.Interface
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Bus      *bus.Bus
	Registry *registry.Registry
	Sandbox  *sandbox.Sandbox
	Store    *store.Store
	Creator  *creator.Pipeline
	Executor *executor.Executor
	Sessions *fsm.Manager

	bridge *bus.Bridge
	broker bus.Broker
	pool   *pgxpool.Pool

	shutdownOnce sync.Once
}

// New initializes the runtime. On failure every component created so far is
// shut down before the error is returned.
func New(ctx context.Context, cfg config.Interface, logger *zap.Logger, opts ...Option) (rt *Runtime, err error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	rt = &Runtime{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			rt.Shutdown()
			rt = nil
		}
	}()

	reg := o.registerer
	if reg == nil {
		private := prometheus.NewRegistry()
		reg, rt.Gatherer = private, private
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		rt.Gatherer = g
	}
	rt.Metrics = observability.NewMetrics(reg)
	rt.Bus = bus.New(logger, cfg.Bus().BufferSize, rt.Metrics)
	logger.Debug("Event bus initialized.", zap.Int("buffer_size", cfg.Bus().BufferSize))

	regOpts := []registry.Option{registry.WithMetrics(rt.Metrics)}
	pool := o.pool
	if pool == nil && cfg.Database().URL != "" {
		if rt.pool, err = connectDB(ctx, cfg.Database().URL); err != nil {
			return rt, err
		}
		pool = rt.pool
	}
	var loaded []registry.Capability
	if pool != nil {
		if rt.Store, err = store.New(ctx, pool, logger); err != nil {
			return rt, fmt.Errorf("failed to initialize capability store: %w", err)
		}
		if err = rt.Store.EnsureSchema(ctx); err != nil {
			return rt, err
		}
		if loaded, err = rt.Store.LoadCapabilities(ctx); err != nil {
			return rt, err
		}
		regOpts = append(regOpts, registry.WithPersister(rt.Store))
		logger.Debug("Capability store initialized.", zap.Int("loaded", len(loaded)))
	}
	rt.Registry = registry.New(logger, cfg.Registry().ConflictPolicy, regOpts...)
	rt.Registry.Load(loaded)

	allowed := cfg.Sandbox().AllowedImports
	if len(allowed) == 0 {
		allowed = sandbox.DefaultAllowedImports
	}
	rt.Sandbox = sandbox.New(logger, allowed)

	gen := o.generator
	if gen == nil {
		if gen, err = newGenerator(ctx, cfg, logger, allowed); err != nil {
			return rt, err
		}
	}
	rt.Creator = creator.New(logger, rt.Bus, rt.Registry, rt.Sandbox, gen, cfg.Creator(), rt.Metrics)
	rt.Executor = executor.New(logger, rt.Bus, rt.Registry, rt.Sandbox, cfg.Executor(), rt.Metrics)
	rt.Sessions = fsm.NewManager(logger, rt.Bus, cfg.FSM(), cfg.Breaker(), rt.Metrics)
	logger.Debug("Components initialized.")

	broker := o.broker
	if broker == nil && cfg.Redis().Addr != "" {
		if broker, err = bus.NewRedisBroker(ctx, cfg.Redis().Addr, cfg.Redis().Password, cfg.Redis().DB); err != nil {
			return rt, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}
	if broker != nil {
		rt.broker = broker
		topics, perr := bus.ParseTopics(cfg.Redis().Topics)
		if perr != nil {
			return rt, perr
		}
		rt.bridge = bus.NewBridge(rt.Bus, broker, cfg.Redis().Prefix, topics, logger)
		logger.Debug("Broker bridge initialized.", zap.String("prefix", cfg.Redis().Prefix))
	}

	logger.Info("Runtime initialized.",
		zap.Int("capabilities", len(loaded)),
		zap.Bool("persistent", rt.Store != nil),
		zap.Bool("bridged", rt.bridge != nil))
	return rt, nil
}

func connectDB(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}
	return pool, nil
}

// OpenStore connects to url and returns a store with its schema in place.
// The returned func closes the pool.
func OpenStore(ctx context.Context, url string, logger *zap.Logger) (*store.Store, func(), error) {
	pool, err := connectDB(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	s, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize capability store: %w", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// newGenerator returns the template generator, backed by Gemini when an API
// key is configured.
func newGenerator(ctx context.Context, cfg config.Interface, logger *zap.Logger, allowed []string) (creator.Generator, error) {
	var fallback creator.Generator
	if cfg.LLM().APIKey != "" {
		gemini, err := creator.NewGeminiGenerator(ctx, logger, cfg.LLM(), allowed)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LLM generator: %w", err)
		}
		fallback = gemini
	}
	return creator.NewTemplateGenerator(logger, fallback), nil
}

// Run drives the creator, executor, session manager and bridge until ctx is
// cancelled or one of them fails. It does not release shared resources; call
// Shutdown once Run has returned.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.Creator.Start(gctx)
		return nil
	})
	g.Go(func() error {
		r.Executor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		r.Sessions.Start(gctx)
		return nil
	})
	if r.bridge != nil {
		g.Go(func() error {
			if err := r.bridge.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("broker bridge stopped: %w", err)
			}
			return nil
		})
	}

	r.Logger.Info("Runtime started.")
	err := g.Wait()
	r.Logger.Info("Runtime stopped.", zap.Error(err))
	return err
}

// Submit publishes a user turn for sessionID and returns the stamped event.
func (r *Runtime) Submit(ctx context.Context, sessionID, conversationID string, in events.ConversationInput) (events.Event, error) {
	if sessionID == "" {
		return events.Event{}, errors.New("session id is required")
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	return r.Bus.Publish(ctx, events.Event{
		Topic:          events.TopicConversation,
		Type:           events.TypeUserTurn,
		Source:         SourceName,
		SessionID:      sessionID,
		ConversationID: conversationID,
		Payload:        in,
	})
}

// Shutdown closes the bus, the broker and the database pool. It is safe to
// call more than once.
func (r *Runtime) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.Logger.Info("Shutting down runtime.")
		if r.Bus != nil {
			r.Bus.Shutdown()
		}
		if r.broker != nil {
			if err := r.broker.Close(); err != nil {
				r.Logger.Warn("Error closing broker", zap.Error(err))
			}
		}
		if r.pool != nil {
			r.pool.Close()
		}
	})
}
