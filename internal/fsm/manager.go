package fsm

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xkilldash9x/reug-runtime/internal/bus"
	"github.com/xkilldash9x/reug-runtime/internal/config"
	"github.com/xkilldash9x/reug-runtime/internal/events"
	"github.com/xkilldash9x/reug-runtime/internal/observability"
	"go.uber.org/zap"
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used by sessions and the janitor.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type sessionHandle struct {
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager routes bus events to per-session state machines, creating a
// session on its first user turn and evicting idle ones.
type Manager struct {
	logger     *zap.Logger
	bus        *bus.Bus
	cfg        config.FSMConfig
	breakerCfg config.BreakerConfig
	metrics    *observability.Metrics
	now        func() time.Time

	msgChan     <-chan events.Event
	unsubscribe func()

	mu       sync.Mutex
	sessions map[string]*sessionHandle
	wg       sync.WaitGroup
}

// NewManager creates the manager and subscribes it to the topics sessions consume.
func NewManager(logger *zap.Logger, b *bus.Bus, cfg config.FSMConfig, breakerCfg config.BreakerConfig, metrics *observability.Metrics, opts ...Option) *Manager {
	msgChan, unsubscribe := b.Subscribe(events.TopicConversation, events.TopicToolResult, events.TopicPlanning)
	m := &Manager{
		logger:      logger.Named("fsm"),
		bus:         b,
		cfg:         cfg,
		breakerCfg:  breakerCfg,
		metrics:     metrics,
		now:         time.Now,
		msgChan:     msgChan,
		unsubscribe: unsubscribe,
		sessions:    make(map[string]*sessionHandle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start routes events until ctx is cancelled or the bus closes. Every
// session is stopped before Start returns.
func (m *Manager) Start(ctx context.Context) {
	defer m.stopAll()
	defer m.unsubscribe()

	var tick <-chan time.Time
	if m.cfg.JanitorInterval > 0 {
		ticker := time.NewTicker(m.cfg.JanitorInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	m.logger.Info("Session manager started, waiting for conversation events...")
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			m.evictIdle()
		case evt, ok := <-m.msgChan:
			if !ok {
				return
			}
			m.route(ctx, evt)
			m.bus.Acknowledge(evt)
		}
	}
}

func (m *Manager) route(ctx context.Context, evt events.Event) {
	// Sessions publish their own turn outcomes on this topic.
	if evt.Topic == events.TopicConversation && evt.Type != events.TypeUserTurn {
		return
	}
	if evt.SessionID == "" {
		m.logger.Debug("Ignoring event without a session id",
			zap.String("topic", string(evt.Topic)), zap.String("id", evt.ID))
		return
	}

	var s *Session
	if evt.Topic == events.TopicConversation {
		s = m.sessionFor(ctx, evt.SessionID)
	} else {
		s = m.Session(evt.SessionID)
	}
	if s == nil {
		m.logger.Debug("Ignoring event for unknown session",
			zap.String("topic", string(evt.Topic)), zap.String("session_id", evt.SessionID))
		return
	}
	if err := s.Enqueue(evt); err != nil {
		m.logger.Warn("Session refused event", append(observability.EventFields(evt), zap.Error(err))...)
	}
}

// sessionFor returns the session for id, starting it if needed.
func (m *Manager) sessionFor(ctx context.Context, id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.sessions[id]; ok {
		return h.session
	}

	s := newSession(id, m.logger, m.bus, m.cfg, m.breakerCfg, m.metrics, m.now)
	sctx, cancel := context.WithCancel(ctx)
	h := &sessionHandle{session: s, cancel: cancel, done: make(chan struct{})}
	m.sessions[id] = h
	m.metrics.SessionStarted()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(h.done)
		s.run(sctx)
	}()
	m.logger.Info("Session started", zap.String("session_id", id))
	return s
}

// Session returns a live session, or nil.
func (m *Manager) Session(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.sessions[id]; ok {
		return h.session
	}
	return nil
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshots returns every live session's snapshot ordered by id.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, h := range m.sessions {
		list = append(list, h.session)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) evictIdle() {
	if m.cfg.IdleTTL <= 0 {
		return
	}
	now := m.now()
	var evicted []*sessionHandle

	m.mu.Lock()
	for id, h := range m.sessions {
		if h.session.idle(now, m.cfg.IdleTTL) {
			delete(m.sessions, id)
			evicted = append(evicted, h)
		}
	}
	m.mu.Unlock()

	for _, h := range evicted {
		h.cancel()
		<-h.done
		m.metrics.SessionEnded()
		m.logger.Info("Evicted idle session", zap.String("session_id", h.session.ID()))
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	handles := make([]*sessionHandle, 0, len(m.sessions))
	for id, h := range m.sessions {
		handles = append(handles, h)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	m.wg.Wait()
	for range handles {
		m.metrics.SessionEnded()
	}
	m.logger.Info("Session manager stopped", zap.Int("sessions", len(handles)))
}
