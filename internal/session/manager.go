// AngelaMos | 2026
// manager.go

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/erisrwa/portal/internal/events"
	"github.com/erisrwa/portal/internal/identity"
	"github.com/erisrwa/portal/internal/metrics"
	"github.com/erisrwa/portal/internal/middleware"
)

const (
	defaultIdleTimeout = 30 * time.Minute
	initTimeout        = 15 * time.Second
)

type ManagerConfig struct {
	Caches      CacheFactory
	Directory   Directory
	Provider    identity.Provider
	Events      events.Publisher
	Logger      *slog.Logger
	IdleTimeout time.Duration
}

type entry struct {
	resolver *Resolver
	ready    chan struct{}
}

// Manager keeps one Resolver per live session id. Resolvers are created on
// first use, restored from their cache slot, and disposed once idle.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*entry

	stopOnce sync.Once
	stop     chan struct{}
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Caches == nil {
		cfg.Caches = func(string) LocalCache { return NewMemoryCache() }
	}

	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*entry),
		stop:     make(chan struct{}),
	}
}

// Get returns the resolver for sid, initialising it from its cache slot
// the first time. Concurrent callers wait for the same initialisation.
func (m *Manager) Get(ctx context.Context, sid string) (*Resolver, error) {
	m.mu.Lock()
	e, ok := m.sessions[sid]
	if !ok {
		e = &entry{
			resolver: NewResolver(Config{
				SessionID: sid,
				Cache:     m.cfg.Caches(sid),
				Directory: m.cfg.Directory,
				Provider:  m.cfg.Provider,
				Events:    m.cfg.Events,
				Logger:    m.cfg.Logger,
			}),
			ready: make(chan struct{}),
		}
		m.sessions[sid] = e
		metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()

	if !ok {
		// Shared by every waiter; outlives the request that started it.
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), initTimeout)
		_, err := e.resolver.Init(initCtx)
		cancel()
		if err != nil {
			m.cfg.Logger.WarnContext(ctx, "session init failed",
				"session_id", sid,
				"error", err,
			)
		}
		close(e.ready)
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.resolver.touch()
	return e.resolver, nil
}

// Principal exposes the resolved user of sid to request middleware. Sessions
// that are still loading, unresolved or waiting on a role have none, and so
// do wallet sessions that are disconnected or only restored from cache.
func (m *Manager) Principal(ctx context.Context, sid string) (*middleware.Principal, error) {
	r, err := m.Get(ctx, sid)
	if err != nil {
		return nil, err
	}

	st := r.State()
	if !st.IsResolved() || st.Loading {
		return nil, nil
	}

	// A wallet record is only trusted while its identity is connected and
	// the directory has confirmed it.
	external := st.Source == SourceExternal
	if external && (!st.Authenticated || st.Confirmation != Confirmed) {
		return nil, nil
	}

	return &middleware.Principal{
		UserID:   st.User.ID,
		Role:     string(st.User.Role),
		Tier:     st.User.SubscriptionTier,
		External: external,
	}, nil
}

// RefreshSession re-reconciles a session that is currently loaded. Unloaded
// sessions reconcile on their next use anyway.
func (m *Manager) RefreshSession(ctx context.Context, sid string) error {
	m.mu.Lock()
	e, ok := m.sessions[sid]
	m.mu.Unlock()

	if !ok {
		return nil
	}

	<-e.ready
	_, err := e.resolver.Refresh(ctx)
	return err
}

// Drop disposes the resolver of sid without touching its cache slot.
func (m *Manager) Drop(sid string) {
	m.mu.Lock()
	e, ok := m.sessions[sid]
	delete(m.sessions, sid)
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	if ok {
		e.resolver.Dispose()
	}
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Start runs the idle sweeper until ctx is cancelled or Close is called.
func (m *Manager) Start(ctx context.Context) {
	interval := m.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case now := <-ticker.C:
				m.evictIdle(now)
			}
		}
	}()
}

func (m *Manager) evictIdle(now time.Time) int {
	cutoff := now.Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []*entry
	for sid, e := range m.sessions {
		select {
		case <-e.ready:
		default:
			continue
		}

		lastUsed, busy := e.resolver.idleSince()
		if busy || lastUsed.After(cutoff) {
			continue
		}
		idle = append(idle, e)
		delete(m.sessions, sid)
	}
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	for _, e := range idle {
		e.resolver.Dispose()
	}

	if len(idle) > 0 {
		m.cfg.Logger.Debug("evicted idle sessions", "count", len(idle))
	}
	return len(idle)
}

// Close stops the sweeper and disposes every resolver.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})

	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*entry)
	metrics.ActiveSessions.Set(0)
	m.mu.Unlock()

	for _, e := range all {
		e.resolver.Dispose()
	}
}
