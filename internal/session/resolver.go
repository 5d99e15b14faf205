// AngelaMos | 2026
// resolver.go

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/erisrwa/portal/internal/core"
	"github.com/erisrwa/portal/internal/events"
	"github.com/erisrwa/portal/internal/identity"
	"github.com/erisrwa/portal/internal/metrics"
	"github.com/erisrwa/portal/internal/user"
)

// Directory is the part of the user directory a resolver needs.
type Directory interface {
	Lookup(ctx context.Context, acct user.Account) (*user.Record, error)
	UpsertRole(ctx context.Context, acct user.Account, role user.Role) (*user.Record, error)
	RecordLastLogin(ctx context.Context, id string) error
}

type Config struct {
	SessionID string
	Cache     LocalCache
	Directory Directory
	Provider  identity.Provider
	Events    events.Publisher
	Logger    *slog.Logger
}

// Resolver owns the user/role state of one session. Every operation is a
// trigger: it supersedes whatever reconciliation is still in flight, and a
// result is only applied while its trigger is the latest one.
type Resolver struct {
	sid      string
	cache    LocalCache
	dir      Directory
	provider identity.Provider
	events   events.Publisher
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	ext      *identity.Identity
	epoch    uint64
	cancel   context.CancelFunc
	subs     map[uint64]chan State
	nextSub  uint64
	disposed bool
	lastUsed time.Time
}

func NewResolver(cfg Config) *Resolver {
	if cfg.Provider == nil {
		cfg.Provider = identity.Noop{}
	}
	if cfg.Events == nil {
		cfg.Events = events.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cache == nil {
		cfg.Cache = NewMemoryCache()
	}

	return &Resolver{
		sid:      cfg.SessionID,
		cache:    cfg.Cache,
		dir:      cfg.Directory,
		provider: cfg.Provider,
		events:   cfg.Events,
		logger:   cfg.Logger.With("session_id", cfg.SessionID),
		state:    State{Phase: PhaseUnresolved, Loading: true},
		subs:     make(map[uint64]chan State),
		lastUsed: time.Now(),
	}
}

type run struct {
	epoch uint64
	ctx   context.Context
	ext   *identity.Identity
}

func (r *Resolver) begin(
	ctx context.Context,
	mutate func() error,
) (*run, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return nil, nil, ErrDisposed
	}

	if mutate != nil {
		if err := mutate(); err != nil {
			return nil, nil, err
		}
	}

	if r.cancel != nil {
		r.cancel()
	}
	r.epoch++
	r.lastUsed = time.Now()

	rctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	tr := &run{epoch: r.epoch, ctx: rctx, ext: copyIdentity(r.ext)}
	done := func() {
		cancel()
		r.mu.Lock()
		if r.epoch == tr.epoch {
			r.cancel = nil
		}
		r.mu.Unlock()
	}

	return tr, done, nil
}

func (r *Resolver) current(tr *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.disposed && r.epoch == tr.epoch
}

// commit applies next only if tr is still the latest trigger. write runs
// under the lock so a newer logout can never be followed by a stale cache
// write.
func (r *Resolver) commit(
	tr *run,
	next State,
	write func(context.Context) error,
) (prev, cur State, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed || r.epoch != tr.epoch {
		metrics.StaleResults.Inc()
		return r.state.clone(), r.state.clone(), false
	}

	if write != nil {
		if err := write(tr.ctx); err != nil {
			r.logger.Warn("session cache write failed", "error", err)
		}
	}

	prev = r.state.clone()
	r.applyLocked(next)
	return prev, r.state.clone(), true
}

func (r *Resolver) applyLocked(next State) {
	next.Authenticated = r.ext != nil
	next.Identity = copyIdentity(r.ext)
	next.User = next.User.Clone()
	next.Version = r.state.Version + 1
	r.state = next

	metrics.ResolverTransitions.WithLabelValues(
		string(next.Phase),
		string(next.Confirmation),
		string(next.Source),
	).Inc()

	r.notifyLocked()
}

func (r *Resolver) notifyLocked() {
	for _, ch := range r.subs {
		snapshot := r.state.clone()
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
	}
}

// Init restores the session from the local cache and, when a provider
// credential was cached, reconnects it before reconciling.
func (r *Resolver) Init(ctx context.Context) (State, error) {
	credential, err := r.cache.Credential(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "read cached credential failed", "error", err)
	}

	if credential == "" {
		return r.Refresh(ctx)
	}

	tr, done, err := r.begin(ctx, nil)
	if err != nil {
		return State{}, err
	}
	defer done()

	entry := r.readCache(tr.ctx)
	preview := State{Phase: PhaseUnresolved, Loading: true}
	if entry != nil && entry.User.HasRole() {
		preview = State{
			Phase:        PhaseResolved,
			Loading:      true,
			User:         entry.User,
			Confirmation: Optimistic,
			Source:       entry.Source,
		}
	}
	if _, _, ok := r.commit(tr, preview, nil); !ok {
		return r.State(), nil
	}

	id, err := r.provider.Connect(tr.ctx, credential)
	if err != nil {
		if !r.current(tr) {
			return r.State(), nil
		}
		r.logger.WarnContext(ctx, "cached provider credential rejected",
			"provider", r.provider.Name(),
			"error", err,
		)
		if clearErr := r.cache.ClearCredential(tr.ctx); clearErr != nil {
			r.logger.WarnContext(ctx, "clear cached credential failed", "error", clearErr)
		}
		return r.reconcile(tr), nil
	}

	if !r.adopt(tr, id, "") {
		return r.State(), nil
	}
	return r.reconcile(tr), nil
}

// Connect exchanges a provider credential for an external identity and
// reconciles it. A provider failure leaves the current state untouched.
func (r *Resolver) Connect(ctx context.Context, credential string) (State, error) {
	tr, done, err := r.begin(ctx, nil)
	if err != nil {
		return State{}, err
	}
	defer done()

	id, err := r.provider.Connect(tr.ctx, credential)
	if err != nil {
		// The trigger superseded any reconciliation still loading, so
		// settle the previous identity again instead of leaving it pending.
		if r.current(tr) && r.State().Loading {
			r.reconcile(tr)
		}
		return r.State(), err
	}

	if !r.adopt(tr, id, credential) {
		return r.State(), nil
	}
	return r.reconcile(tr), nil
}

// adopt makes id the active external identity if tr is still current.
func (r *Resolver) adopt(tr *run, id *identity.Identity, credential string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed || r.epoch != tr.epoch {
		metrics.StaleResults.Inc()
		return false
	}

	if credential != "" {
		if err := r.cache.SetCredential(tr.ctx, credential); err != nil {
			r.logger.Warn("cache provider credential failed", "error", err)
		}
	}

	r.ext = copyIdentity(id)
	tr.ext = copyIdentity(id)
	return true
}

// SetExternalIdentity feeds the provider's authentication state into the
// resolver.
func (r *Resolver) SetExternalIdentity(
	ctx context.Context,
	authenticated bool,
	id *identity.Identity,
) (State, error) {
	tr, done, err := r.begin(ctx, func() error {
		if authenticated && id != nil {
			r.ext = copyIdentity(id)
		} else {
			r.ext = nil
		}
		return nil
	})
	if err != nil {
		return State{}, err
	}
	defer done()

	return r.reconcile(tr), nil
}

// Disconnect drops the external identity but keeps the cached record.
func (r *Resolver) Disconnect(ctx context.Context) (State, error) {
	var previous *identity.Identity

	tr, done, err := r.begin(ctx, func() error {
		previous = r.ext
		r.ext = nil
		if err := r.cache.ClearCredential(ctx); err != nil {
			r.logger.WarnContext(ctx, "clear cached credential failed", "error", err)
		}
		return nil
	})
	if err != nil {
		return State{}, err
	}
	defer done()

	if previous != nil {
		if err := r.provider.Disconnect(tr.ctx, previous); err != nil {
			r.logger.WarnContext(ctx, "provider disconnect failed", "error", err)
		}
	}

	return r.reconcile(tr), nil
}

// Refresh re-runs reconciliation: against the directory when an external
// identity is active, against the local cache otherwise.
func (r *Resolver) Refresh(ctx context.Context) (State, error) {
	tr, done, err := r.begin(ctx, nil)
	if err != nil {
		return State{}, err
	}
	defer done()

	return r.reconcile(tr), nil
}

func (r *Resolver) reconcile(tr *run) State {
	ctx, span := core.StartSpan(tr.ctx, "session.reconcile",
		attribute.Bool("external", tr.ext != nil),
	)
	defer span.End()

	entry := r.readCache(ctx)

	if tr.ext == nil {
		return r.settleLocal(tr, entry)
	}

	loading := State{Phase: PhaseUnresolved, Loading: true}
	if entry != nil && entry.User.HasRole() && entry.User.ID == tr.ext.ID {
		loading = State{
			Phase:        PhaseResolved,
			Loading:      true,
			User:         entry.User,
			Confirmation: Optimistic,
			Source:       entry.Source,
		}
	}
	if _, cur, ok := r.commit(tr, loading, nil); !ok {
		return cur
	}

	return r.confirmExternal(ctx, tr)
}

func (r *Resolver) readCache(ctx context.Context) *Entry {
	entry, err := r.cache.Get(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "read session cache failed", "error", err)
		return nil
	}
	return entry
}

func (r *Resolver) settleLocal(tr *run, entry *Entry) State {
	switch {
	case entry == nil:
		_, cur, _ := r.commit(tr, State{Phase: PhaseUnresolved}, nil)
		return cur
	case !entry.User.HasRole():
		_, cur, _ := r.commit(tr, State{Phase: PhaseUnresolved}, r.cache.Clear)
		return cur
	default:
		_, cur, _ := r.commit(tr, State{
			Phase:        PhaseResolved,
			User:         entry.User,
			Confirmation: Optimistic,
			Source:       entry.Source,
		}, nil)
		return cur
	}
}

func (r *Resolver) confirmExternal(ctx context.Context, tr *run) State {
	rec, err := r.dir.Lookup(ctx, accountOf(tr.ext))
	if !r.current(tr) {
		metrics.StaleResults.Inc()
		return r.State()
	}

	switch {
	case errors.Is(err, core.ErrNotFound):
		return r.needsRole(tr)
	case err != nil:
		r.directoryFailure(ctx, "lookup", err)
		return r.needsRole(tr)
	case !rec.HasRole():
		return r.needsRole(tr)
	}

	if err := r.dir.RecordLastLogin(ctx, rec.ID); err != nil {
		if !r.current(tr) {
			metrics.StaleResults.Inc()
			return r.State()
		}
		r.directoryFailure(ctx, "record_last_login", err)
		return r.needsRole(tr)
	}

	prev, cur, ok := r.commit(tr, State{
		Phase:        PhaseResolved,
		User:         rec,
		Confirmation: Confirmed,
		Source:       SourceExternal,
	}, func(ctx context.Context) error {
		return r.cache.Set(ctx, Entry{User: rec, Source: SourceExternal})
	})

	if ok && !confirmedAs(prev, rec.ID) {
		r.publish(ctx, events.TypeLoggedIn, cur)
	}
	return cur
}

func (r *Resolver) needsRole(tr *run) State {
	_, cur, _ := r.commit(tr, State{Phase: PhaseNeedsRole}, nil)
	return cur
}

func (r *Resolver) directoryFailure(ctx context.Context, op string, err error) {
	metrics.DirectoryFailures.WithLabelValues(op).Inc()
	r.logger.ErrorContext(ctx, "user directory failure, role withheld",
		"op", op,
		"error", err,
	)
}

// SelectRole assigns a role to the active external identity. It is valid
// while the session needs a role, and repeating it for the role already on
// file is a no-op apart from the record's update time.
func (r *Resolver) SelectRole(ctx context.Context, role user.Role) (State, error) {
	if !role.Valid() {
		return r.State(), &ValidationError{
			Field:   "role",
			Message: fmt.Sprintf("unknown role %q", role),
		}
	}

	tr, done, err := r.begin(ctx, func() error {
		if r.ext == nil {
			return ErrUnauthenticated
		}
		switch {
		case r.state.Phase == PhaseNeedsRole:
			return nil
		case r.state.Phase == PhaseResolved &&
			!r.state.Loading &&
			r.state.Source == SourceExternal &&
			r.state.User != nil &&
			r.state.User.Role == role:
			return nil
		default:
			return ErrRoleNotPending
		}
	})
	if err != nil {
		return r.State(), err
	}
	defer done()

	ctx, span := core.StartSpan(tr.ctx, "session.SelectRole",
		attribute.String("role", string(role)),
	)
	defer span.End()

	rec, err := r.dir.UpsertRole(ctx, accountOf(tr.ext), role)
	if !r.current(tr) {
		metrics.StaleResults.Inc()
		return r.State(), nil
	}

	if err != nil {
		core.SetSpanError(span, err)
		r.directoryFailure(ctx, "upsert_role", err)
		return r.needsRole(tr), fmt.Errorf("select role: %w", err)
	}

	_, cur, ok := r.commit(tr, State{
		Phase:        PhaseResolved,
		User:         rec,
		Confirmation: Confirmed,
		Source:       SourceExternal,
	}, func(ctx context.Context) error {
		return r.cache.Set(ctx, Entry{User: rec, Source: SourceExternal})
	})

	if ok {
		r.publish(ctx, events.TypeRoleSelected, cur)
	}
	return cur, nil
}

// LoginDemo resolves the session to the fixed demo account for role.
func (r *Resolver) LoginDemo(ctx context.Context, role user.Role) (State, error) {
	rec, err := DemoUser(role)
	if err != nil {
		return r.State(), err
	}
	return r.loginLocal(ctx, rec, SourceDemo)
}

// LoginManual resolves the session to a locally synthesised account.
// Invalid input is rejected before any state change.
func (r *Resolver) LoginManual(ctx context.Context, creds ManualCredentials) (State, error) {
	rec, err := ManualUser(creds)
	if err != nil {
		return r.State(), err
	}
	return r.loginLocal(ctx, rec, SourceManual)
}

func (r *Resolver) loginLocal(ctx context.Context, rec *user.Record, source Source) (State, error) {
	tr, done, err := r.begin(ctx, func() error {
		r.ext = nil
		return nil
	})
	if err != nil {
		return r.State(), err
	}
	defer done()

	_, cur, ok := r.commit(tr, State{
		Phase:        PhaseResolved,
		User:         rec,
		Confirmation: Confirmed,
		Source:       source,
	}, func(ctx context.Context) error {
		if err := r.cache.ClearCredential(ctx); err != nil {
			return err
		}
		return r.cache.Set(ctx, Entry{User: rec, Source: source})
	})

	if ok {
		r.publish(tr.ctx, events.TypeLoggedIn, cur)
	}
	return cur, nil
}

// Logout clears the cache slot and cached credential, disconnects the
// provider identity and discards every in-flight reconciliation. The
// directory record is kept.
func (r *Resolver) Logout(ctx context.Context) (State, error) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return State{}, ErrDisposed
	}

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.epoch++
	r.lastUsed = time.Now()

	previous := r.ext
	r.ext = nil
	prev := r.state.clone()

	if err := r.cache.Clear(ctx); err != nil {
		r.logger.WarnContext(ctx, "clear session cache failed", "error", err)
	}

	r.applyLocked(State{Phase: PhaseUnresolved})
	cur := r.state.clone()
	r.mu.Unlock()

	if previous != nil {
		if err := r.provider.Disconnect(ctx, previous); err != nil {
			r.logger.WarnContext(ctx, "provider disconnect failed", "error", err)
		}
	}

	if prev.User != nil || prev.Authenticated {
		r.publish(ctx, events.TypeLoggedOut, prev)
	}
	return cur, nil
}

func (r *Resolver) publish(ctx context.Context, eventType string, st State) {
	ev := events.Event{
		Type:      eventType,
		SessionID: r.sid,
		Source:    string(st.Source),
	}
	if st.User != nil {
		ev.UserID = st.User.ID
		ev.Role = string(st.User.Role)
	}

	if err := r.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.WarnContext(ctx, "publish session event failed",
			"type", eventType,
			"error", err,
		)
	}
}

func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

// Subscribe streams state snapshots, starting with the current one. A slow
// reader only ever misses intermediate snapshots, never the latest.
func (r *Resolver) Subscribe() (<-chan State, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan State, 1)
	if r.disposed {
		close(ch)
		return ch, func() {}
	}

	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	ch <- r.state.clone()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
}

// Dispose cancels in-flight work and closes every subscription. The cache
// slot is left intact so the session can be restored later.
func (r *Resolver) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return
	}
	r.disposed = true

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}

	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
}

func (r *Resolver) idleSince() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUsed, len(r.subs) > 0 || r.cancel != nil
}

func (r *Resolver) touch() {
	r.mu.Lock()
	r.lastUsed = time.Now()
	r.mu.Unlock()
}

func accountOf(id *identity.Identity) user.Account {
	return user.Account{
		ID:            id.ID,
		Email:         id.Email,
		WalletAddress: id.WalletAddress,
	}
}

func copyIdentity(id *identity.Identity) *identity.Identity {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

func confirmedAs(st State, userID string) bool {
	return st.Phase == PhaseResolved &&
		st.Confirmation == Confirmed &&
		st.User != nil &&
		st.User.ID == userID
}
