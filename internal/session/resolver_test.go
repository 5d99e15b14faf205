// AngelaMos | 2026
// resolver_test.go

package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erisrwa/portal/internal/events"
	"github.com/erisrwa/portal/internal/identity"
	"github.com/erisrwa/portal/internal/user"
	"github.com/erisrwa/portal/internal/user/usertest"
)

type fakeProvider struct {
	mu           sync.Mutex
	identities   map[string]*identity.Identity
	disconnected int
}

func newFakeProvider(creds map[string]*identity.Identity) *fakeProvider {
	return &fakeProvider{identities: creds}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Connect(_ context.Context, credential string) (*identity.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.identities[credential]
	if !ok {
		return nil, &identity.Error{Provider: "fake", Op: "connect", Err: identity.ErrInvalidCredential}
	}
	c := *id
	return &c, nil
}

func (p *fakeProvider) Disconnect(context.Context, *identity.Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected++
	return nil
}

func (p *fakeProvider) Disconnects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected
}

// blockingDirectory holds every Lookup until release is closed, ignoring
// cancellation so a late result is guaranteed to arrive.
type blockingDirectory struct {
	Directory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingDirectory(inner Directory) *blockingDirectory {
	return &blockingDirectory{
		Directory: inner,
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (d *blockingDirectory) Lookup(ctx context.Context, acct user.Account) (*user.Record, error) {
	d.once.Do(func() { close(d.entered) })
	<-d.release
	return d.Directory.Lookup(context.WithoutCancel(ctx), acct)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	resolver *Resolver
	repo     *usertest.Repository
	cache    *MemoryCache
	provider *fakeProvider
	events   *recordingPublisher
	logs     *bytes.Buffer
}

type harnessOption func(*Config)

func withDirectory(wrap func(Directory) Directory) harnessOption {
	return func(c *Config) { c.Directory = wrap(c.Directory) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		repo:  usertest.NewRepository(),
		cache: NewMemoryCache(),
		provider: newFakeProvider(map[string]*identity.Identity{
			"cred-ada": {ID: "did:privy:ada", Email: "ada@example.com"},
			"cred-bob": {ID: "did:privy:bob", WalletAddress: "0xB0B"},
		}),
		events: &recordingPublisher{},
		logs:   &bytes.Buffer{},
	}

	cfg := Config{
		SessionID: "sid-test",
		Cache:     h.cache,
		Directory: user.NewService(h.repo),
		Provider:  h.provider,
		Events:    h.events,
		Logger:    slog.New(slog.NewJSONHandler(h.logs, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h.resolver = NewResolver(cfg)
	t.Cleanup(h.resolver.Dispose)
	return h
}

func TestInitWithEmptyCacheSettlesToNoUser(t *testing.T) {
	h := newHarness(t)

	st, err := h.resolver.Init(context.Background())
	require.NoError(t, err)

	assert.True(t, st.NoUser())
	assert.False(t, st.Authenticated)
	assert.Zero(t, h.repo.Calls())
}

func TestConnectWithRolelessRecordNeedsRole(t *testing.T) {
	h := newHarness(t)
	h.repo.Put(&user.Record{ID: "did:privy:ada", Email: "ada@example.com"})

	st, err := h.resolver.Connect(context.Background(), "cred-ada")
	require.NoError(t, err)

	assert.True(t, st.NeedsRole())
	assert.True(t, st.Authenticated)
	assert.Nil(t, st.User)
	assert.Nil(t, h.resolver.State().User)
}

func TestConnectWithoutRecordThenSelectOriginator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.resolver.Connect(ctx, "cred-ada")
	require.NoError(t, err)
	require.True(t, st.NeedsRole())

	st, err = h.resolver.SelectRole(ctx, user.RoleAssetOriginator)
	require.NoError(t, err)

	require.True(t, st.IsResolved())
	assert.Equal(t, Confirmed, st.Confirmation)
	assert.Equal(t, SourceExternal, st.Source)
	assert.Equal(t, user.RoleAssetOriginator, st.User.Role)
	assert.Equal(t, "did:privy:ada", st.User.ID)
	assert.False(t, st.User.ProfileCompleted)
	require.NotNil(t, st.User.OriginatorProfile)
	assert.Equal(t, "startup", st.User.OriginatorProfile.CompanySize)
	assert.Empty(t, st.User.OriginatorProfile.CompanyName)
	assert.Zero(t, st.User.OriginatorProfile.TotalProjectsListed)
	assert.Nil(t, st.User.InvestorProfile)

	entry, err := h.cache.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, user.RoleAssetOriginator, entry.User.Role)

	assert.Contains(t, h.events.Types(), events.TypeRoleSelected)
}

func TestSelectRoleIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.resolver.Connect(ctx, "cred-ada")
	require.NoError(t, err)

	first, err := h.resolver.SelectRole(ctx, user.RoleInvestor)
	require.NoError(t, err)

	second, err := h.resolver.SelectRole(ctx, user.RoleInvestor)
	require.NoError(t, err)

	assert.Equal(t, 1, h.repo.Len())
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, first.User.Role, second.User.Role)
	assert.Equal(t, first.User.KYCStatus, second.User.KYCStatus)
	assert.Equal(t, first.User.InvestorProfile, second.User.InvestorProfile)
	assert.False(t, second.User.UpdatedAt.Before(first.User.UpdatedAt))
}

func TestSelectRoleRejectsOtherRoleOnceResolved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.resolver.Connect(ctx, "cred-ada")
	require.NoError(t, err)
	_, err = h.resolver.SelectRole(ctx, user.RoleInvestor)
	require.NoError(t, err)

	st, err := h.resolver.SelectRole(ctx, user.RoleAssetOriginator)
	assert.ErrorIs(t, err, ErrRoleNotPending)
	assert.Equal(t, user.RoleInvestor, st.User.Role)
}

func TestSelectRoleWithoutIdentityIsUnauthenticated(t *testing.T) {
	h := newHarness(t)

	_, err := h.resolver.SelectRole(context.Background(), user.RoleInvestor)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Zero(t, h.repo.Calls())
}

func TestSelectRoleRejectsUnknownRole(t *testing.T) {
	h := newHarness(t)

	_, err := h.resolver.SelectRole(context.Background(), user.Role("admin"))

	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestDemoLoginIsDeterministic(t *testing.T) {
	ctx := context.Background()

	a := newHarness(t)
	b := newHarness(t)

	first, err := a.resolver.LoginDemo(ctx, user.RoleInvestor)
	require.NoError(t, err)
	second, err := b.resolver.LoginDemo(ctx, user.RoleInvestor)
	require.NoError(t, err)

	assert.Equal(t, first.User, second.User)
	assert.Equal(t, DemoInvestorID, first.User.ID)
	assert.Equal(t, "Michael Harrison", first.User.Name)
	assert.Equal(t, user.KYCApproved, first.User.KYCStatus)
	assert.Equal(t, user.TierPremium, first.User.SubscriptionTier)
	assert.True(t, first.User.ProfileCompleted)
	assert.Equal(t, SourceDemo, first.Source)
	assert.Equal(t, Confirmed, first.Confirmation)
	assert.Zero(t, a.repo.Calls())
}

func TestCachedDemoRecordResolvesWithoutDirectory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	demo, err := DemoUser(user.RoleAssetOriginator)
	require.NoError(t, err)
	require.NoError(t, h.cache.Set(ctx, Entry{User: demo, Source: SourceDemo}))

	st, err := h.resolver.Init(ctx)
	require.NoError(t, err)

	require.True(t, st.IsResolved())
	assert.False(t, st.Loading)
	assert.Equal(t, DemoOriginatorID, st.User.ID)
	assert.Equal(t, Optimistic, st.Confirmation)
	assert.Equal(t, SourceDemo, st.Source)
	assert.Zero(t, h.repo.Calls())
}

func TestCachedRecordWithoutRoleIsCleared(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cache.Set(ctx, Entry{
		User:   &user.Record{ID: "new-investor-x"},
		Source: SourceManual,
	}))

	st, err := h.resolver.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, st.NoUser())

	entry, err := h.cache.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestDirectoryFailureWithholdsRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.repo.Put(&user.Record{ID: "did:privy:ada", Role: user.RoleInvestor})
	h.repo.Fail(errors.New("permission denied"))

	st, err := h.resolver.Connect(ctx, "cred-ada")
	require.NoError(t, err)

	assert.True(t, st.NeedsRole())
	assert.Nil(t, st.User)
	assert.Contains(t, h.logs.String(), "user directory failure")
	assert.Contains(t, h.logs.String(), "permission denied")
}

func TestDirectoryFailureDuringSelectRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.resolver.Connect(ctx, "cred-ada")
	require.NoError(t, err)

	h.repo.Fail(errors.New("timeout"))

	st, err := h.resolver.SelectRole(ctx, user.RoleInvestor)
	require.Error(t, err)
	assert.ErrorIs(t, err, user.ErrDirectory)
	assert.True(t, st.NeedsRole())
}

func TestConfirmedRecordOverridesStaleCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cache.Set(ctx, Entry{
		User:   &user.Record{ID: "did:privy:ada", Role: user.RoleInvestor},
		Source: SourceExternal,
	}))
	h.repo.Put(&user.Record{ID: "did:privy:ada", Role: user.RoleAssetOriginator})

	st, err := h.resolver.Connect(ctx, "cred-ada")
	require.NoError(t, err)

	require.True(t, st.IsResolved())
	assert.Equal(t, user.RoleAssetOriginator, st.User.Role)
	assert.Equal(t, Confirmed, st.Confirmation)

	entry, err := h.cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, user.RoleAssetOriginator, entry.User.Role)
}

func TestConnectRejectedCredentialKeepsState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	before, err := h.resolver.LoginDemo(ctx, user.RoleInvestor)
	require.NoError(t, err)

	st, err := h.resolver.Connect(ctx, "bogus")
	require.Error(t, err)
	assert.ErrorIs(t, err, identity.ErrInvalidCredential)
	assert.Equal(t, before.User, st.User)
	assert.False(t, st.Authenticated)
}

func TestLogoutDiscardsInFlightLookup(t *testing.T) {
	var blocking *blockingDirectory
	h := newHarness(t, withDirectory(func(d Directory) Directory {
		blocking = newBlockingDirectory(d)
		return blocking
	}))
	ctx := context.Background()

	h.repo.Put(&user.Record{ID: "did:privy:ada", Role: user.RoleInvestor})

	connected := make(chan State, 1)
	go func() {
		st, _ := h.resolver.Connect(ctx, "cred-ada")
		connected <- st
	}()

	select {
	case <-blocking.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("lookup never started")
	}

	st, err := h.resolver.Logout(ctx)
	require.NoError(t, err)
	assert.True(t, st.NoUser())

	close(blocking.release)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connect never returned")
	}

	assert.True(t, h.resolver.State().NoUser())
	assert.False(t, h.resolver.State().Authenticated)

	entry, err := h.cache.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, entry)

	st, err = h.resolver.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, st.NoUser())
	assert.Nil(t, st.User)
}

func TestLogoutClearsSessionButKeepsDirectory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.resolver.Connect(ctx, "cred-bob")
	require.NoError(t, err)
	_, err = h.resolver.SelectRole(ctx, user.RoleInvestor)
	require.NoError(t, err)

	st, err := h.resolver.Logout(ctx)
	require.NoError(t, err)

	assert.True(t, st.NoUser())
	assert.Equal(t, 1, h.provider.Disconnects())
	assert.Equal(t, 1, h.repo.Len())

	cred, err := h.cache.Credential(ctx)
	require.NoError(t, err)
	assert.Empty(t, cred)

	assert.Contains(t, h.events.Types(), events.TypeLoggedOut)
}

func TestManualLoginValidatesBeforeStateChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	before, err := h.resolver.LoginDemo(ctx, user.RoleInvestor)
	require.NoError(t, err)

	st, err := h.resolver.LoginManual(ctx, ManualCredentials{
		Email:           "new@example.com",
		Password:        "password1",
		ConfirmPassword: "password2",
		Role:            "investor",
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, before.Version, st.Version)
	assert.Equal(t, DemoInvestorID, h.resolver.State().User.ID)
}

func TestManualLoginDropsExternalIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.resolver.Connect(ctx, "cred-ada")
	require.NoError(t, err)

	st, err := h.resolver.LoginManual(ctx, ManualCredentials{
		Email:           "New.User@Example.com",
		Password:        "password1",
		ConfirmPassword: "password1",
		Role:            "asset-originator",
	})
	require.NoError(t, err)

	require.True(t, st.IsResolved())
	assert.False(t, st.Authenticated)
	assert.Equal(t, SourceManual, st.Source)
	assert.Equal(t, "new.user@example.com", st.User.Email)
	assert.Equal(t, "New.User", st.User.Name)

	cred, err := h.cache.Credential(ctx)
	require.NoError(t, err)
	assert.Empty(t, cred)
}

func TestInitReconnectsCachedCredential(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.repo.Put(&user.Record{ID: "did:privy:ada", Role: user.RoleInvestor})
	require.NoError(t, h.cache.SetCredential(ctx, "cred-ada"))

	st, err := h.resolver.Init(ctx)
	require.NoError(t, err)

	require.True(t, st.IsResolved())
	assert.True(t, st.Authenticated)
	assert.Equal(t, "did:privy:ada", st.User.ID)
}

func TestInitDropsRejectedCachedCredential(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cache.SetCredential(ctx, "expired"))

	st, err := h.resolver.Init(ctx)
	require.NoError(t, err)
	assert.True(t, st.NoUser())

	cred, err := h.cache.Credential(ctx)
	require.NoError(t, err)
	assert.Empty(t, cred)
}

func TestSetExternalIdentityFalseFallsBackToCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.resolver.SetExternalIdentity(ctx, true, &identity.Identity{ID: "did:privy:ada"})
	require.NoError(t, err)
	_, err = h.resolver.SelectRole(ctx, user.RoleInvestor)
	require.NoError(t, err)

	st, err := h.resolver.SetExternalIdentity(ctx, false, nil)
	require.NoError(t, err)

	require.True(t, st.IsResolved())
	assert.False(t, st.Authenticated)
	assert.Equal(t, Optimistic, st.Confirmation)
}

func TestSubscribeReceivesLatestState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	updates, unsubscribe := h.resolver.Subscribe()
	defer unsubscribe()

	first := <-updates
	assert.True(t, first.Loading)

	_, err := h.resolver.LoginDemo(ctx, user.RoleInvestor)
	require.NoError(t, err)

	select {
	case st := <-updates:
		require.True(t, st.IsResolved())
		assert.Equal(t, DemoInvestorID, st.User.ID)
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}
}

func TestDisposeClosesSubscriptionsAndRejectsTriggers(t *testing.T) {
	h := newHarness(t)

	updates, unsubscribe := h.resolver.Subscribe()
	<-updates

	h.resolver.Dispose()

	_, open := <-updates
	assert.False(t, open)
	unsubscribe()

	_, err := h.resolver.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrDisposed)
}
