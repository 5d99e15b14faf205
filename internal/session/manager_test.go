// AngelaMos | 2026
// manager_test.go

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erisrwa/portal/internal/identity"
	"github.com/erisrwa/portal/internal/user"
	"github.com/erisrwa/portal/internal/user/usertest"
)

func newTestManager(t *testing.T, caches CacheFactory) (*Manager, *usertest.Repository) {
	t.Helper()

	repo := usertest.NewRepository()
	m := NewManager(ManagerConfig{
		Caches:      caches,
		Directory:   user.NewService(repo),
		IdleTimeout: time.Minute,
	})
	t.Cleanup(m.Close)
	return m, repo
}

func TestManagerReturnsSameResolver(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		got [8]*Resolver
	)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := m.Get(ctx, "sid-1")
			assert.NoError(t, err)
			got[i] = r
		}(i)
	}
	wg.Wait()

	for _, r := range got {
		assert.Same(t, got[0], r)
	}
	assert.Equal(t, 1, m.Count())
}

func TestManagerRestoresFromSharedCache(t *testing.T) {
	rdb, _ := newTestRedis(t)
	caches := RedisCacheFactory(rdb, time.Hour)
	ctx := context.Background()

	first, _ := newTestManager(t, caches)
	r, err := first.Get(ctx, "sid-restore")
	require.NoError(t, err)
	_, err = r.LoginDemo(ctx, user.RoleInvestor)
	require.NoError(t, err)

	second, _ := newTestManager(t, caches)
	restored, err := second.Get(ctx, "sid-restore")
	require.NoError(t, err)

	st := restored.State()
	require.True(t, st.IsResolved())
	assert.Equal(t, DemoInvestorID, st.User.ID)
	assert.Equal(t, Optimistic, st.Confirmation)
}

func TestManagerPrincipal(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	p, err := m.Principal(ctx, "sid-p")
	require.NoError(t, err)
	assert.Nil(t, p)

	r, err := m.Get(ctx, "sid-p")
	require.NoError(t, err)
	_, err = r.LoginDemo(ctx, user.RoleAssetOriginator)
	require.NoError(t, err)

	p, err = m.Principal(ctx, "sid-p")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, DemoOriginatorID, p.UserID)
	assert.Equal(t, string(user.RoleAssetOriginator), p.Role)
	assert.Equal(t, user.TierPremium, p.Tier)
	assert.False(t, p.External)
}

func TestManagerPrincipalRequiresConnectedWallet(t *testing.T) {
	repo := usertest.NewRepository()
	m := NewManager(ManagerConfig{
		Directory: user.NewService(repo),
		Provider: newFakeProvider(map[string]*identity.Identity{
			"cred-ada": {ID: "did:privy:ada", Email: "ada@example.com"},
		}),
		IdleTimeout: time.Minute,
	})
	t.Cleanup(m.Close)
	ctx := context.Background()

	r, err := m.Get(ctx, "sid-wallet")
	require.NoError(t, err)
	_, err = r.Connect(ctx, "cred-ada")
	require.NoError(t, err)
	_, err = r.SelectRole(ctx, user.RoleInvestor)
	require.NoError(t, err)

	p, err := m.Principal(ctx, "sid-wallet")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "did:privy:ada", p.UserID)
	assert.True(t, p.External)

	st, err := r.Disconnect(ctx)
	require.NoError(t, err)
	require.True(t, st.IsResolved())
	assert.Equal(t, Optimistic, st.Confirmation)
	assert.False(t, st.Authenticated)

	p, err = m.Principal(ctx, "sid-wallet")
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = r.Connect(ctx, "cred-ada")
	require.NoError(t, err)

	p, err = m.Principal(ctx, "sid-wallet")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.External)
}

func TestManagerPrincipalWithheldForRestoredWallet(t *testing.T) {
	rdb, _ := newTestRedis(t)
	caches := RedisCacheFactory(rdb, time.Hour)
	ctx := context.Background()

	rec := &user.Record{
		ID:                 "did:privy:ada",
		Role:               user.RoleInvestor,
		SubscriptionTier:   user.TierFree,
		IsExternalIdentity: true,
	}
	require.NoError(t, caches("sid-restored").Set(ctx, Entry{User: rec, Source: SourceExternal}))

	m, _ := newTestManager(t, caches)
	r, err := m.Get(ctx, "sid-restored")
	require.NoError(t, err)
	require.True(t, r.State().IsResolved())

	p, err := m.Principal(ctx, "sid-restored")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestManagerEvictsIdleSessions(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	idle, err := m.Get(ctx, "idle")
	require.NoError(t, err)

	watched, err := m.Get(ctx, "watched")
	require.NoError(t, err)
	_, unsubscribe := watched.Subscribe()
	defer unsubscribe()

	evicted := m.evictIdle(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, m.Count())

	_, err = idle.Refresh(ctx)
	assert.ErrorIs(t, err, ErrDisposed)

	_, err = watched.Refresh(ctx)
	assert.NoError(t, err)
}

func TestManagerDropDisposes(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	r, err := m.Get(ctx, "sid-drop")
	require.NoError(t, err)

	m.Drop("sid-drop")
	assert.Zero(t, m.Count())

	_, err = r.Refresh(ctx)
	assert.ErrorIs(t, err, ErrDisposed)

	fresh, err := m.Get(ctx, "sid-drop")
	require.NoError(t, err)
	assert.NotSame(t, r, fresh)
}

func TestManagerRefreshSessionSkipsUnloaded(t *testing.T) {
	m, _ := newTestManager(t, nil)

	require.NoError(t, m.RefreshSession(context.Background(), "never-loaded"))
	assert.Zero(t, m.Count())
}
