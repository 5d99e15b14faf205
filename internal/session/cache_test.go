// AngelaMos | 2026
// cache_test.go

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erisrwa/portal/internal/user"
)

func TestRedisCacheRoundTrip(t *testing.T) {
	rdb, mr := newTestRedis(t)
	cache := RedisCacheFactory(rdb, time.Hour)("sid-1")
	ctx := context.Background()

	entry, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, entry)

	demo, err := DemoUser(user.RoleInvestor)
	require.NoError(t, err)
	require.NoError(t, cache.Set(ctx, Entry{User: demo, Source: SourceDemo}))
	require.NoError(t, cache.SetCredential(ctx, "cred"))

	assert.True(t, mr.Exists("rwa:session:sid-1:user"))
	assert.Greater(t, mr.TTL("rwa:session:sid-1:user"), time.Duration(0))

	entry, err = cache.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, DemoInvestorID, entry.User.ID)
	assert.Equal(t, SourceDemo, entry.Source)

	cred, err := cache.Credential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cred", cred)

	require.NoError(t, cache.Clear(ctx))
	assert.False(t, mr.Exists("rwa:session:sid-1:user"))
	assert.False(t, mr.Exists("rwa:session:sid-1:credential"))
}

func TestRedisCacheWriteExtendsCredential(t *testing.T) {
	rdb, mr := newTestRedis(t)
	cache := RedisCacheFactory(rdb, time.Hour)("sid-ttl")
	ctx := context.Background()

	require.NoError(t, cache.SetCredential(ctx, "cred"))
	mr.FastForward(45 * time.Minute)

	demo, err := DemoUser(user.RoleInvestor)
	require.NoError(t, err)
	require.NoError(t, cache.Set(ctx, Entry{User: demo, Source: SourceExternal}))
	mr.FastForward(45 * time.Minute)

	cred, err := cache.Credential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cred", cred)
	assert.Equal(t, mr.TTL("rwa:session:sid-ttl:user"), mr.TTL("rwa:session:sid-ttl:credential"))
}

func TestRedisCacheWriteWithoutCredential(t *testing.T) {
	rdb, mr := newTestRedis(t)
	cache := RedisCacheFactory(rdb, time.Hour)("sid-nocred")

	demo, err := DemoUser(user.RoleInvestor)
	require.NoError(t, err)
	require.NoError(t, cache.Set(context.Background(), Entry{User: demo, Source: SourceDemo}))

	assert.True(t, mr.Exists("rwa:session:sid-nocred:user"))
	assert.False(t, mr.Exists("rwa:session:sid-nocred:credential"))
}

func TestRedisCacheDropsCorruptSlot(t *testing.T) {
	rdb, mr := newTestRedis(t)
	cache := RedisCacheFactory(rdb, time.Hour)("sid-2")

	require.NoError(t, mr.Set("rwa:session:sid-2:user", "{not json"))

	entry, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.False(t, mr.Exists("rwa:session:sid-2:user"))
}

func TestRedisCacheSlotsAreIsolated(t *testing.T) {
	rdb, _ := newTestRedis(t)
	factory := RedisCacheFactory(rdb, time.Hour)
	ctx := context.Background()

	demo, err := DemoUser(user.RoleAssetOriginator)
	require.NoError(t, err)
	require.NoError(t, factory("a").Set(ctx, Entry{User: demo, Source: SourceDemo}))

	entry, err := factory("b").Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestMemoryCacheReturnsCopies(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	rec := &user.Record{ID: "u1", Role: user.RoleInvestor}
	require.NoError(t, cache.Set(ctx, Entry{User: rec, Source: SourceManual}))
	rec.Role = user.RoleAssetOriginator

	entry, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, user.RoleInvestor, entry.User.Role)
}
