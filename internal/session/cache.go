// AngelaMos | 2026
// cache.go

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/erisrwa/portal/internal/core"
	"github.com/erisrwa/portal/internal/user"
)

// Entry is the last resolved user of a session together with how it was
// obtained.
type Entry struct {
	User   *user.Record `json:"user"`
	Source Source       `json:"source"`
}

// LocalCache is a single per-session slot. Get returns nil with no error
// when the slot is empty. Clear also drops the cached provider credential.
type LocalCache interface {
	Get(ctx context.Context) (*Entry, error)
	Set(ctx context.Context, e Entry) error
	Clear(ctx context.Context) error
	Credential(ctx context.Context) (string, error)
	SetCredential(ctx context.Context, credential string) error
	ClearCredential(ctx context.Context) error
}

// CacheFactory opens the cache slot of a session.
type CacheFactory func(sessionID string) LocalCache

type redisCache struct {
	rdb     *core.Redis
	userKey string
	credKey string
	ttl     time.Duration
}

func RedisCacheFactory(rdb *core.Redis, ttl time.Duration) CacheFactory {
	return func(sessionID string) LocalCache {
		return &redisCache{
			rdb:     rdb,
			userKey: rdb.Key("session", sessionID, "user"),
			credKey: rdb.Key("session", sessionID, "credential"),
			ttl:     ttl,
		}
	}
}

func (c *redisCache) Get(ctx context.Context) (*Entry, error) {
	raw, err := c.rdb.Client.Get(ctx, c.userKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session cache: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil || e.User == nil {
		//nolint:errcheck // corrupt slot is dropped, next Set overwrites it
		_ = c.rdb.Client.Del(ctx, c.userKey).Err()
		return nil, nil
	}

	return &e, nil
}

func (c *redisCache) Set(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode session cache: %w", err)
	}

	// The credential slot lives as long as the user slot it belongs to.
	_, err = c.rdb.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.userKey, data, c.ttl)
		pipe.Expire(ctx, c.credKey, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write session cache: %w", err)
	}
	return nil
}

func (c *redisCache) Clear(ctx context.Context) error {
	if err := c.rdb.Client.Del(ctx, c.userKey, c.credKey).Err(); err != nil {
		return fmt.Errorf("clear session cache: %w", err)
	}
	return nil
}

func (c *redisCache) Credential(ctx context.Context) (string, error) {
	cred, err := c.rdb.Client.Get(ctx, c.credKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session credential: %w", err)
	}
	return cred, nil
}

func (c *redisCache) SetCredential(ctx context.Context, credential string) error {
	if err := c.rdb.Client.Set(ctx, c.credKey, credential, c.ttl).Err(); err != nil {
		return fmt.Errorf("write session credential: %w", err)
	}
	return nil
}

func (c *redisCache) ClearCredential(ctx context.Context) error {
	if err := c.rdb.Client.Del(ctx, c.credKey).Err(); err != nil {
		return fmt.Errorf("clear session credential: %w", err)
	}
	return nil
}

// MemoryCache keeps the slot in process. Used in tests and when a session
// must not outlive the process.
type MemoryCache struct {
	mu         sync.Mutex
	entry      *Entry
	credential string
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (m *MemoryCache) Get(context.Context) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entry == nil {
		return nil, nil
	}
	return &Entry{User: m.entry.User.Clone(), Source: m.entry.Source}, nil
}

func (m *MemoryCache) Set(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entry = &Entry{User: e.User.Clone(), Source: e.Source}
	return nil
}

func (m *MemoryCache) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entry = nil
	m.credential = ""
	return nil
}

func (m *MemoryCache) Credential(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential, nil
}

func (m *MemoryCache) SetCredential(_ context.Context, credential string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credential = credential
	return nil
}

func (m *MemoryCache) ClearCredential(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credential = ""
	return nil
}
