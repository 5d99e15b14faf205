// AngelaMos | 2026
// revocations.go

package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/erisrwa/portal/internal/core"
)

// Revocations remembers provider tokens disconnected through the portal so
// a logged out credential cannot be replayed before it expires.
type Revocations struct {
	rdb *core.Redis
}

func NewRevocations(rdb *core.Redis) *Revocations {
	return &Revocations{rdb: rdb}
}

func (r *Revocations) Revoke(
	ctx context.Context,
	provider, tokenID string,
	expiresAt time.Time,
) error {
	if r == nil || r.rdb == nil || tokenID == "" {
		return nil
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}

	key := r.rdb.Key("identity", provider, "revoked", tokenID)
	if err := r.rdb.Client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (r *Revocations) IsRevoked(
	ctx context.Context,
	provider, tokenID string,
) (bool, error) {
	if r == nil || r.rdb == nil || tokenID == "" {
		return false, nil
	}

	key := r.rdb.Key("identity", provider, "revoked", tokenID)
	n, err := r.rdb.Client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return n > 0, nil
}
