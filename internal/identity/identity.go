// AngelaMos | 2026
// identity.go

package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erisrwa/portal/internal/config"
	"github.com/erisrwa/portal/internal/core"
)

var (
	ErrProviderUnavailable = errors.New("identity provider not configured")
	ErrInvalidCredential   = errors.New("invalid identity credential")
	ErrProviderFailure     = errors.New("identity provider request failed")
)

// Identity is what an identity provider vouches for. Email and
// WalletAddress are optional; ID is always set.
type Identity struct {
	ID            string    `json:"id"`
	Email         string    `json:"email,omitempty"`
	WalletAddress string    `json:"walletAddress,omitempty"`
	TokenID       string    `json:"-"`
	ExpiresAt     time.Time `json:"-"`
}

type Provider interface {
	Name() string
	Connect(ctx context.Context, credential string) (*Identity, error)
	Disconnect(ctx context.Context, id *Identity) error
}

// Error is returned by every provider operation that fails. It never
// carries partial identity data.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(provider, op string, err error) *Error {
	return &Error{Provider: provider, Op: op, Err: err}
}

// New selects the configured provider. Unknown names are rejected by
// config validation, so anything unrecognised here falls back to the no-op
// provider.
func New(cfg config.IdentityConfig, rdb *core.Redis) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderPrivy:
		return NewPrivy(cfg.Privy, NewRevocations(rdb))
	case config.ProviderGoogle:
		return NewGoogle(cfg.Google, NewRevocations(rdb)), nil
	default:
		return Noop{}, nil
	}
}

type Noop struct{}

func (Noop) Name() string { return config.ProviderNone }

func (Noop) Connect(context.Context, string) (*Identity, error) {
	return nil, newError(config.ProviderNone, "connect", ErrProviderUnavailable)
}

func (Noop) Disconnect(context.Context, *Identity) error {
	return nil
}
