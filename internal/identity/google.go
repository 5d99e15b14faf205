// AngelaMos | 2026
// google.go

package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/idtoken"

	"github.com/erisrwa/portal/internal/config"
	"github.com/erisrwa/portal/internal/core"
)

type validateFunc func(ctx context.Context, token, audience string) (*idtoken.Payload, error)

// Google accepts Google Sign-In id tokens. It never sees a wallet address.
type Google struct {
	clientID    string
	validate    validateFunc
	revocations *Revocations
}

func NewGoogle(cfg config.GoogleConfig, revocations *Revocations) *Google {
	return &Google{
		clientID:    cfg.ClientID,
		validate:    idtoken.Validate,
		revocations: revocations,
	}
}

func (g *Google) Name() string { return config.ProviderGoogle }

func (g *Google) Connect(ctx context.Context, credential string) (*Identity, error) {
	ctx, span := core.StartSpan(ctx, "identity.google.Connect")
	defer span.End()

	payload, err := g.validate(ctx, credential, g.clientID)
	if err != nil {
		core.SetSpanError(span, err)
		return nil, newError(g.Name(), "verify", fmt.Errorf("%w: %w", ErrInvalidCredential, err))
	}

	if payload.Subject == "" {
		return nil, newError(g.Name(), "verify", ErrInvalidCredential)
	}

	id := &Identity{
		ID:        payload.Subject,
		TokenID:   core.HashToken(credential),
		ExpiresAt: time.Unix(payload.Expires, 0),
	}

	if verified, _ := payload.Claims["email_verified"].(bool); verified {
		email, _ := payload.Claims["email"].(string)
		id.Email = strings.ToLower(email)
	}

	revoked, err := g.revocations.IsRevoked(ctx, g.Name(), id.TokenID)
	if err != nil {
		return nil, newError(g.Name(), "verify", fmt.Errorf("%w: %w", ErrProviderFailure, err))
	}
	if revoked {
		return nil, newError(
			g.Name(),
			"verify",
			fmt.Errorf("%w: %w", ErrInvalidCredential, core.ErrTokenRevoked),
		)
	}

	return id, nil
}

func (g *Google) Disconnect(ctx context.Context, id *Identity) error {
	if id == nil {
		return nil
	}

	if err := g.revocations.Revoke(ctx, g.Name(), id.TokenID, id.ExpiresAt); err != nil {
		return newError(g.Name(), "disconnect", fmt.Errorf("%w: %w", ErrProviderFailure, err))
	}
	return nil
}
