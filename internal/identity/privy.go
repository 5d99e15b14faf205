// AngelaMos | 2026
// privy.go

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/erisrwa/portal/internal/config"
	"github.com/erisrwa/portal/internal/core"
)

const (
	privyMaxRetries = 3
	privyBodyLimit  = 1 << 20
)

// Privy verifies Privy access tokens locally and enriches the subject with
// the linked email and wallet from the Privy REST API.
type Privy struct {
	cfg         config.PrivyConfig
	key         jwk.Key
	client      *http.Client
	revocations *Revocations
	newBackOff  func() backoff.BackOff
}

func NewPrivy(cfg config.PrivyConfig, revocations *Revocations) (*Privy, error) {
	pem := []byte(cfg.VerificationKey)
	if len(pem) == 0 {
		b, err := os.ReadFile(cfg.VerificationKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read privy verification key: %w", err)
		}
		pem = b
	}

	key, err := jwk.ParseKey(pem, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parse privy verification key: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Privy{
		cfg: cfg,
		key: key,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		revocations: revocations,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}, nil
}

func (p *Privy) Name() string { return config.ProviderPrivy }

func (p *Privy) Connect(ctx context.Context, credential string) (*Identity, error) {
	ctx, span := core.StartSpan(ctx, "identity.privy.Connect")
	defer span.End()

	id, err := p.verify(ctx, credential)
	if err != nil {
		core.SetSpanError(span, err)
		return nil, err
	}

	if p.cfg.AppSecret == "" {
		return id, nil
	}

	if err := p.enrich(ctx, id); err != nil {
		core.SetSpanError(span, err)
		return nil, newError(p.Name(), "fetch user", err)
	}

	return id, nil
}

func (p *Privy) verify(ctx context.Context, credential string) (*Identity, error) {
	token, err := jwt.Parse(
		[]byte(credential),
		jwt.WithKey(jwa.ES256(), p.key),
		jwt.WithValidate(true),
		jwt.WithIssuer(p.cfg.Issuer),
		jwt.WithAudience(p.cfg.AppID),
	)
	if err != nil {
		cause := ErrInvalidCredential
		if core.IsTokenExpiredError(err) {
			cause = fmt.Errorf("%w: %w", ErrInvalidCredential, core.ErrTokenExpired)
		}
		return nil, newError(p.Name(), "verify", cause)
	}

	subject, ok := token.Subject()
	if !ok || subject == "" {
		return nil, newError(p.Name(), "verify", ErrInvalidCredential)
	}

	id := &Identity{ID: subject}
	if exp, ok := token.Expiration(); ok {
		id.ExpiresAt = exp
	}

	var sid string
	switch {
	case token.Get("sid", &sid) == nil && sid != "":
		id.TokenID = sid
	default:
		if jti, ok := token.JwtID(); ok && jti != "" {
			id.TokenID = jti
		} else {
			id.TokenID = core.HashToken(credential)
		}
	}

	revoked, err := p.revocations.IsRevoked(ctx, p.Name(), id.TokenID)
	if err != nil {
		return nil, newError(p.Name(), "verify", fmt.Errorf("%w: %w", ErrProviderFailure, err))
	}
	if revoked {
		return nil, newError(
			p.Name(),
			"verify",
			fmt.Errorf("%w: %w", ErrInvalidCredential, core.ErrTokenRevoked),
		)
	}

	return id, nil
}

type privyUser struct {
	ID             string `json:"id"`
	LinkedAccounts []struct {
		Type      string `json:"type"`
		Address   string `json:"address"`
		ChainType string `json:"chain_type"`
	} `json:"linked_accounts"`
}

func (p *Privy) enrich(ctx context.Context, id *Identity) error {
	endpoint := strings.TrimRight(p.cfg.APIURL, "/") + "/users/" + url.PathEscape(id.ID)

	var user privyUser
	op := func() error {
		return p.fetchUser(ctx, endpoint, &user)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(p.newBackOff(), privyMaxRetries),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("%w: %w", ErrProviderFailure, err)
	}

	for _, acct := range user.LinkedAccounts {
		switch acct.Type {
		case "email":
			if id.Email == "" {
				id.Email = strings.ToLower(acct.Address)
			}
		case "wallet", "smart_wallet":
			if id.WalletAddress == "" {
				id.WalletAddress = strings.ToLower(acct.Address)
			}
		}
	}

	return nil
}

var errPrivyServer = errors.New("privy server error")

func (p *Privy) fetchUser(ctx context.Context, endpoint string, dst *privyUser) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.SetBasicAuth(p.cfg.AppID, p.cfg.AppSecret)
	req.Header.Set("privy-app-id", p.cfg.AppID)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, privyBodyLimit))
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError,
		resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", errPrivyServer, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return backoff.Permanent(fmt.Errorf("decode privy user: %w", err))
	}
	return nil
}

// Disconnect revokes the token locally until it would have expired.
func (p *Privy) Disconnect(ctx context.Context, id *Identity) error {
	if id == nil {
		return nil
	}

	if err := p.revocations.Revoke(ctx, p.Name(), id.TokenID, id.ExpiresAt); err != nil {
		return newError(p.Name(), "disconnect", fmt.Errorf("%w: %w", ErrProviderFailure, err))
	}
	return nil
}
