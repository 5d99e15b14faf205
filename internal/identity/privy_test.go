// AngelaMos | 2026
// privy_test.go

package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erisrwa/portal/internal/config"
	"github.com/erisrwa/portal/internal/core"
)

type privyFixture struct {
	provider *Privy
	signer   jwk.Key
	redis    *miniredis.Miniredis
}

func newPrivyFixture(t *testing.T, apiURL, secret string) *privyFixture {
	t.Helper()

	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	signer, err := jwk.Import(raw)
	require.NoError(t, err)

	public, err := signer.PublicKey()
	require.NoError(t, err)

	pem, err := jwk.Pem(public)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	p, err := NewPrivy(config.PrivyConfig{
		AppID:           "app-1",
		AppSecret:       secret,
		VerificationKey: string(pem),
		APIURL:          apiURL,
		Issuer:          "privy.io",
	}, NewRevocations(core.WrapRedis(rdb, "test")))
	require.NoError(t, err)

	p.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	return &privyFixture{provider: p, signer: signer, redis: mr}
}

func (f *privyFixture) token(t *testing.T, audience string, exp time.Time) string {
	t.Helper()

	tok, err := jwt.NewBuilder().
		Issuer("privy.io").
		Audience([]string{audience}).
		Subject("did:privy:abc").
		IssuedAt(time.Now().Add(-time.Minute)).
		Expiration(exp).
		Claim("sid", "privy-session-1").
		Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.ES256(), f.signer))
	require.NoError(t, err)
	return string(signed)
}

func TestPrivyConnectVerifiesToken(t *testing.T) {
	f := newPrivyFixture(t, "http://unused", "")

	id, err := f.provider.Connect(context.Background(), f.token(t, "app-1", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	assert.Equal(t, "did:privy:abc", id.ID)
	assert.Equal(t, "privy-session-1", id.TokenID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), id.ExpiresAt, 5*time.Second)
}

func TestPrivyConnectRejectsBadTokens(t *testing.T) {
	f := newPrivyFixture(t, "http://unused", "")

	tests := []struct {
		name  string
		token string
	}{
		{"wrong audience", f.token(t, "other-app", time.Now().Add(time.Hour))},
		{"expired", f.token(t, "app-1", time.Now().Add(-time.Hour))},
		{"garbage", "not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.provider.Connect(context.Background(), tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidCredential)

			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "privy", perr.Provider)
		})
	}
}

func TestPrivyDisconnectRevokesToken(t *testing.T) {
	f := newPrivyFixture(t, "http://unused", "")
	ctx := context.Background()
	token := f.token(t, "app-1", time.Now().Add(time.Hour))

	id, err := f.provider.Connect(ctx, token)
	require.NoError(t, err)

	require.NoError(t, f.provider.Disconnect(ctx, id))
	assert.True(t, f.redis.Exists("test:identity:privy:revoked:privy-session-1"))

	_, err = f.provider.Connect(ctx, token)
	assert.ErrorIs(t, err, core.ErrTokenRevoked)
}

func TestPrivyConnectEnrichesFromAPI(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "app-1", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "app-1", r.Header.Get("privy-app-id"))
		assert.Equal(t, "/users/did:privy:abc", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "did:privy:abc",
			"linked_accounts": [
				{"type": "email", "address": "Ada@Example.com"},
				{"type": "wallet", "address": "0xABCDEF", "chain_type": "ethereum"}
			]
		}`))
	}))
	defer srv.Close()

	f := newPrivyFixture(t, srv.URL, "secret")

	id, err := f.provider.Connect(context.Background(), f.token(t, "app-1", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "ada@example.com", id.Email)
	assert.Equal(t, "0xabcdef", id.WalletAddress)
}

func TestPrivyConnectDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newPrivyFixture(t, srv.URL, "secret")

	_, err := f.provider.Connect(context.Background(), f.token(t, "app-1", time.Now().Add(time.Hour)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderFailure)
	assert.Equal(t, int32(1), calls.Load())
}
