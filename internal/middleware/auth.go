// AngelaMos | 2026
// auth.go

package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/erisrwa/portal/internal/core"
)

const (
	SessionIDKey contextKey = "session_id"
	ClaimsKey    contextKey = "session_claims"
	PrincipalKey contextKey = "principal"
)

type TokenVerifier interface {
	VerifySessionToken(
		ctx context.Context,
		token string,
	) (*SessionClaims, error)
}

type SessionClaims struct {
	SessionID string
	TokenID   string
	ExpiresAt time.Time
}

// Principal is the resolved user behind a session. It only exists once the
// session has a role on file.
type Principal struct {
	UserID   string
	Role     string
	Tier     string
	External bool
}

type PrincipalResolver interface {
	Principal(ctx context.Context, sessionID string) (*Principal, error)
}

// Authenticator requires a valid session token from the Authorization
// header or, failing that, the session cookie.
func Authenticator(
	verifier TokenVerifier,
	cookieName string,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractSessionToken(r, cookieName)

			if token == "" {
				core.JSONError(
					w,
					core.UnauthorizedError("missing session token"),
				)
				return
			}

			claims, err := verifier.VerifySessionToken(r.Context(), token)
			if err != nil {
				handleAuthError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}

// OptionalCookieAuth reads the session from the cookie only, leaving the
// Authorization header free for upstream credentials.
func OptionalCookieAuth(
	verifier TokenVerifier,
	cookieName string,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
				claims, err := verifier.VerifySessionToken(r.Context(), c.Value)
				if err == nil {
					r = r.WithContext(withClaims(r.Context(), claims))
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func withClaims(ctx context.Context, claims *SessionClaims) context.Context {
	ctx = context.WithValue(ctx, SessionIDKey, claims.SessionID)
	return context.WithValue(ctx, ClaimsKey, claims)
}

// LoadPrincipal attaches the resolved user of the current session, if any.
// Sessions that are unresolved or waiting on a role pass through without one.
func LoadPrincipal(resolver PrincipalResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sid := GetSessionID(r.Context())
			if sid == "" {
				next.ServeHTTP(w, r)
				return
			}

			p, err := resolver.Principal(r.Context(), sid)
			if err == nil && p != nil {
				r = r.WithContext(context.WithValue(r.Context(), PrincipalKey, p))
			}

			next.ServeHTTP(w, r)
		})
	}
}

func RequireResolved(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetPrincipal(r.Context()) == nil {
			core.JSONError(
				w,
				core.ForbiddenError("role selection required"),
			)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireAPIKey guards operator endpoints with a static key sent in
// X-Admin-Key. An empty key disables the routes entirely.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				core.NotFound(w, "route")
				return
			}

			if !core.ConstantTimeEqual(r.Header.Get("X-Admin-Key"), key) {
				core.JSONError(
					w,
					core.UnauthorizedError("invalid admin key"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func ExtractSessionToken(r *http.Request, cookieName string) string {
	if token := ExtractToken(r); token != "" {
		return token
	}

	if cookieName == "" {
		return ""
	}

	c, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}

	return c.Value
}

func ExtractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

func handleAuthError(w http.ResponseWriter, err error) {
	if core.IsAppError(err) {
		core.JSONError(w, err)
		return
	}

	switch {
	case errors.Is(err, core.ErrTokenExpired):
		core.JSONError(w, core.TokenExpiredError())
	case errors.Is(err, core.ErrTokenRevoked):
		core.JSONError(w, core.TokenRevokedError())
	default:
		core.JSONError(w, core.TokenInvalidError())
	}
}

func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(SessionIDKey).(string); ok {
		return id
	}
	return ""
}

func GetClaims(ctx context.Context) *SessionClaims {
	if claims, ok := ctx.Value(ClaimsKey).(*SessionClaims); ok {
		return claims
	}
	return nil
}

func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(PrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

func GetUserID(ctx context.Context) string {
	if p := GetPrincipal(ctx); p != nil {
		return p.UserID
	}
	return ""
}

func GetUserTier(ctx context.Context) string {
	if p := GetPrincipal(ctx); p != nil {
		return p.Tier
	}
	return ""
}
