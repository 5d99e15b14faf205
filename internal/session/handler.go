// AngelaMos | 2026
// handler.go

package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/erisrwa/portal/internal/config"
	"github.com/erisrwa/portal/internal/core"
	"github.com/erisrwa/portal/internal/identity"
	"github.com/erisrwa/portal/internal/middleware"
	"github.com/erisrwa/portal/internal/user"
)

type Handler struct {
	manager   *Manager
	tokens    *TokenManager
	cfg       config.SessionConfig
	origins   []string
	validator *validator.Validate
	logger    *slog.Logger
}

func NewHandler(
	manager *Manager,
	tokens *TokenManager,
	cfg config.SessionConfig,
	allowedOrigins []string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		manager:   manager,
		tokens:    tokens,
		cfg:       cfg,
		origins:   allowedOrigins,
		validator: validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
	}
}

func (h *Handler) RegisterRoutes(
	r chi.Router,
	authenticator func(http.Handler) http.Handler,
) {
	r.Route("/session", func(r chi.Router) {
		r.Post("/", h.Create)

		r.Group(func(r chi.Router) {
			r.Use(authenticator)

			r.Get("/", h.Get)
			r.Post("/identity", h.ConnectIdentity)
			r.Delete("/identity", h.DisconnectIdentity)
			r.Post("/demo", h.LoginDemo)
			r.Post("/login", h.LoginManual)
			r.Post("/role", h.SelectRole)
			r.Post("/logout", h.Logout)
			r.Get("/ws", h.Stream)
		})
	})
}

type SessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	State     State     `json:"state"`
}

type ConnectRequest struct {
	Credential string `json:"credential" validate:"required,max=8192"`
}

type RoleRequest struct {
	Role string `json:"role" validate:"required"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	token, claims, err := h.tokens.Issue()
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	res, err := h.manager.Get(r.Context(), claims.SessionID)
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	h.setCookie(w, token, claims.ExpiresAt)

	core.Created(w, SessionResponse{
		Token:     token,
		ExpiresAt: claims.ExpiresAt,
		State:     res.State(),
	})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, res *Resolver) (State, error) {
		return res.Refresh(ctx)
	})
}

func (h *Handler) ConnectIdentity(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.respond(w, r, func(ctx context.Context, res *Resolver) (State, error) {
		return res.Connect(ctx, req.Credential)
	})
}

func (h *Handler) DisconnectIdentity(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, res *Resolver) (State, error) {
		return res.Disconnect(ctx)
	})
}

func (h *Handler) LoginDemo(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if !h.decode(w, r, &req) {
		return
	}

	role, err := user.ParseRole(req.Role)
	if err != nil {
		core.BadRequest(w, err.Error())
		return
	}

	h.respond(w, r, func(ctx context.Context, res *Resolver) (State, error) {
		return res.LoginDemo(ctx, role)
	})
}

func (h *Handler) LoginManual(w http.ResponseWriter, r *http.Request) {
	var creds ManualCredentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		core.BadRequest(w, "invalid request body")
		return
	}

	h.respond(w, r, func(ctx context.Context, res *Resolver) (State, error) {
		return res.LoginManual(ctx, creds)
	})
}

func (h *Handler) SelectRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if !h.decode(w, r, &req) {
		return
	}

	role, err := user.ParseRole(req.Role)
	if err != nil {
		core.BadRequest(w, err.Error())
		return
	}

	h.respond(w, r, func(ctx context.Context, res *Resolver) (State, error) {
		return res.SelectRole(ctx, role)
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := middleware.GetSessionID(ctx)

	st, ok := h.withResolver(w, r, func(ctx context.Context, res *Resolver) (State, error) {
		return res.Logout(ctx)
	})
	if !ok {
		return
	}

	if err := h.tokens.Revoke(ctx, middleware.GetClaims(ctx)); err != nil {
		h.logger.WarnContext(ctx, "revoke session token failed",
			"session_id", sid,
			"error", err,
		)
	}
	h.manager.Drop(sid)
	h.clearCookie(w)

	core.OK(w, st)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		core.BadRequest(w, "invalid request body")
		return false
	}

	if err := h.validator.Struct(dst); err != nil {
		core.BadRequest(w, core.FormatValidationError(err))
		return false
	}

	return true
}

func (h *Handler) respond(
	w http.ResponseWriter,
	r *http.Request,
	op func(context.Context, *Resolver) (State, error),
) {
	if st, ok := h.withResolver(w, r, op); ok {
		core.OK(w, st)
	}
}

// withResolver runs op against the caller's resolver. A resolver evicted
// between lookup and use is fetched again once.
func (h *Handler) withResolver(
	w http.ResponseWriter,
	r *http.Request,
	op func(context.Context, *Resolver) (State, error),
) (State, bool) {
	ctx := r.Context()
	sid := middleware.GetSessionID(ctx)

	var (
		st  State
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		var res *Resolver
		res, err = h.manager.Get(ctx, sid)
		if err != nil {
			break
		}

		st, err = op(ctx, res)
		if !errors.Is(err, ErrDisposed) {
			break
		}
	}

	if err != nil {
		writeError(w, err)
		return State{}, false
	}
	return st, true
}

func writeError(w http.ResponseWriter, err error) {
	var (
		verr *ValidationError
		perr *identity.Error
	)

	switch {
	case errors.As(err, &verr):
		core.JSONError(w, core.ValidationError(verr.Error()))
	case errors.Is(err, ErrUnauthenticated):
		core.Unauthorized(w, "connect a wallet or account first")
	case errors.Is(err, ErrRoleNotPending):
		core.Conflict(w, "session is not waiting for a role")
	case errors.Is(err, user.ErrRoleConflict):
		core.Conflict(w, "a different role is already on file")
	case errors.Is(err, user.ErrDirectory):
		core.JSONError(w, core.UpstreamError("user directory"))
	case errors.As(err, &perr):
		writeProviderError(w, perr)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		core.JSONError(w, core.NewAppError(err, "request cancelled", http.StatusServiceUnavailable, "CANCELLED"))
	default:
		core.InternalServerError(w, err)
	}
}

func writeProviderError(w http.ResponseWriter, err *identity.Error) {
	switch {
	case errors.Is(err, identity.ErrProviderUnavailable):
		core.JSONError(w, core.NewAppError(
			err,
			"no identity provider is configured",
			http.StatusNotImplemented,
			"PROVIDER_UNAVAILABLE",
		))
	case errors.Is(err, core.ErrTokenRevoked):
		core.JSONError(w, core.TokenRevokedError())
	case errors.Is(err, core.ErrTokenExpired):
		core.JSONError(w, core.TokenExpiredError())
	case errors.Is(err, identity.ErrInvalidCredential):
		core.JSONError(w, core.UnauthorizedError("identity credential rejected"))
	default:
		core.JSONError(w, core.UpstreamError("identity provider"))
	}
}

func (h *Handler) setCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	if h.cfg.CookieName == "" {
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter) {
	if h.cfg.CookieName == "" {
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
