// AngelaMos | 2026
// handler.go

package user

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/erisrwa/portal/internal/core"
	"github.com/erisrwa/portal/internal/middleware"
)

// SessionRefresher re-reads the directory into a live session after its
// record changed underneath it.
type SessionRefresher interface {
	RefreshSession(ctx context.Context, sessionID string) error
}

type Handler struct {
	service   *Service
	sessions  SessionRefresher
	validator *validator.Validate
}

func NewHandler(service *Service, sessions SessionRefresher) *Handler {
	return &Handler{
		service:   service,
		sessions:  sessions,
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *Handler) RegisterRoutes(
	r chi.Router,
	authenticator, principal func(http.Handler) http.Handler,
) {
	r.Route("/users", func(r chi.Router) {
		r.Use(authenticator)
		r.Use(principal)
		r.Use(middleware.RequireResolved)

		r.Get("/me", h.GetMe)
		r.Put("/me", h.UpdateMe)
	})
}

func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if !p.External {
		core.NotFound(w, "directory profile")
		return
	}

	rec, err := h.service.GetByID(r.Context(), p.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	core.OK(w, ToUserResponse(rec))
}

func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if !p.External {
		core.Forbidden(w, "demo and manual accounts cannot be edited")
		return
	}

	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		core.BadRequest(w, core.FormatValidationError(err))
		return
	}

	rec, err := h.service.UpdateProfile(r.Context(), p.UserID, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if h.sessions != nil {
		sid := middleware.GetSessionID(r.Context())
		if err := h.sessions.RefreshSession(r.Context(), sid); err != nil {
			slog.Warn("session refresh after profile update failed",
				"error", err,
				"user_id", p.UserID,
			)
		}
	}

	core.OK(w, ToUserResponse(rec))
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		core.NotFound(w, "user")
	case errors.Is(err, core.ErrInvalidInput):
		core.BadRequest(w, err.Error())
	case errors.Is(err, core.ErrUnauthorized):
		core.Unauthorized(w, "authentication required")
	case errors.Is(err, ErrDirectory):
		core.JSONError(w, core.UpstreamError("user directory"))
	default:
		core.InternalServerError(w, err)
	}
}
