// AngelaMos | 2026
// handler.go

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/erisrwa/portal/internal/config"
	"github.com/erisrwa/portal/internal/core"
	"github.com/erisrwa/portal/internal/middleware"
	"github.com/erisrwa/portal/internal/user"
)

const (
	ServiceName     = "ErisRWA API"
	PersonaVersion  = "2023-01-05"
	AuthTokenCookie = "auth-token"

	defaultAssetLimit = 10
	maxAssetLimit     = 100
	isoMillis         = "2006-01-02T15:04:05.000Z07:00"
)

// KYCRecorder stores the outcome of a verification on the directory record.
type KYCRecorder interface {
	SetKYCStatus(ctx context.Context, id, status string) (*user.Record, error)
}

type SessionRefresher interface {
	RefreshSession(ctx context.Context, sid string) error
}

type Config struct {
	Upstream     config.UpstreamConfig
	Email        config.EmailConfig
	CookieSecure bool
}

type Handler struct {
	auth       *Upstream
	kyc        *Upstream
	rwa        *Upstream
	investment *Upstream

	apiKey     string
	personaKey string
	email      config.EmailConfig
	secure     bool

	mailer    Mailer
	kycStore  KYCRecorder
	sessions  SessionRefresher
	validator *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

func NewHandler(
	cfg Config,
	mailer Mailer,
	kycStore KYCRecorder,
	sessions SessionRefresher,
	logger *slog.Logger,
) *Handler {
	timeout := cfg.Upstream.Timeout

	return &Handler{
		auth:       NewUpstream("auth", cfg.Upstream.AuthURL, timeout),
		kyc:        NewUpstream("kyc", cfg.Upstream.KYCURL, timeout),
		rwa:        NewUpstream("rwa", cfg.Upstream.RWAURL, timeout),
		investment: NewUpstream("investment", cfg.Upstream.InvestmentURL, timeout),
		apiKey:     cfg.Upstream.APISecretKey,
		personaKey: cfg.Upstream.PersonaAPIKey,
		email:      cfg.Email,
		secure:     cfg.CookieSecure,
		mailer:     mailer,
		kycStore:   kycStore,
		sessions:   sessions,
		validator:  validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger,
		now:        time.Now,
	}
}

// RegisterRoutes mounts the pass-through endpoints. assetLimiter wraps the
// asset and investment routes, contactLimiter the contact form.
func (h *Handler) RegisterRoutes(
	r chi.Router,
	assetLimiter, contactLimiter func(http.Handler) http.Handler,
) {
	r.Get("/health", h.Health)
	r.Post("/auth/login", h.Login)
	r.Post("/kyc/verify", h.VerifyKYC)

	if contactLimiter != nil {
		r.With(contactLimiter).Post("/contact/send", h.SendContact)
	} else {
		r.Post("/contact/send", h.SendContact)
	}

	r.Route("/rwa", func(r chi.Router) {
		if assetLimiter != nil {
			r.Use(assetLimiter)
		}
		r.Get("/assets", h.ListAssets)
		r.Post("/{id}/invest", h.Invest)
	})
}

type errorBody struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
	Code    any    `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	core.JSON(w, status, errorBody{Error: msg})
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.ErrorContext(r.Context(), "proxy request failed",
		"op", op,
		"error", err,
	)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}

	if err := h.validator.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, core.FormatValidationError(err))
		return false
	}

	return true
}

// upstreamMessage picks the upstream's own message, falling back to def.
func upstreamMessage(reply *Reply, def string) (msg string, details, code any) {
	var body struct {
		Message string          `json:"message"`
		Errors  json.RawMessage `json:"errors"`
		Code    json.RawMessage `json:"code"`
	}
	if err := reply.Decode(&body); err != nil || body.Message == "" {
		body.Message = def
	}
	return body.Message, rawOrNil(body.Errors), rawOrNil(body.Code)
}

func rawOrNil(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	core.JSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": h.now().UTC().Format(isoMillis),
		"service":   ServiceName,
	})
}

type LoginRequest struct {
	Email    string `json:"email"    validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,max=128"`
	UserType string `json:"userType" validate:"omitempty,oneof=investor asset-originator originator rwa-project"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	reply, err := h.auth.Do(r.Context(), http.MethodPost, "/login", bearer(h.apiKey), req)
	if err != nil {
		h.internalError(w, r, "auth.login", err)
		return
	}

	if !reply.OK() {
		msg, _, _ := upstreamMessage(reply, "Authentication failed")
		writeError(w, reply.Status, msg)
		return
	}

	var out struct {
		User  json.RawMessage `json:"user"`
		Token string          `json:"token"`
	}
	if err := reply.Decode(&out); err != nil {
		h.internalError(w, r, "auth.login", err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AuthTokenCookie,
		Value:    out.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
	})

	core.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    out.User,
		"token":   out.Token,
	})
}

type KYCRequest struct {
	InquiryID string `json:"inquiryId" validate:"required,max=128"`
	UserID    string `json:"userId"    validate:"required,max=128"`
}

func (h *Handler) VerifyKYC(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		writeError(w, http.StatusUnauthorized, "Authorization required")
		return
	}

	var req KYCRequest
	if !h.decode(w, r, &req) {
		return
	}

	header := bearer(h.personaKey)
	header.Set("Persona-Version", PersonaVersion)

	reply, err := h.kyc.Do(r.Context(), http.MethodPost, "/verify", header, map[string]string{
		"inquiry_id": req.InquiryID,
		"user_id":    req.UserID,
	})
	if err != nil {
		h.internalError(w, r, "kyc.verify", err)
		return
	}

	if !reply.OK() {
		msg, details, _ := upstreamMessage(reply, "KYC verification failed")
		core.JSON(w, reply.Status, errorBody{Error: msg, Details: details})
		return
	}

	var out struct {
		Data struct {
			Attributes struct {
				Status      string  `json:"status"`
				NameFirst   string  `json:"name_first"`
				CompletedAt *string `json:"completed_at"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := reply.Decode(&out); err != nil {
		h.internalError(w, r, "kyc.verify", err)
		return
	}

	attrs := out.Data.Attributes
	level := "pending"
	if attrs.NameFirst != "" {
		level = "verified"
	}

	h.recordKYC(r.Context(), req.UserID, attrs.Status)

	core.JSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"status":            attrs.Status,
		"verificationLevel": level,
		"completedAt":       attrs.CompletedAt,
	})
}

// recordKYC copies a verification outcome onto the caller's own directory
// record. Only externally authenticated sessions have one.
func (h *Handler) recordKYC(ctx context.Context, userID, inquiryStatus string) {
	p := middleware.GetPrincipal(ctx)
	if p == nil || !p.External || p.UserID != userID || h.kycStore == nil {
		return
	}

	status := KYCStatusFromInquiry(inquiryStatus)
	if _, err := h.kycStore.SetKYCStatus(ctx, p.UserID, status); err != nil {
		h.logger.WarnContext(ctx, "record kyc status failed",
			"user_id", p.UserID,
			"error", err,
		)
		return
	}

	if h.sessions == nil {
		return
	}
	if err := h.sessions.RefreshSession(ctx, middleware.GetSessionID(ctx)); err != nil {
		h.logger.WarnContext(ctx, "refresh session after kyc failed", "error", err)
	}
}

// KYCStatusFromInquiry maps a Persona inquiry status onto the directory's
// kyc states.
func KYCStatusFromInquiry(status string) string {
	switch strings.ToLower(status) {
	case "approved", "completed":
		return user.KYCApproved
	case "declined", "failed", "expired":
		return user.KYCRejected
	default:
		return user.KYCPending
	}
}

func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, ok := intParam(q.Get("limit"), defaultAssetLimit)
	if !ok || limit < 1 || limit > maxAssetLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}
	offset, ok := intParam(q.Get("offset"), 0)
	if !ok || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	forward := url.Values{}
	forward.Set("category", q.Get("category"))
	forward.Set("limit", strconv.Itoa(limit))
	forward.Set("offset", strconv.Itoa(offset))

	path := "/assets?" + forward.Encode()
	reply, err := h.rwa.Do(r.Context(), http.MethodGet, path, bearer(h.apiKey), nil)
	if err != nil {
		h.internalError(w, r, "rwa.assets", err)
		return
	}

	if !reply.OK() {
		msg, _, _ := upstreamMessage(reply, "Failed to fetch assets")
		writeError(w, reply.Status, msg)
		return
	}

	var out struct {
		Assets  json.RawMessage `json:"assets"`
		Total   json.RawMessage `json:"total"`
		HasMore bool            `json:"hasMore"`
	}
	if err := reply.Decode(&out); err != nil {
		h.internalError(w, r, "rwa.assets", err)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	core.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"assets":  out.Assets,
		"total":   out.Total,
		"pagination": map[string]any{
			"limit":   limit,
			"offset":  offset,
			"hasMore": out.HasMore,
		},
	})
}

type InvestRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod" validate:"required,max=64"`
}

func (h *Handler) Invest(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		if c, err := r.Cookie(AuthTokenCookie); err == nil && c.Value != "" {
			auth = "Bearer " + c.Value
		}
	}
	if auth == "" {
		writeError(w, http.StatusUnauthorized, "Authorization required")
		return
	}

	p := middleware.GetPrincipal(r.Context())
	if p == nil || p.Role != string(user.RoleInvestor) {
		writeError(w, http.StatusForbidden, "An investor session is required")
		return
	}

	var req InvestRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be greater than zero")
		return
	}

	header := http.Header{}
	header.Set("Authorization", auth)
	header.Set("X-API-Key", h.apiKey)

	reply, err := h.investment.Do(r.Context(), http.MethodPost, "/invest", header, map[string]any{
		"assetId":       chi.URLParam(r, "id"),
		"amount":        json.Number(req.Amount.String()),
		"paymentMethod": req.PaymentMethod,
		"timestamp":     h.now().UTC().Format(isoMillis),
	})
	if err != nil {
		h.internalError(w, r, "investment.invest", err)
		return
	}

	if !reply.OK() {
		msg, _, code := upstreamMessage(reply, "Investment failed")
		core.JSON(w, reply.Status, errorBody{Error: msg, Code: code})
		return
	}

	var out struct {
		Investment    json.RawMessage `json:"investment"`
		TransactionID json.RawMessage `json:"transactionId"`
		NFTDetails    json.RawMessage `json:"nftDetails"`
	}
	if err := reply.Decode(&out); err != nil {
		h.internalError(w, r, "investment.invest", err)
		return
	}

	core.JSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"investment":    out.Investment,
		"transactionId": out.TransactionID,
		"nftDetails":    out.NFTDetails,
	})
}

type ContactRequest struct {
	Name     string `json:"name"     validate:"required,max=200"`
	Email    string `json:"email"    validate:"required,email,max=255"`
	Company  string `json:"company"  validate:"max=200"`
	UserType string `json:"userType" validate:"omitempty,oneof=investor originator general"`
	Subject  string `json:"subject"  validate:"required,max=300"`
	Message  string `json:"message"  validate:"required,max=10000"`
	Phone    string `json:"phone"    validate:"max=50"`
}

var inquiryTemplates = map[string]string{
	"investor":   "Investor Inquiry",
	"originator": "Asset Originator Inquiry",
	"general":    "General Inquiry",
}

func (h *Handler) SendContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserType == "" {
		req.UserType = "general"
	}

	in := inquiry{
		Template:    inquiryTemplates[req.UserType],
		Name:        req.Name,
		Email:       req.Email,
		Company:     req.Company,
		Phone:       req.Phone,
		UserType:    strings.ToUpper(req.UserType[:1]) + req.UserType[1:],
		Subject:     req.Subject,
		Message:     req.Message,
		SubmittedAt: h.now().UTC().Format(time.RFC1123),
	}

	teamHTML, err := render(teamTemplate, in)
	if err != nil {
		h.internalError(w, r, "contact.render", err)
		return
	}

	ctx := r.Context()
	teamID, err := h.mailer.Send(ctx, Email{
		From:    h.email.From,
		To:      h.email.TeamRecipients,
		ReplyTo: req.Email,
		Subject: "[" + in.Template + "] " + req.Subject,
		HTML:    teamHTML,
		Text:    plainText(in),
		Tags: []Tag{
			{Name: "category", Value: "contact-form"},
			{Name: "user-type", Value: req.UserType},
		},
	})
	if errors.Is(err, ErrMailerNotConfigured) {
		h.logger.ErrorContext(ctx, "contact form mailer not configured")
		writeError(w, http.StatusInternalServerError, "Server configuration error: RESEND_API_KEY not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "send team email failed", "error", err)
		core.JSON(w, http.StatusInternalServerError, errorBody{
			Error:   "Failed to send email to team. Please try again later.",
			Details: err.Error(),
		})
		return
	}

	var confirmationID string
	if confirmationHTML, renderErr := render(confirmationTemplate, in); renderErr != nil {
		h.logger.WarnContext(ctx, "render confirmation email failed", "error", renderErr)
	} else {
		confirmationID, err = h.mailer.Send(ctx, Email{
			From:    h.email.ConfirmationFrom,
			To:      []string{req.Email},
			Subject: "Thank you for contacting ErisRWA - We'll be in touch soon!",
			HTML:    confirmationHTML,
			Tags:    []Tag{{Name: "category", Value: "auto-reply"}},
		})
		if err != nil {
			h.logger.WarnContext(ctx, "send confirmation email failed", "error", err)
		}
	}

	resp := map[string]any{
		"success":     true,
		"message":     "Email sent successfully",
		"teamEmailId": teamID,
		"timestamp":   h.now().UTC().Format(isoMillis),
	}
	if confirmationID != "" {
		resp["confirmationEmailId"] = confirmationID
	}
	core.JSON(w, http.StatusOK, resp)
}

func intParam(raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}
