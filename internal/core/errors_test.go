// AngelaMos | 2026
// errors_test.go

package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantStatus int
		wantCode   string
		wantCause  error
		wantMsg    string
	}{
		{"not found", NotFoundError("user"), http.StatusNotFound, "NOT_FOUND", ErrNotFound, "user not found"},
		{"unauthorized default", UnauthorizedError(""), http.StatusUnauthorized, "UNAUTHORIZED", ErrUnauthorized, "authentication required"},
		{"forbidden default", ForbiddenError(""), http.StatusForbidden, "FORBIDDEN", ErrForbidden, "access denied"},
		{"forbidden custom", ForbiddenError("role required"), http.StatusForbidden, "FORBIDDEN", ErrForbidden, "role required"},
		{"conflict", ConflictError("already exists"), http.StatusConflict, "CONFLICT", ErrConflict, "already exists"},
		{"validation", ValidationError("bad role"), http.StatusBadRequest, "VALIDATION_ERROR", ErrInvalidInput, "bad role"},
		{"token expired", TokenExpiredError(), http.StatusUnauthorized, "TOKEN_EXPIRED", ErrTokenExpired, "token has expired"},
		{"token revoked", TokenRevokedError(), http.StatusUnauthorized, "TOKEN_REVOKED", ErrTokenRevoked, "token has been revoked"},
		{"token invalid", TokenInvalidError(), http.StatusUnauthorized, "TOKEN_INVALID", ErrTokenInvalid, "token is invalid"},
		{"upstream", UpstreamError("kyc service"), http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", ErrUpstream, "kyc service is unavailable"},
		{"rate limited", RateLimitedError(30), http.StatusTooManyRequests, "RATE_LIMITED", ErrRateLimited, "Rate limit exceeded. Retry after 30 seconds."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, tt.err.StatusCode)
			assert.Equal(t, tt.wantCode, tt.err.Code)
			assert.Equal(t, tt.wantMsg, tt.err.Message)
			assert.ErrorIs(t, tt.err, tt.wantCause)
		})
	}
}

func TestAsAppErrorThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("load profile: %w", NotFoundError("user"))

	appErr, ok := AsAppError(wrapped)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, appErr.StatusCode)
	assert.True(t, IsAppError(wrapped))
	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.Equal(t, "user not found: resource not found", appErr.Error())

	_, ok = AsAppError(errors.New("plain"))
	assert.False(t, ok)
	assert.False(t, IsAppError(nil))
}

func TestFormatValidationError(t *testing.T) {
	type input struct {
		Email string `validate:"required,email"`
		Role  string `validate:"oneof=investor asset_originator"`
		Name  string `validate:"min=2"`
	}

	err := validator.New().Struct(input{Role: "admin", Name: "a"})
	require.Error(t, err)

	assert.Equal(t,
		"email is required; role must be one of: investor asset_originator; name must be at least 2 characters",
		FormatValidationError(err),
	)
	assert.Equal(t, "boom", FormatValidationError(errors.New("boom")))
}
