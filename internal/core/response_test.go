// AngelaMos | 2026
// response_test.go

package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestSuccessEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	OK(rec, map[string]string{"id": "did:privy:ada"})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, map[string]any{"id": "did:privy:ada"}, body["data"])
	assert.NotContains(t, body, "error")

	rec = httptest.NewRecorder()
	Created(rec, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	body = decodeEnvelope(t, rec)
	assert.NotContains(t, body, "data")

	rec = httptest.NewRecorder()
	NoContent(rec)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestJSONErrorMapsAppErrors(t *testing.T) {
	tests := []struct {
		name        string
		write       func(http.ResponseWriter)
		wantStatus  int
		wantCode    string
		wantMessage string
	}{
		{
			name:        "wrapped app error",
			write:       func(w http.ResponseWriter) { JSONError(w, fmt.Errorf("select role: %w", ConflictError("role already set"))) },
			wantStatus:  http.StatusConflict,
			wantCode:    "CONFLICT",
			wantMessage: "role already set",
		},
		{
			name:        "plain error is hidden",
			write:       func(w http.ResponseWriter) { JSONError(w, errors.New("pq: connection refused")) },
			wantStatus:  http.StatusInternalServerError,
			wantCode:    "INTERNAL_ERROR",
			wantMessage: "an unexpected error occurred",
		},
		{
			name:        "bad request",
			write:       func(w http.ResponseWriter) { BadRequest(w, "role is required") },
			wantStatus:  http.StatusBadRequest,
			wantCode:    "VALIDATION_ERROR",
			wantMessage: "role is required",
		},
		{
			name:        "unauthorized",
			write:       func(w http.ResponseWriter) { Unauthorized(w, "") },
			wantStatus:  http.StatusUnauthorized,
			wantCode:    "UNAUTHORIZED",
			wantMessage: "authentication required",
		},
		{
			name:        "forbidden",
			write:       func(w http.ResponseWriter) { Forbidden(w, "") },
			wantStatus:  http.StatusForbidden,
			wantCode:    "FORBIDDEN",
			wantMessage: "access denied",
		},
		{
			name:        "not found",
			write:       func(w http.ResponseWriter) { NotFound(w, "session") },
			wantStatus:  http.StatusNotFound,
			wantCode:    "NOT_FOUND",
			wantMessage: "session not found",
		},
		{
			name:        "conflict",
			write:       func(w http.ResponseWriter) { Conflict(w, "taken") },
			wantStatus:  http.StatusConflict,
			wantCode:    "CONFLICT",
			wantMessage: "taken",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)

			require.Equal(t, tt.wantStatus, rec.Code)
			body := decodeEnvelope(t, rec)
			assert.Equal(t, false, body["success"])
			assert.NotContains(t, body, "data")
			assert.Equal(t, map[string]any{
				"code":    tt.wantCode,
				"message": tt.wantMessage,
			}, body["error"])
		})
	}
}
