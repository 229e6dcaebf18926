package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/metascan/internal/fetch"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name       string
		write      func(http.ResponseWriter, *http.Request)
		wantStatus int
		wantCode   ErrorCode
		wantMsg    string
	}{
		{
			name:       "bad_request",
			write:      func(w http.ResponseWriter, r *http.Request) { BadRequest(w, r, "Invalid JSON request body") },
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeBadRequest,
			wantMsg:    "Invalid JSON request body",
		},
		{
			name:       "validation_failed",
			write:      func(w http.ResponseWriter, r *http.Request) { ValidationFailed(w, r, "Blocked URL scheme: javascript") },
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeValidation,
			wantMsg:    "Blocked URL scheme: javascript",
		},
		{
			name:       "not_found",
			write:      func(w http.ResponseWriter, r *http.Request) { NotFound(w, r, "Scan history is not enabled") },
			wantStatus: http.StatusNotFound,
			wantCode:   ErrCodeNotFound,
			wantMsg:    "Scan history is not enabled",
		},
		{
			name:       "method_not_allowed",
			write:      MethodNotAllowed,
			wantStatus: http.StatusMethodNotAllowed,
			wantCode:   ErrCodeMethodNotAllowed,
			wantMsg:    "Method not allowed",
		},
		{
			name:       "payload_too_large",
			write:      func(w http.ResponseWriter, r *http.Request) { PayloadTooLarge(w, r, "too big") },
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   ErrCodePayloadTooLarge,
			wantMsg:    "too big",
		},
		{
			name:       "internal_error_hides_detail",
			write:      func(w http.ResponseWriter, r *http.Request) { InternalError(w, r, errors.New("nil map write")) },
			wantStatus: http.StatusInternalServerError,
			wantCode:   ErrCodeInternal,
			wantMsg:    "Internal server error",
		},
		{
			name:       "database_error_hides_detail",
			write:      func(w http.ResponseWriter, r *http.Request) { DatabaseError(w, r, errors.New("connection refused")) },
			wantStatus: http.StatusInternalServerError,
			wantCode:   ErrCodeDatabaseError,
			wantMsg:    "Scan history is temporarily unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w, httptest.NewRequest(http.MethodGet, "/test", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			resp := decodeError(t, w)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, string(tt.wantCode), resp.Code)
			assert.Equal(t, tt.wantMsg, resp.Message)
		})
	}
}

func TestTooManyRequests(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter time.Duration
		want       string
	}{
		{"rounds_up", 1500 * time.Millisecond, "2"},
		{"minimum_one_second", 0, "1"},
		{"whole_seconds", 30 * time.Second, "30"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			TooManyRequests(w, httptest.NewRequest(http.MethodGet, "/", nil), "slow down", tt.retryAfter)

			assert.Equal(t, http.StatusTooManyRequests, w.Code)
			assert.Equal(t, tt.want, w.Header().Get("Retry-After"))
			assert.Equal(t, string(ErrCodeRateLimit), decodeError(t, w).Code)
		})
	}
}

func TestWriteFetchError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   ErrorCode
		wantMsg    string
	}{
		{
			name:       "validation_keeps_reason",
			err:        fetch.NewError(fetch.KindValidation, "URL must use HTTPS", nil),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeValidation,
			wantMsg:    "URL must use HTTPS",
		},
		{
			name:       "rate_limit",
			err:        fetch.NewError(fetch.KindRateLimit, "upstream 429", nil),
			wantStatus: http.StatusTooManyRequests,
			wantCode:   ErrCodeRateLimit,
			wantMsg:    "The scanning service is busy. Please try again shortly.",
		},
		{
			name:       "abort",
			err:        fetch.NewError(fetch.KindAbort, "operation canceled", nil),
			wantStatus: http.StatusRequestTimeout,
			wantCode:   ErrCodeRequestCanceled,
			wantMsg:    "The operation was canceled.",
		},
		{
			name:       "network_is_upstream",
			err:        fmt.Errorf("resolve: %w", fetch.NewError(fetch.KindNetwork, "dial tcp: connection refused", nil)),
			wantStatus: http.StatusBadGateway,
			wantCode:   ErrCodeUpstream,
			wantMsg:    "Unable to reach the resource. Please try again later.",
		},
		{
			name:       "server_is_upstream",
			err:        fetch.NewError(fetch.KindServer, "status 503", nil),
			wantStatus: http.StatusBadGateway,
			wantCode:   ErrCodeUpstream,
			wantMsg:    "The remote service is temporarily unavailable.",
		},
		{
			name:       "unknown_error_is_internal",
			err:        errors.New("secret internal detail"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   ErrCodeInternal,
			wantMsg:    "Something went wrong.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteFetchError(w, httptest.NewRequest(http.MethodPost, "/v1/resolve", nil), tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, string(tt.wantCode), resp.Code)
			assert.Equal(t, tt.wantMsg, resp.Message)
			assert.NotContains(t, w.Body.String(), "secret internal detail")
		})
	}
}
