package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/Harvey-AU/metascan/internal/fetch"
)

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorCode is a machine-readable error code.
type ErrorCode string

const (
	ErrCodeBadRequest       ErrorCode = "BAD_REQUEST"
	ErrCodeUnauthorised     ErrorCode = "UNAUTHORISED"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED"
	ErrCodeValidation       ErrorCode = "VALIDATION_ERROR"
	ErrCodePayloadTooLarge  ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrCodeRateLimit        ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeRequestCanceled  ErrorCode = "REQUEST_CANCELED"

	ErrCodeInternal      ErrorCode = "INTERNAL_ERROR"
	ErrCodeUpstream      ErrorCode = "UPSTREAM_ERROR"
	ErrCodeDatabaseError ErrorCode = "DATABASE_ERROR"
)

// WriteErrorMessage writes a fixed message.
func WriteErrorMessage(w http.ResponseWriter, r *http.Request, message string, status int, code ErrorCode) {
	logger := loggerWithRequest(r)
	logger.Warn().Int("status", status).Str("code", string(code)).Str("message", message).Msg("API error response")
	writeErrorResponse(w, r, message, status, code)
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, message string, status int, code ErrorCode) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := ErrorResponse{Status: status, Message: message, Code: string(code), RequestID: GetRequestID(r)}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger := loggerWithRequest(r)
		logger.Error().Err(err).Msg("Failed to encode error response")
	}
}

// WriteFetchError maps a fetch failure to a status and a user-safe message.
// Technical detail is logged; unexpected upstream failures go to Sentry.
func WriteFetchError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusBadGateway, ErrCodeUpstream
	switch fetch.KindOf(err) {
	case fetch.KindValidation:
		status, code = http.StatusBadRequest, ErrCodeValidation
	case fetch.KindRateLimit:
		TooManyRequests(w, r, fetch.UserMessage(err), 30*time.Second)
		return
	case fetch.KindAbort:
		status, code = http.StatusRequestTimeout, ErrCodeRequestCanceled
	case fetch.KindServer, fetch.KindParse:
		sentry.CaptureException(err)
	case "":
		sentry.CaptureException(err)
		status, code = http.StatusInternalServerError, ErrCodeInternal
	}

	logger := loggerWithRequest(r)
	logger.Error().Err(err).Str("kind", string(fetch.KindOf(err))).Int("status", status).Msg("Upstream operation failed")
	writeErrorResponse(w, r, fetch.UserMessage(err), status, code)
}

// BadRequest responds with 400.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusBadRequest, ErrCodeBadRequest)
}

// ValidationFailed responds with 400 and the validation reason.
func ValidationFailed(w http.ResponseWriter, r *http.Request, reason string) {
	WriteErrorMessage(w, r, reason, http.StatusBadRequest, ErrCodeValidation)
}

// NotFound responds with 404.
func NotFound(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusNotFound, ErrCodeNotFound)
}

// MethodNotAllowed responds with 405.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteErrorMessage(w, r, "Method not allowed", http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed)
}

// PayloadTooLarge responds with 413.
func PayloadTooLarge(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge)
}

// InternalError responds with 500 without exposing err.
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	sentry.CaptureException(err)
	logger := loggerWithRequest(r)
	logger.Error().Err(err).Msg("Internal error")
	writeErrorResponse(w, r, "Internal server error", http.StatusInternalServerError, ErrCodeInternal)
}

// DatabaseError responds with 500 for history store failures.
func DatabaseError(w http.ResponseWriter, r *http.Request, err error) {
	logger := loggerWithRequest(r)
	logger.Error().Err(err).Msg("Database error")
	writeErrorResponse(w, r, "Scan history is temporarily unavailable", http.StatusInternalServerError, ErrCodeDatabaseError)
}

// TooManyRequests responds with 429 and a Retry-After header.
func TooManyRequests(w http.ResponseWriter, r *http.Request, message string, retryAfter time.Duration) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds <= 0 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	WriteErrorMessage(w, r, message, http.StatusTooManyRequests, ErrCodeRateLimit)
}

func isMaxBytesError(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
