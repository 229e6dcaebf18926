// Package auth validates bearer JWTs against a JWKS endpoint.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/getsentry/sentry-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// ErrMissingToken is returned when no bearer token is present.
var ErrMissingToken = errors.New("missing or invalid Authorization header")

type contextKey string

const claimsKey contextKey = "auth_claims"

// Claims are the token claims made available to handlers.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Scope string `json:"scope,omitempty"`
}

// Validator checks tokens against a key set.
type Validator struct {
	keyfunc  jwt.Keyfunc
	issuer   string
	audience string
	now      func() time.Time
}

// NewValidator fetches the JWKS and keeps it refreshed in the background
// until ctx is canceled.
func NewValidator(ctx context.Context, cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	override := keyfunc.Override{
		Client:          &http.Client{Timeout: 5 * time.Second},
		HTTPTimeout:     5 * time.Second,
		RefreshInterval: 10 * time.Minute,
		RefreshErrorHandlerFunc: func(url string) func(ctx context.Context, err error) {
			return func(ctx context.Context, err error) {
				log.Error().Err(err).Str("jwks_url", url).Msg("JWKS refresh failed")
			}
		},
	}

	jwks, err := keyfunc.NewDefaultOverrideCtx(ctx, []string{cfg.JWKSURL}, override)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise JWKS: %w", err)
	}

	return NewValidatorWithKeyfunc(cfg, jwks.Keyfunc), nil
}

// NewValidatorWithKeyfunc uses kf to look up signing keys.
func NewValidatorWithKeyfunc(cfg Config, kf jwt.Keyfunc) *Validator {
	return &Validator{
		keyfunc:  kf,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      time.Now,
	}
}

// ValidateToken parses and verifies tokenString.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("request context cancelled: %w", err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Name, jwt.SigningMethodES256.Name}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// ExtractBearerToken reads the token from the Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

// Middleware rejects requests without a valid bearer token.
func Middleware(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := ExtractBearerToken(r)
			if err != nil {
				writeAuthError(w, "Missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := v.ValidateToken(r.Context(), tokenString)
			if err != nil {
				message, status := classify(err)
				log.Warn().Err(err).Str("path", r.URL.Path).Msg("JWT validation failed")
				writeAuthError(w, message, status)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// classify maps validation errors to responses. Bad signatures and key
// lookup failures are reported to Sentry.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Authentication token has expired", http.StatusUnauthorized
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		sentry.CaptureException(err)
		return "Invalid token signature", http.StatusUnauthorized
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("component", "auth")
			scope.SetLevel(sentry.LevelError)
			sentry.CaptureMessage("Authentication key lookup failed: " + err.Error())
		})
		return "Authentication service misconfigured", http.StatusInternalServerError
	default:
		return "Invalid authentication token", http.StatusUnauthorized
	}
}

// ClaimsFromContext returns the claims stored by Middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

// writeAuthError matches the API error envelope. The request id is read from
// the response header set by the request id middleware.
func writeAuthError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	code := "UNAUTHORISED"
	if status >= http.StatusInternalServerError {
		code = "INTERNAL_ERROR"
	}

	response := map[string]any{
		"status":     status,
		"message":    message,
		"code":       code,
		"request_id": w.Header().Get("X-Request-ID"),
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode auth error response")
	}
}
