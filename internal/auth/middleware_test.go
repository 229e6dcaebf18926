package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://auth.example.com/"
	testAudience = "metascan"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-1",
		"email": "user@example.com",
		"iss":   testIssuer,
		"aud":   testAudience,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
	}
}

func newTestValidator(key *rsa.PrivateKey) *Validator {
	return NewValidatorWithKeyfunc(Config{JWKSURL: "https://auth.example.com/jwks", Issuer: testIssuer, Audience: testAudience},
		func(token *jwt.Token) (any, error) {
			if token.Header["kid"] != "test-key" {
				return nil, errors.New("unknown kid")
			}
			return &key.PublicKey, nil
		})
}

func TestValidateToken(t *testing.T) {
	key := newKey(t)
	otherKey := newKey(t)
	v := newTestValidator(key)

	tests := []struct {
		name    string
		token   func() string
		wantErr error
	}{
		{
			name:  "valid",
			token: func() string { return signToken(t, key, validClaims()) },
		},
		{
			name: "expired",
			token: func() string {
				c := validClaims()
				c["exp"] = time.Now().Add(-time.Hour).Unix()
				return signToken(t, key, c)
			},
			wantErr: jwt.ErrTokenExpired,
		},
		{
			name: "missing expiry",
			token: func() string {
				c := validClaims()
				delete(c, "exp")
				return signToken(t, key, c)
			},
			wantErr: jwt.ErrTokenRequiredClaimMissing,
		},
		{
			name: "wrong issuer",
			token: func() string {
				c := validClaims()
				c["iss"] = "https://evil.example.com/"
				return signToken(t, key, c)
			},
			wantErr: jwt.ErrTokenInvalidIssuer,
		},
		{
			name: "wrong audience",
			token: func() string {
				c := validClaims()
				c["aud"] = "someone-else"
				return signToken(t, key, c)
			},
			wantErr: jwt.ErrTokenInvalidAudience,
		},
		{
			name:    "signed by another key",
			token:   func() string { return signToken(t, otherKey, validClaims()) },
			wantErr: jwt.ErrTokenSignatureInvalid,
		},
		{
			name: "hmac algorithm rejected",
			token: func() string {
				token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
				signed, err := token.SignedString([]byte("secret"))
				require.NoError(t, err)
				return signed
			},
			wantErr: jwt.ErrTokenSignatureInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.ValidateToken(context.Background(), tt.token())
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "user-1", claims.Subject)
			assert.Equal(t, "user@example.com", claims.Email)
		})
	}
}

func TestValidateTokenCanceledContext(t *testing.T) {
	key := newKey(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestValidator(key).ValidateToken(ctx, signToken(t, key, validClaims()))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer abc.def.ghi", "abc.def.ghi", false},
		{"missing", "", "", true},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "", true},
		{"empty token", "Bearer   ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMissingToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMiddleware(t *testing.T) {
	key := newKey(t)
	v := newTestValidator(key)

	var seen *Claims
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("valid token reaches handler", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
		r.Header.Set("Authorization", "Bearer "+signToken(t, key, validClaims()))
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusNoContent, w.Code)
		require.NotNil(t, seen)
		assert.Equal(t, "user-1", seen.Subject)
	})

	t.Run("missing header", func(t *testing.T) {
		w := httptest.NewRecorder()
		w.Header().Set("X-Request-ID", "req-1")
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/quota", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "UNAUTHORISED", body["code"])
		assert.Equal(t, "req-1", body["request_id"])
	})

	t.Run("expired token", func(t *testing.T) {
		c := validClaims()
		c["exp"] = time.Now().Add(-time.Minute).Unix()
		r := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
		r.Header.Set("Authorization", "Bearer "+signToken(t, key, c))
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "expired")
	})
}

func TestMiddlewareKeyLookupFailure(t *testing.T) {
	key := newKey(t)
	v := NewValidatorWithKeyfunc(Config{Issuer: testIssuer}, func(*jwt.Token) (any, error) {
		return nil, errors.New("jwks unavailable")
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, key, validClaims()))
	w := httptest.NewRecorder()

	Middleware(v)(http.NotFoundHandler()).ServeHTTP(w, r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "misconfigured")
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, (&Config{}).Validate())
	assert.Error(t, (&Config{JWKSURL: "ftp://x", Issuer: "i"}).Validate())
	assert.Error(t, (&Config{JWKSURL: "https://x/jwks"}).Validate())
	assert.NoError(t, (&Config{JWKSURL: "https://x/jwks", Issuer: "i"}).Validate())
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("AUTH_JWKS_URL", "")
	cfg, err := NewConfigFromEnv()
	require.NoError(t, err)
	assert.Nil(t, cfg)

	t.Setenv("AUTH_JWKS_URL", "https://auth.example.com/jwks")
	t.Setenv("AUTH_ISSUER", testIssuer)
	t.Setenv("AUTH_AUDIENCE", testAudience)
	cfg, err = NewConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, testAudience, cfg.Audience)
}
