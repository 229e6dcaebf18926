package scanapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Harvey-AU/metascan/internal/fetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLimiter struct {
	calls int
}

func (l *countingLimiter) WaitForSlot(ctx context.Context) error {
	l.calls++
	return ctx.Err()
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

// newClientWithServer creates a client whose base URL is a test server.
func newClientWithServer(t *testing.T, handler http.HandlerFunc) (*Client, *countingLimiter) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	limiter := &countingLimiter{}
	f := fetch.New(server.Client(), fetch.WithSleep(noSleep))
	return New(server.URL, f, limiter), limiter
}

func TestSubmitURL_Success(t *testing.T) {
	client, limiter := newClientWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/urls", r.URL.Path)
		assert.Equal(t, "secret-key", r.Header.Get("x-apikey"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "https://example.com/a.png", r.PostForm.Get("url"))

		_, _ = w.Write([]byte(`{"data":{"type":"analysis","id":"u-abc-123"}}`))
	})

	sub, err := client.SubmitURL(context.Background(), "secret-key", "https://example.com/a.png")

	require.NoError(t, err)
	assert.Equal(t, "u-abc-123", sub.ID)
	assert.False(t, sub.Conflict)
	assert.Equal(t, 1, limiter.calls)
}

func TestSubmitURL_Conflict(t *testing.T) {
	payload := `{"error":{"code":"AlreadyExistsError","message":"exists","analysis_id":"x"}}`
	client, _ := newClientWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(payload))
	})

	sub, err := client.SubmitURL(context.Background(), "k", "https://example.com")

	require.NoError(t, err)
	assert.True(t, sub.Conflict)
	assert.Empty(t, sub.ID)
	assert.JSONEq(t, payload, string(sub.Raw))
}

func TestSubmitURL_Unauthorised(t *testing.T) {
	client, _ := newClientWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"WrongCredentialsError","message":"Wrong API key"}}`))
	})

	_, err := client.SubmitURL(context.Background(), "bad", "https://example.com")

	require.Error(t, err)
	var fe *fetch.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, fetch.KindAPI, fe.Kind)
	assert.Equal(t, http.StatusUnauthorized, fe.StatusCode)
	assert.Contains(t, fe.Message, "Wrong API key")
}

func TestSubmitURL_MalformedBody(t *testing.T) {
	client, _ := newClientWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})

	_, err := client.SubmitURL(context.Background(), "k", "https://example.com")

	require.Error(t, err)
	assert.ErrorIs(t, err, fetch.ErrParse)
}

func TestSubmitURL_RetriesAreLimiterAdmitted(t *testing.T) {
	calls := 0
	client, limiter := newClientWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"id":"id-2"}}`))
	})

	sub, err := client.SubmitURL(context.Background(), "k", "https://example.com")

	require.NoError(t, err)
	assert.Equal(t, "id-2", sub.ID)
	assert.Equal(t, 2, limiter.calls)
}

func TestSubmitFile_Multipart(t *testing.T) {
	client, _ := newClientWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		content, _ := io.ReadAll(file)

		assert.Equal(t, "image.png", header.Filename)
		assert.Equal(t, []byte{1, 2, 3}, content)
		_, _ = w.Write([]byte(`{"data":{"id":"f-1"}}`))
	})

	sub, err := client.SubmitFile(context.Background(), "k", "image.png", []byte{1, 2, 3})

	require.NoError(t, err)
	assert.Equal(t, "f-1", sub.ID)
}

func TestGetAnalysis_NotLimiterAdmitted(t *testing.T) {
	client, limiter := newClientWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyses/u-abc-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"id":"u-abc-1","attributes":{"status":"completed","stats":{"harmless":70,"malicious":1,"suspicious":0,"undetected":10,"timeout":2}}}}`))
	})

	a, err := client.GetAnalysis(context.Background(), "k", "u-abc-1")

	require.NoError(t, err)
	assert.Equal(t, 0, limiter.calls)
	assert.True(t, a.Completed())
	require.NotNil(t, a.Stats)
	assert.Equal(t, Stats{Harmless: 70, Malicious: 1, Undetected: 10, Timeout: 2}, *a.Stats)
	assert.True(t, a.Stats.Flagged())
}

func TestParseAnalysis(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus string
		wantStats  *Stats
	}{
		{
			name:       "queued without stats",
			body:       `{"data":{"attributes":{"status":"queued"}}}`,
			wantStatus: "queued",
		},
		{
			name:       "queued with stats",
			body:       `{"data":{"attributes":{"status":"queued","stats":{"malicious":0,"suspicious":0,"harmless":3}}}}`,
			wantStatus: "queued",
			wantStats:  &Stats{Harmless: 3},
		},
		{
			name:      "last analysis stats",
			body:      `{"data":{"attributes":{"last_analysis_stats":{"suspicious":2}}}}`,
			wantStats: &Stats{Suspicious: 2},
		},
		{
			name:       "top level stats",
			body:       `{"status":"completed","stats":{"undetected":5}}`,
			wantStatus: "completed",
			wantStats:  &Stats{Undetected: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseAnalysis("id", []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, a.Status)
			assert.Equal(t, tt.wantStats, a.Stats)
		})
	}

	_, err := ParseAnalysis("id", []byte("{"))
	assert.ErrorIs(t, err, fetch.ErrParse)
}

func TestGetQuota(t *testing.T) {
	client, limiter := newClientWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/my-key", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"attributes":{"quotas":{
			"api_requests_hourly":{"used":1,"allowed":240},
			"api_requests_daily":{"used":10,"allowed":500},
			"api_requests_monthly":{"used":100,"allowed":15500}}}}}`))
	})

	q, err := client.GetQuota(context.Background(), "my-key")

	require.NoError(t, err)
	assert.Equal(t, 1, limiter.calls)
	assert.Equal(t, QuotaUsage{Used: 1, Allowed: 240}, q.Hourly)
	assert.Equal(t, QuotaUsage{Used: 10, Allowed: 500}, q.Daily)
	assert.Equal(t, QuotaUsage{Used: 100, Allowed: 15500}, q.Monthly)
}

func TestGetQuotaNetworkErrorMasksCredential(t *testing.T) {
	const key = "SUPERSECRETKEY1234567890"

	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	f := fetch.New(&http.Client{Timeout: time.Second}, fetch.WithSleep(noSleep))
	client := New(baseURL, f, nil)

	_, err := client.GetQuota(context.Background(), key)

	require.Error(t, err)
	assert.ErrorIs(t, err, fetch.ErrNetwork)
	assert.NotContains(t, err.Error(), key)
	assert.Contains(t, err.Error(), "/users/****7890")
}

func TestNewDefaultsBaseURL(t *testing.T) {
	c := New("", nil, nil)
	assert.Equal(t, DefaultBaseURL, c.baseURL)

	c = New("https://scan.example.com/api/v3/", nil, nil)
	assert.Equal(t, "https://scan.example.com/api/v3", c.baseURL)
}
