package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/metascan/internal/scan"
	"github.com/Harvey-AU/metascan/internal/scanapi"
)

func unsafeRecord() scan.Record {
	return scan.Record{
		ProcessID:  "proc-1",
		Kind:       "url",
		Target:     "https://example.com/a.png?apikey=abcdef123456",
		AnalysisID: "u-abc-1",
		Result:     scan.VerdictResult(scanapi.Stats{Harmless: 40, Malicious: 2, Suspicious: 1}),
		ScannedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewSlackNotifierWithoutURL(t *testing.T) {
	assert.Nil(t, NewSlackNotifier(""))
}

func TestAlertUnsafePostsWebhook(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	n := NewSlackNotifier(server.URL, WithAppURL("https://scan.example.com"))
	require.NoError(t, n.AlertUnsafe(context.Background(), unsafeRecord()))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Contains(t, payload["text"], "Unsafe url scan verdict")
	assert.NotContains(t, string(body), "abcdef123456")
	assert.Contains(t, string(body), "*Malicious:* 2")
	assert.Contains(t, string(body), "u-abc-1")
	assert.Contains(t, string(body), "https://scan.example.com/v1/history?target=")

	blocks, ok := payload["blocks"].([]any)
	require.True(t, ok)
	assert.Len(t, blocks, 4)
}

func TestAlertUnsafeWebhookFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	n := NewSlackNotifier(server.URL)
	err := n.AlertUnsafe(context.Background(), unsafeRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to post Slack alert")
}

func TestBuildBlocksWithoutOptionalParts(t *testing.T) {
	var got *slack.WebhookMessage
	n := NewSlackNotifier("https://hooks.example.com/x", WithPostFunc(func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		got = msg
		return nil
	}))

	rec := unsafeRecord()
	rec.AnalysisID = ""
	require.NoError(t, n.AlertUnsafe(context.Background(), rec))

	require.NotNil(t, got)
	require.NotNil(t, got.Blocks)
	// header, stats, context; no history link without an app URL
	assert.Len(t, got.Blocks.BlockSet, 3)
}

func TestAlertUnsafePostError(t *testing.T) {
	n := NewSlackNotifier("https://hooks.example.com/x", WithPostFunc(func(context.Context, string, *slack.WebhookMessage) error {
		return errors.New("boom")
	}))
	assert.Error(t, n.AlertUnsafe(context.Background(), unsafeRecord()))
}
