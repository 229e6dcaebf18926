package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/metascan/internal/scan"
	"github.com/Harvey-AU/metascan/internal/scanapi"
	"github.com/Harvey-AU/metascan/internal/testutil"
)

func TestHistoryRoundTripIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	url := testutil.DatabaseURL(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d, err := Open(ctx, DefaultConfig(url))
	require.NoError(t, err)
	defer d.Close()

	target := fmt.Sprintf("https://example.com/%s.png", uuid.NewString())
	results := []scan.ScanResult{
		scan.NotScannedResult("The request was rejected by the remote service."),
		scan.VerdictResult(scanapi.Stats{Harmless: 50, Malicious: 1}),
	}
	for i, result := range results {
		require.NoError(t, d.Record(ctx, scan.Record{
			ProcessID: uuid.NewString(),
			Kind:      "url",
			Target:    target,
			Result:    result,
			ScannedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}

	rows, err := d.RecentResults(ctx, target, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "unsafe", rows[0].Verdict)
	assert.True(t, rows[0].Result.Unsafe())
	assert.Equal(t, "failed", rows[1].Verdict)
	assert.False(t, rows[1].Result.Scanned)
}
