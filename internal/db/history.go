package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Harvey-AU/metascan/internal/scan"
	"github.com/Harvey-AU/metascan/internal/scanapi"
	"github.com/Harvey-AU/metascan/internal/util"
)

// DefaultHistoryLimit caps RecentResults when no limit is given.
const DefaultHistoryLimit = 50

// StoredResult is one row of scan history.
type StoredResult struct {
	ID         int64           `json:"id"`
	ProcessID  string          `json:"process_id"`
	Kind       string          `json:"kind"`
	Target     string          `json:"target"`
	AnalysisID string          `json:"analysis_id,omitempty"`
	Verdict    string          `json:"verdict"`
	Result     scan.ScanResult `json:"result"`
	ScannedAt  time.Time       `json:"scanned_at"`
}

// Record stores a terminal scan result. Targets are stored with secrets
// masked.
func (d *DB) Record(ctx context.Context, rec scan.Record) error {
	var stats any
	if rec.Result.Stats != nil {
		encoded, err := json.Marshal(rec.Result.Stats)
		if err != nil {
			return fmt.Errorf("failed to encode stats: %w", err)
		}
		stats = encoded
	}

	scannedAt := rec.ScannedAt
	if scannedAt.IsZero() {
		scannedAt = time.Now().UTC()
	}

	_, err := d.client.ExecContext(ctx, `
		INSERT INTO scan_results (process_id, kind, target, analysis_id, scanned, safe, verdict, stats, error, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		rec.ProcessID,
		rec.Kind,
		util.RedactURL(rec.Target),
		nullString(rec.AnalysisID),
		rec.Result.Scanned,
		nullBool(rec.Result.Safe),
		rec.Result.Verdict(),
		stats,
		nullString(rec.Result.Error),
		scannedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert scan result: %w", err)
	}
	return nil
}

// RecentResults returns the newest results, optionally for one target.
func (d *DB) RecentResults(ctx context.Context, target string, limit int) ([]StoredResult, error) {
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}

	rows, err := d.client.QueryContext(ctx, `
		SELECT id, process_id, kind, target, analysis_id, scanned, safe, verdict, stats, error, scanned_at
		FROM scan_results
		WHERE ($1 = '' OR target = $1)
		ORDER BY scanned_at DESC
		LIMIT $2
	`, util.RedactURL(target), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan results: %w", err)
	}
	defer rows.Close()

	results := []StoredResult{}
	for rows.Next() {
		var (
			r          StoredResult
			analysisID sql.NullString
			scanned    bool
			safe       sql.NullBool
			stats      []byte
			errMsg     sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ProcessID, &r.Kind, &r.Target, &analysisID, &scanned, &safe, &r.Verdict, &stats, &errMsg, &r.ScannedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		r.AnalysisID = analysisID.String

		result, err := rebuildResult(scanned, stats, errMsg.String)
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", r.ID, err)
		}
		r.Result = result
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scan results: %w", err)
	}

	return results, nil
}

// rebuildResult goes through the scan constructors so stored rows obey the
// same invariants as live results. safe is derived from stats.
func rebuildResult(scanned bool, stats []byte, errMsg string) (scan.ScanResult, error) {
	if !scanned {
		return scan.NotScannedResult(errMsg), nil
	}
	if len(stats) == 0 {
		return scan.InconclusiveResult(errMsg), nil
	}

	var s scanapi.Stats
	if err := json.Unmarshal(stats, &s); err != nil {
		return scan.ScanResult{}, fmt.Errorf("failed to decode stats: %w", err)
	}
	return scan.VerdictResult(s), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
