package scan

import (
	"fmt"

	"github.com/Harvey-AU/metascan/internal/scanapi"
)

// ScanResult is the terminal outcome of one scan. Build it with the
// constructors below; they enforce that an unsafe verdict always carries
// flagged statistics and that unscanned results never carry statistics.
type ScanResult struct {
	Scanned bool           `json:"scanned"`
	Safe    *bool          `json:"safe"`
	Stats   *scanapi.Stats `json:"stats,omitempty"`
	Error   string         `json:"error,omitempty"`
	Skipped bool           `json:"skipped,omitempty"`
}

// SkippedResult is returned when no credential is configured.
func SkippedResult() ScanResult {
	return mustValid(ScanResult{Scanned: false, Skipped: true})
}

// NotScannedResult reports a scan that could not be performed.
func NotScannedResult(message string) ScanResult {
	return mustValid(ScanResult{Scanned: false, Error: message})
}

// InconclusiveResult reports a scan that ran but produced no statistics.
func InconclusiveResult(message string) ScanResult {
	return mustValid(ScanResult{Scanned: true, Error: message})
}

// VerdictResult derives safety from stats.
func VerdictResult(stats scanapi.Stats) ScanResult {
	safe := !stats.Flagged()
	return mustValid(ScanResult{Scanned: true, Safe: &safe, Stats: &stats})
}

// Unsafe reports a definitive unsafe verdict.
func (r ScanResult) Unsafe() bool {
	return r.Safe != nil && !*r.Safe
}

// Failed reports a result that should stop a batch: not scanned for a reason
// other than skip mode, or judged unsafe.
func (r ScanResult) Failed() bool {
	return (!r.Scanned && !r.Skipped) || r.Unsafe()
}

// Verdict is a short label for logs and metrics.
func (r ScanResult) Verdict() string {
	switch {
	case r.Skipped:
		return "skipped"
	case !r.Scanned:
		return "failed"
	case r.Safe == nil:
		return "inconclusive"
	case *r.Safe:
		return "safe"
	default:
		return "unsafe"
	}
}

// Validate checks the result invariants.
func (r ScanResult) Validate() error {
	if r.Unsafe() && (r.Stats == nil || !r.Stats.Flagged()) {
		return fmt.Errorf("unsafe result without flagged stats")
	}
	if !r.Scanned && r.Stats != nil {
		return fmt.Errorf("unscanned result carries stats")
	}
	if !r.Scanned && r.Safe != nil {
		return fmt.Errorf("unscanned result carries a verdict")
	}
	return nil
}

func mustValid(r ScanResult) ScanResult {
	if err := r.Validate(); err != nil {
		panic(fmt.Sprintf("scan: invalid result: %v", err))
	}
	return r
}

// Item is one URL to scan in a batch, with where it came from.
type Item struct {
	URL   string `json:"url"`
	Field string `json:"field,omitempty"`
	Type  string `json:"type,omitempty"`
}

// BatchItem pairs an input item with its result.
type BatchItem struct {
	URL    string     `json:"url"`
	Field  string     `json:"field,omitempty"`
	Type   string     `json:"type,omitempty"`
	Result ScanResult `json:"result"`
}

// Options controls batch behaviour.
type Options struct {
	StopOnError bool `json:"stop_on_error"`
}

// DefaultOptions stops a batch at the first failed or unsafe result.
func DefaultOptions() Options {
	return Options{StopOnError: true}
}
