// Package scan orchestrates URL and file scans and sequential batches.
package scan

import (
	"context"
	"time"

	"github.com/Harvey-AU/metascan/internal/analysis"
	"github.com/Harvey-AU/metascan/internal/observability"
	"github.com/Harvey-AU/metascan/internal/processlog"
	"github.com/Harvey-AU/metascan/internal/scanapi"
	"github.com/Harvey-AU/metascan/internal/urlguard"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Runner drives one submission to a terminal outcome.
type Runner interface {
	Run(ctx context.Context, credential string, sub analysis.Submission) analysis.Outcome
}

// QuotaReader reads the upstream quota.
type QuotaReader interface {
	GetQuota(ctx context.Context, credential string) (*scanapi.Quota, error)
}

// Record describes a finished scan for history and alerting.
type Record struct {
	ProcessID  string
	Kind       string
	Target     string
	AnalysisID string
	Result     ScanResult
	ScannedAt  time.Time
}

// Recorder stores finished scans.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Alerter is notified about unsafe verdicts.
type Alerter interface {
	AlertUnsafe(ctx context.Context, rec Record) error
}

// Service is the scan entry point.
type Service struct {
	runner   Runner
	quota    QuotaReader
	guard    *urlguard.Guard
	sink     processlog.Sink
	recorder Recorder
	alerter  Alerter

	newID func() string
	now   func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithSink sets the process-log sink.
func WithSink(sink processlog.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithRecorder stores every finished scan.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithAlerter notifies about unsafe verdicts.
func WithAlerter(a Alerter) Option {
	return func(s *Service) { s.alerter = a }
}

// WithGuard replaces the URL validator.
func WithGuard(g *urlguard.Guard) Option {
	return func(s *Service) { s.guard = g }
}

// NewService creates a Service. quota may be nil when quota reads are not
// needed.
func NewService(runner Runner, quota QuotaReader, opts ...Option) *Service {
	s := &Service{
		runner: runner,
		quota:  quota,
		guard:  urlguard.New(nil),
		sink:   processlog.Nop(),
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScanURL scans one URL. An empty credential skips the scan.
func (s *Service) ScanURL(ctx context.Context, rawURL, credential string) ScanResult {
	return s.scanURL(ctx, Item{URL: rawURL}, credential)
}

// ScanFile scans uploaded content. An empty credential skips the scan.
func (s *Service) ScanFile(ctx context.Context, name string, content []byte, credential string) ScanResult {
	id := s.newID()
	s.sink.Create(id, processlog.Meta{"kind": "file", "file_name": name, "size": len(content), "credential": credential})

	if credential == "" {
		return s.finishSkipped(id)
	}

	sub := analysis.Submission{FileName: name, Content: content}
	if content == nil {
		sub.Content = []byte{}
	}
	return s.run(ctx, id, "file", name, "", credential, sub)
}

// ScanMultipleURLs scans items strictly in order. With StopOnError it stops
// after the first failed or unsafe result. The results gathered so far are
// always returned. A canceled context stops the batch after the current item.
func (s *Service) ScanMultipleURLs(ctx context.Context, items []Item, credential string, opts Options) []BatchItem {
	batchID := s.newID()
	s.sink.Create(batchID, processlog.Meta{"kind": "batch", "items": len(items), "stop_on_error": opts.StopOnError})

	results := make([]BatchItem, 0, len(items))
	status := processlog.StatusSuccess

	for i, item := range items {
		if ctx.Err() != nil {
			s.sink.Log(batchID, processlog.LevelWarn, "Batch canceled", processlog.Meta{"completed": i})
			status = processlog.StatusWarning
			break
		}

		result := s.scanURL(ctx, item, credential)
		results = append(results, BatchItem{URL: item.URL, Field: item.Field, Type: item.Type, Result: result})

		if result.Failed() {
			status = processlog.StatusWarning
			if opts.StopOnError {
				s.sink.Log(batchID, processlog.LevelWarn, "Stopping batch after failed or unsafe result", processlog.Meta{
					"index": i,
					"url":   item.URL,
				})
				break
			}
		}
	}

	s.sink.Complete(batchID, status)
	return results
}

// Quota reads the upstream quota for credential.
func (s *Service) Quota(ctx context.Context, credential string) (*scanapi.Quota, error) {
	if s.quota == nil || credential == "" {
		return nil, nil
	}
	return s.quota.GetQuota(ctx, credential)
}

func (s *Service) scanURL(ctx context.Context, item Item, credential string) ScanResult {
	id := s.newID()
	s.sink.Create(id, processlog.Meta{"kind": "url", "url": item.URL, "field": item.Field, "credential": credential})

	if credential == "" {
		return s.finishSkipped(id)
	}

	v := s.guard.Validate(item.URL)
	if !v.Valid {
		s.sink.Log(id, processlog.LevelWarn, "URL rejected", processlog.Meta{"reason": v.Reason, "url": item.URL})
		result := NotScannedResult(v.Reason)
		s.finish(ctx, id, "url", item.URL, "", result)
		return result
	}

	return s.run(ctx, id, "url", v.ResolvedURL, item.Field, credential, analysis.Submission{URL: v.ResolvedURL})
}

func (s *Service) run(ctx context.Context, id, kind, target, field, credential string, sub analysis.Submission) ScanResult {
	ctx, span := observability.StartScanSpan(ctx, observability.ScanSpanInfo{ProcessID: id, Kind: kind, Field: field})
	defer span.End()

	start := s.now()
	s.sink.SetStatus(id, processlog.StatusRunning)
	s.sink.Log(id, processlog.LevelInfo, "Submitting for analysis", processlog.Meta{"target": target})

	out := s.runner.Run(ctx, credential, sub)

	var result ScanResult
	switch {
	case out.Job.Status == analysis.StatusFailed:
		meta := processlog.Meta{"analysis_id": out.Job.ID}
		if out.Err != nil {
			meta["error"] = out.Err.Error()
		}
		s.sink.Log(id, processlog.LevelError, "Scan failed", meta)
		result = NotScannedResult(out.Message)
	case out.Job.Stats == nil:
		s.sink.Log(id, processlog.LevelWarn, "Scan inconclusive", processlog.Meta{"analysis_id": out.Job.ID, "rounds": out.Job.Attempt})
		result = InconclusiveResult(out.Message)
	default:
		s.sink.Log(id, processlog.LevelInfo, "Scan completed", processlog.Meta{
			"analysis_id": out.Job.ID,
			"malicious":   out.Job.Stats.Malicious,
			"suspicious":  out.Job.Stats.Suspicious,
			"shared":      out.Shared,
		})
		result = VerdictResult(*out.Job.Stats)
	}

	observability.RecordScan(ctx, observability.ScanMetrics{
		Kind:     kind,
		Verdict:  result.Verdict(),
		Duration: s.now().Sub(start),
	})

	s.finish(ctx, id, kind, target, out.Job.ID, result)
	return result
}

func (s *Service) finishSkipped(id string) ScanResult {
	s.sink.Log(id, processlog.LevelInfo, "No scanning credential configured, skipping", nil)
	s.sink.Complete(id, processlog.StatusSkipped)
	return SkippedResult()
}

func (s *Service) finish(ctx context.Context, id, kind, target, analysisID string, result ScanResult) {
	status := processlog.StatusSuccess
	switch {
	case !result.Scanned || result.Unsafe():
		status = processlog.StatusError
	case result.Safe == nil:
		status = processlog.StatusWarning
	}
	s.sink.Complete(id, status)

	rec := Record{
		ProcessID:  id,
		Kind:       kind,
		Target:     target,
		AnalysisID: analysisID,
		Result:     result,
		ScannedAt:  s.now().UTC(),
	}

	if s.recorder != nil {
		if err := s.recorder.Record(ctx, rec); err != nil {
			log.Warn().Err(err).Str("process_id", id).Msg("Failed to record scan result")
		}
	}
	if s.alerter != nil && result.Unsafe() {
		if err := s.alerter.AlertUnsafe(ctx, rec); err != nil {
			log.Warn().Err(err).Str("process_id", id).Msg("Failed to send unsafe verdict alert")
		}
	}
}
