// Package analysis drives one scan job from submission to a verdict.
package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Harvey-AU/metascan/internal/fetch"
	"github.com/Harvey-AU/metascan/internal/scanapi"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// User-visible outcome messages.
const (
	MsgConflictUnrecoverable = "Scan conflict: could not recover existing analysis id"
	MsgNoResults             = "Analysis did not produce results in time"
)

// ErrNoResults marks a job that completed polling without statistics.
var ErrNoResults = errors.New("analysis produced no statistics")

// ErrConflictUnrecoverable marks a 409 whose payload held no usable id.
var ErrConflictUnrecoverable = errors.New("conflict payload has no analysis id")

// Status is the job lifecycle state.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusPolling   Status = "polling"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is owned by a single run and never persisted.
type Job struct {
	ID       string
	Status   Status
	Attempt  int
	Interval time.Duration
	Stats    *scanapi.Stats
}

// Config controls the poll schedule.
type Config struct {
	MaxRounds       int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultConfig polls up to 6 times starting at 5s, doubling to at most 30s.
func DefaultConfig() Config {
	return Config{
		MaxRounds:       6,
		InitialInterval: 5 * time.Second,
		MaxInterval:     30 * time.Second,
	}
}

// API is the upstream surface the poller needs. *scanapi.Client satisfies it.
type API interface {
	SubmitURL(ctx context.Context, credential, target string) (*scanapi.Submission, error)
	SubmitFile(ctx context.Context, credential, name string, content []byte) (*scanapi.Submission, error)
	GetAnalysis(ctx context.Context, credential, id string) (*scanapi.Analysis, error)
}

// Submission is either a URL or a file.
type Submission struct {
	URL      string
	FileName string
	Content  []byte
}

// IsFile reports whether the submission is an upload.
func (s Submission) IsFile() bool {
	return s.Content != nil
}

// Key identifies equivalent submissions for deduplication.
func (s Submission) Key() string {
	if s.IsFile() {
		sum := sha256.Sum256(s.Content)
		return "file:" + hex.EncodeToString(sum[:])
	}
	return "url:" + s.URL
}

// Outcome is the terminal result of a run.
type Outcome struct {
	Job  Job
	Safe *bool
	// Err is set for failed jobs and for completed jobs without statistics.
	Err error
	// Message is safe to show to users when Err is set.
	Message string
	// Shared is set when the result came from another caller's in-flight run.
	Shared bool
}

// Poller runs submissions against the upstream API.
type Poller struct {
	api   API
	cfg   Config
	group singleflight.Group
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a Poller. Zero config fields fall back to DefaultConfig.
func NewPoller(api API, cfg Config) *Poller {
	def := DefaultConfig()
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}

	return &Poller{
		api:   api,
		cfg:   cfg,
		sleep: sleepContext,
	}
}

// Run submits sub and polls it to a terminal state. Concurrent runs for the
// same submission and credential share one upstream job.
func (p *Poller) Run(ctx context.Context, credential string, sub Submission) Outcome {
	key := credentialKey(credential) + "|" + sub.Key()

	for {
		ch := p.group.DoChan(key, func() (any, error) {
			return p.run(ctx, credential, sub), nil
		})

		select {
		case <-ctx.Done():
			return aborted(Job{Status: StatusFailed}, ctx.Err())
		case res := <-ch:
			out := res.Val.(Outcome)
			out.Shared = res.Shared

			// Another caller's cancellation must not end this caller's scan
			if res.Shared && errors.Is(out.Err, fetch.ErrAborted) && ctx.Err() == nil {
				continue
			}
			return out
		}
	}
}

func (p *Poller) run(ctx context.Context, credential string, sub Submission) Outcome {
	span := sentry.StartSpan(ctx, "analysis.run")
	defer span.Finish()
	ctx = span.Context()

	job := Job{Status: StatusSubmitted}

	var (
		submission *scanapi.Submission
		err        error
	)
	if sub.IsFile() {
		submission, err = p.api.SubmitFile(ctx, credential, sub.FileName, sub.Content)
	} else {
		submission, err = p.api.SubmitURL(ctx, credential, sub.URL)
	}
	if err != nil {
		log.Warn().Err(err).Str("kind", string(fetch.KindOf(err))).Msg("Scan submission failed")
		return failed(job, err, fetch.UserMessage(err))
	}

	job.ID = submission.ID
	if submission.Conflict {
		job.ID = RecoverAnalysisID(submission.Raw)
		if job.ID == "" {
			log.Warn().Msg("Scan conflict without a recoverable analysis id")
			return failed(job, ErrConflictUnrecoverable, MsgConflictUnrecoverable)
		}
		log.Info().Str("analysis_id", job.ID).Msg("Recovered existing analysis from conflict")
	}

	job.Status = StatusPolling
	job.Interval = p.cfg.InitialInterval

	var lastErr error
	for job.Attempt < p.cfg.MaxRounds {
		job.Attempt++

		analysis, err := p.api.GetAnalysis(ctx, credential, job.ID)
		switch {
		case errors.Is(err, fetch.ErrAborted):
			return aborted(job, err)
		case err != nil:
			lastErr = err
			log.Warn().
				Err(err).
				Str("analysis_id", job.ID).
				Int("round", job.Attempt).
				Msg("Analysis poll failed")
		default:
			lastErr = nil
			if analysis.Stats != nil {
				// Usable statistics end polling even before the job reports completed
				job.Stats = analysis.Stats
				return p.evaluate(ctx, job)
			}
			if analysis.Completed() {
				return p.evaluate(ctx, job)
			}
		}

		if job.Attempt >= p.cfg.MaxRounds {
			break
		}

		log.Debug().
			Str("analysis_id", job.ID).
			Int("round", job.Attempt).
			Dur("next_poll", job.Interval).
			Msg("Analysis not ready")

		if err := p.sleep(ctx, job.Interval); err != nil {
			return aborted(job, err)
		}
		job.Interval = min(job.Interval*2, p.cfg.MaxInterval)
	}

	if lastErr != nil {
		log.Warn().Err(lastErr).Str("analysis_id", job.ID).Msg("Polling ended on an error")
	}
	return p.evaluate(ctx, job)
}

func (p *Poller) evaluate(ctx context.Context, job Job) Outcome {
	job.Status = StatusCompleted

	if job.Stats == nil {
		log.Warn().Str("analysis_id", job.ID).Int("rounds", job.Attempt).Msg("Analysis finished without statistics")
		return Outcome{Job: job, Err: ErrNoResults, Message: MsgNoResults}
	}

	safe := !job.Stats.Flagged()
	if !safe {
		log.Warn().
			Str("event", "unsafe_verdict").
			Str("analysis_id", job.ID).
			Int("malicious", job.Stats.Malicious).
			Int("suspicious", job.Stats.Suspicious).
			Msg("Scan flagged resource as unsafe")

		hub := sentry.GetHubFromContext(ctx)
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("event", "unsafe_verdict")
			scope.SetExtra("analysis_id", job.ID)
			scope.SetExtra("malicious", job.Stats.Malicious)
			scope.SetExtra("suspicious", job.Stats.Suspicious)
			hub.CaptureMessage("Unsafe scan verdict")
		})
	}

	return Outcome{Job: job, Safe: &safe}
}

func failed(job Job, err error, message string) Outcome {
	job.Status = StatusFailed
	return Outcome{Job: job, Err: err, Message: message}
}

func aborted(job Job, cause error) Outcome {
	err := cause
	if !errors.Is(cause, fetch.ErrAborted) {
		err = &fetch.Error{Kind: fetch.KindAbort, Attempts: job.Attempt, Message: "scan canceled", Err: cause}
	}
	return failed(job, err, fetch.UserMessage(err))
}

// credentialKey keeps raw credentials out of the singleflight map.
func credentialKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return fmt.Sprintf("%x", sum[:8])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
