// Package fetch performs one logical HTTP operation with retries, backoff and
// server-directed delays. Every failure is returned as an *Error.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/Harvey-AU/metascan/internal/observability"
	"github.com/rs/zerolog/log"
)

// DefaultMaxBodyBytes bounds how much of a response body is read.
const DefaultMaxBodyBytes int64 = 10 << 20

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Limiter admits calls that count against a shared quota.
type Limiter interface {
	WaitForSlot(ctx context.Context) error
}

// Request describes one logical operation. It is replayed on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// GetBody produces a fresh body per attempt, for streamed multipart
	// uploads. It takes precedence over Body.
	GetBody func() (io.Reader, error)
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Err returns an API error for non-2xx responses.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	return &Error{
		Kind:       KindAPI,
		StatusCode: r.StatusCode,
		Attempts:   r.Attempts,
		Message:    http.StatusText(r.StatusCode),
	}
}

// Fetcher executes requests with a RetryPolicy.
type Fetcher struct {
	client       Doer
	limiter      Limiter
	maxBodyBytes int64
	userAgent    string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rnd   func() float64
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithLimiter makes every attempt wait for limiter admission first.
func WithLimiter(l Limiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// WithMaxBodyBytes bounds response bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBodyBytes = n
		}
	}
}

// WithUserAgent sets the User-Agent on requests that do not carry one.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// WithClock replaces time.Now for Retry-After date arithmetic.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// WithSleep replaces the context-aware sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = sleep }
}

// WithRand replaces the jitter source. It must return values in [0, 1).
func WithRand(rnd func() float64) Option {
	return func(f *Fetcher) { f.rnd = rnd }
}

// New creates a Fetcher. A nil client uses http.DefaultClient.
func New(client Doer, opts ...Option) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	f := &Fetcher{
		client:       client,
		maxBodyBytes: DefaultMaxBodyBytes,
		userAgent:    "metascan/1.0",
		now:          time.Now,
		sleep:        sleepContext,
		rnd:          rand.Float64,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Metered returns a copy of f that waits on l before every attempt.
func (f *Fetcher) Metered(l Limiter) *Fetcher {
	cp := *f
	cp.limiter = l
	return &cp
}

// Execute runs req until it succeeds, fails permanently or exhausts policy.
//
// 2xx and 4xx other than 429 return a Response with a nil error. Transport
// failures, 429 and 5xx are retried. Cancellation returns a KindAbort error
// without further attempts.
func (f *Fetcher) Execute(ctx context.Context, req Request, policy RetryPolicy) (*Response, error) {
	policy = policy.normalised()

	var lastErr *Error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, abortError(attempt, err)
		}

		if f.limiter != nil {
			if err := f.limiter.WaitForSlot(ctx); err != nil {
				return nil, abortError(attempt, err)
			}
		}

		n := attempt + 1
		resp, err := f.do(ctx, req)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				observability.RecordFetchAttempt(ctx, string(KindAbort))
				cause := ctx.Err()
				if cause == nil {
					cause = err
				}
				return nil, abortError(n, cause)
			}

			var fe *Error
			if errors.As(err, &fe) {
				// Request construction and oversized bodies are not retryable
				fe.Attempts = n
				observability.RecordFetchAttempt(ctx, string(fe.Kind))
				return nil, fe
			}

			observability.RecordFetchAttempt(ctx, string(KindNetwork))
			lastErr = &Error{Kind: KindNetwork, Attempts: n, Message: "request failed", Err: err}
			if n >= policy.MaxAttempts {
				return nil, lastErr
			}
			if err := f.backoff(ctx, policy, attempt, lastErr, -1); err != nil {
				return nil, abortError(n, err)
			}
			continue
		}
		resp.Attempts = n

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			observability.RecordFetchAttempt(ctx, string(KindRateLimit))
			lastErr = &Error{Kind: KindRateLimit, StatusCode: resp.StatusCode, Attempts: n, Message: "rate limited by upstream"}
			if n >= policy.MaxAttempts {
				return nil, lastErr
			}
			retryAfter, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), f.now())
			if !ok {
				retryAfter = -1
			}
			if err := f.backoff(ctx, policy, attempt, lastErr, retryAfter); err != nil {
				return nil, abortError(n, err)
			}

		case resp.StatusCode >= 500:
			observability.RecordFetchAttempt(ctx, string(KindServer))
			lastErr = &Error{Kind: KindServer, StatusCode: resp.StatusCode, Attempts: n, Message: http.StatusText(resp.StatusCode)}
			if n >= policy.MaxAttempts {
				return nil, lastErr
			}
			if err := f.backoff(ctx, policy, attempt, lastErr, -1); err != nil {
				return nil, abortError(n, err)
			}

		default:
			observability.RecordFetchAttempt(ctx, "ok")
			return resp, nil
		}
	}

	return nil, lastErr
}

// backoff sleeps before the next attempt. A non-negative override is used
// verbatim instead of the computed delay.
func (f *Fetcher) backoff(ctx context.Context, policy RetryPolicy, attempt int, cause *Error, override time.Duration) error {
	delay := override
	if delay < 0 {
		delay = policy.Backoff(attempt, f.rnd)
	}

	log.Debug().
		Str("kind", string(cause.Kind)).
		Int("status", cause.StatusCode).
		Int("attempt", attempt+1).
		Int("max_attempts", policy.MaxAttempts).
		Dur("retry_in", delay).
		Msg("Request failed, retrying")

	return f.sleep(ctx, delay)
}

func (f *Fetcher) do(ctx context.Context, r Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	switch {
	case r.GetBody != nil:
		b, err := r.GetBody()
		if err != nil {
			return nil, &Error{Kind: KindValidation, Message: "build request body", Err: err}
		}
		body = b
	case r.Body != nil:
		body = bytes.NewReader(r.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: "invalid request", Err: err}
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" && f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}

	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(data)) > f.maxBodyBytes {
		return nil, &Error{
			Kind:       KindParse,
			StatusCode: httpResp.StatusCode,
			Message:    fmt.Sprintf("response body exceeds %d bytes", f.maxBodyBytes),
		}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
