package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.delays = append(s.delays, d)
	return nil
}

// statusSequence serves the given statuses in order, repeating the last one.
func statusSequence(t *testing.T, statuses []int, headers map[string]string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(atomic.AddInt32(&calls, 1)) - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(statuses[i])
		_, _ = w.Write([]byte("body"))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestFetcher(sleeper *recordingSleeper, opts ...Option) *Fetcher {
	base := []Option{
		WithSleep(sleeper.Sleep),
		WithRand(func() float64 { return 0.5 }),
	}
	return New(http.DefaultClient, append(base, opts...)...)
}

func TestExecuteSuccess(t *testing.T) {
	srv, calls := statusSequence(t, []int{http.StatusOK}, map[string]string{"Content-Type": "application/json"})
	sleeper := &recordingSleeper{}

	resp, err := newTestFetcher(sleeper).Execute(context.Background(), Request{URL: srv.URL}, DefaultRetryPolicy())

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body", string(resp.Body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, 1, resp.Attempts)
	assert.True(t, resp.OK())
	assert.NoError(t, resp.Err())
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.Empty(t, sleeper.delays)
}

func TestExecuteClientErrorIsNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv, calls := statusSequence(t, []int{status}, nil)
			sleeper := &recordingSleeper{}

			resp, err := newTestFetcher(sleeper).Execute(context.Background(), Request{URL: srv.URL}, DefaultRetryPolicy())

			require.NoError(t, err)
			assert.Equal(t, status, resp.StatusCode)
			assert.Equal(t, int32(1), atomic.LoadInt32(calls))

			apiErr := resp.Err()
			require.Error(t, apiErr)
			assert.True(t, errors.Is(apiErr, ErrAPI))
		})
	}
}

func TestExecuteServerErrorRetriesWithBackoff(t *testing.T) {
	srv, calls := statusSequence(t, []int{500, 502, 200}, nil)
	sleeper := &recordingSleeper{}

	resp, err := newTestFetcher(sleeper).Execute(context.Background(), Request{URL: srv.URL}, DefaultRetryPolicy())

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
}

func TestExecuteServerErrorExhausted(t *testing.T) {
	srv, calls := statusSequence(t, []int{503}, nil)
	sleeper := &recordingSleeper{}

	resp, err := newTestFetcher(sleeper).Execute(context.Background(), Request{URL: srv.URL}, DefaultRetryPolicy())

	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, errors.Is(err, ErrServer))

	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, KindServer, fe.Kind)
	assert.Equal(t, 503, fe.StatusCode)
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
	assert.Len(t, sleeper.delays, 2)
}

func TestExecuteRateLimitHonoursRetryAfter(t *testing.T) {
	srv, _ := statusSequence(t, []int{429, 200}, map[string]string{"Retry-After": "5"})
	sleeper := &recordingSleeper{}

	resp, err := newTestFetcher(sleeper).Execute(context.Background(), Request{URL: srv.URL}, DefaultRetryPolicy())

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []time.Duration{5000 * time.Millisecond}, sleeper.delays)
}

func TestExecuteRateLimitPastDateWaitsZero(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute).Format(http.TimeFormat)
	srv, _ := statusSequence(t, []int{429, 200}, map[string]string{"Retry-After": past})
	sleeper := &recordingSleeper{}

	f := newTestFetcher(sleeper, WithClock(func() time.Time { return now }))
	_, err := f.Execute(context.Background(), Request{URL: srv.URL}, DefaultRetryPolicy())

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{0}, sleeper.delays)
}

func TestExecuteRateLimitWithoutHeaderUsesBackoff(t *testing.T) {
	srv, _ := statusSequence(t, []int{429}, nil)
	sleeper := &recordingSleeper{}

	_, err := newTestFetcher(sleeper).Execute(context.Background(), Request{URL: srv.URL}, DefaultRetryPolicy())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, KindRateLimit, KindOf(err))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
}

func TestExecuteNetworkErrorRetriedThenReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	sleeper := &recordingSleeper{}
	_, err := newTestFetcher(sleeper).Execute(context.Background(), Request{URL: url}, DefaultRetryPolicy())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetwork))
	assert.Len(t, sleeper.delays, 2)
	assert.Equal(t, "Unable to reach the resource. Please try again later.", UserMessage(err))
}

func TestExecuteAlreadyCanceled(t *testing.T) {
	srv, calls := statusSequence(t, []int{200}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestFetcher(&recordingSleeper{}).Execute(ctx, Request{URL: srv.URL}, DefaultRetryPolicy())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAborted))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestExecuteCancelDuringBackoffStopsRetrying(t *testing.T) {
	srv, calls := statusSequence(t, []int{500}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	f := New(http.DefaultClient, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}))

	_, err := f.Execute(ctx, Request{URL: srv.URL}, DefaultRetryPolicy())

	require.Error(t, err)
	assert.Equal(t, KindAbort, KindOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestExecuteCancelDuringRequest(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sleeper := &recordingSleeper{}
	_, err := newTestFetcher(sleeper).Execute(ctx, Request{URL: srv.URL}, DefaultRetryPolicy())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAborted))
	assert.Empty(t, sleeper.delays)
}

type countingLimiter struct {
	calls int
	err   error
}

func (l *countingLimiter) WaitForSlot(ctx context.Context) error {
	l.calls++
	return l.err
}

func TestExecuteWaitsOnLimiterBeforeEveryAttempt(t *testing.T) {
	srv, _ := statusSequence(t, []int{500, 200}, nil)
	limiter := &countingLimiter{}

	f := newTestFetcher(&recordingSleeper{}).Metered(limiter)
	_, err := f.Execute(context.Background(), Request{URL: srv.URL}, DefaultRetryPolicy())

	require.NoError(t, err)
	assert.Equal(t, 2, limiter.calls)
}

func TestExecuteLimiterCancellation(t *testing.T) {
	srv, calls := statusSequence(t, []int{200}, nil)
	limiter := &countingLimiter{err: context.Canceled}

	f := newTestFetcher(&recordingSleeper{}, WithLimiter(limiter))
	_, err := f.Execute(context.Background(), Request{URL: srv.URL}, DefaultRetryPolicy())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAborted))
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestExecuteReplaysBodyOnRetry(t *testing.T) {
	var bodies []string
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req := Request{
		Method: http.MethodPost,
		URL:    srv.URL,
		Header: http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}},
		Body:   []byte("url=https%3A%2F%2Fexample.com"),
	}
	_, err := newTestFetcher(&recordingSleeper{}).Execute(context.Background(), req, DefaultRetryPolicy())

	require.NoError(t, err)
	assert.Equal(t, []string{"url=https%3A%2F%2Fexample.com", "url=https%3A%2F%2Fexample.com"}, bodies)
}

func TestExecuteBodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	f := newTestFetcher(&recordingSleeper{}, WithMaxBodyBytes(16))
	_, err := f.Execute(context.Background(), Request{URL: srv.URL}, DefaultRetryPolicy())

	require.Error(t, err)
	assert.Equal(t, KindParse, KindOf(err))
}

func TestExecuteInvalidURL(t *testing.T) {
	_, err := newTestFetcher(&recordingSleeper{}).Execute(context.Background(), Request{URL: "://bad"}, DefaultRetryPolicy())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Kind: KindServer, StatusCode: 502, Attempts: 3, Message: "Bad Gateway"}
	assert.Equal(t, "server: Bad Gateway (status 502) after 3 attempts", err.Error())
	assert.Equal(t, "The remote service is temporarily unavailable.", err.UserMessage())

	v := NewError(KindValidation, "Only HTTPS URLs are allowed", nil)
	assert.Equal(t, "Only HTTPS URLs are allowed", v.UserMessage())
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, "Something went wrong.", UserMessage(errors.New("plain")))
}
