package fetch

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MaxRetryAfter caps server-directed waits.
const MaxRetryAfter = 300 * time.Second

// RetryPolicy controls attempts and backoff for one call site.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	// JitterPercent spreads each delay uniformly by ±JitterPercent%.
	JitterPercent float64
}

// DefaultRetryPolicy returns 3 attempts starting at 1s, doubling to at most 10s
// with 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		Factor:        2,
		JitterPercent: 20,
	}
}

func (p RetryPolicy) normalised() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Factor <= 0 {
		p.Factor = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = p.BaseDelay
	}
	if p.JitterPercent < 0 {
		p.JitterPercent = 0
	}
	return p
}

// Delay returns min(BaseDelay * Factor^k, MaxDelay) without jitter. k is the
// zero-based index of the attempt that just failed.
func (p RetryPolicy) Delay(k int) time.Duration {
	if k < 0 {
		k = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(k))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Backoff applies symmetric jitter to Delay(k). rnd must return a value in
// [0, 1); the result is never negative.
func (p RetryPolicy) Backoff(k int, rnd func() float64) time.Duration {
	base := p.Delay(k)
	if p.JitterPercent == 0 || rnd == nil {
		return base
	}
	spread := float64(base) * p.JitterPercent / 100
	d := float64(base) + spread*(2*rnd()-1)
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// ParseRetryAfter reads a Retry-After value as integer seconds or an HTTP
// date. Dates in the past yield 0. Results are capped at MaxRetryAfter.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		if secs > int64(MaxRetryAfter/time.Second) {
			return MaxRetryAfter, true
		}
		return time.Duration(secs) * time.Second, true
	}

	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	d := at.Sub(now)
	if d < 0 {
		return 0, true
	}
	if d > MaxRetryAfter {
		return MaxRetryAfter, true
	}
	return d, true
}
