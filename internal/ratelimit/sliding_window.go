// Package ratelimit enforces the scanning API quota across every caller in the
// process.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/Harvey-AU/metascan/internal/observability"
	"github.com/rs/zerolog/log"
)

// Config controls the sliding window.
type Config struct {
	// MaxRequests is the number of admissions allowed inside any Window.
	MaxRequests int
	Window      time.Duration
	// Buffer is added to every computed wait so the oldest stamp has
	// definitely left the window when the waiter re-checks.
	Buffer time.Duration
	// Strict admits waiters one at a time in arrival order.
	Strict bool
}

// DefaultConfig matches the public scanning API tier: 4 requests per minute.
func DefaultConfig() Config {
	return Config{
		MaxRequests: 4,
		Window:      60 * time.Second,
		Buffer:      100 * time.Millisecond,
	}
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customises a SlidingWindow.
type Option func(*SlidingWindow)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(w *SlidingWindow) { w.now = now }
}

// WithSleep replaces the context-aware sleep.
func WithSleep(sleep SleepFunc) Option {
	return func(w *SlidingWindow) { w.sleep = sleep }
}

// SlidingWindow admits at most MaxRequests calls in any rolling Window.
// A single instance is shared by every scan in the process.
type SlidingWindow struct {
	cfg Config

	mu     sync.Mutex
	stamps []time.Time

	// turn is held by the waiter currently allowed to claim a slot in
	// strict mode. Blocked senders are queued in arrival order.
	turn chan struct{}

	now   func() time.Time
	sleep SleepFunc
}

// New creates a SlidingWindow. Non-positive values fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *SlidingWindow {
	def := DefaultConfig()
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}

	w := &SlidingWindow{
		cfg:    cfg,
		stamps: make([]time.Time, 0, cfg.MaxRequests),
		turn:   make(chan struct{}, 1),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Config returns the active configuration.
func (w *SlidingWindow) Config() Config {
	return w.cfg
}

// WaitForSlot blocks until the caller may issue one request, then records the
// admission. It returns ctx.Err() if the context ends first; a canceled waiter
// never consumes a slot.
func (w *SlidingWindow) WaitForSlot(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if w.cfg.Strict {
		select {
		case w.turn <- struct{}{}:
			defer func() { <-w.turn }()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	start := w.now()
	for {
		w.mu.Lock()
		now := w.now()
		w.prune(now)

		if len(w.stamps) < w.cfg.MaxRequests {
			w.stamps = append(w.stamps, now)
			w.mu.Unlock()

			if waited := now.Sub(start); waited > 0 {
				observability.RecordLimiterWait(ctx, waited)
			}
			return nil
		}

		wait := w.cfg.Window - now.Sub(w.stamps[0]) + w.cfg.Buffer
		w.mu.Unlock()

		log.Debug().
			Dur("wait", wait).
			Int("max_requests", w.cfg.MaxRequests).
			Msg("Scan quota exhausted, waiting for slot")

		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Remaining returns the number of admissions available right now.
func (w *SlidingWindow) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(w.now())
	return w.cfg.MaxRequests - len(w.stamps)
}

// prune drops stamps that have left the window. Caller holds mu.
func (w *SlidingWindow) prune(now time.Time) {
	cut := 0
	for cut < len(w.stamps) && now.Sub(w.stamps[cut]) >= w.cfg.Window {
		cut++
	}
	if cut > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[cut:]...)
	}
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
