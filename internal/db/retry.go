package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// RetryConfig controls connection retries at startup.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig retries for roughly a minute.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     6,
		InitialInterval: 1 * time.Second,
		MaxInterval:     20 * time.Second,
		Multiplier:      2.0,
	}
}

// OpenWithRetry calls Open until it succeeds, a non-retryable error occurs,
// attempts run out or ctx is canceled.
func OpenWithRetry(ctx context.Context, cfg Config, retry RetryConfig) (*DB, error) {
	return connectWithRetry(ctx, retry, func() (*DB, error) { return Open(ctx, cfg) })
}

func connectWithRetry(ctx context.Context, retry RetryConfig, open func() (*DB, error)) (*DB, error) {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}

	var lastErr error
	backoff := retry.InitialInterval
	start := time.Now()

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		d, err := open()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Int("attempts", attempt).
					Dur("elapsed", time.Since(start)).
					Msg("Database connection established after retries")
			}
			return d, nil
		}
		lastErr = err

		if !isRetryableError(err) {
			log.Error().Err(err).Int("attempt", attempt).Msg("Database connection failed with non-retryable error")
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if attempt == retry.MaxAttempts {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", retry.MaxAttempts).
			Dur("retry_in", backoff).
			Msg("Database connection failed, retrying")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connection retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * retry.Multiplier)
		if retry.MaxInterval > 0 && backoff > retry.MaxInterval {
			backoff = retry.MaxInterval
		}
	}

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", retry.MaxAttempts, lastErr)
}

// isRetryableError separates infrastructure failures from configuration and
// data errors.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) < 2 {
			return true
		}
		switch pgErr.Code[:2] {
		case "08", "53", "57", "58":
			return true
		case "22", "23", "28", "3D", "42":
			return false
		default:
			return true
		}
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
