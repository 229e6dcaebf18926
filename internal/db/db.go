// Package db stores terminal scan verdicts in PostgreSQL.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/metascan/internal/util"
)

// DB wraps the history store connection pool.
type DB struct {
	client *sql.DB
	config Config
}

// Config holds PostgreSQL connection settings.
type Config struct {
	DatabaseURL      string
	MaxOpenConns     int
	MaxIdleConns     int
	MaxLifetime      time.Duration
	StatementTimeout time.Duration
}

// DefaultConfig returns pool settings sized for a single service instance.
func DefaultConfig(databaseURL string) Config {
	return Config{
		DatabaseURL:      databaseURL,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		MaxLifetime:      20 * time.Minute,
		StatementTimeout: 30 * time.Second,
	}
}

// Open connects, pings and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	dsn := withStatementTimeout(cfg.DatabaseURL, cfg.StatementTimeout)
	client, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		client.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		client.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetime > 0 {
		client.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	if err := client.PingContext(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	d := &DB{client: client, config: cfg}
	if err := d.EnsureSchema(ctx); err != nil {
		client.Close()
		return nil, err
	}

	log.Info().
		Str("database", util.RedactURL(cfg.DatabaseURL)).
		Int("max_open_conns", cfg.MaxOpenConns).
		Msg("Connected to scan history database")

	return d, nil
}

// NewWithClient wraps an existing connection. Used by tests.
func NewWithClient(client *sql.DB) *DB {
	return &DB{client: client}
}

// EnsureSchema creates the history table and its index.
func (d *DB) EnsureSchema(ctx context.Context) error {
	if _, err := d.client.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS scan_results (
			id BIGSERIAL PRIMARY KEY,
			process_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			target TEXT NOT NULL,
			analysis_id TEXT,
			scanned BOOLEAN NOT NULL,
			safe BOOLEAN,
			verdict TEXT NOT NULL,
			stats JSONB,
			error TEXT,
			scanned_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("failed to create scan_results table: %w", err)
	}

	if _, err := d.client.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_scan_results_target_time
		ON scan_results (target, scanned_at DESC)
	`); err != nil {
		return fmt.Errorf("failed to create scan_results index: %w", err)
	}

	return nil
}

// Ping checks connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.client.PingContext(ctx)
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.client.Close()
}

// withStatementTimeout appends statement_timeout to URL or key=value DSNs
// unless one is already present.
func withStatementTimeout(dsn string, timeout time.Duration) string {
	if dsn == "" || timeout <= 0 || strings.Contains(dsn, "statement_timeout") {
		return dsn
	}

	value := fmt.Sprintf("statement_timeout=%d", timeout.Milliseconds())
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if strings.Contains(dsn, "?") {
			return dsn + "&" + value
		}
		return dsn + "?" + value
	}
	return dsn + " " + value
}
