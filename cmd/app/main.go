package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/metascan/internal/analysis"
	"github.com/Harvey-AU/metascan/internal/api"
	"github.com/Harvey-AU/metascan/internal/auth"
	"github.com/Harvey-AU/metascan/internal/db"
	"github.com/Harvey-AU/metascan/internal/fetch"
	"github.com/Harvey-AU/metascan/internal/notifications"
	"github.com/Harvey-AU/metascan/internal/observability"
	"github.com/Harvey-AU/metascan/internal/processlog"
	"github.com/Harvey-AU/metascan/internal/ratelimit"
	"github.com/Harvey-AU/metascan/internal/resolver"
	"github.com/Harvey-AU/metascan/internal/scan"
	"github.com/Harvey-AU/metascan/internal/scanapi"
	"github.com/Harvey-AU/metascan/internal/urlguard"
)

const serviceName = "metascan"

// Config holds the application configuration loaded from environment variables
type Config struct {
	Port      string // HTTP port to listen on
	Env       string // Environment (development/production)
	SentryDSN string // Sentry DSN for error tracking
	LogLevel  string // Log level (debug, info, warn, error)

	ScanAPIKey     string // Fallback credential when requests carry none
	ScanAPIBaseURL string // Upstream scanning API base URL

	RateLimitMaxRequests int  // Upstream admissions per window
	RateLimitWindowMS    int  // Upstream window length in milliseconds
	RateLimitStrict      bool // Admit upstream waiters one at a time in arrival order

	APIRatePerSecond int // Per-IP request rate for this API
	APIBurst         int // Per-IP burst for this API

	DatabaseURL     string // Optional Postgres URL for scan history
	SlackWebhookURL string // Optional webhook for unsafe verdict alerts
	AppURL          string // Public base URL used in alert links

	ObservabilityEnabled bool   // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr          string // Address for Prometheus metrics endpoint (":9464" style)
	OTLPEndpoint         string // OTLP HTTP endpoint for trace export
	OTLPHeaders          string // Comma separated headers for OTLP exporter
	OTLPInsecure         bool   // Disable TLS verification for OTLP exporter
}

func loadConfig() *Config {
	return &Config{
		Port:                 getEnvWithDefault("PORT", "8080"),
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		ScanAPIKey:           os.Getenv("SCAN_API_KEY"),
		ScanAPIBaseURL:       os.Getenv("SCAN_API_BASE_URL"),
		RateLimitMaxRequests: getEnvInt("RATE_LIMIT_MAX_REQUESTS", 4),
		RateLimitWindowMS:    getEnvInt("RATE_LIMIT_WINDOW_MS", 60000),
		RateLimitStrict:      getEnvWithDefault("RATE_LIMIT_STRICT", "false") == "true",
		APIRatePerSecond:     getEnvInt("API_RATE_LIMIT_RPS", 20),
		APIBurst:             getEnvInt("API_RATE_LIMIT_BURST", 10),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		SlackWebhookURL:      os.Getenv("SLACK_WEBHOOK_URL"),
		AppURL:               os.Getenv("APP_URL"),
		ObservabilityEnabled: getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:          getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
	}
}

func main() {
	// Load .env files - .env.local takes priority for development
	_ = godotenv.Load(".env.local", ".env")

	config := loadConfig()
	setupLogging(config)

	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1
				}
				return 1.0
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var obsProviders *observability.Providers
	if config.ObservabilityEnabled {
		var err error
		obsProviders, err = observability.Init(context.Background(), observability.Config{
			Enabled:      true,
			ServiceName:  serviceName,
			Environment:  config.Env,
			OTLPEndpoint: strings.TrimSpace(config.OTLPEndpoint),
			OTLPHeaders:  parseOTLPHeaders(config.OTLPHeaders),
			OTLPInsecure: config.OTLPInsecure,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()

			if metricsSrv := startMetricsServer(config, obsProviders); metricsSrv != nil {
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
					}
				}()
			}
		}
	}

	// Canceled on shutdown; stops the JWKS refresh and in-flight scans.
	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	handler, cleanup, err := buildHandler(appCtx, config, obsProviders)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to initialise service")
	}
	defer cleanup()

	server := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	go func() {
		<-stop
		log.Info().Msg("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		cancelApp()

		close(done)
	}()

	log.Info().
		Str("port", config.Port).
		Str("version", api.Version).
		Bool("default_credential", config.ScanAPIKey != "").
		Msg("Starting server")

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done
	log.Info().Msg("Server stopped")
}

func startMetricsServer(config *Config, prov *observability.Providers) *http.Server {
	if prov.MetricsHandler == nil || config.MetricsAddr == "" {
		return nil
	}

	srv := &http.Server{
		Addr:              config.MetricsAddr,
		Handler:           prov.MetricsHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return srv
}

// buildHandler wires the scanning pipeline and returns the full middleware
// stack. cleanup releases the history store.
func buildHandler(ctx context.Context, config *Config, prov *observability.Providers) (http.Handler, func(), error) {
	cleanup := func() {}

	window := ratelimit.New(ratelimit.Config{
		MaxRequests: config.RateLimitMaxRequests,
		Window:      time.Duration(config.RateLimitWindowMS) * time.Millisecond,
		Strict:      config.RateLimitStrict,
	})

	httpClient := &http.Client{
		Timeout:   60 * time.Second,
		Transport: observability.WrapTransport(urlguard.NewSafeTransport(), prov),
	}
	fetcher := fetch.New(httpClient)

	res := resolver.New(fetcher, resolver.DefaultConfig())
	client := scanapi.New(config.ScanAPIBaseURL, fetcher, window)
	poller := analysis.NewPoller(client, analysis.DefaultConfig())

	processes := processlog.NewMemory(200)
	opts := []scan.Option{
		scan.WithSink(processlog.Multi{processlog.Default(), processes}),
		scan.WithGuard(res.Guard()),
	}

	var history api.HistoryStore
	if config.DatabaseURL != "" {
		pgDB, err := db.OpenWithRetry(ctx, db.DefaultConfig(config.DatabaseURL), db.DefaultRetryConfig())
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to open scan history: %w", err)
		}
		cleanup = func() {
			if err := pgDB.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close database")
			}
		}
		opts = append(opts, scan.WithRecorder(pgDB))
		history = pgDB
	} else {
		log.Info().Msg("DATABASE_URL not set, scan history disabled")
	}

	if notifier := notifications.NewSlackNotifier(config.SlackWebhookURL, notifications.WithAppURL(config.AppURL)); notifier != nil {
		opts = append(opts, scan.WithAlerter(notifier))
		log.Info().Msg("Slack alerts enabled for unsafe verdicts")
	}

	authConfig, err := auth.NewConfigFromEnv()
	if err != nil {
		return nil, cleanup, err
	}
	var validator *auth.Validator
	if authConfig != nil {
		validator, err = auth.NewValidator(ctx, *authConfig)
		if err != nil {
			return nil, cleanup, err
		}
		log.Info().Str("issuer", authConfig.Issuer).Msg("Bearer authentication enabled")
	}

	service := scan.NewService(poller, client, opts...)

	mux := http.NewServeMux()
	api.NewHandler(api.Dependencies{
		Guard:             res.Guard(),
		Resolver:          res,
		Scanner:           service,
		Slots:             window,
		History:           history,
		Processes:         processes,
		Auth:              validator,
		DefaultCredential: config.ScanAPIKey,
	}).SetupRoutes(mux)

	limiter := api.NewIPRateLimiter(float64(config.APIRatePerSecond), config.APIBurst)

	// Add middleware in reverse order (outermost last)
	var handler http.Handler = limiter.Middleware(mux)
	handler = api.RecoveryMiddleware(handler)
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)
	handler = api.SecurityHeadersMiddleware(handler)
	handler = api.CORSMiddleware(handler)
	handler = observability.WrapHandler(handler, prov)

	return handler, cleanup, nil
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}

	return result
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}

	return headers
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", serviceName).
			Logger()
	}
}
