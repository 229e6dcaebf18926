// Command scan validates, resolves and scans a single target from the
// terminal. Results are printed as JSON.
//
// Usage:
//
//	go run ./cmd/scan -target ipfs://<cid>/1.json -mode metadata
//
// SCAN_API_KEY is read from the environment or a .env file when -key is not
// given.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/metascan/internal/analysis"
	"github.com/Harvey-AU/metascan/internal/fetch"
	"github.com/Harvey-AU/metascan/internal/metadata"
	"github.com/Harvey-AU/metascan/internal/processlog"
	"github.com/Harvey-AU/metascan/internal/ratelimit"
	"github.com/Harvey-AU/metascan/internal/resolver"
	"github.com/Harvey-AU/metascan/internal/scan"
	"github.com/Harvey-AU/metascan/internal/scanapi"
	"github.com/Harvey-AU/metascan/internal/urlguard"
)

const (
	modeValidate = "validate"
	modeResolve  = "resolve"
	modeScan     = "scan"
	modeMetadata = "metadata"
)

// Args are the parsed command-line arguments.
type Args struct {
	Target      string
	Mode        string
	Kind        string
	Credential  string
	BaseURL     string
	StopOnError bool
	Verbose     bool
}

// parseArgs does not read os.Args so it can be driven from tests.
func parseArgs(args []string) (*Args, error) {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var a Args
	fs.StringVar(&a.Target, "target", "", "URL or ipfs:// URI to process (required)")
	fs.StringVar(&a.Mode, "mode", modeMetadata, "validate|resolve|scan|metadata")
	fs.StringVar(&a.Kind, "kind", string(resolver.KindMetadata), "resource kind for resolve: metadata|image|animation|other")
	fs.StringVar(&a.Credential, "key", "", "scanning API key (defaults to SCAN_API_KEY)")
	fs.StringVar(&a.BaseURL, "api", "", "scanning API base URL (defaults to SCAN_API_BASE_URL)")
	fs.BoolVar(&a.StopOnError, "stop-on-error", true, "stop a metadata scan at the first failed or unsafe result")
	fs.BoolVar(&a.Verbose, "v", false, "log progress to stderr")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	a.Target = strings.TrimSpace(a.Target)
	if a.Target == "" && fs.NArg() > 0 {
		a.Target = strings.TrimSpace(fs.Arg(0))
	}
	if a.Target == "" {
		return nil, errors.New("missing required -target argument")
	}

	switch a.Mode {
	case modeValidate, modeResolve, modeScan, modeMetadata:
	default:
		return nil, fmt.Errorf("unknown mode %q", a.Mode)
	}

	if a.Credential == "" {
		a.Credential = os.Getenv("SCAN_API_KEY")
	}
	if a.BaseURL == "" {
		a.BaseURL = os.Getenv("SCAN_API_BASE_URL")
	}
	return &a, nil
}

func main() {
	_ = godotenv.Load(".env.local", ".env")

	args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "scan:", err)
		os.Exit(2)
	}

	level := zerolog.WarnLevel
	if args.Verbose {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, args, newPipeline(args), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "scan:", fetch.UserMessage(err))
		log.Debug().Err(err).Msg("Run failed")
		os.Exit(1)
	}
}

// pipeline is the subset of the service the CLI drives.
type pipeline struct {
	guard    *urlguard.Guard
	resolver interface {
		Resolve(ctx context.Context, v urlguard.ValidationResult, kind resolver.Kind) (*resolver.Resource, error)
	}
	scanner interface {
		ScanURL(ctx context.Context, rawURL, credential string) scan.ScanResult
		ScanMultipleURLs(ctx context.Context, items []scan.Item, credential string, opts scan.Options) []scan.BatchItem
	}
}

func newPipeline(args *Args) *pipeline {
	fetcher := fetch.New(&http.Client{Timeout: 60 * time.Second, Transport: urlguard.NewSafeTransport()})
	res := resolver.New(fetcher, resolver.DefaultConfig())
	client := scanapi.New(args.BaseURL, fetcher, ratelimit.New(ratelimit.DefaultConfig()))

	service := scan.NewService(
		analysis.NewPoller(client, analysis.DefaultConfig()),
		client,
		scan.WithSink(processlog.Default()),
		scan.WithGuard(res.Guard()),
	)
	return &pipeline{guard: res.Guard(), resolver: res, scanner: service}
}

type metadataOutput struct {
	Source   string             `json:"source"`
	Metadata *metadata.Document `json:"metadata"`
	Results  []scan.BatchItem   `json:"results"`
}

func run(ctx context.Context, args *Args, p *pipeline, out io.Writer) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	v := p.guard.Validate(args.Target)
	if args.Mode == modeValidate {
		return enc.Encode(v)
	}
	if !v.Valid {
		return fetch.NewError(fetch.KindValidation, v.Reason, nil)
	}

	switch args.Mode {
	case modeScan:
		return enc.Encode(p.scanner.ScanURL(ctx, args.Target, args.Credential))

	case modeResolve:
		res, err := p.resolver.Resolve(ctx, v, resolver.ParseKind(args.Kind))
		if err != nil {
			return err
		}
		return enc.Encode(res)

	default:
		res, err := p.resolver.Resolve(ctx, v, resolver.KindMetadata)
		if err != nil {
			return err
		}
		doc, err := metadata.Parse(res.Text, res.ContentType, res.URL)
		if err != nil {
			return fetch.NewError(fetch.KindParse, "metadata document", err)
		}

		items := make([]scan.Item, 0, len(doc.Candidates))
		for _, c := range doc.Candidates {
			items = append(items, scan.Item{URL: c.URL, Field: c.Field, Type: c.Type})
		}
		results := p.scanner.ScanMultipleURLs(ctx, items, args.Credential, scan.Options{StopOnError: args.StopOnError})

		doc.Fields = nil
		return enc.Encode(metadataOutput{Source: res.Source, Metadata: doc, Results: results})
	}
}
