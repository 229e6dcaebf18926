// Package resolver fetches validated resources through IPFS gateways, direct
// requests and CORS proxies, returning the first source that works.
package resolver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Harvey-AU/metascan/internal/cache"
	"github.com/Harvey-AU/metascan/internal/fetch"
	"github.com/Harvey-AU/metascan/internal/urlguard"
	"github.com/rs/zerolog/log"
)

// ErrAllSourcesExhausted is wrapped by the error returned when no gateway,
// direct request or proxy produced the resource.
var ErrAllSourcesExhausted = errors.New("all gateways and proxies exhausted")

// SourceDirect names a request made straight to the target.
const SourceDirect = "direct"

// Kind is the expected resource type. It only affects the Accept header.
type Kind string

const (
	KindMetadata  Kind = "metadata"
	KindImage     Kind = "image"
	KindAnimation Kind = "animation"
	KindOther     Kind = "other"
)

// ParseKind maps free text to a Kind, defaulting to KindOther.
func ParseKind(s string) Kind {
	switch Kind(s) {
	case KindMetadata, KindImage, KindAnimation:
		return Kind(s)
	default:
		return KindOther
	}
}

func (k Kind) accept() string {
	switch k {
	case KindMetadata:
		return "application/json, text/plain;q=0.9, */*;q=0.8"
	case KindImage:
		return "image/*, */*;q=0.8"
	case KindAnimation:
		return "video/*, image/*, */*;q=0.8"
	default:
		return "*/*"
	}
}

// Resource is the outcome of a successful resolution.
type Resource struct {
	Text        string `json:"text"`
	ContentType string `json:"content_type"`
	UsedProxy   bool   `json:"used_proxy"`
	// Source is the gateway base URL, SourceDirect or the proxy name.
	Source string `json:"source"`
	// URL is the address that finally served the content.
	URL string `json:"url"`
}

// Executor runs one logical HTTP operation. *fetch.Fetcher satisfies it.
type Executor interface {
	Execute(ctx context.Context, req fetch.Request, policy fetch.RetryPolicy) (*fetch.Response, error)
}

// Config controls source order and retries.
type Config struct {
	Gateways []string
	Proxies  []Proxy
	// Policy applies to each individual source. Fallback across sources is
	// separate from these retries.
	Policy   fetch.RetryPolicy
	CacheTTL time.Duration
}

// DefaultConfig returns the fixed gateway and proxy order with a short
// per-source retry budget so fallback happens quickly.
func DefaultConfig() Config {
	return Config{
		Gateways: urlguard.DefaultGateways,
		Proxies:  DefaultProxies,
		Policy: fetch.RetryPolicy{
			MaxAttempts:   2,
			BaseDelay:     500 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			Factor:        2,
			JitterPercent: 20,
		},
		CacheTTL: 5 * time.Minute,
	}
}

// Resolver implements gateway and proxy fallback.
type Resolver struct {
	exec  Executor
	guard *urlguard.Guard
	cfg   Config
	cache *cache.TTLCache
}

// New creates a Resolver. Empty config fields fall back to DefaultConfig.
func New(exec Executor, cfg Config) *Resolver {
	def := DefaultConfig()
	if len(cfg.Gateways) == 0 {
		cfg.Gateways = def.Gateways
	}
	if cfg.Proxies == nil {
		cfg.Proxies = def.Proxies
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = def.Policy
	}

	return &Resolver{
		exec:  exec,
		guard: urlguard.New(cfg.Gateways),
		cfg:   cfg,
		cache: cache.NewTTLCache(cfg.CacheTTL),
	}
}

// Guard returns the validator configured with this resolver's gateways.
func (r *Resolver) Guard() *urlguard.Guard {
	return r.guard
}

// ResolveRaw validates raw and resolves it.
func (r *Resolver) ResolveRaw(ctx context.Context, raw string, kind Kind) (*Resource, error) {
	return r.Resolve(ctx, r.guard.Validate(raw), kind)
}

// Resolve fetches a validated target. Individual source failures are logged
// at debug level; only the final outcome is returned.
func (r *Resolver) Resolve(ctx context.Context, v urlguard.ValidationResult, kind Kind) (*Resource, error) {
	if !v.Valid {
		return nil, fetch.NewError(fetch.KindValidation, v.Reason, nil)
	}

	key := v.ResolvedURL + "|" + string(kind)
	if cached, ok := r.cache.Get(key); ok {
		res := *cached.(*Resource)
		return &res, nil
	}

	res, err := r.resolve(ctx, v, kind)
	if err != nil {
		return nil, err
	}

	r.cache.Set(key, res)
	out := *res
	return &out, nil
}

func (r *Resolver) resolve(ctx context.Context, v urlguard.ValidationResult, kind Kind) (*Resource, error) {
	target := v.ResolvedURL
	tried := 0

	cid, path, isIPFS := "", "", false
	if v.Protocol == urlguard.ProtocolIPFS {
		cid, path, isIPFS = r.guard.ExtractCID(v.ResolvedURL)
	}

	if isIPFS {
		for _, gw := range r.cfg.Gateways {
			target = urlguard.GatewayURL(gw, cid, path)
			tried++
			res, err := r.tryDirect(ctx, target, gw, kind)
			if err == nil {
				return res, nil
			}
			if errors.Is(err, fetch.ErrAborted) {
				return nil, err
			}
		}
	} else {
		tried++
		res, err := r.tryDirect(ctx, target, SourceDirect, kind)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, fetch.ErrAborted) {
			return nil, err
		}
	}

	// Proxies relay the last target that was tried
	for _, proxy := range r.cfg.Proxies {
		tried++
		res, err := r.tryProxy(ctx, proxy, target, kind)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, fetch.ErrAborted) {
			return nil, err
		}
	}

	log.Warn().
		Str("url", v.ResolvedURL).
		Str("kind", string(kind)).
		Int("sources_tried", tried).
		Msg("Resource resolution exhausted all sources")

	return nil, &fetch.Error{
		Kind:     fetch.KindNetwork,
		Attempts: tried,
		Message:  "resource could not be resolved",
		Err:      ErrAllSourcesExhausted,
	}
}

func (r *Resolver) tryDirect(ctx context.Context, target, source string, kind Kind) (*Resource, error) {
	resp, err := r.get(ctx, target, kind)
	if err != nil {
		logAttempt(source, target, err)
		return nil, err
	}

	return &Resource{
		Text:        string(resp.Body),
		ContentType: resp.Header.Get("Content-Type"),
		UsedProxy:   false,
		Source:      source,
		URL:         target,
	}, nil
}

func (r *Resolver) tryProxy(ctx context.Context, proxy Proxy, target string, kind Kind) (*Resource, error) {
	proxied := proxy.TargetURL(target)
	resp, err := r.get(ctx, proxied, kind)
	if err != nil {
		logAttempt(proxy.Name, target, err)
		return nil, err
	}

	p, err := proxy.decode(resp)
	if err != nil {
		logAttempt(proxy.Name, target, err)
		return nil, err
	}

	return &Resource{
		Text:        p.text,
		ContentType: p.contentType,
		UsedProxy:   true,
		Source:      proxy.Name,
		URL:         target,
	}, nil
}

// get treats anything but a 2xx response as a failed source.
func (r *Resolver) get(ctx context.Context, target string, kind Kind) (*fetch.Response, error) {
	req := fetch.Request{
		Method: http.MethodGet,
		URL:    target,
		Header: http.Header{"Accept": []string{kind.accept()}},
	}

	resp, err := r.exec.Execute(ctx, req, r.cfg.Policy)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

func logAttempt(source, target string, err error) {
	log.Debug().
		Err(err).
		Str("source", source).
		Str("url", target).
		Msg("Resolution source failed")
}
