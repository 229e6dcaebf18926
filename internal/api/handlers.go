// Package api exposes validation, resolution and scanning over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Harvey-AU/metascan/internal/auth"
	"github.com/Harvey-AU/metascan/internal/db"
	"github.com/Harvey-AU/metascan/internal/metadata"
	"github.com/Harvey-AU/metascan/internal/processlog"
	"github.com/Harvey-AU/metascan/internal/resolver"
	"github.com/Harvey-AU/metascan/internal/scan"
	"github.com/Harvey-AU/metascan/internal/scanapi"
	"github.com/Harvey-AU/metascan/internal/urlguard"
	"github.com/Harvey-AU/metascan/internal/util"
)

const (
	// ServiceName is reported by health checks.
	ServiceName = "metascan"

	MaxJSONBodyBytes   = 1 << 20
	MaxUploadBytes     = 32 << 20
	MaxResponseText    = 64 << 10
	MaxBatchItems      = 50
	multipartFileField = "file"
)

// Version is set at build time.
var Version = "dev"

// URLValidator checks user-supplied URLs. *urlguard.Guard satisfies it.
type URLValidator interface {
	Validate(raw string) urlguard.ValidationResult
}

// ResourceResolver fetches validated URLs. *resolver.Resolver satisfies it.
type ResourceResolver interface {
	Resolve(ctx context.Context, v urlguard.ValidationResult, kind resolver.Kind) (*resolver.Resource, error)
}

// Scanner runs scans. *scan.Service satisfies it.
type Scanner interface {
	ScanURL(ctx context.Context, rawURL, credential string) scan.ScanResult
	ScanFile(ctx context.Context, name string, content []byte, credential string) scan.ScanResult
	ScanMultipleURLs(ctx context.Context, items []scan.Item, credential string, opts scan.Options) []scan.BatchItem
	Quota(ctx context.Context, credential string) (*scanapi.Quota, error)
}

// SlotCounter reports free upstream request slots. *ratelimit.SlidingWindow
// satisfies it.
type SlotCounter interface {
	Remaining() int
}

// HistoryStore reads past verdicts. *db.DB satisfies it.
type HistoryStore interface {
	RecentResults(ctx context.Context, target string, limit int) ([]db.StoredResult, error)
	Ping(ctx context.Context) error
}

// ProcessStore exposes recent process logs. *processlog.Memory satisfies it.
type ProcessStore interface {
	Get(id string) (processlog.Process, bool)
	Recent(limit int) []processlog.Process
}

// Dependencies wires a Handler. History, Processes and Auth are optional.
type Dependencies struct {
	Guard             URLValidator
	Resolver          ResourceResolver
	Scanner           Scanner
	Slots             SlotCounter
	History           HistoryStore
	Processes         ProcessStore
	Auth              *auth.Validator
	DefaultCredential string
}

// Handler serves the HTTP API.
type Handler struct {
	deps Dependencies
}

// NewHandler creates a Handler.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{deps: deps}
}

// SetupRoutes registers all routes on mux.
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HealthCheck)
	if h.deps.History != nil {
		mux.HandleFunc("/health/db", h.DatabaseHealthCheck)
	}

	mux.Handle("/v1/validate", h.protect(h.Validate))
	mux.Handle("/v1/resolve", h.protect(h.Resolve))
	mux.Handle("/v1/scan/url", h.protect(h.ScanURL))
	mux.Handle("/v1/scan/file", h.protect(h.ScanFile))
	mux.Handle("/v1/scan/batch", h.protect(h.ScanBatch))
	mux.Handle("/v1/scan/metadata", h.protect(h.ScanMetadata))
	mux.Handle("/v1/quota", h.protect(h.Quota))
	mux.Handle("/v1/history", h.protect(h.History))
	if h.deps.Processes != nil {
		mux.Handle("/v1/processes", h.protect(h.Processes))
		mux.Handle("/v1/processes/", h.protect(h.Processes))
	}
}

func (h *Handler) protect(fn http.HandlerFunc) http.Handler {
	if h.deps.Auth == nil {
		return fn
	}
	return auth.Middleware(h.deps.Auth)(fn)
}

func (h *Handler) credential(r *http.Request) string {
	return util.ScanCredential(r, h.deps.DefaultCredential)
}

// HealthCheck reports liveness.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		MethodNotAllowed(w, r)
		return
	}
	WriteHealthy(w, r, ServiceName, Version)
}

// DatabaseHealthCheck pings the history store.
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.History.Ping(r.Context()); err != nil {
		logger := loggerWithRequest(r)
		logger.Error().Err(err).Msg("History store health check failed")
		WriteUnhealthy(w, r, ServiceName+"-db", errors.New("database unreachable"))
		return
	}
	WriteHealthy(w, r, ServiceName+"-db", Version)
}

type urlRequest struct {
	URL  string `json:"url"`
	Kind string `json:"kind,omitempty"`
}

// Validate returns the validation result for a URL. Invalid URLs are a
// normal 200 result, not an error.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if !h.decodePost(w, r, &req) {
		return
	}
	WriteSuccess(w, r, h.deps.Guard.Validate(req.URL), "")
}

// ResolveResponse is the body of a successful resolve.
type ResolveResponse struct {
	Resource      *resolver.Resource `json:"resource"`
	Truncated     bool               `json:"truncated"`
	Metadata      *metadata.Document `json:"metadata,omitempty"`
	MetadataError string             `json:"metadata_error,omitempty"`
}

// Resolve fetches a URL through gateways and proxies and parses it.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	v := h.deps.Guard.Validate(req.URL)
	if !v.Valid {
		ValidationFailed(w, r, v.Reason)
		return
	}

	kind := resolver.KindMetadata
	if req.Kind != "" {
		kind = resolver.ParseKind(req.Kind)
	}

	res, err := h.deps.Resolver.Resolve(r.Context(), v, kind)
	if err != nil {
		WriteFetchError(w, r, err)
		return
	}

	resp := ResolveResponse{}
	if doc, err := metadata.Parse(res.Text, res.ContentType, res.URL); err != nil {
		resp.MetadataError = err.Error()
	} else {
		resp.Metadata = doc
	}

	if len(res.Text) > MaxResponseText {
		trimmed := *res
		trimmed.Text = util.TruncateBytes(res.Text, MaxResponseText)
		res = &trimmed
		resp.Truncated = true
	}
	resp.Resource = res

	WriteSuccess(w, r, resp, "")
}

// ScanURL scans one URL.
func (h *Handler) ScanURL(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	if v := h.deps.Guard.Validate(req.URL); !v.Valid {
		ValidationFailed(w, r, v.Reason)
		return
	}

	WriteSuccess(w, r, h.deps.Scanner.ScanURL(r.Context(), req.URL, h.credential(r)), "")
}

// ScanFile scans an uploaded file from the multipart field "file".
func (h *Handler) ScanFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes+(1<<20))
	file, header, err := r.FormFile(multipartFileField)
	if err != nil {
		if isMaxBytesError(err) {
			PayloadTooLarge(w, r, "File exceeds maximum size of 32 MiB")
			return
		}
		BadRequest(w, r, "Expected a multipart upload with a \"file\" field")
		return
	}
	defer file.Close()

	if header.Size > MaxUploadBytes {
		PayloadTooLarge(w, r, "File exceeds maximum size of 32 MiB")
		return
	}

	content, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
	if err != nil {
		BadRequest(w, r, "Failed to read uploaded file")
		return
	}
	if len(content) > MaxUploadBytes {
		PayloadTooLarge(w, r, "File exceeds maximum size of 32 MiB")
		return
	}

	WriteSuccess(w, r, h.deps.Scanner.ScanFile(r.Context(), header.Filename, content, h.credential(r)), "")
}

type batchRequest struct {
	Items       []scan.Item `json:"items"`
	StopOnError *bool       `json:"stop_on_error,omitempty"`
}

// BatchResponse is the body of batch scans.
type BatchResponse struct {
	Results   []scan.BatchItem `json:"results"`
	Requested int              `json:"requested"`
	Stopped   bool             `json:"stopped"`
}

func newBatchResponse(results []scan.BatchItem, requested int) BatchResponse {
	return BatchResponse{Results: results, Requested: requested, Stopped: len(results) < requested}
}

func batchOptions(stopOnError *bool) scan.Options {
	opts := scan.DefaultOptions()
	if stopOnError != nil {
		opts.StopOnError = *stopOnError
	}
	return opts
}

// ScanBatch scans a list of URLs in order.
func (h *Handler) ScanBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	switch {
	case len(req.Items) == 0:
		BadRequest(w, r, "At least one item is required")
		return
	case len(req.Items) > MaxBatchItems:
		BadRequest(w, r, "Too many items; the maximum is "+strconv.Itoa(MaxBatchItems))
		return
	}

	results := h.deps.Scanner.ScanMultipleURLs(r.Context(), req.Items, h.credential(r), batchOptions(req.StopOnError))
	WriteSuccess(w, r, newBatchResponse(results, len(req.Items)), "")
}

type metadataScanRequest struct {
	URL         string `json:"url"`
	StopOnError *bool  `json:"stop_on_error,omitempty"`
}

// MetadataScanResponse is the body of a metadata scan.
type MetadataScanResponse struct {
	Source   string             `json:"source"`
	Metadata *metadata.Document `json:"metadata"`
	BatchResponse
}

// ScanMetadata resolves a metadata document and scans every candidate URL
// found in it.
func (h *Handler) ScanMetadata(w http.ResponseWriter, r *http.Request) {
	var req metadataScanRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	v := h.deps.Guard.Validate(req.URL)
	if !v.Valid {
		ValidationFailed(w, r, v.Reason)
		return
	}

	res, err := h.deps.Resolver.Resolve(r.Context(), v, resolver.KindMetadata)
	if err != nil {
		WriteFetchError(w, r, err)
		return
	}

	doc, err := metadata.Parse(res.Text, res.ContentType, res.URL)
	if err != nil {
		WriteErrorMessage(w, r, "Received an unexpected response from the remote service.", http.StatusBadGateway, ErrCodeUpstream)
		return
	}

	candidates := doc.Candidates
	if len(candidates) > MaxBatchItems {
		candidates = candidates[:MaxBatchItems]
	}
	items := make([]scan.Item, 0, len(candidates))
	for _, c := range candidates {
		items = append(items, scan.Item{URL: c.URL, Field: c.Field, Type: c.Type})
	}

	results := []scan.BatchItem{}
	if len(items) > 0 {
		results = h.deps.Scanner.ScanMultipleURLs(r.Context(), items, h.credential(r), batchOptions(req.StopOnError))
	}

	doc.Fields = nil
	WriteSuccess(w, r, MetadataScanResponse{
		Source:        res.Source,
		Metadata:      doc,
		BatchResponse: newBatchResponse(results, len(items)),
	}, "")
}

// QuotaResponse combines the upstream quota with local limiter state.
type QuotaResponse struct {
	CredentialConfigured bool           `json:"credential_configured"`
	Quota                *scanapi.Quota `json:"quota,omitempty"`
	Remaining            int            `json:"remaining"`
}

// Quota reports the upstream allowance and free local slots.
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	credential := h.credential(r)
	resp := QuotaResponse{CredentialConfigured: credential != ""}
	if h.deps.Slots != nil {
		resp.Remaining = h.deps.Slots.Remaining()
	}

	if credential != "" {
		q, err := h.deps.Scanner.Quota(r.Context(), credential)
		if err != nil {
			WriteFetchError(w, r, err)
			return
		}
		resp.Quota = q
	}

	WriteSuccess(w, r, resp, "")
}

// History lists recent verdicts, optionally for one target.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	if h.deps.History == nil {
		NotFound(w, r, "Scan history is not enabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			BadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = n
	}

	results, err := h.deps.History.RecentResults(r.Context(), r.URL.Query().Get("target"), limit)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, results, "")
}

const defaultProcessLimit = 20

// Processes lists recent process logs, or one log at /v1/processes/{id}.
func (h *Handler) Processes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/processes"), "/")
	if id != "" {
		p, ok := h.deps.Processes.Get(id)
		if !ok {
			NotFound(w, r, "Process not found")
			return
		}
		WriteSuccess(w, r, p, "")
		return
	}

	limit := defaultProcessLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			BadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = n
	}
	WriteSuccess(w, r, h.deps.Processes.Recent(limit), "")
}

// decodePost enforces POST and decodes a bounded JSON body into dst. It
// writes the error response itself and reports whether to continue.
func (h *Handler) decodePost(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxJSONBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if isMaxBytesError(err) {
			PayloadTooLarge(w, r, "Request body too large")
			return false
		}
		BadRequest(w, r, "Invalid JSON request body")
		return false
	}
	return true
}
