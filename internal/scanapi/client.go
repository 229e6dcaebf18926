// Package scanapi is a client for the VirusTotal v3 style scanning API.
// See https://docs.virustotal.com/reference/overview for the upstream contract.
package scanapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Harvey-AU/metascan/internal/fetch"
	"github.com/Harvey-AU/metascan/internal/util"
)

const (
	// DefaultBaseURL is the public API endpoint.
	DefaultBaseURL = "https://www.virustotal.com/api/v3"

	credentialHeader = "x-apikey"
)

// Client submits scan jobs and reads their results.
type Client struct {
	baseURL string
	// metered waits on the shared quota limiter before every attempt.
	metered *fetch.Fetcher
	// unmetered is used for polling, which the upstream does not count.
	unmetered *fetch.Fetcher

	submitPolicy fetch.RetryPolicy
	pollPolicy   fetch.RetryPolicy
}

// Option customises a Client.
type Option func(*Client)

// WithSubmitPolicy overrides the retry policy for submissions and quota reads.
func WithSubmitPolicy(p fetch.RetryPolicy) Option {
	return func(c *Client) { c.submitPolicy = p }
}

// WithPollPolicy overrides the retry policy for analysis reads.
func WithPollPolicy(p fetch.RetryPolicy) Option {
	return func(c *Client) { c.pollPolicy = p }
}

// New creates a Client. An empty baseURL uses DefaultBaseURL. limiter may be
// nil in tests; production callers pass the process-wide limiter.
func New(baseURL string, f *fetch.Fetcher, limiter fetch.Limiter, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if f == nil {
		f = fetch.New(nil)
	}

	metered := f
	if limiter != nil {
		metered = f.Metered(limiter)
	}

	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		metered:      metered,
		unmetered:    f,
		submitPolicy: fetch.DefaultRetryPolicy(),
		pollPolicy: fetch.RetryPolicy{
			MaxAttempts:   3,
			BaseDelay:     time.Second,
			MaxDelay:      5 * time.Second,
			Factor:        2,
			JitterPercent: 20,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stats are per-engine verdict counts.
type Stats struct {
	Harmless   int `json:"harmless"`
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
	Undetected int `json:"undetected"`
	Timeout    int `json:"timeout,omitempty"`
}

// Flagged reports whether any engine marked the resource malicious or suspicious.
func (s Stats) Flagged() bool {
	return s.Malicious > 0 || s.Suspicious > 0
}

// Submission is the response to a scan submission.
type Submission struct {
	ID string
	// Conflict is set when the upstream answered 409 because an equivalent
	// job already exists. ID is empty and Raw holds the payload to search.
	Conflict bool
	Raw      json.RawMessage
}

// Analysis is one poll of an analysis job.
type Analysis struct {
	ID     string
	Status string
	Stats  *Stats
	Raw    json.RawMessage
}

// Completed reports the upstream's own completion flag.
func (a *Analysis) Completed() bool {
	return strings.EqualFold(a.Status, "completed")
}

// QuotaUsage is one quota bucket.
type QuotaUsage struct {
	Used    int `json:"used"`
	Allowed int `json:"allowed"`
}

// Quota summarises the credential's API allowance.
type Quota struct {
	Hourly  QuotaUsage `json:"hourly"`
	Daily   QuotaUsage `json:"daily"`
	Monthly QuotaUsage `json:"monthly"`
}

// SubmitURL queues target for scanning.
func (c *Client) SubmitURL(ctx context.Context, credential, target string) (*Submission, error) {
	form := url.Values{"url": []string{target}}
	req := fetch.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/urls",
		Header: c.headers(credential, "application/x-www-form-urlencoded"),
		Body:   []byte(form.Encode()),
	}
	return c.submit(ctx, req)
}

// SubmitFile uploads content for scanning.
func (c *Client) SubmitFile(ctx context.Context, credential, name string, content []byte) (*Submission, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, fetch.NewError(fetch.KindValidation, "build upload", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fetch.NewError(fetch.KindValidation, "build upload", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fetch.NewError(fetch.KindValidation, "build upload", err)
	}

	req := fetch.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/files",
		Header: c.headers(credential, mw.FormDataContentType()),
		Body:   buf.Bytes(),
	}
	return c.submit(ctx, req)
}

func (c *Client) submit(ctx context.Context, req fetch.Request) (*Submission, error) {
	resp, err := c.metered.Execute(ctx, req, c.submitPolicy)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusConflict {
		return &Submission{Conflict: true, Raw: resp.Body}, nil
	}
	if !resp.OK() {
		return nil, apiError(resp)
	}

	var body struct {
		Data struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fetch.NewError(fetch.KindParse, "decode submission", err)
	}
	if body.Data.ID == "" {
		return nil, fetch.NewError(fetch.KindParse, "submission response has no id", nil)
	}

	return &Submission{ID: body.Data.ID, Raw: resp.Body}, nil
}

// GetAnalysis reads the current state of an analysis. It is not limiter
// admitted.
func (c *Client) GetAnalysis(ctx context.Context, credential, id string) (*Analysis, error) {
	req := fetch.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + "/analyses/" + url.PathEscape(id),
		Header: c.headers(credential, ""),
	}

	resp, err := c.unmetered.Execute(ctx, req, c.pollPolicy)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, apiError(resp)
	}

	return ParseAnalysis(id, resp.Body)
}

// ParseAnalysis decodes an analysis payload. Stats are taken from
// data.attributes or the top level, under either stats or
// last_analysis_stats.
func ParseAnalysis(id string, body []byte) (*Analysis, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fetch.NewError(fetch.KindParse, "decode analysis", err)
	}

	a := &Analysis{ID: id, Raw: body}

	attrs, _ := lookup(doc, "data", "attributes").(map[string]any)
	if s, ok := lookup(attrs, "status").(string); ok {
		a.Status = s
	} else if s, ok := doc["status"].(string); ok {
		a.Status = s
	}

	for _, src := range []map[string]any{attrs, doc} {
		for _, key := range []string{"stats", "last_analysis_stats"} {
			if raw, ok := src[key].(map[string]any); ok {
				a.Stats = statsFrom(raw)
				return a, nil
			}
		}
	}
	return a, nil
}

// GetQuota reads the quota summary for credential. It is limiter admitted.
func (c *Client) GetQuota(ctx context.Context, credential string) (*Quota, error) {
	req := fetch.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + "/users/" + url.PathEscape(credential),
		Header: c.headers(credential, ""),
	}

	resp, err := c.metered.Execute(ctx, req, c.submitPolicy)
	if err != nil {
		return nil, maskCredentialInURL(err, credential)
	}
	if !resp.OK() {
		return nil, apiError(resp)
	}

	var body struct {
		Data struct {
			Attributes struct {
				Quotas struct {
					Hourly  QuotaUsage `json:"api_requests_hourly"`
					Daily   QuotaUsage `json:"api_requests_daily"`
					Monthly QuotaUsage `json:"api_requests_monthly"`
				} `json:"quotas"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fetch.NewError(fetch.KindParse, "decode quota", err)
	}

	q := body.Data.Attributes.Quotas
	return &Quota{Hourly: q.Hourly, Daily: q.Daily, Monthly: q.Monthly}, nil
}

// maskCredentialInURL rewrites the URL carried by a transport error, since
// the quota endpoint has the credential in its path.
func maskCredentialInURL(err error, credential string) error {
	if credential == "" {
		return err
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		masked := util.MaskSecret(credential)
		ue.URL = strings.ReplaceAll(ue.URL, url.PathEscape(credential), masked)
		ue.URL = strings.ReplaceAll(ue.URL, credential, masked)
	}
	return err
}

// headers applies the credential and JSON accept headers.
func (c *Client) headers(credential, contentType string) http.Header {
	h := http.Header{}
	h.Set(credentialHeader, credential)
	h.Set("Accept", "application/json")
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return h
}

// apiError converts a non-2xx response into a *fetch.Error, keeping the
// upstream's error message when it sent one.
func apiError(resp *fetch.Response) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	msg := http.StatusText(resp.StatusCode)
	if json.Unmarshal(resp.Body, &body) == nil && body.Error.Message != "" {
		msg = fmt.Sprintf("%s: %s", body.Error.Code, body.Error.Message)
	}

	return &fetch.Error{
		Kind:       fetch.KindAPI,
		StatusCode: resp.StatusCode,
		Attempts:   resp.Attempts,
		Message:    msg,
	}
}

func lookup(m map[string]any, path ...string) any {
	var cur any = m
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[p]
	}
	return cur
}

func statsFrom(raw map[string]any) *Stats {
	n := func(key string) int {
		if v, ok := raw[key].(float64); ok {
			return int(v)
		}
		return 0
	}
	return &Stats{
		Harmless:   n("harmless"),
		Malicious:  n("malicious"),
		Suspicious: n("suspicious"),
		Undetected: n("undetected"),
		Timeout:    n("timeout"),
	}
}
