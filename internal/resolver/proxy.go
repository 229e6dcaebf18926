package resolver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/Harvey-AU/metascan/internal/fetch"
)

// ProxyKind selects how a proxy's response is decoded.
type ProxyKind int

const (
	// ProxyPassthrough returns the target's body and headers verbatim.
	ProxyPassthrough ProxyKind = iota
	// ProxyEnvelope wraps the target body as JSON:
	// {"contents": "...", "status": {"content_type": "...", "http_code": 200}}
	ProxyEnvelope
)

func (k ProxyKind) String() string {
	switch k {
	case ProxyEnvelope:
		return "envelope"
	default:
		return "passthrough"
	}
}

// Proxy is a CORS relay that fetches a target on our behalf.
type Proxy struct {
	Name    string
	BaseURL string
	Kind    ProxyKind
}

// DefaultProxies is the fixed fallback order.
var DefaultProxies = []Proxy{
	{Name: "allorigins", BaseURL: "https://api.allorigins.win/get?url=", Kind: ProxyEnvelope},
	{Name: "corsproxy", BaseURL: "https://corsproxy.io/?url=", Kind: ProxyPassthrough},
}

var knownProxyHosts = map[string]Proxy{
	"api.allorigins.win": DefaultProxies[0],
	"corsproxy.io":       DefaultProxies[1],
}

// ProxyFor returns the known variant for baseURL. Unknown providers are
// treated as pass-through.
func ProxyFor(baseURL string) Proxy {
	if u, err := url.Parse(baseURL); err == nil {
		if known, ok := knownProxyHosts[strings.ToLower(u.Hostname())]; ok {
			known.BaseURL = baseURL
			return known
		}
		return Proxy{Name: u.Hostname(), BaseURL: baseURL, Kind: ProxyPassthrough}
	}
	return Proxy{Name: baseURL, BaseURL: baseURL, Kind: ProxyPassthrough}
}

// TargetURL returns the proxy URL that relays target.
func (p Proxy) TargetURL(target string) string {
	return p.BaseURL + url.QueryEscape(target)
}

type payload struct {
	text        string
	contentType string
}

// decode extracts the target's payload from a successful proxy response.
func (p Proxy) decode(resp *fetch.Response) (payload, error) {
	switch p.Kind {
	case ProxyEnvelope:
		return decodeEnvelope(resp.Body)
	default:
		return decodePassthrough(resp), nil
	}
}

func decodePassthrough(resp *fetch.Response) payload {
	return payload{
		text:        string(resp.Body),
		contentType: resp.Header.Get("Content-Type"),
	}
}

type envelope struct {
	Contents *string `json:"contents"`
	Status   struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
		HTTPCode    int    `json:"http_code"`
	} `json:"status"`
}

func decodeEnvelope(body []byte) (payload, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return payload{}, fetch.NewError(fetch.KindParse, "decode proxy envelope", err)
	}
	if env.Contents == nil {
		return payload{}, fetch.NewError(fetch.KindParse, "proxy envelope has no contents", nil)
	}
	if code := env.Status.HTTPCode; code != 0 && (code < 200 || code >= 300) {
		return payload{}, &fetch.Error{
			Kind:       fetch.KindAPI,
			StatusCode: code,
			Message:    "proxied target returned non-OK status",
		}
	}

	text := *env.Contents
	contentType := env.Status.ContentType

	// Binary targets come back as base64 data URLs
	if strings.HasPrefix(text, "data:") {
		decoded, ct, err := decodeDataURL(text)
		if err != nil {
			return payload{}, fetch.NewError(fetch.KindParse, "decode proxy data URL", err)
		}
		text = decoded
		if ct != "" {
			contentType = ct
		}
	}

	return payload{text: text, contentType: contentType}, nil
}

func decodeDataURL(s string) (string, string, error) {
	header, data, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return "", "", fmt.Errorf("missing data separator")
	}

	contentType := header
	isBase64 := false
	if ct, found := strings.CutSuffix(header, ";base64"); found {
		contentType = ct
		isBase64 = true
	}

	if !isBase64 {
		unescaped, err := url.PathUnescape(data)
		if err != nil {
			return "", "", err
		}
		return unescaped, contentType, nil
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", "", err
	}
	return string(raw), contentType, nil
}
