// Package urlguard validates user supplied URLs before anything is fetched.
//
// Validation is synchronous and deterministic. Blocked schemes, hostnames and
// private addresses are written to the security audit log.
package urlguard

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/metascan/internal/util"
)

// MaxURLLength is the longest raw input accepted by Validate.
const MaxURLLength = 2048

// Protocol identifies how a validated URL must be fetched.
type Protocol string

const (
	ProtocolHTTPS Protocol = "https"
	ProtocolIPFS  Protocol = "ipfs"
)

// Rejection reasons returned in ValidationResult.Reason.
const (
	ReasonEmpty         = "URL is empty"
	ReasonTooLong       = "URL exceeds maximum length of 2048 characters"
	ReasonInvalidFormat = "Invalid URL format"
	ReasonHTTPSOnly     = "Only HTTPS URLs are allowed"
	ReasonBlockedHost   = "Blocked hostname"
	ReasonPrivateIP     = "Private or reserved IP address not allowed"
	ReasonInvalidCID    = "Invalid IPFS content identifier"
)

// ValidationResult is produced once per raw input and never modified.
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	ResolvedURL string   `json:"resolved_url,omitempty"`
	Protocol    Protocol `json:"protocol,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// DefaultGateways is the fixed gateway priority order. The first entry is the
// default used when rewriting ipfs:// URIs.
var DefaultGateways = []string{
	"https://ipfs.io/ipfs/",
	"https://dweb.link/ipfs/",
	"https://cloudflare-ipfs.com/ipfs/",
	"https://gateway.pinata.cloud/ipfs/",
}

var blockedSchemes = []string{"data:", "javascript:", "file:", "about:", "blob:", "ftp:"}

var blockedHostnames = map[string]struct{}{
	"localhost":                {},
	"localhost.localdomain":    {},
	"metadata.google.internal": {},
	"metadata.goog":            {},
	"metadata.azure.com":       {},
	"instance-data":            {},
	"169.254.169.254":          {},
}

// Guard validates URLs against a gateway list.
type Guard struct {
	gateways []string
}

// New creates a Guard. An empty gateway list falls back to DefaultGateways.
func New(gateways []string) *Guard {
	if len(gateways) == 0 {
		gateways = DefaultGateways
	}
	return &Guard{gateways: gateways}
}

var defaultGuard = New(nil)

// Validate checks raw with the default gateway list.
func Validate(raw string) ValidationResult {
	return defaultGuard.Validate(raw)
}

// Gateways returns the gateway priority order used by this guard.
func (g *Guard) Gateways() []string {
	out := make([]string, len(g.gateways))
	copy(out, g.gateways)
	return out
}

// Validate canonicalises raw and decides whether it may be fetched.
func (g *Guard) Validate(raw string) ValidationResult {
	if len(raw) > MaxURLLength {
		return invalid(ReasonTooLong)
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return invalid(ReasonEmpty)
	}

	// Checked before parsing so inputs url.Parse rejects are still caught
	lower := strings.ToLower(trimmed)
	for _, scheme := range blockedSchemes {
		if strings.HasPrefix(lower, scheme) {
			reason := fmt.Sprintf("Blocked URL scheme: %s", strings.TrimSuffix(scheme, ":"))
			auditBlock("scheme", reason, trimmed)
			return invalid(reason)
		}
	}

	if g.IsIPFS(trimmed) {
		cid, path, ok := g.ExtractCID(trimmed)
		if !ok {
			return invalid(ReasonInvalidCID)
		}
		return ValidationResult{
			Valid:       true,
			ResolvedURL: GatewayURL(g.gateways[0], cid, path),
			Protocol:    ProtocolIPFS,
		}
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return invalid(ReasonInvalidFormat)
	}
	if !strings.EqualFold(parsed.Scheme, "https") {
		return invalid(ReasonHTTPSOnly)
	}

	host := strings.ToLower(strings.TrimSuffix(parsed.Hostname(), "."))
	if host == "" {
		return invalid(ReasonInvalidFormat)
	}
	if _, blocked := blockedHostnames[host]; blocked || strings.HasSuffix(host, ".localhost") {
		auditBlock("hostname", ReasonBlockedHost, trimmed)
		return invalid(ReasonBlockedHost)
	}
	if isPrivateHost(host) {
		auditBlock("private_ip", ReasonPrivateIP, trimmed)
		return invalid(ReasonPrivateIP)
	}

	return ValidationResult{
		Valid:       true,
		ResolvedURL: trimmed,
		Protocol:    ProtocolHTTPS,
	}
}

// IsIPFS reports whether raw uses the ipfs:// scheme or a known gateway prefix.
func (g *Guard) IsIPFS(raw string) bool {
	_, ok := g.stripIPFSPrefix(raw)
	return ok
}

// ExtractCID returns the content identifier and the remaining path (without a
// leading slash) of an IPFS URI or known gateway URL.
func (g *Guard) ExtractCID(raw string) (cid string, path string, ok bool) {
	rest, isIPFS := g.stripIPFSPrefix(strings.TrimSpace(raw))
	if !isIPFS {
		return "", "", false
	}

	// ipfs://ipfs/<cid> is a common malformed variant
	rest = strings.TrimPrefix(rest, "ipfs/")
	rest = strings.TrimLeft(rest, "/")

	cid, path, _ = strings.Cut(rest, "/")
	if cid == "" || !isCIDLike(cid) {
		return "", "", false
	}
	return cid, path, true
}

func (g *Guard) stripIPFSPrefix(raw string) (string, bool) {
	if len(raw) >= len("ipfs://") && strings.EqualFold(raw[:len("ipfs://")], "ipfs://") {
		return raw[len("ipfs://"):], true
	}
	lower := strings.ToLower(raw)
	for _, gw := range g.gateways {
		if strings.HasPrefix(lower, strings.ToLower(gw)) {
			return raw[len(gw):], true
		}
	}
	return "", false
}

// GatewayURL builds <gateway><cid>[/path].
func GatewayURL(gateway, cid, path string) string {
	if !strings.HasSuffix(gateway, "/") {
		gateway += "/"
	}
	if path == "" {
		return gateway + cid
	}
	return gateway + cid + "/" + path
}

// isCIDLike accepts base58 (CIDv0) and base32/base36 (CIDv1) alphabets.
func isCIDLike(cid string) bool {
	if len(cid) < 8 {
		return false
	}
	for _, c := range cid {
		isLower := c >= 'a' && c <= 'z'
		isUpper := c >= 'A' && c <= 'Z'
		isDigit := c >= '0' && c <= '9'
		if !isLower && !isUpper && !isDigit {
			return false
		}
	}
	return true
}

// isPrivateHost matches hostnames that are literal reserved addresses.
func isPrivateHost(host string) bool {
	// Zone suffixes such as fe80::1%eth0 are not accepted by net.ParseIP
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	if ip := net.ParseIP(host); ip != nil {
		return IsPrivateOrReservedIP(ip)
	}
	// Shorthand IPv4 forms like 127.1 resolve on most platforms
	if !isDottedDigits(host) {
		return false
	}
	for _, prefix := range []string{"127.", "10.", "192.168.", "169.254.", "0."} {
		if strings.HasPrefix(host, prefix) {
			return true
		}
	}
	return false
}

func isDottedDigits(host string) bool {
	for _, c := range host {
		if !(c >= '0' && c <= '9') && c != '.' {
			return false
		}
	}
	return strings.Contains(host, ".")
}

func invalid(reason string) ValidationResult {
	return ValidationResult{Valid: false, Reason: reason}
}

func auditBlock(rule, reason, raw string) {
	log.Warn().
		Str("event", "security_block").
		Str("rule", rule).
		Str("url", util.TruncateURL(util.RedactURL(raw), util.DefaultMaxURLDisplay)).
		Msg(reason)
}
