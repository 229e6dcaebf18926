package util

import (
	"net/url"
	"strings"
	"unicode/utf8"
)

// DefaultMaxURLDisplay is the length at which URLs are shortened for logs.
const DefaultMaxURLDisplay = 100

var secretKeyFragments = []string{
	"apikey", "api_key", "api-key", "credential", "token", "secret", "password", "authorization", "signature",
}

// IsSecretKey reports whether a field or query parameter name looks like it
// holds a credential.
func IsSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, frag := range secretKeyFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}

// MaskSecret keeps the last four characters of s.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// RedactURL masks secret-looking query parameters and any userinfo.
// Unparseable input is returned unchanged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	if u.User != nil {
		u.User = url.User("****")
	}

	if u.RawQuery != "" {
		q := u.Query()
		changed := false
		for key, values := range q {
			if !IsSecretKey(key) {
				continue
			}
			for i := range values {
				values[i] = "****"
			}
			changed = true
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}
	return u.String()
}

// TruncateURL shortens raw to at most max bytes, keeping the start and the
// end so the host and file name stay readable. Cuts fall on rune boundaries.
func TruncateURL(raw string, max int) string {
	if max <= 0 {
		max = DefaultMaxURLDisplay
	}
	if len(raw) <= max {
		return raw
	}
	if max < 8 {
		return TruncateBytes(raw, max)
	}

	const ellipsis = "..."
	head := (max - len(ellipsis)) * 2 / 3
	tail := max - len(ellipsis) - head
	return TruncateBytes(raw, head) + ellipsis + lastBytes(raw, tail)
}

// TruncateBytes returns the longest prefix of s that is at most n bytes and
// does not split a UTF-8 sequence.
func TruncateBytes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func lastBytes(s string, n int) string {
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
