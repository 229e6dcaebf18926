package urlguard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// DialFunc matches http.Transport.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// IsPrivateOrReservedIP reports whether ip is loopback, private, link-local,
// unique-local or unspecified.
func IsPrivateOrReservedIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() {
		return true
	}
	if v4 := ip.To4(); v4 != nil && v4[0] == 0 {
		return true
	}
	return false
}

// SafeDialContext returns a dialer that resolves the target and refuses to
// connect to private or reserved addresses. Hostname checks in Validate cannot
// see DNS answers, so this runs on every connection.
func SafeDialContext() DialFunc {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid dial address %q: %w", addr, err)
		}

		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("resolve %s: no addresses", host)
		}

		for _, ip := range ips {
			if IsPrivateOrReservedIP(ip.IP) {
				log.Warn().
					Str("event", "security_block").
					Str("rule", "dial_private_ip").
					Str("host", host).
					Str("ip", ip.IP.String()).
					Msg("Blocked connection to private address")
				return nil, fmt.Errorf("blocked connection to private/local IP %s", ip.IP)
			}
		}

		// Dial the vetted address so a second lookup cannot return a different answer
		return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
	}
}

// NewSafeTransport returns an http.Transport that dials through SafeDialContext.
func NewSafeTransport() *http.Transport {
	return &http.Transport{
		DialContext:         SafeDialContext(),
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
}
