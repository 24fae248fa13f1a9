package hostfuncs

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"

	"github.com/wasmproxy/wasmproxy/domain/errors"
)

// NetguardOption is a functional option for configuring outbound address checks.
type NetguardOption func(*netguardConfig)

type netguardConfig struct {
	allowPrivate  bool
	allowLoopback bool
}

// defaultNetguardConfig blocks every address a guest should not reach.
func defaultNetguardConfig() netguardConfig {
	return netguardConfig{}
}

// WithAllowPrivate permits RFC 1918 and unique-local destinations.
func WithAllowPrivate(allow bool) NetguardOption {
	return func(c *netguardConfig) {
		c.allowPrivate = allow
	}
}

// WithAllowLoopback permits localhost destinations.
func WithAllowLoopback(allow bool) NetguardOption {
	return func(c *netguardConfig) {
		c.allowLoopback = allow
	}
}

// CheckURL validates a guest-supplied download URL before any connection is
// made. Hostnames are checked again after resolution by GuardedTransport.
func CheckURL(rawURL string, opts ...NetguardOption) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &errors.SecurityError{Reason: "malformed url", Value: rawURL}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &errors.SecurityError{Reason: "only http and https downloads are allowed", Value: rawURL}
	}
	if u.Hostname() == "" {
		return &errors.SecurityError{Reason: "url has no host", Value: rawURL}
	}
	if addr, err := netip.ParseAddr(u.Hostname()); err == nil {
		return CheckAddr(addr, opts...)
	}
	return nil
}

// CheckAddr rejects loopback, private, link-local, multicast and unspecified
// addresses unless explicitly allowed.
func CheckAddr(addr netip.Addr, opts ...NetguardOption) error {
	cfg := defaultNetguardConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	addr = addr.Unmap()
	var reason string
	switch {
	case addr.IsLoopback():
		if !cfg.allowLoopback {
			reason = "loopback addresses blocked"
		}
	case addr.IsPrivate():
		if !cfg.allowPrivate {
			reason = "private addresses blocked"
		}
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		reason = "link-local addresses blocked"
	case addr.IsMulticast():
		reason = "multicast addresses blocked"
	case addr.IsUnspecified():
		reason = "unspecified address blocked"
	}
	if reason != "" {
		return &errors.SecurityError{Reason: reason, Value: addr.String()}
	}
	return nil
}

// GuardedTransport returns an http.Transport whose dialer re-checks every
// resolved address, so a hostname cannot be rebound to a blocked address
// between CheckURL and the connection.
func GuardedTransport(opts ...NetguardOption) *http.Transport {
	dialer := &net.Dialer{
		Timeout: 30 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			ap, err := netip.ParseAddrPort(address)
			if err != nil {
				return fmt.Errorf("netguard: %w", err)
			}
			return CheckAddr(ap.Addr(), opts...)
		},
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}
	return transport
}
