// Package security provides SSRF protection for the outbound greeting
// webhook.
//
// SafeTransport wraps http.Transport to enforce an IP blocklist so the
// webhook URL (or a redirect from it) cannot reach the instance metadata
// service, localhost, or private network ranges.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// dnsTimeout is the maximum time allowed for DNS resolution.
const dnsTimeout = 500 * time.Millisecond

var (
	// ErrSSRFBlocked is returned when a request targets a blocked IP range.
	ErrSSRFBlocked = errors.New("ssrf: request to blocked IP range")
	// ErrSSRFDNSTimeout is returned when DNS resolution exceeds the timeout.
	ErrSSRFDNSTimeout = errors.New("ssrf: DNS resolution timeout")
	// ErrSSRFTooManyRedirects is returned when the redirect limit is exceeded.
	ErrSSRFTooManyRedirects = errors.New("ssrf: too many redirects")
	// ErrSSRFDNSFailed is returned when DNS resolution fails entirely.
	ErrSSRFDNSFailed = errors.New("ssrf: DNS resolution failed")
)

// BlockedCIDRs are the ranges no webhook connection may reach.
var BlockedCIDRs = []string{
	"127.0.0.0/8",     // Localhost
	"10.0.0.0/8",      // Private Class A
	"172.16.0.0/12",   // Private Class B
	"192.168.0.0/16",  // Private Class C
	"169.254.0.0/16",  // Link-local (AWS Metadata!)
	"0.0.0.0/8",       // Current network
	"224.0.0.0/4",     // Multicast
	"240.0.0.0/4",     // Reserved
	"100.64.0.0/10",   // Shared Address Space (CGN)
	"198.18.0.0/15",   // Benchmark testing
	"fc00::/7",        // IPv6 private
	"fe80::/10",       // IPv6 link-local
	"::1/128",         // IPv6 localhost
}

var (
	blockedNets []*net.IPNet
	initOnce    sync.Once
	initErr     error
)

func initBlockedNets() {
	initOnce.Do(func() {
		blockedNets = make([]*net.IPNet, 0, len(BlockedCIDRs))
		for _, cidr := range BlockedCIDRs {
			_, ipNet, err := net.ParseCIDR(cidr)
			if err != nil {
				initErr = fmt.Errorf("ssrf: failed to parse CIDR %q: %w", cidr, err)
				return
			}
			blockedNets = append(blockedNets, ipNet)
		}
	})
}

func isBlockedIP(ip net.IP) bool {
	for _, ipNet := range blockedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver abstracts DNS resolution for testability.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type netResolver struct {
	r *net.Resolver
}

func (nr *netResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return nr.r.LookupIPAddr(ctx, host)
}

// SafeTransport is an http.RoundTripper whose dialer refuses blocked IPs.
type SafeTransport struct {
	// Base is the underlying http.Transport used for actual connections.
	Base *http.Transport

	// Resolver is used for DNS lookups. If nil, net.DefaultResolver is used.
	Resolver Resolver
}

// NewSafeTransport creates a SafeTransport wrapping base. A nil base gets a
// default http.Transport.
func NewSafeTransport(base *http.Transport) (*SafeTransport, error) {
	initBlockedNets()
	if initErr != nil {
		return nil, fmt.Errorf("ssrf: initialization failed: %w", initErr)
	}

	if base == nil {
		base = &http.Transport{}
	}
	st := &SafeTransport{Base: base}
	base.DialContext = st.safeDialContext
	return st, nil
}

// RoundTrip implements http.RoundTripper.
func (st *SafeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return st.Base.RoundTrip(req)
}

// resolveSafe returns the host's addresses if none of them is blocked.
// Every address is checked before any is used so a DNS answer mixing a
// public and a private address is refused.
func resolveSafe(ctx context.Context, resolver Resolver, host string) ([]net.IPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return nil, fmt.Errorf("%w: %s", ErrSSRFBlocked, ip.String())
		}
		return []net.IPAddr{{IP: ip}}, nil
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	ips, err := resolver.LookupIPAddr(dnsCtx, host)
	if err != nil {
		if dnsCtx.Err() != nil {
			return nil, fmt.Errorf("%w: host %q", ErrSSRFDNSTimeout, host)
		}
		return nil, fmt.Errorf("%w: host %q: %v", ErrSSRFDNSFailed, host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: host %q resolved to no addresses", ErrSSRFDNSFailed, host)
	}
	for _, ipAddr := range ips {
		if isBlockedIP(ipAddr.IP) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrSSRFBlocked, ipAddr.IP.String(), host)
		}
	}
	return ips, nil
}

func (st *SafeTransport) safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("ssrf: invalid address %q: %w", addr, err)
	}

	ips, err := resolveSafe(ctx, st.getResolver(), host)
	if err != nil {
		return nil, err
	}

	// Dial the validated address, not the hostname, so a second lookup
	// cannot rebind to a private IP.
	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}

func (st *SafeTransport) getResolver() Resolver {
	if st.Resolver != nil {
		return st.Resolver
	}
	return &netResolver{r: net.DefaultResolver}
}

// CheckRedirect returns an http.Client CheckRedirect function that enforces
// maxRedirects and, unless allowPrivate is set, validates every redirect
// target against the blocklist. resolver may be nil.
func CheckRedirect(maxRedirects int, allowPrivate bool, resolver Resolver) func(req *http.Request, via []*http.Request) error {
	initBlockedNets()

	if resolver == nil {
		resolver = &netResolver{r: net.DefaultResolver}
	}

	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrSSRFTooManyRedirects, maxRedirects)
		}
		if allowPrivate {
			return nil
		}

		host := req.URL.Hostname()
		if host == "" {
			return fmt.Errorf("%w: redirect URL has no host", ErrSSRFBlocked)
		}
		if _, err := resolveSafe(req.Context(), resolver, host); err != nil {
			return fmt.Errorf("redirect: %w", err)
		}
		return nil
	}
}

// ValidateTarget checks a webhook URL at startup: it must be http(s) with a
// host, and unless allowPrivate is set, its host must not resolve into a
// blocked range.
func ValidateTarget(ctx context.Context, rawURL string, allowPrivate bool, resolver Resolver) error {
	initBlockedNets()
	if initErr != nil {
		return initErr
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("webhook url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("webhook url: unsupported scheme %q", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("%w: unable to extract host from URL", ErrSSRFBlocked)
	}
	if allowPrivate {
		return nil
	}
	if resolver == nil {
		resolver = &netResolver{r: net.DefaultResolver}
	}
	_, err = resolveSafe(ctx, resolver, host)
	return err
}

// NewSafeHTTPClient creates the http.Client used for webhook calls. With
// allowPrivate the blocklist is skipped so a local mock endpoint can be
// reached; the redirect limit still applies.
func NewSafeHTTPClient(timeout time.Duration, maxRedirects int, allowPrivate bool) (*http.Client, error) {
	if allowPrivate {
		return &http.Client{
			Timeout:       timeout,
			CheckRedirect: CheckRedirect(maxRedirects, true, nil),
		}, nil
	}

	transport, err := NewSafeTransport(nil)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport:     transport,
		Timeout:       timeout,
		CheckRedirect: CheckRedirect(maxRedirects, false, transport.Resolver),
	}, nil
}

// IsSSRFError reports whether err came from the blocklist checks.
func IsSSRFError(err error) bool {
	return errors.Is(err, ErrSSRFBlocked) ||
		errors.Is(err, ErrSSRFDNSTimeout) ||
		errors.Is(err, ErrSSRFDNSFailed) ||
		errors.Is(err, ErrSSRFTooManyRedirects)
}
