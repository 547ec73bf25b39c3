package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlockedEndpoint is returned for URLs the server must not call.
var ErrBlockedEndpoint = errors.New("security: endpoint not allowed")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// EndpointPolicy decides which webhook URLs the server may call.
type EndpointPolicy struct {
	// AllowPrivate admits loopback and private addresses. Development only.
	AllowPrivate bool
	// RequireHTTPS rejects plain http URLs.
	RequireHTTPS bool
	// LookupHost resolves host names; net.DefaultResolver when nil.
	LookupHost func(ctx context.Context, host string) ([]string, error)
}

// Validate checks that an endpoint URL is safe for server-side requests.
// Private, loopback, link-local and unspecified IPs are blocked to prevent
// SSRF. Both the literal host and its DNS-resolved addresses are checked.
func (p EndpointPolicy) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrBlockedEndpoint)
	}

	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !p.RequireHTTPS:
	default:
		return fmt.Errorf("%w: scheme %q not allowed", ErrBlockedEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrBlockedEndpoint)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in URL", ErrBlockedEndpoint)
	}
	if p.AllowPrivate {
		return nil
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	lookup := p.LookupHost
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}
	addrs, err := lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve host %s", ErrBlockedEndpoint, host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedEndpoint)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address", ErrBlockedEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedEndpoint)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrBlockedEndpoint)
	}
	return nil
}
