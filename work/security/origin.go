// Package security holds the input guards that run before any upstream call:
// the SSRF-hardened origin validator, credential sanitizing and stream id checks.
package security

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"xtream-gate/work/logger"

	regexp "github.com/grafana/regexp"
)

// Validator errors. Their text is safe to show to clients.
var (
	ErrInvalidURL        = errors.New("invalid URL format")
	ErrUnsupportedScheme = errors.New("only HTTP/HTTPS protocols allowed")
	ErrPrivateAddress    = errors.New("private/internal addresses not allowed")
)

// defaultLookupTimeout bounds DNS resolution during validation.
const defaultLookupTimeout = 5 * time.Second

// explicitScheme matches inputs that already name a scheme ("ftp://", "HTTPS://").
var explicitScheme = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*://`)

// blockedPrefixes covers loopback, private, link-local, "this network",
// multicast and reserved space for both address families.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// Resolver is the subset of *net.Resolver the validator needs.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// OriginValidator normalizes user-supplied upstream hosts and rejects any
// that point, literally or through DNS, at internal address space.
type OriginValidator struct {
	resolver      Resolver
	lookupTimeout time.Duration
}

// NewOriginValidator returns a validator using r for forward lookups.
// A nil resolver uses net.DefaultResolver.
func NewOriginValidator(r Resolver) *OriginValidator {
	if r == nil {
		r = net.DefaultResolver
	}
	return &OriginValidator{resolver: r, lookupTimeout: defaultLookupTimeout}
}

// Validate returns the normalized origin (scheme://host[:port]) for raw.
// An unresolvable host is allowed; the later outbound connection fails on its own.
func (v *OriginValidator) Validate(ctx context.Context, raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidURL
	}
	if !explicitScheme.MatchString(s) {
		s = "http://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", ErrInvalidURL
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", ErrUnsupportedScheme
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return "", ErrInvalidURL
	}

	if IsPrivateHost(host) {
		return "", ErrPrivateAddress
	}

	// IP literals were fully checked above
	if _, err := netip.ParseAddr(host); err != nil {
		if err := v.checkResolved(ctx, host); err != nil {
			return "", err
		}
	}

	return buildOrigin(scheme, host, u.Port()), nil
}

// checkResolved resolves host and rejects it if any address is internal.
func (v *OriginValidator) checkResolved(ctx context.Context, host string) error {
	lookupCtx, cancel := context.WithTimeout(ctx, v.lookupTimeout)
	defer cancel()

	addrs, err := v.resolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		logger.Debug("{security/origin - checkResolved} lookup failed for %s, allowing: %v", host, err)
		return nil
	}

	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP)
		if ok && IsPrivateAddr(ip) {
			logger.Warn("{security/origin - checkResolved} %s resolves to internal address %s", host, ip)
			return ErrPrivateAddress
		}
	}
	return nil
}

// IsPrivateHost reports whether a hostname literal is localhost or an
// internal IP address.
func IsPrivateHost(host string) bool {
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "localhost" {
		return true
	}
	// strip an IPv6 zone before parsing
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return IsPrivateAddr(ip)
}

// IsPrivateAddr reports whether ip falls in any blocked range.
func IsPrivateAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// buildOrigin joins the parts, dropping the scheme's default port.
func buildOrigin(scheme, host, port string) string {
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		return scheme + "://" + net.JoinHostPort(host, port)
	}
	if strings.Contains(host, ":") {
		return scheme + "://[" + host + "]"
	}
	return scheme + "://" + host
}
