package client

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	"xtream-gate/work/logger"
	"xtream-gate/work/security"
)

// MetadataTimeout is the fixed deadline for every control API call.
const MetadataTimeout = 15 * time.Second

// MaxMediaRedirects bounds redirects followed on the media pass-through.
const MaxMediaRedirects = 5

// ErrBlockedAddress is returned when a connection or redirect targets internal space.
var ErrBlockedAddress = errors.New("connection to internal address blocked")

// Options configure the upstream clients.
type Options struct {
	UserAgent string // User-Agent sent on media fetches
	// BlockPrivateDial re-checks every dialed address against the internal
	// ranges, closing the gap between validation-time and connect-time DNS.
	BlockPrivateDial bool
}

// HeaderSettingClient pairs the two upstream HTTP clients: a strict one for
// control API calls and a streaming one for media playlists.
type HeaderSettingClient struct {
	Metadata  *http.Client
	Media     *http.Client
	userAgent string
}

// NewHeaderSettingClient builds both clients over one shared transport.
func NewHeaderSettingClient(opts Options) *HeaderSettingClient {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if opts.BlockPrivateDial {
		dialer.Control = guardDial
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: MetadataTimeout,
	}

	return &HeaderSettingClient{
		Metadata: &http.Client{
			Timeout:   MetadataTimeout,
			Transport: transport,
			// a 3xx is handed back as-is and treated as an upstream failure
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Media: &http.Client{
			Timeout:       0, // no overall timeout while bytes stream
			Transport:     transport,
			CheckRedirect: checkMediaRedirect,
		},
		userAgent: opts.UserAgent,
	}
}

// DoMetadata executes a control API request.
func (hsc *HeaderSettingClient) DoMetadata(req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept", "application/json")
	return hsc.Metadata.Do(req)
}

// DoMedia executes a media request with browser-like headers.
func (hsc *HeaderSettingClient) DoMedia(req *http.Request) (*http.Response, error) {
	if hsc.userAgent != "" {
		req.Header.Set("User-Agent", hsc.userAgent)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Connection", "keep-alive")
	return hsc.Media.Do(req)
}

// checkMediaRedirect follows at most MaxMediaRedirects hops and never into
// a literal internal host.
func checkMediaRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= MaxMediaRedirects {
		return fmt.Errorf("stopped after %d redirects", MaxMediaRedirects)
	}
	if security.IsPrivateHost(req.URL.Hostname()) {
		logger.Warn("{client - checkMediaRedirect} refused redirect to internal host %s", req.URL.Hostname())
		return ErrBlockedAddress
	}
	return nil
}

// guardDial runs after DNS resolution, on the exact address being dialed.
func guardDial(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	if security.IsPrivateAddr(ip) {
		return fmt.Errorf("%w: %s %s", ErrBlockedAddress, network, ip)
	}
	return nil
}
