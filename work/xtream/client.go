// Package xtream is the outbound side of the gateway: one request per
// player_api.php capability against the origin stored in a session.
package xtream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"xtream-gate/work/client"
	"xtream-gate/work/config"
	"xtream-gate/work/logger"
	"xtream-gate/work/metrics"
	"xtream-gate/work/security"
	"xtream-gate/work/types"
	"xtream-gate/work/utils"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

// Relay errors. ErrUpstreamUnavailable covers transport failures, timeouts,
// redirects and non-2xx answers; clients only ever see its generic text.
var (
	ErrUpstreamUnavailable = errors.New("xtream API unreachable")
	ErrInvalidCredentials  = errors.New("invalid credentials or inactive account")
)

// maxControlBody bounds how much of a control API answer is read.
const maxControlBody = 32 << 20

// UserInfo is the account block returned by player_api.php without an action.
// Numeric-looking fields are passed through in whatever JSON type the server used.
type UserInfo struct {
	Username       string          `json:"username"`
	Status         string          `json:"status"`
	ExpDate        json.RawMessage `json:"exp_date"`
	ActiveCons     json.RawMessage `json:"active_cons"`
	MaxConnections json.RawMessage `json:"max_connections"`
}

// ServerInfo is the server block of the same answer.
type ServerInfo struct {
	URL  string          `json:"url"`
	Port json.RawMessage `json:"port"`
}

// AccountResponse is the full answer of a bare player_api.php call.
type AccountResponse struct {
	UserInfo   UserInfo   `json:"user_info"`
	ServerInfo ServerInfo `json:"server_info"`
}

// Client talks to upstream control servers on behalf of sessions.
type Client struct {
	http     *client.HeaderSettingClient
	cfg      *config.Config
	limiters *xsync.MapOf[string, ratelimit.Limiter]
}

// NewClient returns a relay using hc for transport. Outbound calls are paced
// per origin at cfg.UpstreamRatePerSec.
func NewClient(hc *client.HeaderSettingClient, cfg *config.Config) *Client {
	return &Client{
		http:     hc,
		cfg:      cfg,
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// Authenticate checks creds against the upstream. An undecodable answer or a
// status other than "Active" is ErrInvalidCredentials.
func (c *Client) Authenticate(ctx context.Context, creds types.Credentials) (UserInfo, error) {
	body, err := c.fetch(ctx, creds, "login", nil)
	if err != nil {
		return UserInfo{}, err
	}
	var resp AccountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		logger.Debug("{xtream/client - Authenticate} undecodable login answer from %s: %v", utils.LogURL(c.cfg, creds.Origin), err)
		return UserInfo{}, ErrInvalidCredentials
	}
	if resp.UserInfo.Status != "Active" {
		logger.Debug("{xtream/client - Authenticate} account status %q on %s", resp.UserInfo.Status, utils.LogURL(c.cfg, creds.Origin))
		return UserInfo{}, ErrInvalidCredentials
	}
	return resp.UserInfo, nil
}

// AccountInfo returns the user and server blocks for the session's account.
func (c *Client) AccountInfo(ctx context.Context, creds types.Credentials) (AccountResponse, error) {
	return fetchJSON[AccountResponse](ctx, c, creds, "account", nil)
}

// LiveStreams returns the upstream live channel list verbatim.
func (c *Client) LiveStreams(ctx context.Context, creds types.Credentials) ([]byte, error) {
	body, err := c.fetch(ctx, creds, "get_live_streams", nil)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		logger.Warn("{xtream/client - LiveStreams} non-JSON answer from %s", utils.LogURL(c.cfg, creds.Origin))
		return nil, ErrUpstreamUnavailable
	}
	return body, nil
}

// SimpleDataTable fetches and decodes the short EPG of one stream.
func (c *Client) SimpleDataTable(ctx context.Context, creds types.Credentials, streamID string) (types.EPGPayload, error) {
	id, err := security.ValidateStreamID(streamID)
	if err != nil {
		return types.EPGPayload{}, err
	}
	top, err := fetchJSON[map[string]json.RawMessage](ctx, c, creds, "get_simple_data_table", url.Values{"stream_id": {id}})
	if err != nil {
		return types.EPGPayload{}, err
	}
	payload, err := decodeEPG(top)
	if err != nil {
		logger.Warn("{xtream/client - SimpleDataTable} malformed listings for stream %s: %v", id, err)
		return types.EPGPayload{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return payload, nil
}

// StreamURL is the direct live playlist URL. It embeds the credentials and
// must never be logged unobfuscated.
func StreamURL(creds types.Credentials, streamID string) string {
	return fmt.Sprintf("%s/live/%s/%s/%s.m3u8",
		creds.Origin, url.PathEscape(creds.Username), url.PathEscape(creds.Password), streamID)
}

// OpenStream starts the media fetch for streamID. The request is bound to
// ctx, so cancelling it aborts the transfer. The caller closes the body.
func (c *Client) OpenStream(ctx context.Context, creds types.Credentials, streamID string) (*http.Response, error) {
	id, err := security.ValidateStreamID(streamID)
	if err != nil {
		return nil, err
	}
	target := StreamURL(creds, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, utils.RedactError(c.cfg, err))
	}

	c.limiter(creds.Origin).Take()
	start := time.Now()
	resp, err := c.http.DoMedia(req)
	metrics.UpstreamLatency.WithLabelValues("stream").Observe(time.Since(start).Seconds())
	if err != nil {
		err = utils.RedactError(c.cfg, err)
		metrics.UpstreamRequests.WithLabelValues("stream", "error").Inc()
		logger.Error("{xtream/client - OpenStream} fetch %s failed: %v", utils.LogURL(c.cfg, target), err)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		metrics.UpstreamRequests.WithLabelValues("stream", "error").Inc()
		logger.Error("{xtream/client - OpenStream} %s returned HTTP %d", utils.LogURL(c.cfg, target), resp.StatusCode)
		return nil, fmt.Errorf("%w: HTTP %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	metrics.UpstreamRequests.WithLabelValues("stream", "ok").Inc()
	return resp, nil
}

// controlURL builds {origin}/player_api.php with credentials and params.
func controlURL(creds types.Credentials, action string, params url.Values) string {
	q := url.Values{}
	q.Set("username", creds.Username)
	q.Set("password", creds.Password)
	if action != "" {
		q.Set("action", action)
	}
	for k, v := range params {
		q[k] = v
	}
	return strings.TrimRight(creds.Origin, "/") + "/player_api.php?" + q.Encode()
}

// fetch performs one control API call. label names the call in metrics and
// logs; labels that are not player_api actions send no action parameter.
func (c *Client) fetch(ctx context.Context, creds types.Credentials, label string, params url.Values) ([]byte, error) {
	action := label
	if label == "login" || label == "account" {
		action = ""
	}
	target := controlURL(creds, action, params)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, utils.RedactError(c.cfg, err))
	}

	c.limiter(creds.Origin).Take()
	start := time.Now()
	resp, err := c.http.DoMetadata(req)
	metrics.UpstreamLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		err = utils.RedactError(c.cfg, err)
		metrics.UpstreamRequests.WithLabelValues(label, "error").Inc()
		logger.Error("{xtream/client - fetch} %s request to %s failed: %v", label, utils.LogURL(c.cfg, target), err)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.UpstreamRequests.WithLabelValues(label, "error").Inc()
		logger.Error("{xtream/client - fetch} %s returned HTTP %d for %s", label, resp.StatusCode, utils.LogURL(c.cfg, target))
		return nil, fmt.Errorf("%w: HTTP %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxControlBody))
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(label, "error").Inc()
		logger.Error("{xtream/client - fetch} reading %s answer failed: %v", label, err)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	metrics.UpstreamRequests.WithLabelValues(label, "ok").Inc()
	logger.Debug("{xtream/client - fetch} %s answer from %s: %d bytes", label, utils.LogURL(c.cfg, target), len(body))
	return body, nil
}

// fetchJSON is fetch plus decoding into T. A malformed body is an upstream failure.
func fetchJSON[T any](ctx context.Context, c *Client, creds types.Credentials, label string, params url.Values) (T, error) {
	var data T
	body, err := c.fetch(ctx, creds, label, params)
	if err != nil {
		return data, err
	}
	if err := json.Unmarshal(body, &data); err != nil {
		preview := string(body)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		logger.Warn("{xtream/client - fetchJSON} failed to parse %s answer: %v (preview: %s)", label, err, preview)
		return data, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return data, nil
}

// limiter returns the pacing limiter for origin, creating it on first use.
func (c *Client) limiter(origin string) ratelimit.Limiter {
	l, _ := c.limiters.LoadOrCompute(origin, func() ratelimit.Limiter {
		if c.cfg == nil || c.cfg.UpstreamRatePerSec <= 0 {
			return ratelimit.NewUnlimited()
		}
		return ratelimit.New(c.cfg.UpstreamRatePerSec)
	})
	return l
}
