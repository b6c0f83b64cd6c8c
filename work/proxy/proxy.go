package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"xtream-gate/work/buffer"
	"xtream-gate/work/cache"
	"xtream-gate/work/config"
	"xtream-gate/work/logger"
	"xtream-gate/work/security"
	"xtream-gate/work/session"
	"xtream-gate/work/token"
	"xtream-gate/work/types"
	"xtream-gate/work/utils"
	"xtream-gate/work/xtream"

	"golang.org/x/sync/singleflight"
)

// Relay is the upstream surface the service drives.
type Relay interface {
	Authenticate(ctx context.Context, creds types.Credentials) (xtream.UserInfo, error)
	AccountInfo(ctx context.Context, creds types.Credentials) (xtream.AccountResponse, error)
	LiveStreams(ctx context.Context, creds types.Credentials) ([]byte, error)
	SimpleDataTable(ctx context.Context, creds types.Credentials, streamID string) (types.EPGPayload, error)
	OpenStream(ctx context.Context, creds types.Credentials, streamID string) (*http.Response, error)
}

// OriginValidator normalizes and vets the upstream host given at login.
type OriginValidator interface {
	Validate(ctx context.Context, raw string) (string, error)
}

// StreamPath is the media pass-through route, relative to the API prefix.
const StreamPath = "/xtream/stream/"

// StreamProxy is the gateway core: it owns the login flow, the EPG fill
// path and the media relay, and keeps credentials on the server side.
type StreamProxy struct {
	Config     *config.Config
	Validator  OriginValidator
	Sessions   *session.Store
	Tokens     *token.Issuer
	Relay      Relay
	EPGCache   *cache.EPGCache
	BufferPool *buffer.BufferPool

	fills singleflight.Group
	now   func() time.Time
}

// New wires a StreamProxy from its parts.
func New(cfg *config.Config, validator OriginValidator, sessions *session.Store, tokens *token.Issuer, relay Relay, epg *cache.EPGCache, bufferPool *buffer.BufferPool) *StreamProxy {
	return &StreamProxy{
		Config:     cfg,
		Validator:  validator,
		Sessions:   sessions,
		Tokens:     tokens,
		Relay:      relay,
		EPGCache:   epg,
		BufferPool: bufferPool,
		now:        time.Now,
	}
}

// LoginRequest is the login body.
type LoginRequest struct {
	DNS      string `json:"dns"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the bearer token and the upstream account summary.
type LoginResponse struct {
	Token string          `json:"token"`
	User  xtream.UserInfo `json:"user"`
}

// Login validates the upstream host, checks the credentials against it and
// opens a session.
func (sp *StreamProxy) Login(ctx context.Context, req LoginRequest) (LoginResponse, error) {
	if strings.TrimSpace(req.DNS) == "" || req.Username == "" || req.Password == "" {
		return LoginResponse{}, security.ErrMissingFields
	}

	username := security.SanitizeInput(req.Username, security.MaxCredentialLength)
	password := security.SanitizeInput(req.Password, security.MaxCredentialLength)
	if username == "" || password == "" {
		return LoginResponse{}, security.ErrInvalidCredentialFmt
	}

	origin, err := sp.Validator.Validate(ctx, req.DNS)
	if err != nil {
		logger.Warn("{proxy - Login} rejected upstream host %q: %v", utils.HostOnly(req.DNS), err)
		return LoginResponse{}, err
	}

	creds := types.Credentials{Origin: origin, Username: username, Password: password}
	info, err := sp.Relay.Authenticate(ctx, creds)
	if err != nil {
		return LoginResponse{}, err
	}

	sess, err := sp.Sessions.Create(creds)
	if err != nil {
		return LoginResponse{}, err
	}
	tok, _, err := sp.Tokens.Issue(sess.ID, sp.Config.SessionTTL)
	if err != nil {
		sp.Sessions.Delete(sess.ID)
		return LoginResponse{}, err
	}

	logger.Info("{proxy - Login} session opened for %s on %s", username, utils.HostOnly(origin))
	return LoginResponse{Token: tok, User: info}, nil
}

// Logout destroys the session; every token referencing it stops working.
func (sp *StreamProxy) Logout(sessionID string) {
	sp.Sessions.Delete(sessionID)
	logger.Debug("{proxy - Logout} session closed")
}

// Live returns the upstream live channel list unmodified.
func (sp *StreamProxy) Live(ctx context.Context, creds types.Credentials) ([]byte, error) {
	return sp.Relay.LiveStreams(ctx, creds)
}

// AccountSummary is the account view returned to the browser.
type AccountSummary struct {
	Username       string          `json:"username"`
	Status         string          `json:"status"`
	ExpDate        json.RawMessage `json:"exp_date"`
	ActiveCons     json.RawMessage `json:"active_cons"`
	MaxConnections json.RawMessage `json:"max_connections"`
	URL            string          `json:"url"`
	Port           json.RawMessage `json:"port"`
}

// Account fetches account details. The server URL is reduced to its hostname.
func (sp *StreamProxy) Account(ctx context.Context, creds types.Credentials) (AccountSummary, error) {
	acct, err := sp.Relay.AccountInfo(ctx, creds)
	if err != nil {
		return AccountSummary{}, err
	}
	return AccountSummary{
		Username:       acct.UserInfo.Username,
		Status:         acct.UserInfo.Status,
		ExpDate:        acct.UserInfo.ExpDate,
		ActiveCons:     acct.UserInfo.ActiveCons,
		MaxConnections: acct.UserInfo.MaxConnections,
		URL:            utils.HostOnly(acct.ServerInfo.URL),
		Port:           acct.ServerInfo.Port,
	}, nil
}

// PlayRequest describes the inbound request a play URL is built for.
type PlayRequest struct {
	StreamID  string
	SessionID string
	Secure    bool   // inbound request arrived over HTTPS
	Host      string // public host the browser used
}

// PlayResponse is the obfuscated playback URL.
type PlayResponse struct {
	U     string `json:"u"`     // base64 of the URL
	T     int64  `json:"t"`     // issue time, Unix milliseconds
	Proxy bool   `json:"proxy"` // true when the URL points at the media pass-through
}

// Play builds the playback URL for a stream. An HTTPS page cannot load an
// http upstream, so in that case the URL points at the media pass-through
// with a short-lived token instead of at the upstream directly.
func (sp *StreamProxy) Play(creds types.Credentials, req PlayRequest) (PlayResponse, error) {
	id, err := security.ValidateStreamID(req.StreamID)
	if err != nil {
		return PlayResponse{}, err
	}

	now := sp.now()
	if req.Secure && strings.HasPrefix(creds.Origin, "http://") {
		tok, _, err := sp.Tokens.Issue(req.SessionID, sp.Config.StreamTokenTTL)
		if err != nil {
			return PlayResponse{}, err
		}
		target := "https://" + req.Host + sp.Config.APIPrefix + StreamPath + id + "?token=" + url.QueryEscape(tok)
		return PlayResponse{U: base64.StdEncoding.EncodeToString([]byte(target)), T: now.UnixMilli(), Proxy: true}, nil
	}

	target := xtream.StreamURL(creds, id)
	return PlayResponse{U: base64.StdEncoding.EncodeToString([]byte(target)), T: now.UnixMilli(), Proxy: false}, nil
}
