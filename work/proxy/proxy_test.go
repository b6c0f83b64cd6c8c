package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"xtream-gate/work/buffer"
	"xtream-gate/work/cache"
	"xtream-gate/work/config"
	"xtream-gate/work/security"
	"xtream-gate/work/session"
	"xtream-gate/work/token"
	"xtream-gate/work/types"
	"xtream-gate/work/xtream"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// fakeRelay records calls and serves canned answers.
type fakeRelay struct {
	mu       sync.Mutex
	epgCalls map[string]int
	failEPG  map[string]bool
	authErr  error
	block    chan struct{} // when set, SimpleDataTable waits on it
	gotCreds types.Credentials
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{epgCalls: map[string]int{}, failEPG: map[string]bool{}}
}

func (f *fakeRelay) Authenticate(_ context.Context, creds types.Credentials) (xtream.UserInfo, error) {
	f.mu.Lock()
	f.gotCreds = creds
	f.mu.Unlock()
	if f.authErr != nil {
		return xtream.UserInfo{}, f.authErr
	}
	return xtream.UserInfo{
		Username:       creds.Username,
		Status:         "Active",
		ExpDate:        json.RawMessage(`"1735689600"`),
		ActiveCons:     json.RawMessage(`"0"`),
		MaxConnections: json.RawMessage(`"1"`),
	}, nil
}

func (f *fakeRelay) AccountInfo(context.Context, types.Credentials) (xtream.AccountResponse, error) {
	return xtream.AccountResponse{
		UserInfo:   xtream.UserInfo{Username: "bob", Status: "Active"},
		ServerInfo: xtream.ServerInfo{URL: "http://line.example.com:8080/c/", Port: json.RawMessage(`"8080"`)},
	}, nil
}

func (f *fakeRelay) LiveStreams(context.Context, types.Credentials) ([]byte, error) {
	return []byte(`[{"stream_id":1}]`), nil
}

func (f *fakeRelay) SimpleDataTable(_ context.Context, _ types.Credentials, id string) (types.EPGPayload, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.epgCalls[id]++
	fail := f.failEPG[id]
	f.mu.Unlock()
	if fail {
		return types.EPGPayload{}, xtream.ErrUpstreamUnavailable
	}
	return types.EPGPayload{Listings: []types.Listing{{Title: "show " + id, Start: 1, End: 2}}}, nil
}

func (f *fakeRelay) OpenStream(_ context.Context, _ types.Credentials, id string) (*http.Response, error) {
	if id != "42" {
		return nil, xtream.ErrUpstreamUnavailable
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(strings.Repeat("#EXTINF:10,\nseg.ts\n", 100))),
	}, nil
}

func (f *fakeRelay) calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epgCalls[id]
}

func (f *fakeRelay) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.epgCalls {
		n += c
	}
	return n
}

type stubValidator struct {
	origin string
	err    error
}

func (s stubValidator) Validate(context.Context, string) (string, error) {
	return s.origin, s.err
}

func newTestProxy(t *testing.T) (*StreamProxy, *fakeRelay) {
	t.Helper()
	cfg := config.Default()
	cfg.JWTSecret = testSecret
	iss, err := token.NewIssuer(testSecret, nil)
	if err != nil {
		t.Fatal(err)
	}
	relay := newFakeRelay()
	sp := New(cfg,
		stubValidator{origin: "http://tv.example.com"},
		session.NewStore(cfg.SessionTTL, cfg.SessionSweepInterval),
		iss,
		relay,
		cache.NewEPGCache(cfg.EPGCacheTTL, cfg.EPGSweepInterval),
		buffer.NewBufferPool(64),
	)
	return sp, relay
}

func creds() types.Credentials {
	return types.Credentials{Origin: "http://tv.example.com", Username: "bob", Password: "secret"}
}

func TestLogin(t *testing.T) {
	sp, relay := newTestProxy(t)

	resp, err := sp.Login(context.Background(), LoginRequest{DNS: "tv.example.com", Username: " bob<script> ", Password: "secret"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if relay.gotCreds.Username != "bobscript" || relay.gotCreds.Origin != "http://tv.example.com" {
		t.Errorf("credentials not sanitized/normalized: %+v", relay.gotCreds)
	}
	if resp.User.Status != "Active" {
		t.Errorf("unexpected user %+v", resp.User)
	}

	sid, err := sp.Tokens.Verify(resp.Token)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	sess, ok := sp.Sessions.Get(sid)
	if !ok || sess.Credentials.Password != "secret" {
		t.Fatalf("session not stored: %+v %v", sess, ok)
	}
}

func TestLoginErrors(t *testing.T) {
	cases := []struct {
		name      string
		req       LoginRequest
		validator stubValidator
		authErr   error
		want      error
	}{
		{"missing dns", LoginRequest{Username: "bob", Password: "x"}, stubValidator{origin: "http://a"}, nil, security.ErrMissingFields},
		{"missing password", LoginRequest{DNS: "a", Username: "bob"}, stubValidator{origin: "http://a"}, nil, security.ErrMissingFields},
		{"markup only", LoginRequest{DNS: "a", Username: "<>", Password: "x"}, stubValidator{origin: "http://a"}, nil, security.ErrInvalidCredentialFmt},
		{"private host", LoginRequest{DNS: "10.0.0.1", Username: "bob", Password: "x"}, stubValidator{err: security.ErrPrivateAddress}, nil, security.ErrPrivateAddress},
		{"bad credentials", LoginRequest{DNS: "a", Username: "bob", Password: "x"}, stubValidator{origin: "http://a"}, xtream.ErrInvalidCredentials, xtream.ErrInvalidCredentials},
		{"unreachable", LoginRequest{DNS: "a", Username: "bob", Password: "x"}, stubValidator{origin: "http://a"}, xtream.ErrUpstreamUnavailable, xtream.ErrUpstreamUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sp, relay := newTestProxy(t)
			sp.Validator = tc.validator
			relay.authErr = tc.authErr

			_, err := sp.Login(context.Background(), tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if sp.Sessions.Len() != 0 {
				t.Error("failed login must not create a session")
			}
		})
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	sp, _ := newTestProxy(t)
	resp, err := sp.Login(context.Background(), LoginRequest{DNS: "a", Username: "bob", Password: "x"})
	if err != nil {
		t.Fatal(err)
	}
	sid, _ := sp.Tokens.Verify(resp.Token)
	sp.Logout(sid)
	if _, ok := sp.Sessions.Get(sid); ok {
		t.Fatal("session survived logout")
	}
}

func TestPlay(t *testing.T) {
	sp, _ := newTestProxy(t)
	sp.now = func() time.Time { return time.UnixMilli(1700000000123) }
	sess, _ := sp.Sessions.Create(creds())

	direct, err := sp.Play(creds(), PlayRequest{StreamID: "42", SessionID: sess.ID, Host: "gate.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	u, _ := base64.StdEncoding.DecodeString(direct.U)
	if direct.Proxy || string(u) != "http://tv.example.com/live/bob/secret/42.m3u8" || direct.T != 1700000000123 {
		t.Errorf("unexpected direct play %+v (%s)", direct, u)
	}

	proxied, err := sp.Play(creds(), PlayRequest{StreamID: "42", SessionID: sess.ID, Secure: true, Host: "gate.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	u, _ = base64.StdEncoding.DecodeString(proxied.U)
	if !proxied.Proxy || !strings.HasPrefix(string(u), "https://gate.example.com/xtream/stream/42?token=") {
		t.Fatalf("unexpected proxied play %+v (%s)", proxied, u)
	}
	tok := strings.SplitN(string(u), "token=", 2)[1]
	if sid, err := sp.Tokens.Verify(tok); err != nil || sid != sess.ID {
		t.Errorf("stream token does not reference the session: %v", err)
	}

	httpsUpstream := creds()
	httpsUpstream.Origin = "https://tv.example.com"
	if r, _ := sp.Play(httpsUpstream, PlayRequest{StreamID: "42", SessionID: sess.ID, Secure: true}); r.Proxy {
		t.Error("https upstream must not be proxied")
	}

	if _, err := sp.Play(creds(), PlayRequest{StreamID: "4x"}); !errors.Is(err, security.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestPlayHonorsPrefix(t *testing.T) {
	sp, _ := newTestProxy(t)
	sp.Config.APIPrefix = "/api"
	sess, _ := sp.Sessions.Create(creds())
	r, err := sp.Play(creds(), PlayRequest{StreamID: "7", SessionID: sess.ID, Secure: true, Host: "gate.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	u, _ := base64.StdEncoding.DecodeString(r.U)
	if !strings.HasPrefix(string(u), "https://gate.example.com/api/xtream/stream/7?token=") {
		t.Errorf("prefix missing: %s", u)
	}
}

func TestAccountReducesURLToHost(t *testing.T) {
	sp, _ := newTestProxy(t)
	acct, err := sp.Account(context.Background(), creds())
	if err != nil {
		t.Fatal(err)
	}
	if acct.URL != "line.example.com" || string(acct.Port) != `"8080"` {
		t.Errorf("unexpected account %+v", acct)
	}
}

func TestStreamRelaysBody(t *testing.T) {
	sp, _ := newTestProxy(t)
	req := httptest.NewRequest(http.MethodGet, "/xtream/stream/42", nil)
	rec := httptest.NewRecorder()

	if err := sp.Stream(rec, req, creds(), "42"); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := rec.Header().Get("Content-Type"); got != defaultPlaylistType {
		t.Errorf("Content-Type = %q", got)
	}
	if rec.Header().Get("Cache-Control") != "no-cache" || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing stream headers: %v", rec.Header())
	}
	if want := strings.Repeat("#EXTINF:10,\nseg.ts\n", 100); rec.Body.String() != want {
		t.Errorf("body altered: %d bytes", rec.Body.Len())
	}

	rec = httptest.NewRecorder()
	if err := sp.Stream(rec, req, creds(), "43"); !errors.Is(err, xtream.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream error before any write, got %v", err)
	}
	if rec.Body.Len() != 0 {
		t.Error("nothing should be written on open failure")
	}
}
