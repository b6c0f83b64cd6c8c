package xtream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"xtream-gate/work/client"
	"xtream-gate/work/config"
	"xtream-gate/work/logger"
	"xtream-gate/work/security"
	"xtream-gate/work/types"
)

// fakePanel emulates player_api.php and the live playlist path.
type fakePanel struct {
	status string
	calls  atomic.Int32
	srv    *httptest.Server
}

func newFakePanel(t *testing.T) *fakePanel {
	t.Helper()
	p := &fakePanel{status: "Active"}
	mux := http.NewServeMux()
	mux.HandleFunc("/player_api.php", func(w http.ResponseWriter, r *http.Request) {
		p.calls.Add(1)
		q := r.URL.Query()
		if q.Get("username") != "bob" || q.Get("password") != "s3cret" {
			w.Write([]byte(`{"user_info":{"auth":0}}`))
			return
		}
		switch q.Get("action") {
		case "":
			json.NewEncoder(w).Encode(map[string]any{
				"user_info": map[string]any{
					"username": "bob", "status": p.status, "exp_date": "1735689600",
					"active_cons": "0", "max_connections": "2",
				},
				"server_info": map[string]any{"url": "tv.example.com", "port": "8080"},
			})
		case "get_live_streams":
			w.Write([]byte(`[{"stream_id":42,"name":"News"}]`))
		case "get_simple_data_table":
			if q.Get("stream_id") == "500" {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"epg_listings":[{"id":"1","title":"Tk9WQQ==","description":"","start":"2024-01-01T20:00:00Z","end":"2024-01-01 21:00:00","channel_id":"nova.cz"}]}`))
		case "redirect":
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	mux.HandleFunc("/live/bob/s3cret/42.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-mpegURL")
		w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\n"))
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePanel) creds() types.Credentials {
	return types.Credentials{Origin: p.srv.URL, Username: "bob", Password: "s3cret"}
}

func newTestClient() *Client {
	cfg := config.Default()
	return NewClient(client.NewHeaderSettingClient(client.Options{UserAgent: cfg.UserAgent}), cfg)
}

func TestAuthenticate(t *testing.T) {
	p := newFakePanel(t)
	c := newTestClient()

	info, err := c.Authenticate(context.Background(), p.creds())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.Username != "bob" || string(info.MaxConnections) != `"2"` {
		t.Errorf("unexpected user info %+v", info)
	}

	bad := p.creds()
	bad.Password = "wrong"
	if _, err := c.Authenticate(context.Background(), bad); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}

	p.status = "Expired"
	if _, err := c.Authenticate(context.Background(), p.creds()); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expired account: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestUnreachableUpstream(t *testing.T) {
	p := newFakePanel(t)
	creds := p.creds()
	p.srv.Close()

	c := newTestClient()
	if _, err := c.Authenticate(context.Background(), creds); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestRedirectIsUpstreamFailure(t *testing.T) {
	p := newFakePanel(t)
	c := newTestClient()
	if _, err := c.fetch(context.Background(), p.creds(), "redirect", nil); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected 3xx to be an upstream failure, got %v", err)
	}
}

func TestLiveStreamsPassThrough(t *testing.T) {
	p := newFakePanel(t)
	c := newTestClient()
	body, err := c.LiveStreams(context.Background(), p.creds())
	if err != nil {
		t.Fatalf("LiveStreams: %v", err)
	}
	if string(body) != `[{"stream_id":42,"name":"News"}]` {
		t.Errorf("body was altered: %s", body)
	}
}

func TestAccountInfo(t *testing.T) {
	p := newFakePanel(t)
	c := newTestClient()
	acct, err := c.AccountInfo(context.Background(), p.creds())
	if err != nil {
		t.Fatalf("AccountInfo: %v", err)
	}
	if acct.ServerInfo.URL != "tv.example.com" || string(acct.ServerInfo.Port) != `"8080"` {
		t.Errorf("unexpected server info %+v", acct.ServerInfo)
	}
}

func TestSimpleDataTableDecodes(t *testing.T) {
	p := newFakePanel(t)
	c := newTestClient()

	payload, err := c.SimpleDataTable(context.Background(), p.creds(), "42")
	if err != nil {
		t.Fatalf("SimpleDataTable: %v", err)
	}
	if len(payload.Listings) != 1 {
		t.Fatalf("expected 1 listing, got %d", len(payload.Listings))
	}
	l := payload.Listings[0]
	if l.Title != "NOVA" || l.Description != "" {
		t.Errorf("text not decoded: %+v", l)
	}
	if l.Start != 1704139200 || l.End != 1704142800 {
		t.Errorf("times: start=%d end=%d", l.Start, l.End)
	}
	if string(l.Extra["channel_id"]) != `"nova.cz"` {
		t.Errorf("extra fields lost: %v", l.Extra)
	}

	if _, err := c.SimpleDataTable(context.Background(), p.creds(), "500"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("expected upstream failure, got %v", err)
	}
}

func TestInvalidStreamIDMakesNoCall(t *testing.T) {
	p := newFakePanel(t)
	c := newTestClient()

	if _, err := c.SimpleDataTable(context.Background(), p.creds(), "42;drop"); !errors.Is(err, security.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := c.OpenStream(context.Background(), p.creds(), "../etc"); !errors.Is(err, security.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
	if n := p.calls.Load(); n != 0 {
		t.Errorf("expected no upstream call, got %d", n)
	}
}

func TestOpenStream(t *testing.T) {
	p := newFakePanel(t)
	c := newTestClient()

	resp, err := c.OpenStream(context.Background(), p.creds(), "42")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "#EXTM3U\n#EXT-X-VERSION:3\n" {
		t.Errorf("unexpected playlist %q", body)
	}

	if _, err := c.OpenStream(context.Background(), p.creds(), "43"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("missing stream: expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestOpenStreamHonorsCancel(t *testing.T) {
	p := newFakePanel(t)
	c := newTestClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.OpenStream(ctx, p.creds(), "42"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected cancelled fetch to fail, got %v", err)
	}
}

func TestDecodeText(t *testing.T) {
	cases := map[string]string{
		"":             "",
		"Tk9WQQ==":     "NOVA",
		"Tk9WQQ":       "NOVA",
		"w6lsw6hiZQ==": "élèbe",
		"plain text!":  "plain text!",
	}
	for in, want := range cases {
		if got := DecodeText(in); got != want {
			t.Errorf("DecodeText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseTime(t *testing.T) {
	cases := map[string]int64{
		"":                          0,
		"garbage":                   0,
		"2024-01-01T20:00:00Z":      1704139200,
		"2024-01-01T21:00:00+01:00": 1704139200,
		"2024-01-01 20:00:00":       1704139200,
	}
	for in, want := range cases {
		if got := ParseTime(in); got != want {
			t.Errorf("ParseTime(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestStreamURLEscapesCredentials(t *testing.T) {
	got := StreamURL(types.Credentials{Origin: "http://tv.example.com", Username: "a b", Password: "p/w"}, "7")
	if got != "http://tv.example.com/live/a%20b/p%2Fw/7.m3u8" {
		t.Errorf("StreamURL = %s", got)
	}
}

func TestTransportErrorsKeepCredentialsOutOfLogs(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(os.Stdout) })

	p := newFakePanel(t)
	creds := p.creds()
	creds.Password = "TOPSECRETPW"
	p.srv.Close()

	c := newTestClient()
	_, liveErr := c.LiveStreams(context.Background(), creds)
	_, streamErr := c.OpenStream(context.Background(), creds, "42")

	for name, err := range map[string]error{"live": liveErr, "stream": streamErr} {
		if !errors.Is(err, ErrUpstreamUnavailable) {
			t.Fatalf("%s: expected ErrUpstreamUnavailable, got %v", name, err)
		}
		if strings.Contains(err.Error(), "TOPSECRETPW") {
			t.Errorf("%s: returned error carries the password: %v", name, err)
		}
	}
	if buf.Len() == 0 {
		t.Fatal("expected the failures to be logged")
	}
	if strings.Contains(buf.String(), "TOPSECRETPW") {
		t.Errorf("password written to the log:\n%s", buf.String())
	}
}

func TestDecodeEPGTopLevel(t *testing.T) {
	var top map[string]json.RawMessage
	json.Unmarshal([]byte(`{"epg_listings":[{"title":"Tk9WQQ=="}],"channel":"nova.cz"}`), &top)

	payload, err := decodeEPG(top)
	if err != nil {
		t.Fatal(err)
	}
	if len(payload.Listings) != 1 || string(payload.Extra["channel"]) != `"nova.cz"` {
		t.Errorf("unexpected payload %+v", payload)
	}
	if _, ok := payload.Extra["epg_listings"]; ok {
		t.Error("listings must not be duplicated into Extra")
	}

	raw, _ := json.Marshal(payload)
	if !strings.Contains(string(raw), `"channel":"nova.cz"`) || !strings.Contains(string(raw), `"title":"NOVA"`) {
		t.Errorf("marshal lost fields: %s", raw)
	}

	if p, err := decodeEPG(map[string]json.RawMessage{}); err != nil || p.Listings == nil {
		t.Errorf("missing listings should decode to empty, got %+v %v", p, err)
	}
	if _, err := decodeEPG(map[string]json.RawMessage{"epg_listings": json.RawMessage(`false`)}); err == nil {
		t.Error("non-array listings must fail")
	}
}
