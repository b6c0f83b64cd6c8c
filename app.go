package main

import (
	"context"
	"net/http"

	"xtream-gate/work/auth"
	"xtream-gate/work/buffer"
	"xtream-gate/work/cache"
	"xtream-gate/work/client"
	"xtream-gate/work/config"
	"xtream-gate/work/proxy"
	"xtream-gate/work/security"
	"xtream-gate/work/session"
	"xtream-gate/work/token"
	"xtream-gate/work/xtream"
)

// app owns every long-lived component and the sweep tasks running on them.
type app struct {
	cfg      *config.Config
	sessions *session.Store
	epg      *cache.EPGCache
	proxy    *proxy.StreamProxy
	handler  http.Handler
}

// newApp wires the gateway. A nil validator uses the DNS-checking origin
// validator; blockPrivateDial also guards every outbound connection.
func newApp(cfg *config.Config, validator proxy.OriginValidator, blockPrivateDial bool) (*app, error) {
	issuer, err := token.NewIssuer(cfg.JWTSecret, nil)
	if err != nil {
		return nil, err
	}
	if validator == nil {
		validator = security.NewOriginValidator(nil)
	}

	httpClient := client.NewHeaderSettingClient(client.Options{
		UserAgent:        cfg.UserAgent,
		BlockPrivateDial: blockPrivateDial,
	})

	sessions := session.NewStore(cfg.SessionTTL, cfg.SessionSweepInterval)
	epg := cache.NewEPGCache(cfg.EPGCacheTTL, cfg.EPGSweepInterval)
	sp := proxy.New(cfg, validator, sessions, issuer, xtream.NewClient(httpClient, cfg), epg, buffer.NewBufferPool(buffer.DefaultChunkSize))

	return &app{
		cfg:      cfg,
		sessions: sessions,
		epg:      epg,
		proxy:    sp,
		handler:  setupRoutes(cfg, sp, auth.NewGate(issuer, sessions)),
	}, nil
}

// start launches the sweep tasks; they end with ctx or stop.
func (a *app) start(ctx context.Context) {
	a.sessions.Start(ctx)
	a.epg.Start(ctx)
}

// stop ends the sweep tasks and waits for them.
func (a *app) stop() {
	a.sessions.Stop()
	a.epg.Stop()
}
