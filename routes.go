package main

import (
	"net/http"

	"xtream-gate/work/auth"
	"xtream-gate/work/config"
	"xtream-gate/work/handlers"
	"xtream-gate/work/middleware"
	"xtream-gate/work/proxy"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	msgTooManyRequests = "Too many requests, please try again later"
	msgTooManyLogins   = "Too many login attempts, please try again later"
)

// setupRoutes builds the full handler: global middleware around a router
// with /metrics at the root and the API under cfg.APIPrefix.
func setupRoutes(cfg *config.Config, sp *proxy.StreamProxy, gate *auth.Gate) http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	apiLimiter := middleware.NewRateLimiter("api", cfg.APIRateLimit, cfg.RateLimitWindow, msgTooManyRequests, cfg.TrustProxy)
	loginLimiter := middleware.NewRateLimiter("login", cfg.LoginRateLimit, cfg.RateLimitWindow, msgTooManyLogins, cfg.TrustProxy)
	limitBody := middleware.LimitBody(cfg.MaxBodyBytes)

	api := router.PathPrefix(cfg.APIPrefix + "/").Subrouter()
	api.Use(apiLimiter.Wrap)

	// auth
	api.Handle("/auth/login", loginLimiter.Wrap(limitBody(handlers.HandleLogin(sp)))).Methods("POST")
	api.Handle("/auth/logout", gate.RequireBearer(handlers.HandleLogout(sp))).Methods("POST")

	// xtream relay
	api.Handle("/xtream/live", gate.RequireBearer(middleware.GzipMiddleware(handlers.HandleLive(sp)))).Methods("GET")
	api.Handle("/xtream/play/{streamId}", gate.RequireBearer(handlers.HandlePlay(sp))).Methods("GET")
	api.Handle("/xtream/stream/{streamId}", gate.RequireBearerOrQuery(handlers.HandleStream(sp))).Methods("GET")
	api.Handle("/xtream/epg/{streamId}", gate.RequireBearer(middleware.GzipMiddleware(handlers.HandleEPG(sp)))).Methods("GET")
	api.Handle("/xtream/epg-batch", gate.RequireBearer(limitBody(middleware.GzipMiddleware(handlers.HandleEPGBatch(sp))))).Methods("POST")
	api.Handle("/xtream/account", gate.RequireBearer(handlers.HandleAccount(sp))).Methods("GET")
	api.Handle("/xtream/cache-stats", gate.RequireBearer(middleware.GzipMiddleware(handlers.HandleCacheStats(sp)))).Methods("GET")

	var h http.Handler = router
	h = middleware.CORS(cfg.AllowedOrigin)(h)
	h = middleware.SecurityHeaders(h)
	h = middleware.AccessLog(h)
	h = middleware.RequestID(h)
	return h
}
