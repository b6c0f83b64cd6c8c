package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xtream-gate/work/config"
	"xtream-gate/work/logger"
)

var (
	Version = "v0.1.0" // default version
)

// shutdownTimeout bounds how long in-flight requests get on SIGINT/SIGTERM.
const shutdownTimeout = 10 * time.Second

// our main app worker
func main() {

	// load our config; a weak or missing secret is fatal
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("{main - main} FATAL: %v", err)
	}
	logger.SetLogLevel(cfg.EffectiveLogLevel())

	a, err := newApp(cfg, nil, true)
	if err != nil {
		logger.Fatal("{main - main} failed to initialize: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// start the sweepers
	a.start(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// show info
	logger.Info("{main - main} Starting xtream-gate %s", Version)
	logger.Info("{main - main} Server configuration:")
	logger.Info("{main - main}   - Listen Address: %s", cfg.ListenAddr)
	logger.Info("{main - main}   - API Prefix: %q", cfg.APIPrefix)
	logger.Info("{main - main}   - Allowed Origin: %s", cfg.AllowedOrigin)
	logger.Info("{main - main}   - Session TTL: %s", cfg.SessionTTL)
	logger.Info("{main - main}   - Stream Token TTL: %s", cfg.StreamTokenTTL)
	logger.Info("{main - main}   - EPG Cache TTL: %s", cfg.EPGCacheTTL)
	logger.Info("{main - main}   - Rate Limits: login %d / api %d per %s", cfg.LoginRateLimit, cfg.APIRateLimit, cfg.RateLimitWindow)
	logger.Info("{main - main}   - Log Level: %s", logger.GetLogLevel())
	logger.Info("{main - main}   - URL Obfuscation: %v", cfg.ObfuscateUrls)

	// fire us up
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("{main - main} shutdown requested")
	case err := <-errCh:
		if err != nil {
			logger.Error("{main - main} server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("{main - main} graceful shutdown failed: %v", err)
	}
	a.stop()
	logger.Info("{main - main} stopped")
}
