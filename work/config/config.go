package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"xtream-gate/work/logger"
)

// DefaultConfigPath is where the settings file is looked up when CONFIG_PATH is unset.
const DefaultConfigPath = "/settings/config.json"

// MinSecretLength is the shortest signing secret the server accepts.
const MinSecretLength = 32

// ErrWeakSecret is returned when the signing secret is absent or too short.
var ErrWeakSecret = fmt.Errorf("JWT_SECRET must be set and be at least %d characters long", MinSecretLength)

// Config holds every runtime setting of the gateway.
type Config struct {
	ListenAddr           string        `json:"listenAddr"`           // address the HTTP server binds to
	APIPrefix            string        `json:"apiPrefix"`            // optional path prefix for every route (e.g. "/api")
	JWTSecret            string        `json:"-"`                    // token signing secret, env only
	AllowedOrigin        string        `json:"allowedOrigin"`        // CORS origin allowed to call the API
	LogLevel             string        `json:"logLevel"`             // DEBUG, INFO, WARN or ERROR
	Debug                bool          `json:"debug"`                // forces DEBUG logging
	ObfuscateUrls        bool          `json:"obfuscateUrls"`        // hide paths and queries of upstream URLs in logs
	UserAgent            string        `json:"userAgent"`            // User-Agent sent on media fetches
	SessionTTL           time.Duration `json:"sessionTTL"`           // lifetime of a session and of the login token
	StreamTokenTTL       time.Duration `json:"streamTokenTTL"`       // lifetime of tokens embedded in proxied stream URLs
	SessionSweepInterval time.Duration `json:"sessionSweepInterval"` // how often expired sessions are purged
	EPGCacheTTL          time.Duration `json:"epgCacheTTL"`          // lifetime of a cached EPG payload
	EPGSweepInterval     time.Duration `json:"epgSweepInterval"`     // how often expired EPG entries are purged
	EPGBatchMax          int           `json:"epgBatchMax"`          // ids processed per batch call, extras are dropped
	EPGBatchConcurrency  int           `json:"epgBatchConcurrency"`  // outstanding upstream calls per batch
	LoginRateLimit       int           `json:"loginRateLimit"`       // login attempts per client per window
	APIRateLimit         int           `json:"apiRateLimit"`         // API calls per client per window
	RateLimitWindow      time.Duration `json:"rateLimitWindow"`      // fixed window for both limits
	UpstreamRatePerSec   int           `json:"upstreamRatePerSec"`   // outbound requests per second per upstream origin
	MaxBodyBytes         int64         `json:"maxBodyBytes"`         // JSON request body limit
	TrustProxy           bool          `json:"trustProxy"`           // take the client address from X-Forwarded-For
}

// ConfigFile is the on-disk shape; durations are strings like "6h".
type ConfigFile struct {
	ListenAddr           string `json:"listenAddr"`
	APIPrefix            string `json:"apiPrefix"`
	AllowedOrigin        string `json:"allowedOrigin"`
	LogLevel             string `json:"logLevel"`
	Debug                bool   `json:"debug"`
	ObfuscateUrls        *bool  `json:"obfuscateUrls"`
	UserAgent            string `json:"userAgent"`
	SessionTTL           string `json:"sessionTTL"`
	StreamTokenTTL       string `json:"streamTokenTTL"`
	SessionSweepInterval string `json:"sessionSweepInterval"`
	EPGCacheTTL          string `json:"epgCacheTTL"`
	EPGSweepInterval     string `json:"epgSweepInterval"`
	EPGBatchMax          int    `json:"epgBatchMax"`
	EPGBatchConcurrency  int    `json:"epgBatchConcurrency"`
	LoginRateLimit       int    `json:"loginRateLimit"`
	APIRateLimit         int    `json:"apiRateLimit"`
	RateLimitWindow      string `json:"rateLimitWindow"`
	UpstreamRatePerSec   int    `json:"upstreamRatePerSec"`
	MaxBodyBytes         int64  `json:"maxBodyBytes"`
	TrustProxy           *bool  `json:"trustProxy"`
}

// LoadConfig reads the settings file named by CONFIG_PATH (or the default
// path), applies environment overrides and validates the result.
func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(path, os.Getenv)
}

// Load builds a Config from the file at path and the given env lookup.
// A missing file is not an error; defaults are used instead.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := getDefaultConfig()

	if path != "" {
		fileCfg, err := loadFromFile(path)
		switch {
		case err == nil:
			if err := mergeFile(cfg, fileCfg); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
			logger.Debug("{config - Load} loaded settings from %s", path)
		case errors.Is(err, os.ErrNotExist):
			logger.Debug("{config - Load} no settings file at %s, using defaults", path)
		default:
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	applyEnv(cfg, getenv)
	validateAndSetDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	if len(c.JWTSecret) < MinSecretLength {
		return ErrWeakSecret
	}
	return nil
}

// EffectiveLogLevel folds the Debug flag into the configured level.
func (c *Config) EffectiveLogLevel() string {
	if c.Debug {
		return "DEBUG"
	}
	return c.LogLevel
}

func loadFromFile(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cf ConfigFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return &cf, nil
}

// mergeFile copies every non-zero file value over the defaults.
func mergeFile(cfg *Config, cf *ConfigFile) error {
	setString(&cfg.ListenAddr, cf.ListenAddr)
	setString(&cfg.APIPrefix, cf.APIPrefix)
	setString(&cfg.AllowedOrigin, cf.AllowedOrigin)
	setString(&cfg.LogLevel, cf.LogLevel)
	setString(&cfg.UserAgent, cf.UserAgent)
	cfg.Debug = cf.Debug
	if cf.ObfuscateUrls != nil {
		cfg.ObfuscateUrls = *cf.ObfuscateUrls
	}
	if cf.TrustProxy != nil {
		cfg.TrustProxy = *cf.TrustProxy
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sessionTTL", cf.SessionTTL, &cfg.SessionTTL},
		{"streamTokenTTL", cf.StreamTokenTTL, &cfg.StreamTokenTTL},
		{"sessionSweepInterval", cf.SessionSweepInterval, &cfg.SessionSweepInterval},
		{"epgCacheTTL", cf.EPGCacheTTL, &cfg.EPGCacheTTL},
		{"epgSweepInterval", cf.EPGSweepInterval, &cfg.EPGSweepInterval},
		{"rateLimitWindow", cf.RateLimitWindow, &cfg.RateLimitWindow},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}

	setInt(&cfg.EPGBatchMax, cf.EPGBatchMax)
	setInt(&cfg.EPGBatchConcurrency, cf.EPGBatchConcurrency)
	setInt(&cfg.LoginRateLimit, cf.LoginRateLimit)
	setInt(&cfg.APIRateLimit, cf.APIRateLimit)
	setInt(&cfg.UpstreamRatePerSec, cf.UpstreamRatePerSec)
	if cf.MaxBodyBytes > 0 {
		cfg.MaxBodyBytes = cf.MaxBodyBytes
	}
	return nil
}

// applyEnv layers the environment on top of file values.
func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		return
	}
	cfg.JWTSecret = getenv("JWT_SECRET")
	setString(&cfg.AllowedOrigin, getenv("ALLOWED_ORIGIN"))
	setString(&cfg.LogLevel, getenv("LOG_LEVEL"))
	setString(&cfg.APIPrefix, getenv("API_PREFIX"))

	if addr := getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	} else if port := getenv("PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}

	if v := getenv("DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
}

// Default returns the built-in settings without reading a file or the
// environment. JWTSecret is left empty.
func Default() *Config {
	return getDefaultConfig()
}

func getDefaultConfig() *Config {
	return &Config{
		ListenAddr:           ":3000",
		LogLevel:             "INFO",
		ObfuscateUrls:        true,
		UserAgent:            "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		SessionTTL:           6 * time.Hour,
		StreamTokenTTL:       2 * time.Hour,
		SessionSweepInterval: 15 * time.Minute,
		EPGCacheTTL:          6 * time.Hour,
		EPGSweepInterval:     30 * time.Minute,
		EPGBatchMax:          50,
		EPGBatchConcurrency:  10,
		LoginRateLimit:       10,
		APIRateLimit:         1000,
		RateLimitWindow:      15 * time.Minute,
		UpstreamRatePerSec:   50,
		MaxBodyBytes:         10 << 10,
		TrustProxy:           true,
	}
}

// validateAndSetDefaults replaces nonsensical values with safe ones.
func validateAndSetDefaults(cfg *Config) {
	def := getDefaultConfig()

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	cfg.APIPrefix = strings.TrimRight(strings.TrimSpace(cfg.APIPrefix), "/")
	if cfg.APIPrefix != "" && !strings.HasPrefix(cfg.APIPrefix, "/") {
		cfg.APIPrefix = "/" + cfg.APIPrefix
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.StreamTokenTTL <= 0 || cfg.StreamTokenTTL > cfg.SessionTTL {
		cfg.StreamTokenTTL = min(def.StreamTokenTTL, cfg.SessionTTL)
	}
	if cfg.SessionSweepInterval <= 0 {
		cfg.SessionSweepInterval = def.SessionSweepInterval
	}
	if cfg.EPGCacheTTL <= 0 {
		cfg.EPGCacheTTL = def.EPGCacheTTL
	}
	if cfg.EPGSweepInterval <= 0 {
		cfg.EPGSweepInterval = def.EPGSweepInterval
	}
	if cfg.EPGBatchMax <= 0 {
		cfg.EPGBatchMax = def.EPGBatchMax
	}
	if cfg.EPGBatchConcurrency <= 0 {
		cfg.EPGBatchConcurrency = def.EPGBatchConcurrency
	}
	if cfg.LoginRateLimit <= 0 {
		cfg.LoginRateLimit = def.LoginRateLimit
	}
	if cfg.APIRateLimit <= 0 {
		cfg.APIRateLimit = def.APIRateLimit
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = def.RateLimitWindow
	}
	if cfg.UpstreamRatePerSec <= 0 {
		cfg.UpstreamRatePerSec = def.UpstreamRatePerSec
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
