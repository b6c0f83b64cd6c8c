package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"xtream-gate/work/logger"
	"xtream-gate/work/metrics"

	"github.com/maypok86/otter/v2"
)

// maxTrackedClients bounds the number of client windows kept in memory.
const maxTrackedClients = 100_000

type window struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window request limiter keyed by client address.
// Idle windows age out of the otter cache one window length after creation.
type RateLimiter struct {
	name       string
	limit      int
	window     time.Duration
	message    string
	trustProxy bool
	now        func() time.Time

	mu      sync.Mutex
	windows *otter.Cache[string, *window]
}

// NewRateLimiter allows limit requests per client per period. name labels
// the rejection metric; message is the body of a 429.
func NewRateLimiter(name string, limit int, period time.Duration, message string, trustProxy bool) *RateLimiter {
	return &RateLimiter{
		name:       name,
		limit:      limit,
		window:     period,
		message:    message,
		trustProxy: trustProxy,
		now:        time.Now,
		windows: otter.Must(&otter.Options[string, *window]{
			MaximumSize:      maxTrackedClients,
			ExpiryCalculator: otter.ExpiryWriting[string, *window](period),
		}),
	}
}

// take counts one request for key and reports whether it is allowed, plus
// what is left and when the window resets.
func (rl *RateLimiter) take(key string) (allowed bool, remaining int, resetAt time.Time) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows.GetIfPresent(key)
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rl.window)}
		rl.windows.Set(key, w)
	}
	w.count++
	return w.count <= rl.limit, max(0, rl.limit-w.count), w.resetAt
}

// Wrap applies the limiter to next.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		key := ClientIP(r, rl.trustProxy)
		allowed, remaining, resetAt := rl.take(key)

		resetIn := int(resetAt.Sub(rl.now()).Round(time.Second) / time.Second)
		h := w.Header()
		h.Set("RateLimit-Limit", strconv.Itoa(rl.limit))
		h.Set("RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("RateLimit-Reset", strconv.Itoa(resetIn))

		if !allowed {
			metrics.RateLimited.WithLabelValues(rl.name).Inc()
			logger.Warn("{middleware/ratelimit - Wrap} %s limit hit by %s on %s", rl.name, key, r.URL.Path)
			h.Set("Retry-After", strconv.Itoa(resetIn))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": rl.message})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the caller's address. With trustProxy the left-most
// X-Forwarded-For entry wins, as set by the outermost proxy.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
