// Package cache holds decoded EPG payloads keyed by upstream origin and
// stream id, shared by every session talking to the same server.
package cache

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"xtream-gate/work/logger"
	"xtream-gate/work/metrics"
	"xtream-gate/work/types"

	"github.com/puzpuzpuz/xsync/v3"
)

// Entry is one cached payload. Entries are replaced whole, never mutated.
type Entry struct {
	Payload   types.EPGPayload
	CachedAt  time.Time
	ExpiresAt time.Time
}

// EntryStat describes one entry in a Stats snapshot.
type EntryStat struct {
	Key           string    `json:"key"`
	CachedAt      time.Time `json:"cachedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	ListingsCount int       `json:"listingsCount"`
}

// Stats is the cache-stats report.
type Stats struct {
	Size    int         `json:"epgCacheSize"`
	TTL     string      `json:"epgCacheTTL"`
	Entries []EntryStat `json:"entries"`
}

// Key builds the cache key for a stream on an origin. User identity is
// never part of it.
func Key(origin, streamID string) string {
	return origin + ":" + streamID
}

// EPGCache is a concurrency-safe, time-windowed EPG store.
type EPGCache struct {
	entries  *xsync.MapOf[string, Entry]
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option customizes an EPGCache.
type Option func(*EPGCache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *EPGCache) { c.now = now }
}

// NewEPGCache returns a cache whose entries live for ttl and whose sweep
// runs every interval once Start is called.
func NewEPGCache(ttl, interval time.Duration, opts ...Option) *EPGCache {
	c := &EPGCache{
		entries:  xsync.NewMapOf[string, Entry](),
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL is the configured entry lifetime.
func (c *EPGCache) TTL() time.Duration { return c.ttl }

// Get returns the live entry for key. An expired entry is dropped and
// reported as a miss.
func (c *EPGCache) Get(key string) (Entry, bool) {
	e, ok := c.entries.Load(key)
	if ok && !e.ExpiresAt.After(c.now()) {
		c.deleteIfExpired(key)
		ok = false
	}
	if !ok {
		metrics.EPGCacheLookups.WithLabelValues("miss").Inc()
		return Entry{}, false
	}
	metrics.EPGCacheLookups.WithLabelValues("hit").Inc()
	return e, true
}

// Set stores payload under key for one TTL, replacing any previous entry.
func (c *EPGCache) Set(key string, payload types.EPGPayload) Entry {
	now := c.now()
	e := Entry{Payload: payload, CachedAt: now, ExpiresAt: now.Add(c.ttl)}
	c.entries.Store(key, e)
	metrics.EPGCacheEntries.Set(float64(c.entries.Size()))
	return e
}

// Len reports the number of stored entries, expired ones included until swept.
func (c *EPGCache) Len() int {
	return c.entries.Size()
}

// Sweep drops every expired entry and returns how many went.
func (c *EPGCache) Sweep() int {
	removed := 0
	c.entries.Range(func(key string, e Entry) bool {
		if !e.ExpiresAt.After(c.now()) && c.deleteIfExpired(key) {
			removed++
		}
		return true
	})
	metrics.EPGCacheEntries.Set(float64(c.entries.Size()))
	if removed > 0 {
		logger.Info("{cache/epg - Sweep} removed %d expired EPG entr(ies), active: %d", removed, c.entries.Size())
	}
	return removed
}

// Stats snapshots the cache, entries ordered by key.
func (c *EPGCache) Stats() Stats {
	st := Stats{
		TTL:     fmt.Sprintf("%g minutes", c.ttl.Minutes()),
		Entries: make([]EntryStat, 0, c.entries.Size()),
	}
	c.entries.Range(func(key string, e Entry) bool {
		st.Entries = append(st.Entries, EntryStat{
			Key:           key,
			CachedAt:      e.CachedAt.UTC(),
			ExpiresAt:     e.ExpiresAt.UTC(),
			ListingsCount: len(e.Payload.Listings),
		})
		return true
	})
	slices.SortFunc(st.Entries, func(a, b EntryStat) int { return strings.Compare(a.Key, b.Key) })
	st.Size = len(st.Entries)
	return st
}

// Start runs the sweep task until ctx is done or Stop is called.
func (c *EPGCache) Start(ctx context.Context) {
	c.startOnce.Do(func() { go c.run(ctx) })
}

func (c *EPGCache) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Stop ends the sweep task and waits for it. Safe to call more than once,
// and before Start, after which Start does nothing.
func (c *EPGCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.startOnce.Do(func() { close(c.done) })
	<-c.done
}

func (c *EPGCache) deleteIfExpired(key string) bool {
	deleted := false
	c.entries.Compute(key, func(old Entry, loaded bool) (Entry, bool) {
		if !loaded {
			return old, true
		}
		if old.ExpiresAt.After(c.now()) {
			return old, false
		}
		deleted = true
		return old, true
	})
	if deleted {
		metrics.EPGCacheEntries.Set(float64(c.entries.Size()))
	}
	return deleted
}
