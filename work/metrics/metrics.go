package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// UpstreamRequests counts outbound calls to upstream control servers.
// "action" is the player_api action (or "login", "stream"), "outcome" is ok or error.
var UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "xtream_gate_upstream_requests_total",
	Help: "Upstream requests by action and outcome",
}, []string{"action", "outcome"})

// UpstreamLatency observes how long upstream calls take until headers arrive.
var UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "xtream_gate_upstream_request_seconds",
	Help:    "Upstream request latency",
	Buckets: prometheus.DefBuckets,
}, []string{"action"})

// EPGCacheLookups counts EPG cache lookups; "result" is hit or miss.
var EPGCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "xtream_gate_epg_cache_lookups_total",
	Help: "EPG cache lookups by result",
}, []string{"result"})

// EPGCacheEntries tracks the current number of cached EPG payloads.
var EPGCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "xtream_gate_epg_cache_entries",
	Help: "Number of EPG payloads held in memory",
})

// ActiveSessions tracks the number of stored sessions.
var ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "xtream_gate_sessions",
	Help: "Number of sessions held in memory",
})

// RateLimited counts requests rejected by the per-client limiter, per limit name.
var RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "xtream_gate_rate_limited_total",
	Help: "Requests rejected by rate limiting",
}, []string{"limit"})

// BytesStreamed counts media bytes relayed to clients.
var BytesStreamed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "xtream_gate_stream_bytes_total",
	Help: "Total media bytes relayed to clients",
})
