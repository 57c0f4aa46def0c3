// Package telemetry provides Prometheus metrics, optional OTLP tracing, and
// correlation-id aware logging helpers for the collector and exporter flows.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	APIRequests    prometheus.Counter
	RateLimitHits  prometheus.Counter
	GuildsScanned  prometheus.Counter
	GuildsFailed   prometheus.Counter
	MessagesSeen   prometheus.Counter
	MediaInserted  prometheus.Counter
	MediaDuplicate prometheus.Counter

	// Histograms (seconds)
	SearchPageDuration prometheus.Observer
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		APIRequests = promauto.NewCounter(prometheus.CounterOpts{Name: "discmedia_api_requests_total", Help: "Number of Discord API requests issued"})
		RateLimitHits = promauto.NewCounter(prometheus.CounterOpts{Name: "discmedia_rate_limit_hits_total", Help: "Number of rate-limit responses from Discord"})
		GuildsScanned = promauto.NewCounter(prometheus.CounterOpts{Name: "discmedia_guilds_scanned_total", Help: "Number of guilds fully scanned"})
		GuildsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "discmedia_guilds_failed_total", Help: "Number of guilds skipped after fetch errors"})
		MessagesSeen = promauto.NewCounter(prometheus.CounterOpts{Name: "discmedia_messages_seen_total", Help: "Number of media-bearing messages processed"})
		MediaInserted = promauto.NewCounter(prometheus.CounterOpts{Name: "discmedia_media_inserted_total", Help: "Number of new media records stored"})
		MediaDuplicate = promauto.NewCounter(prometheus.CounterOpts{Name: "discmedia_media_duplicate_total", Help: "Number of media URLs already present in the store"})
		SearchPageDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "discmedia_search_page_duration_seconds", Help: "Search page round-trip duration seconds", Buckets: prometheus.DefBuckets})
	})
}

// IncAPIRequest bumps the request counter if metrics are initialized.
func IncAPIRequest() {
	if APIRequests != nil {
		APIRequests.Inc()
	}
}

// IncRateLimitHit bumps the rate-limit counter if metrics are initialized.
func IncRateLimitHit() {
	if RateLimitHits != nil {
		RateLimitHits.Inc()
	}
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}
