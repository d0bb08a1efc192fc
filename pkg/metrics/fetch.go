package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/lazytiff/pkg/fetch"
)

// fetchMetrics is the Prometheus implementation of the fetch.Metrics
// interface.
//
// This implementation collects metrics about range reads including:
//   - Fetch counts by backend and status
//   - Fetch latency
//   - Ranges per call and bytes transferred
//   - Range cache hit/miss rates
type fetchMetrics struct {
	collectors *fetchCollectors
	backend    string
}

// fetchCollectors holds the vectors shared by every backend. They are
// registered once; per-backend instances differ only in the label value.
type fetchCollectors struct {
	fetchesTotal  *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchRanges   *prometheus.HistogramVec
	bytesRead     *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
}

var (
	collectors     *fetchCollectors
	collectorsOnce sync.Once
)

// NewFetchMetrics creates a new Prometheus-backed fetch.Metrics instance
// for one backend ("fs", "s3", "cache", ...).
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// causes readers to fall back to the built-in no-op behavior.
func NewFetchMetrics(backend string) fetch.Metrics {
	if !IsEnabled() {
		return nil
	}

	collectorsOnce.Do(func() {
		collectors = newFetchCollectors(GetRegistry())
	})

	return &fetchMetrics{collectors: collectors, backend: backend}
}

func newFetchCollectors(reg *prometheus.Registry) *fetchCollectors {
	return &fetchCollectors{
		fetchesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "lazytiff_fetches_total",
				Help: "Total number of range fetch calls by backend and status",
			},
			[]string{"backend", "status"},
		),
		fetchDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "lazytiff_fetch_duration_seconds",
				Help: "Duration of range fetch calls in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.005, // 5ms
					0.01,  // 10ms
					0.025, // 25ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.25,  // 250ms
					0.5,   // 500ms
					1.0,   // 1s
					2.5,   // 2.5s
					5.0,   // 5s
				},
			},
			[]string{"backend"},
		),
		fetchRanges: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lazytiff_fetch_ranges",
				Help:    "Number of byte ranges requested per fetch call",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
			[]string{"backend"},
		),
		bytesRead: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "lazytiff_fetch_bytes_total",
				Help: "Total bytes read by backend",
			},
			[]string{"backend"},
		),
		cacheHits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "lazytiff_range_cache_hits_total",
				Help: "Total number of range cache hits",
			},
			[]string{"backend"},
		),
		cacheMisses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "lazytiff_range_cache_misses_total",
				Help: "Total number of range cache misses",
			},
			[]string{"backend"},
		),
	}
}

// ObserveFetch implements fetch.Metrics.ObserveFetch
func (m *fetchMetrics) ObserveFetch(ranges int, bytes int64, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	m.collectors.fetchesTotal.WithLabelValues(m.backend, status).Inc()
	m.collectors.fetchDuration.WithLabelValues(m.backend).Observe(duration.Seconds())
	m.collectors.fetchRanges.WithLabelValues(m.backend).Observe(float64(ranges))
	if bytes > 0 {
		m.collectors.bytesRead.WithLabelValues(m.backend).Add(float64(bytes))
	}
}

// ObserveCache implements fetch.Metrics.ObserveCache
func (m *fetchMetrics) ObserveCache(hit bool) {
	if hit {
		m.collectors.cacheHits.WithLabelValues(m.backend).Inc()
		return
	}
	m.collectors.cacheMisses.WithLabelValues(m.backend).Inc()
}
