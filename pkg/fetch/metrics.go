package fetch

import "time"

// Metrics receives observations about fetch operations.
//
// A nil Metrics is valid everywhere one is accepted and disables collection;
// readers must go through the helpers below instead of calling the interface
// directly. pkg/metrics provides a Prometheus-backed implementation.
type Metrics interface {
	// ObserveFetch records one Fetch call: how many ranges it carried, the
	// total bytes returned, its duration, and the outcome.
	ObserveFetch(ranges int, bytes int64, d time.Duration, err error)

	// ObserveCache records a cache lookup outcome for caching readers.
	ObserveCache(hit bool)
}

// ObserveFetch forwards to m when non-nil.
func ObserveFetch(m Metrics, ranges int, bytes int64, d time.Duration, err error) {
	if m != nil {
		m.ObserveFetch(ranges, bytes, d, err)
	}
}

// ObserveCache forwards to m when non-nil.
func ObserveCache(m Metrics, hit bool) {
	if m != nil {
		m.ObserveCache(hit)
	}
}
