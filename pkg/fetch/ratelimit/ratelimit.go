// Package ratelimit wraps a fetch.RangeReader with token-bucket request
// limiting.
//
// Remote sources bill per request and throttle aggressive clients; a decoder
// resolving many levels concurrently can otherwise burst hundreds of range
// requests in one scheduling quantum. The wrapper makes each Fetch call wait
// for one token, so sustained request rate is bounded while short bursts are
// still allowed.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/marmos91/lazytiff/pkg/fetch"
)

// Reader is a rate-limited wrapper around another RangeReader.
//
// Thread safety: rate.Limiter and the wrapped reader are both safe for
// concurrent use.
type Reader struct {
	source  fetch.RangeReader
	limiter *rate.Limiter
}

// New wraps source with a limiter allowing requestsPerSecond sustained Fetch
// calls and bursts up to burst.
//
// requestsPerSecond = 0 disables limiting (an effectively unlimited bucket).
func New(source fetch.RangeReader, requestsPerSecond, burst uint) *Reader {
	if requestsPerSecond == 0 {
		requestsPerSecond = 1_000_000_000
		burst = requestsPerSecond
	}
	if burst == 0 {
		burst = 1
	}

	return &Reader{
		source:  source,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Fetch implements fetch.RangeReader. It waits for a token (respecting ctx)
// and forwards to the wrapped reader.
func (r *Reader) Fetch(ctx context.Context, ranges []fetch.Range) ([][]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.source.Fetch(ctx, ranges)
}
