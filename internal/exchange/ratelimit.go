// ratelimit.go provides the single global request budget shared by every
// HTTP client in the process.
//
// All outbound calls — CLOB reads and writes, market-listing fetches, odds
// lookups — draw from one token bucket (default 10 req/s, API_RATE_LIMIT to
// change it). A shared bucket keeps the bot polite toward upstream services
// no matter how many workers are active; the burst equals one second of
// budget so short spikes do not stall behind the refill.
package exchange

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// Limiter is the process-wide HTTP rate gate. Construct one and hand the
// same instance to every client.
type Limiter struct {
	l *rate.Limiter
}

// NewLimiter creates a limiter allowing reqPerSec sustained requests with a
// burst of one second's budget. Non-positive rates fall back to 10 req/s.
func NewLimiter(reqPerSec float64) *Limiter {
	if reqPerSec <= 0 {
		reqPerSec = 10
	}
	burst := int(math.Ceil(reqPerSec))
	if burst < 1 {
		burst = 1
	}
	return &Limiter{l: rate.NewLimiter(rate.Limit(reqPerSec), burst)}
}

// Wait blocks until a request token is available or ctx is cancelled.
// Every HTTP-initiating method calls this before touching the wire.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.l.Wait(ctx)
}
