package dispatch

import (
	"math/rand"
	"time"

	"github.com/you/jtd/internal/domain"
)

// RetryPolicy decides whether a transiently failed event gets another
// attempt and when. It never looks at provider error codes; permanent
// failures are routed around it entirely.
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

func (p RetryPolicy) ShouldRetry(e domain.Event) bool {
	return e.RetryCount < e.MaxRetries
}

// Delay is base * 2^retryCount, capped.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 30 * time.Second
	}
	cap := p.Cap
	if cap <= 0 {
		cap = 15 * time.Minute
	}
	if retryCount < 0 {
		retryCount = 0
	}
	// guard the shift; past 32 doublings the cap has long since won
	if retryCount > 32 {
		return cap
	}
	d := base << uint(retryCount)
	if d > cap || d < base {
		d = cap
	}
	return d
}

// NextAttemptAt schedules the retry with equal jitter over the capped
// delay: random in [delay/2, delay], so retries spread out without
// collapsing the backoff floor.
func (p RetryPolicy) NextAttemptAt(now time.Time, retryCount int, rng *rand.Rand) time.Time {
	d := p.Delay(retryCount)
	if rng != nil {
		half := d / 2
		d = half + time.Duration(rng.Int63n(int64(half)+1))
	}
	return now.Add(d).UTC()
}
