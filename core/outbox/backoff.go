package outbox

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: exponential in the attempt number, capped
// at Max, with full jitter. A Max of zero leaves the delay uncapped up to the
// largest Duration.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 5 * time.Minute}
}

// Next returns the delay before the attempt following the given one
// (attempt starts at 1).
func (b Backoff) Next(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	ceiling := b.Base
	for i := 1; i < attempt && (b.Max <= 0 || ceiling < b.Max) && ceiling <= math.MaxInt64/2; i++ {
		ceiling *= 2
	}
	if b.Max > 0 && ceiling > b.Max {
		ceiling = b.Max
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}
