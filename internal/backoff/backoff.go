package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Floor is the smallest delay Jitter returns.
const Floor = 10 * time.Millisecond

// Jitter returns an exponential delay with full jitter:
//
//	delay = max(Floor, rand(0, min(limit, base * 2^attempt)))
//
// Commit retries call it between reloads so racing writers spread out.
func Jitter(attempt int, base, limit time.Duration) time.Duration {
	if base <= 0 || limit <= 0 {
		return Floor
	}
	ceiling := float64(base) * math.Pow(2, float64(attempt))
	if ceiling > float64(limit) || ceiling <= 0 {
		ceiling = float64(limit)
	}
	d := time.Duration(rand.Int64N(int64(ceiling)))
	if d < Floor {
		d = Floor
	}
	return d
}
