package worker

import (
	"math"
	"math/rand"
	"time"

	"social-job-orchestrator/internal/models"
)

// backoffDelay returns how long to wait before the attempt following attempt
// number `attempt` (1-based). With jitter the result lies in [d/2, d).
func backoffDelay(b models.Backoff, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Delay <= 0 {
		return 0
	}
	var wait time.Duration
	switch b.Type {
	case models.BackoffFixed:
		wait = b.Delay
	case models.BackoffLinear:
		wait = b.Delay * time.Duration(attempt)
	default:
		exp := float64(b.Delay) * math.Pow(2, float64(attempt-1))
		if exp >= math.MaxInt64 {
			wait = math.MaxInt64
		} else {
			wait = time.Duration(exp)
		}
	}
	if b.Max > 0 && wait > b.Max {
		wait = b.Max
	}
	if b.Jitter && wait > 1 {
		wait = wait/2 + time.Duration(rand.Int63n(int64(wait/2)))
	}
	return wait
}
