// Package gate is the Concurrency Gate (spec.md §4.5): a bounded counter of
// in-flight dispatch attempts, acquired with exponential backoff and
// jitter rather than queued.
package gate

import (
	"context"
	"errors"
	"math"
	"runtime"
	"time"
)

// ErrAcquireTimeout is returned when Acquire could not claim a slot before
// the ceiling elapsed.
var ErrAcquireTimeout = errors.New("gate: acquire ceiling exceeded")

// Gate is a buffered-channel semaphore. A buffered chan struct{} rather than
// a raw counter+mutex so Acquire/Release compose naturally with select and
// ctx.Done() (same shape as the teacher's worker-pool token channels).
type Gate struct {
	tokens chan struct{}

	baseBackoff    time.Duration
	maxBackoff     time.Duration
	backoffFactor  float64
	acquireCeiling time.Duration
}

// Capacity implements spec.md's max(50, cpuCount*4), used when cfg.GateCapacity
// is left at its zero value.
func Capacity(configured int) int {
	if configured > 0 {
		return configured
	}
	n := runtime.NumCPU() * 4
	if n < 50 {
		n = 50
	}
	return n
}

func New(capacity int, baseBackoff, maxBackoff time.Duration, backoffFactor float64, acquireCeiling time.Duration) *Gate {
	return &Gate{
		tokens:         make(chan struct{}, capacity),
		baseBackoff:    baseBackoff,
		maxBackoff:     maxBackoff,
		backoffFactor:  backoffFactor,
		acquireCeiling: acquireCeiling,
	}
}

// Acquire claims one slot, retrying with exponential backoff+jitter
// (grounded on the pack's util.CalculateExponentialBackoff, generalized to
// a configurable factor) until the channel accepts or acquireCeiling
// elapses, at which point the dispatch is rejected rather than queued.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	deadline := time.Now().Add(g.acquireCeiling)

	select {
	case g.tokens <- struct{}{}:
		return g.release, nil
	default:
	}

	attempt := 0
	for {
		if time.Now().After(deadline) {
			return nil, ErrAcquireTimeout
		}

		attempt++
		wait := calculateBackoff(attempt, g.baseBackoff, g.maxBackoff, g.backoffFactor, 0.25)
		remaining := time.Until(deadline)
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		select {
		case g.tokens <- struct{}{}:
			return g.release, nil
		default:
		}
	}
}

func (g *Gate) release() {
	select {
	case <-g.tokens:
	default:
	}
}

// InFlight returns the current number of claimed slots.
func (g *Gate) InFlight() int {
	return len(g.tokens)
}

// Size returns the gate's configured capacity.
func (g *Gate) Size() int {
	return cap(g.tokens)
}

func calculateBackoff(attempt int, base, max time.Duration, factor, jitterPercent float64) time.Duration {
	if attempt <= 0 {
		return 0
	}
	backoff := float64(base) * math.Pow(factor, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	if jitterPercent > 0 {
		pseudoRandom := float64(time.Now().UnixNano()%1000) / 1000.0
		jitter := backoff * jitterPercent * (pseudoRandom - 0.5)
		backoff += jitter
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}
