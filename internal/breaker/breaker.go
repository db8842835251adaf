// Package breaker is the process-wide Circuit Breaker (spec.md §4.4): a
// single CLOSED/OPEN/HALF_OPEN state machine shared by every dispatch
// attempt, regardless of which account or proxy is involved.
package breaker

import (
	"sync"
	"time"
)

type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Breaker trips once failureCount reaches Threshold and stays OPEN for
// OpenDuration before allowing a single HALF_OPEN trial.
type Breaker struct {
	threshold   int
	openFor     time.Duration

	mu           sync.Mutex
	state        State
	failureCount int
	openedAt     time.Time
	trialInFlight bool
}

func New(threshold int, openDuration time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		openFor:   openDuration,
		state:     Closed,
	}
}

// Allow reports whether a dispatch attempt may proceed right now, and the
// state that decision was made under. In HALF_OPEN it hands out exactly one
// trial at a time — concurrent callers after the first are refused until
// that trial resolves via RecordSuccess/RecordFailure.
func (b *Breaker) Allow(now time.Time) (bool, State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, Closed
	case Open:
		if now.Sub(b.openedAt) >= b.openFor {
			b.state = HalfOpen
			b.trialInFlight = true
			return true, HalfOpen
		}
		return false, Open
	case HalfOpen:
		if b.trialInFlight {
			return false, HalfOpen
		}
		b.trialInFlight = true
		return true, HalfOpen
	}
	return false, b.state
}

// RecordSuccess resolves a trial (or simply relieves pressure in CLOSED by
// decrementing the failure count toward zero). The returned bool reports
// whether this call is what closed the breaker (HALF_OPEN -> CLOSED), so
// callers can publish a breaker-recovered event exactly once per trip
// instead of on every success.
func (b *Breaker) RecordSuccess() (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failureCount = 0
		b.trialInFlight = false
		return Closed, true
	case Closed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
	return b.state, false
}

// RecordFailure trips the breaker from CLOSED once the threshold is
// reached, or sends a failed HALF_OPEN trial straight back to OPEN with a
// refreshed openedAt. The returned bool reports whether this call is what
// opened the breaker, for the same once-per-trip event reason as above.
func (b *Breaker) RecordFailure(now time.Time) (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.threshold {
			b.state = Open
			b.openedAt = now
			return Open, true
		}
	case HalfOpen:
		b.state = Open
		b.openedAt = now
		b.trialInFlight = false
		return Open, true
	}
	return b.state, false
}

// State returns the current state without consuming a HALF_OPEN trial slot.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
