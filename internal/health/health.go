// Package health is the Health Tracker (spec.md §4.3): per-account state
// machine, sliding windows for request/error/response-time history, and
// the "can this account request now? classify this outcome" contract the
// Dispatcher drives every attempt through.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/accountorch/orchestrator/internal/config"
	"github.com/accountorch/orchestrator/internal/registry"
)

// Status is one of the six account health states (spec.md §3).
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusProbation Status = "PROBATION"
	StatusCooldown  Status = "COOLDOWN"
	StatusDisabled  Status = "DISABLED"
	StatusLocked    Status = "LOCKED"
	StatusSuspended Status = "SUSPENDED"
)

const (
	errorHistoryCap   = 25
	responseTimeCap   = 50
)

// ErrorEvent is one entry of the bounded error-history ring.
type ErrorEvent struct {
	Kind      ErrorKind
	Timestamp time.Time
	Message   string
}

// CanRequestResult is the outcome of a CanRequest check.
type CanRequestResult struct {
	OK     bool
	WaitMS int64
}

// Snapshot is a read-only view of an account's health, safe to hand to
// callers without exposing the internal mutex.
type Snapshot struct {
	Username             string
	Status                Status
	RequestCount          int
	ConsecutiveSuccesses  int
	ConsecutiveFailures   int
	ErrorTally            map[ErrorKind]int
	CooldownUntil         *time.Time
	LastUsed              *time.Time
	LastSuccess           *time.Time
	SuccessRate           float64
}

type accountState struct {
	mu sync.Mutex

	status Status

	requestCount         int
	consecutiveSuccesses int
	consecutiveFailures  int

	errorHistory    []ErrorEvent // ring, cap errorHistoryCap
	responseTimes   []int64      // ring, cap responseTimeCap (ms)
	requestTimestamps []time.Time

	errorTally        map[ErrorKind]int
	authErrorTimestamps []time.Time // for the 24h AUTH->DISABLED rule

	cooldownUntil *time.Time
	lastUsed      *time.Time
	lastSuccess   *time.Time

	lastErrorAt *time.Time // for the "idle >= 15m -> reset counters" sweep rule
}

func newAccountState() *accountState {
	return &accountState{
		status:     StatusHealthy,
		errorTally: make(map[ErrorKind]int),
	}
}

// Reactivator performs a dry-run login to test whether a quiescent account
// can be brought back into rotation. Implemented by the Dispatcher and
// injected after construction to avoid an import cycle (Dispatcher already
// depends on Tracker).
type Reactivator interface {
	DryRunLogin(ctx context.Context, username string) error
}

// Tracker is the Health Tracker. In-memory only (spec.md §1 non-goals: it
// does not persist health metrics across process restarts) except for the
// registry mutations it triggers on sink transitions (isLocked/usable).
type Tracker struct {
	cfg      *config.Config
	registry *registry.Registry

	mu       sync.Mutex
	accounts map[string]*accountState

	reactivator Reactivator
}

func NewTracker(cfg *config.Config, reg *registry.Registry) *Tracker {
	return &Tracker{
		cfg:      cfg,
		registry: reg,
		accounts: make(map[string]*accountState),
	}
}

// SetReactivator wires the dry-run-login hook used by the background sweep.
func (t *Tracker) SetReactivator(r Reactivator) {
	t.mu.Lock()
	t.reactivator = r
	t.mu.Unlock()
}

// AdminReset clears a sink status (LOCKED/SUSPENDED/DISABLED) back to
// HEALTHY and wipes its error/rate history. Recovery is admin-only
// (spec.md §9): no background loop calls this — it exists for the
// out-of-scope admin surface to pair with registry.Unlock.
func (t *Tracker) AdminReset(username string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.accounts[username]; !ok {
		return
	}
	t.accounts[username] = newAccountState()
}

// get lazily creates a HEALTHY record (spec.md §4.3 `get(u)`).
func (t *Tracker) get(username string) *accountState {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.accounts[username]
	if !ok {
		s = newAccountState()
		t.accounts[username] = s
	}
	return s
}

// Snapshot returns a point-in-time read-only view, creating the record if
// needed.
func (t *Tracker) Snapshot(username string) Snapshot {
	s := t.get(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(username)
}

func (s *accountState) snapshotLocked(username string) Snapshot {
	tally := make(map[ErrorKind]int, len(s.errorTally))
	for k, v := range s.errorTally {
		tally[k] = v
	}
	return Snapshot{
		Username:             username,
		Status:               s.status,
		RequestCount:         s.requestCount,
		ConsecutiveSuccesses: s.consecutiveSuccesses,
		ConsecutiveFailures:  s.consecutiveFailures,
		ErrorTally:           tally,
		CooldownUntil:        s.cooldownUntil,
		LastUsed:             s.lastUsed,
		LastSuccess:          s.lastSuccess,
		SuccessRate:          s.successRateLocked(),
	}
}

// successRateLocked implements the spec's (intentionally non-sliding)
// definition verbatim: (requestCount - recentErrors) / requestCount, where
// recentErrors is the cumulative per-kind error tally. See DESIGN.md open
// question #2 — this is preserved as specified, not "fixed".
func (s *accountState) successRateLocked() float64 {
	if s.requestCount == 0 {
		return 1
	}
	recentErrors := 0
	for _, v := range s.errorTally {
		recentErrors += v
	}
	rate := float64(s.requestCount-recentErrors) / float64(s.requestCount)
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}

// IsSelectable reports whether the account may be chosen for a new dispatch
// attempt right now, per the filter in spec.md §4.7 "Account selection"
// (excluding the rate-limit check, which callers run separately via
// CanRequest since it also returns a wait estimate).
func (t *Tracker) IsSelectable(acct *registry.Account, now time.Time) bool {
	if !acct.Usable || acct.IsLocked {
		return false
	}
	s := t.get(acct.Username)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusLocked, StatusSuspended, StatusDisabled:
		return false
	case StatusCooldown:
		if s.cooldownUntil != nil && now.Before(*s.cooldownUntil) {
			return false
		}
	}
	return true
}

// CanRequest implements spec.md §4.3: trims the request-timestamp window to
// the configured duration and refuses once it holds >= RequestsPerWindow.
func (t *Tracker) CanRequest(username string, now time.Time) CanRequestResult {
	s := t.get(username)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requestTimestamps = trimWindow(s.requestTimestamps, now, t.cfg.RateLimitWindow)

	if len(s.requestTimestamps) < t.cfg.RequestsPerWindow {
		return CanRequestResult{OK: true}
	}

	oldest := s.requestTimestamps[0]
	waitUntil := oldest.Add(t.cfg.RateLimitWindow)
	wait := waitUntil.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return CanRequestResult{OK: false, WaitMS: wait.Milliseconds()}
}

func trimWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append([]time.Time(nil), ts[i:]...)
}

// RecordRequestStart appends to the rate-limit window. Called once per
// attempt, independent of outcome, right before the attempt's upstream
// call (so a request that never resolves still counts against the window).
func (t *Tracker) RecordRequestStart(username string, now time.Time) {
	s := t.get(username)
	s.mu.Lock()
	s.requestTimestamps = append(s.requestTimestamps, now)
	s.lastUsed = &now
	s.mu.Unlock()
}

// OnResult applies the spec.md Table 1 transitions and returns false only
// when the account must be externally marked unusable (LOCKED, SUSPENDED,
// or DISABLED).
func (t *Tracker) OnResult(username string, success bool, kind ErrorKind, message string, rttMS int64, now time.Time) (keepUsable bool) {
	s := t.get(username)

	s.mu.Lock()
	s.requestCount++

	if success {
		s.consecutiveSuccesses++
		s.consecutiveFailures = 0
		s.lastSuccess = &now
		s.responseTimes = pushRing(s.responseTimes, rttMS, responseTimeCap)

		if s.status == StatusProbation && s.consecutiveSuccesses >= t.cfg.ProbationPromoteAfter {
			s.status = StatusHealthy
		}
		s.mu.Unlock()
		return true
	}

	s.consecutiveSuccesses = 0
	s.consecutiveFailures++
	s.errorTally[kind]++
	s.lastErrorAt = &now
	s.errorHistory = pushErrorRing(s.errorHistory, ErrorEvent{Kind: kind, Timestamp: now, Message: message}, errorHistoryCap)

	if kind == KindAuth {
		s.authErrorTimestamps = trimWindow(s.authErrorTimestamps, now, t.cfg.AuthDisableWindow)
		s.authErrorTimestamps = append(s.authErrorTimestamps, now)
	}

	keepUsable = true
	becomeLocked, becomeSuspended, becomeDisabled := false, false, false

	switch kind {
	case KindAccountLocked:
		s.status = StatusLocked
		becomeLocked = true
		keepUsable = false
	case KindAccountSuspended:
		s.status = StatusSuspended
		becomeSuspended = true
		keepUsable = false
	case KindTimeout, KindNetwork:
		if kind == KindTimeout {
			// Explicit timeout: a timed-out session is indistinguishable
			// from a silently-rate-limited one and must not be retried on
			// this account in this request (spec.md Table 1 rationale).
			s.status = StatusSuspended
			becomeSuspended = true
			keepUsable = false
		} else if s.consecutiveFailures >= t.cfg.NetworkFailureThreshold {
			s.status = StatusProbation
		}
	case KindAuth:
		if s.consecutiveFailures >= t.cfg.AuthFailureThreshold {
			until := now.Add(t.cfg.CooldownDuration)
			s.status = StatusCooldown
			s.cooldownUntil = &until
		}
	case KindRateLimit:
		until := now.Add(t.cfg.CooldownDuration)
		s.status = StatusCooldown
		s.cooldownUntil = &until
	case KindNotFound:
		// Benign: undo this call's increment above, then decrement.
		s.consecutiveFailures -= 2
		if s.consecutiveFailures < 0 {
			s.consecutiveFailures = 0
		}
	case KindUnknown:
		if s.consecutiveFailures >= t.cfg.UnknownFailureThreshold {
			s.status = StatusProbation
		}
	}

	if !becomeLocked && !becomeSuspended && len(s.authErrorTimestamps) >= t.cfg.AuthDisableThreshold {
		s.status = StatusDisabled
		becomeDisabled = true
		keepUsable = false
	}

	s.mu.Unlock()

	if becomeLocked {
		if err := t.registry.MarkLocked(username); err != nil {
			slog.Error("persist locked status failed", "username", username, "error", err)
		}
	} else if becomeSuspended || becomeDisabled {
		if err := t.registry.MarkSuspended(username); err != nil {
			slog.Error("persist suspended status failed", "username", username, "error", err)
		}
	}

	return keepUsable
}

func pushRing(ring []int64, v int64, cap int) []int64 {
	ring = append(ring, v)
	if len(ring) > cap {
		ring = ring[len(ring)-cap:]
	}
	return ring
}

func pushErrorRing(ring []ErrorEvent, e ErrorEvent, cap int) []ErrorEvent {
	ring = append(ring, e)
	if len(ring) > cap {
		ring = ring[len(ring)-cap:]
	}
	return ring
}

// RunSweep runs the background maintenance loop every cfg.HealthSweepInterval
// (spec.md §4.3) until ctx is cancelled.
func (t *Tracker) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HealthSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

func (t *Tracker) sweep(ctx context.Context) {
	now := time.Now()

	t.mu.Lock()
	usernames := make([]string, 0, len(t.accounts))
	for u := range t.accounts {
		usernames = append(usernames, u)
	}
	reactivator := t.reactivator
	t.mu.Unlock()

	for _, username := range usernames {
		s := t.get(username)

		s.mu.Lock()
		s.requestTimestamps = trimWindow(s.requestTimestamps, now, t.cfg.RateLimitWindow)
		s.authErrorTimestamps = trimWindow(s.authErrorTimestamps, now, t.cfg.AuthDisableWindow)

		if s.status == StatusCooldown && s.cooldownUntil != nil && !now.Before(*s.cooldownUntil) {
			s.status = StatusProbation
			s.cooldownUntil = nil
		}

		idleSinceError := s.lastErrorAt == nil || now.Sub(*s.lastErrorAt) >= t.cfg.ErrorIdleReset
		if idleSinceError && len(s.errorTally) > 0 {
			s.errorTally = make(map[ErrorKind]int)
		}

		status := s.status
		idle := s.lastUsed == nil || now.Sub(*s.lastUsed) > t.cfg.CooldownDuration
		s.mu.Unlock()

		if reactivator == nil {
			continue
		}
		if status == StatusLocked || status == StatusSuspended || status == StatusDisabled {
			continue
		}
		if !idle {
			continue
		}
		if err := reactivator.DryRunLogin(ctx, username); err != nil {
			slog.Debug("dry-run reactivation failed", "username", username, "error", err)
		}
	}
}
