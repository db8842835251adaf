package health

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/accountorch/orchestrator/internal/config"
	"github.com/accountorch/orchestrator/internal/registry"
)

func newTestTracker(t *testing.T) (*Tracker, *config.Config) {
	t.Helper()
	cfg := config.Load()
	cfg.RateLimitWindow = time.Minute
	cfg.RequestsPerWindow = 3
	cfg.CooldownDuration = 50 * time.Millisecond
	cfg.AuthFailureThreshold = 2
	cfg.NetworkFailureThreshold = 2
	cfg.UnknownFailureThreshold = 2
	cfg.ProbationPromoteAfter = 3
	cfg.AuthDisableWindow = time.Hour
	cfg.AuthDisableThreshold = 3

	reg := registry.New(filepath.Join(t.TempDir(), "data.json"), registry.NewCrypto("k"))
	if err := reg.Load(); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	if err := reg.Add(&registry.Account{Username: "alice", Usable: true}); err != nil {
		t.Fatalf("add account: %v", err)
	}
	return NewTracker(cfg, reg), cfg
}

func TestCanRequestEnforcesWindowCeiling(t *testing.T) {
	tr, _ := newTestTracker(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		res := tr.CanRequest("alice", now)
		if !res.OK {
			t.Fatalf("request %d: expected ok, got refused", i)
		}
		tr.RecordRequestStart("alice", now)
	}

	res := tr.CanRequest("alice", now)
	if res.OK {
		t.Fatal("expected refusal once the window is full")
	}
	if res.WaitMS <= 0 {
		t.Fatalf("expected positive wait, got %d", res.WaitMS)
	}
}

func TestCanRequestWindowSlidesOut(t *testing.T) {
	tr, cfg := newTestTracker(t)
	now := time.Now()
	for i := 0; i < 3; i++ {
		tr.RecordRequestStart("alice", now)
	}
	later := now.Add(cfg.RateLimitWindow + time.Second)
	if res := tr.CanRequest("alice", later); !res.OK {
		t.Fatal("expected window to have slid out, request should be allowed")
	}
}

func TestProbationPromotesToHealthyAfterConsecutiveSuccesses(t *testing.T) {
	tr, cfg := newTestTracker(t)
	now := time.Now()

	// Drive enough NETWORK failures to enter PROBATION.
	for i := 0; i < cfg.NetworkFailureThreshold; i++ {
		tr.OnResult("alice", false, KindNetwork, "connection reset", 0, now)
	}
	if got := tr.Snapshot("alice").Status; got != StatusProbation {
		t.Fatalf("expected PROBATION, got %s", got)
	}

	for i := 0; i < cfg.ProbationPromoteAfter-1; i++ {
		tr.OnResult("alice", true, "", "", 10, now)
		if got := tr.Snapshot("alice").Status; got != StatusProbation {
			t.Fatalf("expected to remain in PROBATION before threshold, got %s", got)
		}
	}
	tr.OnResult("alice", true, "", "", 10, now)
	if got := tr.Snapshot("alice").Status; got != StatusHealthy {
		t.Fatalf("expected promotion to HEALTHY after %d consecutive successes, got %s", cfg.ProbationPromoteAfter, got)
	}
}

func TestCooldownExpiresIntoProbationOnSweep(t *testing.T) {
	tr, cfg := newTestTracker(t)
	now := time.Now()

	tr.OnResult("alice", false, KindRateLimit, "429 too many requests", 0, now)
	if got := tr.Snapshot("alice").Status; got != StatusCooldown {
		t.Fatalf("expected COOLDOWN after rate limit, got %s", got)
	}

	past := now.Add(cfg.CooldownDuration + time.Second)
	tr.sweep(nil)
	_ = past

	s := tr.get("alice")
	s.mu.Lock()
	s.cooldownUntil = &now // force expiry check deterministically
	s.mu.Unlock()

	tr.sweep(nil)
	if got := tr.Snapshot("alice").Status; got != StatusProbation {
		t.Fatalf("expected sweep to move expired COOLDOWN to PROBATION, got %s", got)
	}
}

func TestAccountLockedAndSuspendedReturnKeepUsableFalse(t *testing.T) {
	tr, _ := newTestTracker(t)
	now := time.Now()

	keep := tr.OnResult("alice", false, KindAccountLocked, "account locked", 0, now)
	if keep {
		t.Fatal("expected keepUsable=false on ACCOUNT_LOCKED")
	}
	if got := tr.Snapshot("alice").Status; got != StatusLocked {
		t.Fatalf("expected LOCKED, got %s", got)
	}
}

func TestAdminResetClearsLockedStatusBackToHealthy(t *testing.T) {
	tr, _ := newTestTracker(t)
	now := time.Now()

	tr.OnResult("alice", false, KindAccountLocked, "account locked", 0, now)
	if got := tr.Snapshot("alice").Status; got != StatusLocked {
		t.Fatalf("expected LOCKED before reset, got %s", got)
	}

	tr.AdminReset("alice")

	if got := tr.Snapshot("alice").Status; got != StatusHealthy {
		t.Fatalf("expected HEALTHY after admin reset, got %s", got)
	}
}

func TestRepeatedAuthFailuresWithinWindowDisableAccount(t *testing.T) {
	tr, cfg := newTestTracker(t)
	now := time.Now()

	for i := 0; i < cfg.AuthDisableThreshold; i++ {
		tr.OnResult("alice", false, KindAuth, "unauthorized", 0, now.Add(time.Duration(i)*time.Millisecond))
	}
	if got := tr.Snapshot("alice").Status; got != StatusDisabled {
		t.Fatalf("expected DISABLED after %d AUTH failures within window, got %s", cfg.AuthDisableThreshold, got)
	}
}

func TestNotFoundDecrementsConsecutiveFailures(t *testing.T) {
	tr, _ := newTestTracker(t)
	now := time.Now()

	tr.OnResult("alice", false, KindNetwork, "connection reset", 0, now)
	before := tr.Snapshot("alice").ConsecutiveFailures

	tr.OnResult("alice", false, KindNotFound, "404 not found", 0, now)
	after := tr.Snapshot("alice").ConsecutiveFailures

	if after != before-1 {
		t.Fatalf("expected consecutive failures to decrement from %d, got %d", before, after)
	}
}

func TestIsSelectableExcludesUnusableAndLockedOut(t *testing.T) {
	tr, _ := newTestTracker(t)
	now := time.Now()

	acct := &registry.Account{Username: "alice", Usable: true}
	if !tr.IsSelectable(acct, now) {
		t.Fatal("expected fresh account to be selectable")
	}

	tr.OnResult("alice", false, KindAccountSuspended, "status 401", 0, now)
	if tr.IsSelectable(acct, now) {
		t.Fatal("expected SUSPENDED account to be unselectable")
	}
}
