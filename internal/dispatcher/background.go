package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/accountorch/orchestrator/internal/events"
	"github.com/accountorch/orchestrator/internal/health"
)

// runStatsReport samples counters per status bucket, concurrent ops,
// breaker state, proxy assignment, rate-limit occupancy, and memory every
// cfg.StatsReportInterval (spec.md §4.7) and persists each snapshot to the
// stats store. Snapshots are not published on the event bus.
func (d *Dispatcher) runStatsReport(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.StatsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := d.buildSnapshot()
			if err := d.stats.Record(ctx, snap); err != nil {
				slog.Warn("stats snapshot persist failed", "error", err)
			}
		}
	}
}

func (d *Dispatcher) buildSnapshot() events.Snapshot {
	accounts := d.registry.List()
	statusCounts := make(map[string]int)
	rateLimited := 0
	now := time.Now()

	for _, a := range accounts {
		s := d.health.Snapshot(a.Username)
		statusCounts[string(s.Status)]++
		if !d.health.CanRequest(a.Username, now).OK {
			rateLimited++
		}
	}

	return events.Snapshot{
		Timestamp:       now,
		StatusCounts:    statusCounts,
		ConcurrentOps:   d.gate.InFlight(),
		GateCapacity:    d.gate.Size(),
		BreakerState:    d.breaker.State(),
		ProxiesAssigned: d.proxies.AssignedCount(),
		RateLimited:     rateLimited,
		AllocBytes:      events.CurrentMemory(),
	}
}

// runRateAdjustment recomputes the global rate ceiling every
// cfg.RateAdjustInterval (spec.md §4.7): mean success rate > 0.9 raises the
// ceiling by 1.1x (capped at RateAdjustMax); mean < 0.7 halves it (floored
// at RateAdjustMin).
func (d *Dispatcher) runRateAdjustment(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RateAdjustInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.adjustRate()
		}
	}
}

func (d *Dispatcher) adjustRate() {
	accounts := d.registry.List()
	if len(accounts) == 0 {
		return
	}

	var total float64
	active := 0
	for _, a := range accounts {
		s := d.health.Snapshot(a.Username)
		if s.Status == health.StatusLocked || s.Status == health.StatusSuspended || s.Status == health.StatusDisabled {
			continue
		}
		total += s.SuccessRate
		active++
	}
	if active == 0 {
		return
	}
	mean := total / float64(active)

	d.rateMu.Lock()
	defer d.rateMu.Unlock()

	current := float64(d.limiter.Limit())
	var next float64
	switch {
	case mean > 0.9:
		next = current * 1.1
		if next > d.cfg.RateAdjustMax {
			next = d.cfg.RateAdjustMax
		}
	case mean < 0.7:
		next = current * 0.5
		if next < d.cfg.RateAdjustMin {
			next = d.cfg.RateAdjustMin
		}
	default:
		return
	}
	d.limiter.SetLimit(rate.Limit(next))
}
