// Package dispatcher is the Dispatcher (spec.md §4.7): the orchestration
// loop (selection -> login -> execute-with-timeout -> classify -> update
// -> retry/abort), its batch variant, and the background maintenance
// loops. The retry-with-exclude-list shape is ported from the teacher's
// internal/relay.Relay.Handle, generalized from "one HTTP call to one
// upstream" to "up to MaxAttempts across accounts with per-outcome
// classification".
package dispatcher

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/accountorch/orchestrator/internal/breaker"
	"github.com/accountorch/orchestrator/internal/catalog"
	"github.com/accountorch/orchestrator/internal/config"
	"github.com/accountorch/orchestrator/internal/driver"
	"github.com/accountorch/orchestrator/internal/events"
	"github.com/accountorch/orchestrator/internal/gate"
	"github.com/accountorch/orchestrator/internal/health"
	"github.com/accountorch/orchestrator/internal/proxypool"
	"github.com/accountorch/orchestrator/internal/registry"
	"github.com/accountorch/orchestrator/internal/reqctx"
)

// Dispatcher owns the selection/login/execute/classify loop plus the three
// background loops (health sweep delegation, stats report, rate
// adjustment). It does not own any long-lived account or health state —
// those belong to Registry and health.Tracker respectively.
type Dispatcher struct {
	cfg       *config.Config
	registry  *registry.Registry
	proxies   *proxypool.Pool
	health    *health.Tracker
	breaker   *breaker.Breaker
	gate      *gate.Gate
	transport *driver.TransportProvider
	bus       *events.Bus
	stats     *events.StatsStore
	baseURL   string

	rateMu  sync.Mutex
	limiter *rate.Limiter

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(
	cfg *config.Config,
	reg *registry.Registry,
	proxies *proxypool.Pool,
	healthTracker *health.Tracker,
	br *breaker.Breaker,
	g *gate.Gate,
	transport *driver.TransportProvider,
	bus *events.Bus,
	stats *events.StatsStore,
	baseURL string,
) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		registry:  reg,
		proxies:   proxies,
		health:    healthTracker,
		breaker:   br,
		gate:      g,
		transport: transport,
		bus:       bus,
		stats:     stats,
		baseURL:   baseURL,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateAdjustMax), int(cfg.RateAdjustMax)),
	}
}

// Start launches the background maintenance loops; they run until Stop (or
// the parent ctx) is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(3)
	go func() { defer d.wg.Done(); d.health.RunSweep(runCtx) }()
	go func() { defer d.wg.Done(); d.runStatsReport(runCtx) }()
	go func() { defer d.wg.Done(); d.runRateAdjustment(runCtx) }()
}

// Stop cancels the background loops and waits for them to exit, then
// flushes the registry to disk (process teardown, spec.md §5).
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	_ = d.registry.Save()
}

// Execute runs spec.Run against up to cfg.MaxAttempts accounts, returning
// the payload and true on success, or (nil, false) when the breaker is
// open, the gate times out, or every attempt is exhausted — mirroring the
// "return null" contract of spec.md §4.7 rather than a Go error, since the
// orchestrator itself never raises to callers.
func (d *Dispatcher) Execute(ctx context.Context, spec catalog.OperationSpec) ([]byte, bool) {
	if ok, _ := d.breaker.Allow(time.Now()); !ok {
		return nil, false
	}

	release, err := d.gate.Acquire(ctx)
	if err != nil {
		return nil, false
	}
	defer release()

	// An admin/unlimited caller (spec.md §9's reqctx.Context, threaded down
	// from the out-of-scope collaborator layer) bypasses the adaptive rate
	// limiter — it still counts against the gate and the breaker above.
	rc, _ := reqctx.From(ctx)
	if !rc.Unlimited {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, false
		}
	}

	excluded := make(map[string]bool)
	attempts := 0

	for attempts < d.cfg.MaxAttempts {
		acct, wait, found := d.selectAccount(excluded, time.Now())
		if !found {
			if wait <= 0 {
				break
			}
			select {
			case <-time.After(wait):
				continue // rate-limit wait does not consume an attempt
			case <-ctx.Done():
				d.recordBreakerFailure(time.Now())
				return nil, false
			}
		}

		px := d.proxies.Assign(acct.Username)
		if ok, proxyWait := d.proxies.Reserve(px); !ok {
			select {
			case <-time.After(proxyWait):
			case <-ctx.Done():
				d.recordBreakerFailure(time.Now())
				return nil, false
			}
			continue
		}

		sess := driver.NewSession(acct, px, d.transport, d.baseURL)
		d.health.RecordRequestStart(acct.Username, time.Now())

		if err := sess.EnsureLogin(ctx, d.registry, d.cfg.LoginAntiBurstWait, d.cfg.LoginTimeout); err != nil {
			excluded[acct.Username] = true
			attempts++
			continue
		}

		snap := d.health.Snapshot(acct.Username)
		timeout := scaledTimeout(spec.EffectiveTimeout(), snap.SuccessRate)
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		payload, opErr := spec.Run(opCtx, sess)
		rtt := time.Since(start).Milliseconds()
		timedOut := opCtx.Err() == context.DeadlineExceeded
		cancel()

		if opErr == nil && !isEmptyPayload(payload) {
			d.health.OnResult(acct.Username, true, "", "", rtt, time.Now())
			d.publishHealthTransition(acct.Username, snap.Status, d.health.Snapshot(acct.Username).Status)
			d.recordBreakerSuccess()
			d.bus.Publish(events.Event{Type: events.EventDispatchSuccess, Username: acct.Username, Operation: spec.Name, RequestUserID: rc.UserID})
			return payload, true
		}

		kind, message := classifyOutcome(opErr, payload, timedOut)
		keepUsable := d.health.OnResult(acct.Username, false, kind, message, rtt, time.Now())
		d.publishHealthTransition(acct.Username, snap.Status, d.health.Snapshot(acct.Username).Status)
		d.bus.Publish(events.Event{Type: events.EventDispatchFailure, Username: acct.Username, Operation: spec.Name, Message: message, RequestUserID: rc.UserID})

		excluded[acct.Username] = true
		if !keepUsable || kind == health.KindTimeout {
			continue // does not consume an attempt
		}
		attempts++
	}

	d.recordBreakerFailure(time.Now())
	return nil, false
}

// ExecuteBatch runs opNames/specs as a group. Batches of <=5 parallelize
// as independent Execute calls (each may land on a different account);
// larger batches amortize login across one reserved account and run the
// inner closures in chunks of 10 (spec.md §4.7).
func (d *Dispatcher) ExecuteBatch(ctx context.Context, specs []catalog.OperationSpec) [][]byte {
	if len(specs) <= 5 {
		return d.executeBatchSmall(ctx, specs)
	}
	return d.executeBatchLarge(ctx, specs)
}

func (d *Dispatcher) executeBatchSmall(ctx context.Context, specs []catalog.OperationSpec) [][]byte {
	results := make([][]byte, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec catalog.OperationSpec) {
			defer wg.Done()
			payload, ok := d.Execute(ctx, spec)
			if ok {
				results[i] = payload
			}
		}(i, spec)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) executeBatchLarge(ctx context.Context, specs []catalog.OperationSpec) [][]byte {
	results := make([][]byte, len(specs))

	if ok, _ := d.breaker.Allow(time.Now()); !ok {
		return results
	}
	release, err := d.gate.Acquire(ctx)
	if err != nil {
		return results
	}
	defer release()

	acct, _, found := d.selectAccount(nil, time.Now())
	if !found {
		d.recordBreakerFailure(time.Now())
		return results
	}

	px := d.proxies.Assign(acct.Username)
	d.proxies.Reserve(px)

	sess := driver.NewSession(acct, px, d.transport, d.baseURL)
	if err := sess.EnsureLogin(ctx, d.registry, d.cfg.LoginAntiBurstWait, d.cfg.LoginTimeout); err != nil {
		prevStatus := d.health.Snapshot(acct.Username).Status
		d.health.OnResult(acct.Username, false, health.KindAuth, err.Error(), 0, time.Now())
		d.publishHealthTransition(acct.Username, prevStatus, d.health.Snapshot(acct.Username).Status)
		d.recordBreakerFailure(time.Now())
		return results
	}

	successCount := 0
	var mu sync.Mutex

	for start := 0; start < len(specs); start += d.cfg.BatchChunkSize {
		end := start + d.cfg.BatchChunkSize
		if end > len(specs) {
			end = len(specs)
		}
		chunk := specs[start:end]

		var wg sync.WaitGroup
		for offset, spec := range chunk {
			wg.Add(1)
			go func(i int, spec catalog.OperationSpec) {
				defer wg.Done()

				snap := d.health.Snapshot(acct.Username)
				timeout := scaledTimeout(spec.EffectiveTimeout(), snap.SuccessRate)
				opCtx, cancel := context.WithTimeout(ctx, timeout)
				rttStart := time.Now()
				payload, opErr := spec.Run(opCtx, sess)
				rtt := time.Since(rttStart).Milliseconds()
				timedOut := opCtx.Err() == context.DeadlineExceeded
				cancel()

				if opErr == nil && !isEmptyPayload(payload) {
					mu.Lock()
					results[i] = payload
					successCount++
					mu.Unlock()
					d.health.OnResult(acct.Username, true, "", "", rtt, time.Now())
					d.publishHealthTransition(acct.Username, snap.Status, d.health.Snapshot(acct.Username).Status)
					return
				}

				kind, message := classifyOutcome(opErr, payload, timedOut)
				d.health.OnResult(acct.Username, false, kind, message, rtt, time.Now())
				d.publishHealthTransition(acct.Username, snap.Status, d.health.Snapshot(acct.Username).Status)
			}(start+offset, spec)
		}
		wg.Wait()
	}

	needed := int(math.Ceil(float64(len(specs)) / 2))
	if successCount >= needed {
		d.recordBreakerSuccess()
	} else {
		d.recordBreakerFailure(time.Now())
	}
	return results
}

// DryRunLogin forces a login attempt on one named account regardless of
// normal selection, satisfying health.Reactivator for the Health Tracker's
// background sweep (spec.md §4.3: "attempt a dry-run login via the
// Dispatcher to reactivate them").
func (d *Dispatcher) DryRunLogin(ctx context.Context, username string) error {
	acct := d.registry.FindByUsername(username)
	if acct == nil {
		return errAccountNotFound
	}
	if !d.health.IsSelectable(acct, time.Now()) {
		return errAccountNotSelectable
	}

	px := d.proxies.Assign(username)
	if ok, wait := d.proxies.Reserve(px); !ok {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	sess := driver.NewSession(acct, px, d.transport, d.baseURL)
	return sess.EnsureLogin(ctx, d.registry, d.cfg.LoginAntiBurstWait, d.cfg.LoginTimeout)
}

var errAccountNotFound = &dispatchError{"account not found"}
var errAccountNotSelectable = &dispatchError{"account not currently selectable"}

type dispatchError struct{ msg string }

func (e *dispatchError) Error() string { return e.msg }

// selectAccount implements spec.md §4.7's selection rule: among accounts
// not in excluded, filter to those IsSelectable and within their rate
// window; pick uniformly at random. If none qualify but some are merely
// rate-limited, return the soonest-ready one's wait instead.
func (d *Dispatcher) selectAccount(excluded map[string]bool, now time.Time) (acct *registry.Account, wait time.Duration, found bool) {
	accounts := d.registry.List()

	var eligible []*registry.Account
	var rateLimited []*registry.Account
	var rateLimitedWait []time.Duration

	for _, a := range accounts {
		if excluded[a.Username] {
			continue
		}
		if !d.health.IsSelectable(a, now) {
			continue
		}
		res := d.health.CanRequest(a.Username, now)
		if res.OK {
			eligible = append(eligible, a)
			continue
		}
		rateLimited = append(rateLimited, a)
		rateLimitedWait = append(rateLimitedWait, time.Duration(res.WaitMS)*time.Millisecond)
	}

	if len(eligible) > 0 {
		return eligible[rand.Intn(len(eligible))], 0, true
	}
	if len(rateLimited) == 0 {
		return nil, 0, false
	}

	best := 0
	for i := 1; i < len(rateLimitedWait); i++ {
		if rateLimitedWait[i] < rateLimitedWait[best] {
			best = i
		}
	}
	return nil, rateLimitedWait[best], false
}

// scaledTimeout implements the max(1, 2 - successRate*1.5) multiplier from
// spec.md §4.7 step 3c, giving a degraded account more headroom.
func scaledTimeout(base time.Duration, successRate float64) time.Duration {
	mult := 2 - successRate*1.5
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(base) * mult)
}

func isEmptyPayload(payload []byte) bool {
	if len(payload) == 0 {
		return true
	}
	trimmed := payload
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\n' || trimmed[0] == '\t') {
		trimmed = trimmed[1:]
	}
	return string(trimmed) == "null" || string(trimmed) == "[]"
}

// recordBreakerSuccess and recordBreakerFailure publish a breaker_close /
// breaker_open event exactly once per trip, instead of on every individual
// success/failure — the breaker's own bool return already tells us whether
// this call was the one that actually flipped the state.
func (d *Dispatcher) recordBreakerSuccess() {
	if _, closed := d.breaker.RecordSuccess(); closed {
		d.bus.Publish(events.Event{Type: events.EventBreakerClose, Message: "half-open trial succeeded"})
	}
}

func (d *Dispatcher) recordBreakerFailure(now time.Time) {
	if _, opened := d.breaker.RecordFailure(now); opened {
		d.bus.Publish(events.Event{Type: events.EventBreakerOpen, Message: "failure threshold reached"})
	}
}

// publishHealthTransition emits a health_transition event, and an
// account_locked/account_suspended event on top of it when the new status is
// one of those sinks, whenever OnResult actually moved an account's status.
func (d *Dispatcher) publishHealthTransition(username string, prev, next health.Status) {
	if prev == next {
		return
	}
	d.bus.Publish(events.Event{Type: events.EventHealthTransition, Username: username, Message: string(prev) + "->" + string(next)})
	switch next {
	case health.StatusLocked:
		d.bus.Publish(events.Event{Type: events.EventAccountLocked, Username: username})
	case health.StatusSuspended:
		d.bus.Publish(events.Event{Type: events.EventAccountSuspended, Username: username})
	}
}

var _ health.Reactivator = (*Dispatcher)(nil)

func classifyOutcome(opErr error, payload []byte, timedOut bool) (health.ErrorKind, string) {
	if opErr == nil {
		return health.KindUnknown, "empty payload"
	}
	message := opErr.Error()
	var rawJSON []byte
	if jb, ok := opErr.(interface{ JSONBody() []byte }); ok {
		rawJSON = jb.JSONBody()
	}
	if timedOut {
		return health.KindTimeout, message
	}
	return health.Classify(message, rawJSON), message
}
