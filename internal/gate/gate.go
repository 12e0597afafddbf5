// Package gate is the per-request entry point of the engine. It runs the rate
// limiter, prices the operation, reserves the cost and records the outcome.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aman-churiwal/quotagate/internal/circuitbreaker"
	"github.com/aman-churiwal/quotagate/internal/cost"
	"github.com/aman-churiwal/quotagate/internal/ledger"
	"github.com/aman-churiwal/quotagate/internal/metrics"
	"github.com/aman-churiwal/quotagate/internal/quota"
	"github.com/aman-churiwal/quotagate/internal/ratelimit"
	"github.com/aman-churiwal/quotagate/internal/tier"
	"github.com/aman-churiwal/quotagate/internal/usage"
)

// FailureMode decides what a request sees when a backend cannot answer.
type FailureMode string

const (
	FailClosed FailureMode = "closed"
	FailOpen   FailureMode = "open"
)

func (m FailureMode) Valid() bool {
	return m == FailClosed || m == FailOpen
}

type Gate struct {
	catalog     *tier.Catalog
	calculator  *cost.Calculator
	limiter     ratelimit.Limiter
	ledger      *ledger.Ledger
	tracker     *usage.Tracker
	failureMode FailureMode
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Gate)

func WithFailureMode(mode FailureMode) Option {
	return func(g *Gate) {
		if mode.Valid() {
			g.failureMode = mode
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

func New(catalog *tier.Catalog, calculator *cost.Calculator, limiter ratelimit.Limiter,
	l *ledger.Ledger, tracker *usage.Tracker, opts ...Option) *Gate {
	g := &Gate{
		catalog:     catalog,
		calculator:  calculator,
		limiter:     limiter,
		ledger:      l,
		tracker:     tracker,
		failureMode: FailClosed,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gate")
	return g
}

type Request struct {
	Identity  string
	Tier      tier.Name
	Operation string

	// SizeHint prices size-proportional operations up front; nil uses the
	// rule's estimate.
	SizeHint *int64
}

type Decision struct {
	Admitted      bool               `json:"admitted"`
	ReservationID string             `json:"reservation_id,omitempty"`
	CostEstimate  int64              `json:"cost_estimate"`
	Reason        quota.Reason       `json:"reason,omitempty"`
	RetryAfter    time.Duration      `json:"-"`
	RateLimit     ratelimit.Decision `json:"rate_limit"`
	Degraded      bool               `json:"degraded,omitempty"`
}

// Authorize decides whether the request may proceed. Denials are reported
// in the Decision; the error is only set for requests that cannot be
// evaluated at all, such as an empty identity or an unknown tier.
func (g *Gate) Authorize(ctx context.Context, req Request) (Decision, error) {
	if req.Identity == "" {
		return Decision{}, quota.ErrInvalidIdentity
	}
	params, ok := g.catalog.Lookup(req.Tier)
	if !ok {
		return Decision{}, fmt.Errorf("gate: %w: %q", quota.ErrUnknownTier, req.Tier)
	}

	var d Decision

	rate, err := g.limiter.CheckAndConsume(ctx, req.Identity, ratelimit.RuleFor(params))
	switch {
	case err != nil:
		g.metrics.LimiterError()
		g.logger.Warn("rate limiter unavailable", "identity", req.Identity, "error", err)
		if g.failureMode == FailClosed {
			d.Reason = quota.ReasonLedgerUnavailable
			return g.finish(req, d), nil
		}
		d.Degraded = true
	case !rate.Allowed:
		d.RateLimit = rate
		d.Reason = quota.ReasonRateLimited
		d.RetryAfter = rate.RetryAfter
		return g.finish(req, d), nil
	default:
		d.RateLimit = rate
	}

	estimate, err := g.calculator.Cost(req.Operation, req.Tier, req.SizeHint)
	if err != nil {
		if errors.Is(err, quota.ErrUnknownOperation) {
			d.Reason = quota.ReasonUnknownOperation
			return g.finish(req, d), nil
		}
		return Decision{}, err
	}
	d.CostEstimate = estimate

	res, err := g.ledger.Reserve(ctx, ledger.ReserveRequest{
		Identity:  req.Identity,
		Operation: req.Operation,
		Tier:      params,
		Amount:    estimate,
	})
	switch {
	case err == nil:
		d.ReservationID = res.ID
	case errors.Is(err, quota.ErrInsufficientBalance):
		d.Reason = quota.ReasonInsufficientBalance
		return g.finish(req, d), nil
	case errors.Is(err, quota.ErrLedgerUnavailable) && g.failureMode == FailOpen:
		d.Degraded = true
	case errors.Is(err, quota.ErrLedgerUnavailable):
		d.Reason = quota.ReasonLedgerUnavailable
		return g.finish(req, d), nil
	default:
		return Decision{}, err
	}

	d.Admitted = true
	if d.Degraded {
		d.Reason = quota.ReasonDegradedOpenPolicy
	}
	return g.finish(req, d), nil
}

// finish records the decision and returns it.
func (g *Gate) finish(req Request, d Decision) Decision {
	decision := usage.DecisionFor(d.Reason)
	if !d.Admitted && decision == usage.Admitted {
		decision = usage.DeniedLedgerUnavailable
	}

	ev := usage.Event{
		Identity:      req.Identity,
		Operation:     req.Operation,
		Tier:          req.Tier,
		Timestamp:     g.now(),
		Decision:      decision,
		ReservationID: d.ReservationID,
		Degraded:      d.Degraded,
	}
	if d.Admitted {
		ev.Cost = d.CostEstimate
	}
	if g.tracker != nil {
		g.tracker.Record(ev)
	}
	g.metrics.Decision(string(req.Tier), string(decision))

	if !d.Admitted {
		g.logger.Debug("request denied",
			"identity", req.Identity, "operation", req.Operation, "reason", d.Reason)
	}
	return d
}

// Settle commits a reservation at its actual cost.
func (g *Gate) Settle(ctx context.Context, reservationID string, actual int64) (ledger.SettleResult, error) {
	out, err := g.ledger.Settle(ctx, reservationID, actual)
	switch {
	case err == nil:
		g.recordOutcome(out.Reservation, usage.Settled, out.Charged, actual)
	case errors.Is(err, quota.ErrReservationExpired):
		res := out.Reservation
		if res.ID != "" {
			// Expired by this call rather than by an earlier sweep.
			g.recordOutcome(res, usage.Expired, 0, 0)
		} else {
			res, _ = g.ledger.Reservation(reservationID)
			g.logger.Warn("settlement arrived after the reservation expired",
				"reservation", reservationID, "identity", res.Identity, "actual", actual)
		}
		if res.ID != "" {
			g.recordOutcome(res, usage.LateSettlement, 0, actual)
		}
	}
	return out, err
}

// SettleSize prices the reservation's operation at the observed size and
// settles at that cost.
func (g *Gate) SettleSize(ctx context.Context, reservationID string, size int64) (ledger.SettleResult, error) {
	res, ok := g.ledger.Reservation(reservationID)
	if !ok {
		return ledger.SettleResult{}, fmt.Errorf("gate: reservation %s: %w", reservationID, quota.ErrReservationNotFound)
	}

	actual, err := g.calculator.Actual(res.Operation, res.Tier, size)
	if err != nil {
		// The operation was priced when reserved; a policy that no longer
		// prices it settles at the held amount.
		actual = res.Amount
	}
	return g.Settle(ctx, reservationID, actual)
}

func (g *Gate) Release(ctx context.Context, reservationID string) (ledger.Reservation, error) {
	res, err := g.ledger.Release(ctx, reservationID)
	switch {
	case err == nil:
		g.recordOutcome(res, usage.Released, 0, 0)
	case errors.Is(err, quota.ErrReservationExpired) && res.ID != "":
		g.recordOutcome(res, usage.Expired, 0, 0)
	}
	return res, err
}

// recordOutcome tracks how a reservation was closed out. Charged is what the
// balance actually lost.
func (g *Gate) recordOutcome(res ledger.Reservation, decision usage.Decision, charged, actual int64) {
	if g.tracker == nil {
		return
	}
	g.tracker.Record(usage.Event{
		Identity:      res.Identity,
		Operation:     res.Operation,
		Tier:          res.Tier,
		Timestamp:     g.now(),
		Decision:      decision,
		Charged:       charged,
		Actual:        actual,
		ReservationID: res.ID,
	})
}

func (g *Gate) params(name tier.Name) (tier.Params, error) {
	params, ok := g.catalog.Lookup(name)
	if !ok {
		return tier.Params{}, fmt.Errorf("gate: %w: %q", quota.ErrUnknownTier, name)
	}
	return params, nil
}

// TopUp credits an identity on behalf of the billing side.
func (g *Gate) TopUp(ctx context.Context, identity string, name tier.Name, amount int64) (ledger.Balance, error) {
	params, err := g.params(name)
	if err != nil {
		return ledger.Balance{}, err
	}
	return g.ledger.TopUp(ctx, identity, params, amount)
}

func (g *Gate) Balance(ctx context.Context, identity string, name tier.Name) (ledger.Balance, error) {
	params, err := g.params(name)
	if err != nil {
		return ledger.Balance{}, err
	}
	return g.ledger.Balance(ctx, identity, params)
}

func (g *Gate) DeleteBalance(ctx context.Context, identity string) error {
	return g.ledger.DeleteBalance(ctx, identity)
}

func (g *Gate) UsageSince(identity string, since time.Time) []usage.Event {
	if g.tracker == nil {
		return nil
	}
	return g.tracker.UsageSince(identity, since)
}

func (g *Gate) Rollup(identity string, since time.Time, window time.Duration) []usage.Bucket {
	if g.tracker == nil {
		return nil
	}
	return g.tracker.Rollup(identity, since, window)
}

// Reservation looks up a reservation held on this node.
func (g *Gate) Reservation(id string) (ledger.Reservation, bool) {
	return g.ledger.Reservation(id)
}

type SweepResult struct {
	Expired int `json:"expired"`
	Purged  int `json:"purged"`
	Pruned  int `json:"pruned"`
}

// Sweep expires stale reservations, purges idle rate windows and prunes old
// usage events.
func (g *Gate) Sweep(ctx context.Context) (SweepResult, error) {
	now := g.now()
	var out SweepResult

	expired, err := g.ledger.ExpireStale(ctx)
	out.Expired = len(expired)
	for _, res := range expired {
		g.recordOutcome(res, usage.Expired, 0, 0)
	}

	out.Purged = g.limiter.Purge(now)
	g.metrics.LimiterPurged(out.Purged)

	if g.tracker != nil {
		out.Pruned = g.tracker.Prune(now)
	}
	return out, err
}

// Pending counts reservations on this node still awaiting settlement.
func (g *Gate) Pending() int {
	return g.ledger.Pending()
}

// LedgerBreaker exposes the circuit breaker guarding the balance store.
func (g *Gate) LedgerBreaker() *circuitbreaker.CircuitBreaker {
	return g.ledger.Breaker()
}

// Tiers lists the configured tiers.
func (g *Gate) Tiers() []tier.Params {
	names := g.catalog.Names()
	out := make([]tier.Params, 0, len(names))
	for _, n := range names {
		p, _ := g.catalog.Lookup(n)
		out = append(out, p)
	}
	return out
}

// FlushUsage waits until every recorded event is visible to usage queries.
func (g *Gate) FlushUsage(ctx context.Context) error {
	if g.tracker == nil {
		return nil
	}
	return g.tracker.Flush(ctx)
}
