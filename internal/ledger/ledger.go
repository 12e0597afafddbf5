// Package ledger holds per-identity quota balances and the two-phase
// reserve/settle protocol on top of them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aman-churiwal/quotagate/internal/circuitbreaker"
	"github.com/aman-churiwal/quotagate/internal/metrics"
	"github.com/aman-churiwal/quotagate/internal/quota"
	"github.com/aman-churiwal/quotagate/internal/tier"
)

const (
	DefaultReservationExpiry = 5 * time.Minute
	DefaultTimeout           = 200 * time.Millisecond
)

// Ledger owns reservations and drives a Store. Reservations live in the
// memory of the node that created them; balances live in the store.
type Ledger struct {
	store        Store
	reservations *reservationTable
	breaker      *circuitbreaker.CircuitBreaker
	expiry       time.Duration
	retain       time.Duration
	timeout      time.Duration
	now          func() time.Time
	logger       *slog.Logger
	metrics      *metrics.Metrics
	breakerCfg   circuitbreaker.Config
}

type Option func(*Ledger)

// WithExpiry sets how long a reservation may stay pending.
func WithExpiry(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.expiry = d
		}
	}
}

// WithRetention sets how long finalized reservations are remembered so a
// repeated settle reports AlreadyFinalized instead of NotFound. Defaults to
// the reservation expiry.
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.retain = d
		}
	}
}

// WithTimeout bounds every store call.
func WithTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithBreaker configures the circuit breaker around store calls.
func WithBreaker(cfg circuitbreaker.Config) Option {
	return func(l *Ledger) { l.breakerCfg = cfg }
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:        store,
		reservations: newReservationTable(32),
		expiry:       DefaultReservationExpiry,
		timeout:      DefaultTimeout,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.retain == 0 {
		l.retain = l.expiry
	}
	l.logger = l.logger.With("component", "ledger")

	cfg := l.breakerCfg
	if cfg.Name == "" {
		cfg.Name = "ledger"
	}
	if cfg.Logger == nil {
		cfg.Logger = l.logger
	}
	cfg.IsFailure = isStoreFailure
	hook := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		l.metrics.BreakerState(name, to.Gauge())
		if hook != nil {
			hook(name, from, to)
		}
	}
	l.breaker = circuitbreaker.New(cfg)
	l.metrics.BreakerState(cfg.Name, circuitbreaker.StateClosed.Gauge())

	return l
}

// Only backend trouble counts against the circuit. A rejected charge or a
// caller that gave up is not the store's fault.
func isStoreFailure(err error) bool {
	return err != nil &&
		!errors.Is(err, quota.ErrInsufficientBalance) &&
		!errors.Is(err, context.Canceled)
}

func (l *Ledger) Breaker() *circuitbreaker.CircuitBreaker {
	return l.breaker
}

// call runs fn against the store under the breaker and the per-call timeout.
// Backend failures come back as *quota.StoreError.
func (l *Ledger) call(ctx context.Context, op, identity string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := l.breaker.Call(func() error {
		callCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()
		return fn(callCtx)
	})
	l.metrics.LedgerCall(op, time.Since(start), err, quota.ErrInsufficientBalance)

	if err == nil || errors.Is(err, quota.ErrInsufficientBalance) {
		return err
	}
	l.logger.Warn("ledger store call failed", "op", op, "identity", identity, "error", err)
	return &quota.StoreError{Op: op, Identity: identity, Err: err}
}

type ReserveRequest struct {
	Identity  string
	Operation string
	Tier      tier.Params
	Amount    int64
}

// Reserve holds amount against the identity's balance. It fails with
// quota.ErrInsufficientBalance when the charge would cross the tier's floor.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	if req.Identity == "" {
		return Reservation{}, quota.ErrInvalidIdentity
	}
	if req.Amount < 0 {
		return Reservation{}, fmt.Errorf("ledger: reserve %d: %w", req.Amount, quota.ErrInvalidAmount)
	}

	floor := req.Tier.Floor()
	err := l.call(ctx, "reserve", req.Identity, func(ctx context.Context) error {
		_, err := l.store.Reserve(ctx, req.Identity, req.Amount, floor, req.Tier.BalanceCap)
		return err
	})
	if err != nil {
		return Reservation{}, err
	}

	now := l.now()
	h := &held{
		id:        uuid.NewString(),
		identity:  req.Identity,
		operation: req.Operation,
		tier:      req.Tier.Name,
		floor:     floor,
		amount:    req.Amount,
		state:     StatePending,
		createdAt: now,
		expiresAt: now.Add(l.expiry),
	}
	l.reservations.put(h)
	return h.snapshot(), nil
}

type SettleResult struct {
	Reservation Reservation `json:"reservation"`
	Actual      int64       `json:"actual"`
	Charged     int64       `json:"charged"`

	// Refunded is returned to the balance when the actual cost came in
	// under the reservation.
	Refunded int64 `json:"refunded"`

	// ExtraCharged is the delta taken on top of the reservation.
	ExtraCharged int64 `json:"extra_charged"`

	// Undercharged is the part of the actual cost that did not fit above
	// the floor and was never taken.
	Undercharged int64   `json:"undercharged"`
	Balance      Balance `json:"balance"`
}

func (r SettleResult) IsUndercharged() bool {
	return r.Undercharged > 0
}

// lockPending finds the reservation and locks it. The caller must unlock
// h.mu when err is nil. A finalized reservation yields ErrAlreadyFinalized,
// or ErrReservationExpired if expiry got there first.
func (l *Ledger) lockPending(id string) (*held, error) {
	h, ok := l.reservations.get(id)
	if !ok {
		return nil, fmt.Errorf("ledger: reservation %s: %w", id, quota.ErrReservationNotFound)
	}

	h.mu.Lock()
	switch h.state {
	case StatePending:
		return h, nil
	case StateExpired:
		h.mu.Unlock()
		return nil, fmt.Errorf("ledger: reservation %s: %w", id, quota.ErrReservationExpired)
	default:
		state := h.state
		h.mu.Unlock()
		return nil, fmt.Errorf("ledger: reservation %s is %s: %w", id, state, quota.ErrAlreadyFinalized)
	}
}

// expireLocked releases a pending reservation past its deadline. h.mu must
// be held. It reports whether the reservation was expired.
func (l *Ledger) expireLocked(ctx context.Context, h *held, now time.Time) (bool, error) {
	if h.state != StatePending || now.Before(h.expiresAt) {
		return false, nil
	}
	err := l.call(ctx, "release", h.identity, func(ctx context.Context) error {
		_, err := l.store.Release(ctx, h.identity, h.amount)
		return err
	})
	if err != nil {
		return false, err
	}
	h.finalize(StateExpired, now)
	l.metrics.Expired(1)
	l.metrics.Settlement(string(StateExpired))
	return true, nil
}

// Settle commits a pending reservation at its actual cost.
func (l *Ledger) Settle(ctx context.Context, id string, actual int64) (SettleResult, error) {
	if actual < 0 {
		return SettleResult{}, fmt.Errorf("ledger: settle %d: %w", actual, quota.ErrInvalidAmount)
	}

	h, err := l.lockPending(id)
	if err != nil {
		return SettleResult{}, err
	}
	defer h.mu.Unlock()

	now := l.now()
	expired, err := l.expireLocked(ctx, h, now)
	if err != nil {
		return SettleResult{}, err
	}
	if expired {
		l.logger.Warn("settlement arrived after expiry, result not billed",
			"reservation", id, "identity", h.identity, "actual", actual)
		return SettleResult{Reservation: h.snapshot()},
			fmt.Errorf("ledger: settle %s: %w", id, quota.ErrReservationExpired)
	}

	var res CommitResult
	err = l.call(ctx, "commit", h.identity, func(ctx context.Context) error {
		var err error
		res, err = l.store.Commit(ctx, h.identity, h.amount, actual, h.floor)
		return err
	})
	if err != nil {
		// Still pending: the caller may retry, or expiry returns the hold.
		return SettleResult{}, err
	}

	h.finalize(StateCommitted, now)
	out := SettleResult{
		Reservation: h.snapshot(),
		Actual:      actual,
		Charged:     res.Charged,
		Balance:     res.Balance,
	}
	out.Balance.Tier = h.tier
	if res.Found {
		switch {
		case actual < h.amount:
			out.Refunded = h.amount - actual
		case res.Charged > h.amount:
			out.ExtraCharged = res.Charged - h.amount
		}
		out.Undercharged = actual - res.Charged
	}

	l.metrics.Settlement(string(StateCommitted))
	if out.IsUndercharged() {
		l.metrics.Undercharged(out.Undercharged)
		l.logger.Warn("settled under the actual cost",
			"reservation", id, "identity", h.identity,
			"actual", actual, "charged", res.Charged)
	}
	return out, nil
}

// Release returns a pending reservation's full amount to the balance.
func (l *Ledger) Release(ctx context.Context, id string) (Reservation, error) {
	h, err := l.lockPending(id)
	if err != nil {
		return Reservation{}, err
	}
	defer h.mu.Unlock()

	now := l.now()
	expired, err := l.expireLocked(ctx, h, now)
	if err != nil {
		return Reservation{}, err
	}
	if expired {
		return h.snapshot(), fmt.Errorf("ledger: release %s: %w", id, quota.ErrReservationExpired)
	}

	err = l.call(ctx, "release", h.identity, func(ctx context.Context) error {
		_, err := l.store.Release(ctx, h.identity, h.amount)
		return err
	})
	if err != nil {
		return Reservation{}, err
	}

	h.finalize(StateReleased, now)
	l.metrics.Settlement(string(StateReleased))
	return h.snapshot(), nil
}

// ExpireStale releases every pending reservation past its deadline and
// forgets finalized ones older than the retention. It returns the
// reservations it expired. Safe to run concurrently with itself and with
// Settle/Release.
func (l *Ledger) ExpireStale(ctx context.Context) ([]Reservation, error) {
	now := l.now()
	var expired []Reservation
	var errs []error

	for _, h := range l.reservations.all() {
		h.mu.Lock()
		if h.state.Final() {
			if now.Sub(h.finalizedAt) >= l.retain {
				l.reservations.remove(h.id)
			}
			h.mu.Unlock()
			continue
		}

		ok, err := l.expireLocked(ctx, h, now)
		if ok {
			expired = append(expired, h.snapshot())
		}
		h.mu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(expired) > 0 {
		l.logger.Info("expired stale reservations", "count", len(expired))
	}
	return expired, errors.Join(errs...)
}

// Reservation returns a copy of the reservation with the given id.
func (l *Ledger) Reservation(id string) (Reservation, bool) {
	h, ok := l.reservations.get(id)
	if !ok {
		return Reservation{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot(), true
}

// Pending counts reservations still awaiting settlement.
func (l *Ledger) Pending() int {
	n := 0
	for _, h := range l.reservations.all() {
		h.mu.Lock()
		if h.state == StatePending {
			n++
		}
		h.mu.Unlock()
	}
	return n
}

// TopUp credits amount to the identity. A balance that does not exist yet
// starts from the tier's cap, the same value the first charge would see.
func (l *Ledger) TopUp(ctx context.Context, identity string, params tier.Params, amount int64) (Balance, error) {
	if identity == "" {
		return Balance{}, quota.ErrInvalidIdentity
	}
	if amount <= 0 {
		return Balance{}, fmt.Errorf("ledger: top up %d: %w", amount, quota.ErrInvalidAmount)
	}

	var b Balance
	err := l.call(ctx, "top_up", identity, func(ctx context.Context) error {
		var err error
		b, err = l.store.TopUp(ctx, identity, amount, params.BalanceCap)
		return err
	})
	if err != nil {
		return Balance{}, err
	}
	b.Tier = params.Name
	l.logger.Info("balance topped up", "identity", identity, "amount", amount, "available", b.Available)
	return b, nil
}

// Balance reports the identity's balance. An identity that was never
// charged reports its tier's cap without creating anything.
func (l *Ledger) Balance(ctx context.Context, identity string, params tier.Params) (Balance, error) {
	if identity == "" {
		return Balance{}, quota.ErrInvalidIdentity
	}

	var (
		b     Balance
		found bool
	)
	err := l.call(ctx, "get", identity, func(ctx context.Context) error {
		var err error
		b, found, err = l.store.Get(ctx, identity)
		return err
	})
	if err != nil {
		return Balance{}, err
	}
	if !found {
		b = Balance{Identity: identity, Available: params.BalanceCap}
	}
	b.Tier = params.Name
	return b, nil
}

// DeleteBalance drops the identity's balance. Pending reservations against
// it settle as no-ops.
func (l *Ledger) DeleteBalance(ctx context.Context, identity string) error {
	if identity == "" {
		return quota.ErrInvalidIdentity
	}
	err := l.call(ctx, "delete", identity, func(ctx context.Context) error {
		return l.store.Delete(ctx, identity)
	})
	if err != nil {
		return err
	}
	l.logger.Info("balance deleted", "identity", identity)
	return nil
}
