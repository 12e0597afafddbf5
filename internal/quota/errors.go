// Package quota holds the error and reason vocabulary shared by the engine's
// components.
package quota

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrRateLimited         = errors.New("quota: rate limited")
	ErrInsufficientBalance = errors.New("quota: insufficient balance")
	ErrUnknownOperation    = errors.New("quota: unknown operation")
	ErrLedgerUnavailable   = errors.New("quota: ledger unavailable")
	ErrAlreadyFinalized    = errors.New("quota: reservation already finalized")
	ErrReservationExpired  = errors.New("quota: reservation expired")
	ErrReservationNotFound = errors.New("quota: reservation not found")
	ErrUnknownTier         = errors.New("quota: unknown tier")
	ErrInvalidAmount       = errors.New("quota: invalid amount")
	ErrInvalidIdentity     = errors.New("quota: identity is required")
)

// Reason is the machine-readable cause attached to a gate decision.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonRateLimited         Reason = "rate_limited"
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonUnknownOperation    Reason = "unknown_operation"
	ReasonLedgerUnavailable   Reason = "ledger_unavailable"
	ReasonDegradedOpenPolicy  Reason = "degraded_open_policy"

	// Reasons for rejected settle/release calls and malformed requests.
	ReasonInvalidRequest      Reason = "invalid_request"
	ReasonReservationNotFound Reason = "reservation_not_found"
	ReasonReservationExpired  Reason = "reservation_expired"
	ReasonAlreadyFinalized    Reason = "already_finalized"
)

// ReasonFor maps an engine error to the reason a caller sees. Errors that
// did not come from the engine have no reason.
func ReasonFor(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, ErrInsufficientBalance):
		return ReasonInsufficientBalance
	case errors.Is(err, ErrUnknownOperation):
		return ReasonUnknownOperation
	case errors.Is(err, ErrLedgerUnavailable):
		return ReasonLedgerUnavailable
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidIdentity),
		errors.Is(err, ErrUnknownTier):
		return ReasonInvalidRequest
	case errors.Is(err, ErrReservationNotFound):
		return ReasonReservationNotFound
	case errors.Is(err, ErrReservationExpired):
		return ReasonReservationExpired
	case errors.Is(err, ErrAlreadyFinalized):
		return ReasonAlreadyFinalized
	default:
		return ReasonNone
	}
}

// StoreError wraps a backend failure with the operation and identity it
// happened on. It always unwraps to ErrLedgerUnavailable as well as the cause.
type StoreError struct {
	Op       string
	Identity string
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("quota: ledger %s identity=%s: %v", e.Op, e.Identity, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrLedgerUnavailable, e.Err}
}

// IsRetryable reports whether the caller may retry the same request later
// without any external action.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrLedgerUnavailable)
}
