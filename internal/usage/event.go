package usage

import (
	"time"

	"github.com/aman-churiwal/quotagate/internal/quota"
	"github.com/aman-churiwal/quotagate/internal/tier"
)

type Decision string

const (
	Admitted                Decision = "admitted"
	DeniedRateLimit         Decision = "denied_rate_limit"
	DeniedQuota             Decision = "denied_quota"
	DeniedUnknownOperation  Decision = "denied_unknown_operation"
	DeniedLedgerUnavailable Decision = "denied_ledger_unavailable"

	// Outcomes of an admitted reservation. They follow the admission event
	// that carries the same ReservationID.
	Settled        Decision = "settled"
	Released       Decision = "released"
	Expired        Decision = "expired"
	LateSettlement Decision = "late_settlement"
)

func (d Decision) IsAdmitted() bool {
	return d == Admitted
}

// IsSettlement reports whether d closes out a reservation rather than
// deciding on a request.
func (d Decision) IsSettlement() bool {
	switch d {
	case Settled, Released, Expired, LateSettlement:
		return true
	}
	return false
}

// DecisionFor maps a denial reason to the decision recorded for it.
func DecisionFor(reason quota.Reason) Decision {
	switch reason {
	case quota.ReasonNone, quota.ReasonDegradedOpenPolicy:
		return Admitted
	case quota.ReasonRateLimited:
		return DeniedRateLimit
	case quota.ReasonInsufficientBalance:
		return DeniedQuota
	case quota.ReasonUnknownOperation:
		return DeniedUnknownOperation
	default:
		return DeniedLedgerUnavailable
	}
}

// Event is one admission decision or one reservation outcome. Events are
// never modified once recorded.
//
// Cost is the estimate held at admission. Charged is what a settlement
// actually took from the balance; released, expired and late settlements
// charge nothing.
type Event struct {
	Identity      string    `json:"identity"`
	Operation     string    `json:"operation"`
	Tier          tier.Name `json:"tier"`
	Timestamp     time.Time `json:"timestamp"`
	Decision      Decision  `json:"decision"`
	Cost          int64     `json:"cost,omitempty"`
	Charged       int64     `json:"charged,omitempty"`
	Actual        int64     `json:"actual,omitempty"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Degraded      bool      `json:"degraded,omitempty"`
}

// Bucket aggregates one operation's events inside one rollup window. Count,
// Admitted and Denied cover admission decisions only; TotalCost is the sum
// actually charged by settlements in the window.
type Bucket struct {
	Start           time.Time `json:"start"`
	Operation       string    `json:"operation"`
	Count           int       `json:"count"`
	Admitted        int       `json:"admitted"`
	Denied          int       `json:"denied"`
	Settled         int       `json:"settled"`
	Released        int       `json:"released"`
	Expired         int       `json:"expired"`
	LateSettlements int       `json:"late_settlements"`
	EstimatedCost   int64     `json:"estimated_cost"`
	TotalCost       int64     `json:"total_cost"`
}
