package middleware

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/quotagate/internal/gate"
	"github.com/aman-churiwal/quotagate/internal/ledger"
	"github.com/aman-churiwal/quotagate/internal/quota"
)

// Gatekeeper is the part of the gate a gated route needs.
type Gatekeeper interface {
	Authorize(ctx context.Context, req gate.Request) (gate.Decision, error)
	SettleSize(ctx context.Context, reservationID string, size int64) (ledger.SettleResult, error)
	Release(ctx context.Context, reservationID string) (ledger.Reservation, error)
}

// Charges each request as operation. The cost is reserved before the
// handler runs and settled against the response size afterwards; a 5xx
// response releases the reservation instead.
func Quota(g Gatekeeper, operation string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, name, ok := Caller(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unknown caller"})
			return
		}

		d, err := g.Authorize(c.Request.Context(), gate.Request{
			Identity:  identity,
			Tier:      name,
			Operation: operation,
		})
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, quota.ErrUnknownTier) || errors.Is(err, quota.ErrInvalidIdentity) {
				status = http.StatusForbidden
			}
			logger.Error("authorize failed", "identity", identity, "operation", operation, "error", err)
			c.AbortWithStatusJSON(status, gin.H{"error": "Quota check failed"})
			return
		}

		SetDecisionHeaders(c, d)
		if !d.Admitted {
			c.AbortWithStatusJSON(DenialStatus(d), DenialBody(d))
			return
		}

		c.Next()

		if d.ReservationID == "" {
			// Admitted without a reservation under the open failure policy
			return
		}

		// The client may have gone away; settlement must still happen.
		ctx := context.WithoutCancel(c.Request.Context())
		if c.Writer.Status() >= http.StatusInternalServerError {
			if _, err := g.Release(ctx, d.ReservationID); err != nil {
				logger.Warn("release after upstream failure failed",
					"reservation", d.ReservationID, "error", err)
			}
			return
		}

		size := int64(max(c.Writer.Size(), 0))
		if _, err := g.SettleSize(ctx, d.ReservationID, size); err != nil {
			logger.Warn("settle failed", "reservation", d.ReservationID, "size", size, "error", err)
		}
	}
}

// Writes the rate-limit and cost headers for a decision
func SetDecisionHeaders(c *gin.Context, d gate.Decision) {
	if d.RateLimit.Limit > 0 {
		c.Header("X-RateLimit-Limit", strconv.Itoa(d.RateLimit.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.RateLimit.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.RateLimit.ResetAt.Unix(), 10))
	}
	if d.Admitted {
		c.Header("X-Quota-Cost", strconv.FormatInt(d.CostEstimate, 10))
	}
	if d.ReservationID != "" {
		c.Header("X-Quota-Reservation", d.ReservationID)
	}
	if d.Degraded {
		c.Header("X-Quota-Degraded", "true")
	}
	if d.Reason == quota.ReasonRateLimited {
		c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds(d.RetryAfter)))
	}
}

// Maps a denial to its HTTP status
func DenialStatus(d gate.Decision) int {
	switch d.Reason {
	case quota.ReasonRateLimited:
		return http.StatusTooManyRequests
	case quota.ReasonInsufficientBalance:
		return http.StatusPaymentRequired
	case quota.ReasonUnknownOperation:
		return http.StatusForbidden
	case quota.ReasonLedgerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

func DenialBody(d gate.Decision) gin.H {
	body := gin.H{
		"error":  denialMessage(d.Reason),
		"reason": d.Reason,
	}
	if d.CostEstimate > 0 {
		body["cost"] = d.CostEstimate
	}
	if d.Reason == quota.ReasonRateLimited {
		body["retry_after"] = RetryAfterSeconds(d.RetryAfter)
	}
	return body
}

func denialMessage(reason quota.Reason) string {
	switch reason {
	case quota.ReasonRateLimited:
		return "Rate limit exceeded"
	case quota.ReasonInsufficientBalance:
		return "Insufficient quota balance"
	case quota.ReasonUnknownOperation:
		return "Operation is not priced for this tier"
	case quota.ReasonLedgerUnavailable:
		return "Quota service temporarily unavailable"
	default:
		return "Request denied"
	}
}

// Whole seconds, rounded up so clients never retry early
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
