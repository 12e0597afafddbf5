package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/quotagate/internal/gate"
	"github.com/aman-churiwal/quotagate/internal/ledger"
	"github.com/aman-churiwal/quotagate/internal/middleware"
	"github.com/aman-churiwal/quotagate/internal/quota"
)

// Serves the caller-facing /v1 API. Every route runs after
// middleware.APIKeyValidator, so the caller is known.
type GateHandler struct {
	gate   *gate.Gate
	logger *slog.Logger
}

func NewGateHandler(g *gate.Gate, logger *slog.Logger) *GateHandler {
	return &GateHandler{gate: g, logger: logger}
}

// Handles POST /v1/authorize
func (h *GateHandler) Authorize(c *gin.Context) {
	identity, name, ok := middleware.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unknown caller"})
		return
	}

	var req struct {
		Operation string `json:"operation" binding:"required"`
		SizeHint  *int64 `json:"size_hint"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SizeHint != nil && *req.SizeHint < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "size_hint must not be negative"})
		return
	}

	d, err := h.gate.Authorize(c.Request.Context(), gate.Request{
		Identity:  identity,
		Tier:      name,
		Operation: req.Operation,
		SizeHint:  req.SizeHint,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	middleware.SetDecisionHeaders(c, d)
	if !d.Admitted {
		body := middleware.DenialBody(d)
		body["decision"] = d
		c.JSON(middleware.DenialStatus(d), body)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Looks up a reservation owned by the caller. Reservations of other
// identities are reported as not found.
func (h *GateHandler) ownReservation(c *gin.Context) (ledger.Reservation, bool) {
	identity, _, _ := middleware.Caller(c)
	id := c.Param("id")

	res, ok := h.gate.Reservation(id)
	if !ok || res.Identity != identity {
		respondError(c, h.logger, fmt.Errorf("reservation %s: %w", id, quota.ErrReservationNotFound))
		return ledger.Reservation{}, false
	}
	return res, true
}

// Handles GET /v1/reservations/:id
func (h *GateHandler) GetReservation(c *gin.Context) {
	res, ok := h.ownReservation(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, res)
}

// Handles POST /v1/reservations/:id/settle. The body carries either the
// actual cost or the observed size to price it from.
func (h *GateHandler) Settle(c *gin.Context) {
	res, ok := h.ownReservation(c)
	if !ok {
		return
	}

	var req struct {
		Actual *int64 `json:"actual"`
		Size   *int64 `json:"size"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if (req.Actual == nil) == (req.Size == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of actual or size is required"})
		return
	}

	ctx := c.Request.Context()
	var (
		result ledger.SettleResult
		err    error
	)
	if req.Size != nil {
		if *req.Size < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "size must not be negative"})
			return
		}
		result, err = h.gate.SettleSize(ctx, res.ID, *req.Size)
	} else {
		result, err = h.gate.Settle(ctx, res.ID, *req.Actual)
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Handles POST /v1/reservations/:id/release
func (h *GateHandler) Release(c *gin.Context) {
	res, ok := h.ownReservation(c)
	if !ok {
		return
	}

	released, err := h.gate.Release(c.Request.Context(), res.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, released)
}

// Handles GET /v1/balance
func (h *GateHandler) Balance(c *gin.Context) {
	identity, name, _ := middleware.Caller(c)

	b, err := h.gate.Balance(c.Request.Context(), identity, name)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// Handles GET /v1/usage?since=&window=
func (h *GateHandler) Usage(c *gin.Context) {
	identity, _, _ := middleware.Caller(c)
	writeUsage(c, h.gate, identity)
}

// Writes the in-memory events and rollup for identity
func writeUsage(c *gin.Context, g *gate.Gate, identity string) {
	since, window, err := parseUsageQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"identity": identity,
		"since":    since,
		"window":   window.String(),
		"events":   g.UsageSince(identity, since),
		"rollup":   g.Rollup(identity, since, window),
	})
}

// Parses 'since' (RFC3339, unix seconds or a duration back from now) and
// 'window' (a duration). Defaults to the last hour in one-minute buckets.
func parseUsageQuery(c *gin.Context) (time.Time, time.Duration, error) {
	since := time.Now().Add(-time.Hour)
	if raw := c.Query("since"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			since = time.Now().Add(-d)
		} else {
			t, err := parseTime(raw)
			if err != nil {
				return time.Time{}, 0, fmt.Errorf("invalid since %q", raw)
			}
			since = t
		}
	}

	window := time.Minute
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return time.Time{}, 0, fmt.Errorf("invalid window %q", raw)
		}
		window = d
	}
	return since, window, nil
}
