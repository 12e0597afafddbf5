package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/quotagate/internal/circuitbreaker"
	"github.com/aman-churiwal/quotagate/internal/gate"
	"github.com/aman-churiwal/quotagate/internal/healthcheck"
)

// Handles system-related endpoints
type SystemHandler struct {
	gate      *gate.Gate
	checker   *healthcheck.Checker
	breakers  map[string]*circuitbreaker.CircuitBreaker
	version   string
	startedAt time.Time
}

// breakers maps a name to each upstream breaker; the ledger breaker is
// always included as "ledger".
func NewSystemHandler(g *gate.Gate, checker *healthcheck.Checker, breakers map[string]*circuitbreaker.CircuitBreaker, version string) *SystemHandler {
	all := map[string]*circuitbreaker.CircuitBreaker{"ledger": g.LedgerBreaker()}
	for name, cb := range breakers {
		all[name] = cb
	}
	return &SystemHandler{
		gate:      g,
		checker:   checker,
		breakers:  all,
		version:   version,
		startedAt: time.Now(),
	}
}

// Handles GET /health. Unhealthy answers 503; degraded still answers 200 so
// load balancers keep routing while optional dependencies recover.
func (h *SystemHandler) Health(c *gin.Context) {
	overall := healthcheck.Healthy
	var checks []healthcheck.Status
	if h.checker != nil {
		overall = h.checker.OverallHealth()
		checks = h.checker.GetAllStatus()
	}

	status := http.StatusOK
	if overall == healthcheck.Unhealthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":    overall,
		"service":   "quotagate",
		"version":   h.version,
		"timestamp": time.Now().Unix(),
		"checks":    checks,
	})
}

// Handles GET /admin/status
func (h *SystemHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":               "running",
		"uptime":               time.Since(h.startedAt).Seconds(),
		"pending_reservations": h.gate.Pending(),
		"ledger_breaker":       h.gate.LedgerBreaker().State(),
		"tiers":                h.gate.Tiers(),
		"timestamp":            time.Now().Unix(),
	})
}

// Returns the status of all circuit breakers
func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	statuses := make(map[string]circuitbreaker.Metrics, len(h.breakers))
	for name, cb := range h.breakers {
		statuses[name] = cb.Metrics()
	}
	c.JSON(http.StatusOK, statuses)
}

// Manually resets a circuit breaker
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	name := c.Param("name")

	cb, exists := h.breakers[name]
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Circuit breaker not found",
		})
		return
	}

	cb.Reset()

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"breaker": name,
	})
}

// Handles POST /admin/sweep, running housekeeping immediately
func (h *SystemHandler) Sweep(c *gin.Context) {
	res, err := h.gate.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  err.Error(),
			"result": res,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}
