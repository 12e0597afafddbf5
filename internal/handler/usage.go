package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/quotagate/internal/gate"
	"github.com/aman-churiwal/quotagate/internal/repository"
	"github.com/aman-churiwal/quotagate/internal/service"
)

// Serves usage reporting to operators. Live data comes from the gate's
// in-memory tracker; history comes from postgres when it is configured.
type UsageHandler struct {
	gate    *gate.Gate
	reports *service.UsageReportService
	logger  *slog.Logger
}

// reports may be nil when there is no durable usage history.
func NewUsageHandler(g *gate.Gate, reports *service.UsageReportService, logger *slog.Logger) *UsageHandler {
	return &UsageHandler{gate: g, reports: reports, logger: logger}
}

// Handles GET /admin/usage/live/:identity
func (h *UsageHandler) Live(c *gin.Context) {
	writeUsage(c, h.gate, c.Param("identity"))
}

// Handles GET /admin/usage/summary
func (h *UsageHandler) Summary(c *gin.Context) {
	filter, ok := h.filter(c)
	if !ok {
		return
	}

	summary, err := h.reports.Summary(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Handles GET /admin/usage/hourly
func (h *UsageHandler) Hourly(c *gin.Context) {
	filter, ok := h.filter(c)
	if !ok {
		return
	}

	hourly, err := h.reports.Hourly(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, hourly)
}

// Handles GET /admin/usage/history
func (h *UsageHandler) History(c *gin.Context) {
	filter, ok := h.filter(c)
	if !ok {
		return
	}

	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	records, err := h.reports.History(c.Request.Context(), filter, limit, offset)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"limit":   limit,
		"offset":  offset,
	})
}

func (h *UsageHandler) filter(c *gin.Context) (repository.UsageFilter, bool) {
	if h.reports == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Usage history is not configured"})
		return repository.UsageFilter{}, false
	}

	from, to, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return repository.UsageFilter{}, false
	}
	return repository.UsageFilter{
		From:     from,
		To:       to,
		Identity: c.Query("identity"),
		Decision: c.Query("decision"),
	}, true
}

// Parses 'from' and 'to' query parameters. Default: last 24 hours.
func parseTimeRange(c *gin.Context) (time.Time, time.Time, error) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	if fromStr := c.Query("from"); fromStr != "" {
		t, err := parseTime(fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = t
	}

	if toStr := c.Query("to"); toStr != "" {
		t, err := parseTime(toStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = t
	}

	return from, to, nil
}

// Accepts RFC3339 or a unix timestamp
func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err == nil {
		return t, nil
	}
	if ts, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
		return time.Unix(ts, 0), nil
	}
	return time.Time{}, err
}
