package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/quotagate/internal/circuitbreaker"
	"github.com/aman-churiwal/quotagate/internal/quota"
	"github.com/aman-churiwal/quotagate/internal/service"
)

// Maps an engine or service error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, quota.ErrReservationNotFound),
		errors.Is(err, service.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, quota.ErrReservationExpired):
		return http.StatusGone
	case errors.Is(err, quota.ErrAlreadyFinalized),
		errors.Is(err, service.ErrOperatorExists):
		return http.StatusConflict
	case errors.Is(err, quota.ErrInvalidAmount),
		errors.Is(err, quota.ErrInvalidIdentity),
		errors.Is(err, quota.ErrUnknownTier),
		errors.Is(err, service.ErrInvalidTier),
		errors.Is(err, service.ErrInvalidRole),
		errors.Is(err, service.ErrWeakPassword):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, quota.ErrLedgerUnavailable),
		errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Writes err as a JSON error. Internal errors are logged and hidden.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			"request_id", c.GetString("request_id"),
			"path", c.FullPath(),
			"error", err,
		)
	}

	body := gin.H{"error": err.Error()}
	if status == http.StatusInternalServerError {
		body["error"] = "Internal Server Error"
	}
	if reason := quota.ReasonFor(err); reason != quota.ReasonNone {
		body["reason"] = reason
	}
	if status == http.StatusServiceUnavailable {
		body["reason"] = quota.ReasonLedgerUnavailable
	}
	c.JSON(status, body)
}
