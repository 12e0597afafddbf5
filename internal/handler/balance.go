package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/quotagate/internal/gate"
	"github.com/aman-churiwal/quotagate/internal/tier"
)

// Serves the billing side: reading, crediting and deleting balances
type BalanceHandler struct {
	gate   *gate.Gate
	logger *slog.Logger
}

func NewBalanceHandler(g *gate.Gate, logger *slog.Logger) *BalanceHandler {
	return &BalanceHandler{gate: g, logger: logger}
}

// Handles GET /admin/balances/:identity?tier=
func (h *BalanceHandler) Get(c *gin.Context) {
	name, err := tier.ParseName(c.DefaultQuery("tier", string(tier.Free)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	b, err := h.gate.Balance(c.Request.Context(), c.Param("identity"), name)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// Handles POST /admin/balances/:identity/topup
func (h *BalanceHandler) TopUp(c *gin.Context) {
	var req struct {
		Tier   string `json:"tier" binding:"required"`
		Amount int64  `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name, err := tier.ParseName(req.Tier)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	identity := c.Param("identity")
	b, err := h.gate.TopUp(c.Request.Context(), identity, name, req.Amount)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("balance credited",
		"identity", identity, "amount", req.Amount, "operator", operatorID(c))
	c.JSON(http.StatusOK, b)
}

// Handles DELETE /admin/balances/:identity
func (h *BalanceHandler) Delete(c *gin.Context) {
	identity := c.Param("identity")
	if err := h.gate.DeleteBalance(c.Request.Context(), identity); err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("balance removed", "identity", identity, "operator", operatorID(c))
	c.JSON(http.StatusOK, gin.H{"message": "Balance deleted successfully"})
}
