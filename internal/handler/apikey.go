package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aman-churiwal/quotagate/internal/service"
)

type APIKeyHandler struct {
	service *service.APIKeyService
	logger  *slog.Logger
}

func NewAPIKeyHandler(service *service.APIKeyService, logger *slog.Logger) *APIKeyHandler {
	return &APIKeyHandler{service: service, logger: logger}
}

func (h *APIKeyHandler) Create(c *gin.Context) {
	var req struct {
		Name      string `json:"name" binding:"required"`
		Tier      string `json:"tier" binding:"required"`
		AccountID string `json:"account_id"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, apiKey, err := h.service.Create(c.Request.Context(), service.CreateKeyInput{
		Name:      req.Name,
		CreatedBy: operatorID(c),
		Tier:      req.Tier,
		AccountID: req.AccountID,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"key":     key,
		"api_key": apiKey,
		"message": "Save this key - it won't be shown again",
	})
}

// Handles GET /admin/keys/stats
func (h *APIKeyHandler) Stats(c *gin.Context) {
	counts, err := h.service.CountByTier(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_by_tier": counts})
}

// Handles GET /admin/keys?account_id=
func (h *APIKeyHandler) List(c *gin.Context) {
	keys, err := h.service.List(c.Request.Context(), c.Query("account_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, keys)
}

func (h *APIKeyHandler) Get(c *gin.Context) {
	id, ok := keyID(c)
	if !ok {
		return
	}

	apiKey, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, apiKey)
}

func (h *APIKeyHandler) Update(c *gin.Context) {
	id, ok := keyID(c)
	if !ok {
		return
	}

	var req struct {
		Tier      *string `json:"tier"`
		IsActive  *bool   `json:"is_active"`
		AccountID *string `json:"account_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Tier == nil && req.IsActive == nil && req.AccountID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No fields to update"})
		return
	}

	err := h.service.Update(c.Request.Context(), id, service.KeyUpdate{
		Tier:      req.Tier,
		IsActive:  req.IsActive,
		AccountID: req.AccountID,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "API key updated successfully"})
}

func (h *APIKeyHandler) Delete(c *gin.Context) {
	id, ok := keyID(c)
	if !ok {
		return
	}

	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "API key deleted successfully"})
}

func keyID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid API key ID"})
		return uuid.Nil, false
	}
	return id, true
}
