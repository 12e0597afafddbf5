package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/quotagate/internal/middleware"
	"github.com/aman-churiwal/quotagate/internal/service"
)

type AuthHandler struct {
	service *service.OperatorService
	logger  *slog.Logger
}

func NewAuthHandler(service *service.OperatorService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{service: service, logger: logger}
}

// Handles POST /admin/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, expiresAt, err := h.service.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt,
	})
}

// Handles POST /admin/operators
func (h *AuthHandler) Register(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required"`
		Name     string `json:"name"`
		Role     string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	operator, err := h.service.Register(c.Request.Context(), service.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Role:     req.Role,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, operator)
}

// Handles GET /admin/operators
func (h *AuthHandler) List(c *gin.Context) {
	operators, err := h.service.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, operators)
}

// Handles GET /admin/me
func (h *AuthHandler) Me(c *gin.Context) {
	operator, err := h.service.Get(c.Request.Context(), operatorID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if operator == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Operator not found"})
		return
	}
	c.JSON(http.StatusOK, operator)
}

// Returns the id of the authenticated operator, if any
func operatorID(c *gin.Context) string {
	v, _ := c.Get(middleware.ContextOperator)
	if claims, ok := v.(*service.Claims); ok {
		return claims.OperatorID
	}
	return ""
}
