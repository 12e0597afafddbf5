package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aman-churiwal/quotagate/internal/models"
	"github.com/aman-churiwal/quotagate/internal/tier"
)

// Context keys set once the caller is known
const (
	ContextAPIKey   = "api_key"
	ContextIdentity = "identity"
	ContextTier     = "tier"
)

type KeyValidator interface {
	Validate(ctx context.Context, key string) (*models.APIKey, error)
	UpdateLastUsed(ctx context.Context, id uuid.UUID)
}

// Resolves the caller's identity and tier from X-API-Key. Requests without a
// key run on the anonymous tier, keyed by client IP, or are rejected when no
// anonymous tier is configured.
func APIKeyValidator(keys KeyValidator, anonymous tier.Name, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKeyHeader := strings.TrimSpace(c.GetHeader("X-API-Key"))

		if apiKeyHeader == "" {
			if anonymous == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "API key required",
				})
				return
			}
			c.Set(ContextIdentity, "anon:"+c.ClientIP())
			c.Set(ContextTier, anonymous)
			c.Next()
			return
		}

		if keys == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "API key validation is not configured",
			})
			return
		}

		ctx := c.Request.Context()
		apiKey, err := keys.Validate(ctx, apiKeyHeader)
		if err != nil {
			logger.Error("api key lookup failed", "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "API key validation unavailable",
			})
			return
		}
		if apiKey == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid API key",
			})
			return
		}

		name, err := tier.ParseName(apiKey.Tier)
		if err != nil {
			logger.Warn("api key has an unknown tier", "key_id", apiKey.ID, "tier", apiKey.Tier)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "API key tier is not recognised",
			})
			return
		}

		c.Set(ContextAPIKey, apiKey)
		c.Set(ContextIdentity, apiKey.Identity())
		c.Set(ContextTier, name)

		go func(id uuid.UUID) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			keys.UpdateLastUsed(ctx, id)
		}(apiKey.ID)

		c.Next()
	}
}

// Returns the identity and tier resolved by APIKeyValidator
func Caller(c *gin.Context) (string, tier.Name, bool) {
	identity := c.GetString(ContextIdentity)
	v, ok := c.Get(ContextTier)
	if !ok || identity == "" {
		return "", "", false
	}
	name, ok := v.(tier.Name)
	return identity, name, ok
}
