package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aman-churiwal/quotagate/internal/models"
	"github.com/aman-churiwal/quotagate/internal/tier"
)

var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrInvalidTier = errors.New("unknown tier")
)

const (
	keyPrefix   = "qg_"
	keyCacheTTL = 5 * time.Minute
)

type APIKeyStore interface {
	Create(ctx context.Context, apiKey *models.APIKey) error
	FindByHash(ctx context.Context, hash string) (*models.APIKey, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	List(ctx context.Context, accountID string) ([]models.APIKey, error)
	Update(ctx context.Context, id uuid.UUID, updates map[string]interface{}) (int64, error)
	UpdateLastUsed(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) (int64, error)
	CountByTier(ctx context.Context) (map[string]int64, error)
}

// KeyCache is satisfied by *storage.RedisClient.
type KeyCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type APIKeyService struct {
	repository APIKeyStore
	cache      KeyCache
	catalog    *tier.Catalog
	logger     *slog.Logger
}

// cache may be nil, in which case every validation reads the store.
func NewAPIKeyService(repo APIKeyStore, cache KeyCache, catalog *tier.Catalog, logger *slog.Logger) *APIKeyService {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyService{
		repository: repo,
		cache:      cache,
		catalog:    catalog,
		logger:     logger.With("component", "apikeys"),
	}
}

type CreateKeyInput struct {
	Name      string
	CreatedBy string
	Tier      string
	AccountID string
}

// Creates a key and returns its plain text. The plain key is never stored.
func (s *APIKeyService) Create(ctx context.Context, in CreateKeyInput) (string, *models.APIKey, error) {
	name, err := s.parseTier(in.Tier)
	if err != nil {
		return "", nil, err
	}

	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	key := keyPrefix + base64.RawURLEncoding.EncodeToString(keyBytes)

	apiKey := &models.APIKey{
		KeyHash:   HashKey(key),
		Name:      in.Name,
		AccountID: in.AccountID,
		CreatedBy: in.CreatedBy,
		Tier:      string(name),
		IsActive:  true,
	}
	if err := s.repository.Create(ctx, apiKey); err != nil {
		return "", nil, fmt.Errorf("failed to create API key: %w", err)
	}

	s.logger.Info("api key created", "key_id", apiKey.ID, "tier", apiKey.Tier, "account_id", apiKey.AccountID)
	return key, apiKey, nil
}

// Resolves a plain key to its record. Returns nil for unknown or inactive
// keys.
func (s *APIKeyService) Validate(ctx context.Context, key string) (*models.APIKey, error) {
	keyHash := HashKey(key)
	cacheKey := cacheKeyFor(keyHash)

	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, cacheKey); err == nil && cached != "" {
			var apiKey models.APIKey
			if err := json.Unmarshal([]byte(cached), &apiKey); err == nil {
				return &apiKey, nil
			}
		}
	}

	apiKey, err := s.repository.FindByHash(ctx, keyHash)
	if err != nil || apiKey == nil {
		return nil, err
	}

	if s.cache != nil {
		// KeyHash is not serialized, so the cached copy carries no secret
		if data, err := json.Marshal(apiKey); err == nil {
			if err := s.cache.Set(ctx, cacheKey, data, keyCacheTTL); err != nil {
				s.logger.Warn("api key cache write failed", "error", err)
			}
		}
	}
	return apiKey, nil
}

func (s *APIKeyService) Get(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	apiKey, err := s.repository.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if apiKey == nil {
		return nil, ErrKeyNotFound
	}
	return apiKey, nil
}

func (s *APIKeyService) List(ctx context.Context, accountID string) ([]models.APIKey, error) {
	return s.repository.List(ctx, accountID)
}

// Active keys per tier
func (s *APIKeyService) CountByTier(ctx context.Context) (map[string]int64, error) {
	return s.repository.CountByTier(ctx)
}

type KeyUpdate struct {
	Tier      *string
	IsActive  *bool
	AccountID *string
}

func (s *APIKeyService) Update(ctx context.Context, id uuid.UUID, in KeyUpdate) error {
	updates := make(map[string]interface{})
	if in.Tier != nil {
		name, err := s.parseTier(*in.Tier)
		if err != nil {
			return err
		}
		updates["tier"] = string(name)
	}
	if in.IsActive != nil {
		updates["is_active"] = *in.IsActive
	}
	if in.AccountID != nil {
		updates["account_id"] = *in.AccountID
	}
	if len(updates) == 0 {
		return nil
	}

	// Every field here changes what validation returns
	s.invalidateCache(ctx, id)

	n, err := s.repository.Update(ctx, id, updates)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *APIKeyService) Delete(ctx context.Context, id uuid.UUID) error {
	s.invalidateCache(ctx, id)

	n, err := s.repository.Delete(ctx, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *APIKeyService) UpdateLastUsed(ctx context.Context, id uuid.UUID) {
	if err := s.repository.UpdateLastUsed(ctx, id); err != nil {
		s.logger.Debug("last used update failed", "key_id", id, "error", err)
	}
}

func (s *APIKeyService) parseTier(raw string) (tier.Name, error) {
	name, err := tier.ParseName(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, raw)
	}
	if s.catalog != nil {
		if _, ok := s.catalog.Lookup(name); !ok {
			return "", fmt.Errorf("%w: %q is not configured", ErrInvalidTier, raw)
		}
	}
	return name, nil
}

func (s *APIKeyService) invalidateCache(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	apiKey, err := s.repository.FindByID(ctx, id)
	if err != nil || apiKey == nil {
		return
	}
	if err := s.cache.Del(ctx, cacheKeyFor(apiKey.KeyHash)); err != nil {
		s.logger.Warn("api key cache invalidation failed", "key_id", id, "error", err)
	}
}

func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

func cacheKeyFor(keyHash string) string {
	return "apikey:cache:" + keyHash
}
