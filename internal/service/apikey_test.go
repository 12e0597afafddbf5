package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-churiwal/quotagate/internal/models"
	"github.com/aman-churiwal/quotagate/internal/tier"
)

type memKeys struct {
	mu      sync.Mutex
	keys    map[uuid.UUID]*models.APIKey
	lookups int
}

func newMemKeys() *memKeys {
	return &memKeys{keys: make(map[uuid.UUID]*models.APIKey)}
}

func (m *memKeys) Create(_ context.Context, k *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	cp := *k
	m.keys[k.ID] = &cp
	return nil
}

func (m *memKeys) FindByHash(_ context.Context, hash string) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	for _, k := range m.keys {
		if k.KeyHash == hash && k.IsActive {
			cp := *k
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memKeys) FindByID(_ context.Context, id uuid.UUID) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

func (m *memKeys) List(_ context.Context, accountID string) ([]models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.APIKey
	for _, k := range m.keys {
		if accountID == "" || k.AccountID == accountID {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (m *memKeys) Update(_ context.Context, id uuid.UUID, updates map[string]interface{}) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return 0, nil
	}
	if v, ok := updates["tier"]; ok {
		k.Tier = v.(string)
	}
	if v, ok := updates["is_active"]; ok {
		k.IsActive = v.(bool)
	}
	if v, ok := updates["account_id"]; ok {
		k.AccountID = v.(string)
	}
	return 1, nil
}

func (m *memKeys) UpdateLastUsed(context.Context, uuid.UUID) error { return nil }

func (m *memKeys) Delete(_ context.Context, id uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[id]; !ok {
		return 0, nil
	}
	delete(m.keys, id)
	return 1, nil
}

func (m *memKeys) CountByTier(context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int64)
	for _, k := range m.keys {
		if k.IsActive {
			counts[k.Tier]++
		}
	}
	return counts, nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string]string)}
}

func (c *memCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return "", errors.New("redis: nil")
	}
	return v, nil
}

func (c *memCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		c.data[key] = string(v)
	case string:
		c.data[key] = v
	}
	return nil
}

func (c *memCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func testCatalog(t *testing.T) *tier.Catalog {
	t.Helper()
	c, err := tier.NewCatalog(tier.Defaults{}, tier.DefaultParams()[:2]...)
	require.NoError(t, err)
	return c
}

func TestAPIKeyService_CreateAndValidate(t *testing.T) {
	repo := newMemKeys()
	cache := newMemCache()
	svc := NewAPIKeyService(repo, cache, testCatalog(t), nil)
	ctx := context.Background()

	plain, key, err := svc.Create(ctx, CreateKeyInput{Name: "ci", Tier: "Basic", AccountID: "acct-1"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plain, "qg_"))
	assert.Equal(t, "basic", key.Tier)
	assert.Equal(t, HashKey(plain), key.KeyHash)
	assert.Equal(t, "acct-1", key.Identity())

	got, err := svc.Validate(ctx, plain)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, 1, repo.lookups)

	got, err = svc.Validate(ctx, plain)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, repo.lookups, "second validation is served from the cache")

	got, err = svc.Validate(ctx, "qg_unknown")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAPIKeyService_RejectsUnconfiguredTier(t *testing.T) {
	svc := NewAPIKeyService(newMemKeys(), nil, testCatalog(t), nil)

	_, _, err := svc.Create(context.Background(), CreateKeyInput{Name: "x", Tier: "gold"})
	assert.ErrorIs(t, err, ErrInvalidTier)

	// Valid name, but not in this catalog
	_, _, err = svc.Create(context.Background(), CreateKeyInput{Name: "x", Tier: "enterprise"})
	assert.ErrorIs(t, err, ErrInvalidTier)
}

func TestAPIKeyService_UpdateInvalidatesCache(t *testing.T) {
	repo := newMemKeys()
	cache := newMemCache()
	svc := NewAPIKeyService(repo, cache, testCatalog(t), nil)
	ctx := context.Background()

	plain, key, err := svc.Create(ctx, CreateKeyInput{Name: "ci", Tier: "free"})
	require.NoError(t, err)
	_, err = svc.Validate(ctx, plain)
	require.NoError(t, err)

	inactive := false
	require.NoError(t, svc.Update(ctx, key.ID, KeyUpdate{IsActive: &inactive}))

	got, err := svc.Validate(ctx, plain)
	require.NoError(t, err)
	assert.Nil(t, got, "a deactivated key must not be served from a stale cache")

	assert.ErrorIs(t, svc.Update(ctx, uuid.New(), KeyUpdate{IsActive: &inactive}), ErrKeyNotFound)
	bad := "gold"
	assert.ErrorIs(t, svc.Update(ctx, key.ID, KeyUpdate{Tier: &bad}), ErrInvalidTier)
}

func TestAPIKeyService_Delete(t *testing.T) {
	repo := newMemKeys()
	svc := NewAPIKeyService(repo, newMemCache(), testCatalog(t), nil)
	ctx := context.Background()

	_, key, err := svc.Create(ctx, CreateKeyInput{Name: "ci", Tier: "free"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, key.ID))
	assert.ErrorIs(t, svc.Delete(ctx, key.ID), ErrKeyNotFound)

	_, err = svc.Get(ctx, key.ID)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestAPIKeyService_CountByTier(t *testing.T) {
	svc := NewAPIKeyService(newMemKeys(), nil, testCatalog(t), nil)
	ctx := context.Background()

	for _, name := range []string{"free", "free", "basic"} {
		_, _, err := svc.Create(ctx, CreateKeyInput{Name: "k", Tier: name})
		require.NoError(t, err)
	}

	counts, err := svc.CountByTier(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"free": 2, "basic": 1}, counts)
}
