package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/aman-churiwal/quotagate/internal/models"
	"github.com/aman-churiwal/quotagate/internal/service"
	"github.com/aman-churiwal/quotagate/internal/tier"
)

type fakeKeys struct {
	keys map[string]*models.APIKey
	err  error
}

func (f *fakeKeys) Validate(_ context.Context, key string) (*models.APIKey, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.keys[key], nil
}

func (f *fakeKeys) UpdateLastUsed(context.Context, uuid.UUID) {}

func callerRouter(keys KeyValidator, anonymous tier.Name) *gin.Engine {
	r := gin.New()
	r.GET("/who", APIKeyValidator(keys, anonymous, discardLogger()), func(c *gin.Context) {
		identity, name, _ := Caller(c)
		c.String(http.StatusOK, identity+"|"+string(name))
	})
	return r
}

func whoami(r http.Handler, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPIKeyValidator(t *testing.T) {
	keys := &fakeKeys{keys: map[string]*models.APIKey{
		"qg_good":   {ID: uuid.New(), Tier: "pro", AccountID: "acct-9", IsActive: true},
		"qg_legacy": {ID: uuid.New(), Tier: "gold", IsActive: true},
	}}

	tests := []struct {
		name      string
		keys      KeyValidator
		anonymous tier.Name
		key       string
		status    int
		body      string
	}{
		{name: "valid key", keys: keys, key: "qg_good", status: http.StatusOK, body: "acct-9|pro"},
		{name: "anonymous", keys: keys, anonymous: tier.Free, status: http.StatusOK, body: "anon:203.0.113.7|free"},
		{name: "no key and no anonymous tier", keys: keys, status: http.StatusUnauthorized},
		{name: "unknown key", keys: keys, key: "qg_bad", status: http.StatusUnauthorized},
		{name: "unrecognised tier", keys: keys, key: "qg_legacy", status: http.StatusForbidden},
		{name: "lookup failure", keys: &fakeKeys{err: errors.New("db down")}, key: "qg_good", status: http.StatusServiceUnavailable},
		{name: "no key store", keys: nil, key: "qg_good", status: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := whoami(callerRouter(tt.keys, tt.anonymous), tt.key)
			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}

type fakeTokens map[string]*service.Claims

func (f fakeTokens) ValidateToken(token string) (*service.Claims, error) {
	if c, ok := f[token]; ok {
		return c, nil
	}
	return nil, jwt.ErrTokenMalformed
}

func TestRequireAuthAndRole(t *testing.T) {
	tokens := fakeTokens{
		"admin-token":  {OperatorID: "1", Role: service.RoleAdmin},
		"viewer-token": {OperatorID: "2", Role: service.RoleViewer},
	}

	r := gin.New()
	r.POST("/admin/keys", RequireAuth(tokens), RequireRole(service.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})

	tests := []struct {
		header string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"Token admin-token", http.StatusUnauthorized},
		{"Bearer ", http.StatusUnauthorized},
		{"Bearer forged", http.StatusUnauthorized},
		{"Bearer viewer-token", http.StatusForbidden},
		{"Bearer admin-token", http.StatusCreated},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/admin/keys", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, tt.status, w.Code, tt.header)
	}
}
