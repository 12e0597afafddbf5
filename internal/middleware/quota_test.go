package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-churiwal/quotagate/internal/gate"
	"github.com/aman-churiwal/quotagate/internal/ledger"
	"github.com/aman-churiwal/quotagate/internal/quota"
	"github.com/aman-churiwal/quotagate/internal/ratelimit"
	"github.com/aman-churiwal/quotagate/internal/tier"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGate struct {
	mu       sync.Mutex
	decision gate.Decision
	err      error
	requests []gate.Request
	settled  map[string]int64
	released []string
}

func (f *fakeGate) Authorize(_ context.Context, req gate.Request) (gate.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.decision, f.err
}

func (f *fakeGate) SettleSize(_ context.Context, id string, size int64) (ledger.SettleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled == nil {
		f.settled = make(map[string]int64)
	}
	f.settled[id] = size
	return ledger.SettleResult{}, nil
}

func (f *fakeGate) Release(_ context.Context, id string) (ledger.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return ledger.Reservation{}, nil
}

func withCaller(identity string, name tier.Name) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextIdentity, identity)
		c.Set(ContextTier, name)
		c.Next()
	}
}

func quotaRouter(g Gatekeeper, status int, body string) *gin.Engine {
	r := gin.New()
	r.GET("/export", withCaller("acct", tier.Pro), Quota(g, "export", discardLogger()), func(c *gin.Context) {
		c.String(status, body)
	})
	return r
}

func serve(r http.Handler) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/export", nil))
	return w
}

func TestQuota_SettlesByResponseSize(t *testing.T) {
	g := &fakeGate{decision: gate.Decision{
		Admitted:      true,
		ReservationID: "res-1",
		CostEstimate:  20,
		RateLimit:     ratelimit.Decision{Allowed: true, Limit: 10, Remaining: 9, ResetAt: time.Unix(1700000060, 0)},
	}}

	w := serve(quotaRouter(g, http.StatusOK, "0123456789"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1700000060", w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "20", w.Header().Get("X-Quota-Cost"))
	assert.Equal(t, "res-1", w.Header().Get("X-Quota-Reservation"))

	require.Len(t, g.requests, 1)
	assert.Equal(t, gate.Request{Identity: "acct", Tier: tier.Pro, Operation: "export"}, g.requests[0])
	assert.Equal(t, map[string]int64{"res-1": 10}, g.settled)
	assert.Empty(t, g.released)
}

func TestQuota_ReleasesOnServerError(t *testing.T) {
	g := &fakeGate{decision: gate.Decision{Admitted: true, ReservationID: "res-2", CostEstimate: 5}}

	w := serve(quotaRouter(g, http.StatusBadGateway, "upstream down"))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, []string{"res-2"}, g.released)
	assert.Empty(t, g.settled)
}

func TestQuota_OpenPolicyAdmitsWithoutReservation(t *testing.T) {
	g := &fakeGate{decision: gate.Decision{Admitted: true, Degraded: true, Reason: quota.ReasonDegradedOpenPolicy}}

	w := serve(quotaRouter(g, http.StatusOK, "ok"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Quota-Degraded"))
	assert.Empty(t, g.settled)
	assert.Empty(t, g.released)
}

func TestQuota_Denials(t *testing.T) {
	tests := []struct {
		name       string
		decision   gate.Decision
		wantStatus int
		retryAfter string
	}{
		{
			name:       "rate limited",
			decision:   gate.Decision{Reason: quota.ReasonRateLimited, RetryAfter: 1500 * time.Millisecond},
			wantStatus: http.StatusTooManyRequests,
			retryAfter: "2",
		},
		{
			name:       "insufficient balance",
			decision:   gate.Decision{Reason: quota.ReasonInsufficientBalance, CostEstimate: 40},
			wantStatus: http.StatusPaymentRequired,
		},
		{
			name:       "unknown operation",
			decision:   gate.Decision{Reason: quota.ReasonUnknownOperation},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "ledger unavailable",
			decision:   gate.Decision{Reason: quota.ReasonLedgerUnavailable},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			r := gin.New()
			r.GET("/export", withCaller("acct", tier.Free), Quota(&fakeGate{decision: tt.decision}, "export", discardLogger()),
				func(c *gin.Context) { called = true })

			w := serve(r)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.retryAfter, w.Header().Get("Retry-After"))
			assert.Contains(t, w.Body.String(), string(tt.decision.Reason))
			assert.False(t, called, "denied requests never reach the handler")
		})
	}
}

func TestQuota_AuthorizeErrors(t *testing.T) {
	r := quotaRouter(&fakeGate{err: quota.ErrUnknownTier}, http.StatusOK, "")
	assert.Equal(t, http.StatusForbidden, serve(r).Code)

	r = gin.New()
	r.GET("/export", Quota(&fakeGate{}, "export", discardLogger()))
	assert.Equal(t, http.StatusUnauthorized, serve(r).Code)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 0, RetryAfterSeconds(0))
	assert.Equal(t, 1, RetryAfterSeconds(time.Millisecond))
	assert.Equal(t, 60, RetryAfterSeconds(time.Minute))
}
