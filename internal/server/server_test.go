package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-churiwal/quotagate/internal/config"
	"github.com/aman-churiwal/quotagate/internal/cost"
	"github.com/aman-churiwal/quotagate/internal/gate"
	"github.com/aman-churiwal/quotagate/internal/ledger"
	"github.com/aman-churiwal/quotagate/internal/metrics"
	"github.com/aman-churiwal/quotagate/internal/ratelimit"
	"github.com/aman-churiwal/quotagate/internal/tier"
	"github.com/aman-churiwal/quotagate/internal/usage"
)

func newTestServer(t *testing.T, upstreamURL string) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Auth.AnonymousTier = tier.Free
	cfg.Services = []config.ServiceConfig{{Path: "/api/search", Target: upstreamURL, Operation: "search"}}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	catalog, err := cfg.Catalog()
	require.NoError(t, err)
	tracker := usage.NewTracker(usage.Config{}, logger, m)
	tracker.Start()
	t.Cleanup(func() { _ = tracker.Close(context.Background()) })

	g := gate.New(catalog, cost.NewCalculator(catalog, cfg.UnknownPolicy()), ratelimit.NewMemory(),
		ledger.New(ledger.NewMemoryStore(4, nil), ledger.WithMetrics(m)), tracker,
		gate.WithMetrics(m), gate.WithLogger(logger))

	return New(Deps{Config: cfg, Gate: g, Metrics: m, Gatherer: reg, Logger: logger})
}

func request(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "198.51.100.4:40000"
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestServer_GatedRouteChargesAndLimits(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"hits":[]}`)
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL)

	for i := 0; i < 5; i++ {
		w := request(s, http.MethodGet, "/api/search?q=go")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
		assert.Equal(t, "10", w.Header().Get("X-Quota-Cost"))
	}

	w := request(s, http.MethodGet, "/api/search/more")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = request(s, http.MethodGet, "/v1/balance")
	require.Equal(t, http.StatusOK, w.Code)
	var balance ledger.Balance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
	assert.Equal(t, "anon:198.51.100.4", balance.Identity)
	assert.EqualValues(t, 50, balance.Available)
	assert.Zero(t, balance.Reserved)
}

func TestServer_SystemRoutes(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:1")

	w := request(s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)

	request(s, http.MethodGet, "/api/search")
	w = request(s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "quotagate_decisions_total")

	// Without postgres there are no operators, so the admin API is not mounted
	w = request(s, http.MethodPost, "/admin/login")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
