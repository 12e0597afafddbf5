package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aman-churiwal/quotagate/internal/circuitbreaker"
	"github.com/aman-churiwal/quotagate/internal/config"
	"github.com/aman-churiwal/quotagate/internal/gate"
	"github.com/aman-churiwal/quotagate/internal/handler"
	"github.com/aman-churiwal/quotagate/internal/healthcheck"
	"github.com/aman-churiwal/quotagate/internal/metrics"
	"github.com/aman-churiwal/quotagate/internal/middleware"
	"github.com/aman-churiwal/quotagate/internal/proxy"
	"github.com/aman-churiwal/quotagate/internal/service"
)

const version = "1.0.0"

// Everything the HTTP layer serves. Keys, Operators and Reports are nil
// when postgres is not configured.
type Deps struct {
	Config    *config.Config
	Gate      *gate.Gate
	Keys      *service.APIKeyService
	Operators *service.OperatorService
	Reports   *service.UsageReportService
	Checker   *healthcheck.Checker
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

type Server struct {
	router     *gin.Engine
	deps       Deps
	logger     *slog.Logger
	proxies    map[string]*proxy.Proxy
	httpServer *http.Server
}

func New(deps Deps) *Server {
	if deps.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		router:  gin.New(),
		deps:    deps,
		logger:  deps.Logger.With("component", "server"),
		proxies: make(map[string]*proxy.Proxy),
	}

	s.initializeProxies()
	s.setupMiddleware()
	s.setupRoutes()

	cfg := deps.Config.Server
	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.WriteTimeout,
	}

	return s
}

func (s *Server) initializeProxies() {
	for _, svc := range s.deps.Config.Services {
		p, err := proxy.New(proxy.Config{
			Path:   svc.Path,
			Target: svc.Target,
			CircuitBreaker: circuitbreaker.Config{
				MaxFailures:   s.deps.Config.Engine.BreakerMaxFailures,
				Timeout:       s.deps.Config.Engine.BreakerTimeout,
				OnStateChange: s.breakerStateChanged,
			},
			Logger: s.deps.Logger,
		})
		if err != nil {
			s.logger.Error("failed to create proxy", "path", svc.Path, "error", err)
			continue
		}
		s.proxies[svc.Path] = p
	}
}

func (s *Server) breakerStateChanged(name string, _, to circuitbreaker.State) {
	s.deps.Metrics.BreakerState(name, to.Gauge())
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.deps.Logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.deps.Logger))
}

// Resolves callers for /v1 and the gated upstreams
func (s *Server) callerMiddleware() gin.HandlerFunc {
	var keys middleware.KeyValidator
	if s.deps.Keys != nil {
		keys = s.deps.Keys
	}
	return middleware.APIKeyValidator(keys, s.deps.Config.Auth.AnonymousTier, s.deps.Logger)
}

func (s *Server) setupRoutes() {
	breakers := make(map[string]*circuitbreaker.CircuitBreaker, len(s.proxies))
	for _, p := range s.proxies {
		breakers[p.Breaker().Name()] = p.Breaker()
	}
	system := handler.NewSystemHandler(s.deps.Gate, s.deps.Checker, breakers, version)

	s.router.GET("/health", system.Health)
	if s.deps.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	caller := s.callerMiddleware()

	gateHandler := handler.NewGateHandler(s.deps.Gate, s.deps.Logger)
	v1 := s.router.Group("/v1", caller)
	{
		v1.POST("/authorize", gateHandler.Authorize)
		v1.GET("/reservations/:id", gateHandler.GetReservation)
		v1.POST("/reservations/:id/settle", gateHandler.Settle)
		v1.POST("/reservations/:id/release", gateHandler.Release)
		v1.GET("/balance", gateHandler.Balance)
		v1.GET("/usage", gateHandler.Usage)
	}

	s.setupAdminRoutes(system)
	s.setupProxyRoutes(caller)
}

func (s *Server) setupAdminRoutes(system *handler.SystemHandler) {
	if s.deps.Operators == nil {
		s.logger.Warn("postgres not configured, admin api disabled")
		return
	}

	auth := handler.NewAuthHandler(s.deps.Operators, s.deps.Logger)
	keys := handler.NewAPIKeyHandler(s.deps.Keys, s.deps.Logger)
	balances := handler.NewBalanceHandler(s.deps.Gate, s.deps.Logger)
	usage := handler.NewUsageHandler(s.deps.Gate, s.deps.Reports, s.deps.Logger)

	s.router.POST("/admin/login", auth.Login)

	admin := s.router.Group("/admin", middleware.RequireAuth(s.deps.Operators))
	{
		admin.GET("/me", auth.Me)
		admin.GET("/status", system.Status)

		admin.GET("/usage/summary", usage.Summary)
		admin.GET("/usage/hourly", usage.Hourly)
		admin.GET("/usage/history", usage.History)
		admin.GET("/usage/live/:identity", usage.Live)

		admin.GET("/balances/:identity", balances.Get)
		admin.GET("/keys", keys.List)
		admin.GET("/keys/stats", keys.Stats)
		admin.GET("/keys/:id", keys.Get)
		admin.GET("/circuit-breakers", system.CircuitBreakerStatus)
	}

	billing := admin.Group("", middleware.RequireRole(service.RoleAdmin, service.RoleBilling))
	{
		billing.POST("/balances/:identity/topup", balances.TopUp)
		billing.DELETE("/balances/:identity", balances.Delete)
	}

	root := admin.Group("", middleware.RequireRole(service.RoleAdmin))
	{
		root.POST("/operators", auth.Register)
		root.GET("/operators", auth.List)

		root.POST("/keys", keys.Create)
		root.PATCH("/keys/:id", keys.Update)
		root.DELETE("/keys/:id", keys.Delete)

		root.POST("/circuit-breakers/:name/reset", system.ResetCircuitBreaker)
		root.POST("/sweep", system.Sweep)
	}
}

func (s *Server) setupProxyRoutes(caller gin.HandlerFunc) {
	for _, svc := range s.deps.Config.Services {
		p, ok := s.proxies[svc.Path]
		if !ok {
			continue
		}

		chain := []gin.HandlerFunc{
			caller,
			middleware.Quota(s.deps.Gate, svc.Operation, s.deps.Logger),
			p.Handle,
		}
		s.router.Any(svc.Path, chain...)
		s.router.Any(svc.Path+"/*proxyPath", chain...)

		s.logger.Info("registered gated route", "path", svc.Path, "operation", svc.Operation)
	}
}

// Blocks until the server stops. A graceful Shutdown returns nil.
func (s *Server) Run() error {
	s.logger.Info("starting quotagate", "addr", s.httpServer.Addr, "environment", s.deps.Config.Server.Environment)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Router() *gin.Engine {
	return s.router
}
