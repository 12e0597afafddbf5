package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aman-churiwal/quotagate/internal/circuitbreaker"
	"github.com/aman-churiwal/quotagate/internal/config"
	"github.com/aman-churiwal/quotagate/internal/cost"
	"github.com/aman-churiwal/quotagate/internal/gate"
	"github.com/aman-churiwal/quotagate/internal/healthcheck"
	"github.com/aman-churiwal/quotagate/internal/janitor"
	"github.com/aman-churiwal/quotagate/internal/ledger"
	"github.com/aman-churiwal/quotagate/internal/metrics"
	"github.com/aman-churiwal/quotagate/internal/models"
	"github.com/aman-churiwal/quotagate/internal/ratelimit"
	"github.com/aman-churiwal/quotagate/internal/repository"
	"github.com/aman-churiwal/quotagate/internal/server"
	"github.com/aman-churiwal/quotagate/internal/service"
	"github.com/aman-churiwal/quotagate/internal/storage"
	"github.com/aman-churiwal/quotagate/internal/usage"
)

func main() {
	// Load env if it exists
	_ = godotenv.Load()

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("quotagate stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("quotagate exited")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	checker := healthcheck.NewChecker(healthcheck.Config{Logger: logger})

	var redis *storage.RedisClient
	if cfg.RedisNeeded() {
		redis, err = storage.NewRedis(cfg.Redis.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redis.Close()
		checker.Add(healthcheck.ProbeFunc{Dependency: "redis", Fn: redis.Ping}, true)
		logger.Info("connected to redis", "addr", cfg.Redis.GetRedisAddr())
	}

	var postgres *storage.Postgres
	if cfg.PostgresEnabled() {
		level := gormlogger.Warn
		if cfg.IsProduction() {
			level = gormlogger.Error
		}
		postgres, err = storage.NewPostgres(cfg.Postgres.DSN, storage.PoolOptions{
			MaxOpen:     cfg.Postgres.MaxOpenConns,
			MaxIdle:     cfg.Postgres.MaxIdleConns,
			MaxLifetime: cfg.Postgres.ConnMaxLifetime,
			LogLevel:    level,
		})
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer postgres.Close()

		if cfg.Postgres.AutoMigrate {
			if err := postgres.AutoMigrate(&models.Operator{}, &models.APIKey{}, &models.QuotaBalance{}, &models.UsageRecord{}); err != nil {
				return fmt.Errorf("postgres: migrate: %w", err)
			}
		}
		// Only the postgres ledger makes the database critical
		checker.Add(healthcheck.ProbeFunc{Dependency: "postgres", Fn: postgres.Ping}, cfg.Engine.LedgerBackend == "postgres")
		logger.Info("connected to postgres")
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return fmt.Errorf("tiers: %w", err)
	}

	limiter, err := ratelimit.NewLimiter(cfg.Engine.LimiterBackend, redis, ratelimit.WithIdleTTL(cfg.Engine.IdleTTL))
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	store, err := newLedgerStore(cfg, redis, postgres)
	if err != nil {
		return err
	}
	l := ledger.New(store,
		ledger.WithExpiry(cfg.Engine.ReservationExpiry),
		ledger.WithTimeout(cfg.Engine.LedgerTimeout),
		ledger.WithLogger(logger),
		ledger.WithMetrics(m),
		ledger.WithBreaker(circuitbreaker.Config{
			MaxFailures: cfg.Engine.BreakerMaxFailures,
			Timeout:     cfg.Engine.BreakerTimeout,
		}),
	)

	var (
		sinks    []usage.Sink
		usageRep *repository.UsageRepository
	)
	if postgres != nil {
		usageRep = repository.NewUsageRepository(postgres)
		sinks = append(sinks, usage.NewPostgresSink(usageRep))
	}
	tracker := usage.NewTracker(usage.Config{
		BufferSize:    cfg.Engine.UsageBuffer,
		BatchSize:     cfg.Engine.UsageBatchSize,
		FlushInterval: cfg.Engine.UsageFlushInterval,
		Retention:     cfg.Engine.EventRetention,
	}, logger, m, sinks...)
	tracker.Start()

	g := gate.New(catalog, cost.NewCalculator(catalog, cfg.UnknownPolicy()), limiter, l, tracker,
		gate.WithFailureMode(cfg.Engine.LedgerFailureMode),
		gate.WithLogger(logger),
		gate.WithMetrics(m),
	)

	deps := server.Deps{
		Config:   cfg,
		Gate:     g,
		Checker:  checker,
		Metrics:  m,
		Gatherer: reg,
		Logger:   logger,
	}

	tasks := []janitor.Task{janitor.SweepTask(g, logger)}
	if postgres != nil {
		keys := service.NewAPIKeyService(repository.NewAPIKeyRepository(postgres), cacheFor(redis), catalog, logger)
		secret := cfg.Auth.JWTSecret
		if secret == "" {
			secret = rand.Text()
			logger.Warn("auth.jwt_secret not set, using a random secret; operator tokens will not survive a restart")
		}
		operators := service.NewOperatorService(repository.NewOperatorRepository(postgres), secret, cfg.Auth.TokenExpiry, logger)
		deps.Keys = keys
		deps.Operators = operators
		deps.Reports = service.NewUsageReportService(usageRep)

		if cfg.Auth.BootstrapEmail != "" {
			created, err := operators.Bootstrap(ctx, cfg.Auth.BootstrapEmail, cfg.Auth.BootstrapPassword)
			if err != nil {
				return fmt.Errorf("bootstrap operator: %w", err)
			}
			if created {
				logger.Info("bootstrap operator created", "email", cfg.Auth.BootstrapEmail)
			}
		}

		if cfg.Engine.UsageHistoryRetention > 0 {
			tasks = append(tasks, janitor.RetentionTask(usageRep, cfg.Engine.UsageHistoryRetention, time.Now, logger))
		}
	}

	jan := janitor.New(cfg.Engine.SweepInterval, logger, tasks...)
	srv := server.New(deps)

	checker.Start()
	jan.Start()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(srv.Run)
	group.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		jan.Stop()
		checker.Stop()
		if cerr := tracker.Close(shutdownCtx); cerr != nil {
			logger.Warn("usage tracker did not drain", "error", cerr)
		}
		return err
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLedgerStore(cfg *config.Config, redis *storage.RedisClient, postgres *storage.Postgres) (ledger.Store, error) {
	switch cfg.Engine.LedgerBackend {
	case "memory":
		return ledger.NewMemoryStore(32, nil), nil
	case "redis":
		return ledger.NewRedisStore(redis), nil
	case "postgres":
		if postgres == nil {
			return nil, errors.New("ledger: postgres backend needs postgres.dsn")
		}
		return ledger.NewPostgresStore(postgres), nil
	default:
		return nil, fmt.Errorf("ledger: unknown backend %q", cfg.Engine.LedgerBackend)
	}
}

// API key lookups are cached in redis when it is running anyway.
func cacheFor(redis *storage.RedisClient) service.KeyCache {
	if redis == nil {
		return nil
	}
	return redis
}
