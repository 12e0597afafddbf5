package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aman-churiwal/quotagate/internal/cost"
	"github.com/aman-churiwal/quotagate/internal/gate"
	"github.com/aman-churiwal/quotagate/internal/tier"
)

// Path used when QUOTAGATE_CONFIG is not set
const DefaultPath = "config.yaml"

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Redis    RedisConfig     `yaml:"redis"`
	Postgres PostgresConfig  `yaml:"postgres"`
	Engine   EngineConfig    `yaml:"engine"`
	Auth     AuthConfig      `yaml:"auth"`
	Tiers    []tier.Params   `yaml:"tiers"`
	Services []ServiceConfig `yaml:"services"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	Environment  string        `yaml:"environment"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	LogLevel     string        `yaml:"log_level"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (r RedisConfig) GetRedisAddr() string {
	return r.Host + ":" + r.Port
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type EngineConfig struct {
	// Defaults for tiers that leave the policy empty
	WindowAlgorithm tier.Algorithm `yaml:"window_algorithm"`
	Overage         tier.Overage   `yaml:"overage"`
	DebtCeiling     int64          `yaml:"debt_ceiling"`

	OnUnknownOperation cost.UnknownMode `yaml:"on_unknown_operation"`
	DefaultCost        int64            `yaml:"default_cost"`

	LedgerFailureMode gate.FailureMode `yaml:"ledger_failure_mode"`
	ReservationExpiry time.Duration    `yaml:"reservation_expiry"`
	IdleTTL           time.Duration    `yaml:"idle_ttl"`
	EventRetention    time.Duration    `yaml:"event_retention"`

	LimiterBackend string        `yaml:"limiter_backend"` // memory | redis
	LedgerBackend  string        `yaml:"ledger_backend"`  // memory | redis | postgres
	LedgerTimeout  time.Duration `yaml:"ledger_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`

	UsageBuffer        int           `yaml:"usage_buffer"`
	UsageBatchSize     int           `yaml:"usage_batch_size"`
	UsageFlushInterval time.Duration `yaml:"usage_flush_interval"`
	// How long durable usage records are kept; zero keeps them forever
	UsageHistoryRetention time.Duration `yaml:"usage_history_retention"`

	BreakerMaxFailures int           `yaml:"breaker_max_failures"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`
}

type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret"`
	TokenExpiry       time.Duration `yaml:"token_expiry"`
	BootstrapEmail    string        `yaml:"bootstrap_email"`
	BootstrapPassword string        `yaml:"bootstrap_password"`
	// Tier for gated requests that carry no API key; empty rejects them
	AnonymousTier tier.Name `yaml:"anonymous_tier"`
}

// A gated upstream. Requests under Path are charged as Operation and proxied
// to Target.
type ServiceConfig struct {
	Path      string `yaml:"path"`
	Target    string `yaml:"target"`
	Operation string `yaml:"operation"`
}

// Resolves the config path from QUOTAGATE_CONFIG
func PathFromEnv() string {
	if p := os.Getenv("QUOTAGATE_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Reads a YAML config file. ${VAR} references are expanded from the
// environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config that runs fully in memory.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Environment == "" {
		c.Server.Environment = "development"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == "" {
		c.Redis.Port = "6379"
	}
	if c.Postgres.MaxOpenConns <= 0 {
		c.Postgres.MaxOpenConns = 100
	}
	if c.Postgres.MaxIdleConns <= 0 {
		c.Postgres.MaxIdleConns = 20
	}
	if c.Postgres.ConnMaxLifetime <= 0 {
		c.Postgres.ConnMaxLifetime = time.Hour
	}

	e := &c.Engine
	if e.WindowAlgorithm == "" {
		e.WindowAlgorithm = tier.FixedWindow
	}
	if e.Overage == "" {
		e.Overage = tier.OverageHard
	}
	if e.OnUnknownOperation == "" {
		e.OnUnknownOperation = cost.UnknownDeny
	}
	if e.LedgerFailureMode == "" {
		e.LedgerFailureMode = gate.FailClosed
	}
	if e.ReservationExpiry <= 0 {
		e.ReservationExpiry = 5 * time.Minute
	}
	if e.IdleTTL <= 0 {
		e.IdleTTL = 10 * time.Minute
	}
	if e.EventRetention <= 0 {
		e.EventRetention = 24 * time.Hour
	}
	if e.LimiterBackend == "" {
		e.LimiterBackend = "memory"
	}
	if e.LedgerBackend == "" {
		e.LedgerBackend = "memory"
	}
	if e.LedgerTimeout <= 0 {
		e.LedgerTimeout = 200 * time.Millisecond
	}
	if e.SweepInterval <= 0 {
		e.SweepInterval = 30 * time.Second
	}
	if e.BreakerMaxFailures <= 0 {
		e.BreakerMaxFailures = 5
	}
	if e.BreakerTimeout <= 0 {
		e.BreakerTimeout = 30 * time.Second
	}

	if c.Auth.TokenExpiry <= 0 {
		c.Auth.TokenExpiry = 24 * time.Hour
	}
	if len(c.Tiers) == 0 {
		c.Tiers = tier.DefaultParams()
	}
}

// Validate checks the config for required fields and consistency.
func (c *Config) Validate() error {
	e := c.Engine
	if !e.WindowAlgorithm.Valid() {
		return fmt.Errorf("config: engine: invalid window_algorithm %q", e.WindowAlgorithm)
	}
	if !e.Overage.Valid() {
		return fmt.Errorf("config: engine: invalid overage %q", e.Overage)
	}
	if e.DebtCeiling < 0 {
		return fmt.Errorf("config: engine: debt_ceiling must not be negative")
	}
	if err := c.UnknownPolicy().Validate(); err != nil {
		return fmt.Errorf("config: engine: %w", err)
	}
	if !e.LedgerFailureMode.Valid() {
		return fmt.Errorf("config: engine: invalid ledger_failure_mode %q", e.LedgerFailureMode)
	}

	switch e.LimiterBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: engine: invalid limiter_backend %q", e.LimiterBackend)
	}
	switch e.LedgerBackend {
	case "memory", "redis":
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: engine: ledger_backend postgres needs postgres.dsn")
		}
	default:
		return fmt.Errorf("config: engine: invalid ledger_backend %q", e.LedgerBackend)
	}

	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Auth.AnonymousTier != "" {
		if _, err := tier.ParseName(string(c.Auth.AnonymousTier)); err != nil {
			return fmt.Errorf("config: auth: anonymous_tier: %w", err)
		}
	}
	if c.IsProduction() && c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth: jwt_secret is required in production")
	}
	if (c.Auth.BootstrapEmail == "") != (c.Auth.BootstrapPassword == "") {
		return fmt.Errorf("config: auth: bootstrap_email and bootstrap_password must be set together")
	}

	paths := make(map[string]bool, len(c.Services))
	for i, svc := range c.Services {
		if !strings.HasPrefix(svc.Path, "/") {
			return fmt.Errorf("config: services[%d]: path must start with /", i)
		}
		if svc.Target == "" {
			return fmt.Errorf("config: services[%d] (%s): target is required", i, svc.Path)
		}
		if svc.Operation == "" {
			return fmt.Errorf("config: services[%d] (%s): operation is required", i, svc.Path)
		}
		if paths[svc.Path] {
			return fmt.Errorf("config: duplicate service path %q", svc.Path)
		}
		paths[svc.Path] = true
	}
	return nil
}

// Builds the tier catalog with the engine defaults applied.
func (c *Config) Catalog() (*tier.Catalog, error) {
	return tier.NewCatalog(tier.Defaults{
		Algorithm:   c.Engine.WindowAlgorithm,
		Overage:     c.Engine.Overage,
		DebtCeiling: c.Engine.DebtCeiling,
	}, c.Tiers...)
}

func (c *Config) UnknownPolicy() cost.UnknownPolicy {
	return cost.UnknownPolicy{
		Mode:        c.Engine.OnUnknownOperation,
		DefaultCost: c.Engine.DefaultCost,
	}
}

// Postgres is needed for operators, API keys and usage history regardless of
// the ledger backend.
func (c *Config) PostgresEnabled() bool {
	return c.Postgres.DSN != ""
}

func (c *Config) RedisNeeded() bool {
	return c.Engine.LimiterBackend == "redis" || c.Engine.LedgerBackend == "redis"
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
