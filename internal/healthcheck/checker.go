// Package healthcheck probes the engine's backing services on a schedule and
// rolls the results up into one health status.
package healthcheck

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Probe checks one dependency. Check must honour ctx.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to a Probe.
type ProbeFunc struct {
	Dependency string
	Fn         func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.Dependency }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

// Performs health checks on dependencies
type Checker struct {
	mu          sync.RWMutex
	probes      []Probe
	critical    map[string]bool
	status      map[string]*Status
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	now         func() time.Time
	logger      *slog.Logger
	stopChan    chan struct{}
	running     bool
}

// Holds health checker configuration
type Config struct {
	Interval    time.Duration // How often to check (default: 10s)
	Timeout     time.Duration // Probe timeout (default: 2s)
	MaxFailures int           // Failures before marking unhealthy (default: 3)
	Logger      *slog.Logger
	Now         func() time.Time
}

func NewChecker(cfg Config) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Checker{
		critical:    make(map[string]bool),
		status:      make(map[string]*Status),
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		maxFailures: cfg.MaxFailures,
		now:         cfg.Now,
		logger:      cfg.Logger.With("component", "healthcheck"),
		stopChan:    make(chan struct{}),
	}
}

// Add registers a probe. A failing critical dependency makes the engine
// unhealthy; any other failing dependency only degrades it. Probes must be
// added before Start.
func (c *Checker) Add(p Probe, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.probes = append(c.probes, p)
	c.critical[p.Name()] = critical
	c.status[p.Name()] = &Status{
		Dependency: p.Name(),
		Critical:   critical,
		IsHealthy:  true, // Assume healthy initially
		LastCheck:  c.now(),
	}
}

// Begins periodic health checks
func (c *Checker) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Info("starting health checks", "dependencies", len(c.probes), "interval", c.interval)

	// Run initial check immediately
	c.CheckNow(context.Background())

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.CheckNow(context.Background())
			case <-c.stopChan:
				return
			}
		}
	}()
}

// Stops the health checker
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		close(c.stopChan)
		c.running = false
		c.logger.Info("health checker stopped")
	}
}

// CheckNow probes every dependency concurrently and waits for the results.
func (c *Checker) CheckNow(ctx context.Context) {
	c.mu.RLock()
	probes := append([]Probe(nil), c.probes...)
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			c.check(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (c *Checker) check(ctx context.Context, p Probe) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := p.Check(ctx); err != nil {
		c.recordFailure(p.Name(), err)
		return
	}
	c.recordSuccess(p.Name())
}

// Records a successful health check
func (c *Checker) recordSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	status := c.status[name]
	status.LastCheck = now
	status.LastSuccess = now
	status.LastError = ""
	status.FailureCount = 0

	if !status.IsHealthy {
		c.logger.Info("dependency is healthy again", "dependency", name)
		status.IsHealthy = true
	}
}

// Records a failed health check
func (c *Checker) recordFailure(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	status := c.status[name]
	status.LastCheck = now
	status.LastFailure = now
	status.LastError = err.Error()
	status.FailureCount++

	if status.IsHealthy && status.FailureCount >= c.maxFailures {
		c.logger.Warn("dependency is unhealthy",
			"dependency", name, "failures", status.FailureCount, "error", err)
		status.IsHealthy = false
	}
}

// Return the health status of a specific dependency
func (c *Checker) GetStatus(name string) (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status, ok := c.status[name]
	if !ok {
		return Status{}, false
	}
	return *status, true
}

// Returns the status of every dependency, ordered by name
func (c *Checker) GetAllStatus() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Status, 0, len(c.status))
	for _, status := range c.status {
		out = append(out, *status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dependency < out[j].Dependency })
	return out
}

// Returns the overall health status
func (c *Checker) OverallHealth() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := Healthy
	for name, status := range c.status {
		if status.IsHealthy {
			continue
		}
		if c.critical[name] {
			return Unhealthy
		}
		overall = Degraded
	}
	return overall
}
