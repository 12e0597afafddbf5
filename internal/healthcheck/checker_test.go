package healthcheck

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type toggleProbe struct {
	name  string
	down  atomic.Bool
	calls atomic.Int32
}

func (p *toggleProbe) Name() string { return p.name }

func (p *toggleProbe) Check(ctx context.Context) error {
	p.calls.Add(1)
	if p.down.Load() {
		return errors.New("connection refused")
	}
	return ctx.Err()
}

func TestChecker_CriticalFailureIsUnhealthy(t *testing.T) {
	c := NewChecker(Config{MaxFailures: 2})
	redis := &toggleProbe{name: "redis"}
	c.Add(redis, true)

	c.CheckNow(context.Background())
	assert.Equal(t, Healthy, c.OverallHealth())

	redis.down.Store(true)
	c.CheckNow(context.Background())
	assert.Equal(t, Healthy, c.OverallHealth(), "one failure is below the threshold")

	c.CheckNow(context.Background())
	assert.Equal(t, Unhealthy, c.OverallHealth())

	status, ok := c.GetStatus("redis")
	require.True(t, ok)
	assert.False(t, status.IsHealthy)
	assert.Equal(t, 2, status.FailureCount)
	assert.Equal(t, "connection refused", status.LastError)

	redis.down.Store(false)
	c.CheckNow(context.Background())
	assert.Equal(t, Healthy, c.OverallHealth())
	status, _ = c.GetStatus("redis")
	assert.Zero(t, status.FailureCount)
	assert.Empty(t, status.LastError)
}

func TestChecker_NonCriticalFailureDegrades(t *testing.T) {
	c := NewChecker(Config{MaxFailures: 1})
	redis := &toggleProbe{name: "redis"}
	postgres := &toggleProbe{name: "postgres"}
	c.Add(redis, true)
	c.Add(postgres, false)

	postgres.down.Store(true)
	c.CheckNow(context.Background())
	assert.Equal(t, Degraded, c.OverallHealth())

	all := c.GetAllStatus()
	require.Len(t, all, 2)
	assert.Equal(t, "postgres", all[0].Dependency)
	assert.False(t, all[0].IsHealthy)
	assert.True(t, all[1].IsHealthy)
}

func TestChecker_StartRunsImmediately(t *testing.T) {
	c := NewChecker(Config{})
	p := &toggleProbe{name: "redis"}
	c.Add(p, true)

	c.Start()
	c.Start()
	defer c.Stop()

	assert.Equal(t, int32(1), p.calls.Load())
}

func TestProbeFunc(t *testing.T) {
	p := ProbeFunc{Dependency: "db", Fn: func(context.Context) error { return nil }}
	assert.Equal(t, "db", p.Name())
	assert.NoError(t, p.Check(context.Background()))
}

func TestHealthStatus_MarshalJSON(t *testing.T) {
	b, err := Degraded.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"degraded"`, string(b))
}
