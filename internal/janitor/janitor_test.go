package janitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-churiwal/quotagate/internal/gate"
)

func TestJanitor_RunOnceRunsEveryTask(t *testing.T) {
	var order []string
	j := New(time.Hour, nil,
		Task{Name: "a", Run: func(context.Context) error { order = append(order, "a"); return nil }},
		Task{Name: "b", Run: func(context.Context) error { order = append(order, "b"); return errors.New("boom") }},
		Task{Name: "c", Run: func(context.Context) error { order = append(order, "c"); return nil }},
	)

	assert.Equal(t, 1, j.RunOnce(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, order, "a failing task does not stop the pass")
}

func TestJanitor_TaskTimeout(t *testing.T) {
	j := New(time.Hour, nil, Task{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	assert.Equal(t, 1, j.RunOnce(context.Background()))
}

func TestJanitor_StartStop(t *testing.T) {
	var runs atomic.Int32
	j := New(5*time.Millisecond, nil, Task{Name: "tick", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	j.Start()
	j.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
	j.Stop()
	j.Stop()

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop")
}

type fakeSweeper struct {
	res gate.SweepResult
	err error
}

func (s fakeSweeper) Sweep(context.Context) (gate.SweepResult, error) { return s.res, s.err }

func TestSweepTask(t *testing.T) {
	task := SweepTask(fakeSweeper{res: gate.SweepResult{Expired: 2}}, nil)
	assert.Equal(t, "sweep", task.Name)
	assert.NoError(t, task.Run(context.Background()))

	task = SweepTask(fakeSweeper{err: errors.New("store down")}, nil)
	assert.Error(t, task.Run(context.Background()))
}

type fakePurger struct{ cutoff time.Time }

func (p *fakePurger) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return 3, nil
}

func TestRetentionTask(t *testing.T) {
	now := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	p := &fakePurger{}
	task := RetentionTask(p, 7*24*time.Hour, func() time.Time { return now }, nil)

	require.NoError(t, task.Run(context.Background()))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), p.cutoff)
}
