// Package janitor runs the engine's periodic housekeeping: expiring abandoned
// reservations, purging idle rate windows and trimming old usage.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one housekeeping step. Errors are logged and the task runs again
// on the next tick.
type Task struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Janitor struct {
	mu       sync.Mutex
	tasks    []Task
	interval time.Duration
	logger   *slog.Logger
	stopChan chan struct{}
	done     chan struct{}
	running  bool
}

func New(interval time.Duration, logger *slog.Logger, tasks ...Task) *Janitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		tasks:    tasks,
		interval: interval,
		logger:   logger.With("component", "janitor"),
	}
}

// Start runs the tasks every interval until Stop.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true
	j.stopChan = make(chan struct{})
	j.done = make(chan struct{})

	j.logger.Info("starting janitor", "tasks", len(j.tasks), "interval", j.interval)

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				j.RunOnce(context.Background())
			case <-stop:
				return
			}
		}
	}(j.stopChan, j.done)
}

// Stop halts the schedule and waits for an in-flight pass to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopChan)
	done := j.done
	j.mu.Unlock()

	<-done
	j.logger.Info("janitor stopped")
}

// RunOnce runs every task in order and returns the number that failed.
func (j *Janitor) RunOnce(ctx context.Context) int {
	failed := 0
	for _, task := range j.tasks {
		if err := j.run(ctx, task); err != nil {
			failed++
			j.logger.Error("janitor task failed", "task", task.Name, "error", err)
		}
	}
	return failed
}

func (j *Janitor) run(ctx context.Context, task Task) error {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	return task.Run(ctx)
}
