// Package schedule runs named periodic tasks. Each task runs on its own
// goroutine and never overlaps with itself: a tick that fires while the
// previous run is still in progress is dropped.
package schedule

import (
	"context"
	"sync"
	"time"

	"proxy_machine/internal/shared/logger"
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	// Immediate runs the task once before waiting for the first tick.
	Immediate bool
	Run       func(ctx context.Context) error
}

// Scheduler owns a set of tasks and their goroutines.
type Scheduler struct {
	tasks []Task
	wg    sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{}
}

// Add registers a task. Tasks must be added before Start.
func (s *Scheduler) Add(t Task) {
	s.tasks = append(s.tasks, t)
}

// Start launches every registered task. They stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, t := range s.tasks {
		if t.Interval <= 0 || t.Run == nil {
			logger.Warn().Str("task", t.Name).Msg("Scheduler: task has no interval or body, skipping.")
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
}

// Wait blocks until every task goroutine has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()
	l := logger.WithComponent("Scheduler")
	l.Debug().Str("task", t.Name).Dur("interval", t.Interval).Msg("Task scheduled.")

	if t.Immediate {
		runOnce(ctx, t)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runOnce(ctx, t)
		case <-ctx.Done():
			l.Debug().Str("task", t.Name).Msg("Stop signal received.")
			return
		}
	}
}

func runOnce(ctx context.Context, t Task) {
	if ctx.Err() != nil {
		return
	}
	l := logger.WithComponent("Scheduler")
	start := time.Now()
	if err := t.Run(ctx); err != nil && ctx.Err() == nil {
		l.Warn().Err(err).Str("task", t.Name).Dur("took", time.Since(start)).Msg("Task run failed.")
		return
	}
	l.Debug().Str("task", t.Name).Dur("took", time.Since(start)).Msg("Task run finished.")
}
