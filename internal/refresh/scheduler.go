package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a unit of periodic maintenance.
type Task func(ctx context.Context) error

// Scheduler runs maintenance tasks on standard 5-field cron expressions.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

func NewScheduler(timeout time.Duration) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
	}
}

// Add registers task under name. An empty schedule disables the task.
func (s *Scheduler) Add(name, schedule string, task Task) error {
	if schedule == "" {
		slog.Info("scheduler: task disabled", "task", name)
		return nil
	}
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				slog.Error("scheduler: task panicked", "task", name, "panic", r)
			}
		}()

		start := time.Now()
		if err := task(ctx); err != nil {
			slog.Error("scheduler: task failed", "task", name, "error", err)
			return
		}
		slog.Debug("scheduler: task done", "task", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, schedule, err)
	}
	slog.Info("scheduler: task scheduled", "task", name, "schedule", schedule)
	return nil
}

// Schedule registers the selector pass.
func (s *Scheduler) Schedule(sel *Selector, schedule string) error {
	return s.Add("refresh", schedule, func(ctx context.Context) error {
		_, err := sel.Run(ctx)
		return err
	})
}

func (s *Scheduler) Len() int { return len(s.cron.Entries()) }

func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
