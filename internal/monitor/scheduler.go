package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CycleRunner is satisfied by *Runner.
type CycleRunner interface {
	RunCycle(ctx context.Context) (CycleResult, error)
}

// Scheduler runs a check cycle immediately and then on a fixed interval.
type Scheduler struct {
	runner       CycleRunner
	interval     time.Duration
	cycleTimeout time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	cancel   context.CancelFunc
}

// NewScheduler creates a Scheduler. Each cycle is bounded by cycleTimeout.
func NewScheduler(runner CycleRunner, interval, cycleTimeout time.Duration) *Scheduler {
	return &Scheduler{
		runner:       runner,
		interval:     interval,
		cycleTimeout: cycleTimeout,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the scheduling goroutine.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		slog.Info("scheduler started", "interval", s.interval)

		s.runOnce(ctx)

		timer := time.NewTimer(s.interval)
		defer timer.Stop()

		for {
			select {
			case <-s.stopCh:
				slog.Info("scheduler stopped")
				return
			case <-timer.C:
				s.runOnce(ctx)
				timer.Reset(s.interval)
			}
		}
	}()
}

// Stop cancels any running cycle and waits for the goroutine to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Scheduler) runOnce(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	// errors are logged by the runner
	res, err := s.runner.RunCycle(cycleCtx)
	if err == nil {
		slog.Debug("cycle complete", "run_id", res.RunID, "outcome", res.Outcome)
	}
}
