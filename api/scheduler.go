/*
scheduler.go - Periodic package status refresh

PURPOSE:
  Package status depends on the clock as well as on completed sessions: a
  package turns expiring and then expired without any appointment
  changing. This scheduler re-evaluates every sold package on an interval
  so stored statuses follow the calendar.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Each run calls PackageProgressTracker.RefreshStatuses

CONFIGURATION:
  - Interval: How often to check (default: 1 hour)
  - Enabled:  Whether scheduler is active (default: true)

USAGE:
  scheduler := NewStatusScheduler(engine.Tracker, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RefreshPackageStatuses endpoint (manual refresh)
  - clinic/progress.go: RefreshStatuses
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatusRefresher is the part of the tracker the scheduler needs.
type StatusRefresher interface {
	RefreshStatuses(ctx context.Context) (int, error)
}

// StatusScheduler refreshes package statuses on a fixed interval.
type StatusScheduler struct {
	Tracker  StatusRefresher
	Interval time.Duration
	Enabled  bool
	Logger   *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewStatusScheduler creates a new scheduler.
func NewStatusScheduler(tracker StatusRefresher, logger *zap.Logger) *StatusScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusScheduler{
		Tracker:  tracker,
		Interval: 1 * time.Hour,
		Enabled:  true,
		Logger:   logger,
	}
}

// Start begins the scheduler. Calling Start on a running scheduler is a no-op.
func (s *StatusScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.Interval <= 0 {
		s.Logger.Info("status scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Logger.Info("status scheduler started", zap.Duration("interval", s.Interval))
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (s *StatusScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("status scheduler stopped")
}

func (s *StatusScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunOnce(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-stop:
			return
		}
	}
}

// RunOnce performs a single refresh pass.
func (s *StatusScheduler) RunOnce(ctx context.Context) {
	changed, err := s.Tracker.RefreshStatuses(ctx)
	if err != nil {
		s.Logger.Error("package status refresh failed", zap.Error(err))
		return
	}
	if changed > 0 {
		s.Logger.Info("package statuses refreshed", zap.Int("changed", changed))
	}
}
