package collector

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	errs "github.com/johnayoung/upstox-harvester/internal/errors"
	"github.com/johnayoung/upstox-harvester/internal/logger"
)

// Harvester is the unit of work the scheduler repeats
type Harvester interface {
	Harvest(ctx context.Context) (*RunReport, error)
}

// SchedulerStats provides scheduler performance metrics
type SchedulerStats struct {
	CompletedRuns int64
	FailedRuns    int64
	LastRunTime   time.Time
	NextRunTime   time.Time
}

// Scheduler repeats a harvest on a fixed interval. With a zero interval it runs
// once.
type Scheduler struct {
	harvester Harvester
	interval  time.Duration
	logger    *slog.Logger

	completed atomic.Int64
	failed    atomic.Int64
	lastRun   atomic.Int64
	nextRun   atomic.Int64
}

// NewScheduler creates a scheduler for h
func NewScheduler(h Harvester, interval time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		harvester: h,
		interval:  interval,
		logger:    log.With("component", "scheduler"),
	}
}

// Start runs the first harvest immediately and then one per interval until ctx
// ends. In single-run mode the harvest's own error is returned; otherwise failed
// runs are logged and the schedule continues, and the context error is returned
// on shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	err := s.runOnce(ctx)
	if s.interval <= 0 {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.nextRun.Store(time.Now().Add(s.interval).UnixNano())
	s.logger.InfoContext(ctx, "Scheduler started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Scheduler stopped")
			return errs.New(errs.ErrorTypeCanceled, "scheduler", "start", ctx.Err())
		case <-ticker.C:
			_ = s.runOnce(ctx)
			s.nextRun.Store(time.Now().Add(s.interval).UnixNano())
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) error {
	ctx, _ = logger.NewRunContext(ctx)
	s.lastRun.Store(time.Now().UnixNano())

	report, err := s.harvester.Harvest(ctx)
	if err != nil {
		s.failed.Add(1)
		if !errs.IsType(err, errs.ErrorTypeCanceled) {
			s.logger.ErrorContext(ctx, "Harvest failed", "error", err)
		}
		return err
	}

	s.completed.Add(1)
	if report != nil {
		s.logger.InfoContext(ctx, "Harvest completed", "report", report.Stats())
	}
	return nil
}

// Stats returns a snapshot of the scheduler state
func (s *Scheduler) Stats() SchedulerStats {
	stats := SchedulerStats{
		CompletedRuns: s.completed.Load(),
		FailedRuns:    s.failed.Load(),
	}
	if ns := s.lastRun.Load(); ns != 0 {
		stats.LastRunTime = time.Unix(0, ns)
	}
	if ns := s.nextRun.Load(); ns != 0 {
		stats.NextRunTime = time.Unix(0, ns)
	}
	return stats
}
