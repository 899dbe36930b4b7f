// Package scheduler submits planned crawl runs on a fixed interval.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// SourceSchedule tags run requests created by the scheduler.
const SourceSchedule = "schedule"

// Submitter accepts run requests. *dispatcher.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req crawler.RunRequest) (string, error)
}

// Scheduler fires one planned run per interval.
type Scheduler struct {
	submitter  Submitter
	interval   time.Duration
	runOnStart bool
	logger     *zap.Logger
}

// New creates a Scheduler. A non-positive interval defaults to 24h.
func New(submitter Submitter, interval time.Duration, runOnStart bool, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		submitter:  submitter,
		interval:   interval,
		runOnStart: runOnStart,
		logger:     logger.Named("scheduler"),
	}
}

// Run blocks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval), zap.Bool("run_on_start", s.runOnStart))
	if s.runOnStart {
		s.fire(ctx)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	id, err := s.submitter.Submit(ctx, crawler.RunRequest{Planned: true, Source: SourceSchedule})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("scheduled run submit failed", zap.Error(err))
		}
		return
	}
	s.logger.Info("scheduled run submitted", zap.String("run_id", id))
}
