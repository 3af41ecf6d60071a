// Package scheduler dispatches due scheduled jobs. A single poller wakes at
// a fixed interval, asks the store for jobs in the scheduled state whose
// scheduled_at has passed, and starts one execution per due job through the
// lifecycle service.
//
// The poller runs in singleton mode: a tick that is still working when the
// next interval fires suppresses the new one, so a slow batch never stacks
// overlapping scans. Per-job failures are isolated — a job that cannot start
// (already running, deleted underneath the scan) never blocks the rest of
// the batch.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/drover-io/drover/internal/jobs"
	"github.com/drover-io/drover/internal/repositories"
)

// DefaultPollInterval is used when no interval is configured.
const DefaultPollInterval = 30 * time.Second

// tickTimeout bounds one full scan-and-dispatch pass. Execution runs are
// detached from it; only the store round-trips and Start transactions count.
const tickTimeout = 30 * time.Second

// Scheduler wraps gocron and drives scheduled job dispatch.
// The zero value is not usable — create instances with New.
type Scheduler struct {
	cron     gocron.Scheduler
	jobs     repositories.JobRepository
	service  *jobs.Service
	interval time.Duration
	log      *zap.Logger
}

// New creates and configures a Scheduler. Call Start to begin polling.
func New(jobRepo repositories.JobRepository, service *jobs.Service, interval time.Duration, log *zap.Logger) (*Scheduler, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	return &Scheduler{
		cron:     cron,
		jobs:     jobRepo,
		service:  service,
		interval: interval,
		log:      log.Named("scheduler"),
	}, nil
}

// Start registers the poller and starts the underlying gocron scheduler. It
// should be called once at daemon startup, after the database is ready.
func (s *Scheduler) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.tick),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register poller: %w", err)
	}
	s.cron.Start()
	s.log.Info("scheduler started", zap.Duration("poll_interval", s.interval))
	return nil
}

// Stop shuts the poller down, waiting for a tick that is mid-flight.
// Executions already dispatched keep running; the orchestrator owns their
// shutdown.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.log.Info("scheduler stopped")
	return nil
}

// tick runs one scan-and-dispatch pass.
func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	due, err := s.jobs.ListDueScheduled(ctx, time.Now().UTC())
	if err != nil {
		s.log.Error("due job scan failed", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}
	s.log.Info("dispatching due jobs", zap.Int("count", len(due)))

	for i := range due {
		job := &due[i]
		exec, err := s.service.ExecuteScheduled(ctx, job.ID)
		if err != nil {
			// Usually a lost race: a manual execute or a concurrent tick got
			// there first and the job is no longer in the scheduled state.
			s.log.Warn("scheduled job not dispatched",
				zap.String("job_serial", job.Serial),
				zap.Error(err))
			continue
		}
		s.log.Info("scheduled job dispatched",
			zap.String("job_serial", job.Serial),
			zap.String("execution_serial", exec.Serial))
	}
}
