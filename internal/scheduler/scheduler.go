// Package scheduler runs the periodic maintenance jobs on cron schedules.
// A job that is still running when its next tick arrives is skipped for
// that tick, and every job is safe to run from several processes at once.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/robfig/cron/v3"

	"giftledger/internal/common/metrics"
)

// Config holds job schedules in cron syntax
type Config struct {
	Enabled         bool   `envconfig:"ENABLED" default:"true"`
	Expiry          string `envconfig:"EXPIRY" default:"@every 5m"`
	WebhookDrain    string `envconfig:"WEBHOOK_DRAIN" default:"@every 15s"`
	EmailDrain      string `envconfig:"EMAIL_DRAIN" default:"@every 30s"`
	RateLimitPurge  string `envconfig:"RATE_LIMIT_PURGE" default:"@hourly"`
	RequestLogPurge string `envconfig:"REQUEST_LOG_PURGE" default:"0 3 * * *"`
}

// Job is one named unit of scheduled work
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler wraps a cron runner
type Scheduler struct {
	cron    *cron.Cron
	jobs    []Job
	ctx     context.Context
	cancel  context.CancelFunc
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a scheduler. Jobs added later share ctx, which is cancelled
// by Stop.
func New(ctx context.Context, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:     ctx,
		cancel:  cancel,
		metrics: m,
		logger:  logger,
	}
}

// Add registers a job. An empty schedule registers the job for RunNow only.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	if slices.ContainsFunc(s.jobs, func(j Job) bool { return j.Name == job.Name }) {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	if job.Spec != "" {
		if _, err := s.cron.AddFunc(job.Spec, func() { _ = s.run(s.ctx, job) }); err != nil {
			return fmt.Errorf("scheduling %s (%q): %w", job.Name, job.Spec, err)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Names lists the registered jobs
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.Name)
	}
	return names
}

// RunNow runs one job immediately, outside the cron schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if j.Name == name {
			return s.run(ctx, j)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

// Start begins firing jobs on their schedules.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", "jobs", s.Names())
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	defer s.cancel()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	start := time.Now()
	err := job.Run(ctx)
	s.metrics.JobRun(job.Name, err)
	if err != nil {
		s.logger.Error("job failed", "job", job.Name, "duration", time.Since(start), "error", err)
		return err
	}
	s.logger.Debug("job finished", "job", job.Name, "duration", time.Since(start))
	return nil
}

// cronLogger routes cron's own messages to slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
