// Package scheduler runs refresh jobs on cron schedules.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job represents a scheduled job.
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// Scheduler manages background jobs. A job still running when its next
// tick fires is skipped for that tick.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
	ctx  context.Context
	stop context.CancelFunc
}

// New creates a scheduler whose schedules accept an optional seconds field.
func New() *Scheduler {
	log := slog.With("component", "scheduler")
	cl := cronLogger{log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:  log,
		ctx:  ctx,
		stop: cancel,
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("[scheduler] started", "jobs", len(s.cron.Entries()))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.stop()
	<-s.cron.Stop().Done()
	s.log.Info("[scheduler] stopped")
}

// AddJob registers a job with a cron schedule. Examples:
//   - "0 30 18 * * MON-FRI" - 18:30:00 on weekdays
//   - "*/15 * * * *"        - every 15 minutes
//   - "@every 1h"           - every hour
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.run(s.ctx, job)
	})
	if err != nil {
		return err
	}
	s.log.Info("[scheduler] job registered", "schedule", schedule, "job", job.Name())
	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	s.log.Info("[scheduler] running job immediately", "job", job.Name())
	return job.Run(ctx)
}

// Next returns the next activation of every registered job.
func (s *Scheduler) Next() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, len(entries))
	for i, e := range entries {
		out[i] = e.Next
	}
	return out
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	start := time.Now()
	s.log.Debug("[scheduler] running job", "job", job.Name())
	if err := job.Run(ctx); err != nil {
		s.log.Error("[scheduler] job failed", "job", job.Name(), "error", err,
			"duration_ms", time.Since(start).Milliseconds())
		return
	}
	s.log.Debug("[scheduler] job completed", "job", job.Name(),
		"duration_ms", time.Since(start).Milliseconds())
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("[scheduler] "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("[scheduler] "+msg, append(keysAndValues, "error", err)...)
}
