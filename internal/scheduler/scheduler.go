// Package scheduler runs populate for a fixed set of areas on cron schedules.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Populator populates the directory for one area.
type Populator interface {
	Populate(ctx context.Context, areaID int64) (int, error)
}

// Job runs Populator for every configured area whenever Spec fires. An empty
// Spec disables the job.
type Job struct {
	Name      string
	Spec      string
	Populator Populator
}

// Scheduler wraps robfig/cron. Runs of the same job never overlap.
type Scheduler struct {
	cron    *cron.Cron
	jobs    []Job
	areaIDs []int64
	log     *zap.Logger
}

// New creates a Scheduler for areaIDs.
func New(areaIDs []int64, jobs ...Job) *Scheduler {
	log := zap.L().With(zap.String("component", "scheduler"))
	cl := cronLogger{log.Sugar()}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		jobs:    jobs,
		areaIDs: areaIDs,
		log:     log,
	}
}

// Start registers the jobs and starts the cron loop. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	registered := 0
	for _, job := range s.jobs {
		if job.Spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(job.Spec, func() { s.RunOnce(ctx, job) }); err != nil {
			return eris.Wrapf(err, "scheduler: add %s job with spec %q", job.Name, job.Spec)
		}
		s.log.Info("job scheduled", zap.String("job", job.Name), zap.String("spec", job.Spec))
		registered++
	}
	if registered == 0 {
		return eris.New("scheduler: no job has a schedule")
	}

	s.cron.Start()
	return nil
}

// Stop stops the cron loop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// RunOnce populates every area with job. A failed area is logged and the
// remaining areas still run. It returns the number of failed areas.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) int {
	log := s.log.With(zap.String("job", job.Name))
	log.Info("scheduled run started", zap.Int("areas", len(s.areaIDs)))

	failed := 0
	for _, areaID := range s.areaIDs {
		if ctx.Err() != nil {
			log.Warn("scheduled run cancelled", zap.Error(ctx.Err()))
			return failed + 1
		}
		start := time.Now()
		n, err := job.Populator.Populate(ctx, areaID)
		if err != nil {
			failed++
			log.Error("populate failed", zap.Int64("area_id", areaID), zap.Error(err))
			continue
		}
		log.Info("populate finished",
			zap.Int64("area_id", areaID),
			zap.Int("records", n),
			zap.Duration("elapsed", time.Since(start)),
		)
	}

	log.Info("scheduled run complete", zap.Int("failed", failed))
	return failed
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
