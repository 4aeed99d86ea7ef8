// Package scheduler runs the periodic HuddlePipe jobs (broadcast, history mining
// and the stale workflow sweep) on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Default schedules, evaluated in the scheduler's location.
const (
	DefaultBroadcastSchedule = "0 10 * * 1-5"
	DefaultMineSchedule      = "0 3 * * *"
	DefaultSweepSchedule     = "0 * * * *"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
	loc  *time.Location
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation evaluates every schedule in loc instead of the local zone.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{loc: time.Local}
	for _, opt := range opts {
		opt(s)
	}
	// Standard 5-field parser (min, hour, dom, month, dow) with panic recovery.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	s.cron.Start()
	return s
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddContextJob schedules a named task that receives ctx. Task errors are logged.
func (s *Scheduler) AddContextJob(ctx context.Context, name, expr string, task func(context.Context) error) error {
	err := s.AddJob(expr, func() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := task(ctx); err != nil {
			slog.Error("Scheduler: job failed", "job", name, "error", err, "elapsed", time.Since(start))
			return
		}
		slog.Info("Scheduler: job finished", "job", name, "elapsed", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, expr, err)
	}
	slog.Debug("Scheduler.AddContextJob", "job", name, "expr", expr, "location", s.loc.String())
	return nil
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
