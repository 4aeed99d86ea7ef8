package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes one job. It receives the job's payload JSON, which for
// workflow jobs carries the workflow id, and returns an error to request a retry.
type JobHandler func(ctx context.Context, payload string) error

const (
	jobBaseBackoff = 30 * time.Second
	jobMaxBackoff  = 30 * time.Minute
)

// JobRunner claims due jobs and dispatches them by kind. HuddlePipe registers
// materialize_workflow, which retries calendar creation after a provider
// outage, and measure_engagement, which folds a closed workflow's reactions
// into its topic.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// JobRunnerOption configures a JobRunner.
type JobRunnerOption func(*JobRunner)

// WithJobStaleThreshold sets how long a job may stay running before startup
// recovery requeues it.
func WithJobStaleThreshold(d time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if d > 0 {
			r.staleThreshold = d
		}
	}
}

// WithJobClaimLimit sets how many jobs one poll claims.
func WithJobClaimLimit(n int) JobRunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.claimLimit = n
		}
	}
}

// NewJobRunner creates a JobRunner polling every pollInterval (10s when unset).
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	r := &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler registers the handler for kind, replacing any earlier one.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs left running by a crashed process, such as a
// materialization cut off mid provider call. Call it once at startup.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	staleBefore := time.Now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(ctx, staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval, "claimLimit", r.claimLimit)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *JobRunner) poll(ctx context.Context) {
	now := time.Now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.poll: claim failed", "error", err)
		return
	}
	for _, job := range jobs {
		r.runJob(ctx, job, now)
	}
}

func (r *JobRunner) runJob(ctx context.Context, job Job, now time.Time) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("JobRunner.runJob: no handler for job kind", "kind", job.Kind, "id", job.ID)
		if err := r.repo.FailJob(ctx, job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
			slog.Error("JobRunner.runJob: fail job error", "id", job.ID, "error", err)
		}
		return
	}

	slog.Debug("JobRunner.runJob: executing job", "id", job.ID, "kind", job.Kind, "dedupeKey", job.DedupeKey, "attempt", job.Attempt)
	if err := handler(ctx, job.PayloadJSON); err != nil {
		if job.MaxAttempts > 0 && job.Attempt+1 >= job.MaxAttempts {
			slog.Error("JobRunner.runJob: giving up on job", "id", job.ID, "kind", job.Kind, "dedupeKey", job.DedupeKey, "attempts", job.Attempt+1, "error", err)
		} else {
			slog.Error("JobRunner.runJob: job execution failed", "id", job.ID, "kind", job.Kind, "dedupeKey", job.DedupeKey, "error", err)
		}
		if err := r.repo.FailJob(ctx, job.ID, err.Error(), now.Add(jobBackoff(job.Attempt))); err != nil {
			slog.Error("JobRunner.runJob: fail job error", "id", job.ID, "error", err)
		}
		return
	}
	if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
		slog.Error("JobRunner.runJob: complete job error", "id", job.ID, "error", err)
	}
	slog.Debug("JobRunner.runJob: job completed", "id", job.ID, "kind", job.Kind)
}

// jobBackoff doubles from 30s per attempt and caps at 30m, so a calendar
// outage is retried a few times within the hour.
func jobBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := jobBaseBackoff
	for i := 0; i < attempt && d < jobMaxBackoff; i++ {
		d *= 2
	}
	return min(d, jobMaxBackoff)
}
