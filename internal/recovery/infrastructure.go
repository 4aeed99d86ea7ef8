package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/HuddlePipe/internal/models"
)

// DefaultScanLimit bounds how many workflows one step inspects per status.
const DefaultScanLimit = 500

// WorkflowLister lists workflows by status.
type WorkflowLister interface {
	ListWorkflows(ctx context.Context, status models.WorkflowStatus, createdBefore time.Time, limit int) ([]models.Workflow, error)
}

// JobScheduler enqueues the durable workflow jobs. Both calls are deduplicated by the store.
type JobScheduler interface {
	ScheduleMaterialize(ctx context.Context, workflowID string, delay time.Duration) error
	ScheduleEngagement(ctx context.Context, workflowID string) error
}

// WorkflowRecoverer re-enqueues workflow jobs a crash may have lost.
type WorkflowRecoverer struct {
	repo  WorkflowLister
	jobs  JobScheduler
	limit int
	now   func() time.Time
}

// NewWorkflowRecoverer creates a WorkflowRecoverer.
func NewWorkflowRecoverer(repo WorkflowLister, jobs JobScheduler) *WorkflowRecoverer {
	return &WorkflowRecoverer{repo: repo, jobs: jobs, limit: DefaultScanLimit, now: time.Now}
}

// RecoverMaterializations enqueues materialization for scheduling workflows
// whose fields are all collected. That state means the process stopped after
// the dialogue finished but before the calendar event was confirmed.
func (w *WorkflowRecoverer) RecoverMaterializations(ctx context.Context) (int, error) {
	wfs, err := w.repo.ListWorkflows(ctx, models.WorkflowStatusScheduling, w.now(), w.limit)
	if err != nil {
		return 0, fmt.Errorf("list scheduling workflows: %w", err)
	}
	n := 0
	for _, wf := range wfs {
		if len(wf.MissingFields()) > 0 {
			continue
		}
		if err := w.jobs.ScheduleMaterialize(ctx, wf.ID, 0); err != nil {
			return n, err
		}
		slog.Info("WorkflowRecoverer.RecoverMaterializations: re-enqueued", "workflowID", wf.ID)
		n++
	}
	return n, nil
}

// RecoverEngagement enqueues measurement for finished topic workflows that were never measured.
func (w *WorkflowRecoverer) RecoverEngagement(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []models.WorkflowStatus{models.WorkflowStatusCompleted, models.WorkflowStatusCancelled} {
		wfs, err := w.repo.ListWorkflows(ctx, status, w.now(), w.limit)
		if err != nil {
			return n, fmt.Errorf("list %s workflows: %w", status, err)
		}
		for _, wf := range wfs {
			if wf.TopicID == "" || wf.EngagementRecordedAt != nil {
				continue
			}
			if err := w.jobs.ScheduleEngagement(ctx, wf.ID); err != nil {
				return n, err
			}
			n++
		}
	}
	if n > 0 {
		slog.Info("WorkflowRecoverer.RecoverEngagement: re-enqueued", "count", n)
	}
	return n, nil
}

// ErrorOnly adapts a recovery call without a count, such as releasing stale claims.
func ErrorOnly(fn func(ctx context.Context) error) StepFunc {
	return func(ctx context.Context) (int, error) {
		return 0, fn(ctx)
	}
}
