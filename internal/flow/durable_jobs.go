package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/store"
)

// JobScheduler enqueues the durable workflow jobs.
type JobScheduler struct {
	jobs store.JobEnqueuer
	now  func() time.Time
}

// NewJobScheduler creates a JobScheduler over jobs.
func NewJobScheduler(jobs store.JobEnqueuer) *JobScheduler {
	return &JobScheduler{jobs: jobs, now: time.Now}
}

// ScheduleMaterialize enqueues a materialize_workflow retry for workflowID.
func (s *JobScheduler) ScheduleMaterialize(ctx context.Context, workflowID string, delay time.Duration) error {
	return s.enqueue(ctx, models.JobKindMaterializeWorkflow, workflowID, delay, models.MaterializeDedupeKey(workflowID))
}

// ScheduleEngagement enqueues engagement measurement for a terminal workflow.
func (s *JobScheduler) ScheduleEngagement(ctx context.Context, workflowID string) error {
	return s.enqueue(ctx, models.JobKindMeasureEngagement, workflowID, 0, models.EngagementDedupeKey(workflowID))
}

func (s *JobScheduler) enqueue(ctx context.Context, kind, workflowID string, delay time.Duration, dedupeKey string) error {
	payload, err := json.Marshal(models.WorkflowJobPayload{WorkflowID: workflowID})
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	jobID, err := s.jobs.EnqueueJob(ctx, kind, s.now().Add(delay), string(payload), dedupeKey)
	if err != nil {
		slog.Error("JobScheduler.enqueue failed", "error", err, "kind", kind, "workflowID", workflowID)
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	slog.Debug("JobScheduler.enqueue", "kind", kind, "workflowID", workflowID, "jobID", jobID)
	return nil
}

// WorkflowJobFunc handles one workflow-scoped job.
type WorkflowJobFunc func(ctx context.Context, workflowID string) error

// RegisterJobHandlers binds the workflow job kinds on runner.
func RegisterJobHandlers(runner *store.JobRunner, materialize, measure WorkflowJobFunc) {
	runner.RegisterHandler(models.JobKindMaterializeWorkflow, workflowJobHandler(models.JobKindMaterializeWorkflow, materialize))
	runner.RegisterHandler(models.JobKindMeasureEngagement, workflowJobHandler(models.JobKindMeasureEngagement, measure))
}

func workflowJobHandler(kind string, fn WorkflowJobFunc) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p models.WorkflowJobPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", kind, err)
		}
		if p.WorkflowID == "" {
			return fmt.Errorf("invalid %s payload: missing workflow_id", kind)
		}
		slog.Info("JobHandler."+kind+": executing", "workflowID", p.WorkflowID)
		return fn(ctx, p.WorkflowID)
	}
}
