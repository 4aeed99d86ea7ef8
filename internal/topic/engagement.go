package topic

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/HuddlePipe/internal/models"
)

// EngagementStore is the slice of the store an EngagementRecorder needs.
type EngagementStore interface {
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	RecordWorkflowEngagement(ctx context.Context, workflowID, topicID string, reactions int) (bool, error)
}

// EngagementRecorder folds a finished workflow's reaction count into its topic.
type EngagementRecorder struct {
	st EngagementStore
}

// NewEngagementRecorder creates an EngagementRecorder.
func NewEngagementRecorder(st EngagementStore) *EngagementRecorder {
	return &EngagementRecorder{st: st}
}

// Record measures workflowID once. Later calls for the same workflow are no-ops,
// as are workflows without a topic or not yet terminal. A failed write leaves the
// workflow unmeasured so the job retry can fold it in.
func (r *EngagementRecorder) Record(ctx context.Context, workflowID string) error {
	wf, err := r.st.GetWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}
	if wf == nil {
		slog.Warn("EngagementRecorder.Record: workflow not found", "workflowID", workflowID)
		return nil
	}
	if wf.TopicID == "" {
		return nil
	}
	if !wf.Status.IsTerminal() {
		slog.Warn("EngagementRecorder.Record: workflow still active, skipping", "workflowID", workflowID, "status", wf.Status)
		return nil
	}

	reactions := wf.DistinctParticipants()
	applied, err := r.st.RecordWorkflowEngagement(ctx, workflowID, wf.TopicID, reactions)
	if err != nil {
		return fmt.Errorf("record workflow engagement: %w", err)
	}
	if !applied {
		slog.Debug("EngagementRecorder.Record: already measured or topic gone", "workflowID", workflowID, "topicID", wf.TopicID)
		return nil
	}
	slog.Info("EngagementRecorder.Record", "workflowID", workflowID, "topicID", wf.TopicID, "reactions", reactions, "status", wf.Status)
	return nil
}
