// Package workflow owns the lifecycle of broadcast workflows: creation, reaction
// recording and every status transition. All writes are conditional so that
// concurrent handlers can race safely through the store.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/store"
	"github.com/BTreeMap/HuddlePipe/internal/util"
)

// DefaultMergeRetries bounds the optimistic read-merge-write loop in MergeFields.
const DefaultMergeRetries = 5

// ReactionResult reports the outcome of RecordReaction.
type ReactionResult struct {
	// Recorded is false when the participant had already reacted.
	Recorded      bool
	DistinctCount int
	// Status is the workflow status observed after the write.
	Status models.WorkflowStatus
}

// Tracker exposes the workflow operations used by the handlers.
type Tracker struct {
	repo         store.WorkflowRepo
	mergeRetries int
	now          func() time.Time
}

// TrackerOpts configures a Tracker.
type TrackerOpts struct {
	MergeRetries int
	Clock        func() time.Time
}

// TrackerOption mutates TrackerOpts.
type TrackerOption func(*TrackerOpts)

// WithMergeRetries overrides DefaultMergeRetries.
func WithMergeRetries(n int) TrackerOption {
	return func(o *TrackerOpts) { o.MergeRetries = n }
}

// WithClock sets the time source used for reaction timestamps.
func WithClock(now func() time.Time) TrackerOption {
	return func(o *TrackerOpts) { o.Clock = now }
}

// NewTracker creates a Tracker over repo.
func NewTracker(repo store.WorkflowRepo, opts ...TrackerOption) *Tracker {
	cfg := TrackerOpts{MergeRetries: DefaultMergeRetries, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MergeRetries <= 0 {
		cfg.MergeRetries = DefaultMergeRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Tracker{repo: repo, mergeRetries: cfg.MergeRetries, now: cfg.Clock}
}

// Create starts a workflow in collecting_reactions for a freshly broadcast message.
func (t *Tracker) Create(ctx context.Context, sourceMessageID, channelID, topicID string) (string, error) {
	if sourceMessageID == "" || channelID == "" {
		return "", &models.ValidationError{Field: "source_message_id", Message: "source message and channel are required"}
	}
	now := t.now().UTC()
	wf := &models.Workflow{
		ID:              util.NewID(),
		SourceMessageID: sourceMessageID,
		ChannelID:       channelID,
		TopicID:         topicID,
		Status:          models.WorkflowStatusCollecting,
		CollectedFields: map[models.FieldKey]string{},
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	inserted, err := t.repo.CreateWorkflow(ctx, wf)
	if err != nil {
		slog.Error("Tracker.Create: store failed", "error", err, "sourceMessageID", sourceMessageID)
		return "", fmt.Errorf("create workflow: %w", err)
	}
	if !inserted {
		slog.Warn("Tracker.Create: source message already tracked", "sourceMessageID", sourceMessageID)
		return "", fmt.Errorf("source message %s: %w", sourceMessageID, models.ErrDuplicateSourceMessage)
	}
	slog.Info("Tracker.Create: workflow created", "workflowID", wf.ID, "sourceMessageID", sourceMessageID, "topicID", topicID)
	return wf.ID, nil
}

// Get loads a workflow by id.
func (t *Tracker) Get(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := t.repo.GetWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	if wf == nil {
		return nil, fmt.Errorf("workflow %s: %w", id, models.ErrNotFound)
	}
	return wf, nil
}

// FindBySourceMessage loads the workflow tracking a broadcast message.
func (t *Tracker) FindBySourceMessage(ctx context.Context, sourceMessageID string) (*models.Workflow, error) {
	wf, err := t.repo.FindWorkflowBySourceMessage(ctx, sourceMessageID)
	if err != nil {
		return nil, fmt.Errorf("find workflow: %w", err)
	}
	if wf == nil {
		return nil, fmt.Errorf("source message %s: %w", sourceMessageID, models.ErrNotFound)
	}
	return wf, nil
}

// RecordReaction upserts the participant's reaction. Repeats from the same
// participant update the kind and never change the distinct count.
func (t *Tracker) RecordReaction(ctx context.Context, workflowID, participantID, contact, kind string) (ReactionResult, error) {
	r := models.Reaction{
		ParticipantID:      participantID,
		ParticipantContact: contact,
		ReactionKind:       kind,
		RecordedAt:         t.now().UTC(),
	}
	recorded, distinct, err := t.repo.UpsertReaction(ctx, workflowID, r)
	if err != nil {
		return ReactionResult{}, fmt.Errorf("record reaction: %w", err)
	}
	wf, err := t.Get(ctx, workflowID)
	if err != nil {
		return ReactionResult{}, err
	}
	slog.Debug("Tracker.RecordReaction", "workflowID", workflowID, "participantID", participantID, "kind", kind, "recorded", recorded, "distinct", distinct)
	return ReactionResult{Recorded: recorded, DistinctCount: distinct, Status: wf.Status}, nil
}

// AdvanceToScheduling moves collecting_reactions to scheduling. Exactly one
// concurrent caller observes true.
func (t *Tracker) AdvanceToScheduling(ctx context.Context, id string) (bool, error) {
	ok, err := t.transition(ctx, id, []models.WorkflowStatus{models.WorkflowStatusCollecting}, models.WorkflowStatusScheduling, "", "")
	if err != nil {
		return false, err
	}
	slog.Debug("Tracker.AdvanceToScheduling", "workflowID", id, "advanced", ok)
	return ok, nil
}

// MergeFields merges fields into the collected fields of an active workflow.
func (t *Tracker) MergeFields(ctx context.Context, id string, fields map[models.FieldKey]string) error {
	for attempt := 1; attempt <= t.mergeRetries; attempt++ {
		wf, err := t.Get(ctx, id)
		if err != nil {
			return err
		}
		if wf.Status.IsTerminal() {
			return fmt.Errorf("merge fields into %s workflow %s: %w", wf.Status, id, models.ErrInvalidState)
		}
		merged := make(map[models.FieldKey]string, len(wf.CollectedFields)+len(fields))
		maps.Copy(merged, wf.CollectedFields)
		maps.Copy(merged, fields)

		ok, err := t.repo.UpdateWorkflowFields(ctx, id, merged, wf.Version)
		if err != nil {
			return fmt.Errorf("merge fields: %w", err)
		}
		if ok {
			slog.Debug("Tracker.MergeFields", "workflowID", id, "fields", len(fields), "attempt", attempt)
			return nil
		}
		slog.Debug("Tracker.MergeFields: version conflict, retrying", "workflowID", id, "attempt", attempt)
	}
	return fmt.Errorf("merge fields into %s: retries exhausted: %w", id, models.ErrInvalidState)
}

// Complete records the calendar event and moves scheduling to completed.
func (t *Tracker) Complete(ctx context.Context, id, eventID, eventURL string) error {
	if eventID == "" {
		return &models.ValidationError{Field: "calendar_event_id", Message: "event id is required"}
	}
	ok, err := t.transition(ctx, id, models.TransitionSources(models.WorkflowStatusCompleted), models.WorkflowStatusCompleted, eventID, eventURL)
	if err != nil {
		return err
	}
	if !ok {
		wf, err := t.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("complete %s workflow %s: %w", wf.Status, id, models.ErrInvalidState)
	}
	slog.Info("Tracker.Complete: workflow completed", "workflowID", id, "eventID", eventID)
	return nil
}

// Cancel moves any active workflow to cancelled. Terminal workflows report false.
func (t *Tracker) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := t.transition(ctx, id, models.TransitionSources(models.WorkflowStatusCancelled), models.WorkflowStatusCancelled, "", "")
	if err != nil {
		return false, err
	}
	if !ok {
		if _, err := t.Get(ctx, id); err != nil {
			return false, err
		}
	}
	slog.Info("Tracker.Cancel", "workflowID", id, "cancelled", ok)
	return ok, nil
}

// ListStale returns collecting workflows created before cutoff.
func (t *Tracker) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Workflow, error) {
	wfs, err := t.repo.ListWorkflows(ctx, models.WorkflowStatusCollecting, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale workflows: %w", err)
	}
	return wfs, nil
}

func (t *Tracker) transition(ctx context.Context, id string, from []models.WorkflowStatus, to models.WorkflowStatus, eventID, eventURL string) (bool, error) {
	for _, s := range from {
		if !s.CanTransitionTo(to) {
			return false, fmt.Errorf("%s -> %s: %w", s, to, models.ErrInvalidState)
		}
	}
	ok, err := t.repo.TransitionWorkflow(ctx, id, from, to, eventID, eventURL)
	if err != nil {
		slog.Error("Tracker.transition: store failed", "error", err, "workflowID", id, "to", to)
		return false, fmt.Errorf("transition workflow to %s: %w", to, err)
	}
	return ok, nil
}
