// Package flow runs the threaded slot-filling dialogue that collects meeting details
// once a workflow enters scheduling.
package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/store"
)

// StateManager keeps per-(participant, channel) dialogue state.
type StateManager struct {
	repo store.ConversationRepo
}

// NewStateManager creates a StateManager backed by repo.
func NewStateManager(repo store.ConversationRepo) *StateManager {
	slog.Debug("Creating StateManager")
	return &StateManager{repo: repo}
}

// Get returns the dialogue state, or nil when none is active.
func (sm *StateManager) Get(ctx context.Context, participantID, channelID string) (*models.ConversationState, error) {
	state, err := sm.repo.GetConversationState(ctx, participantID, channelID)
	if err != nil {
		slog.Error("StateManager.Get error", "error", err, "participantID", participantID, "channelID", channelID)
		return nil, fmt.Errorf("get dialogue state: %w", err)
	}
	return state, nil
}

// Begin creates a dialogue at the title step unless one already exists.
// The returned state is whichever is stored after the call.
func (sm *StateManager) Begin(ctx context.Context, participantID, channelID, workflowID, threadID string) (*models.ConversationState, bool, error) {
	state := &models.ConversationState{
		ParticipantID: participantID,
		ChannelID:     channelID,
		WorkflowID:    workflowID,
		ThreadID:      threadID,
		PendingStep:   models.StepTitle,
		CollectedData: map[models.FieldKey]string{},
	}
	created, err := sm.repo.CreateConversationState(ctx, state)
	if err != nil {
		return nil, false, fmt.Errorf("create dialogue state: %w", err)
	}
	if created {
		slog.Debug("StateManager.Begin: created", "participantID", participantID, "channelID", channelID, "workflowID", workflowID)
		return state, true, nil
	}
	existing, err := sm.Get(ctx, participantID, channelID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("dialogue state for %s vanished after insert conflict", participantID)
	}
	return existing, false, nil
}

// Advance stores next only if the dialogue is still at fromStep.
func (sm *StateManager) Advance(ctx context.Context, next *models.ConversationState, fromStep models.SlotStep) (bool, error) {
	ok, err := sm.repo.AdvanceConversationState(ctx, next, fromStep)
	if err != nil {
		slog.Error("StateManager.Advance error", "error", err, "participantID", next.ParticipantID, "from", fromStep)
		return false, fmt.Errorf("advance dialogue state: %w", err)
	}
	return ok, nil
}

// Clear removes the dialogue state.
func (sm *StateManager) Clear(ctx context.Context, participantID, channelID string) error {
	if err := sm.repo.DeleteConversationState(ctx, participantID, channelID); err != nil {
		slog.Error("StateManager.Clear error", "error", err, "participantID", participantID, "channelID", channelID)
		return fmt.Errorf("delete dialogue state: %w", err)
	}
	return nil
}
