package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/HuddlePipe/internal/models"
)

var _ ConversationRepo = (*sqlStore)(nil)

func (s *sqlStore) CreateConversationState(ctx context.Context, state *models.ConversationState) (bool, error) {
	data, err := marshalFields(state.CollectedData)
	if err != nil {
		return false, err
	}
	at := utcNow()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = at
	}
	state.UpdatedAt = at

	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO conversation_states (participant_id, channel_id, workflow_id, thread_id, pending_step, collected_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (participant_id, channel_id) DO NOTHING`),
		state.ParticipantID, state.ChannelID, state.WorkflowID, state.ThreadID, string(state.PendingStep), data,
		state.CreatedAt.UTC(), state.UpdatedAt)
	if err != nil {
		slog.Error(s.name+".CreateConversationState failed", "error", err, "participantID", state.ParticipantID)
		return false, fmt.Errorf("create conversation state: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug(s.name+".CreateConversationState", "participantID", state.ParticipantID, "channelID", state.ChannelID, "created", n == 1)
	return n == 1, nil
}

func (s *sqlStore) GetConversationState(ctx context.Context, participantID, channelID string) (*models.ConversationState, error) {
	var row stateRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT participant_id, channel_id, workflow_id, thread_id, pending_step, collected_data, created_at, updated_at
		FROM conversation_states WHERE participant_id = ? AND channel_id = ?`), participantID, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation state: %w", err)
	}
	data, err := unmarshalFields(row.CollectedData)
	if err != nil {
		slog.Error(s.name+".GetConversationState: corrupt collected data", "error", err, "participantID", participantID)
		data = make(map[models.FieldKey]string)
	}
	return &models.ConversationState{
		ParticipantID: row.ParticipantID,
		ChannelID:     row.ChannelID,
		WorkflowID:    row.WorkflowID,
		ThreadID:      row.ThreadID,
		PendingStep:   models.SlotStep(row.PendingStep),
		CollectedData: data,
		CreatedAt:     row.CreatedAt.UTC(),
		UpdatedAt:     row.UpdatedAt.UTC(),
	}, nil
}

func (s *sqlStore) AdvanceConversationState(ctx context.Context, state *models.ConversationState, fromStep models.SlotStep) (bool, error) {
	data, err := marshalFields(state.CollectedData)
	if err != nil {
		return false, err
	}
	state.UpdatedAt = utcNow()
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE conversation_states
		SET pending_step = ?, collected_data = ?, updated_at = ?
		WHERE participant_id = ? AND channel_id = ? AND pending_step = ?`),
		string(state.PendingStep), data, state.UpdatedAt, state.ParticipantID, state.ChannelID, string(fromStep))
	if err != nil {
		return false, fmt.Errorf("advance conversation state: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug(s.name+".AdvanceConversationState", "participantID", state.ParticipantID, "from", fromStep, "to", state.PendingStep, "applied", n == 1)
	return n == 1, nil
}

func (s *sqlStore) DeleteConversationState(ctx context.Context, participantID, channelID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM conversation_states WHERE participant_id = ? AND channel_id = ?`), participantID, channelID)
	if err != nil {
		return fmt.Errorf("delete conversation state: %w", err)
	}
	slog.Debug(s.name+".DeleteConversationState", "participantID", participantID, "channelID", channelID)
	return nil
}
