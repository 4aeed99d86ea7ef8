package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/HuddlePipe/internal/models"
)

var _ WorkflowRepo = (*sqlStore)(nil)

func (s *sqlStore) CreateWorkflow(ctx context.Context, wf *models.Workflow) (bool, error) {
	fields, err := marshalFields(wf.CollectedFields)
	if err != nil {
		return false, err
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = utcNow()
	}
	wf.CreatedAt = wf.CreatedAt.UTC()
	wf.UpdatedAt = wf.CreatedAt

	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		wf.ID, wf.SourceMessageID, wf.ChannelID, nilIfEmpty(wf.TopicID), string(wf.Status), fields,
		nilIfEmpty(wf.CalendarEventID), nilIfEmpty(wf.CalendarEventURL), wf.Version, wf.EngagementRecordedAt,
		wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		slog.Error(s.name+".CreateWorkflow failed", "error", err, "workflowID", wf.ID)
		return false, fmt.Errorf("create workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create workflow rows affected: %w", err)
	}
	slog.Debug(s.name+".CreateWorkflow", "workflowID", wf.ID, "sourceMessageID", wf.SourceMessageID, "inserted", n == 1)
	return n == 1, nil
}

func (s *sqlStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return s.loadWorkflow(ctx, row)
}

func (s *sqlStore) FindWorkflowBySourceMessage(ctx context.Context, sourceMessageID string) (*models.Workflow, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT `+workflowColumns+` FROM workflows
		WHERE source_message_id = ?
		ORDER BY CASE WHEN status IN ('collecting_reactions', 'scheduling') THEN 0 ELSE 1 END, created_at DESC
		LIMIT 1`), sourceMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find workflow by source message: %w", err)
	}
	return s.loadWorkflow(ctx, row)
}

func (s *sqlStore) loadWorkflow(ctx context.Context, row workflowRow) (*models.Workflow, error) {
	wf, err := row.toModel()
	if err != nil {
		return nil, err
	}
	var reactions []reactionRow
	err = s.db.SelectContext(ctx, &reactions, s.q(`
		SELECT participant_id, participant_contact, reaction_kind, recorded_at
		FROM workflow_reactions WHERE workflow_id = ?
		ORDER BY recorded_at, participant_id`), wf.ID)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	wf.Reactions = make([]models.Reaction, 0, len(reactions))
	for _, r := range reactions {
		wf.Reactions = append(wf.Reactions, models.Reaction{
			ParticipantID:      r.ParticipantID,
			ParticipantContact: r.Contact,
			ReactionKind:       r.Kind,
			RecordedAt:         r.RecordedAt.UTC(),
		})
	}
	return wf, nil
}

// UpsertReaction touches the workflow row first so concurrent upserts for the
// same workflow serialize on its row lock before counting.
func (s *sqlStore) UpsertReaction(ctx context.Context, workflowID string, r models.Reaction) (bool, int, error) {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = utcNow()
	}
	at := r.RecordedAt.UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin upsert reaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE workflows SET updated_at = ? WHERE workflow_id = ?`), at, workflowID)
	if err != nil {
		return false, 0, fmt.Errorf("touch workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, 0, fmt.Errorf("workflow %s: %w", workflowID, models.ErrNotFound)
	}

	res, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO workflow_reactions (workflow_id, participant_id, participant_contact, reaction_kind, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, participant_id) DO NOTHING`),
		workflowID, r.ParticipantID, r.ParticipantContact, r.ReactionKind, at)
	if err != nil {
		return false, 0, fmt.Errorf("insert reaction: %w", err)
	}
	inserted, _ := res.RowsAffected()

	if inserted == 0 {
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE workflow_reactions
			SET reaction_kind = ?,
			    participant_contact = CASE WHEN ? = '' THEN participant_contact ELSE ? END,
			    recorded_at = ?
			WHERE workflow_id = ? AND participant_id = ?`),
			r.ReactionKind, r.ParticipantContact, r.ParticipantContact, at, workflowID, r.ParticipantID)
		if err != nil {
			return false, 0, fmt.Errorf("update reaction: %w", err)
		}
	}

	var distinct int
	if err := tx.GetContext(ctx, &distinct, tx.Rebind(`SELECT COUNT(*) FROM workflow_reactions WHERE workflow_id = ?`), workflowID); err != nil {
		return false, 0, fmt.Errorf("count reactions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit upsert reaction: %w", err)
	}

	slog.Debug(s.name+".UpsertReaction", "workflowID", workflowID, "participantID", r.ParticipantID,
		"kind", r.ReactionKind, "recorded", inserted == 1, "distinct", distinct)
	return inserted == 1, distinct, nil
}

func (s *sqlStore) TransitionWorkflow(ctx context.Context, id string, from []models.WorkflowStatus, to models.WorkflowStatus, eventID, eventURL string) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []interface{}{string(to), nilIfEmpty(eventID), nilIfEmpty(eventURL), utcNow(), id}
	args = append(args, statusArgs(from)...)

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE workflows
		SET status = ?, calendar_event_id = ?, calendar_event_url = ?, version = version + 1, updated_at = ?
		WHERE workflow_id = ? AND status IN (`+placeholders(len(from))+`)`), args...)
	if err != nil {
		slog.Error(s.name+".TransitionWorkflow failed", "error", err, "workflowID", id, "to", to)
		return false, fmt.Errorf("transition workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition workflow rows affected: %w", err)
	}
	slog.Debug(s.name+".TransitionWorkflow", "workflowID", id, "from", from, "to", to, "applied", n == 1)
	return n == 1, nil
}

func (s *sqlStore) UpdateWorkflowFields(ctx context.Context, id string, fields map[models.FieldKey]string, expectedVersion int64) (bool, error) {
	raw, err := marshalFields(fields)
	if err != nil {
		return false, err
	}
	args := []interface{}{raw, utcNow(), id, expectedVersion}
	args = append(args, statusArgs(models.ActiveWorkflowStatuses)...)

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE workflows
		SET collected_fields = ?, version = version + 1, updated_at = ?
		WHERE workflow_id = ? AND version = ? AND status IN (`+placeholders(len(models.ActiveWorkflowStatuses))+`)`), args...)
	if err != nil {
		return false, fmt.Errorf("update workflow fields: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update workflow fields rows affected: %w", err)
	}
	slog.Debug(s.name+".UpdateWorkflowFields", "workflowID", id, "expectedVersion", expectedVersion, "applied", n == 1)
	return n == 1, nil
}

func (s *sqlStore) ListWorkflows(ctx context.Context, status models.WorkflowStatus, createdBefore time.Time, limit int) ([]models.Workflow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []workflowRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT `+workflowColumns+` FROM workflows
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?`), string(status), createdBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out := make([]models.Workflow, 0, len(rows))
	for _, row := range rows {
		wf, err := s.loadWorkflow(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, *wf)
	}
	return out, nil
}

// RecordWorkflowEngagement sets the once-only guard and folds the sample into
// the topic in one transaction, so a failed topic write leaves the guard unset.
func (s *sqlStore) RecordWorkflowEngagement(ctx context.Context, workflowID, topicID string, reactions int) (bool, error) {
	at := utcNow()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin record engagement: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE workflows SET engagement_recorded_at = ?, updated_at = ?
		WHERE workflow_id = ? AND engagement_recorded_at IS NULL`), at, at, workflowID)
	if err != nil {
		return false, fmt.Errorf("mark engagement recorded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	res, err = tx.ExecContext(ctx, tx.Rebind(recordEngagementSQL), reactions, reactions, topicID)
	if err != nil {
		return false, fmt.Errorf("record topic engagement: %w", err)
	}
	applied := true
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Warn(s.name+".RecordWorkflowEngagement: topic no longer exists", "workflowID", workflowID, "topicID", topicID)
		applied = false
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit record engagement: %w", err)
	}
	slog.Debug(s.name+".RecordWorkflowEngagement", "workflowID", workflowID, "topicID", topicID, "reactions", reactions, "applied", applied)
	return applied, nil
}
