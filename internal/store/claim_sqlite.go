package store

import (
	"context"
	"fmt"
	"time"
)

// ClaimDueJobs selects due jobs and flips them to running inside one
// immediate transaction, so two pollers cannot claim the same job.
func (s *SQLiteStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs begin failed: %w", err)
	}
	defer tx.Rollback()

	var rows []jobRow
	err = tx.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM jobs
		WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs query failed: %w", err)
	}

	at := now.UTC()
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ? AND status = 'queued'`, at, at, r.ID)
		if err != nil {
			return nil, fmt.Errorf("mark job running failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		j := r.toModel()
		j.Status = JobStatusRunning
		j.LockedAt = &at
		jobs = append(jobs, j)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim due jobs commit failed: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim outbox begin failed: %w", err)
	}
	defer tx.Rollback()

	var rows []outboxRow
	err = tx.SelectContext(ctx, &rows, `SELECT `+outboxColumns+` FROM outbox_messages
		WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}

	at := now.UTC()
	msgs := make([]OutboxMessage, 0, len(rows))
	for _, r := range rows {
		res, err := tx.ExecContext(ctx, `UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ? AND status = 'queued'`, at, at, r.ID)
		if err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		m := r.toModel()
		m.Status = OutboxStatusSending
		m.LockedAt = &at
		msgs = append(msgs, m)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim outbox commit failed: %w", err)
	}
	return msgs, nil
}
