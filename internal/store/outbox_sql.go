package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/HuddlePipe/internal/util"
)

var _ OutboxEnqueuer = (*sqlStore)(nil)

func (s *sqlStore) EnqueueOutboxMessage(ctx context.Context, channelID, kind, payloadJSON, dedupeKey string) (string, error) {
	for round := 0; round < 2; round++ {
		id := util.GenerateRandomID("outbox_", 32)
		at := utcNow()
		res, err := s.db.ExecContext(ctx, s.q(`
			INSERT INTO outbox_messages (id, channel_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)
			ON CONFLICT DO NOTHING`),
			id, channelID, kind, payloadJSON, nilIfEmpty(dedupeKey), at, at)
		if err != nil {
			return "", fmt.Errorf("enqueue outbox message failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			slog.Debug(s.name+".EnqueueOutboxMessage", "id", id, "channelID", channelID, "kind", kind)
			return id, nil
		}

		var existingID string
		err = s.db.GetContext(ctx, &existingID, s.q(`
			SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status IN ('queued', 'sending')`), dedupeKey)
		if err == nil {
			slog.Debug(s.name+".EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}
	return "", fmt.Errorf("enqueue outbox %s: dedupe key %q contended", kind, dedupeKey)
}

func (s *sqlStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`), utcNow(), id)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE outbox_messages
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'queued' END,
		    next_attempt_at = ?, last_error = ?, locked_at = NULL, updated_at = ?
		WHERE id = ?`), DefaultOutboxMaxAttempts, nextAttemptAt.UTC(), errMsg, utcNow(), id)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ?
		WHERE status = 'sending' AND locked_at < ?`), utcNow(), staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}
