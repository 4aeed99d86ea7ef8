package store

import (
	"context"
	"fmt"
	"log/slog"
)

var _ DedupRepo = (*sqlStore)(nil)

func (s *sqlStore) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM inbound_dedup WHERE message_id = ? AND processed_at IS NOT NULL`), eventID); err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) RecordInbound(ctx context.Context, eventID, participantID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO inbound_dedup (message_id, participant_id, received_at) VALUES (?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`), eventID, participantID, utcNow())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		slog.Debug(s.name+".RecordInbound: duplicate event", "eventID", eventID)
	}
	return n == 1, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), utcNow(), eventID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
