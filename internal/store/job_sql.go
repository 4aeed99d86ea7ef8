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

var _ JobEnqueuer = (*sqlStore)(nil)

func (s *sqlStore) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	// Two rounds: the holder of the dedupe key may finish between our insert and lookup.
	for round := 0; round < 2; round++ {
		id := util.GenerateRandomID("job_", 32)
		at := utcNow()
		res, err := s.db.ExecContext(ctx, s.q(`
			INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`),
			id, kind, runAt.UTC(), payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), at, at)
		if err != nil {
			return "", fmt.Errorf("enqueue job failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			slog.Debug(s.name+".EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
			return id, nil
		}

		var existingID string
		err = s.db.GetContext(ctx, &existingID, s.q(`
			SELECT id FROM jobs WHERE dedupe_key = ? AND status IN ('queued', 'running')`), dedupeKey)
		if err == nil {
			slog.Debug(s.name+".EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}
	return "", fmt.Errorf("enqueue job %s: dedupe key %q contended", kind, dedupeKey)
}

func (s *sqlStore) CompleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`), utcNow(), id)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	at := utcNow()
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs
		SET attempt = attempt + 1,
		    status = CASE WHEN attempt + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
		    run_at = CASE WHEN attempt + 1 >= max_attempts THEN run_at ELSE ? END,
		    last_error = ?, locked_at = NULL, updated_at = ?
		WHERE id = ?`), nextRunAt.UTC(), errMsg, at, id)
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (s *sqlStore) CancelJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`), utcNow(), id)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ?
		WHERE status = 'running' AND locked_at < ?`), utcNow(), staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	j := row.toModel()
	return &j, nil
}
