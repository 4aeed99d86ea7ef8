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

var _ TopicRepo = (*sqlStore)(nil)

func (s *sqlStore) UpsertTopic(ctx context.Context, t *models.Topic) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = utcNow()
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO topics (`+topicColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (topic_id) DO NOTHING`),
		t.ID, t.Category, t.Content, t.ReactionEmoji, string(t.Source), t.LastUsedAt, t.UsageCount,
		t.TotalReactions, t.EngagementSamples, t.AverageEngagement, t.CreatedAt.UTC())
	if err != nil {
		slog.Error(s.name+".UpsertTopic failed", "error", err, "topicID", t.ID)
		return false, fmt.Errorf("upsert topic: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqlStore) GetTopic(ctx context.Context, id string) (*models.Topic, error) {
	var row topicRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+topicColumns+` FROM topics WHERE topic_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get topic: %w", err)
	}
	t := row.toModel()
	return &t, nil
}

func (s *sqlStore) ListTopics(ctx context.Context, category string) ([]models.Topic, error) {
	var rows []topicRow
	var err error
	if category == "" {
		err = s.db.SelectContext(ctx, &rows, s.q(`SELECT `+topicColumns+` FROM topics ORDER BY category, created_at, topic_id`))
	} else {
		err = s.db.SelectContext(ctx, &rows, s.q(`SELECT `+topicColumns+` FROM topics WHERE category = ? ORDER BY created_at, topic_id`), category)
	}
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	return topicsFromRows(rows), nil
}

func (s *sqlStore) ListTopicCandidates(ctx context.Context, category string, usedBefore time.Time) ([]models.Topic, error) {
	var rows []topicRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT `+topicColumns+` FROM topics
		WHERE category = ? AND (last_used_at IS NULL OR last_used_at < ?)
		ORDER BY topic_id`), category, usedBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("list topic candidates: %w", err)
	}
	return topicsFromRows(rows), nil
}

func (s *sqlStore) ListLeastRecentlyUsedTopics(ctx context.Context, category string, limit int) ([]models.Topic, error) {
	var rows []topicRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT `+topicColumns+` FROM topics
		WHERE category = ?
		ORDER BY CASE WHEN last_used_at IS NULL THEN 0 ELSE 1 END, last_used_at ASC, topic_id
		LIMIT ?`), category, limit)
	if err != nil {
		return nil, fmt.Errorf("list least recently used topics: %w", err)
	}
	return topicsFromRows(rows), nil
}

func (s *sqlStore) CountTopics(ctx context.Context, category string) (int, error) {
	var n int
	var err error
	if category == "" {
		err = s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM topics`)
	} else {
		err = s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM topics WHERE category = ?`), category)
	}
	if err != nil {
		return 0, fmt.Errorf("count topics: %w", err)
	}
	return n, nil
}

func (s *sqlStore) ListTopicCategories(ctx context.Context) ([]string, error) {
	var categories []string
	if err := s.db.SelectContext(ctx, &categories, `SELECT DISTINCT category FROM topics ORDER BY category`); err != nil {
		return nil, fmt.Errorf("list topic categories: %w", err)
	}
	return categories, nil
}

func (s *sqlStore) MarkTopicUsed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE topics SET usage_count = usage_count + 1, last_used_at = ? WHERE topic_id = ?`), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark topic used: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("topic %s: %w", id, models.ErrNotFound)
	}
	slog.Debug(s.name+".MarkTopicUsed", "topicID", id)
	return nil
}

// recordEngagementSQL folds one engagement sample into a topic's running average.
const recordEngagementSQL = `
		UPDATE topics
		SET total_reactions = total_reactions + ?,
		    engagement_samples = engagement_samples + 1,
		    average_engagement = CAST(total_reactions + ? AS DOUBLE PRECISION) / (engagement_samples + 1)
		WHERE topic_id = ?`
