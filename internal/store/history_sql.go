package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/HuddlePipe/internal/models"
)

var _ HistoryRepo = (*sqlStore)(nil)

func (s *sqlStore) SaveConversation(ctx context.Context, c *models.Conversation) (bool, error) {
	keywords, err := marshalStrings(c.Keywords)
	if err != nil {
		return false, fmt.Errorf("marshal keywords: %w", err)
	}
	participants, err := marshalStrings(c.Participants)
	if err != nil {
		return false, fmt.Errorf("marshal participants: %w", err)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = utcNow()
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO conversations (conversation_id, channel_id, message_ts, text, keywords, participants,
		                           reaction_count, sentiment, used_for_topic, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		c.ID, c.ChannelID, c.MessageTS, c.Text, keywords, participants,
		c.ReactionCount, string(c.Sentiment), c.UsedForTopic, c.CreatedAt.UTC())
	if err != nil {
		slog.Error(s.name+".SaveConversation failed", "error", err, "channelID", c.ChannelID, "ts", c.MessageTS)
		return false, fmt.Errorf("save conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqlStore) ListUnusedConversations(ctx context.Context, limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []conversationRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT conversation_id, channel_id, message_ts, text, keywords, participants,
		       reaction_count, sentiment, used_for_topic, created_at
		FROM conversations
		WHERE used_for_topic = ?
		ORDER BY reaction_count DESC, created_at DESC
		LIMIT ?`), false, limit)
	if err != nil {
		return nil, fmt.Errorf("list unused conversations: %w", err)
	}
	out := make([]models.Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Conversation{
			ID:            r.ID,
			ChannelID:     r.ChannelID,
			MessageTS:     r.MessageTS,
			Text:          r.Text,
			Keywords:      unmarshalStrings(r.Keywords),
			Participants:  unmarshalStrings(r.Participants),
			ReactionCount: r.ReactionCount,
			Sentiment:     models.Sentiment(r.Sentiment),
			UsedForTopic:  r.UsedForTopic,
			CreatedAt:     r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func (s *sqlStore) MarkConversationUsed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE conversations SET used_for_topic = ? WHERE conversation_id = ?`), true, id)
	if err != nil {
		return fmt.Errorf("mark conversation used: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *sqlStore) SaveQuestion(ctx context.Context, q *models.Question) error {
	if q.AskedAt.IsZero() {
		q.AskedAt = utcNow()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO questions (question_id, user_id, channel_id, message_ts, content, asked_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		q.ID, q.UserID, q.ChannelID, q.MessageTS, q.Content, q.AskedAt.UTC())
	if err != nil {
		return fmt.Errorf("save question: %w", err)
	}
	slog.Debug(s.name+".SaveQuestion", "questionID", q.ID, "userID", q.UserID)
	return nil
}

func (s *sqlStore) CountQuestionsSince(ctx context.Context, since time.Time) (map[string]int, error) {
	var rows []struct {
		UserID string `db:"user_id"`
		N      int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT user_id, COUNT(*) AS n FROM questions WHERE asked_at >= ? GROUP BY user_id`), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("count questions: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.UserID] = r.N
	}
	return counts, nil
}
