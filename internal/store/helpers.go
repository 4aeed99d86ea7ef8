package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/jmoiron/sqlx"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with ? placeholders and rebound for the driver.
type sqlStore struct {
	db   *sqlx.DB
	name string
}

// Close closes the underlying database.
func (s *sqlStore) Close() error {
	slog.Debug(s.name + ".Close: closing database")
	if err := s.db.Close(); err != nil {
		slog.Error(s.name+".Close: close failed", "error", err)
		return err
	}
	return nil
}

func (s *sqlStore) q(query string) string {
	return s.db.Rebind(query)
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []models.WorkflowStatus) []interface{} {
	out := make([]interface{}, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func utcNow() time.Time {
	return time.Now().UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func marshalFields(fields map[models.FieldKey]string) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(b), nil
}

func unmarshalFields(raw string) (map[models.FieldKey]string, error) {
	fields := make(map[models.FieldKey]string)
	if raw == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return fields, nil
}

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStrings(raw string) []string {
	var v []string
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		slog.Warn("store.unmarshalStrings: invalid JSON list", "error", err)
		return nil
	}
	return v
}

type workflowRow struct {
	ID                   string         `db:"workflow_id"`
	SourceMessageID      string         `db:"source_message_id"`
	ChannelID            string         `db:"channel_id"`
	TopicID              sql.NullString `db:"topic_id"`
	Status               string         `db:"status"`
	CollectedFields      string         `db:"collected_fields"`
	CalendarEventID      sql.NullString `db:"calendar_event_id"`
	CalendarEventURL     sql.NullString `db:"calendar_event_url"`
	Version              int64          `db:"version"`
	EngagementRecordedAt sql.NullTime   `db:"engagement_recorded_at"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

const workflowColumns = `workflow_id, source_message_id, channel_id, topic_id, status, collected_fields,
	calendar_event_id, calendar_event_url, version, engagement_recorded_at, created_at, updated_at`

func (r workflowRow) toModel() (*models.Workflow, error) {
	fields, err := unmarshalFields(r.CollectedFields)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", r.ID, err)
	}
	return &models.Workflow{
		ID:                   r.ID,
		SourceMessageID:      r.SourceMessageID,
		ChannelID:            r.ChannelID,
		TopicID:              r.TopicID.String,
		Status:               models.WorkflowStatus(r.Status),
		CollectedFields:      fields,
		CalendarEventID:      r.CalendarEventID.String,
		CalendarEventURL:     r.CalendarEventURL.String,
		Version:              r.Version,
		EngagementRecordedAt: timePtr(r.EngagementRecordedAt),
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
	}, nil
}

type reactionRow struct {
	ParticipantID string    `db:"participant_id"`
	Contact       string    `db:"participant_contact"`
	Kind          string    `db:"reaction_kind"`
	RecordedAt    time.Time `db:"recorded_at"`
}

type stateRow struct {
	ParticipantID string    `db:"participant_id"`
	ChannelID     string    `db:"channel_id"`
	WorkflowID    string    `db:"workflow_id"`
	ThreadID      string    `db:"thread_id"`
	PendingStep   string    `db:"pending_step"`
	CollectedData string    `db:"collected_data"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

type topicRow struct {
	ID                string       `db:"topic_id"`
	Category          string       `db:"category"`
	Content           string       `db:"content"`
	ReactionEmoji     string       `db:"reaction_emoji"`
	Source            string       `db:"source"`
	LastUsedAt        sql.NullTime `db:"last_used_at"`
	UsageCount        int          `db:"usage_count"`
	TotalReactions    int          `db:"total_reactions"`
	EngagementSamples int          `db:"engagement_samples"`
	AverageEngagement float64      `db:"average_engagement"`
	CreatedAt         time.Time    `db:"created_at"`
}

const topicColumns = `topic_id, category, content, reaction_emoji, source, last_used_at, usage_count,
	total_reactions, engagement_samples, average_engagement, created_at`

func (r topicRow) toModel() models.Topic {
	return models.Topic{
		ID:                r.ID,
		Category:          r.Category,
		Content:           r.Content,
		ReactionEmoji:     r.ReactionEmoji,
		Source:            models.TopicSource(r.Source),
		LastUsedAt:        timePtr(r.LastUsedAt),
		UsageCount:        r.UsageCount,
		TotalReactions:    r.TotalReactions,
		EngagementSamples: r.EngagementSamples,
		AverageEngagement: r.AverageEngagement,
		CreatedAt:         r.CreatedAt.UTC(),
	}
}

func topicsFromRows(rows []topicRow) []models.Topic {
	out := make([]models.Topic, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}

type conversationRow struct {
	ID            string    `db:"conversation_id"`
	ChannelID     string    `db:"channel_id"`
	MessageTS     string    `db:"message_ts"`
	Text          string    `db:"text"`
	Keywords      string    `db:"keywords"`
	Participants  string    `db:"participants"`
	ReactionCount int       `db:"reaction_count"`
	Sentiment     string    `db:"sentiment"`
	UsedForTopic  bool      `db:"used_for_topic"`
	CreatedAt     time.Time `db:"created_at"`
}

type jobRow struct {
	ID          string         `db:"id"`
	Kind        string         `db:"kind"`
	RunAt       time.Time      `db:"run_at"`
	PayloadJSON sql.NullString `db:"payload_json"`
	Status      string         `db:"status"`
	Attempt     int            `db:"attempt"`
	MaxAttempts int            `db:"max_attempts"`
	LastError   sql.NullString `db:"last_error"`
	LockedAt    sql.NullTime   `db:"locked_at"`
	DedupeKey   sql.NullString `db:"dedupe_key"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func (r jobRow) toModel() Job {
	return Job{
		ID:          r.ID,
		Kind:        r.Kind,
		RunAt:       r.RunAt.UTC(),
		PayloadJSON: r.PayloadJSON.String,
		Status:      JobStatus(r.Status),
		Attempt:     r.Attempt,
		MaxAttempts: r.MaxAttempts,
		LastError:   r.LastError.String,
		LockedAt:    timePtr(r.LockedAt),
		DedupeKey:   r.DedupeKey.String,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

type outboxRow struct {
	ID            string         `db:"id"`
	ChannelID     string         `db:"channel_id"`
	Kind          string         `db:"kind"`
	PayloadJSON   sql.NullString `db:"payload_json"`
	Status        string         `db:"status"`
	Attempts      int            `db:"attempts"`
	NextAttemptAt sql.NullTime   `db:"next_attempt_at"`
	DedupeKey     sql.NullString `db:"dedupe_key"`
	LockedAt      sql.NullTime   `db:"locked_at"`
	LastError     sql.NullString `db:"last_error"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

const outboxColumns = `id, channel_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

func (r outboxRow) toModel() OutboxMessage {
	return OutboxMessage{
		ID:            r.ID,
		ChannelID:     r.ChannelID,
		Kind:          r.Kind,
		PayloadJSON:   r.PayloadJSON.String,
		Status:        OutboxStatus(r.Status),
		Attempts:      r.Attempts,
		NextAttemptAt: timePtr(r.NextAttemptAt),
		DedupeKey:     r.DedupeKey.String,
		LockedAt:      timePtr(r.LockedAt),
		LastError:     r.LastError.String,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}
