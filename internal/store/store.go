// Package store provides durable storage for HuddlePipe workflows, dialogue state,
// topics and mined history, together with the job and outbox queues that make
// side effects restart-safe.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/HuddlePipe/internal/models"
)

// WorkflowRepo persists workflows and their reactions.
//
// Conditional writes report a lost race as false with a nil error.
type WorkflowRepo interface {
	// CreateWorkflow inserts wf unless an active workflow already references
	// the same source message.
	CreateWorkflow(ctx context.Context, wf *models.Workflow) (bool, error)
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	// FindWorkflowBySourceMessage prefers the active workflow when historical
	// ones share the source message.
	FindWorkflowBySourceMessage(ctx context.Context, sourceMessageID string) (*models.Workflow, error)
	// UpsertReaction records r keyed by participant. recorded is false when the
	// participant had already reacted; distinct is the participant count after the write.
	UpsertReaction(ctx context.Context, workflowID string, r models.Reaction) (recorded bool, distinct int, err error)
	TransitionWorkflow(ctx context.Context, id string, from []models.WorkflowStatus, to models.WorkflowStatus, eventID, eventURL string) (bool, error)
	UpdateWorkflowFields(ctx context.Context, id string, fields map[models.FieldKey]string, expectedVersion int64) (bool, error)
	ListWorkflows(ctx context.Context, status models.WorkflowStatus, createdBefore time.Time, limit int) ([]models.Workflow, error)
	// RecordWorkflowEngagement marks the workflow measured and adds reactions to the
	// topic's engagement atomically. It returns false when the workflow was already
	// measured or the topic no longer exists; the guard is set in both cases.
	RecordWorkflowEngagement(ctx context.Context, workflowID, topicID string, reactions int) (bool, error)
}

// ConversationRepo persists per-participant dialogue state.
type ConversationRepo interface {
	CreateConversationState(ctx context.Context, state *models.ConversationState) (bool, error)
	GetConversationState(ctx context.Context, participantID, channelID string) (*models.ConversationState, error)
	// AdvanceConversationState writes state only if the stored step still equals fromStep.
	AdvanceConversationState(ctx context.Context, state *models.ConversationState, fromStep models.SlotStep) (bool, error)
	DeleteConversationState(ctx context.Context, participantID, channelID string) error
}

// TopicRepo persists broadcastable topics and their usage statistics.
type TopicRepo interface {
	UpsertTopic(ctx context.Context, t *models.Topic) (bool, error)
	GetTopic(ctx context.Context, id string) (*models.Topic, error)
	// ListTopics returns all topics, or only those in category when it is non-empty.
	ListTopics(ctx context.Context, category string) ([]models.Topic, error)
	ListTopicCandidates(ctx context.Context, category string, usedBefore time.Time) ([]models.Topic, error)
	ListLeastRecentlyUsedTopics(ctx context.Context, category string, limit int) ([]models.Topic, error)
	CountTopics(ctx context.Context, category string) (int, error)
	ListTopicCategories(ctx context.Context) ([]string, error)
	MarkTopicUsed(ctx context.Context, id string, at time.Time) error
}

// HistoryRepo persists mined conversations and member questions.
type HistoryRepo interface {
	SaveConversation(ctx context.Context, c *models.Conversation) (bool, error)
	ListUnusedConversations(ctx context.Context, limit int) ([]models.Conversation, error)
	MarkConversationUsed(ctx context.Context, id string) error
	SaveQuestion(ctx context.Context, q *models.Question) error
	CountQuestionsSince(ctx context.Context, since time.Time) (map[string]int, error)
}

// Store is the full persistence surface used by the application.
type Store interface {
	WorkflowRepo
	ConversationRepo
	TopicRepo
	HistoryRepo
	DedupRepo
	JobRepo
	OutboxRepo
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
	// Driver is "sqlite3" or "postgres"; inferred from the DSN when empty.
	Driver string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN selects the SQLite backend with the given database path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "sqlite3"
	}
}

// WithPostgresDSN selects the PostgreSQL backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "postgres"
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open builds the store selected by opts.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DetectDSNType(cfg.DSN)
	}
	switch driver {
	case "postgres":
		return NewPostgresStore(opts...)
	case "sqlite3":
		return NewSQLiteStore(opts...)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
