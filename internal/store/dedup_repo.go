package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound event deduplication record.
type DedupRecord struct {
	MessageID     string     `json:"message_id"`
	ParticipantID string     `json:"participant_id"`
	ReceivedAt    time.Time  `json:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
}

// DedupRepo remembers inbound chat event ids. Only events whose handling
// finished are treated as duplicates, so a redelivery after a failure is
// handled again.
type DedupRepo interface {
	// IsDuplicate reports whether the event id has already been processed.
	IsDuplicate(ctx context.Context, eventID string) (bool, error)

	// RecordInbound records receipt of the event id. Returns false if it was already recorded.
	RecordInbound(ctx context.Context, eventID, participantID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for an event.
	MarkProcessed(ctx context.Context, eventID string) error
}
