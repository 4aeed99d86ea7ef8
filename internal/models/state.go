package models

import "time"

// ConversationState is one active slot-filling dialogue, keyed by participant and channel.
type ConversationState struct {
	ParticipantID string              `json:"participant_id"`
	ChannelID     string              `json:"channel_id"`
	WorkflowID    string              `json:"workflow_id"`
	ThreadID      string              `json:"thread_id,omitempty"`
	PendingStep   SlotStep            `json:"pending_step"`
	CollectedData map[FieldKey]string `json:"collected_data,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate collected data without aliasing.
func (c *ConversationState) Clone() *ConversationState {
	if c == nil {
		return nil
	}
	cp := *c
	cp.CollectedData = make(map[FieldKey]string, len(c.CollectedData))
	for k, v := range c.CollectedData {
		cp.CollectedData[k] = v
	}
	return &cp
}
