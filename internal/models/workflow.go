package models

import (
	"slices"
	"strings"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusCollecting WorkflowStatus = "collecting_reactions"
	WorkflowStatusScheduling WorkflowStatus = "scheduling"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
	WorkflowStatusCancelled  WorkflowStatus = "cancelled"
)

// workflowTransitions lists the only legal status edges.
var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowStatusCollecting: {WorkflowStatusScheduling, WorkflowStatusCancelled},
	WorkflowStatusScheduling: {WorkflowStatusCompleted, WorkflowStatusCancelled},
}

// IsTerminal reports whether no further transition is possible from s.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusCancelled
}

// IsValid reports whether s is a known status.
func (s WorkflowStatus) IsValid() bool {
	switch s {
	case WorkflowStatusCollecting, WorkflowStatusScheduling, WorkflowStatusCompleted, WorkflowStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	return slices.Contains(workflowTransitions[s], next)
}

// TransitionSources returns every status that may legally move to target.
func TransitionSources(target WorkflowStatus) []WorkflowStatus {
	var from []WorkflowStatus
	for _, s := range []WorkflowStatus{WorkflowStatusCollecting, WorkflowStatusScheduling} {
		if s.CanTransitionTo(target) {
			from = append(from, s)
		}
	}
	return from
}

// ActiveWorkflowStatuses are the non-terminal statuses.
var ActiveWorkflowStatuses = []WorkflowStatus{WorkflowStatusCollecting, WorkflowStatusScheduling}

// FieldKey names a collected workflow field.
type FieldKey string

const (
	FieldTitle       FieldKey = "title"
	FieldDateTime    FieldKey = "datetime"
	FieldDuration    FieldKey = "duration"
	FieldLocation    FieldKey = "location"
	FieldDescription FieldKey = "description"
)

// RequiredFields must all be present before a workflow can be materialized.
var RequiredFields = []FieldKey{FieldTitle, FieldDateTime, FieldDuration, FieldLocation}

// Reaction is one participant's reaction to a broadcast message.
type Reaction struct {
	ParticipantID      string    `json:"participant_id"`
	ParticipantContact string    `json:"participant_contact,omitempty"`
	ReactionKind       string    `json:"reaction_kind"`
	RecordedAt         time.Time `json:"recorded_at"`
}

// Workflow tracks one broadcast topic through reactions, scheduling and calendar creation.
type Workflow struct {
	ID                   string              `json:"workflow_id"`
	SourceMessageID      string              `json:"source_message_id"`
	ChannelID            string              `json:"channel_id"`
	TopicID              string              `json:"topic_id,omitempty"`
	Status               WorkflowStatus      `json:"status"`
	Reactions            []Reaction          `json:"reactions"`
	CollectedFields      map[FieldKey]string `json:"collected_fields,omitempty"`
	CalendarEventID      string              `json:"calendar_event_id,omitempty"`
	CalendarEventURL     string              `json:"calendar_event_url,omitempty"`
	Version              int64               `json:"version"`
	EngagementRecordedAt *time.Time          `json:"engagement_recorded_at,omitempty"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

// MissingFields returns the required fields not yet collected, in canonical order.
func (w *Workflow) MissingFields() []FieldKey {
	var missing []FieldKey
	for _, k := range RequiredFields {
		if w.CollectedFields[k] == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

// DistinctParticipants returns the number of distinct reacting participants.
func (w *Workflow) DistinctParticipants() int {
	seen := make(map[string]struct{}, len(w.Reactions))
	for _, r := range w.Reactions {
		seen[r.ParticipantID] = struct{}{}
	}
	return len(seen)
}

// CalendarEventRef identifies an event created by the calendar provider.
type CalendarEventRef struct {
	EventID  string `json:"event_id"`
	ShareURL string `json:"share_url,omitempty"`
}

// SourceMessageID builds the "<channel>:<ts>" key of a broadcast message.
func SourceMessageID(channelID, ts string) string {
	return channelID + ":" + ts
}

// ParseSourceMessageID splits a key built by SourceMessageID.
func ParseSourceMessageID(id string) (channelID, ts string, ok bool) {
	channelID, ts, ok = strings.Cut(id, ":")
	if !ok || channelID == "" || ts == "" {
		return "", "", false
	}
	return channelID, ts, true
}
