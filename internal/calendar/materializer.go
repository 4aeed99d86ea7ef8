// Package calendar turns a fully scheduled workflow into a calendar event and
// completes the workflow once the provider has accepted it.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/timeparse"
)

// EventRequest is everything a provider needs to create one event.
type EventRequest struct {
	Title       string
	Start       time.Time
	End         time.Time
	Location    string
	Description string
	Attendees   []string
	// IdempotencyKey is stable per workflow; providers derive the event id from it.
	IdempotencyKey string
}

// Provider creates calendar events.
type Provider interface {
	CreateEvent(ctx context.Context, req EventRequest) (*models.CalendarEventRef, error)
}

// AvailabilityProvider reports which attendees are busy in a time range.
type AvailabilityProvider interface {
	BusyAttendees(ctx context.Context, attendees []string, start, end time.Time) ([]string, error)
}

// WorkflowTracker is the part of the tracker the materializer needs.
type WorkflowTracker interface {
	Get(ctx context.Context, id string) (*models.Workflow, error)
	Complete(ctx context.Context, id, eventID, eventURL string) error
}

// Notifier announces a created event in the workflow thread.
type Notifier interface {
	NotifyCalendarCreated(ctx context.Context, wf *models.Workflow, ref *models.CalendarEventRef, attendees []string) error
}

// EngagementScheduler enqueues engagement measurement for a finished workflow.
type EngagementScheduler interface {
	ScheduleEngagement(ctx context.Context, workflowID string) error
}

// Materializer creates the calendar event for a workflow in scheduling.
type Materializer struct {
	tracker    WorkflowTracker
	provider   Provider
	kinds      models.ReactionKinds
	notifier   Notifier
	engagement EngagementScheduler
	avail      AvailabilityProvider
}

// MaterializerOption configures a Materializer.
type MaterializerOption func(*Materializer)

// WithReactionKinds sets the mapping that decides who is invited.
func WithReactionKinds(k models.ReactionKinds) MaterializerOption {
	return func(m *Materializer) { m.kinds = k }
}

// WithNotifier posts a completion message after each created event.
func WithNotifier(n Notifier) MaterializerOption {
	return func(m *Materializer) { m.notifier = n }
}

// WithEngagementScheduler enqueues engagement measurement after completion.
func WithEngagementScheduler(s EngagementScheduler) MaterializerOption {
	return func(m *Materializer) { m.engagement = s }
}

// WithAvailability enables Conflicts.
func WithAvailability(a AvailabilityProvider) MaterializerOption {
	return func(m *Materializer) { m.avail = a }
}

// NewMaterializer creates a Materializer.
func NewMaterializer(tracker WorkflowTracker, provider Provider, opts ...MaterializerOption) *Materializer {
	m := &Materializer{tracker: tracker, provider: provider, kinds: models.DefaultReactionKinds()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Materialize creates the event and completes the workflow.
//
// It returns ErrInvalidState unless the workflow is in scheduling, ErrIncompleteWorkflow when
// a required field is missing or unreadable, and an ExternalDependencyError when the provider
// fails. A provider failure changes nothing in the store.
func (m *Materializer) Materialize(ctx context.Context, workflowID string) (*models.CalendarEventRef, error) {
	wf, err := m.tracker.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != models.WorkflowStatusScheduling {
		return nil, fmt.Errorf("materialize %s workflow %s: %w", wf.Status, workflowID, models.ErrInvalidState)
	}

	req, err := BuildEventRequest(wf, m.kinds)
	if err != nil {
		return nil, err
	}

	ref, err := m.provider.CreateEvent(ctx, req)
	if err != nil {
		slog.Error("Materializer.Materialize: provider failed", "error", err, "workflowID", workflowID)
		if errors.Is(err, models.ErrExternalDependency) {
			return nil, err
		}
		return nil, models.NewExternalError("calendar", "create event", err)
	}
	if ref == nil || ref.EventID == "" {
		return nil, models.NewExternalError("calendar", "create event", errors.New("provider returned no event id"))
	}

	if err := m.tracker.Complete(ctx, workflowID, ref.EventID, ref.ShareURL); err != nil {
		slog.Error("Materializer.Materialize: completing workflow failed", "error", err, "workflowID", workflowID, "eventID", ref.EventID)
		return nil, err
	}
	slog.Info("Materializer.Materialize: event created", "workflowID", workflowID, "eventID", ref.EventID, "attendees", len(req.Attendees))

	wf.Status = models.WorkflowStatusCompleted
	wf.CalendarEventID = ref.EventID
	wf.CalendarEventURL = ref.ShareURL
	if m.notifier != nil {
		if err := m.notifier.NotifyCalendarCreated(ctx, wf, ref, req.Attendees); err != nil {
			slog.Error("Materializer.Materialize: completion notice failed", "error", err, "workflowID", workflowID)
		}
	}
	if m.engagement != nil {
		if err := m.engagement.ScheduleEngagement(ctx, workflowID); err != nil {
			slog.Error("Materializer.Materialize: engagement scheduling failed", "error", err, "workflowID", workflowID)
		}
	}
	return ref, nil
}

// HandleJob runs a durable materialize_workflow retry. Workflows that are already
// finalized or cannot ever be materialized complete the job; external failures
// are returned so the runner backs off.
func (m *Materializer) HandleJob(ctx context.Context, workflowID string) error {
	_, err := m.Materialize(ctx, workflowID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrNotFound):
		slog.Info("Materializer.HandleJob: nothing to do", "workflowID", workflowID, "reason", err)
		return nil
	case errors.Is(err, models.ErrIncompleteWorkflow):
		slog.Error("Materializer.HandleJob: workflow cannot be materialized", "error", err, "workflowID", workflowID)
		return nil
	}
	return err
}

// Conflicts reports invited attendees who are busy during the proposed slot.
func (m *Materializer) Conflicts(ctx context.Context, wf *models.Workflow, start time.Time, minutes int) ([]string, error) {
	if m.avail == nil {
		return nil, nil
	}
	attendees := Attendees(wf, m.kinds)
	if len(attendees) == 0 {
		return nil, nil
	}
	busy, err := m.avail.BusyAttendees(ctx, attendees, start, start.Add(time.Duration(minutes)*time.Minute))
	if err != nil {
		return nil, models.NewExternalError("calendar", "freebusy", err)
	}
	return busy, nil
}

// BuildEventRequest validates the collected fields of wf and assembles the provider request.
func BuildEventRequest(wf *models.Workflow, kinds models.ReactionKinds) (EventRequest, error) {
	if missing := wf.MissingFields(); len(missing) > 0 {
		return EventRequest{}, fmt.Errorf("workflow %s missing %v: %w", wf.ID, missing, models.ErrIncompleteWorkflow)
	}
	start, err := time.Parse(time.RFC3339, wf.CollectedFields[models.FieldDateTime])
	if err != nil {
		return EventRequest{}, fmt.Errorf("workflow %s datetime %q: %w", wf.ID, wf.CollectedFields[models.FieldDateTime], models.ErrIncompleteWorkflow)
	}
	minutes, err := strconv.Atoi(wf.CollectedFields[models.FieldDuration])
	if err != nil || minutes <= 0 || minutes > timeparse.MaxDurationMinutes {
		return EventRequest{}, fmt.Errorf("workflow %s duration %q: %w", wf.ID, wf.CollectedFields[models.FieldDuration], models.ErrIncompleteWorkflow)
	}
	end := start.Add(time.Duration(minutes) * time.Minute)
	if !end.After(start) {
		return EventRequest{}, fmt.Errorf("workflow %s ends at %s before it starts: %w", wf.ID, end.Format(time.RFC3339), models.ErrIncompleteWorkflow)
	}
	return EventRequest{
		Title:          strings.TrimSpace(wf.CollectedFields[models.FieldTitle]),
		Start:          start,
		End:            end,
		Location:       wf.CollectedFields[models.FieldLocation],
		Description:    wf.CollectedFields[models.FieldDescription],
		Attendees:      Attendees(wf, kinds),
		IdempotencyKey: wf.ID,
	}, nil
}

// Attendees returns the contacts of participating reactors, de-duplicated in reaction order.
func Attendees(wf *models.Workflow, kinds models.ReactionKinds) []string {
	seen := make(map[string]struct{}, len(wf.Reactions))
	var out []string
	for _, r := range wf.Reactions {
		contact := strings.TrimSpace(r.ParticipantContact)
		if contact == "" || !kinds.IsParticipating(r.ReactionKind) {
			continue
		}
		key := strings.ToLower(contact)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, contact)
	}
	return out
}
