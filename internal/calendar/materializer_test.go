package calendar

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/store"
	"github.com/BTreeMap/HuddlePipe/internal/workflow"
)

type fakeProvider struct {
	mu       sync.Mutex
	requests []EventRequest
	err      error
}

func (p *fakeProvider) CreateEvent(_ context.Context, req EventRequest) (*models.CalendarEventRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	id := EventID(req.IdempotencyKey)
	return &models.CalendarEventRef{EventID: id, ShareURL: "https://calendar.example/" + id}, nil
}

type recordingNotifier struct {
	created    []string
	attendees  []string
	engagement []string
}

func (n *recordingNotifier) NotifyCalendarCreated(_ context.Context, wf *models.Workflow, _ *models.CalendarEventRef, attendees []string) error {
	n.created = append(n.created, wf.ID)
	n.attendees = attendees
	return nil
}

func (n *recordingNotifier) ScheduleEngagement(_ context.Context, id string) error {
	n.engagement = append(n.engagement, id)
	return nil
}

type fixture struct {
	tracker  *workflow.Tracker
	provider *fakeProvider
	notifier *recordingNotifier
	m        *Materializer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tr := workflow.NewTracker(store.NewInMemoryStore())
	p := &fakeProvider{}
	n := &recordingNotifier{}
	m := NewMaterializer(tr, p, WithNotifier(n), WithEngagementScheduler(n), WithReactionKinds(models.DefaultReactionKinds()))
	return &fixture{tracker: tr, provider: p, notifier: n, m: m}
}

func (f *fixture) scheduledWorkflow(t *testing.T, fields map[models.FieldKey]string) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.tracker.Create(ctx, "C1:1733371200.000100", "C1", "topic-docker")
	require.NoError(t, err)
	for _, r := range []struct{ user, kind string }{
		{"U1", "+1"}, {"U2", "raised_hand"}, {"U3", "tada"}, {"U4", "eyes"},
	} {
		_, err := f.tracker.RecordReaction(ctx, id, r.user, r.user+"@example.com", r.kind)
		require.NoError(t, err)
	}
	ok, err := f.tracker.AdvanceToScheduling(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	if fields != nil {
		require.NoError(t, f.tracker.MergeFields(ctx, id, fields))
	}
	return id
}

func dockerFields() map[models.FieldKey]string {
	return map[models.FieldKey]string{
		models.FieldTitle:       "Docker study session",
		models.FieldDateTime:    "2025-12-05T14:00:00+09:00",
		models.FieldDuration:    "120",
		models.FieldLocation:    "https://meet.example.com/docker",
		models.FieldDescription: "",
	}
}

func TestMaterializeDockerStudySession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.scheduledWorkflow(t, dockerFields())

	ref, err := f.m.Materialize(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, EventID(id), ref.EventID)

	require.Len(t, f.provider.requests, 1)
	req := f.provider.requests[0]
	jst := time.FixedZone("JST", 9*3600)
	assert.True(t, req.Start.Equal(time.Date(2025, 12, 5, 14, 0, 0, 0, jst)))
	assert.True(t, req.End.Equal(time.Date(2025, 12, 5, 16, 0, 0, 0, jst)))
	assert.Equal(t, "Docker study session", req.Title)
	assert.Equal(t, "https://meet.example.com/docker", req.Location)
	assert.Equal(t, id, req.IdempotencyKey)
	// The observing reactor counts toward the threshold but is not invited.
	assert.Equal(t, []string{"U1@example.com", "U2@example.com", "U3@example.com"}, req.Attendees)

	wf, err := f.tracker.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, wf.Status)
	assert.Equal(t, ref.EventID, wf.CalendarEventID)
	assert.Equal(t, ref.ShareURL, wf.CalendarEventURL)

	assert.Equal(t, []string{id}, f.notifier.created)
	assert.Equal(t, []string{id}, f.notifier.engagement)
	assert.Len(t, f.notifier.attendees, 3)
}

func TestMaterializeRequiresScheduling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.scheduledWorkflow(t, dockerFields())
	_, err := f.m.Materialize(ctx, id)
	require.NoError(t, err)

	_, err = f.m.Materialize(ctx, id)
	assert.ErrorIs(t, err, models.ErrInvalidState)
	assert.Len(t, f.provider.requests, 1)
}

func TestMaterializeIncomplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.scheduledWorkflow(t, map[models.FieldKey]string{models.FieldTitle: "Half done"})

	_, err := f.m.Materialize(ctx, id)
	assert.ErrorIs(t, err, models.ErrIncompleteWorkflow)
	assert.Empty(t, f.provider.requests)

	bad := dockerFields()
	bad[models.FieldDuration] = "two hours"
	require.NoError(t, f.tracker.MergeFields(ctx, id, bad))
	_, err = f.m.Materialize(ctx, id)
	assert.ErrorIs(t, err, models.ErrIncompleteWorkflow)
}

func TestBuildEventRequestBoundsDuration(t *testing.T) {
	for _, tt := range []struct {
		duration string
		wantErr  bool
	}{
		{"1440", false},
		{"1441", true},
		{"0", true},
		{"-30", true},
		{"9223372036854775807", true},
		{"2562047", true},
	} {
		t.Run(tt.duration, func(t *testing.T) {
			fields := dockerFields()
			fields[models.FieldDuration] = tt.duration
			wf := &models.Workflow{ID: "wf-bounds", Status: models.WorkflowStatusScheduling, CollectedFields: fields}

			req, err := BuildEventRequest(wf, models.DefaultReactionKinds())
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrIncompleteWorkflow)
				return
			}
			require.NoError(t, err)
			assert.True(t, req.End.After(req.Start))
			assert.Equal(t, 24*time.Hour, req.End.Sub(req.Start))
		})
	}
}

func TestMaterializeProviderFailureLeavesWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.provider.err = errors.New("503 backend error")
	id := f.scheduledWorkflow(t, dockerFields())

	_, err := f.m.Materialize(ctx, id)
	require.Error(t, err)
	var ext *models.ExternalDependencyError
	assert.True(t, errors.As(err, &ext))

	wf, err := f.tracker.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusScheduling, wf.Status)
	assert.Empty(t, wf.CalendarEventID)
	assert.Empty(t, f.notifier.created)
}

func TestHandleJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.scheduledWorkflow(t, dockerFields())

	f.provider.err = errors.New("timeout")
	assert.Error(t, f.m.HandleJob(ctx, id))

	f.provider.err = nil
	assert.NoError(t, f.m.HandleJob(ctx, id))
	// Already completed: the job finishes quietly.
	assert.NoError(t, f.m.HandleJob(ctx, id))
	assert.NoError(t, f.m.HandleJob(ctx, "missing"))
}

func TestAttendeesDeduplicatesContacts(t *testing.T) {
	wf := &models.Workflow{Reactions: []models.Reaction{
		{ParticipantID: "U1", ParticipantContact: "a@example.com", ReactionKind: "+1"},
		{ParticipantID: "U2", ParticipantContact: "A@example.com", ReactionKind: "+1"},
		{ParticipantID: "U3", ParticipantContact: "", ReactionKind: "+1"},
		{ParticipantID: "U4", ParticipantContact: "d@example.com", ReactionKind: "eyes"},
		{ParticipantID: "U5", ParticipantContact: "e@example.com", ReactionKind: "custom_party"},
	}}
	assert.Equal(t, []string{"a@example.com", "e@example.com"}, Attendees(wf, models.DefaultReactionKinds()))
}

type fakeAvailability struct{ busy []string }

func (a fakeAvailability) BusyAttendees(_ context.Context, attendees []string, _, _ time.Time) ([]string, error) {
	return a.busy, nil
}

func TestConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.scheduledWorkflow(t, nil)
	wf, err := f.tracker.Get(ctx, id)
	require.NoError(t, err)

	busy, err := f.m.Conflicts(ctx, wf, time.Now(), 60)
	require.NoError(t, err)
	assert.Nil(t, busy)

	m := NewMaterializer(f.tracker, f.provider, WithAvailability(fakeAvailability{busy: []string{"U2@example.com"}}))
	busy, err = m.Conflicts(ctx, wf, time.Now(), 60)
	require.NoError(t, err)
	assert.Equal(t, []string{"U2@example.com"}, busy)
}
