package flow

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
	"github.com/BTreeMap/HuddlePipe/internal/timeparse"
	"github.com/BTreeMap/HuddlePipe/internal/workflow"
)

type prompt struct {
	step models.SlotStep
	note string
}

type fakeResponder struct {
	mu      sync.Mutex
	prompts []prompt
	replies []string
}

func (r *fakeResponder) Prompt(_ context.Context, _, _ string, step models.SlotStep, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, prompt{step, note})
	return nil
}

func (r *fakeResponder) Reply(_ context.Context, _, _, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
	return nil
}

func (r *fakeResponder) lastPrompt() prompt {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.prompts) == 0 {
		return prompt{}
	}
	return r.prompts[len(r.prompts)-1]
}

type fakeMaterializer struct {
	tracker *workflow.Tracker
	err     error
	calls   int
}

func (m *fakeMaterializer) Materialize(ctx context.Context, id string) (*models.CalendarEventRef, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if err := m.tracker.Complete(ctx, id, "evt-"+id, ""); err != nil {
		return nil, err
	}
	return &models.CalendarEventRef{EventID: "evt-" + id}, nil
}

type fakeAvailability struct {
	busy []string
}

func (a fakeAvailability) Conflicts(context.Context, *models.Workflow, time.Time, int) ([]string, error) {
	return a.busy, nil
}

type harness struct {
	st        *store.InMemoryStore
	tracker   *workflow.Tracker
	filler    *SlotFiller
	responder *fakeResponder
	mat       *fakeMaterializer
	wfID      string
}

const (
	channel = "C0GENERAL"
	thread  = "1733371200.000100"
)

func newHarness(t *testing.T, opts ...SlotFillerOption) *harness {
	t.Helper()
	ctx := context.Background()
	st := store.NewInMemoryStore()
	tr := workflow.NewTracker(st)
	id, err := tr.Create(ctx, models.SourceMessageID(channel, thread), channel, "topic-docker")
	require.NoError(t, err)
	ok, err := tr.AdvanceToScheduling(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	tokyo := timeparse.LoadLocation("Asia/Tokyo")
	now := time.Date(2025, 11, 20, 10, 0, 0, 0, tokyo)
	resp := &fakeResponder{}
	mat := &fakeMaterializer{tracker: tr}
	opts = append([]SlotFillerOption{WithLocation(tokyo), WithClock(func() time.Time { return now })}, opts...)
	f := NewSlotFiller(NewStateManager(st), tr, mat, NewJobScheduler(st), resp, opts...)
	return &harness{st: st, tracker: tr, filler: f, responder: resp, mat: mat, wfID: id}
}

func (h *harness) say(t *testing.T, user, text string) (Outcome, error) {
	t.Helper()
	return h.filler.HandleMessage(context.Background(), Message{ChannelID: channel, ParticipantID: user, Text: text, ThreadID: thread})
}

func TestDockerStudySessionDialogue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	out, err := h.filler.Start(ctx, "U1", channel, h.wfID, thread)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, out)
	assert.Equal(t, models.StepTitle, h.responder.lastPrompt().step)

	for _, answer := range []string{"Docker study session", "12/5 14:00", "2 hours", "https://meet.example.com/docker"} {
		out, err = h.say(t, "U1", answer)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAdvanced, out, answer)
	}
	assert.Equal(t, models.StepDescription, h.responder.lastPrompt().step)

	out, err = h.say(t, "U1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out)

	wf, err := h.tracker.Get(ctx, h.wfID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, wf.Status)
	assert.Equal(t, "Docker study session", wf.CollectedFields[models.FieldTitle])
	assert.Equal(t, "2025-12-05T14:00:00+09:00", wf.CollectedFields[models.FieldDateTime])
	assert.Equal(t, "120", wf.CollectedFields[models.FieldDuration])
	assert.Equal(t, "https://meet.example.com/docker", wf.CollectedFields[models.FieldLocation])
	desc, ok := wf.CollectedFields[models.FieldDescription]
	assert.True(t, ok)
	assert.Empty(t, desc)

	state, err := h.st.GetConversationState(ctx, "U1", channel)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestReplyInSchedulingThreadOpensDialogue(t *testing.T) {
	h := newHarness(t)

	out, err := h.say(t, "U2", "Kubernetes night")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdvanced, out)

	state, err := h.st.GetConversationState(context.Background(), "U2", channel)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, models.StepDateTime, state.PendingStep)
	assert.Equal(t, "Kubernetes night", state.CollectedData[models.FieldTitle])
}

func TestMessagesOutsideDialogueAreNotHandled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	out, err := h.filler.HandleMessage(ctx, Message{ChannelID: channel, ParticipantID: "U1", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotHandled, out)

	out, err = h.filler.HandleMessage(ctx, Message{ChannelID: channel, ParticipantID: "U1", Text: "hello", ThreadID: "999.000"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotHandled, out)

	out, err = h.say(t, "U1", "キャンセル")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotHandled, out)
}

func TestValidationRepromptsSameStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.filler.Start(ctx, "U1", channel, h.wfID, thread)
	require.NoError(t, err)
	_, err = h.say(t, "U1", "Go generics")
	require.NoError(t, err)

	out, err := h.say(t, "U1", "sometime next week")
	assert.Equal(t, OutcomeRejected, out)
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, models.FieldDateTime, verr.Field)
	assert.True(t, errors.Is(err, models.ErrValidation))
	assert.Equal(t, models.StepDateTime, h.responder.lastPrompt().step)
	assert.NotEmpty(t, h.responder.lastPrompt().note)

	state, err := h.st.GetConversationState(ctx, "U1", channel)
	require.NoError(t, err)
	assert.Equal(t, models.StepDateTime, state.PendingStep)
	assert.Equal(t, map[models.FieldKey]string{models.FieldTitle: "Go generics"}, state.CollectedData)

	_, err = h.say(t, "U1", "12/5 14:00")
	require.NoError(t, err)
	out, err = h.say(t, "U1", "0")
	assert.Equal(t, OutcomeRejected, out)
	assert.Error(t, err)

	out, err = h.say(t, "U1", "100000000000時間")
	assert.Equal(t, OutcomeRejected, out)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, models.FieldDuration, verr.Field)
	assert.Contains(t, verr.Message, "24時間")
	state, err = h.st.GetConversationState(ctx, "U1", channel)
	require.NoError(t, err)
	assert.Equal(t, models.StepDuration, state.PendingStep)

	_, err = h.say(t, "U1", "24時間")
	require.NoError(t, err)
	state, err = h.st.GetConversationState(ctx, "U1", channel)
	require.NoError(t, err)
	assert.Equal(t, "1440", state.CollectedData[models.FieldDuration])
}

func TestTitleLengthLimit(t *testing.T) {
	h := newHarness(t)
	long := make([]rune, MaxTitleLength+1)
	for i := range long {
		long[i] = 'あ'
	}
	out, err := h.say(t, "U1", string(long))
	assert.Equal(t, OutcomeRejected, out)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRedeliveredAnswerDoesNotAdvanceTwice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.filler.Start(ctx, "U1", channel, h.wfID, thread)
	require.NoError(t, err)

	// Two deliveries racing on the same stored step.
	state, err := h.st.GetConversationState(ctx, "U1", channel)
	require.NoError(t, err)
	out1, err := h.filler.answer(ctx, state.Clone(), "Rust meetup")
	require.NoError(t, err)
	out2, err := h.filler.answer(ctx, state.Clone(), "Rust meetup")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdvanced, out1)
	assert.Equal(t, OutcomeDuplicate, out2)

	state, err = h.st.GetConversationState(ctx, "U1", channel)
	require.NoError(t, err)
	assert.Equal(t, models.StepDateTime, state.PendingStep)
}

func TestCancelDeletesStateOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.filler.Start(ctx, "U1", channel, h.wfID, thread)
	require.NoError(t, err)

	out, err := h.say(t, "U1", "cancel")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, out)

	state, err := h.st.GetConversationState(ctx, "U1", channel)
	require.NoError(t, err)
	assert.Nil(t, state)

	wf, err := h.tracker.Get(ctx, h.wfID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusScheduling, wf.Status)
}

func TestStartRequiresScheduling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.tracker.Cancel(ctx, h.wfID)
	require.NoError(t, err)

	out, err := h.filler.Start(ctx, "U1", channel, h.wfID, thread)
	assert.Equal(t, OutcomeClosed, out)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestWorkflowClosedMidDialogue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.filler.Start(ctx, "U1", channel, h.wfID, thread)
	require.NoError(t, err)
	for _, a := range []string{"Lunch & learn", "12/5 12:00", "60", "Room 3"} {
		_, err := h.say(t, "U1", a)
		require.NoError(t, err)
	}
	_, err = h.tracker.Cancel(ctx, h.wfID)
	require.NoError(t, err)

	out, err := h.say(t, "U1", "skip")
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, out)
	assert.Equal(t, 0, h.mat.calls)

	state, err := h.st.GetConversationState(ctx, "U1", channel)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestExternalFailureSchedulesRetryJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mat.err = models.NewExternalError("google_calendar", "events.insert", errors.New("503"))

	_, err := h.filler.Start(ctx, "U1", channel, h.wfID, thread)
	require.NoError(t, err)
	for _, a := range []string{"Retro", "2025-12-05 17:00", "30分", "Zoom"} {
		_, err := h.say(t, "U1", a)
		require.NoError(t, err)
	}
	out, err := h.say(t, "U1", "なし")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, out)

	jobs := h.st.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobKindMaterializeWorkflow, jobs[0].Kind)
	assert.Equal(t, models.MaterializeDedupeKey(h.wfID), jobs[0].DedupeKey)

	wf, err := h.tracker.Get(ctx, h.wfID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusScheduling, wf.Status)
	assert.Equal(t, "Retro", wf.CollectedFields[models.FieldTitle])
}

func TestAnyMaterializeFailureSchedulesRetryJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mat.err = errors.New("complete workflow: database is locked")

	_, err := h.filler.Start(ctx, "U1", channel, h.wfID, thread)
	require.NoError(t, err)
	for _, a := range []string{"Retro", "2025-12-05 17:00", "30分", "Zoom"} {
		_, err := h.say(t, "U1", a)
		require.NoError(t, err)
	}
	out, err := h.say(t, "U1", "なし")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, out)

	jobs := h.st.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, models.MaterializeDedupeKey(h.wfID), jobs[0].DedupeKey)

	// A redelivered final answer must not open a fresh dialogue on the collected workflow.
	out, err = h.say(t, "U1", "なし")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotHandled, out)
	state, err := h.st.GetConversationState(ctx, "U1", channel)
	require.NoError(t, err)
	assert.Nil(t, state)

	wf, err := h.tracker.Get(ctx, h.wfID)
	require.NoError(t, err)
	assert.Equal(t, "Retro", wf.CollectedFields[models.FieldTitle])
	assert.Equal(t, 1, h.mat.calls)
}

func TestAvailabilityWarningAfterDuration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithAvailabilityChecker(fakeAvailability{busy: []string{"u2@example.com"}}))
	_, err := h.filler.Start(ctx, "U1", channel, h.wfID, thread)
	require.NoError(t, err)
	for _, a := range []string{"Design review", "12/5 14:00", "1時間"} {
		_, err := h.say(t, "U1", a)
		require.NoError(t, err)
	}
	last := h.responder.lastPrompt()
	assert.Equal(t, models.StepLocation, last.step)
	assert.Contains(t, last.note, "u2@example.com")
}

func TestSecondWorkflowWhileBusy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.filler.Start(ctx, "U1", channel, h.wfID, thread)
	require.NoError(t, err)

	other, err := h.tracker.Create(ctx, models.SourceMessageID(channel, "1733400000.000200"), channel, "")
	require.NoError(t, err)
	_, err = h.tracker.AdvanceToScheduling(ctx, other)
	require.NoError(t, err)

	out, err := h.filler.Start(ctx, "U1", channel, other, "1733400000.000200")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBusy, out)
}

func TestCommandHelpers(t *testing.T) {
	assert.True(t, IsCancelCommand(" Cancel "))
	assert.True(t, IsCancelCommand("キャンセル"))
	assert.False(t, IsCancelCommand("cancel the meeting"))
	for _, s := range []string{"", "skip", "None", "-", "なし", "スキップ"} {
		assert.True(t, IsSkipAnswer(s), s)
	}
	assert.False(t, IsSkipAnswer("bring laptops"))
}
