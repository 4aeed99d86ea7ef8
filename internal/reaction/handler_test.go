package reaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/store"
	"github.com/BTreeMap/HuddlePipe/internal/workflow"
)

type fakeContacts struct {
	fail map[string]bool
}

func (f fakeContacts) ResolveContact(_ context.Context, participantID string) (string, error) {
	if f.fail[participantID] {
		return "", errors.New("users.info: ratelimited")
	}
	return participantID + "@example.com", nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	proposals []string
	err       error
}

func (f *fakeNotifier) NotifyProposal(_ context.Context, wf *models.Workflow, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.proposals = append(f.proposals, wf.ID)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.proposals)
}

func setup(t *testing.T, opts ...HandlerOption) (*Handler, *workflow.Tracker, *fakeNotifier, string) {
	t.Helper()
	tr := workflow.NewTracker(store.NewInMemoryStore())
	id, err := tr.Create(context.Background(), "C1:100.1", "C1", "topic-1")
	require.NoError(t, err)
	n := &fakeNotifier{}
	return NewHandler(tr, fakeContacts{}, n, opts...), tr, n, id
}

func react(user, kind string) Event {
	return Event{MessageID: "C1:100.1", ParticipantID: user, ReactionKind: kind, ChannelID: "C1"}
}

func TestHandleDropsMalformedAndUntracked(t *testing.T) {
	ctx := context.Background()
	h, _, _, _ := setup(t)

	res, err := h.Handle(ctx, Event{MessageID: "C1:100.1", ReactionKind: "+1"})
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res)

	res, err = h.Handle(ctx, Event{MessageID: "C1:999.9", ParticipantID: "U1", ReactionKind: "+1"})
	require.NoError(t, err)
	assert.Equal(t, ResultUntracked, res)
}

func TestThresholdProposesOnce(t *testing.T) {
	ctx := context.Background()
	h, tr, n, id := setup(t)

	res, err := h.Handle(ctx, react("U1", "+1"))
	require.NoError(t, err)
	assert.Equal(t, ResultRecorded, res)

	res, err = h.Handle(ctx, react("U2", "eyes"))
	require.NoError(t, err)
	assert.Equal(t, ResultRecorded, res)

	// Same participant again: still two distinct.
	res, err = h.Handle(ctx, react("U2", "tada"))
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)
	assert.Equal(t, 0, n.count())

	res, err = h.Handle(ctx, react("U3", "+1"))
	require.NoError(t, err)
	assert.Equal(t, ResultProposed, res)
	assert.Equal(t, 1, n.count())

	res, err = h.Handle(ctx, react("U4", "+1"))
	require.NoError(t, err)
	assert.Equal(t, ResultInactive, res)
	assert.Equal(t, 1, n.count())

	wf, err := tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusScheduling, wf.Status)
	assert.Len(t, wf.Reactions, 4)
}

func TestConcurrentReactionsProposeExactlyOnce(t *testing.T) {
	ctx := context.Background()
	h, tr, n, id := setup(t)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.Handle(ctx, react(fmt.Sprintf("U%02d", i), "+1"))
			assert.NoError(t, err)
			// Redelivery of the same event.
			_, err = h.Handle(ctx, react(fmt.Sprintf("U%02d", i), "+1"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, n.count())
	wf, err := tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 25, wf.DistinctParticipants())
}

func TestContactFailureRecordsEmptyContact(t *testing.T) {
	ctx := context.Background()
	tr := workflow.NewTracker(store.NewInMemoryStore())
	id, err := tr.Create(ctx, "C1:100.1", "C1", "")
	require.NoError(t, err)
	h := NewHandler(tr, fakeContacts{fail: map[string]bool{"U1": true}}, &fakeNotifier{})

	res, err := h.Handle(ctx, react("U1", "+1"))
	require.NoError(t, err)
	assert.Equal(t, ResultRecorded, res)

	wf, err := tr.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, wf.Reactions, 1)
	assert.Empty(t, wf.Reactions[0].ParticipantContact)
}

// flakyTracker fails the first advance to simulate a crash after recording.
type flakyTracker struct {
	*workflow.Tracker
	failed bool
}

func (f *flakyTracker) AdvanceToScheduling(ctx context.Context, id string) (bool, error) {
	if !f.failed {
		f.failed = true
		return false, errors.New("connection reset")
	}
	return f.Tracker.AdvanceToScheduling(ctx, id)
}

func TestRedeliveryHealsFailedAdvance(t *testing.T) {
	ctx := context.Background()
	tr := workflow.NewTracker(store.NewInMemoryStore())
	id, err := tr.Create(ctx, "C1:100.1", "C1", "")
	require.NoError(t, err)
	n := &fakeNotifier{}
	h := NewHandler(&flakyTracker{Tracker: tr}, fakeContacts{}, n, WithThreshold(2))

	_, err = h.Handle(ctx, react("U1", "+1"))
	require.NoError(t, err)
	_, err = h.Handle(ctx, react("U2", "+1"))
	require.Error(t, err)
	assert.Equal(t, 0, n.count())

	res, err := h.Handle(ctx, react("U2", "+1"))
	require.NoError(t, err)
	assert.Equal(t, ResultProposed, res)
	assert.Equal(t, 1, n.count())

	wf, err := tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusScheduling, wf.Status)
}

func TestBotReactionsIgnored(t *testing.T) {
	ctx := context.Background()
	h, tr, _, id := setup(t, WithBotUserID("UBOT"))

	res, err := h.Handle(ctx, react("UBOT", "+1"))
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res)

	wf, err := tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, wf.Reactions)
}

func TestNotifierErrorIsReturned(t *testing.T) {
	ctx := context.Background()
	h, _, n, _ := setup(t, WithThreshold(1))
	n.err = errors.New("outbox unavailable")

	_, err := h.Handle(ctx, react("U1", "+1"))
	assert.Error(t, err)
}
