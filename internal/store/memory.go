package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/util"
)

// InMemoryStore is a process-local Store used by tests and by runs without a database.
// A single mutex makes every operation atomic, which gives it the same
// conditional-write semantics as the SQL backends.
type InMemoryStore struct {
	mu            sync.Mutex
	workflows     map[string]*models.Workflow
	states        map[[2]string]*models.ConversationState
	topics        map[string]*models.Topic
	conversations map[string]*models.Conversation
	questions     []models.Question
	dedup         map[string]*DedupRecord
	jobs          map[string]*Job
	outbox        map[string]*OutboxMessage
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore returns an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows:     make(map[string]*models.Workflow),
		states:        make(map[[2]string]*models.ConversationState),
		topics:        make(map[string]*models.Topic),
		conversations: make(map[string]*models.Conversation),
		dedup:         make(map[string]*DedupRecord),
		jobs:          make(map[string]*Job),
		outbox:        make(map[string]*OutboxMessage),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func copyWorkflow(wf *models.Workflow) *models.Workflow {
	c := *wf
	c.Reactions = slices.Clone(wf.Reactions)
	c.CollectedFields = make(map[models.FieldKey]string, len(wf.CollectedFields))
	for k, v := range wf.CollectedFields {
		c.CollectedFields[k] = v
	}
	if wf.EngagementRecordedAt != nil {
		t := *wf.EngagementRecordedAt
		c.EngagementRecordedAt = &t
	}
	return &c
}

func (s *InMemoryStore) CreateWorkflow(_ context.Context, wf *models.Workflow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wf.ID]; ok {
		return false, nil
	}
	for _, existing := range s.workflows {
		if existing.SourceMessageID == wf.SourceMessageID && !existing.Status.IsTerminal() && !wf.Status.IsTerminal() {
			return false, nil
		}
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = utcNow()
	}
	wf.UpdatedAt = wf.CreatedAt
	s.workflows[wf.ID] = copyWorkflow(wf)
	return true, nil
}

func (s *InMemoryStore) GetWorkflow(_ context.Context, id string) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, nil
	}
	return copyWorkflow(wf), nil
}

func (s *InMemoryStore) FindWorkflowBySourceMessage(_ context.Context, sourceMessageID string) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Workflow
	for _, wf := range s.workflows {
		if wf.SourceMessageID != sourceMessageID {
			continue
		}
		switch {
		case best == nil:
			best = wf
		case !wf.Status.IsTerminal() && best.Status.IsTerminal():
			best = wf
		case wf.Status.IsTerminal() == best.Status.IsTerminal() && wf.CreatedAt.After(best.CreatedAt):
			best = wf
		}
	}
	if best == nil {
		return nil, nil
	}
	return copyWorkflow(best), nil
}

func (s *InMemoryStore) UpsertReaction(_ context.Context, workflowID string, r models.Reaction) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return false, 0, fmt.Errorf("workflow %s: %w", workflowID, models.ErrNotFound)
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = utcNow()
	}
	wf.UpdatedAt = r.RecordedAt
	for i := range wf.Reactions {
		if wf.Reactions[i].ParticipantID != r.ParticipantID {
			continue
		}
		wf.Reactions[i].ReactionKind = r.ReactionKind
		wf.Reactions[i].RecordedAt = r.RecordedAt
		if r.ParticipantContact != "" {
			wf.Reactions[i].ParticipantContact = r.ParticipantContact
		}
		return false, len(wf.Reactions), nil
	}
	wf.Reactions = append(wf.Reactions, r)
	return true, len(wf.Reactions), nil
}

func (s *InMemoryStore) TransitionWorkflow(_ context.Context, id string, from []models.WorkflowStatus, to models.WorkflowStatus, eventID, eventURL string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok || !slices.Contains(from, wf.Status) {
		return false, nil
	}
	if (to == models.WorkflowStatusCompleted) != (eventID != "") {
		return false, fmt.Errorf("transition workflow %s to %s: calendar event id must be set exactly with completion", id, to)
	}
	wf.Status = to
	wf.CalendarEventID = eventID
	wf.CalendarEventURL = eventURL
	wf.Version++
	wf.UpdatedAt = utcNow()
	return true, nil
}

func (s *InMemoryStore) UpdateWorkflowFields(_ context.Context, id string, fields map[models.FieldKey]string, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok || wf.Version != expectedVersion || wf.Status.IsTerminal() {
		return false, nil
	}
	wf.CollectedFields = make(map[models.FieldKey]string, len(fields))
	for k, v := range fields {
		wf.CollectedFields[k] = v
	}
	wf.Version++
	wf.UpdatedAt = utcNow()
	return true, nil
}

func (s *InMemoryStore) ListWorkflows(_ context.Context, status models.WorkflowStatus, createdBefore time.Time, limit int) ([]models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Workflow
	for _, wf := range s.workflows {
		if wf.Status == status && wf.CreatedAt.Before(createdBefore) {
			out = append(out, *copyWorkflow(wf))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) RecordWorkflowEngagement(_ context.Context, workflowID, topicID string, reactions int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok || wf.EngagementRecordedAt != nil {
		return false, nil
	}
	at := utcNow()
	wf.EngagementRecordedAt = &at
	wf.UpdatedAt = at
	t, ok := s.topics[topicID]
	if !ok {
		return false, nil
	}
	t.TotalReactions += reactions
	t.EngagementSamples++
	t.AverageEngagement = float64(t.TotalReactions) / float64(t.EngagementSamples)
	return true, nil
}

func stateKey(participantID, channelID string) [2]string {
	return [2]string{participantID, channelID}
}

func (s *InMemoryStore) CreateConversationState(_ context.Context, state *models.ConversationState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateKey(state.ParticipantID, state.ChannelID)
	if _, ok := s.states[key]; ok {
		return false, nil
	}
	at := utcNow()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = at
	}
	state.UpdatedAt = at
	s.states[key] = state.Clone()
	return true, nil
}

func (s *InMemoryStore) GetConversationState(_ context.Context, participantID, channelID string) (*models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateKey(participantID, channelID)]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (s *InMemoryStore) AdvanceConversationState(_ context.Context, state *models.ConversationState, fromStep models.SlotStep) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateKey(state.ParticipantID, state.ChannelID)
	cur, ok := s.states[key]
	if !ok || cur.PendingStep != fromStep {
		return false, nil
	}
	state.UpdatedAt = utcNow()
	next := state.Clone()
	next.CreatedAt = cur.CreatedAt
	next.WorkflowID = cur.WorkflowID
	next.ThreadID = cur.ThreadID
	s.states[key] = next
	return true, nil
}

func (s *InMemoryStore) DeleteConversationState(_ context.Context, participantID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, stateKey(participantID, channelID))
	return nil
}

func (s *InMemoryStore) UpsertTopic(_ context.Context, t *models.Topic) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[t.ID]; ok {
		return false, nil
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = utcNow()
	}
	c := *t
	s.topics[t.ID] = &c
	return true, nil
}

func (s *InMemoryStore) GetTopic(_ context.Context, id string) (*models.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[id]
	if !ok {
		return nil, nil
	}
	c := *t
	return &c, nil
}

func (s *InMemoryStore) filterTopics(keep func(*models.Topic) bool) []models.Topic {
	var out []models.Topic
	for _, t := range s.topics {
		if keep(t) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *InMemoryStore) ListTopics(_ context.Context, category string) ([]models.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterTopics(func(t *models.Topic) bool { return category == "" || t.Category == category }), nil
}

func (s *InMemoryStore) ListTopicCandidates(_ context.Context, category string, usedBefore time.Time) ([]models.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterTopics(func(t *models.Topic) bool {
		return t.Category == category && (t.LastUsedAt == nil || t.LastUsedAt.Before(usedBefore))
	}), nil
}

func (s *InMemoryStore) ListLeastRecentlyUsedTopics(_ context.Context, category string, limit int) ([]models.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.filterTopics(func(t *models.Topic) bool { return t.Category == category })
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastUsedAt, out[j].LastUsedAt
		switch {
		case a == nil && b == nil:
			return false
		case a == nil:
			return true
		case b == nil:
			return false
		}
		return a.Before(*b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) CountTopics(_ context.Context, category string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filterTopics(func(t *models.Topic) bool { return category == "" || t.Category == category })), nil
}

func (s *InMemoryStore) ListTopicCategories(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, t := range s.topics {
		if _, ok := seen[t.Category]; !ok {
			seen[t.Category] = struct{}{}
			out = append(out, t.Category)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryStore) MarkTopicUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[id]
	if !ok {
		return fmt.Errorf("topic %s: %w", id, models.ErrNotFound)
	}
	at = at.UTC()
	t.UsageCount++
	t.LastUsedAt = &at
	return nil
}

func (s *InMemoryStore) SaveConversation(_ context.Context, c *models.Conversation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.conversations {
		if existing.ChannelID == c.ChannelID && existing.MessageTS == c.MessageTS {
			return false, nil
		}
	}
	if _, ok := s.conversations[c.ID]; ok {
		return false, nil
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = utcNow()
	}
	cc := *c
	cc.Keywords = slices.Clone(c.Keywords)
	cc.Participants = slices.Clone(c.Participants)
	s.conversations[c.ID] = &cc
	return true, nil
}

func (s *InMemoryStore) ListUnusedConversations(_ context.Context, limit int) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if !c.UsedForTopic {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReactionCount != out[j].ReactionCount {
			return out[i].ReactionCount > out[j].ReactionCount
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) MarkConversationUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
	}
	c.UsedForTopic = true
	return nil
}

func (s *InMemoryStore) SaveQuestion(_ context.Context, q *models.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.AskedAt.IsZero() {
		q.AskedAt = utcNow()
	}
	s.questions = append(s.questions, *q)
	return nil
}

func (s *InMemoryStore) CountQuestionsSince(_ context.Context, since time.Time) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, q := range s.questions {
		if !q.AskedAt.Before(since) {
			counts[q.UserID]++
		}
	}
	return counts, nil
}

func (s *InMemoryStore) IsDuplicate(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[eventID]
	return ok && rec.ProcessedAt != nil, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, eventID, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[eventID]; ok {
		return false, nil
	}
	s.dedup[eventID] = &DedupRecord{MessageID: eventID, ParticipantID: participantID, ReceivedAt: utcNow()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[eventID]; ok {
		at := utcNow()
		rec.ProcessedAt = &at
	}
	return nil
}

func (s *InMemoryStore) EnqueueJob(_ context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && (j.Status == JobStatusQueued || j.Status == JobStatusRunning) {
				return j.ID, nil
			}
		}
	}
	at := utcNow()
	j := &Job{
		ID:          util.GenerateRandomID("job_", 32),
		Kind:        kind,
		RunAt:       runAt.UTC(),
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultJobMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, 0, len(due))
	for _, j := range due {
		at := now.UTC()
		j.Status = JobStatusRunning
		j.LockedAt = &at
		j.UpdatedAt = at
		out = append(out, *j)
	}
	return out, nil
}

func (s *InMemoryStore) setJob(id string, mutate func(*Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		mutate(j)
		j.UpdatedAt = utcNow()
	}
}

func (s *InMemoryStore) CompleteJob(_ context.Context, id string) error {
	s.setJob(id, func(j *Job) { j.Status = JobStatusDone; j.LockedAt = nil })
	return nil
}

func (s *InMemoryStore) FailJob(_ context.Context, id string, errMsg string, nextRunAt time.Time) error {
	s.setJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
			return
		}
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt.UTC()
	})
	return nil
}

func (s *InMemoryStore) CancelJob(_ context.Context, id string) error {
	s.setJob(id, func(j *Job) { j.Status = JobStatusCanceled; j.LockedAt = nil })
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	c := *j
	return &c, nil
}

// Jobs returns a snapshot of all jobs, for assertions in tests.
func (s *InMemoryStore) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

func (s *InMemoryStore) EnqueueOutboxMessage(_ context.Context, channelID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && (m.Status == OutboxStatusQueued || m.Status == OutboxStatusSending) {
				return m.ID, nil
			}
		}
	}
	at := utcNow()
	m := &OutboxMessage{
		ID:          util.GenerateRandomID("outbox_", 32),
		ChannelID:   channelID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(_ context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].CreatedAt.Before(due[k].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		at := now.UTC()
		m.Status = OutboxStatusSending
		m.LockedAt = &at
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
	}
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(_ context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
		next := nextAttemptAt.UTC()
		m.NextAttemptAt = &next
		m.Status = OutboxStatusQueued
		if m.Attempts >= DefaultOutboxMaxAttempts {
			m.Status = OutboxStatusFailed
		}
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// OutboxMessages returns a snapshot of all outbox messages, for assertions in tests.
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}
