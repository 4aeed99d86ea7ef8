package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/timeparse"
)

// MaxTitleLength bounds the meeting title in runes.
const MaxTitleLength = 200

// DefaultMaterializeRetryDelay is the delay before the first durable materialization retry.
const DefaultMaterializeRetryDelay = 30 * time.Second

// Message is an inbound chat message that may answer a slot prompt.
type Message struct {
	ChannelID     string
	ParticipantID string
	Text          string
	ThreadID      string
}

// Outcome reports what the slot-filler did with an input.
type Outcome string

const (
	OutcomeNotHandled Outcome = "not_handled"
	OutcomeStarted    Outcome = "started"
	OutcomeBusy       Outcome = "busy"
	OutcomeAdvanced   Outcome = "advanced"
	OutcomeRejected   Outcome = "rejected"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeCompleted  Outcome = "completed"
	OutcomeDeferred   Outcome = "deferred"
	OutcomeClosed     Outcome = "closed"
	OutcomeCancelled  Outcome = "cancelled"
)

// WorkflowTracker is the part of the tracker the slot-filler needs.
type WorkflowTracker interface {
	Get(ctx context.Context, id string) (*models.Workflow, error)
	FindBySourceMessage(ctx context.Context, sourceMessageID string) (*models.Workflow, error)
	MergeFields(ctx context.Context, id string, fields map[models.FieldKey]string) error
}

// Materializer creates the calendar event for a fully collected workflow.
type Materializer interface {
	Materialize(ctx context.Context, workflowID string) (*models.CalendarEventRef, error)
}

// MaterializeRetrier schedules a durable materialization retry.
type MaterializeRetrier interface {
	ScheduleMaterialize(ctx context.Context, workflowID string, delay time.Duration) error
}

// AvailabilityChecker reports attendees who are busy during the proposed slot.
type AvailabilityChecker interface {
	Conflicts(ctx context.Context, wf *models.Workflow, start time.Time, minutes int) ([]string, error)
}

// Responder posts dialogue replies into the scheduling thread.
type Responder interface {
	Prompt(ctx context.Context, channelID, threadID string, step models.SlotStep, note string) error
	Reply(ctx context.Context, channelID, threadID, text string) error
}

// SlotFiller collects title, datetime, duration, location and description for a workflow.
type SlotFiller struct {
	states       *StateManager
	tracker      WorkflowTracker
	materializer Materializer
	retrier      MaterializeRetrier
	responder    Responder
	availability AvailabilityChecker
	loc          *time.Location
	now          func() time.Time
	retryDelay   time.Duration
}

// SlotFillerOption configures a SlotFiller.
type SlotFillerOption func(*SlotFiller)

// WithAvailabilityChecker enables the best-effort conflict warning after the duration step.
func WithAvailabilityChecker(c AvailabilityChecker) SlotFillerOption {
	return func(f *SlotFiller) { f.availability = c }
}

// WithLocation sets the zone datetime answers are read in.
func WithLocation(loc *time.Location) SlotFillerOption {
	return func(f *SlotFiller) {
		if loc != nil {
			f.loc = loc
		}
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) SlotFillerOption {
	return func(f *SlotFiller) { f.now = now }
}

// WithRetryDelay overrides DefaultMaterializeRetryDelay.
func WithRetryDelay(d time.Duration) SlotFillerOption {
	return func(f *SlotFiller) { f.retryDelay = d }
}

// NewSlotFiller creates a SlotFiller.
func NewSlotFiller(states *StateManager, tracker WorkflowTracker, materializer Materializer, retrier MaterializeRetrier, responder Responder, opts ...SlotFillerOption) *SlotFiller {
	f := &SlotFiller{
		states:       states,
		tracker:      tracker,
		materializer: materializer,
		retrier:      retrier,
		responder:    responder,
		loc:          timeparse.LoadLocation(""),
		now:          time.Now,
		retryDelay:   DefaultMaterializeRetryDelay,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start opens a dialogue for participantID on a workflow in scheduling and prompts the first open step.
func (f *SlotFiller) Start(ctx context.Context, participantID, channelID, workflowID, threadID string) (Outcome, error) {
	wf, err := f.tracker.Get(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if threadID == "" {
		_, threadID, _ = models.ParseSourceMessageID(wf.SourceMessageID)
	}
	if wf.Status != models.WorkflowStatusScheduling {
		f.reply(ctx, channelID, threadID, "このミーティングは現在日程調整中ではありません。")
		return OutcomeClosed, fmt.Errorf("start dialogue on %s workflow %s: %w", wf.Status, workflowID, models.ErrInvalidState)
	}

	state, created, err := f.states.Begin(ctx, participantID, channelID, workflowID, threadID)
	if err != nil {
		return "", err
	}
	if !created && state.WorkflowID != workflowID {
		f.reply(ctx, channelID, threadID, "別のミーティングの日程調整が進行中です。「キャンセル」と送ると中断できます。")
		return OutcomeBusy, nil
	}
	if state.PendingStep == models.StepComplete {
		return f.complete(ctx, state)
	}
	f.prompt(ctx, state, state.PendingStep, "")
	slog.Info("SlotFiller.Start", "participantID", participantID, "workflowID", workflowID, "created", created, "step", state.PendingStep)
	return OutcomeStarted, nil
}

// HandleMessage routes msg into an active dialogue, or opens one for a reply in a scheduling thread.
// A rejected answer returns a *models.ValidationError alongside OutcomeRejected.
func (f *SlotFiller) HandleMessage(ctx context.Context, msg Message) (Outcome, error) {
	if msg.ParticipantID == "" || msg.ChannelID == "" {
		return OutcomeNotHandled, nil
	}
	text := strings.TrimSpace(msg.Text)

	state, err := f.states.Get(ctx, msg.ParticipantID, msg.ChannelID)
	if err != nil {
		return "", err
	}
	if state != nil && state.ThreadID != "" && msg.ThreadID != state.ThreadID {
		return OutcomeNotHandled, nil
	}

	if IsCancelCommand(text) {
		if state == nil {
			return OutcomeNotHandled, nil
		}
		return f.Cancel(ctx, msg.ParticipantID, msg.ChannelID)
	}

	if state == nil {
		if msg.ThreadID == "" {
			return OutcomeNotHandled, nil
		}
		wf, err := f.tracker.FindBySourceMessage(ctx, models.SourceMessageID(msg.ChannelID, msg.ThreadID))
		if errors.Is(err, models.ErrNotFound) {
			return OutcomeNotHandled, nil
		}
		if err != nil {
			return "", err
		}
		if wf.Status != models.WorkflowStatusScheduling {
			return OutcomeNotHandled, nil
		}
		if len(wf.MissingFields()) == 0 {
			slog.Debug("SlotFiller.HandleMessage: details already collected, not reopening", "workflowID", wf.ID, "participantID", msg.ParticipantID)
			return OutcomeNotHandled, nil
		}
		state, _, err = f.states.Begin(ctx, msg.ParticipantID, msg.ChannelID, wf.ID, msg.ThreadID)
		if err != nil {
			return "", err
		}
	}
	return f.answer(ctx, state, text)
}

// Cancel drops the participant's dialogue. The workflow itself is left as is.
func (f *SlotFiller) Cancel(ctx context.Context, participantID, channelID string) (Outcome, error) {
	state, err := f.states.Get(ctx, participantID, channelID)
	if err != nil {
		return "", err
	}
	if state == nil {
		return OutcomeNotHandled, nil
	}
	if err := f.states.Clear(ctx, participantID, channelID); err != nil {
		return "", err
	}
	f.reply(ctx, channelID, state.ThreadID, "日程調整を中断しました。もう一度始めるには「日程を決める」ボタンを押してください。")
	slog.Info("SlotFiller.Cancel", "participantID", participantID, "workflowID", state.WorkflowID)
	return OutcomeCancelled, nil
}

func (f *SlotFiller) answer(ctx context.Context, state *models.ConversationState, text string) (Outcome, error) {
	step := state.PendingStep
	if step == models.StepComplete {
		return f.complete(ctx, state)
	}
	if !step.IsValid() {
		slog.Warn("SlotFiller.answer: unknown step, clearing dialogue", "participantID", state.ParticipantID, "step", step)
		return OutcomeNotHandled, f.states.Clear(ctx, state.ParticipantID, state.ChannelID)
	}

	value, verr := f.validate(step, text)
	if verr != nil {
		slog.Debug("SlotFiller.answer: rejected", "participantID", state.ParticipantID, "step", step, "reason", verr.Message)
		f.prompt(ctx, state, step, verr.Message)
		return OutcomeRejected, verr
	}

	next := state.Clone()
	next.CollectedData[step.Field()] = value
	next.PendingStep = step.Next()
	ok, err := f.states.Advance(ctx, next, step)
	if err != nil {
		return "", err
	}
	if !ok {
		slog.Debug("SlotFiller.answer: step already answered", "participantID", state.ParticipantID, "step", step)
		return OutcomeDuplicate, nil
	}

	if next.PendingStep == models.StepComplete {
		return f.complete(ctx, next)
	}
	note := ""
	if step == models.StepDuration {
		note = f.availabilityNote(ctx, next)
	}
	f.prompt(ctx, next, next.PendingStep, note)
	return OutcomeAdvanced, nil
}

func (f *SlotFiller) complete(ctx context.Context, state *models.ConversationState) (Outcome, error) {
	fields := make(map[models.FieldKey]string, len(state.CollectedData)+1)
	maps.Copy(fields, state.CollectedData)
	if _, ok := fields[models.FieldDescription]; !ok {
		fields[models.FieldDescription] = ""
	}

	err := f.tracker.MergeFields(ctx, state.WorkflowID, fields)
	if errors.Is(err, models.ErrInvalidState) || errors.Is(err, models.ErrNotFound) {
		slog.Warn("SlotFiller.complete: workflow closed before details were saved", "error", err, "workflowID", state.WorkflowID)
		if cerr := f.states.Clear(ctx, state.ParticipantID, state.ChannelID); cerr != nil {
			return "", cerr
		}
		f.reply(ctx, state.ChannelID, state.ThreadID, "このミーティングはすでに確定またはキャンセルされています。")
		return OutcomeClosed, nil
	}
	if err != nil {
		return "", err
	}
	if err := f.states.Clear(ctx, state.ParticipantID, state.ChannelID); err != nil {
		return "", err
	}

	ref, err := f.materializer.Materialize(ctx, state.WorkflowID)
	switch {
	case err == nil:
		slog.Info("SlotFiller.complete: calendar event created", "workflowID", state.WorkflowID, "eventID", ref.EventID)
		return OutcomeCompleted, nil
	case errors.Is(err, models.ErrInvalidState):
		slog.Info("SlotFiller.complete: workflow already finalized", "workflowID", state.WorkflowID)
		return OutcomeClosed, nil
	case errors.Is(err, models.ErrIncompleteWorkflow):
		slog.Error("SlotFiller.complete: collected details incomplete", "error", err, "workflowID", state.WorkflowID)
		f.reply(ctx, state.ChannelID, state.ThreadID, "ミーティング情報が不足しているため登録できませんでした。もう一度「日程を決める」から入力してください。")
		return OutcomeClosed, nil
	default:
		// The dialogue is already cleared, so the durable job owns every other failure.
		if errors.Is(err, models.ErrExternalDependency) {
			slog.Warn("SlotFiller.complete: calendar unavailable, scheduling retry", "error", err, "workflowID", state.WorkflowID)
		} else {
			slog.Error("SlotFiller.complete: materialize failed, scheduling retry", "error", err, "workflowID", state.WorkflowID)
		}
		if rerr := f.retrier.ScheduleMaterialize(ctx, state.WorkflowID, f.retryDelay); rerr != nil {
			return "", fmt.Errorf("schedule materialize retry after %v: %w", err, rerr)
		}
		f.reply(ctx, state.ChannelID, state.ThreadID, "カレンダーへの登録に失敗しました。しばらくしてから自動で再試行します。")
		return OutcomeDeferred, nil
	}
}

func (f *SlotFiller) validate(step models.SlotStep, text string) (string, *models.ValidationError) {
	field := step.Field()
	switch step {
	case models.StepTitle:
		if text == "" {
			return "", &models.ValidationError{Field: field, Message: "タイトルを入力してください。"}
		}
		if utf8.RuneCountInString(text) > MaxTitleLength {
			return "", &models.ValidationError{Field: field, Message: fmt.Sprintf("タイトルは%d文字以内で入力してください。", MaxTitleLength)}
		}
		return text, nil
	case models.StepDateTime:
		t, err := timeparse.ParseDateTime(text, f.now(), f.loc)
		if err != nil {
			return "", &models.ValidationError{Field: field, Message: "日時が認識できませんでした。「12/5 14:00」や「12月5日 14時」のような形式で入力してください。"}
		}
		return t.Format(time.RFC3339), nil
	case models.StepDuration:
		minutes, err := timeparse.ParseDuration(text)
		if errors.Is(err, timeparse.ErrDurationOutOfRange) {
			return "", &models.ValidationError{Field: field, Message: fmt.Sprintf("所要時間は1分から%sまでで入力してください。", timeparse.FormatDuration(timeparse.MaxDurationMinutes))}
		}
		if err != nil {
			return "", &models.ValidationError{Field: field, Message: "所要時間が認識できませんでした。「1時間」「90分」のように入力してください。"}
		}
		return strconv.Itoa(minutes), nil
	case models.StepLocation:
		if text == "" {
			return "", &models.ValidationError{Field: field, Message: "場所を入力してください。オンラインの場合は「オンライン」と入力できます。"}
		}
		return text, nil
	case models.StepDescription:
		if IsSkipAnswer(text) {
			return "", nil
		}
		return text, nil
	}
	return "", &models.ValidationError{Field: field, Message: "unexpected step"}
}

func (f *SlotFiller) availabilityNote(ctx context.Context, state *models.ConversationState) string {
	if f.availability == nil {
		return ""
	}
	start, err := time.Parse(time.RFC3339, state.CollectedData[models.FieldDateTime])
	if err != nil {
		return ""
	}
	minutes, err := strconv.Atoi(state.CollectedData[models.FieldDuration])
	if err != nil {
		return ""
	}
	wf, err := f.tracker.Get(ctx, state.WorkflowID)
	if err != nil {
		return ""
	}
	busy, err := f.availability.Conflicts(ctx, wf, start, minutes)
	if err != nil {
		slog.Warn("SlotFiller.availabilityNote: check failed", "error", err, "workflowID", state.WorkflowID)
		return ""
	}
	if len(busy) == 0 {
		return ""
	}
	return fmt.Sprintf(":warning: この時間に予定が入っている参加者がいます: %s", strings.Join(busy, ", "))
}

func (f *SlotFiller) prompt(ctx context.Context, state *models.ConversationState, step models.SlotStep, note string) {
	if err := f.responder.Prompt(ctx, state.ChannelID, state.ThreadID, step, note); err != nil {
		slog.Warn("SlotFiller.prompt: send failed", "error", err, "participantID", state.ParticipantID, "step", step)
	}
}

func (f *SlotFiller) reply(ctx context.Context, channelID, threadID, text string) {
	if err := f.responder.Reply(ctx, channelID, threadID, text); err != nil {
		slog.Warn("SlotFiller.reply: send failed", "error", err, "channelID", channelID)
	}
}

var cancelCommands = map[string]struct{}{"cancel": {}, "キャンセル": {}}

// IsCancelCommand reports whether text asks to abort the dialogue.
func IsCancelCommand(text string) bool {
	_, ok := cancelCommands[strings.ToLower(strings.TrimSpace(text))]
	return ok
}

var skipAnswers = map[string]struct{}{"": {}, "skip": {}, "none": {}, "-": {}, "なし": {}, "スキップ": {}}

// IsSkipAnswer reports whether text leaves an optional field empty.
func IsSkipAnswer(text string) bool {
	_, ok := skipAnswers[strings.ToLower(strings.TrimSpace(text))]
	return ok
}
