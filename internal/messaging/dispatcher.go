// Package messaging connects HuddlePipe to Slack: outbound posts, Block Kit
// rendering, the notification outbox and inbound event routing.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/BTreeMap/HuddlePipe/internal/flow"
	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/reaction"
	"github.com/BTreeMap/HuddlePipe/internal/store"
)

// ReactionHandler consumes reaction events.
type ReactionHandler interface {
	Handle(ctx context.Context, ev reaction.Event) (reaction.Result, error)
}

// SlotFiller drives scheduling dialogues.
type SlotFiller interface {
	Start(ctx context.Context, participantID, channelID, workflowID, threadID string) (flow.Outcome, error)
	HandleMessage(ctx context.Context, msg flow.Message) (flow.Outcome, error)
	Cancel(ctx context.Context, participantID, channelID string) (flow.Outcome, error)
}

// WorkflowCanceller abandons workflows.
type WorkflowCanceller interface {
	Cancel(ctx context.Context, id string) (bool, error)
}

// EngagementScheduler enqueues engagement measurement.
type EngagementScheduler interface {
	ScheduleEngagement(ctx context.Context, workflowID string) error
}

// Replier posts thread replies.
type Replier interface {
	Reply(ctx context.Context, channelID, threadID, text string) error
}

// Dispatcher routes Slack events and block actions to the domain handlers.
type Dispatcher struct {
	dedup      store.DedupRepo
	reactions  ReactionHandler
	slots      SlotFiller
	workflows  WorkflowCanceller
	engagement EngagementScheduler
	replier    Replier
	botUserID  string
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherBotUserID drops messages authored by the bot itself.
func WithDispatcherBotUserID(id string) DispatcherOption {
	return func(d *Dispatcher) { d.botUserID = id }
}

// WithEngagementScheduler measures workflows declined through the proposal.
func WithEngagementScheduler(s EngagementScheduler) DispatcherOption {
	return func(d *Dispatcher) { d.engagement = s }
}

// WithReplier enables thread replies to block actions.
func WithReplier(r Replier) DispatcherOption {
	return func(d *Dispatcher) { d.replier = r }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(dedup store.DedupRepo, reactions ReactionHandler, slots SlotFiller, workflows WorkflowCanceller, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{dedup: dedup, reactions: reactions, slots: slots, workflows: workflows}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleEventsAPI processes one Events API callback. Event ids that were already
// processed are dropped. Malformed or unsupported events are logged and ignored.
func (d *Dispatcher) HandleEventsAPI(ctx context.Context, ev slackevents.EventsAPIEvent) error {
	if ev.Type != slackevents.CallbackEvent {
		slog.Debug("Dispatcher.HandleEventsAPI: ignoring outer event", "type", ev.Type)
		return nil
	}
	eventID := ""
	if cb, ok := ev.Data.(*slackevents.EventsAPICallbackEvent); ok {
		eventID = cb.EventID
	}

	var (
		participantID string
		handle        func() error
	)
	switch inner := ev.InnerEvent.Data.(type) {
	case *slackevents.ReactionAddedEvent:
		participantID = inner.User
		handle = func() error { return d.handleReaction(ctx, inner) }
	case *slackevents.MessageEvent:
		participantID = inner.User
		handle = func() error { return d.handleMessage(ctx, inner) }
	default:
		slog.Debug("Dispatcher.HandleEventsAPI: ignoring inner event", "type", ev.InnerEvent.Type)
		return nil
	}

	if eventID != "" && d.dedup != nil {
		done, err := d.dedup.IsDuplicate(ctx, eventID)
		if err != nil {
			return fmt.Errorf("check inbound event: %w", err)
		}
		if done {
			slog.Debug("Dispatcher.HandleEventsAPI: duplicate event dropped", "eventID", eventID)
			return nil
		}
		fresh, err := d.dedup.RecordInbound(ctx, eventID, participantID)
		if err != nil {
			return fmt.Errorf("record inbound event: %w", err)
		}
		if !fresh {
			slog.Info("Dispatcher.HandleEventsAPI: redelivered unprocessed event, handling again", "eventID", eventID)
		}
	}

	// A failed event stays unprocessed so the platform redelivery is handled.
	if err := handle(); err != nil {
		slog.Error("Dispatcher.HandleEventsAPI: handler failed", "error", err, "eventID", eventID, "type", ev.InnerEvent.Type)
		return err
	}
	if eventID != "" && d.dedup != nil {
		if err := d.dedup.MarkProcessed(ctx, eventID); err != nil {
			slog.Warn("Dispatcher.HandleEventsAPI: mark processed failed", "error", err, "eventID", eventID)
		}
	}
	return nil
}

func (d *Dispatcher) handleReaction(ctx context.Context, ev *slackevents.ReactionAddedEvent) error {
	if ev.Item.Type != "message" || ev.Item.Channel == "" || ev.Item.Timestamp == "" {
		slog.Warn("Dispatcher.handleReaction: reaction without a message item", "itemType", ev.Item.Type, "user", ev.User)
		return nil
	}
	res, err := d.reactions.Handle(ctx, reaction.Event{
		MessageID:     models.SourceMessageID(ev.Item.Channel, ev.Item.Timestamp),
		ParticipantID: ev.User,
		ReactionKind:  ev.Reaction,
		ChannelID:     ev.Item.Channel,
	})
	if err != nil {
		return fmt.Errorf("handle reaction: %w", err)
	}
	slog.Debug("Dispatcher.handleReaction", "user", ev.User, "reaction", ev.Reaction, "result", res)
	return nil
}

func (d *Dispatcher) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) error {
	if ev.BotID != "" || ev.SubType != "" || ev.User == "" || (d.botUserID != "" && ev.User == d.botUserID) {
		return nil
	}
	out, err := d.slots.HandleMessage(ctx, flow.Message{
		ChannelID:     ev.Channel,
		ParticipantID: ev.User,
		Text:          ev.Text,
		ThreadID:      ev.ThreadTimeStamp,
	})
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("handle message: %w", err)
	}
	slog.Debug("Dispatcher.handleMessage", "user", ev.User, "outcome", out)
	return nil
}

// HandleInteraction processes block actions from the proposal and prompt buttons.
func (d *Dispatcher) HandleInteraction(ctx context.Context, cb slack.InteractionCallback) error {
	if cb.Type != slack.InteractionTypeBlockActions {
		slog.Debug("Dispatcher.HandleInteraction: ignoring interaction", "type", cb.Type)
		return nil
	}
	for _, action := range cb.ActionCallback.BlockActions {
		if action == nil {
			continue
		}
		if err := d.handleAction(ctx, cb, action); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) handleAction(ctx context.Context, cb slack.InteractionCallback, action *slack.BlockAction) error {
	userID, channelID := cb.User.ID, cb.Channel.ID
	thread := cb.Message.ThreadTimestamp
	if thread == "" {
		thread = cb.Message.Timestamp
	}
	switch action.ActionID {
	case ActionStartScheduling:
		out, err := d.slots.Start(ctx, userID, channelID, action.Value, "")
		if errors.Is(err, models.ErrInvalidState) || errors.Is(err, models.ErrNotFound) {
			slog.Warn("Dispatcher.handleAction: workflow no longer schedulable", "workflowID", action.Value, "error", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("start scheduling: %w", err)
		}
		slog.Info("Dispatcher.handleAction: start scheduling", "user", userID, "workflowID", action.Value, "outcome", out)
	case ActionCancelScheduling:
		if _, err := d.slots.Cancel(ctx, userID, channelID); err != nil {
			return fmt.Errorf("cancel scheduling: %w", err)
		}
	case ActionCancelWorkflow:
		ok, err := d.workflows.Cancel(ctx, action.Value)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("cancel workflow: %w", err)
		}
		if !ok {
			return nil
		}
		if d.engagement != nil {
			if err := d.engagement.ScheduleEngagement(ctx, action.Value); err != nil {
				slog.Error("Dispatcher.handleAction: schedule engagement failed", "error", err, "workflowID", action.Value)
			}
		}
		d.reply(ctx, channelID, thread, fmt.Sprintf("<@%s>さんが今回のミーティングを見送りました。", userID))
		slog.Info("Dispatcher.handleAction: workflow cancelled", "user", userID, "workflowID", action.Value)
	default:
		slog.Warn("Dispatcher.handleAction: unknown action", "actionID", action.ActionID)
	}
	return nil
}

func (d *Dispatcher) reply(ctx context.Context, channelID, threadID, text string) {
	if d.replier == nil {
		return
	}
	if err := d.replier.Reply(ctx, channelID, threadID, text); err != nil {
		slog.Warn("Dispatcher.reply: send failed", "error", err, "channelID", channelID)
	}
}
