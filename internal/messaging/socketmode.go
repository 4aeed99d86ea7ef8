package messaging

import (
	"context"
	"log/slog"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// acker acknowledges Socket Mode envelopes.
type acker interface {
	Ack(req socketmode.Request, payload ...interface{})
}

// SocketModeRunner receives events over a Socket Mode websocket and dispatches them.
type SocketModeRunner struct {
	client     *socketmode.Client
	ack        acker
	dispatcher *Dispatcher
}

// NewSocketModeRunner creates a runner. api must carry an app-level token.
func NewSocketModeRunner(api *slack.Client, dispatcher *Dispatcher, debug bool) *SocketModeRunner {
	client := socketmode.New(api, socketmode.OptionDebug(debug))
	return &SocketModeRunner{client: client, ack: client, dispatcher: dispatcher}
}

// Run connects and dispatches until ctx is cancelled.
func (r *SocketModeRunner) Run(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-r.client.Events:
				if !ok {
					return
				}
				r.handleEvent(ctx, evt)
			}
		}
	}()
	slog.Info("SocketModeRunner.Run: connecting")
	return r.client.RunContext(ctx)
}

func (r *SocketModeRunner) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		slog.Debug("SocketModeRunner: connecting")
	case socketmode.EventTypeConnected:
		slog.Info("SocketModeRunner: connected")
	case socketmode.EventTypeConnectionError:
		slog.Warn("SocketModeRunner: connection error", "data", evt.Data)
	case socketmode.EventTypeEventsAPI:
		ev, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			slog.Warn("SocketModeRunner: malformed events_api payload")
			return
		}
		// Unacknowledged envelopes are redelivered, so only ack once handled.
		if err := r.dispatcher.HandleEventsAPI(ctx, ev); err != nil {
			slog.Error("SocketModeRunner: events_api dispatch failed, leaving unacknowledged", "error", err)
			return
		}
		r.acknowledge(evt)
	case socketmode.EventTypeInteractive:
		cb, ok := evt.Data.(slack.InteractionCallback)
		if !ok {
			slog.Warn("SocketModeRunner: malformed interactive payload")
			return
		}
		r.acknowledge(evt)
		if err := r.dispatcher.HandleInteraction(ctx, cb); err != nil {
			slog.Error("SocketModeRunner: interaction dispatch failed", "error", err)
		}
	default:
		slog.Debug("SocketModeRunner: ignoring event", "type", evt.Type)
	}
}

func (r *SocketModeRunner) acknowledge(evt socketmode.Event) {
	if evt.Request != nil {
		r.ack.Ack(*evt.Request)
	}
}
