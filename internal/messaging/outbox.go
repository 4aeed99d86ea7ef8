package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/store"
	"github.com/BTreeMap/HuddlePipe/internal/timeparse"
)

// Outbox message kinds.
const (
	OutboxKindProposal        = "meeting_proposal"
	OutboxKindCalendarCreated = "calendar_created"
)

type proposalPayload struct {
	WorkflowID   string `json:"workflow_id"`
	ThreadTS     string `json:"thread_ts"`
	Participants int    `json:"participants"`
}

type calendarCreatedPayload struct {
	WorkflowID      string   `json:"workflow_id"`
	ThreadTS        string   `json:"thread_ts"`
	Title           string   `json:"title"`
	Start           string   `json:"start"`
	DurationMinutes int      `json:"duration_minutes"`
	Location        string   `json:"location"`
	EventURL        string   `json:"event_url"`
	Participants    []string `json:"participants"`
}

// OutboxNotifier queues workflow notifications so they survive restarts and
// chat outages. It satisfies both the reaction and calendar notifier interfaces.
type OutboxNotifier struct {
	outbox store.OutboxEnqueuer
}

// NewOutboxNotifier creates an OutboxNotifier.
func NewOutboxNotifier(outbox store.OutboxEnqueuer) *OutboxNotifier {
	return &OutboxNotifier{outbox: outbox}
}

func threadOf(wf *models.Workflow) string {
	_, ts, _ := models.ParseSourceMessageID(wf.SourceMessageID)
	return ts
}

// NotifyProposal queues the meeting proposal for wf.
func (n *OutboxNotifier) NotifyProposal(ctx context.Context, wf *models.Workflow, participants int) error {
	return n.enqueue(ctx, wf.ChannelID, OutboxKindProposal, models.ProposalDedupeKey(wf.ID), proposalPayload{
		WorkflowID:   wf.ID,
		ThreadTS:     threadOf(wf),
		Participants: participants,
	})
}

// NotifyCalendarCreated queues the completion message for wf. Only reactors
// whose contact is among attendees are mentioned.
func (n *OutboxNotifier) NotifyCalendarCreated(ctx context.Context, wf *models.Workflow, ref *models.CalendarEventRef, attendees []string) error {
	invited := make(map[string]struct{}, len(attendees))
	for _, a := range attendees {
		invited[strings.ToLower(a)] = struct{}{}
	}
	var participants []string
	seen := make(map[string]struct{})
	for _, r := range wf.Reactions {
		if _, ok := invited[strings.ToLower(r.ParticipantContact)]; !ok || r.ParticipantContact == "" {
			continue
		}
		if _, dup := seen[r.ParticipantID]; dup {
			continue
		}
		seen[r.ParticipantID] = struct{}{}
		participants = append(participants, r.ParticipantID)
	}
	minutes, _ := strconv.Atoi(wf.CollectedFields[models.FieldDuration])
	p := calendarCreatedPayload{
		WorkflowID:      wf.ID,
		ThreadTS:        threadOf(wf),
		Title:           wf.CollectedFields[models.FieldTitle],
		Start:           wf.CollectedFields[models.FieldDateTime],
		DurationMinutes: minutes,
		Location:        wf.CollectedFields[models.FieldLocation],
		Participants:    participants,
	}
	if ref != nil {
		p.EventURL = ref.ShareURL
	}
	return n.enqueue(ctx, wf.ChannelID, OutboxKindCalendarCreated, models.CalendarCreatedDedupeKey(wf.ID), p)
}

func (n *OutboxNotifier) enqueue(ctx context.Context, channelID, kind, dedupeKey string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	id, err := n.outbox.EnqueueOutboxMessage(ctx, channelID, kind, string(data), dedupeKey)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	slog.Debug("OutboxNotifier.enqueue", "kind", kind, "outboxID", id, "dedupeKey", dedupeKey)
	return nil
}

// SendFunc renders outbox messages and posts them through svc. Times are shown in loc.
func SendFunc(svc *SlackService, loc *time.Location) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		switch msg.Kind {
		case OutboxKindProposal:
			var p proposalPayload
			if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
				slog.Error("SendFunc: malformed proposal payload, dropping", "error", err, "outboxID", msg.ID)
				return nil
			}
			_, err := svc.Post(ctx, msg.ChannelID, p.ThreadTS, ProposalText(p.Participants), ProposalBlocks(p.WorkflowID, p.Participants)...)
			return err
		case OutboxKindCalendarCreated:
			var p calendarCreatedPayload
			if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
				slog.Error("SendFunc: malformed calendar payload, dropping", "error", err, "outboxID", msg.ID)
				return nil
			}
			c := CalendarCreated{Title: p.Title, When: p.Start, Location: p.Location, Participants: p.Participants, EventURL: p.EventURL}
			if start, err := time.Parse(time.RFC3339, p.Start); err == nil {
				c.When = timeparse.FormatLong(start, loc)
				if p.DurationMinutes > 0 {
					c.When += "（" + timeparse.FormatDuration(p.DurationMinutes) + "）"
				}
			}
			_, err := svc.Post(ctx, msg.ChannelID, p.ThreadTS, "Googleカレンダーにイベントを作成しました："+p.Title, CalendarCreatedBlocks(c)...)
			return err
		default:
			slog.Warn("SendFunc: unknown outbox kind, dropping", "kind", msg.Kind, "outboxID", msg.ID)
			return nil
		}
	}
}
