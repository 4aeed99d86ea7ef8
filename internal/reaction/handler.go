// Package reaction ingests reaction events on broadcast messages and proposes a
// meeting once enough distinct participants have reacted.
package reaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/workflow"
)

// DefaultThreshold is the distinct-participant count that triggers a proposal.
const DefaultThreshold = 3

// Event is a single reaction_added delivery. MessageID is "<channel>:<ts>" of the reacted message.
type Event struct {
	MessageID     string
	ParticipantID string
	ReactionKind  string
	ChannelID     string
}

// Result tells the caller what the handler did with an event.
type Result string

const (
	ResultIgnored   Result = "ignored"
	ResultUntracked Result = "untracked"
	ResultDuplicate Result = "duplicate"
	ResultRecorded  Result = "recorded"
	ResultInactive  Result = "inactive"
	ResultProposed  Result = "proposed"
)

// WorkflowTracker is the part of the tracker the handler needs.
type WorkflowTracker interface {
	FindBySourceMessage(ctx context.Context, sourceMessageID string) (*models.Workflow, error)
	RecordReaction(ctx context.Context, workflowID, participantID, contact, kind string) (workflow.ReactionResult, error)
	AdvanceToScheduling(ctx context.Context, id string) (bool, error)
}

// ContactResolver looks up the address a participant is invited with.
type ContactResolver interface {
	ResolveContact(ctx context.Context, participantID string) (string, error)
}

// ProposalNotifier posts the meeting proposal for a workflow that just entered scheduling.
type ProposalNotifier interface {
	NotifyProposal(ctx context.Context, wf *models.Workflow, participants int) error
}

// Handler processes reaction events. It is safe for concurrent use.
type Handler struct {
	tracker   WorkflowTracker
	contacts  ContactResolver
	notifier  ProposalNotifier
	threshold int
	botUserID string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.threshold = n
		}
	}
}

// WithBotUserID drops reactions made by the bot itself.
func WithBotUserID(id string) HandlerOption {
	return func(h *Handler) { h.botUserID = id }
}

// NewHandler creates a Handler.
func NewHandler(tracker WorkflowTracker, contacts ContactResolver, notifier ProposalNotifier, opts ...HandlerOption) *Handler {
	h := &Handler{tracker: tracker, contacts: contacts, notifier: notifier, threshold: DefaultThreshold}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle records one reaction and proposes a meeting when the threshold is crossed.
// Store and notifier errors are returned so the platform can redeliver.
func (h *Handler) Handle(ctx context.Context, ev Event) (Result, error) {
	if ev.MessageID == "" || ev.ParticipantID == "" || ev.ReactionKind == "" {
		slog.Warn("Handler.Handle: malformed reaction event dropped", "messageID", ev.MessageID, "participantID", ev.ParticipantID, "kind", ev.ReactionKind)
		return ResultIgnored, nil
	}
	if h.botUserID != "" && ev.ParticipantID == h.botUserID {
		return ResultIgnored, nil
	}

	wf, err := h.tracker.FindBySourceMessage(ctx, ev.MessageID)
	if errors.Is(err, models.ErrNotFound) {
		slog.Debug("Handler.Handle: message not tracked", "messageID", ev.MessageID)
		return ResultUntracked, nil
	}
	if err != nil {
		return "", fmt.Errorf("find workflow: %w", err)
	}

	contact := h.resolveContact(ctx, ev.ParticipantID)

	res, err := h.tracker.RecordReaction(ctx, wf.ID, ev.ParticipantID, contact, ev.ReactionKind)
	if err != nil {
		slog.Error("Handler.Handle: record reaction failed", "error", err, "workflowID", wf.ID, "participantID", ev.ParticipantID)
		return "", err
	}

	if res.Status != models.WorkflowStatusCollecting {
		slog.Debug("Handler.Handle: workflow no longer collecting", "workflowID", wf.ID, "status", res.Status)
		if res.Recorded {
			return ResultInactive, nil
		}
		return ResultDuplicate, nil
	}
	if res.DistinctCount < h.threshold {
		if !res.Recorded {
			return ResultDuplicate, nil
		}
		return ResultRecorded, nil
	}
	if !res.Recorded {
		// Heal a prior delivery that recorded the reaction but failed before advancing.
		slog.Debug("Handler.Handle: duplicate at threshold, re-checking advance", "workflowID", wf.ID, "distinct", res.DistinctCount)
	}

	advanced, err := h.tracker.AdvanceToScheduling(ctx, wf.ID)
	if err != nil {
		return "", err
	}
	if !advanced {
		slog.Debug("Handler.Handle: advance lost to a concurrent handler", "workflowID", wf.ID)
		if res.Recorded {
			return ResultRecorded, nil
		}
		return ResultDuplicate, nil
	}

	wf.Status = models.WorkflowStatusScheduling
	if err := h.notifier.NotifyProposal(ctx, wf, res.DistinctCount); err != nil {
		slog.Error("Handler.Handle: proposal notification failed", "error", err, "workflowID", wf.ID)
		return "", fmt.Errorf("notify proposal: %w", err)
	}
	slog.Info("Handler.Handle: meeting proposed", "workflowID", wf.ID, "participants", res.DistinctCount)
	return ResultProposed, nil
}

func (h *Handler) resolveContact(ctx context.Context, participantID string) string {
	if h.contacts == nil {
		return ""
	}
	contact, err := h.contacts.ResolveContact(ctx, participantID)
	if err != nil {
		slog.Warn("Handler.resolveContact: lookup failed, recording without contact", "error", err, "participantID", participantID)
		return ""
	}
	return contact
}
