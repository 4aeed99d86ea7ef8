package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc renders and posts one outbox message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

const (
	outboxBaseBackoff = 10 * time.Second
	outboxMaxBackoff  = 10 * time.Minute
)

// OutboxSender delivers queued channel posts: the meeting_proposal that opens
// scheduling in a thread and the calendar_created confirmation. Dedupe keys on
// enqueue keep a redelivered reaction from posting either twice.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// OutboxSenderOption configures an OutboxSender.
type OutboxSenderOption func(*OutboxSender)

// WithOutboxStaleThreshold sets how long a message may stay sending before
// startup recovery requeues it.
func WithOutboxStaleThreshold(d time.Duration) OutboxSenderOption {
	return func(s *OutboxSender) {
		if d > 0 {
			s.staleThreshold = d
		}
	}
}

// NewOutboxSender creates an OutboxSender polling every pollInterval (5s when unset).
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration, opts ...OutboxSenderOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	s := &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues posts stuck in sending after a crash.
// Call it once at startup.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(ctx, staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *OutboxSender) poll(ctx context.Context) {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return
	}

	for _, msg := range msgs {
		slog.Debug("OutboxSender.poll: posting", "id", msg.ID, "channelID", msg.ChannelID, "kind", msg.Kind, "dedupeKey", msg.DedupeKey)
		err := s.sendFunc(ctx, msg)
		if err == nil {
			if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
				slog.Error("OutboxSender.poll: mark sent error", "id", msg.ID, "error", err)
			}
			slog.Debug("OutboxSender.poll: posted", "id", msg.ID, "channelID", msg.ChannelID, "kind", msg.Kind)
			continue
		}
		if msg.Attempts+1 >= DefaultOutboxMaxAttempts {
			slog.Error("OutboxSender.poll: giving up on post", "id", msg.ID, "channelID", msg.ChannelID, "kind", msg.Kind, "attempts", msg.Attempts+1, "error", err)
		} else {
			slog.Warn("OutboxSender.poll: post failed", "id", msg.ID, "channelID", msg.ChannelID, "kind", msg.Kind, "error", err)
		}
		if err := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), now.Add(outboxBackoff(msg.Attempts))); err != nil {
			slog.Error("OutboxSender.poll: fail message error", "id", msg.ID, "error", err)
		}
	}
}

// outboxBackoff doubles from 10s per attempt and caps at 10m.
func outboxBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := outboxBaseBackoff
	for i := 0; i < attempts && d < outboxMaxBackoff; i++ {
		d *= 2
	}
	return min(d, outboxMaxBackoff)
}
