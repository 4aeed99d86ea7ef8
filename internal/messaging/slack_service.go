package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/slack-go/slack"

	"github.com/BTreeMap/HuddlePipe/internal/models"
)

// Defaults for SlackService.
const (
	DefaultMaxPostAttempts = 3
	DefaultHistoryPageSize = 200
	DefaultHistoryMaxPages = 5
	defaultRetryAfter      = time.Second
)

// SlackAPI is the subset of *slack.Client used by SlackService.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	GetUsersContext(ctx context.Context, options ...slack.GetUsersOption) ([]slack.User, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

var _ SlackAPI = (*slack.Client)(nil)

// SlackService implements the outbound chat commands over the Slack Web API.
type SlackService struct {
	api         SlackAPI
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
}

// SlackServiceOption configures a SlackService.
type SlackServiceOption func(*SlackService)

// WithMaxPostAttempts bounds retries on rate limiting.
func WithMaxPostAttempts(n int) SlackServiceOption {
	return func(s *SlackService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewSlackService wraps api.
func NewSlackService(api SlackAPI, opts ...SlackServiceOption) *SlackService {
	s := &SlackService{api: api, maxAttempts: DefaultMaxPostAttempts, sleep: sleepContext}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Post sends text, with optional blocks, to a channel or a thread and returns the message ts.
func (s *SlackService) Post(ctx context.Context, channelID, threadTS, text string, blocks ...slack.Block) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}

	for attempt := 1; ; attempt++ {
		_, ts, err := s.api.PostMessageContext(ctx, channelID, opts...)
		if err == nil {
			slog.Debug("SlackService.Post", "channelID", channelID, "threadTS", threadTS, "ts", ts)
			return ts, nil
		}
		var rle *slack.RateLimitedError
		if !errors.As(err, &rle) || attempt >= s.maxAttempts {
			slog.Error("SlackService.Post failed", "error", err, "channelID", channelID, "attempt", attempt)
			return "", models.NewExternalError("slack", "chat.postMessage", err)
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = defaultRetryAfter
		}
		slog.Warn("SlackService.Post: rate limited, retrying", "channelID", channelID, "retryAfter", wait, "attempt", attempt)
		if err := s.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

// ResolveContact returns the participant's profile email.
func (s *SlackService) ResolveContact(ctx context.Context, participantID string) (string, error) {
	u, err := s.api.GetUserInfoContext(ctx, participantID)
	if err != nil {
		return "", models.NewExternalError("slack", "users.info", err)
	}
	if u.Profile.Email == "" {
		return "", fmt.Errorf("user %s has no visible email: %w", participantID, models.ErrNotFound)
	}
	return u.Profile.Email, nil
}

// ListMembers returns every workspace member.
func (s *SlackService) ListMembers(ctx context.Context) ([]models.Member, error) {
	users, err := s.api.GetUsersContext(ctx)
	if err != nil {
		return nil, models.NewExternalError("slack", "users.list", err)
	}
	out := make([]models.Member, 0, len(users))
	for _, u := range users {
		out = append(out, models.Member{
			ID:       u.ID,
			Name:     u.Name,
			RealName: u.RealName,
			Email:    u.Profile.Email,
			IsBot:    u.IsBot,
			Deleted:  u.Deleted,
		})
	}
	return out, nil
}

// History returns channel messages newer than oldest, with their reactions.
func (s *SlackService) History(ctx context.Context, channelID string, oldest time.Time) ([]models.HistoryMessage, error) {
	params := &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Oldest:    strconv.FormatFloat(float64(oldest.UnixMicro())/1e6, 'f', 6, 64),
		Limit:     DefaultHistoryPageSize,
	}
	var out []models.HistoryMessage
	for page := 0; page < DefaultHistoryMaxPages; page++ {
		resp, err := s.api.GetConversationHistoryContext(ctx, params)
		if err != nil {
			return nil, models.NewExternalError("slack", "conversations.history", err)
		}
		for _, m := range resp.Messages {
			out = append(out, historyMessage(channelID, m))
		}
		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		params.Cursor = resp.ResponseMetaData.NextCursor
	}
	slog.Debug("SlackService.History", "channelID", channelID, "messages", len(out))
	return out, nil
}

func historyMessage(channelID string, m slack.Message) models.HistoryMessage {
	hm := models.HistoryMessage{
		ChannelID: channelID,
		Timestamp: m.Timestamp,
		UserID:    m.User,
		Text:      m.Text,
		BotID:     m.BotID,
		SubType:   m.SubType,
	}
	for _, r := range m.Reactions {
		hm.Reactions = append(hm.Reactions, models.HistoryReaction{Name: r.Name, Count: r.Count, Users: r.Users})
	}
	return hm
}

// BotUserID returns the user id of the token's bot.
func (s *SlackService) BotUserID(ctx context.Context) (string, error) {
	resp, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return "", models.NewExternalError("slack", "auth.test", err)
	}
	return resp.UserID, nil
}

// PostTopic posts a topic with reaction hints.
func (s *SlackService) PostTopic(ctx context.Context, channelID string, t *models.Topic) (string, error) {
	return s.Post(ctx, channelID, "", t.Content, TopicBlocks(t)...)
}

// PostQuestion posts a question addressed to userID.
func (s *SlackService) PostQuestion(ctx context.Context, channelID, _ string, content string) (string, error) {
	return s.Post(ctx, channelID, "", content, QuestionBlocks(content)...)
}

// Prompt asks for a slot value in the dialogue thread.
func (s *SlackService) Prompt(ctx context.Context, channelID, threadID string, step models.SlotStep, note string) error {
	_, err := s.Post(ctx, channelID, threadID, SlotPromptText(step), SlotPromptBlocks(step, note)...)
	return err
}

// Reply posts plain text in a thread.
func (s *SlackService) Reply(ctx context.Context, channelID, threadID, text string) error {
	_, err := s.Post(ctx, channelID, threadID, text)
	return err
}
