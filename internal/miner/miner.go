// Package miner turns well-received channel history into conversation topics.
package miner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/store"
	"github.com/BTreeMap/HuddlePipe/internal/util"
)

// Mining defaults.
const (
	DefaultAnalysisDays   = 7
	MinTextLength         = 10
	MinReactions          = 2
	TopKeywordCount       = 20
	ConversationCategory  = "conversation"
	topicKeywordCount     = 3
	candidateBatchSize    = 50
	conversationTopicTmpl = "最近チャンネルで盛り上がった「%s」について、もっと話してみませんか？"
)

// HistorySource fetches channel history with reactions.
type HistorySource interface {
	History(ctx context.Context, channelID string, oldest time.Time) ([]models.HistoryMessage, error)
}

// KeywordCount is one entry of the keyword frequency table.
type KeywordCount struct {
	Keyword string `json:"keyword"`
	Count   int    `json:"count"`
}

// ChannelReport is the outcome for one channel.
type ChannelReport struct {
	ChannelID string `json:"channel_id"`
	Fetched   int    `json:"fetched"`
	Analyzed  int    `json:"analyzed"`
	Saved     int    `json:"saved"`
	Error     string `json:"error,omitempty"`
}

// Report summarizes a mining run.
type Report struct {
	Channels      []ChannelReport `json:"channels"`
	TopicsCreated int             `json:"topics_created"`
	TopKeywords   []KeywordCount  `json:"top_keywords"`
}

// Miner analyzes recent channel history.
type Miner struct {
	history  HistorySource
	analyzer Analyzer
	convs    store.HistoryRepo
	topics   store.TopicRepo
	channels []string
	days     int
	now      func() time.Time
}

// Option configures a Miner.
type Option func(*Miner)

// WithAnalysisDays sets how far back history is read.
func WithAnalysisDays(days int) Option {
	return func(m *Miner) {
		if days > 0 {
			m.days = days
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Miner) { m.now = now }
}

// New creates a Miner for channels. A nil analyzer means HeuristicAnalyzer.
func New(history HistorySource, analyzer Analyzer, convs store.HistoryRepo, topics store.TopicRepo, channels []string, opts ...Option) *Miner {
	if analyzer == nil {
		analyzer = HeuristicAnalyzer{}
	}
	m := &Miner{
		history:  history,
		analyzer: analyzer,
		convs:    convs,
		topics:   topics,
		channels: channels,
		days:     DefaultAnalysisDays,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run mines every channel, then emits topics from unused conversations. A
// failing channel is reported and skipped.
func (m *Miner) Run(ctx context.Context) (*Report, error) {
	report := &Report{}
	counts := make(map[string]int)
	oldest := m.now().Add(-time.Duration(m.days) * 24 * time.Hour)

	for _, ch := range m.channels {
		cr, err := m.mineChannel(ctx, ch, oldest, counts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Error("Miner.Run: channel failed", "error", err, "channelID", ch)
			cr.Error = err.Error()
		}
		report.Channels = append(report.Channels, cr)
	}

	created, err := m.emitTopics(ctx)
	if err != nil {
		return nil, err
	}
	report.TopicsCreated = created
	report.TopKeywords = topKeywords(counts, TopKeywordCount)
	slog.Info("Miner.Run", "channels", len(m.channels), "topicsCreated", created, "keywords", len(counts))
	return report, nil
}

func (m *Miner) mineChannel(ctx context.Context, channelID string, oldest time.Time, counts map[string]int) (ChannelReport, error) {
	cr := ChannelReport{ChannelID: channelID}
	msgs, err := m.history.History(ctx, channelID, oldest)
	if err != nil {
		return cr, fmt.Errorf("fetch history: %w", err)
	}
	cr.Fetched = len(msgs)

	for _, msg := range msgs {
		if !Eligible(msg) {
			continue
		}
		reactions := msg.ReactionCount()
		analysis, err := m.analyzer.Analyze(ctx, msg.Text)
		if err != nil {
			return cr, fmt.Errorf("analyze %s: %w", msg.Timestamp, err)
		}
		cr.Analyzed++
		for _, k := range analysis.Keywords {
			counts[k]++
		}

		conv := &models.Conversation{
			ID:            util.StableID(util.ConversationNamespace, channelID+"\x00"+msg.Timestamp),
			ChannelID:     channelID,
			MessageTS:     msg.Timestamp,
			Text:          msg.Text,
			Keywords:      analysis.Keywords,
			Participants:  reactors(msg),
			ReactionCount: reactions,
			Sentiment:     ApplyReactionBonus(analysis.Sentiment, reactions),
		}
		saved, err := m.convs.SaveConversation(ctx, conv)
		if err != nil {
			return cr, fmt.Errorf("save conversation: %w", err)
		}
		if saved {
			cr.Saved++
		}
	}
	slog.Debug("Miner.mineChannel", "channelID", channelID, "fetched", cr.Fetched, "analyzed", cr.Analyzed, "saved", cr.Saved)
	return cr, nil
}

// Eligible reports whether msg is worth analyzing.
func Eligible(msg models.HistoryMessage) bool {
	if msg.BotID != "" || msg.SubType != "" {
		return false
	}
	if utf8.RuneCountInString(strings.TrimSpace(msg.Text)) < MinTextLength {
		return false
	}
	return msg.ReactionCount() >= MinReactions
}

func reactors(msg models.HistoryMessage) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range msg.Reactions {
		for _, u := range r.Users {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Miner) emitTopics(ctx context.Context) (int, error) {
	convs, err := m.convs.ListUnusedConversations(ctx, candidateBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unused conversations: %w", err)
	}
	created := 0
	for _, c := range convs {
		if c.Sentiment == models.SentimentNegative || len(c.Keywords) == 0 {
			continue
		}
		t := ConversationTopic(c)
		ok, err := m.topics.UpsertTopic(ctx, t)
		if err != nil {
			return created, fmt.Errorf("create topic from %s: %w", c.ID, err)
		}
		if ok {
			created++
		}
		if err := m.convs.MarkConversationUsed(ctx, c.ID); err != nil {
			return created, fmt.Errorf("mark conversation used: %w", err)
		}
	}
	return created, nil
}

// ConversationTopic builds the candidate topic for c, seeded with its reactions.
func ConversationTopic(c models.Conversation) *models.Topic {
	kw := c.Keywords[:min(topicKeywordCount, len(c.Keywords))]
	return &models.Topic{
		ID:                util.StableID(util.TopicNamespace, "conversation\x00"+c.ID),
		Category:          ConversationCategory,
		Content:           fmt.Sprintf(conversationTopicTmpl, strings.Join(kw, "・")),
		Source:            models.TopicSourceConversation,
		TotalReactions:    c.ReactionCount,
		EngagementSamples: 1,
		AverageEngagement: float64(c.ReactionCount),
	}
}

func topKeywords(counts map[string]int, n int) []KeywordCount {
	out := make([]KeywordCount, 0, len(counts))
	for k, c := range counts {
		out = append(out, KeywordCount{Keyword: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Keyword < out[j].Keyword
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
