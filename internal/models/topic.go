package models

import "time"

// TopicSource records where a topic came from.
type TopicSource string

const (
	TopicSourceCatalog      TopicSource = "catalog"
	TopicSourceConversation TopicSource = "conversation"
	TopicSourceManual       TopicSource = "manual"
)

// Topic is a conversation starter that can be broadcast.
type Topic struct {
	ID                string      `json:"topic_id"`
	Category          string      `json:"category"`
	Content           string      `json:"content"`
	ReactionEmoji     string      `json:"reaction_emoji,omitempty"`
	Source            TopicSource `json:"source"`
	LastUsedAt        *time.Time  `json:"last_used_at,omitempty"`
	UsageCount        int         `json:"usage_count"`
	TotalReactions    int         `json:"total_reactions"`
	EngagementSamples int         `json:"engagement_samples"`
	AverageEngagement float64     `json:"average_engagement"`
	CreatedAt         time.Time   `json:"created_at"`
}

// Validate checks the fields required to store a topic.
func (t *Topic) Validate() error {
	if t.Category == "" {
		return &ValidationError{Field: "category", Message: "category is required"}
	}
	if t.Content == "" {
		return &ValidationError{Field: "content", Message: "content is required"}
	}
	if len([]rune(t.Content)) > MaxTopicContentLength {
		return &ValidationError{Field: "content", Message: "content is too long"}
	}
	return nil
}

// MaxTopicContentLength bounds topic text so it fits a single chat section block.
const MaxTopicContentLength = 2000

// Sentiment is the coarse tone of a message.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// TextAnalysis is the output of keyword and sentiment extraction.
type TextAnalysis struct {
	Keywords  []string  `json:"keywords"`
	Sentiment Sentiment `json:"sentiment"`
}

// HistoryReaction is an aggregated reaction on a historical message.
type HistoryReaction struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// HistoryMessage is a channel message as returned by the chat collaborator.
type HistoryMessage struct {
	ChannelID string            `json:"channel_id"`
	Timestamp string            `json:"ts"`
	UserID    string            `json:"user_id"`
	Text      string            `json:"text"`
	BotID     string            `json:"bot_id,omitempty"`
	SubType   string            `json:"subtype,omitempty"`
	Reactions []HistoryReaction `json:"reactions,omitempty"`
}

// ReactionCount sums the reaction counts on the message.
func (m HistoryMessage) ReactionCount() int {
	n := 0
	for _, r := range m.Reactions {
		n += r.Count
	}
	return n
}

// Conversation is a mined history message with its engagement signals.
type Conversation struct {
	ID            string    `json:"conversation_id"`
	ChannelID     string    `json:"channel_id"`
	MessageTS     string    `json:"message_ts"`
	Text          string    `json:"text"`
	Keywords      []string  `json:"keywords"`
	Participants  []string  `json:"participants"`
	ReactionCount int       `json:"reaction_count"`
	Sentiment     Sentiment `json:"sentiment"`
	UsedForTopic  bool      `json:"used_for_topic"`
	CreatedAt     time.Time `json:"created_at"`
}

// Question is a prompt addressed to a specific member.
type Question struct {
	ID        string    `json:"question_id"`
	UserID    string    `json:"user_id"`
	ChannelID string    `json:"channel_id"`
	MessageTS string    `json:"message_ts"`
	Content   string    `json:"content"`
	AskedAt   time.Time `json:"asked_at"`
}

// Member is a workspace member as seen by the chat collaborator.
type Member struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RealName string `json:"real_name,omitempty"`
	Email    string `json:"email,omitempty"`
	IsBot    bool   `json:"is_bot"`
	Deleted  bool   `json:"deleted"`
}
