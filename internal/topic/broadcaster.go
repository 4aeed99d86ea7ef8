package topic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/store"
	"github.com/BTreeMap/HuddlePipe/internal/util"
)

// Broadcast defaults.
const (
	DefaultQuestionRatio   = 0.2
	QuestionLookbackWindow = 7 * 24 * time.Hour
	questionTargetPool     = 3
	slackbotUserID         = "USLACKBOT"
)

// DefaultCategories are broadcast when none are configured.
var DefaultCategories = []string{"casual", "technical", "conversation"}

// ErrNothingToBroadcast means no category had a topic and no member could be asked.
var ErrNothingToBroadcast = errors.New("nothing to broadcast")

// BroadcastMode is what a broadcast posted.
type BroadcastMode string

const (
	ModeTopic    BroadcastMode = "topic"
	ModeQuestion BroadcastMode = "question"
)

// Poster posts broadcast messages and returns the new message timestamp.
type Poster interface {
	PostTopic(ctx context.Context, channelID string, t *models.Topic) (string, error)
	PostQuestion(ctx context.Context, channelID, userID, content string) (string, error)
}

// MemberLister lists workspace members.
type MemberLister interface {
	ListMembers(ctx context.Context) ([]models.Member, error)
}

// WorkflowCreator starts a workflow for a posted message.
type WorkflowCreator interface {
	Create(ctx context.Context, sourceMessageID, channelID, topicID string) (string, error)
}

// BroadcastResult describes one broadcast.
type BroadcastResult struct {
	Mode       BroadcastMode `json:"mode"`
	WorkflowID string        `json:"workflow_id"`
	MessageTS  string        `json:"message_ts"`
	TopicID    string        `json:"topic_id,omitempty"`
	Category   string        `json:"category,omitempty"`
	UserID     string        `json:"user_id,omitempty"`
}

// Broadcaster posts a topic or a member question to the target channel.
type Broadcaster struct {
	selector      *Selector
	topics        store.TopicRepo
	history       store.HistoryRepo
	workflows     WorkflowCreator
	poster        Poster
	members       MemberLister
	channelID     string
	categories    []string
	exclusionDays int
	questionRatio float64
	templates     []string
	rng           *lockedRand
	now           func() time.Time
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithCategories restricts topic mode to categories.
func WithCategories(categories []string) BroadcasterOption {
	return func(b *Broadcaster) {
		if len(categories) > 0 {
			b.categories = categories
		}
	}
}

// WithExclusionWindow sets the days a used topic stays out of rotation.
func WithExclusionWindow(days int) BroadcasterOption {
	return func(b *Broadcaster) { b.exclusionDays = days }
}

// WithQuestionRatio sets the probability of question mode.
func WithQuestionRatio(ratio float64) BroadcasterOption {
	return func(b *Broadcaster) { b.questionRatio = ratio }
}

// WithMemberLister enables question mode.
func WithMemberLister(m MemberLister) BroadcasterOption {
	return func(b *Broadcaster) { b.members = m }
}

// WithBroadcastRand fixes the random source.
func WithBroadcastRand(r *rand.Rand) BroadcasterOption {
	return func(b *Broadcaster) { b.rng = newLockedRand(r) }
}

// WithBroadcastClock overrides time.Now.
func WithBroadcastClock(now func() time.Time) BroadcasterOption {
	return func(b *Broadcaster) { b.now = now }
}

// NewBroadcaster creates a Broadcaster posting to channelID.
func NewBroadcaster(selector *Selector, topics store.TopicRepo, history store.HistoryRepo, workflows WorkflowCreator, poster Poster, channelID string, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		selector:      selector,
		topics:        topics,
		history:       history,
		workflows:     workflows,
		poster:        poster,
		channelID:     channelID,
		categories:    DefaultCategories,
		exclusionDays: DefaultExclusionWindowDays,
		questionRatio: DefaultQuestionRatio,
		templates:     defaultQuestionTemplates,
		rng:           selector.rng,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Broadcast posts one message and starts its workflow. Question mode falls back
// to topic mode when nobody can be asked.
func (b *Broadcaster) Broadcast(ctx context.Context) (*BroadcastResult, error) {
	if b.members != nil && b.rng.Float64() < b.questionRatio {
		res, err := b.broadcastQuestion(ctx)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrNothingToBroadcast) {
			return nil, err
		}
		slog.Warn("Broadcaster.Broadcast: no question target, posting a topic instead")
	}
	return b.broadcastTopic(ctx)
}

func (b *Broadcaster) broadcastTopic(ctx context.Context) (*BroadcastResult, error) {
	var available []string
	for _, c := range b.categories {
		n, err := b.topics.CountTopics(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("count topics: %w", err)
		}
		if n > 0 {
			available = append(available, c)
		}
	}
	if len(available) == 0 {
		slog.Error("Broadcaster.broadcastTopic: no topics in any configured category", "categories", b.categories)
		return nil, fmt.Errorf("topic mode: %w", ErrNothingToBroadcast)
	}
	category := available[b.rng.IntN(len(available))]

	t, err := b.selector.Select(ctx, category, b.exclusionDays)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("topic mode: category %s: %w", category, ErrNothingToBroadcast)
	}

	ts, err := b.poster.PostTopic(ctx, b.channelID, t)
	if err != nil {
		return nil, fmt.Errorf("post topic: %w", err)
	}
	wfID, err := b.workflows.Create(ctx, models.SourceMessageID(b.channelID, ts), b.channelID, t.ID)
	if err != nil {
		return nil, fmt.Errorf("track topic post: %w", err)
	}
	if err := b.selector.MarkUsed(ctx, t.ID); err != nil {
		slog.Error("Broadcaster.broadcastTopic: mark used failed", "error", err, "topicID", t.ID)
	}
	slog.Info("Broadcaster.broadcastTopic", "category", category, "topicID", t.ID, "workflowID", wfID, "ts", ts)
	return &BroadcastResult{Mode: ModeTopic, WorkflowID: wfID, MessageTS: ts, TopicID: t.ID, Category: category}, nil
}

func (b *Broadcaster) broadcastQuestion(ctx context.Context) (*BroadcastResult, error) {
	userID, err := b.selectQuestionTarget(ctx)
	if err != nil {
		return nil, err
	}
	content := fmt.Sprintf(b.templates[b.rng.IntN(len(b.templates))], userID)

	ts, err := b.poster.PostQuestion(ctx, b.channelID, userID, content)
	if err != nil {
		return nil, fmt.Errorf("post question: %w", err)
	}
	q := &models.Question{
		ID:        util.NewID(),
		UserID:    userID,
		ChannelID: b.channelID,
		MessageTS: ts,
		Content:   content,
		AskedAt:   b.now().UTC(),
	}
	if err := b.history.SaveQuestion(ctx, q); err != nil {
		slog.Error("Broadcaster.broadcastQuestion: save question failed", "error", err, "userID", userID)
	}
	wfID, err := b.workflows.Create(ctx, models.SourceMessageID(b.channelID, ts), b.channelID, "")
	if err != nil {
		return nil, fmt.Errorf("track question post: %w", err)
	}
	slog.Info("Broadcaster.broadcastQuestion", "userID", userID, "workflowID", wfID, "ts", ts)
	return &BroadcastResult{Mode: ModeQuestion, WorkflowID: wfID, MessageTS: ts, UserID: userID}, nil
}

// selectQuestionTarget picks randomly among the active members asked least in the lookback window.
func (b *Broadcaster) selectQuestionTarget(ctx context.Context) (string, error) {
	members, err := b.members.ListMembers(ctx)
	if err != nil {
		return "", fmt.Errorf("list members: %w", err)
	}
	var active []string
	for _, m := range members {
		if m.IsBot || m.Deleted || m.ID == "" || m.ID == slackbotUserID {
			continue
		}
		active = append(active, m.ID)
	}
	if len(active) == 0 {
		return "", fmt.Errorf("question mode: no active members: %w", ErrNothingToBroadcast)
	}

	counts, err := b.history.CountQuestionsSince(ctx, b.now().Add(-QuestionLookbackWindow))
	if err != nil {
		return "", fmt.Errorf("count questions: %w", err)
	}
	ranked := RankQuestionTargets(active, counts)
	pool := ranked[:min(questionTargetPool, len(ranked))]
	return pool[b.rng.IntN(len(pool))], nil
}

// RankQuestionTargets orders member ids by how rarely they were asked, ties by id.
func RankQuestionTargets(memberIDs []string, counts map[string]int) []string {
	ranked := append([]string(nil), memberIDs...)
	sort.SliceStable(ranked, func(i, j int) bool {
		ci, cj := counts[ranked[i]], counts[ranked[j]]
		if ci != cj {
			return ci < cj
		}
		return strings.Compare(ranked[i], ranked[j]) < 0
	})
	return ranked
}

var defaultQuestionTemplates = []string{
	"<@%s>さん、最近取り組んでいるプロジェクトで面白いことはありますか？:thinking_face:",
	"<@%s>さん、最近学んだ技術や知識で、チームにシェアしたいことはありますか？:book:",
	"<@%s>さん、最近の開発で工夫したポイントや、うまくいったことを教えてください！:bulb:",
	"<@%s>さん、今取り組んでいる課題や、アドバイスが欲しいことはありますか？:handshake:",
	"<@%s>さん、最近読んだ技術記事や本でおすすめはありますか？:books:",
}
