package miner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/store"
)

var testNow = time.Date(2025, 11, 20, 3, 0, 0, 0, time.UTC)

type fakeHistory struct {
	byChannel map[string][]models.HistoryMessage
	failFor   string
	oldest    time.Time
}

func (f *fakeHistory) History(_ context.Context, channelID string, oldest time.Time) ([]models.HistoryMessage, error) {
	f.oldest = oldest
	if channelID == f.failFor {
		return nil, errors.New("channel_not_found")
	}
	return f.byChannel[channelID], nil
}

func reacted(ts, text string, users ...string) models.HistoryMessage {
	return models.HistoryMessage{
		Timestamp: ts,
		UserID:    "U00",
		Text:      text,
		Reactions: []models.HistoryReaction{{Name: "+1", Count: len(users), Users: users}},
	}
}

func TestExtractKeywords(t *testing.T) {
	kw := ExtractKeywords("TypeScript と AWS で main.go を書いた。デプロイが最高")
	assert.Contains(t, kw, "TypeScript")
	assert.Contains(t, kw, "AWS")
	assert.Contains(t, kw, "main.go")
	assert.Contains(t, kw, "デプロイが最高")
	assert.NotContains(t, kw, "と")

	kw = ExtractKeywords("API API API")
	assert.Equal(t, []string{"API"}, kw)
}

func TestSentimentAndReactionBonus(t *testing.T) {
	assert.Equal(t, models.SentimentPositive, ScoreSentiment("リリース成功、ありがとう"))
	assert.Equal(t, models.SentimentNegative, ScoreSentiment("またバグが出た"))
	assert.Equal(t, models.SentimentNeutral, ScoreSentiment("今日は晴れ"))

	assert.Equal(t, models.SentimentNegative, ApplyReactionBonus(models.SentimentNegative, 2))
	assert.Equal(t, models.SentimentNeutral, ApplyReactionBonus(models.SentimentNegative, 3))
	assert.Equal(t, models.SentimentPositive, ApplyReactionBonus(models.SentimentNegative, 5))
	assert.Equal(t, models.SentimentPositive, ApplyReactionBonus(models.SentimentNeutral, 3))
}

func TestEligible(t *testing.T) {
	ok := reacted("1", "Kubernetes の話をしよう", "U1", "U2")
	assert.True(t, Eligible(ok))

	bot := ok
	bot.BotID = "B01"
	assert.False(t, Eligible(bot))

	joined := ok
	joined.SubType = "channel_join"
	assert.False(t, Eligible(joined))

	assert.False(t, Eligible(reacted("2", "短い", "U1", "U2")))
	assert.False(t, Eligible(reacted("3", "Kubernetes の話をしよう", "U1")))
}

type failingAnalyzer struct{ err error }

func (f failingAnalyzer) Analyze(context.Context, string) (models.TextAnalysis, error) {
	return models.TextAnalysis{}, f.err
}

type fixedAnalyzer struct{ res models.TextAnalysis }

func (f fixedAnalyzer) Analyze(context.Context, string) (models.TextAnalysis, error) {
	return f.res, nil
}

func TestFallbackAnalyzer(t *testing.T) {
	ctx := context.Background()
	fa := FallbackAnalyzer{Primary: failingAnalyzer{errors.New("rate limited")}, Secondary: HeuristicAnalyzer{}}
	res, err := fa.Analyze(ctx, "GoLang の勉強会")
	require.NoError(t, err)
	assert.Contains(t, res.Keywords, "GoLang")

	fa = FallbackAnalyzer{Primary: fixedAnalyzer{models.TextAnalysis{Keywords: []string{"llm"}, Sentiment: models.SentimentPositive}}}
	res, err = fa.Analyze(ctx, "anything")
	require.NoError(t, err)
	assert.Equal(t, []string{"llm"}, res.Keywords)

	fa = FallbackAnalyzer{Primary: failingAnalyzer{context.Canceled}}
	_, err = fa.Analyze(ctx, "anything")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunSavesConversationsAndEmitsTopics(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	hist := &fakeHistory{
		failFor: "C0BROKEN",
		byChannel: map[string][]models.HistoryMessage{
			"C0GENERAL": {
				reacted("1733371200.000100", "Docker の勉強会、最高でした！ありがとう", "U1", "U2", "U3", "U4", "U5"),
				reacted("1733371300.000100", "またデプロイでエラー、本当に困った", "U1", "U2"),
				reacted("1733371400.000100", "短い", "U1", "U2"),
				{Timestamp: "1733371500.000100", BotID: "B01", Text: "自動投稿のメッセージです", Reactions: []models.HistoryReaction{{Name: "eyes", Count: 3}}},
			},
		},
	}
	m := New(hist, nil, st, st, []string{"C0GENERAL", "C0BROKEN"}, WithClock(func() time.Time { return testNow }), WithAnalysisDays(3))

	report, err := m.Run(ctx)
	require.NoError(t, err)
	assert.True(t, hist.oldest.Equal(testNow.Add(-72*time.Hour)))

	require.Len(t, report.Channels, 2)
	assert.Equal(t, 4, report.Channels[0].Fetched)
	assert.Equal(t, 2, report.Channels[0].Analyzed)
	assert.Equal(t, 2, report.Channels[0].Saved)
	assert.NotEmpty(t, report.Channels[1].Error)

	assert.Equal(t, 1, report.TopicsCreated, "negative conversations do not become topics")
	topics, err := st.ListTopics(ctx, ConversationCategory)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Contains(t, topics[0].Content, "勉強会")
	assert.InDelta(t, 5.0, topics[0].AverageEngagement, 1e-9)
	assert.Equal(t, models.TopicSourceConversation, topics[0].Source)
	assert.NotEmpty(t, report.TopKeywords)
	assert.LessOrEqual(t, len(report.TopKeywords), TopKeywordCount)

	again, err := m.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Channels[0].Saved)
	assert.Zero(t, again.TopicsCreated)
}

func TestTopKeywordsOrdering(t *testing.T) {
	got := topKeywords(map[string]int{"go": 3, "api": 3, "slack": 5, "x": 1}, 3)
	assert.Equal(t, []KeywordCount{{"slack", 5}, {"api", 3}, {"go", 3}}, got)
}
