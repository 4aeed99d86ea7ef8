package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/HuddlePipe/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(_ context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func completion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}}}
}

func testClient(m *mockChatService) *Client {
	return &Client{chat: m, model: "test-model", temperature: 0.1, maxCompletionTokens: 100}
}

func TestAnalyze_Success(t *testing.T) {
	m := &mockChatService{resp: completion(`{"keywords": ["Docker", " 勉強会 ", "Docker", "<@U01>", ""], "sentiment": "Positive"}`)}
	a := NewAnalyzer(testClient(m))

	res, err := a.Analyze(context.Background(), "Docker の勉強会、最高でした")
	require.NoError(t, err)
	assert.Equal(t, []string{"Docker", "勉強会"}, res.Keywords)
	assert.Equal(t, models.SentimentPositive, res.Sentiment)
	assert.Len(t, m.params.Messages, 2)
	assert.Equal(t, "test-model", string(m.params.Model))
}

func TestAnalyze_UnknownSentimentIsNeutral(t *testing.T) {
	a := NewAnalyzer(testClient(&mockChatService{resp: completion(`{"keywords": ["k8s"], "sentiment": "ecstatic"}`)}))
	res, err := a.Analyze(context.Background(), "k8s")
	require.NoError(t, err)
	assert.Equal(t, models.SentimentNeutral, res.Sentiment)
}

func TestAnalyze_ServiceError(t *testing.T) {
	a := NewAnalyzer(testClient(&mockChatService{err: errors.New("service failure")}))
	_, err := a.Analyze(context.Background(), "text")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrExternalDependency)
	assert.Contains(t, err.Error(), "service failure")
}

func TestAnalyze_NoChoices(t *testing.T) {
	a := NewAnalyzer(testClient(&mockChatService{resp: openai.ChatCompletion{}}))
	_, err := a.Analyze(context.Background(), "text")
	assert.ErrorIs(t, err, ErrNoChoicesReturned)
}

func TestAnalyze_InvalidJSON(t *testing.T) {
	a := NewAnalyzer(testClient(&mockChatService{resp: completion("Not JSON")}))
	_, err := a.Analyze(context.Background(), "text")
	assert.ErrorIs(t, err, models.ErrExternalDependency)
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	assert.ErrorIs(t, err, ErrAPIKeyRequired)
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithBaseURL("http://localhost:1"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cli.model)
}
