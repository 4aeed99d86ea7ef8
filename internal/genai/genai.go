// Package genai provides LLM-backed text analysis using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/HuddlePipe/internal/models"
)

// Defaults for chat completions.
const (
	DefaultModel               = "gpt-4o-mini"
	DefaultTemperature         = 0.1
	DefaultMaxCompletionTokens = 300
)

var (
	ErrAPIKeyRequired    = errors.New("OPENAI_API_KEY not set")
	ErrNoChoicesReturned = errors.New("no choices returned")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type completionsAdapter struct {
	svc openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int64
}

// Opts configures NewClient.
type Opts struct {
	APIKey              string
	BaseURL             string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Option mutates Opts.
type Option func(*Opts)

func WithAPIKey(key string) Option { return func(o *Opts) { o.APIKey = key } }

func WithBaseURL(url string) Option { return func(o *Opts) { o.BaseURL = url } }

func WithModel(model string) Option { return func(o *Opts) { o.Model = model } }

func WithTemperature(t float64) Option { return func(o *Opts) { o.Temperature = t } }

func WithMaxCompletionTokens(n int64) Option { return func(o *Opts) { o.MaxCompletionTokens = n } }

// NewClient creates a Client. The API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, Temperature: DefaultTemperature, MaxCompletionTokens: DefaultMaxCompletionTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyRequired
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("genai.NewClient: client created", "model", cfg.Model)
	return &Client{
		chat:                completionsAdapter{svc: cli.Chat.Completions},
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
	}, nil
}

// GenerateJSON asks for a JSON object and decodes it into out.
func (c *Client) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, out any) error {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(c.maxCompletionTokens),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("Client.GenerateJSON: completion failed", "error", err, "model", c.model)
		return models.NewExternalError("openai", "chat_completion", err)
	}
	if len(resp.Choices) == 0 {
		return models.NewExternalError("openai", "chat_completion", ErrNoChoicesReturned)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		slog.Warn("Client.GenerateJSON: response is not valid JSON", "error", err, "content", content)
		return models.NewExternalError("openai", "decode_response", err)
	}
	return nil
}

const analyzerSystemPrompt = `You analyze Slack messages from a Japanese software team.
Reply with a JSON object: {"keywords": [string], "sentiment": "positive" | "neutral" | "negative"}.
keywords: up to 8 distinct topical nouns or technical terms, most important first, in the message's language.
Never include people's names or user mentions.`

const maxKeywords = 8

type analysisResponse struct {
	Keywords  []string `json:"keywords"`
	Sentiment string   `json:"sentiment"`
}

// Analyzer extracts keywords and sentiment with a chat completion.
type Analyzer struct {
	client *Client
}

// NewAnalyzer creates an Analyzer over client.
func NewAnalyzer(client *Client) *Analyzer {
	return &Analyzer{client: client}
}

// Analyze returns the model's keywords and sentiment. An unknown sentiment label
// becomes neutral.
func (a *Analyzer) Analyze(ctx context.Context, text string) (models.TextAnalysis, error) {
	var resp analysisResponse
	if err := a.client.GenerateJSON(ctx, analyzerSystemPrompt, text, &resp); err != nil {
		return models.TextAnalysis{}, fmt.Errorf("analyze text: %w", err)
	}
	return models.TextAnalysis{Keywords: cleanKeywords(resp.Keywords), Sentiment: parseSentiment(resp.Sentiment)}, nil
}

func cleanKeywords(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = strings.TrimSpace(k)
		if k == "" || strings.HasPrefix(k, "<@") {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

func parseSentiment(s string) models.Sentiment {
	switch models.Sentiment(strings.ToLower(strings.TrimSpace(s))) {
	case models.SentimentPositive:
		return models.SentimentPositive
	case models.SentimentNegative:
		return models.SentimentNegative
	default:
		return models.SentimentNeutral
	}
}
