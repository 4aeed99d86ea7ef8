package miner

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/HuddlePipe/internal/models"
)

// Analyzer extracts keywords and a sentiment from message text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (models.TextAnalysis, error)
}

var (
	camelCasePattern = regexp.MustCompile(`\b[A-Z][a-z]+(?:[A-Z][a-z]+)+\b`)
	acronymPattern   = regexp.MustCompile(`\b[A-Z]{2,}\b`)
	codeFilePattern  = regexp.MustCompile(`\w+\.(?:js|ts|py|go|rb)\b`)
	japanesePattern  = regexp.MustCompile(`[\p{Hiragana}\p{Katakana}ー\p{Han}]{2,}`)
	englishPattern   = regexp.MustCompile(`\b[a-zA-Z]{3,}\b`)

	keywordPatterns = []*regexp.Regexp{camelCasePattern, acronymPattern, codeFilePattern, japanesePattern, englishPattern}
)

var (
	positiveWords = []string{"良い", "素晴らしい", "最高", "いいね", "面白い", "すごい", "ありがとう", "成功", "解決", "great", "thanks", "awesome"}
	negativeWords = []string{"悪い", "問題", "エラー", "バグ", "失敗", "困った", "難しい", "error", "bug", "broken"}
)

// HeuristicAnalyzer matches technical-term and word regexes and scores
// sentiment from keyword lists. It never fails.
type HeuristicAnalyzer struct{}

// Analyze returns the distinct keywords in first-seen order.
func (HeuristicAnalyzer) Analyze(_ context.Context, text string) (models.TextAnalysis, error) {
	return models.TextAnalysis{Keywords: ExtractKeywords(text), Sentiment: ScoreSentiment(text)}, nil
}

// ExtractKeywords applies the keyword patterns in order and de-duplicates.
func ExtractKeywords(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, re := range keywordPatterns {
		for _, m := range re.FindAllString(text, -1) {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// ScoreSentiment compares positive and negative keyword hits.
func ScoreSentiment(text string) models.Sentiment {
	lower := strings.ToLower(text)
	score := 0
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			score++
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			score--
		}
	}
	return sentimentFromScore(score)
}

func sentimentFromScore(score int) models.Sentiment {
	switch {
	case score > 0:
		return models.SentimentPositive
	case score < 0:
		return models.SentimentNegative
	default:
		return models.SentimentNeutral
	}
}

func sentimentScore(s models.Sentiment) int {
	switch s {
	case models.SentimentPositive:
		return 1
	case models.SentimentNegative:
		return -1
	default:
		return 0
	}
}

// ReactionBonus is the sentiment boost a message earns from its reactions.
func ReactionBonus(reactions int) int {
	switch {
	case reactions >= 5:
		return 2
	case reactions >= 3:
		return 1
	default:
		return 0
	}
}

// ApplyReactionBonus shifts s toward positive by the reaction bonus.
func ApplyReactionBonus(s models.Sentiment, reactions int) models.Sentiment {
	return sentimentFromScore(sentimentScore(s) + ReactionBonus(reactions))
}

// FallbackAnalyzer tries Primary and falls back to Secondary on error or when
// Primary finds no keywords.
type FallbackAnalyzer struct {
	Primary   Analyzer
	Secondary Analyzer
}

// Analyze implements Analyzer.
func (f FallbackAnalyzer) Analyze(ctx context.Context, text string) (models.TextAnalysis, error) {
	if f.Primary != nil {
		res, err := f.Primary.Analyze(ctx, text)
		if err == nil && len(res.Keywords) > 0 {
			return res, nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return models.TextAnalysis{}, err
			}
			slog.Warn("FallbackAnalyzer.Analyze: primary analyzer failed, using fallback", "error", err)
		}
	}
	if f.Secondary == nil {
		return HeuristicAnalyzer{}.Analyze(ctx, text)
	}
	return f.Secondary.Analyze(ctx, text)
}
