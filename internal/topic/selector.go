// Package topic picks conversation starters, broadcasts them, measures how well
// they landed and retires workflows nobody picked up.
package topic

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/store"
)

// DefaultExclusionWindowDays keeps a topic out of rotation after it is used.
const DefaultExclusionWindowDays = 14

// FallbackPoolSize is how many least-recently-used topics are drawn from when
// every topic in a category is inside the exclusion window.
const FallbackPoolSize = 5

// lockedRand makes a *rand.Rand safe for concurrent use.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(r *rand.Rand) *lockedRand {
	if r == nil {
		r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &lockedRand{r: r}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}

// Selector draws topics weighted toward high engagement and low usage.
type Selector struct {
	repo store.TopicRepo
	rng  *lockedRand
	now  func() time.Time
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithRand fixes the random source, mainly for tests.
func WithRand(r *rand.Rand) SelectorOption {
	return func(s *Selector) { s.rng = newLockedRand(r) }
}

// WithSelectorClock overrides time.Now.
func WithSelectorClock(now func() time.Time) SelectorOption {
	return func(s *Selector) { s.now = now }
}

// NewSelector creates a Selector over repo.
func NewSelector(repo store.TopicRepo, opts ...SelectorOption) *Selector {
	s := &Selector{repo: repo, rng: newLockedRand(nil), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Weight is the draw weight of t.
func Weight(t models.Topic) float64 {
	return (t.AverageEngagement + 1) / float64(t.UsageCount+1)
}

// Select returns a topic from category that has not been used in the last
// exclusionDays days, falling back to the least recently used ones. It returns
// nil, nil only when the category has no topics at all.
func (s *Selector) Select(ctx context.Context, category string, exclusionDays int) (*models.Topic, error) {
	if exclusionDays < 0 {
		exclusionDays = 0
	}
	cutoff := s.now().Add(-time.Duration(exclusionDays) * 24 * time.Hour)
	candidates, err := s.repo.ListTopicCandidates(ctx, category, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select topic: %w", err)
	}
	if len(candidates) == 0 {
		slog.Debug("Selector.Select: every topic recently used, falling back to LRU", "category", category)
		candidates, err = s.repo.ListLeastRecentlyUsedTopics(ctx, category, FallbackPoolSize)
		if err != nil {
			return nil, fmt.Errorf("select topic: %w", err)
		}
	}
	if len(candidates) == 0 {
		slog.Error("Selector.Select: no topics in category", "category", category)
		return nil, nil
	}
	t := s.draw(candidates)
	slog.Debug("Selector.Select", "category", category, "topicID", t.ID, "candidates", len(candidates))
	return &t, nil
}

func (s *Selector) draw(candidates []models.Topic) models.Topic {
	total := 0.0
	for _, c := range candidates {
		total += Weight(c)
	}
	x := s.rng.Float64() * total
	for _, c := range candidates {
		x -= Weight(c)
		if x < 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

// MarkUsed records that id was just broadcast.
func (s *Selector) MarkUsed(ctx context.Context, id string) error {
	if err := s.repo.MarkTopicUsed(ctx, id, s.now()); err != nil {
		return fmt.Errorf("mark topic used: %w", err)
	}
	return nil
}
