package models

import (
	"fmt"
	"strings"
)

// ReactionCategory classifies a reaction kind for invitation purposes.
type ReactionCategory string

const (
	// ReactionParticipating reactors are invited to the calendar event.
	ReactionParticipating ReactionCategory = "participating"
	// ReactionObserving reactors count toward the threshold but are never invited.
	ReactionObserving ReactionCategory = "observing"
)

// IsValid reports whether c is a known category.
func (c ReactionCategory) IsValid() bool {
	return c == ReactionParticipating || c == ReactionObserving
}

// ReactionKinds maps reaction kinds (emoji names) to categories.
type ReactionKinds struct {
	kinds    map[string]ReactionCategory
	fallback ReactionCategory
}

// DefaultReactionKinds returns the built-in mapping used when nothing is configured.
func DefaultReactionKinds() ReactionKinds {
	return ReactionKinds{
		kinds: map[string]ReactionCategory{
			"+1":               ReactionParticipating,
			"thumbsup":         ReactionParticipating,
			"raised_hand":      ReactionParticipating,
			"hand":             ReactionParticipating,
			"tada":             ReactionParticipating,
			"heart":            ReactionParticipating,
			"white_check_mark": ReactionParticipating,
			"eyes":             ReactionObserving,
			"thinking_face":    ReactionObserving,
			"memo":             ReactionObserving,
			"bookmark":         ReactionObserving,
		},
		fallback: ReactionParticipating,
	}
}

// NewReactionKinds builds a mapping with the given fallback for unknown kinds.
func NewReactionKinds(kinds map[string]ReactionCategory, fallback ReactionCategory) ReactionKinds {
	m := make(map[string]ReactionCategory, len(kinds))
	for k, v := range kinds {
		m[normalizeKind(k)] = v
	}
	if !fallback.IsValid() {
		fallback = ReactionParticipating
	}
	return ReactionKinds{kinds: m, fallback: fallback}
}

// ParseReactionKinds parses "name:category,name:category" into a mapping.
func ParseReactionKinds(list string, fallback ReactionCategory) (ReactionKinds, error) {
	kinds := make(map[string]ReactionCategory)
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, cat, ok := strings.Cut(pair, ":")
		if !ok {
			return ReactionKinds{}, fmt.Errorf("reaction kind %q: expected name:category", pair)
		}
		category := ReactionCategory(strings.TrimSpace(cat))
		if !category.IsValid() {
			return ReactionKinds{}, fmt.Errorf("reaction kind %q: unknown category %q", name, category)
		}
		kinds[strings.TrimSpace(name)] = category
	}
	if len(kinds) == 0 {
		return ReactionKinds{}, fmt.Errorf("no reaction kinds in %q", list)
	}
	return NewReactionKinds(kinds, fallback), nil
}

// WithFallback returns a copy of r that maps unknown kinds to fallback.
func (r ReactionKinds) WithFallback(fallback ReactionCategory) ReactionKinds {
	return NewReactionKinds(r.kinds, fallback)
}

// Category returns the category for kind, falling back for unknown kinds.
// Skin-tone suffixes such as "+1::skin-tone-2" are ignored.
func (r ReactionKinds) Category(kind string) ReactionCategory {
	if c, ok := r.kinds[normalizeKind(kind)]; ok {
		return c
	}
	if r.fallback == "" {
		return ReactionParticipating
	}
	return r.fallback
}

// IsParticipating reports whether kind earns an invitation.
func (r ReactionKinds) IsParticipating(kind string) bool {
	return r.Category(kind) == ReactionParticipating
}

// Kinds returns the configured kinds for category, for rendering reaction hints.
func (r ReactionKinds) Kinds(category ReactionCategory) []string {
	var out []string
	for k, c := range r.kinds {
		if c == category {
			out = append(out, k)
		}
	}
	return out
}

func normalizeKind(kind string) string {
	kind = strings.Trim(strings.TrimSpace(kind), ":")
	if i := strings.Index(kind, "::"); i >= 0 {
		kind = kind[:i]
	}
	return strings.ToLower(kind)
}
