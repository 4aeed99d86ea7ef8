package topic

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/store"
	"github.com/BTreeMap/HuddlePipe/internal/util"
)

// CatalogEntry is one topic in the seed file.
type CatalogEntry struct {
	Content       string `yaml:"content"`
	ReactionEmoji string `yaml:"reaction_emoji,omitempty"`
}

// Catalog is the YAML seed file, grouped by category.
type Catalog struct {
	Categories map[string][]CatalogEntry `yaml:"categories"`
}

// LoadCatalog reads and parses the catalog at path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topic catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse topic catalog: %w", err)
	}
	return &c, nil
}

// CatalogTopicID is the deterministic id of a catalog entry.
func CatalogTopicID(category, content string) string {
	return util.StableID(util.TopicNamespace, "catalog\x00"+category+"\x00"+content)
}

// SeedCatalog inserts every catalog entry that is not stored yet and returns how
// many were new. Re-seeding the same catalog is a no-op.
func SeedCatalog(ctx context.Context, repo store.TopicRepo, c *Catalog) (int, error) {
	categories := make([]string, 0, len(c.Categories))
	for cat := range c.Categories {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	inserted := 0
	for _, cat := range categories {
		for _, e := range c.Categories[cat] {
			t := &models.Topic{
				ID:            CatalogTopicID(cat, e.Content),
				Category:      cat,
				Content:       e.Content,
				ReactionEmoji: e.ReactionEmoji,
				Source:        models.TopicSourceCatalog,
			}
			ok, err := repo.UpsertTopic(ctx, t)
			if err != nil {
				return inserted, fmt.Errorf("seed topic %q: %w", e.Content, err)
			}
			if ok {
				inserted++
			}
		}
	}
	slog.Info("SeedCatalog: topics seeded", "inserted", inserted, "categories", len(categories))
	return inserted, nil
}

// ManualTopicID is the deterministic id of a topic added through the API.
func ManualTopicID(category, content string) string {
	return util.StableID(util.TopicNamespace, "manual\x00"+category+"\x00"+content)
}
