// Package catalog is the static quiz content the match engine derives its question sets from.
// The engine only needs "an ordered set of matchable items"; quiz semantics stay here.
package catalog

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/jason-s-yu/quizduel/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed content.yaml
var defaultContent []byte

// Item is one matchable piece of content.
type Item struct {
	ID      string   `yaml:"id" json:"id"`
	Prompt  string   `yaml:"prompt" json:"prompt"`
	Region  string   `yaml:"region" json:"region,omitempty"`
	Answers []string `yaml:"answers" json:"-"`
}

// Matches reports whether answer is one of the item's accepted answers after normalization.
func (it Item) Matches(answer string) bool {
	want := Normalize(answer)
	if want == "" {
		return false
	}
	for _, a := range it.Answers {
		if Normalize(a) == want {
			return true
		}
	}
	return false
}

// Catalog lists content for a mode. Implementations must return items in a stable order;
// callers permute the result themselves.
type Catalog interface {
	ListContent(mode models.GameMode, param string) ([]Item, error)
}

// Static is an immutable in-memory catalog.
type Static struct {
	items []Item
}

type contentFile struct {
	Items []Item `yaml:"items"`
}

// Load parses a YAML content document.
func Load(data []byte) (*Static, error) {
	var f contentFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse content: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Items))
	for i, it := range f.Items {
		if it.ID == "" {
			return nil, fmt.Errorf("content item %d has no id", i)
		}
		if _, dup := seen[it.ID]; dup {
			return nil, fmt.Errorf("duplicate content id %q", it.ID)
		}
		if len(it.Answers) == 0 {
			return nil, fmt.Errorf("content item %q has no answers", it.ID)
		}
		seen[it.ID] = struct{}{}
		f.Items[i].Region = strings.ToLower(it.Region)
	}
	return &Static{items: f.Items}, nil
}

// Default returns the catalog compiled into the binary.
func Default() *Static {
	s, err := Load(defaultContent)
	if err != nil {
		panic(fmt.Sprintf("embedded content is invalid: %v", err))
	}
	return s
}

// ListContent returns the items for a mode. Region mode filters by the (case-insensitive)
// region parameter; the other modes draw from the whole catalog.
func (s *Static) ListContent(mode models.GameMode, param string) ([]Item, error) {
	switch mode {
	case models.ModeRegion:
		region := strings.ToLower(strings.TrimSpace(param))
		var out []Item
		for _, it := range s.items {
			if it.Region == region {
				out = append(out, it)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("no content for region %q", param)
		}
		return out, nil
	case models.ModeFixed, models.ModeLives:
		out := make([]Item, len(s.items))
		copy(out, s.items)
		return out, nil
	default:
		return nil, fmt.Errorf("unknown game mode %q", mode)
	}
}

// Regions lists the distinct regions in catalog order.
func (s *Static) Regions() []string {
	var out []string
	seen := map[string]bool{}
	for _, it := range s.items {
		if it.Region != "" && !seen[it.Region] {
			seen[it.Region] = true
			out = append(out, it.Region)
		}
	}
	return out
}
