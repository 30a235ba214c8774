package wizard

import (
	"fmt"
	"strings"

	"StoryTales/server/internal/storyapi"
)

// ScreenKind identifies a wizard step.
type ScreenKind int

const (
	Kudos ScreenKind = iota
	Character
	Setting
	Theme
	Review
)

type behavior struct {
	name     string
	label    string
	input    bool
	required bool
	pool     func(*storyapi.AnalysisResult) []string
}

var behaviors = map[ScreenKind]behavior{
	Kudos: {
		name:  "kudos",
		label: "What we love about your art",
		pool:  func(r *storyapi.AnalysisResult) []string { return r.Comments },
	},
	Character: {
		name:     "character",
		label:    "Who is the story about?",
		input:    true,
		required: true,
		pool:     func(r *storyapi.AnalysisResult) []string { return r.StoryElements.Characters },
	},
	Setting: {
		name:     "setting",
		label:    "Where does it happen?",
		input:    true,
		required: true,
		pool:     func(r *storyapi.AnalysisResult) []string { return r.StoryElements.Setting },
	},
	Theme: {
		name:     "theme",
		label:    "What do they learn?",
		input:    true,
		required: true,
		pool:     func(r *storyapi.AnalysisResult) []string { return r.StoryElements.Moral },
	},
	Review: {
		name:  "review",
		label: "Ready for your story?",
	},
}

func (k ScreenKind) String() string {
	if b, ok := behaviors[k]; ok {
		return b.name
	}
	return "unknown"
}

// Label is the heading shown on the screen.
func (k ScreenKind) Label() string { return behaviors[k].label }

// HasInput reports whether the screen edits a value.
func (k ScreenKind) HasInput() bool { return behaviors[k].input }

// Required reports whether the value is needed to submit the story.
func (k ScreenKind) Required() bool { return behaviors[k].required }

func (k ScreenKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ScreenKind) UnmarshalText(b []byte) error {
	for kind, bh := range behaviors {
		if bh.name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown screen %q", b)
}

// ScreenState is one wizard step.
type ScreenState struct {
	Kind               ScreenKind
	Value              string
	Pool               []string
	Used               map[string]struct{}
	SuggestionsVisible bool
}

func newScreen(kind ScreenKind, pool []string) *ScreenState {
	s := &ScreenState{Kind: kind, Pool: pool, Used: map[string]struct{}{}}
	if kind.HasInput() && len(pool) > 0 {
		s.Value = pool[0]
		s.Used[pool[0]] = struct{}{}
	}
	return s
}

func (s *ScreenState) used(item string) bool {
	_, ok := s.Used[item]
	return ok
}

func (s *ScreenState) unused() []string {
	out := make([]string, 0, len(s.Pool))
	for _, p := range s.Pool {
		if !s.used(p) {
			out = append(out, p)
		}
	}
	return out
}

func (s *ScreenState) firstUnused() (string, bool) {
	for _, p := range s.Pool {
		if !s.used(p) {
			return p, true
		}
	}
	return "", false
}

func (s *ScreenState) inPool(item string) bool {
	for _, p := range s.Pool {
		if p == item {
			return true
		}
	}
	return false
}

func (s *ScreenState) apply(item string) {
	s.Value = item
	s.Used[item] = struct{}{}
	s.SuggestionsVisible = false
}

func (s *ScreenState) persist() {
	s.Value = strings.TrimSpace(s.Value)
	s.SuggestionsVisible = false
}

// buildPool trims items and drops blanks and repeats, keeping the service's order.
func buildPool(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if _, dup := seen[it]; dup {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
