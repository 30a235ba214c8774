package storyapi

import (
	"encoding/json"
	"fmt"
	"strings"
)

// legacyDelimiter separates suggestions when the service sends a single string.
const legacyDelimiter = "|"

// StringList decodes either a JSON array of strings or a single string. A single string is
// split on "|" so that older analysis payloads still yield one suggestion per item.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*l = nil
		return nil
	}

	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = cleanList(strings.Split(s, legacyDelimiter))
		return nil
	}

	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = cleanList(items)
	return nil
}

func cleanList(items []string) StringList {
	out := make(StringList, 0, len(items))
	for _, it := range items {
		if s := strings.TrimSpace(it); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// StoryElements are the suggestions extracted from the artwork.
type StoryElements struct {
	Characters  StringList `json:"characters"`
	Setting     StringList `json:"setting"`
	Moral       StringList `json:"moral"`
	OpeningLine string     `json:"opening_line,omitempty"`
}

func (e *StoryElements) UnmarshalJSON(data []byte) error {
	var raw struct {
		Characters  StringList `json:"characters"`
		Setting     StringList `json:"setting"`
		SettingVibe StringList `json:"setting/vibe"`
		Moral       StringList `json:"moral"`
		OpeningLine string     `json:"opening_line"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.Characters = raw.Characters
	e.Setting = raw.Setting
	if len(e.Setting) == 0 {
		e.Setting = raw.SettingVibe
	}
	e.Moral = raw.Moral
	e.OpeningLine = strings.TrimSpace(raw.OpeningLine)
	return nil
}

// AnalysisResult is the structured reply of the artwork analysis.
type AnalysisResult struct {
	StoryElements *StoryElements `json:"story_elements"`
	Comments      []string       `json:"comments,omitempty"`
	Questions     []string       `json:"questions,omitempty"`
}

// Age groups understood by the story service.
const (
	AgeBaby    = "baby"
	AgePreK    = "preK"
	AgeGrowing = "growing"
)

// NormalizeAgeGroup maps unknown values to fallback.
func NormalizeAgeGroup(age, fallback string) string {
	switch age {
	case AgeBaby, AgePreK, AgeGrowing:
		return age
	}
	return fallback
}

// StoryContext carries the wizard answers.
type StoryContext struct {
	Character string `json:"character"`
	Setting   string `json:"setting"`
	Theme     string `json:"theme"`
}

// GenerationRequest is the body sent to the story service.
type GenerationRequest struct {
	MainPrompt    string        `json:"mainPrompt"`
	AgeGroup      string        `json:"ageGroup"`
	IsArtworkFlow bool          `json:"isArtworkFlow"`
	Context       *StoryContext `json:"context,omitempty"`
	Keywords      string        `json:"keywords,omitempty"`

	// Optional details of the free-text form.
	Moral    string `json:"moral,omitempty"`
	Creature string `json:"creature,omitempty"`
	Magic    string `json:"magic,omitempty"`
	Vibe     string `json:"vibe,omitempty"`
}

// ArtworkPrompt builds the main prompt from the wizard answers.
func ArtworkPrompt(sc StoryContext) string {
	return fmt.Sprintf("A story about %s in %s who %s", sc.Character, sc.Setting, sc.Theme)
}

// NewArtworkRequest builds the request submitted from the wizard's review screen.
func NewArtworkRequest(sc StoryContext, ageGroup, keywords string) GenerationRequest {
	return GenerationRequest{
		MainPrompt:    ArtworkPrompt(sc),
		AgeGroup:      ageGroup,
		IsArtworkFlow: true,
		Context:       &sc,
		Keywords:      strings.TrimSpace(keywords),
	}
}
