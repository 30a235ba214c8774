// Package wizard holds the step-by-step flow that turns an artwork analysis into the answers
// of a story request.
//
// A Controller is owned by a single page loop and is not safe for concurrent use.
package wizard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"StoryTales/server/internal/storyapi"
)

var (
	ErrNotSeeded         = errors.New("wizard: no analysis seeded")
	ErrOutOfRange        = errors.New("wizard: screen index out of range")
	ErrExhausted         = errors.New("wizard: no more suggestions")
	ErrUnknownSuggestion = errors.New("wizard: suggestion not offered on this screen")
	ErrNoInput           = errors.New("wizard: screen has no input")
)

// MissingInputError lists the required screens left empty at submit.
type MissingInputError struct {
	Fields []ScreenKind
}

func (e *MissingInputError) Error() string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.String()
	}
	return fmt.Sprintf("wizard: missing %s", strings.Join(names, ", "))
}

// Message is the text shown to the user.
func (e *MissingInputError) Message() string {
	if len(e.Fields) == 1 {
		return fmt.Sprintf("Please fill in the %s before creating your story.", e.Fields[0])
	}
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.String()
	}
	last := len(names) - 1
	return fmt.Sprintf("Please fill in the %s and %s before creating your story.",
		strings.Join(names[:last], ", "), names[last])
}

// Options configures a Controller.
type Options struct {
	// Kudos adds a compliments screen in front of the wizard when the analysis has comments.
	Kudos bool
}

// Session is one pass through the wizard.
type Session struct {
	ID      string
	Screens []*ScreenState
	Index   int
}

// Controller drives the wizard.
type Controller struct {
	opts    Options
	session *Session
}

func New(opts Options) *Controller {
	return &Controller{opts: opts}
}

// Seed starts a new session from result. Each screen gets its suggestion pool and the first
// suggestion as its value.
func (c *Controller) Seed(result *storyapi.AnalysisResult) error {
	if result == nil || result.StoryElements == nil {
		return errors.New("wizard: analysis has no story elements")
	}

	kinds := []ScreenKind{Character, Setting, Theme, Review}
	if c.opts.Kudos && len(buildPool(result.Comments)) > 0 {
		kinds = append([]ScreenKind{Kudos}, kinds...)
	}

	screens := make([]*ScreenState, len(kinds))
	for i, k := range kinds {
		var pool []string
		if src := behaviors[k].pool; src != nil {
			pool = buildPool(src(result))
		}
		screens[i] = newScreen(k, pool)
	}

	c.session = &Session{ID: uuid.NewString(), Screens: screens}
	return nil
}

// Seeded reports whether a session exists.
func (c *Controller) Seeded() bool { return c.session != nil }

// SessionID identifies the current session. It changes on every Seed and Reset.
func (c *Controller) SessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

// Index is the current screen position.
func (c *Controller) Index() int {
	if c.session == nil {
		return 0
	}
	return c.session.Index
}

// Len is the number of screens.
func (c *Controller) Len() int {
	if c.session == nil {
		return 0
	}
	return len(c.session.Screens)
}

// Current returns the screen at the current index.
func (c *Controller) Current() (*ScreenState, error) {
	if c.session == nil {
		return nil, ErrNotSeeded
	}
	return c.session.Screens[c.session.Index], nil
}

// IndexOf returns the position of kind, or -1.
func (c *Controller) IndexOf(kind ScreenKind) int {
	if c.session == nil {
		return -1
	}
	for i, s := range c.session.Screens {
		if s.Kind == kind {
			return i
		}
	}
	return -1
}

func (c *Controller) move(to int) {
	s := c.session
	s.Screens[s.Index].persist()
	s.Index = to
}

// Next stores the current value and advances. It does nothing on the last screen.
func (c *Controller) Next() error {
	if c.session == nil {
		return ErrNotSeeded
	}
	to := c.session.Index + 1
	if to >= len(c.session.Screens) {
		to = len(c.session.Screens) - 1
	}
	c.move(to)
	return nil
}

// Back stores the current value and steps back. It does nothing on the first screen.
func (c *Controller) Back() error {
	if c.session == nil {
		return ErrNotSeeded
	}
	to := c.session.Index - 1
	if to < 0 {
		to = 0
	}
	c.move(to)
	return nil
}

// GoTo jumps to screen i.
func (c *Controller) GoTo(i int) error {
	if c.session == nil {
		return ErrNotSeeded
	}
	if i < 0 || i >= len(c.session.Screens) {
		return ErrOutOfRange
	}
	c.move(i)
	return nil
}

// Skip fills an empty value with the next unused suggestion and advances.
func (c *Controller) Skip() error {
	cur, err := c.Current()
	if err != nil {
		return err
	}
	if cur.Kind.HasInput() && strings.TrimSpace(cur.Value) == "" {
		if item, ok := cur.firstUnused(); ok {
			cur.apply(item)
		}
	}
	return c.Next()
}

// SetValue records what the user typed on the current screen.
func (c *Controller) SetValue(v string) error {
	cur, err := c.Current()
	if err != nil {
		return err
	}
	if !cur.Kind.HasInput() {
		return ErrNoInput
	}
	cur.Value = v
	return nil
}

// Reset clears every answer and starts a new session on the same suggestions.
func (c *Controller) Reset() error {
	if c.session == nil {
		return ErrNotSeeded
	}
	for _, s := range c.session.Screens {
		s.Value = ""
		s.Used = map[string]struct{}{}
		s.SuggestionsVisible = false
	}
	c.session.Index = 0
	c.session.ID = uuid.NewString()
	return nil
}

// Progress is the percentage shown in the progress bar. The kudos screen is not counted and
// reports 0.
func (c *Controller) Progress() int {
	if c.session == nil {
		return 0
	}
	n, k := 0, -1
	for i, s := range c.session.Screens {
		if s.Kind == Kudos {
			continue
		}
		if i <= c.session.Index {
			k++
		}
		n++
	}
	if n == 0 || c.session.Screens[c.session.Index].Kind == Kudos {
		return 0
	}
	return (k + 1) * 100 / n
}

// Brief returns the answers for the story request.
func (c *Controller) Brief() (storyapi.StoryContext, error) {
	if c.session == nil {
		return storyapi.StoryContext{}, ErrNotSeeded
	}

	values := map[ScreenKind]string{}
	var missing []ScreenKind
	for _, s := range c.session.Screens {
		if !s.Kind.Required() {
			continue
		}
		v := strings.TrimSpace(s.Value)
		if v == "" {
			missing = append(missing, s.Kind)
			continue
		}
		values[s.Kind] = v
	}
	if len(missing) > 0 {
		return storyapi.StoryContext{}, &MissingInputError{Fields: missing}
	}
	return storyapi.StoryContext{
		Character: values[Character],
		Setting:   values[Setting],
		Theme:     values[Theme],
	}, nil
}
