package wizard

// PanelView is what the suggestion popover shows.
type PanelView struct {
	Visible bool     `json:"visible"`
	Items   []string `json:"items,omitempty"`
	// NoSuggestions is set when the analysis gave nothing for this screen.
	NoSuggestions bool `json:"no_suggestions,omitempty"`
	// Exhausted is set when every suggestion was used; Items then holds the full pool.
	Exhausted bool `json:"exhausted,omitempty"`
}

func viewOf(s *ScreenState) PanelView {
	if !s.SuggestionsVisible {
		return PanelView{}
	}
	v := PanelView{Visible: true}
	switch items := s.unused(); {
	case len(s.Pool) == 0:
		v.NoSuggestions = true
	case len(items) == 0:
		v.Exhausted = true
		v.Items = append([]string(nil), s.Pool...)
	default:
		v.Items = items
	}
	return v
}

// Panel is the suggestion popover of the current screen.
type Panel struct {
	c *Controller
}

// Panel returns the popover bound to whichever screen is current when it is used.
func (c *Controller) Panel() Panel { return Panel{c: c} }

func (p Panel) screen() (*ScreenState, error) {
	cur, err := p.c.Current()
	if err != nil {
		return nil, err
	}
	if !cur.Kind.HasInput() {
		return nil, ErrNoInput
	}
	return cur, nil
}

// Toggle opens or closes the popover. Opening it closes the popovers of other screens.
func (p Panel) Toggle() (PanelView, error) {
	cur, err := p.screen()
	if err != nil {
		return PanelView{}, err
	}
	cur.SuggestionsVisible = !cur.SuggestionsVisible
	if cur.SuggestionsVisible {
		for _, s := range p.c.session.Screens {
			if s != cur {
				s.SuggestionsVisible = false
			}
		}
	}
	return viewOf(cur), nil
}

// Select writes item into the screen and closes the popover.
func (p Panel) Select(item string) error {
	cur, err := p.screen()
	if err != nil {
		return err
	}
	if !cur.inPool(item) {
		return ErrUnknownSuggestion
	}
	cur.apply(item)
	return nil
}

// Rotate replaces the value with the next unused suggestion in pool order. When none is
// left it returns ErrExhausted and keeps the value.
func (p Panel) Rotate() (string, error) {
	cur, err := p.screen()
	if err != nil {
		return "", err
	}
	item, ok := cur.firstUnused()
	if !ok {
		return "", ErrExhausted
	}
	cur.apply(item)
	return item, nil
}
