package wizard

// ScreenView is the rendered state of one screen.
type ScreenView struct {
	Kind     ScreenKind `json:"kind"`
	Label    string     `json:"label"`
	Value    string     `json:"value,omitempty"`
	Input    bool       `json:"input"`
	Comments []string   `json:"comments,omitempty"`
	Panel    PanelView  `json:"panel"`
}

// View is the wizard as the page shows it.
type View struct {
	SessionID string       `json:"session_id"`
	Index     int          `json:"index"`
	Progress  int          `json:"progress"`
	First     bool         `json:"first"`
	Last      bool         `json:"last"`
	Screens   []ScreenView `json:"screens"`
	// Brief holds the answers when the current screen is the review.
	Brief map[string]string `json:"brief,omitempty"`
}

// Snapshot renders the session. It returns nil before Seed.
func (c *Controller) Snapshot() *View {
	s := c.session
	if s == nil {
		return nil
	}

	v := &View{
		SessionID: s.ID,
		Index:     s.Index,
		Progress:  c.Progress(),
		First:     s.Index == 0,
		Last:      s.Index == len(s.Screens)-1,
		Screens:   make([]ScreenView, len(s.Screens)),
	}
	for i, sc := range s.Screens {
		sv := ScreenView{
			Kind:  sc.Kind,
			Label: sc.Kind.Label(),
			Value: sc.Value,
			Input: sc.Kind.HasInput(),
			Panel: viewOf(sc),
		}
		if sc.Kind == Kudos {
			sv.Comments = sc.Pool
		}
		v.Screens[i] = sv
	}

	if s.Screens[s.Index].Kind == Review {
		v.Brief = map[string]string{}
		for _, sc := range s.Screens {
			if sc.Kind.Required() {
				v.Brief[sc.Kind.String()] = sc.Value
			}
		}
	}
	return v
}
