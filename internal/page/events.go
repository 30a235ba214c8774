package page

import (
	"go.uber.org/atomic"

	"StoryTales/server/internal/upload"
)

// Action names a control on the page.
type Action string

const (
	ActionUpload           Action = "upload"
	ActionClearImage       Action = "clear_image"
	ActionKeywords         Action = "keywords"
	ActionAnalyze          Action = "analyze"
	ActionInput            Action = "input"
	ActionNext             Action = "next"
	ActionBack             Action = "back"
	ActionSkip             Action = "skip"
	ActionGoTo             Action = "goto"
	ActionToggleSuggestion Action = "toggle_suggestions"
	ActionSelectSuggestion Action = "select_suggestion"
	ActionRotate           Action = "rotate"
	ActionCloseModal       Action = "close_modal"
	ActionCreate           Action = "create"
	ActionPrompt           Action = "prompt"
	ActionGenerate         Action = "generate"
	ActionNewStory         Action = "new_story"
	ActionDismissError     Action = "dismiss_error"
)

// Event is an action forwarded by the browser.
type Event struct {
	Action Action `json:"action"`
	Value  string `json:"value,omitempty"`
	Index  int    `json:"index,omitempty"`
	// Field names the free-text form field for ActionPrompt.
	Field string `json:"field,omitempty"`
	// Source and Name describe an upload sent over the socket.
	Source string `json:"source,omitempty"`
	Name   string `json:"name,omitempty"`
}

// event is anything the loop handles: browser actions and completions of background work.
type event interface{}

// completion is the result of background work, applied on the loop.
type completion interface {
	apply(p *Page)
}

// settled clears a busy flag and then applies the work's result, if any.
type settled struct {
	flag *atomic.Bool
	next completion
}

func (s settled) apply(p *Page) {
	s.flag.Store(false)
	if s.next != nil {
		s.next.apply(p)
	}
}

type uploadEvent struct {
	source upload.Source
	file   upload.File
}

func (u uploadEvent) apply(p *Page) { p.startUpload(u.source, u.file) }

type imageReady struct{ img upload.UploadedImage }

func (e imageReady) apply(p *Page) { p.onImageReady(e.img) }

type imageCleared struct{}

func (imageCleared) apply(p *Page) { p.onImageCleared() }
