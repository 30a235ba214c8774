package page

import (
	"errors"

	"github.com/dustin/go-humanize"

	"StoryTales/server/internal/render"
	"StoryTales/server/internal/storyapi"
	"StoryTales/server/internal/upload"
	"StoryTales/server/internal/wizard"
)

// NoticeKind classifies a message shown next to the controls.
type NoticeKind string

const (
	NoticeValidation   NoticeKind = "validation"
	NoticeFileRead     NoticeKind = "file_read"
	NoticeService      NoticeKind = "service"
	NoticeNetwork      NoticeKind = "network"
	NoticeMissingInput NoticeKind = "missing_input"
	NoticeInfo         NoticeKind = "info"
)

// Notice is a recoverable problem reported to the user.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
}

func noticeFor(err error) *Notice {
	var (
		ve      *upload.ValidationError
		re      *upload.FileReadError
		f       *storyapi.Failure
		missing *wizard.MissingInputError
	)
	switch {
	case errors.As(err, &ve):
		return &Notice{Kind: NoticeValidation, Message: ve.Error()}
	case errors.As(err, &re):
		return &Notice{Kind: NoticeFileRead, Message: re.Error()}
	case errors.As(err, &missing):
		return &Notice{Kind: NoticeMissingInput, Message: missing.Message()}
	case errors.As(err, &f) && f.Kind == storyapi.KindService:
		return &Notice{Kind: NoticeService, Message: storyapi.UserMessage(err)}
	}
	return &Notice{Kind: NoticeNetwork, Message: storyapi.UserMessage(err)}
}

const (
	labelAnalyze    = "Analyze Artwork"
	labelAnalyzing  = "Analyzing…"
	labelCreate     = "Create Our Story! 📖"
	labelCreating   = "Creating…"
	labelGenerate   = "Generate Story"
	labelGenerating = "Creating your story…"
)

// BusyView drives the disabled state and text of the buttons.
type BusyView struct {
	Reading       bool   `json:"reading"`
	Analyzing     bool   `json:"analyzing"`
	Creating      bool   `json:"creating"`
	Generating    bool   `json:"generating"`
	AnalyzeLabel  string `json:"analyze_label"`
	CreateLabel   string `json:"create_label"`
	GenerateLabel string `json:"generate_label"`
}

func label(busy bool, idle, active string) string {
	if busy {
		return active
	}
	return idle
}

// ImageView describes the uploaded artwork. Preview is only sent when the image changed.
type ImageView struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	SizeText string `json:"size_text"`
	Version  uint64 `json:"version"`
	Preview  string `json:"preview,omitempty"`
}

// Snapshot is the complete page state pushed to the browser.
type Snapshot struct {
	Session  string       `json:"session"`
	Image    *ImageView   `json:"image,omitempty"`
	Keywords string       `json:"keywords"`
	Prompt   PromptForm   `json:"prompt"`
	Busy     BusyView     `json:"busy"`
	Modal    bool         `json:"modal"`
	Wizard   *wizard.View `json:"wizard,omitempty"`
	Result   *render.View `json:"result,omitempty"`
	Notice   *Notice      `json:"notice,omitempty"`
}

func (p *Page) snapshot() Snapshot {
	s := Snapshot{
		Session:  p.id,
		Keywords: p.keywords,
		Prompt:   p.prompt,
		Busy: BusyView{
			Reading:       p.busy.reading.Load(),
			Analyzing:     p.busy.analyzing.Load(),
			Creating:      p.busy.creating.Load(),
			Generating:    p.busy.generating.Load(),
			AnalyzeLabel:  label(p.busy.analyzing.Load(), labelAnalyze, labelAnalyzing),
			CreateLabel:   label(p.busy.creating.Load(), labelCreate, labelCreating),
			GenerateLabel: label(p.busy.generating.Load(), labelGenerate, labelGenerating),
		},
		Modal:  p.modalOpen,
		Result: p.result,
		Notice: p.notice,
	}
	if p.modalOpen {
		s.Wizard = p.wizard.Snapshot()
	}

	if img, ok := p.widget.Image(); ok {
		v := p.widget.Version()
		s.Image = &ImageView{
			Name:     img.Name,
			MimeType: img.MimeType,
			Size:     img.Size,
			SizeText: humanize.IBytes(uint64(img.Size)),
			Version:  v,
		}
		if v != p.sentVersion {
			s.Image.Preview = img.Preview
			p.sentVersion = v
		}
	}
	return s
}
