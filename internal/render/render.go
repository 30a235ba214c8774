// Package render turns a story or an error into the view that replaces the wizard.
package render

import (
	"bytes"
	"html/template"
	"strings"

	"github.com/sirupsen/logrus"
)

// Kind of a rendered view.
type Kind string

const (
	KindStory Kind = "story"
	KindError Kind = "error"
)

// Actions offered by the views.
const (
	ActionBack     = "back"
	ActionNewStory = "new_story"
	ActionDismiss  = "dismiss_error"
)

const defaultErrorMessage = "Something went wrong. Please try again."

// View is a rendered result.
type View struct {
	Kind        Kind          `json:"kind"`
	Paragraphs  []string      `json:"paragraphs,omitempty"`
	Message     string        `json:"message,omitempty"`
	Dismissable bool          `json:"dismissable,omitempty"`
	Actions     []string      `json:"actions"`
	HTML        template.HTML `json:"html"`
}

var fragments = template.Must(template.New("story").Parse(
	`<div class="story-result">{{range .Paragraphs}}<p>{{.}}</p>{{end}}` +
		`<div class="story-actions"><button data-action="back">Back</button>` +
		`<button data-action="new_story">Start a new story</button></div></div>`,
))

func init() {
	template.Must(fragments.New("error").Parse(
		`<div class="error-message" role="alert"><p>{{.Message}}</p>` +
			`<button data-action="dismiss_error">Dismiss</button></div>`,
	))
}

// Renderer builds result views.
type Renderer struct {
	log logrus.FieldLogger
}

func New(log logrus.FieldLogger) *Renderer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Renderer{log: log.WithField("component", "render")}
}

// RenderStory splits text into paragraphs, one per non-blank line. A story with no text
// renders as an error.
func (r *Renderer) RenderStory(text string) View {
	var paras []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paras = append(paras, line)
		}
	}
	if len(paras) == 0 {
		return r.RenderError("No story content received")
	}

	v := View{Kind: KindStory, Paragraphs: paras, Actions: []string{ActionBack, ActionNewStory}}
	v.HTML = r.execute("story", v)
	return v
}

// RenderError builds a dismissable error view.
func (r *Renderer) RenderError(msg string) View {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = defaultErrorMessage
	}
	v := View{Kind: KindError, Message: msg, Dismissable: true, Actions: []string{ActionDismiss}}
	v.HTML = r.execute("error", v)
	return v
}

func (r *Renderer) execute(name string, v View) template.HTML {
	var buf bytes.Buffer
	if err := fragments.ExecuteTemplate(&buf, name, v); err != nil {
		r.log.WithError(err).WithField("template", name).Error("render failed")
		return ""
	}
	return template.HTML(buf.String())
}
