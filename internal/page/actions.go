package page

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"StoryTales/server/internal/render"
	"StoryTales/server/internal/storyapi"
	"StoryTales/server/internal/upload"
	"StoryTales/server/internal/wizard"
)

const (
	msgNoArtwork   = "Please upload at least one artwork image!"
	msgNoPrompt    = "Please tell us about your hero's adventure!"
	msgNoMoreIdeas = "That's all our ideas for this one. Try writing your own!"
)

// handlers maps every control to its behavior. Wizard controls act on whichever screen is
// current, so nothing is rebound when the screen changes.
var handlers = map[Action]func(*Page, Event){
	ActionUpload:           (*Page).onUpload,
	ActionClearImage:       (*Page).onClearImage,
	ActionKeywords:         (*Page).onKeywords,
	ActionAnalyze:          (*Page).onAnalyze,
	ActionInput:            (*Page).onInput,
	ActionNext:             (*Page).onNext,
	ActionBack:             (*Page).onBack,
	ActionSkip:             (*Page).onSkip,
	ActionGoTo:             (*Page).onGoTo,
	ActionToggleSuggestion: (*Page).onToggleSuggestions,
	ActionSelectSuggestion: (*Page).onSelectSuggestion,
	ActionRotate:           (*Page).onRotate,
	ActionCloseModal:       (*Page).onCloseModal,
	ActionCreate:           (*Page).onCreate,
	ActionPrompt:           (*Page).onPrompt,
	ActionGenerate:         (*Page).onGenerate,
	ActionNewStory:         (*Page).onNewStory,
	ActionDismissError:     (*Page).onDismissError,
}

// Upload

func (p *Page) onUpload(e Event) {
	f, err := fileFromDataURL(e.Name, e.Value)
	if err != nil {
		p.notice = noticeFor(&upload.FileReadError{Name: e.Name, Err: err})
		return
	}
	source := upload.Source(e.Source)
	if source != upload.SourceDrop {
		source = upload.SourcePicker
	}
	p.startUpload(source, f)
}

func (p *Page) startUpload(source upload.Source, f upload.File) {
	if p.busy.reading.Load() {
		p.log.WithField("file", f.Name).Debug("ignoring file while another one is being read")
		return
	}
	if err := upload.Validate(f); err != nil {
		p.notice = noticeFor(err)
		return
	}

	w := p.widget
	p.async(&p.busy.reading, func(ctx context.Context) completion {
		_, err := w.AcceptFile(ctx, source, f)
		return readDone{name: f.Name, err: err}
	})
}

type readDone struct {
	name string
	err  error
}

func (d readDone) apply(p *Page) {
	if d.err == nil || errors.Is(d.err, upload.ErrBusy) {
		return
	}
	if errors.Is(d.err, upload.ErrSuperseded) {
		p.log.WithField("file", d.name).Info("dropping file read from before a reset")
		return
	}
	p.log.WithError(d.err).WithField("file", d.name).Warn("upload rejected")
	p.notice = noticeFor(d.err)
}

func (p *Page) onImageReady(img upload.UploadedImage) {
	p.log.WithFields(logrus.Fields{"file": img.Name, "type": img.MimeType, "size": img.Size}).Info("artwork uploaded")
	p.notice = nil
	p.modalOpen = false
}

func (p *Page) onImageCleared() {
	p.modalOpen = false
}

func (p *Page) onClearImage(Event) {
	p.widget.Clear()
	p.notice = nil
}

func fileFromDataURL(name, dataURL string) (upload.File, error) {
	meta, payload, ok := strings.Cut(dataURL, ",")
	if !ok || !strings.HasPrefix(meta, "data:") || !strings.HasSuffix(meta, ";base64") {
		return upload.File{}, errors.New("not a base64 data URL")
	}
	mt := strings.TrimSuffix(strings.TrimPrefix(meta, "data:"), ";base64")
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return upload.File{}, err
	}
	return upload.NewFile(name, mt, data), nil
}

// Analysis

func (p *Page) onKeywords(e Event) { p.keywords = e.Value }

func (p *Page) onAnalyze(Event) {
	img, ok := p.widget.Image()
	if !ok {
		p.notice = &Notice{Kind: NoticeValidation, Message: msgNoArtwork}
		return
	}
	if p.busy.analyzing.Load() {
		return
	}

	version := p.widget.Version()
	keywords := strings.TrimSpace(p.keywords)
	client := p.analysis
	p.notice = nil
	p.async(&p.busy.analyzing, func(ctx context.Context) completion {
		res, err := client.Analyze(ctx, img, keywords)
		return analysisDone{version: version, result: res, err: err}
	})
}

type analysisDone struct {
	version uint64
	result  *storyapi.AnalysisResult
	err     error
}

func (d analysisDone) apply(p *Page) {
	if d.version != p.widget.Version() {
		p.log.WithField("version", d.version).Info("dropping analysis for a replaced image")
		return
	}
	if d.err != nil {
		p.notice = noticeFor(d.err)
		return
	}
	if err := p.wizard.Seed(d.result); err != nil {
		p.log.WithError(err).Error("could not start wizard")
		p.notice = noticeFor(err)
		return
	}
	p.result = nil
	p.modalOpen = true
}

// Wizard

func (p *Page) wizardErr(action Action, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, wizard.ErrExhausted):
		p.notice = &Notice{Kind: NoticeInfo, Message: msgNoMoreIdeas}
	default:
		p.log.WithError(err).WithField("action", action).Debug("wizard action ignored")
	}
}

func (p *Page) onInput(e Event) { p.wizardErr(e.Action, p.wizard.SetValue(e.Value)) }
func (p *Page) onNext(e Event)  { p.wizardErr(e.Action, p.wizard.Next()) }
func (p *Page) onSkip(e Event)  { p.wizardErr(e.Action, p.wizard.Skip()) }
func (p *Page) onGoTo(e Event)  { p.wizardErr(e.Action, p.wizard.GoTo(e.Index)) }

// onBack leaves the result view, or steps back in the wizard.
func (p *Page) onBack(e Event) {
	if p.result != nil && p.result.Kind == render.KindStory {
		p.rebuild()
		return
	}
	p.wizardErr(e.Action, p.wizard.Back())
}

func (p *Page) onToggleSuggestions(e Event) {
	_, err := p.wizard.Panel().Toggle()
	p.wizardErr(e.Action, err)
}

func (p *Page) onSelectSuggestion(e Event) {
	p.wizardErr(e.Action, p.wizard.Panel().Select(e.Value))
}

func (p *Page) onRotate(e Event) {
	_, err := p.wizard.Panel().Rotate()
	p.wizardErr(e.Action, err)
}

func (p *Page) onCloseModal(Event) {
	p.modalOpen = false
	if err := p.wizard.Reset(); err != nil && !errors.Is(err, wizard.ErrNotSeeded) {
		p.log.WithError(err).Warn("wizard reset failed")
	}
}

// Generation

func (p *Page) onCreate(e Event) {
	if p.busy.creating.Load() {
		p.log.Debug("create ignored while a story is being created")
		return
	}
	sc, err := p.wizard.Brief()
	if err != nil {
		var missing *wizard.MissingInputError
		if errors.As(err, &missing) {
			p.notice = noticeFor(err)
			_ = p.wizard.GoTo(p.wizard.IndexOf(missing.Fields[0]))
			return
		}
		p.wizardErr(e.Action, err)
		return
	}

	req := storyapi.NewArtworkRequest(sc, p.prompt.AgeGroup, p.keywords)
	p.notice = nil
	p.generate(&p.busy.creating, storyapi.TriggerCreate, p.wizard.SessionID(), req)
}

func (p *Page) onPrompt(e Event) {
	v := e.Value
	switch e.Field {
	case "", "main_prompt":
		p.prompt.MainPrompt = v
	case "age_group":
		p.prompt.AgeGroup = storyapi.NormalizeAgeGroup(v, p.opts.AgeGroup)
	case "moral":
		p.prompt.Moral = v
	case "creature":
		p.prompt.Creature = v
	case "magic":
		p.prompt.Magic = v
	case "vibe":
		p.prompt.Vibe = v
	default:
		p.log.WithField("field", e.Field).Warn("unknown prompt field")
	}
}

func (p *Page) onGenerate(Event) {
	if p.busy.generating.Load() {
		p.log.Debug("generate ignored while a story is being created")
		return
	}
	main := strings.TrimSpace(p.prompt.MainPrompt)
	if main == "" {
		p.notice = &Notice{Kind: NoticeMissingInput, Message: msgNoPrompt}
		return
	}

	req := storyapi.GenerationRequest{
		MainPrompt: main,
		AgeGroup:   p.prompt.AgeGroup,
		Moral:      strings.TrimSpace(p.prompt.Moral),
		Creature:   strings.TrimSpace(p.prompt.Creature),
		Magic:      strings.TrimSpace(p.prompt.Magic),
		Vibe:       strings.TrimSpace(p.prompt.Vibe),
	}
	p.notice = nil
	p.generate(&p.busy.generating, storyapi.TriggerGenerate, p.promptKey(), req)
}

func (p *Page) promptKey() string { return "prompt-" + strconv.FormatUint(p.promptEpoch, 10) }

// epoch is the value a finished generation must still match to be shown.
func (p *Page) epoch(t storyapi.Trigger) string {
	if t == storyapi.TriggerCreate {
		return p.wizard.SessionID()
	}
	return p.promptKey()
}

func (p *Page) generate(flag *atomic.Bool, t storyapi.Trigger, epoch string, req storyapi.GenerationRequest) {
	client := p.generation
	p.async(flag, func(ctx context.Context) completion {
		story, err := client.Generate(ctx, t, req)
		return storyDone{trigger: t, epoch: epoch, story: story, err: err}
	})
}

type storyDone struct {
	trigger storyapi.Trigger
	epoch   string
	story   string
	err     error
}

func (d storyDone) apply(p *Page) {
	if errors.Is(d.err, storyapi.ErrInFlight) {
		return
	}
	if d.epoch != p.epoch(d.trigger) {
		p.log.WithField("trigger", d.trigger).Info("dropping story for a closed session")
		return
	}
	if d.err != nil {
		v := p.renderer.RenderError(storyapi.UserMessage(d.err))
		p.result = &v
		return
	}

	v := p.renderer.RenderStory(d.story)
	p.result = &v
	p.modalOpen = false
	if d.trigger == storyapi.TriggerCreate {
		_ = p.wizard.Reset()
	}
}

// Result view

func (p *Page) onNewStory(Event) { p.rebuild() }

func (p *Page) onDismissError(Event) {
	if p.result != nil && p.result.Kind == render.KindError {
		p.result = nil
	}
	p.notice = nil
}

// rebuild returns the page to the state of a fresh visit. Work still in flight is dropped
// when it completes because its epoch no longer matches.
func (p *Page) rebuild() {
	p.widget.Clear()
	p.keywords = ""
	p.prompt = PromptForm{AgeGroup: p.opts.AgeGroup}
	p.promptEpoch++
	p.modalOpen = false
	p.result = nil
	p.notice = nil
	p.wizard = wizard.New(wizard.Options{Kudos: p.opts.Kudos})
	p.analysis = storyapi.NewAnalysisClient(p.backend)
	p.log.Info("page reset for a new story")
}
