// Package page hosts one visit to the story page. Every control the browser forwards becomes
// an event on the page queue; a single goroutine applies them, and network calls report back
// through the same queue.
package page

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"StoryTales/server/internal/render"
	"StoryTales/server/internal/storyapi"
	"StoryTales/server/internal/upload"
	"StoryTales/server/internal/wizard"
)

// Sink receives a snapshot after every event.
type Sink interface {
	Push(s Snapshot)
}

// Options configures a Page.
type Options struct {
	ID       string
	AgeGroup string
	Kudos    bool
	Logger   logrus.FieldLogger
}

// PromptForm is the free-text story form.
type PromptForm struct {
	MainPrompt string `json:"main_prompt"`
	AgeGroup   string `json:"age_group"`
	Moral      string `json:"moral,omitempty"`
	Creature   string `json:"creature,omitempty"`
	Magic      string `json:"magic,omitempty"`
	Vibe       string `json:"vibe,omitempty"`
}

type busyFlags struct {
	reading    atomic.Bool
	analyzing  atomic.Bool
	creating   atomic.Bool
	generating atomic.Bool
}

// Page is the server side of one browser tab.
type Page struct {
	id   string
	opts Options
	sink Sink
	log  logrus.FieldLogger

	backend    *storyapi.Backend
	widget     *upload.Widget
	analysis   *storyapi.AnalysisClient
	generation *storyapi.GenerationClient
	wizard     *wizard.Controller
	renderer   *render.Renderer

	busy busyFlags

	// Owned by the loop.
	keywords    string
	prompt      PromptForm
	promptEpoch uint64
	modalOpen   bool
	result      *render.View
	notice      *Notice
	sentVersion uint64

	ctx context.Context
	wg  sync.WaitGroup

	mu    sync.Mutex
	queue []event
	wake  chan struct{}
}

// New creates a page talking to the story service through b.
func New(b *storyapi.Backend, sink Sink, opts Options) *Page {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	opts.AgeGroup = storyapi.NormalizeAgeGroup(opts.AgeGroup, storyapi.AgePreK)
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	p := &Page{
		id:         opts.ID,
		opts:       opts,
		sink:       sink,
		log:        opts.Logger.WithFields(logrus.Fields{"component": "page", "session": opts.ID}),
		backend:    b,
		analysis:   storyapi.NewAnalysisClient(b),
		generation: storyapi.NewGenerationClient(b),
		wizard:     wizard.New(wizard.Options{Kudos: opts.Kudos}),
		renderer:   render.New(opts.Logger),
		prompt:     PromptForm{AgeGroup: opts.AgeGroup},
		ctx:        context.Background(),
		wake:       make(chan struct{}, 1),
	}
	p.widget = upload.NewWidget(widgetEvents{p})
	return p
}

// ID identifies the page.
func (p *Page) ID() string { return p.id }

// Dispatch queues an action from the browser.
func (p *Page) Dispatch(e Event) { p.post(e) }

// Upload queues a file for the upload widget.
func (p *Page) Upload(source upload.Source, f upload.File) {
	p.post(uploadEvent{source: source, file: f})
}

func (p *Page) post(e event) {
	p.mu.Lock()
	p.queue = append(p.queue, e)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Page) drain() []event {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queue
	p.queue = nil
	return q
}

// Run processes events until ctx is done. Background calls still running at that point are
// cancelled through ctx and waited for.
func (p *Page) Run(ctx context.Context) {
	p.ctx = ctx
	defer p.wg.Wait()

	p.log.Info("page opened")
	p.push()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("page closed")
			return
		case <-p.wake:
			for _, e := range p.drain() {
				p.handle(e)
				p.push()
			}
		}
	}
}

func (p *Page) handle(e event) {
	switch ev := e.(type) {
	case Event:
		h, ok := handlers[ev.Action]
		if !ok {
			p.log.WithField("action", ev.Action).Warn("unknown action")
			return
		}
		h(p, ev)
	case completion:
		ev.apply(p)
	}
}

// async sets flag and runs fn off the loop. The flag is cleared on the loop when fn returns,
// before its completion is applied.
func (p *Page) async(flag *atomic.Bool, fn func(ctx context.Context) completion) {
	flag.Store(true)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		var c completion
		defer func() { p.post(settled{flag: flag, next: c}) }()
		c = fn(p.ctx)
	}()
}

func (p *Page) push() {
	if p.sink != nil {
		p.sink.Push(p.snapshot())
	}
}

type widgetEvents struct{ p *Page }

func (w widgetEvents) ImageReady(img upload.UploadedImage) { w.p.post(imageReady{img: img}) }
func (w widgetEvents) ImageCleared()                       { w.p.post(imageCleared{}) }
