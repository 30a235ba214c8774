package page

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"StoryTales/server/internal/render"
	"StoryTales/server/internal/storyapi"
	"StoryTales/server/internal/upload"
)

var pngData = []byte("\x89PNG\r\n\x1a\n" + strings.Repeat("x", 128))

const maxAnalysis = `{"analysis":{"story_elements":{"characters":["Max the dog"],"setting":["a forest"],"moral":"be kind"}}}`

type recorder struct {
	mu      sync.Mutex
	last    Snapshot
	preview string
	changed chan struct{}
}

func newRecorder() *recorder {
	return &recorder{changed: make(chan struct{}, 1)}
}

func (r *recorder) Push(s Snapshot) {
	r.mu.Lock()
	r.last = s
	if s.Image != nil && s.Image.Preview != "" {
		r.preview = s.Image.Preview
	}
	r.mu.Unlock()
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func (r *recorder) waitFor(t *testing.T, what string, ok func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		r.mu.Lock()
		s := r.last
		r.mu.Unlock()
		if ok(s) {
			return s
		}
		select {
		case <-r.changed:
		case <-deadline:
			t.Fatalf("timed out waiting for %s; last snapshot: %+v", what, s)
		}
	}
}

func (r *recorder) lastPreview() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preview
}

// settle dispatches a marker event and waits for it, so everything queued before it has
// been handled.
func settle(t *testing.T, p *Page, r *recorder, marker string) Snapshot {
	t.Helper()
	p.Dispatch(Event{Action: ActionKeywords, Value: marker})
	return r.waitFor(t, "marker "+marker, func(s Snapshot) bool { return s.Keywords == marker })
}

func startPage(t *testing.T, url string, opts Options) (*Page, *recorder) {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	b, err := storyapi.NewBackend(storyapi.Options{BaseURL: url, MaxAttempts: 1, Logger: l})
	if err != nil {
		t.Fatal(err)
	}
	opts.Logger = l

	rec := newRecorder()
	p := New(b, rec, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	rec.waitFor(t, "first snapshot", func(s Snapshot) bool { return s.Session == p.ID() })
	return p, rec
}

func serve(t *testing.T, h http.Handler) *httptest.Server {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func uploadPNG(t *testing.T, p *Page, r *recorder) Snapshot {
	t.Helper()
	p.Upload(upload.SourceDrop, upload.NewFile("art.png", "image/png", pngData))
	return r.waitFor(t, "image", func(s Snapshot) bool { return s.Image != nil && !s.Busy.Reading })
}

func TestArtworkToStory(t *testing.T) {
	var analyzeHits atomic.Int32
	var prompt atomic.String
	mux := http.NewServeMux()
	mux.HandleFunc("/story/artwork/analyze", func(w http.ResponseWriter, r *http.Request) {
		analyzeHits.Inc()
		writeJSON(w, http.StatusOK, maxAnalysis)
	})
	mux.HandleFunc("/story/generate", func(w http.ResponseWriter, r *http.Request) {
		var req storyapi.GenerationRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		prompt.Store(req.MainPrompt)
		writeJSON(w, http.StatusOK, `{"success":true,"story":"Max lived in a forest.\n\nHe was always kind."}`)
	})
	srv := serve(t, mux)
	p, rec := startPage(t, srv.URL, Options{})

	uploadPNG(t, p, rec)
	if !strings.HasPrefix(rec.lastPreview(), "data:image/png;base64,") {
		t.Errorf("preview = %.40q", rec.lastPreview())
	}

	p.Dispatch(Event{Action: ActionAnalyze})
	snap := rec.waitFor(t, "wizard", func(s Snapshot) bool { return s.Modal && s.Wizard != nil })
	if got := snap.Wizard.Screens[0].Value; got != "Max the dog" {
		t.Fatalf("character seeded with %q", got)
	}
	if snap.Busy.Analyzing || snap.Busy.AnalyzeLabel != labelAnalyze {
		t.Errorf("analyze button still busy: %+v", snap.Busy)
	}

	for i := 0; i < 3; i++ {
		p.Dispatch(Event{Action: ActionNext})
	}
	snap = rec.waitFor(t, "review", func(s Snapshot) bool { return s.Wizard != nil && s.Wizard.Last })
	if snap.Wizard.Progress != 100 {
		t.Errorf("progress = %d", snap.Wizard.Progress)
	}

	p.Dispatch(Event{Action: ActionCreate})
	snap = rec.waitFor(t, "story", func(s Snapshot) bool { return s.Result != nil })
	if snap.Result.Kind != render.KindStory || len(snap.Result.Paragraphs) != 2 {
		t.Fatalf("result = %+v", snap.Result)
	}
	if prompt.Load() != "A story about Max the dog in a forest who be kind" {
		t.Errorf("mainPrompt = %q", prompt.Load())
	}
	if snap.Modal || snap.Busy.Creating {
		t.Errorf("modal=%v creating=%v", snap.Modal, snap.Busy.Creating)
	}

	// the same artwork and keywords are served from the session cache
	p.Dispatch(Event{Action: ActionCloseModal})
	p.Dispatch(Event{Action: ActionAnalyze})
	snap = rec.waitFor(t, "wizard again", func(s Snapshot) bool { return s.Modal })
	if analyzeHits.Load() != 1 {
		t.Errorf("analyze hits = %d", analyzeHits.Load())
	}
	if snap.Result != nil {
		t.Errorf("previous story still shown under the new wizard: %+v", snap.Result)
	}

	p.Dispatch(Event{Action: ActionNewStory})
	snap = rec.waitFor(t, "fresh page", func(s Snapshot) bool { return s.Image == nil && s.Result == nil })
	if snap.Modal || snap.Wizard != nil || snap.Keywords != "" {
		t.Errorf("new story left state behind: %+v", snap)
	}
}

type gatedReader struct {
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
	r       io.Reader
}

func newGatedReader(data []byte) *gatedReader {
	return &gatedReader{started: make(chan struct{}), gate: make(chan struct{}), r: strings.NewReader(string(data))}
}

func (g *gatedReader) Read(p []byte) (int, error) {
	g.once.Do(func() { close(g.started) })
	<-g.gate
	return g.r.Read(p)
}

func TestNewStoryDropsReadInProgress(t *testing.T) {
	p, rec := startPage(t, "http://127.0.0.1:1", Options{})

	gr := newGatedReader(pngData)
	p.Upload(upload.SourceDrop, upload.File{
		Name:     "art.png",
		MimeType: "image/png",
		Size:     int64(len(pngData)),
		Head:     pngData[:8],
		Content:  gr,
	})
	<-gr.started

	p.Dispatch(Event{Action: ActionNewStory})
	settle(t, p, rec, "after-reset")
	close(gr.gate)

	rec.waitFor(t, "read finished", func(s Snapshot) bool { return !s.Busy.Reading })
	snap := settle(t, p, rec, "after-read")
	if snap.Image != nil {
		t.Errorf("late read repopulated the widget: %+v", snap.Image)
	}
	if snap.Notice != nil {
		t.Errorf("unexpected notice %+v", snap.Notice)
	}
}

func TestAnalysisWithoutCharacters(t *testing.T) {
	srv := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"analysis":{"story_elements":{}}}`)
	}))
	p, rec := startPage(t, srv.URL, Options{})
	uploadPNG(t, p, rec)

	p.Dispatch(Event{Action: ActionAnalyze})
	snap := rec.waitFor(t, "notice", func(s Snapshot) bool { return s.Notice != nil && !s.Busy.Analyzing })
	if snap.Modal || snap.Wizard != nil {
		t.Errorf("wizard opened on an empty analysis: modal=%v wizard=%+v", snap.Modal, snap.Wizard)
	}
	if snap.Notice.Kind != NoticeNetwork {
		t.Errorf("notice kind = %s", snap.Notice.Kind)
	}
}

func TestAnalysisServiceError(t *testing.T) {
	srv := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, `{"error":"rate limit exceeded"}`)
	}))
	p, rec := startPage(t, srv.URL, Options{})
	uploadPNG(t, p, rec)

	p.Dispatch(Event{Action: ActionAnalyze})
	snap := rec.waitFor(t, "notice", func(s Snapshot) bool { return s.Notice != nil && !s.Busy.Analyzing })

	if snap.Notice.Kind != NoticeService {
		t.Errorf("notice kind = %s", snap.Notice.Kind)
	}
	if !strings.Contains(snap.Notice.Message, "rate limit exceeded") {
		t.Errorf("message = %q", snap.Notice.Message)
	}
	if snap.Notice.Message == storyapi.UserMessage(io.ErrUnexpectedEOF) {
		t.Error("service errors must not read like a generic failure")
	}
	if snap.Image == nil {
		t.Error("preview must be kept after a failed analysis")
	}
	if snap.Busy.AnalyzeLabel != labelAnalyze || snap.Modal {
		t.Errorf("busy=%+v modal=%v", snap.Busy, snap.Modal)
	}
}

func TestAnalysisUnreachable(t *testing.T) {
	srv := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "<html>bad gateway</html>")
	}))
	p, rec := startPage(t, srv.URL, Options{})
	uploadPNG(t, p, rec)

	p.Dispatch(Event{Action: ActionAnalyze})
	snap := rec.waitFor(t, "notice", func(s Snapshot) bool { return s.Notice != nil && !s.Busy.Analyzing })
	if snap.Notice.Kind != NoticeNetwork {
		t.Errorf("notice = %+v", snap.Notice)
	}
}

func TestDoubleCreateSendsOneRequest(t *testing.T) {
	var hits atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/story/artwork/analyze", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, maxAnalysis)
	})
	mux.HandleFunc("/story/generate", func(w http.ResponseWriter, r *http.Request) {
		if hits.Inc() == 1 {
			close(entered)
		}
		<-release
		writeJSON(w, http.StatusOK, `{"success":true,"story":"The end."}`)
	})
	srv := serve(t, mux)
	p, rec := startPage(t, srv.URL, Options{})

	uploadPNG(t, p, rec)
	p.Dispatch(Event{Action: ActionAnalyze})
	rec.waitFor(t, "wizard", func(s Snapshot) bool { return s.Modal })

	p.Dispatch(Event{Action: ActionCreate})
	p.Dispatch(Event{Action: ActionCreate})
	snap := settle(t, p, rec, "after double click")
	if !snap.Busy.Creating || snap.Busy.CreateLabel != labelCreating {
		t.Errorf("busy = %+v", snap.Busy)
	}
	<-entered

	close(release)
	rec.waitFor(t, "story", func(s Snapshot) bool { return s.Result != nil && !s.Busy.Creating })
	if hits.Load() != 1 {
		t.Errorf("generate hits = %d, want 1", hits.Load())
	}
}

func TestStaleAnalysisIsDropped(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		writeJSON(w, http.StatusOK, maxAnalysis)
	}))
	p, rec := startPage(t, srv.URL, Options{})
	uploadPNG(t, p, rec)

	p.Dispatch(Event{Action: ActionAnalyze})
	<-entered
	p.Dispatch(Event{Action: ActionClearImage})
	settle(t, p, rec, "cleared")

	close(release)
	rec.waitFor(t, "analysis settled", func(s Snapshot) bool { return !s.Busy.Analyzing })
	snap := settle(t, p, rec, "after analysis")
	if snap.Modal || snap.Wizard != nil {
		t.Error("analysis of a removed image must not open the wizard")
	}
}

func TestStaleStoryIsDropped(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/story/artwork/analyze", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, maxAnalysis)
	})
	mux.HandleFunc("/story/generate", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		writeJSON(w, http.StatusOK, `{"success":true,"story":"Too late."}`)
	})
	srv := serve(t, mux)
	p, rec := startPage(t, srv.URL, Options{})

	uploadPNG(t, p, rec)
	p.Dispatch(Event{Action: ActionAnalyze})
	rec.waitFor(t, "wizard", func(s Snapshot) bool { return s.Modal })
	p.Dispatch(Event{Action: ActionCreate})
	<-entered
	p.Dispatch(Event{Action: ActionCloseModal})
	settle(t, p, rec, "closed")

	close(release)
	rec.waitFor(t, "create settled", func(s Snapshot) bool { return !s.Busy.Creating })
	if snap := settle(t, p, rec, "after story"); snap.Result != nil {
		t.Errorf("story for a closed wizard was shown: %+v", snap.Result)
	}
}

func TestCreateWithMissingInput(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/story/artwork/analyze", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, maxAnalysis)
	})
	mux.HandleFunc("/story/generate", func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
	})
	srv := serve(t, mux)
	p, rec := startPage(t, srv.URL, Options{})

	uploadPNG(t, p, rec)
	p.Dispatch(Event{Action: ActionAnalyze})
	rec.waitFor(t, "wizard", func(s Snapshot) bool { return s.Modal })

	p.Dispatch(Event{Action: ActionInput, Value: "  "})
	p.Dispatch(Event{Action: ActionGoTo, Index: 3})
	p.Dispatch(Event{Action: ActionCreate})
	snap := rec.waitFor(t, "missing input", func(s Snapshot) bool { return s.Notice != nil })

	if snap.Notice.Kind != NoticeMissingInput {
		t.Errorf("notice = %+v", snap.Notice)
	}
	if snap.Wizard.Index != 0 {
		t.Errorf("wizard should jump to the empty screen, index %d", snap.Wizard.Index)
	}
	if hits.Load() != 0 || snap.Busy.Creating {
		t.Error("nothing is sent when input is missing")
	}
}

func TestRotateReportsExhaustion(t *testing.T) {
	srv := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, maxAnalysis)
	}))
	p, rec := startPage(t, srv.URL, Options{})
	uploadPNG(t, p, rec)
	p.Dispatch(Event{Action: ActionAnalyze})
	rec.waitFor(t, "wizard", func(s Snapshot) bool { return s.Modal })

	p.Dispatch(Event{Action: ActionRotate})
	snap := rec.waitFor(t, "exhausted", func(s Snapshot) bool { return s.Notice != nil })
	if snap.Notice.Kind != NoticeInfo || snap.Wizard.Screens[0].Value != "Max the dog" {
		t.Errorf("notice=%+v value=%q", snap.Notice, snap.Wizard.Screens[0].Value)
	}
}

func TestFreeTextStory(t *testing.T) {
	var got storyapi.GenerationRequest
	var mu sync.Mutex
	srv := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&got)
		mu.Unlock()
		writeJSON(w, http.StatusOK, `{"success":true,"story":"A dragon learned to share."}`)
	}))
	p, rec := startPage(t, srv.URL, Options{AgeGroup: storyapi.AgeGrowing})

	p.Dispatch(Event{Action: ActionGenerate})
	snap := rec.waitFor(t, "missing prompt", func(s Snapshot) bool { return s.Notice != nil })
	if snap.Notice.Kind != NoticeMissingInput {
		t.Errorf("notice = %+v", snap.Notice)
	}

	p.Dispatch(Event{Action: ActionPrompt, Value: "a shy dragon"})
	p.Dispatch(Event{Action: ActionPrompt, Field: "creature", Value: " dragon "})
	p.Dispatch(Event{Action: ActionGenerate})
	snap = rec.waitFor(t, "story", func(s Snapshot) bool { return s.Result != nil })

	if snap.Result.Paragraphs[0] != "A dragon learned to share." || snap.Notice != nil {
		t.Errorf("snapshot = %+v", snap)
	}
	mu.Lock()
	defer mu.Unlock()
	if got.MainPrompt != "a shy dragon" || got.Creature != "dragon" || got.AgeGroup != storyapi.AgeGrowing || got.IsArtworkFlow {
		t.Errorf("request = %+v", got)
	}
}

func TestGenerationErrorIsDismissable(t *testing.T) {
	srv := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":true,"story":""}`)
	}))
	p, rec := startPage(t, srv.URL, Options{})

	p.Dispatch(Event{Action: ActionPrompt, Value: "a cat"})
	p.Dispatch(Event{Action: ActionGenerate})
	snap := rec.waitFor(t, "error view", func(s Snapshot) bool { return s.Result != nil })
	if snap.Result.Kind != render.KindError || !snap.Result.Dismissable || snap.Busy.Generating {
		t.Fatalf("result = %+v busy = %+v", snap.Result, snap.Busy)
	}

	p.Dispatch(Event{Action: ActionDismissError})
	snap = rec.waitFor(t, "dismissed", func(s Snapshot) bool { return s.Result == nil })
	if snap.Prompt.MainPrompt != "a cat" {
		t.Error("dismissing keeps the form")
	}
}

func TestUploadRejections(t *testing.T) {
	p, rec := startPage(t, "http://127.0.0.1:0", Options{})

	p.Upload(upload.SourcePicker, upload.NewFile("notes.txt", "text/plain", []byte("hello")))
	snap := rec.waitFor(t, "validation", func(s Snapshot) bool { return s.Notice != nil })
	if snap.Notice.Kind != NoticeValidation || snap.Image != nil {
		t.Errorf("snapshot = %+v", snap)
	}

	p.Dispatch(Event{Action: ActionUpload, Name: "art.png", Value: "data:image/png;base64,%%%"})
	snap = rec.waitFor(t, "read error", func(s Snapshot) bool { return s.Notice != nil && s.Notice.Kind == NoticeFileRead })
	if snap.Image != nil {
		t.Error("a failed read leaves the widget empty")
	}

	p.Dispatch(Event{Action: ActionAnalyze})
	snap = rec.waitFor(t, "no artwork", func(s Snapshot) bool { return s.Notice != nil && s.Notice.Message == msgNoArtwork })
	if snap.Busy.Analyzing {
		t.Error("analyze without artwork must not start")
	}
}

func TestUploadOverSocket(t *testing.T) {
	p, rec := startPage(t, "http://127.0.0.1:0", Options{})

	value := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngData)
	p.Dispatch(Event{Action: ActionUpload, Source: "drop", Name: "art.png", Value: value})
	snap := rec.waitFor(t, "image", func(s Snapshot) bool { return s.Image != nil })
	if snap.Image.Name != "art.png" || snap.Image.Size != int64(len(pngData)) {
		t.Errorf("image = %+v", snap.Image)
	}

	if rec.lastPreview() == "" {
		t.Error("preview never sent")
	}
	// the preview is only sent once per image
	snap = settle(t, p, rec, "again")
	if snap.Image.Preview != "" {
		t.Error("unchanged image resent its preview")
	}

	p.Dispatch(Event{Action: ActionClearImage})
	rec.waitFor(t, "cleared", func(s Snapshot) bool { return s.Image == nil })
}
