package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/atomic"
)

// sniffLen matches the number of bytes mimetype looks at by default.
const sniffLen = 3072

// ErrBusy is returned when a file arrives while another one is still being read.
var ErrBusy = errors.New("upload: a file is already being read")

// ErrSuperseded is returned when the widget was cleared while the file was being read.
var ErrSuperseded = errors.New("upload: widget was cleared during the read")

// Source names the control a file came from. Drop and picker share one code path.
type Source string

const (
	SourceDrop   Source = "drop"
	SourcePicker Source = "picker"
)

// File is a candidate file before validation.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Head     []byte
	Content  io.Reader
}

// NewFile wraps in-memory content as a candidate file.
func NewFile(name, mimeType string, data []byte) File {
	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	return File{
		Name:     name,
		MimeType: mimeType,
		Size:     int64(len(data)),
		Head:     head,
		Content:  bytes.NewReader(data),
	}
}

// UploadedImage is the single accepted artwork.
type UploadedImage struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Preview  string `json:"preview"`
	Data     []byte `json:"-"`
}

// FileReadError reports a local read failure. The widget state is left unchanged.
type FileReadError struct {
	Name string
	Err  error
}

func (e *FileReadError) Error() string {
	return fmt.Sprintf("Error reading file %q. Please try again.", e.Name)
}

func (e *FileReadError) Unwrap() error { return e.Err }

// Listener receives widget events.
type Listener interface {
	ImageReady(img UploadedImage)
	ImageCleared()
}

// Widget holds at most one uploaded image.
type Widget struct {
	listener Listener
	busy     atomic.Bool
	version  atomic.Uint64

	mu    sync.RWMutex
	image *UploadedImage
}

// NewWidget creates an empty widget. listener may be nil.
func NewWidget(listener Listener) *Widget {
	return &Widget{listener: listener}
}

// AcceptFile validates and reads f, then replaces the current image. Both input sources end
// up here.
func (w *Widget) AcceptFile(ctx context.Context, source Source, f File) (UploadedImage, error) {
	if err := Validate(f); err != nil {
		return UploadedImage{}, err
	}
	if !w.busy.CompareAndSwap(false, true) {
		return UploadedImage{}, ErrBusy
	}
	defer w.busy.Store(false)

	start := w.version.Load()
	data, err := readAll(ctx, f.Content)
	if err != nil {
		return UploadedImage{}, &FileReadError{Name: f.Name, Err: err}
	}
	if int64(len(data)) > MaxFileSize {
		return UploadedImage{}, &ValidationError{Reason: TooLarge, MimeType: f.MimeType, Size: int64(len(data))}
	}

	mt := DetectType(File{MimeType: f.MimeType, Head: data})
	img := UploadedImage{
		Name:     f.Name,
		MimeType: mt,
		Size:     int64(len(data)),
		Preview:  "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data),
		Data:     data,
	}

	w.mu.Lock()
	if w.version.Load() != start {
		w.mu.Unlock()
		return UploadedImage{}, ErrSuperseded
	}
	w.image = &img
	w.version.Inc()
	w.mu.Unlock()

	if w.listener != nil {
		w.listener.ImageReady(img)
	}
	return img, nil
}

// Clear discards the image and any read still in progress. Calling it on an empty widget
// is fine.
func (w *Widget) Clear() {
	w.mu.Lock()
	w.image = nil
	w.version.Inc()
	w.mu.Unlock()

	if w.listener != nil {
		w.listener.ImageCleared()
	}
}

// Image returns the current image, if any.
func (w *Widget) Image() (UploadedImage, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.image == nil {
		return UploadedImage{}, false
	}
	return *w.image, true
}

// Busy reports whether a read is in progress.
func (w *Widget) Busy() bool { return w.busy.Load() }

// Version changes every time the image is replaced or the widget is cleared.
func (w *Widget) Version() uint64 { return w.version.Load() }

func readAll(ctx context.Context, r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, errors.New("no content")
	}
	return io.ReadAll(io.LimitReader(&ctxReader{ctx: ctx, r: r}, MaxFileSize+1))
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
