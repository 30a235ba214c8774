package storyapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	opAnalyze  = "analyze"
	opGenerate = "generate"

	analyzePath  = "/story/artwork/analyze"
	generatePath = "/story/generate"

	defaultTimeout     = 60 * time.Second
	defaultMaxAttempts = 3
	defaultRetryDelay  = 500 * time.Millisecond
	defaultSharedTTL   = time.Hour
	maxResponseBytes   = 1 << 20
)

// SharedCache is a cache visible to every session, e.g. Redis.
type SharedCache interface {
	GetJSON(ctx context.Context, key string, v interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
}

// Options configures a Backend.
type Options struct {
	BaseURL     string
	HTTPClient  *http.Client
	MaxAttempts int
	RetryDelay  time.Duration
	Shared      SharedCache
	SharedTTL   time.Duration
	Logger      logrus.FieldLogger
}

// Backend is the connection to the story service shared by all sessions.
type Backend struct {
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
	retryDelay  time.Duration
	shared      SharedCache
	sharedTTL   time.Duration
	log         logrus.FieldLogger
	group       singleflight.Group

	// flightTimeout bounds a collapsed analysis, which runs detached from its callers.
	flightTimeout time.Duration
}

// NewBackend validates opts and fills defaults.
func NewBackend(opts Options) (*Backend, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}

	b := &Backend{
		baseURL:     base,
		httpClient:  opts.HTTPClient,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		shared:      opts.Shared,
		sharedTTL:   opts.SharedTTL,
		log:         opts.Logger,
	}
	if b.httpClient == nil {
		b.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if b.maxAttempts <= 0 {
		b.maxAttempts = defaultMaxAttempts
	}
	if b.retryDelay <= 0 {
		b.retryDelay = defaultRetryDelay
	}
	if b.sharedTTL <= 0 {
		b.sharedTTL = defaultSharedTTL
	}
	if b.log == nil {
		b.log = logrus.StandardLogger()
	}
	perAttempt := b.httpClient.Timeout
	if perAttempt <= 0 {
		perAttempt = defaultTimeout
	}
	b.flightTimeout = time.Duration(b.maxAttempts) * (perAttempt + b.retryDelay)
	b.log = b.log.WithField("component", "storyapi")
	return b, nil
}

// do sends the request built by newReq. Transport errors are retried; HTTP statuses are
// returned to the caller as they are.
func (b *Backend) do(ctx context.Context, op string, newReq func(context.Context) (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response
	attempt := 0

	operation := func() error {
		attempt++
		req, err := newReq(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		r, err := b.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			b.log.WithFields(logrus.Fields{"op": op, "attempt": attempt}).WithError(err).Warn("backend request failed")
			return err
		}
		resp = r
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.retryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(b.maxAttempts-1)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// reply is a fully read backend response.
type reply struct {
	status      int
	contentType string
	body        []byte
}

func (r reply) ok() bool { return r.status >= 200 && r.status < 300 }

func (r reply) isJSON() bool {
	mt, _, err := mime.ParseMediaType(r.contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func (b *Backend) send(ctx context.Context, op string, newReq func(context.Context) (*http.Request, error)) (reply, error) {
	resp, err := b.do(ctx, op, newReq)
	if err != nil {
		return reply{}, &Failure{Op: op, Kind: KindUnavailable, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return reply{}, &Failure{Op: op, Kind: KindUnavailable, Status: resp.StatusCode, Err: err}
	}
	return reply{status: resp.StatusCode, contentType: resp.Header.Get("Content-Type"), body: body}, nil
}

// checkReply classifies everything that is not a usable JSON reply. It decodes the body into
// v when possible so that callers can inspect success payloads.
func checkReply(op string, r reply, v interface{}, errField func() json.RawMessage, notFound string) error {
	if r.status == http.StatusNotFound && !r.isJSON() {
		return &Failure{Op: op, Kind: KindUnavailable, Status: r.status, Message: notFound}
	}
	if !r.isJSON() {
		return &Failure{Op: op, Kind: KindUnavailable, Status: r.status,
			Message: "Received unexpected response. Please try again."}
	}
	if err := json.Unmarshal(r.body, v); err != nil {
		if !r.ok() {
			return &Failure{Op: op, Kind: KindUnavailable, Status: r.status, Err: err}
		}
		return &Failure{Op: op, Kind: KindMalformed, Status: r.status, Err: err}
	}
	if msg := errorPayload(errField()); msg != "" {
		return &Failure{Op: op, Kind: KindService, Status: r.status, Message: msg}
	}
	if !r.ok() {
		if r.status == http.StatusNotFound {
			return &Failure{Op: op, Kind: KindUnavailable, Status: r.status, Message: notFound}
		}
		return &Failure{Op: op, Kind: KindUnavailable, Status: r.status}
	}
	return nil
}

var errNoSharedCache = errors.New("no shared cache")

func (b *Backend) sharedGet(ctx context.Context, key string) (*AnalysisResult, error) {
	if b.shared == nil {
		return nil, errNoSharedCache
	}
	var res AnalysisResult
	found, err := b.shared.GetJSON(ctx, key, &res)
	if err != nil {
		b.log.WithError(err).WithField("key", key).Warn("shared cache read failed")
		return nil, err
	}
	if !found || res.StoryElements == nil {
		return nil, errNoSharedCache
	}
	return &res, nil
}

func (b *Backend) sharedPut(ctx context.Context, key string, res *AnalysisResult) {
	if b.shared == nil {
		return
	}
	if err := b.shared.SetJSON(ctx, key, res, b.sharedTTL); err != nil {
		b.log.WithError(err).WithField("key", key).Warn("shared cache write failed")
	}
}
