package storyapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"StoryTales/server/internal/upload"
)

const sharedKeyPrefix = "storytales:analysis:"

// Fingerprint derives the cache key of an analysis from the image preview and keywords.
func Fingerprint(preview, keywords string) string {
	h := sha256.New()
	h.Write([]byte(preview))
	h.Write([]byte{0})
	h.Write([]byte(keywords))
	return hex.EncodeToString(h.Sum(nil))
}

// AnalysisClient analyzes artwork for one session and remembers the results.
type AnalysisClient struct {
	backend *Backend
	cache   *cache.Cache
	log     logrus.FieldLogger
}

// NewAnalysisClient returns a client with an empty session cache.
func NewAnalysisClient(b *Backend) *AnalysisClient {
	return &AnalysisClient{
		backend: b,
		cache:   cache.New(cache.NoExpiration, 0),
		log:     b.log,
	}
}

type analyzeEnvelope struct {
	Analysis *AnalysisResult `json:"analysis"`
	Error    json.RawMessage `json:"error"`
}

// Analyze returns the story elements for img and keywords. Results are served from the
// session cache when the same image and keywords were analyzed before; failures are never
// cached.
func (c *AnalysisClient) Analyze(ctx context.Context, img upload.UploadedImage, keywords string) (*AnalysisResult, error) {
	key := Fingerprint(img.Preview, keywords)
	if v, ok := c.cache.Get(key); ok {
		c.log.WithField("fingerprint", key[:12]).Debug("using cached analysis result")
		return v.(*AnalysisResult), nil
	}

	// The flight outlives any single caller: a session that goes away must not fail the
	// others waiting on the same fingerprint.
	ch := c.backend.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.backend.flightTimeout)
		defer cancel()
		if res, err := c.backend.sharedGet(fctx, sharedKeyPrefix+key); err == nil {
			return res, nil
		}
		res, err := c.fetch(fctx, img, keywords)
		if err != nil {
			return nil, err
		}
		c.backend.sharedPut(fctx, sharedKeyPrefix+key, res)
		return res, nil
	})

	var r singleflight.Result
	select {
	case <-ctx.Done():
		return nil, &Failure{Op: opAnalyze, Kind: KindUnavailable, Err: ctx.Err()}
	case r = <-ch:
	}
	if r.Err != nil {
		return nil, r.Err
	}
	if r.Shared {
		c.log.WithField("fingerprint", key[:12]).Debug("joined an analysis already in flight")
	}

	res := r.Val.(*AnalysisResult)
	c.cache.SetDefault(key, res)
	return res, nil
}

// Cached reports whether the session cache holds a result for img and keywords.
func (c *AnalysisClient) Cached(img upload.UploadedImage, keywords string) bool {
	_, ok := c.cache.Get(Fingerprint(img.Preview, keywords))
	return ok
}

func (c *AnalysisClient) fetch(ctx context.Context, img upload.UploadedImage, keywords string) (*AnalysisResult, error) {
	body, contentType, err := artworkForm(img, keywords)
	if err != nil {
		return nil, &Failure{Op: opAnalyze, Kind: KindUnavailable, Err: err}
	}

	r, err := c.backend.send(ctx, opAnalyze, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.backend.baseURL+analyzePath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var env analyzeEnvelope
	if err := checkReply(opAnalyze, r, &env, func() json.RawMessage { return env.Error }, "Artwork analysis service not found. Please try again later."); err != nil {
		c.log.WithError(err).Warn("artwork analysis failed")
		return nil, err
	}
	if env.Analysis == nil || env.Analysis.StoryElements == nil {
		return nil, &Failure{Op: opAnalyze, Kind: KindMalformed, Status: r.status, Message: "missing story elements"}
	}
	if len(env.Analysis.StoryElements.Characters) == 0 {
		return nil, &Failure{Op: opAnalyze, Kind: KindMalformed, Status: r.status, Message: "no characters found"}
	}

	c.log.WithFields(logrus.Fields{
		"characters": len(env.Analysis.StoryElements.Characters),
		"settings":   len(env.Analysis.StoryElements.Setting),
		"morals":     len(env.Analysis.StoryElements.Moral),
	}).Info("artwork analyzed")
	return env.Analysis, nil
}

func artworkForm(img upload.UploadedImage, keywords string) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	name := img.Name
	if name == "" {
		name = "artwork"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="artwork"; filename=%q`, name))
	h.Set("Content-Type", img.MimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("keywords", keywords); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
