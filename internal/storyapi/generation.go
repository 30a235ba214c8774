package storyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Trigger identifies the control that asked for a story.
type Trigger string

const (
	// TriggerCreate is the wizard's "Create Our Story" button.
	TriggerCreate Trigger = "create"
	// TriggerGenerate is the free-text "Generate Story" button.
	TriggerGenerate Trigger = "generate"
)

// GenerationClient asks the story service for a story. Each trigger can have at most one
// request outstanding.
type GenerationClient struct {
	backend *Backend
	guards  sync.Map // Trigger -> *atomic.Bool
	log     logrus.FieldLogger
}

// NewGenerationClient creates a client on top of b.
func NewGenerationClient(b *Backend) *GenerationClient {
	return &GenerationClient{backend: b, log: b.log}
}

type generateEnvelope struct {
	Success *bool           `json:"success"`
	Story   json.RawMessage `json:"story"`
	Error   json.RawMessage `json:"error"`
	Cached  bool            `json:"cached"`
}

func (c *GenerationClient) guard(t Trigger) *atomic.Bool {
	v, _ := c.guards.LoadOrStore(t, atomic.NewBool(false))
	return v.(*atomic.Bool)
}

// InFlight reports whether t has a request outstanding.
func (c *GenerationClient) InFlight(t Trigger) bool {
	return c.guard(t).Load()
}

// Generate submits req on behalf of trigger and returns the story text. A second call for the
// same trigger while the first is outstanding returns ErrInFlight without touching the network.
func (c *GenerationClient) Generate(ctx context.Context, trigger Trigger, req GenerationRequest) (string, error) {
	g := c.guard(trigger)
	if !g.CompareAndSwap(false, true) {
		c.log.WithField("trigger", trigger).Debug("already generating story")
		return "", ErrInFlight
	}
	defer g.Store(false)

	body, err := json.Marshal(req)
	if err != nil {
		return "", &Failure{Op: opGenerate, Kind: KindMalformed, Err: err}
	}

	r, err := c.backend.send(ctx, opGenerate, func(ctx context.Context) (*http.Request, error) {
		hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.backend.baseURL+generatePath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		hr.Header.Set("Content-Type", "application/json")
		hr.Header.Set("Accept", "application/json")
		return hr, nil
	})
	if err != nil {
		return "", err
	}

	var env generateEnvelope
	if err := checkReply(opGenerate, r, &env, func() json.RawMessage { return env.Error }, "Story generation service not found. Please try again later."); err != nil {
		c.log.WithError(err).WithField("trigger", trigger).Warn("story generation failed")
		return "", err
	}
	if env.Success != nil && !*env.Success {
		return "", &Failure{Op: opGenerate, Kind: KindService, Status: r.status, Message: "Story generation failed"}
	}

	story, ok := storyText(env.Story)
	if !ok {
		return "", &Failure{Op: opGenerate, Kind: KindMalformed, Status: r.status, Message: "No story content received"}
	}
	if env.Cached {
		c.log.Debug("retrieved story from cache")
	}
	c.log.WithFields(logrus.Fields{"trigger": trigger, "chars": len(story)}).Info("story generated")
	return story, nil
}

func storyText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}
