package web

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// SessionHub keeps track of the connected pages by session id.
type SessionHub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	log        logrus.FieldLogger
}

// NewSessionHub creates a new session hub
func NewSessionHub(log logrus.FieldLogger) *SessionHub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SessionHub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 100),
		unregister: make(chan *Client, 100),
		done:       make(chan struct{}),
		log:        log.WithField("component", "hub"),
	}
}

// Run starts the hub's event loop. When ctx ends every client is disconnected.
func (h *SessionHub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)
		}
	}
}

// Register adds a client. It reports false once the hub has stopped.
func (h *SessionHub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client.
func (h *SessionHub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *SessionHub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	total := len(h.clients)
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{"session": client.ID, "total": total}).Info("client connected")
	client.start()
}

func (h *SessionHub) unregisterClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client.ID]
	if ok {
		delete(h.clients, client.ID)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		client.shutdown()
		h.log.WithFields(logrus.Fields{"session": client.ID, "total": total}).Info("client disconnected")
	}
}

func (h *SessionHub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
	h.log.WithField("count", len(clients)).Info("hub stopped")
}

// Lookup returns the client of a session.
func (h *SessionHub) Lookup(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// ClientCount returns the number of connected clients
func (h *SessionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
