package web

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"StoryTales/server/internal/config"
	"StoryTales/server/internal/page"
)

// message is the envelope of everything sent to the browser.
type message struct {
	Type string      `json:"type"`
	ID   string      `json:"id,omitempty"`
	Data interface{} `json:"data,omitempty"`
	Time int64       `json:"time"`
}

// Client represents a WebSocket client connection and the page it drives.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Hub  *SessionHub
	Page *page.Page

	cfg     config.SessionConfig
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	log     logrus.FieldLogger

	mu     sync.Mutex
	closed bool
}

func newClient(id string, conn *websocket.Conn, hub *SessionHub, cfg config.SessionConfig, log logrus.FieldLogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:      id,
		Conn:    conn,
		Send:    make(chan []byte, cfg.SendBuffer),
		Hub:     hub,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.ActionRate), cfg.ActionBurst),
		ctx:     ctx,
		cancel:  cancel,
		log:     log.WithFields(logrus.Fields{"component": "client", "session": id}),
	}
}

// Push implements page.Sink.
func (c *Client) Push(s page.Snapshot) {
	data, err := json.Marshal(message{Type: "snapshot", Data: s, Time: time.Now().Unix()})
	if err != nil {
		c.log.WithError(err).Error("failed to marshal snapshot")
		return
	}
	c.enqueue(data)
}

// enqueue never blocks the page loop. Each snapshot holds the whole page, so when the buffer
// is full the oldest one is dropped.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.Send <- data:
		return true
	default:
	}
	select {
	case <-c.Send:
		c.log.Warn("send buffer full, dropping oldest snapshot")
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) start() {
	go c.Page.Run(c.ctx)
	go c.writePump()
	go c.readPump()
}

// shutdown stops the page and ends the write pump. Safe to call more than once.
func (c *Client) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
	c.mu.Unlock()
	c.cancel()
}

// writePump pumps messages from the page to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.WithError(err).Warn("error writing to client")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.WithError(err).Warn("error sending ping")
				return
			}
		}
	}
}

// throttled reports whether the action counts against the rate limit. Typing carries the
// whole field value, so the latest one must always reach the page.
func throttled(a page.Action) bool {
	switch a {
	case page.ActionInput, page.ActionPrompt, page.ActionKeywords:
		return false
	}
	return true
}

// readPump turns browser messages into page actions
func (c *Client) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.shutdown()
	}()

	c.Conn.SetReadLimit(c.cfg.MaxMessage)
	c.Conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("unexpected close")
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		var ev page.Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Action == "" {
			c.log.WithError(err).Debug("ignoring malformed message")
			continue
		}
		if throttled(ev.Action) && !c.limiter.Allow() {
			c.log.WithField("action", ev.Action).Warn("too many actions, dropping")
			continue
		}
		c.Page.Dispatch(ev)
	}
}
