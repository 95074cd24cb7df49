// Package hub keeps the staff websocket connections of one server process and
// fans reservation and table events out to them.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/restaurant-reservations/lifecycle"
	"github.com/yeremiapane/restaurant-reservations/models"
	"github.com/yeremiapane/restaurant-reservations/realtime"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	readLimit    = 64 << 10
)

// Handler applies status_update frames sent by clients. The change itself is
// broadcast by the outbox, so the handler only reports whether it was taken.
type Handler interface {
	ApplyStatusUpdate(ctx context.Context, role lifecycle.Role, upd realtime.StatusUpdate) error
}

type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	handler Handler
	log     logrus.FieldLogger
	now     func() time.Time
}

func New(handler Handler, log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		handler: handler,
		log:     log.WithField("component", "hub"),
		now:     time.Now,
	}
}

// Client is one websocket connection. Tables narrows table events to the
// subscribed tables; with no subscription every table event is delivered.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	role   lifecycle.Role
	userID uint

	mu     sync.Mutex
	tables map[string]bool
	closed bool
}

// Serve registers conn and runs its pumps until the connection drops. It
// blocks, like a handler loop, and unregisters on return.
func (h *Hub) Serve(conn *websocket.Conn, role lifecycle.Role, userID uint) {
	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		role:   role,
		userID: userID,
		tables: make(map[string]bool),
	}
	h.register(c)
	go c.writePump()
	c.readPump()
	h.unregister(c)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.WithFields(logrus.Fields{"role": c.role, "user_id": c.userID, "clients": n}).Info("client connected")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
		h.log.WithFields(logrus.Fields{"role": c.role, "user_id": c.userID, "clients": n}).Info("client disconnected")
	}
}

// Clients reports how many connections are registered.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish broadcasts env to every client. Table events skip clients that
// subscribed to other tables only. A client whose buffer is full is dropped;
// it will reconnect and refresh.
func (h *Hub) Publish(ctx context.Context, env realtime.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	tableID := tableOf(env)

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if tableID == "" || c.wants(tableID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			h.log.WithField("user_id", c.userID).Warn("client too slow, dropping")
			h.unregister(c)
		}
	}
	h.log.WithFields(logrus.Fields{"type": env.Type, "clients": len(targets)}).Debug("broadcast")
	return nil
}

// Alert broadcasts a system_alert.
func (h *Hub) Alert(level, message string) {
	env, err := realtime.NewEnvelope(realtime.TypeSystemAlert, h.now(), realtime.AlertPayload{Level: level, Message: message})
	if err != nil {
		return
	}
	_ = h.Publish(context.Background(), env)
}

func tableOf(env realtime.Envelope) string {
	if env.Type != realtime.TypeTableAssigned && env.Type != realtime.TypeTableFreed {
		return ""
	}
	var tc realtime.TableChange
	if json.Unmarshal(env.Data, &tc) != nil {
		return ""
	}
	var head struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(tc.Table, &head) != nil {
		return ""
	}
	return head.ID
}

func (c *Client) wants(tableID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tables) == 0 || c.tables[tableID]
}

func (c *Client) subscribe(tableID string) {
	c.mu.Lock()
	c.tables[tableID] = true
	c.mu.Unlock()
}

// enqueue reports false when the client cannot keep up.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) reply(typ string, data interface{}) {
	env, err := realtime.NewEnvelope(typ, c.hub.now(), data)
	if err != nil {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if !c.enqueue(raw) {
		c.hub.unregister(c)
	}
}

func (c *Client) writePump() {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.hub.log.WithError(err).Debug("write failed")
			break
		}
	}
	// Closing the socket ends readPump, which unregisters and closes send.
	c.conn.Close()
	for range c.send {
	}
}

func (c *Client) readPump() {
	c.conn.SetReadLimit(readLimit)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handle(raw)
	}
}

func (c *Client) handle(raw []byte) {
	var env realtime.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.reply(realtime.TypeError, realtime.ErrorMessage{Code: CodeMalformed, Message: err.Error()})
		return
	}

	switch env.Type {
	case realtime.TypePing:
		c.reply(realtime.TypePong, nil)

	case realtime.TypeSubscribeTable:
		var sub realtime.SubscribeTable
		if err := json.Unmarshal(env.Data, &sub); err != nil || sub.TableID == "" {
			c.reply(realtime.TypeError, realtime.ErrorMessage{Code: CodeMalformed, Message: "subscribe_table needs table_id"})
			return
		}
		c.subscribe(sub.TableID)

	case realtime.TypeStatusUpdate:
		var upd realtime.StatusUpdate
		if err := json.Unmarshal(env.Data, &upd); err != nil || upd.EntityID == "" {
			c.reply(realtime.TypeError, realtime.ErrorMessage{Code: CodeMalformed, Message: "status_update needs entity_id"})
			return
		}
		if c.hub.handler == nil {
			c.reply(realtime.TypeError, realtime.ErrorMessage{Code: CodeInternal, Message: "status updates are not accepted here", EntityID: upd.EntityID})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.hub.handler.ApplyStatusUpdate(ctx, c.role, upd)
		cancel()
		if err != nil {
			c.hub.log.WithError(err).WithField("entity_id", upd.EntityID).Info("status update refused")
			c.reply(realtime.TypeError, realtime.ErrorMessage{Code: ErrorCode(err), Message: err.Error(), EntityID: upd.EntityID})
		}

	default:
		c.reply(realtime.TypeError, realtime.ErrorMessage{Code: CodeMalformed, Message: "unknown message type " + env.Type})
	}
}

// Error codes sent in error frames.
const (
	CodeMalformed         = "malformed"
	CodeNotFound          = "not_found"
	CodeConflict          = realtime.CodeConflict
	CodeValidation        = "validation"
	CodeInvalidTransition = lifecycle.ReasonInvalidTransition
	CodeNotPermitted      = lifecycle.ReasonNotPermitted
	CodeInternal          = "internal"
)

// ErrorCode classifies err for an error frame.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, models.ErrConflict):
		return CodeConflict
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, lifecycle.ErrNotPermitted):
		return CodeNotPermitted
	case errors.Is(err, models.ErrValidation):
		return CodeValidation
	}
	return CodeInternal
}
