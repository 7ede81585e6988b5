// Package websocket delivers per-user notifications to browser clients.
//
// Each user holds at most one connection; a new connection replaces the
// old one. The hub remembers the last notification sent to every user and
// replays it when the user connects, so a client that connects late still
// learns its queue position or addresses. Delivery is best effort: a
// connection whose buffer is full loses the message.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manticore/manticore/pkg/engine"
)

const (
	maxMessageSize = 512
	maxCloseReason = 123
)

// Hub implements engine.Notifier over websocket connections.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[string]*client
	last    map[string][]byte
	closed  bool
}

var _ engine.Notifier = (*Hub)(nil)

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// NewHub creates a hub.
func NewHub(cfg Config, logger zerolog.Logger) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid websocket config: %w", err)
	}

	h := &Hub{
		cfg:     cfg,
		logger:  logger.With().Str("component", "websocket").Logger(),
		clients: make(map[string]*client),
		last:    make(map[string][]byte),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h, nil
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

// Notify sends n to the user's connection, if any, and remembers it for
// the next connection.
func (h *Hub) Notify(id string, n engine.Notification) {
	msg, err := json.Marshal(n)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", id).Msg("failed to encode notification")
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.last[id] = msg
	c := h.clients[id]
	h.mu.Unlock()

	if c != nil {
		h.enqueue(c, msg)
	}
}

func (h *Hub) enqueue(c *client, msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		h.logger.Warn().Str("user_id", c.id).Msg("client buffer full, notification dropped")
		return false
	}
}

// Prune closes connections and forgets notifications of users not in active.
func (h *Hub) Prune(active []string) {
	keep := make(map[string]bool, len(active))
	for _, id := range active {
		keep[id] = true
	}

	h.mu.Lock()
	var stale []*client
	for id, c := range h.clients {
		if !keep[id] {
			stale = append(stale, c)
			delete(h.clients, id)
		}
	}
	for id := range h.last {
		if !keep[id] {
			delete(h.last, id)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		h.logger.Debug().Str("user_id", c.id).Msg("closing connection of released user")
		c.close()
	}
}

// ServeWS upgrades the request into the connection for user id. It returns
// once the connection is registered; reading and writing continue in the
// background.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, id string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	c := &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("hub is closed")
	}
	// The replay is queued before the client becomes visible to Notify, so
	// a newer notification always follows it.
	if last := h.last[id]; last != nil {
		c.send <- last
	}
	old := h.clients[id]
	h.clients[id] = c
	h.mu.Unlock()

	if old != nil {
		old.close()
	}

	h.logger.Debug().Str("user_id", id).Msg("client connected")
	go h.writePump(c)
	go h.readPump(c)
	return nil
}

// StreamWS upgrades the request into a connection that carries the chunks
// stream emits as logs notifications. The connection is separate from the
// user's notification connection and is not replayed. StreamWS blocks until
// stream returns, cancelling its context when the client goes away, then
// closes the connection with the stream's error as the close reason.
func (h *Hub) StreamWS(w http.ResponseWriter, r *http.Request, id string, stream func(ctx context.Context, emit func([]byte) error) error) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "hub is closed", http.StatusServiceUnavailable)
		return fmt.Errorf("hub is closed")
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		conn.SetReadLimit(maxMessageSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Debug().Str("user_id", id).Msg("stream connected")
	err = stream(ctx, func(chunk []byte) error {
		msg, err := json.Marshal(engine.LogsNotification(chunk))
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, msg)
	})

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err != nil {
		reason := err.Error()
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		closeMsg = websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason)
	}
	_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(h.cfg.WriteTimeout))
	return err
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		h.remove(c)
	}()

	for {
		select {
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteTimeout))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug().Err(err).Str("user_id", c.id).Msg("write failed")
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				c.close()
				return
			}
		}
	}
}

// readPump discards client messages and detects closed connections.
func (h *Hub) readPump(c *client) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
}

// Connected reports whether user id has an open connection.
func (h *Hub) Connected(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.clients[id]
	return ok
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client. Later notifications are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
