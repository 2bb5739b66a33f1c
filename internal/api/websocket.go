package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/encabox/encabox/internal/logging"
	"github.com/encabox/encabox/internal/util"
	"github.com/encabox/encabox/pkg/types"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	readLimit    = 4 * 1024
	sendBuffer   = 256
)

// ErrHubBusy is returned by Record when the broadcast buffer is full
var ErrHubBusy = errors.New("event stream buffer full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// read-only stream, any origin may subscribe
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is a WebSocket frame payload
type Message struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// StreamObserver is told when subscribers come and go
type StreamObserver interface {
	StreamConnected()
	StreamDisconnected()
}

// Hub fans committed ledger events out to WebSocket subscribers. A client
// with no subscriptions receives every event; otherwise only events whose
// unit or parent matches a subscribed "unit:<id>" channel.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan types.Event
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	observer   StreamObserver
}

// NewHub creates a hub. Call Run to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan types.Event, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// SetStreamObserver sets the subscriber observer. Call before Run.
func (h *Hub) SetStreamObserver(o StreamObserver) {
	h.observer = o
}

// UnitChannel returns the channel name for a unit
func UnitChannel(id types.UnitID) string {
	return "unit:" + id.String()
}

// Record implements box.Sink. It never blocks the ledger.
func (h *Hub) Record(_ context.Context, ev types.Event) error {
	select {
	case h.broadcast <- ev:
		return nil
	default:
		return ErrHubBusy
	}
}

// Run serves the hub until ctx is done, then disconnects every client
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			if h.observer != nil {
				h.observer.StreamConnected()
			}
			logging.Debug("stream client connected", "total_clients", n, logging.Component("websocket"))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("stream client disconnected", "total_clients", n, logging.Component("websocket"))

		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

// drop removes c. Caller must hold h.mu.
func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	if h.observer != nil {
		h.observer.StreamDisconnected()
	}
}

func (h *Hub) fanOut(ev types.Event) {
	data, err := json.Marshal(Message{
		Type:    "event",
		Channel: UnitChannel(ev.Unit),
		Data:    toEventJSON(ev),
	})
	if err != nil {
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		if h.clients[c] {
			logging.Warn("dropping slow stream client", logging.Component("websocket"))
			h.drop(c)
		}
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	subscribed map[string]bool
	mu         sync.RWMutex
}

func newClient(hub *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		subscribed: make(map[string]bool),
	}
}

func (c *client) wants(ev types.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscribed) == 0 {
		return true
	}
	if c.subscribed[UnitChannel(ev.Unit)] {
		return true
	}
	return ev.Parent != types.NoUnit && c.subscribed[UnitChannel(ev.Parent)]
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("stream read error", logging.Err(err), logging.Component("websocket"))
			}
			return
		}
		var msg struct {
			Type     string   `json:"type"`
			Channels []string `json:"channels"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.handleMessage(msg.Type, msg.Channels)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handleMessage(kind string, channels []string) {
	switch kind {
	case "subscribe":
		c.mu.Lock()
		for _, ch := range channels {
			c.subscribed[ch] = true
		}
		c.mu.Unlock()
		c.reply("subscribed")
	case "unsubscribe":
		c.mu.Lock()
		for _, ch := range channels {
			delete(c.subscribed, ch)
		}
		c.mu.Unlock()
		c.reply("unsubscribed")
	case "ping":
		c.sendMessage(&Message{Type: "pong"})
	}
}

func (c *client) reply(kind string) {
	c.sendMessage(&Message{
		Type: kind,
		Data: map[string]interface{}{"channels": c.channels()},
	})
}

// sendMessage queues msg, dropping it when the buffer is full
func (c *client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	// send may already be closed by the hub
	defer func() { _ = recover() }()
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscribed))
	for ch := range c.subscribed {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// handleWebSocket handles GET /v1/events/ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("stream upgrade failed", logging.Err(err), logging.Component("websocket"))
		return
	}

	c := newClient(s.hub, conn)
	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		conn.Close()
		return
	}

	util.SafeGoWithName("ws-write", c.writePump)
	util.SafeGoWithName("ws-read", c.readPump)
}
