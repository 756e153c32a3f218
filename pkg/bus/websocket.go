package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub is a websocket Publisher serving dashboard live updates.
//
// Clients connect with ?topic=<topic> (repeatable) and receive every
// message published to a subscribed topic as a JSON frame. A "*" topic
// subscribes to everything. Writes to a dead connection evict the client.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn   *websocket.Conn
	topics map[string]struct{}
	mu     sync.Mutex // serializes writes per connection
}

// NewHub creates a websocket hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   slog.Default().With("component", "bus.websocket"),
		clients:  make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	topics := make(map[string]struct{})
	for _, t := range r.URL.Query()["topic"] {
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				topics[part] = struct{}{}
			}
		}
	}
	if len(topics) == 0 {
		topics["*"] = struct{}{}
	}

	client := &wsClient{conn: conn, topics: topics}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "remote", r.RemoteAddr, "topics", len(topics))

	// Drain reads to detect disconnects; inbound frames are ignored.
	go func() {
		defer h.drop(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Publish implements Publisher by broadcasting to subscribed clients.
func (h *Hub) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.subscribed(msg.Topic) {
			continue
		}
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			h.drop(c)
		}
	}
	return nil
}

func (c *wsClient) subscribed(topic string) bool {
	if _, ok := c.topics["*"]; ok {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if present {
		c.conn.Close()
	}
}

// Close disconnects all clients.
func (h *Hub) Close() error {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
	return nil
}
