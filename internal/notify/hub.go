package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shineum/tempmail-relay/internal/email"
)

const (
	sendBuffer = 16
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// ErrDuplicateClient is returned when registering an id that is in use.
var ErrDuplicateClient = errors.New("client id already registered")

// Hub is a registry of subscriber id to send channel. A subscriber is removed
// explicitly on disconnect, or when its buffer is full at broadcast time.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]chan []byte
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]chan []byte)}
}

// Register adds a subscriber and returns its receive channel.
func (h *Hub) Register(id string) (<-chan []byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateClient, id)
	}
	ch := make(chan []byte, sendBuffer)
	h.clients[id] = ch
	return ch, nil
}

// Unregister removes a subscriber and closes its channel. Unknown ids are
// ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(id)
}

func (h *Hub) remove(id string) {
	if ch, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(ch)
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every subscriber without blocking. Subscribers that
// cannot keep up are dropped.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			slog.Warn("dropping slow websocket subscriber", "client", id)
			h.remove(id)
		}
	}
}

// Publish implements Notifier.
func (h *Hub) Publish(_ context.Context, n email.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	h.Broadcast(payload)
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// ServeWS upgrades the request and streams notifications to the connection
// until either side closes it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	send, err := h.Register(id)
	if err != nil {
		_ = conn.Close()
		return
	}
	slog.Debug("websocket subscriber connected", "client", id, "subscribers", h.Len())

	go h.readPump(id, conn)
	h.writePump(id, conn, send)
}

// readPump discards client frames and unregisters the client once the
// connection fails.
func (h *Hub) readPump(id string, conn *websocket.Conn) {
	defer h.Unregister(id)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(id string, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		slog.Debug("websocket subscriber disconnected", "client", id)
	}()

	for {
		select {
		case msg, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.Unregister(id)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Unregister(id)
				return
			}
		}
	}
}
