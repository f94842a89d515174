package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/signaldesk/internal/persistence"
	"github.com/sawpanic/signaldesk/internal/scheduler"
)

const wsWriteTimeout = 5 * time.Second

// StreamMessage is one frame on the live feed.
type StreamMessage struct {
	Type    string                     `json:"type"` // "snapshot" on connect, then "update"
	Entries []persistence.JournalEntry `json:"entries,omitempty"`
	Status  scheduler.Status           `json:"status"`
}

// Hub fans committed engine updates out to websocket clients. Slow consumers
// lose frames rather than stall the engine.
type Hub struct {
	upgrader  websocket.Upgrader
	snapshot  func() scheduler.Status
	broadcast chan []byte
	log       zerolog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub creates a hub. snapshot, when set, is sent to each client on connect.
func NewHub(snapshot func() scheduler.Status, log zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     localOrigin,
		},
		snapshot:  snapshot,
		broadcast: make(chan []byte, 32),
		log:       log.With().Str("component", "ws").Logger(),
		clients:   make(map[*websocket.Conn]struct{}),
	}
}

func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
}

// Run writes queued frames to every client until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.log.Debug().Err(err).Msg("dropping client")
					c.Close()
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish implements scheduler.Publisher.
func (h *Hub) Publish(u scheduler.Update) {
	b, err := json.Marshal(StreamMessage{Type: "update", Entries: u.Entries, Status: u.Status})
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to encode update")
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.log.Debug().Msg("broadcast queue full, update dropped")
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	if h.snapshot != nil {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(StreamMessage{Type: "snapshot", Status: h.snapshot()}); err != nil {
			conn.Close()
			return
		}
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	// The feed is one-way; reads only detect the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.mu.Lock()
				if _, ok := h.clients[conn]; ok {
					delete(h.clients, conn)
					conn.Close()
				}
				h.mu.Unlock()
				return
			}
		}
	}()
}
