package push

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/lunaris-ai/chat-orchestrator/internal/logger"
	"github.com/gorilla/websocket"
)

// Hub routes events to rooms. A room is addressed by fingerprint and may
// hold any number of websocket connections plus in-process listeners (the
// NDJSON chat response writer is one).
//
// Thread-safety: all methods may be called concurrently. Websocket writes
// for one connection are serialized by a per-conn mutex since gorilla
// connections do not support concurrent writers.
type Hub struct {
	// rooms maps fingerprint -> set of websocket connections.
	rooms map[string]map[*websocket.Conn]bool

	// connRooms maps connection -> fingerprint for cleanup.
	connRooms map[*websocket.Conn]string

	// listeners maps fingerprint -> in-process event channels.
	listeners map[string][]chan Event

	// connWriters serializes writes per connection.
	connWriters map[*websocket.Conn]*sync.Mutex

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		rooms:       make(map[string]map[*websocket.Conn]bool),
		connRooms:   make(map[*websocket.Conn]string),
		listeners:   make(map[string][]chan Event),
		connWriters: make(map[*websocket.Conn]*sync.Mutex),
		logger:      log.WithComponent("push-hub"),
	}
}

// Register joins a websocket connection to a room.
func (h *Hub) Register(fingerprint string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[fingerprint] == nil {
		h.rooms[fingerprint] = make(map[*websocket.Conn]bool)
	}
	h.rooms[fingerprint][conn] = true
	h.connRooms[conn] = fingerprint
	h.connWriters[conn] = &sync.Mutex{}

	h.logger.Debug("connection joined room",
		slog.String("fingerprint", fingerprint),
		slog.Int("room_size", len(h.rooms[fingerprint])))
}

// Unregister removes a websocket connection from its room.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fingerprint := h.connRooms[conn]
	if conns, ok := h.rooms[fingerprint]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, fingerprint)
		}
	}
	delete(h.connRooms, conn)
	delete(h.connWriters, conn)

	h.logger.Debug("connection left room", slog.String("fingerprint", fingerprint))
}

// Listen attaches an in-process listener channel to a room. The returned
// function detaches it; the channel is closed on detach.
func (h *Hub) Listen(fingerprint string) (<-chan Event, func()) {
	ch := make(chan Event, 256)

	h.mu.Lock()
	h.listeners[fingerprint] = append(h.listeners[fingerprint], ch)
	h.mu.Unlock()

	detach := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		chans := h.listeners[fingerprint]
		for i, c := range chans {
			if c == ch {
				h.listeners[fingerprint] = append(chans[:i], chans[i+1:]...)
				close(ch)
				break
			}
		}
		if len(h.listeners[fingerprint]) == 0 {
			delete(h.listeners, fingerprint)
		}
	}
	return ch, detach
}

// Publish delivers an event to every connection and listener in a room.
// Slow listeners drop events rather than blocking the stream.
func (h *Hub) Publish(fingerprint string, event Event) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.rooms[fingerprint]))
	for conn := range h.rooms[fingerprint] {
		conns = append(conns, conn)
	}
	writers := make([]*sync.Mutex, len(conns))
	for i, conn := range conns {
		writers[i] = h.connWriters[conn]
	}
	chans := make([]chan Event, len(h.listeners[fingerprint]))
	copy(chans, h.listeners[fingerprint])
	h.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
			h.logger.Warn("listener lagging, dropped event",
				slog.String("fingerprint", fingerprint),
				slog.String("type", event.Type))
		}
	}

	if len(conns) == 0 {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal event",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()))
		return
	}

	for i, conn := range conns {
		if writers[i] == nil {
			continue
		}
		writers[i].Lock()
		err := conn.WriteMessage(websocket.TextMessage, payload)
		writers[i].Unlock()
		if err != nil {
			h.logger.Warn("failed to write to connection",
				slog.String("fingerprint", fingerprint),
				slog.String("error", err.Error()))
		}
	}
}

// RoomSize returns the number of websocket connections in a room.
func (h *Hub) RoomSize(fingerprint string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[fingerprint])
}
