// Package ws is the websocket connection layer. Hub implements
// bridge.Directory for the connections this instance holds.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/observability"
)

// Handler receives decoded client events. Each event runs on its own
// goroutine.
type Handler interface {
	HandleEvent(ctx context.Context, connID string, ev events.Inbound)
	Disconnected(ctx context.Context, connID string)
}

const (
	writeTimeout = 5 * time.Second
	eventTimeout = 15 * time.Second
	maxFrameSize = 64 << 10
)

// session represents one live client connection.
type session struct {
	id    string
	conn  *websocket.Conn
	mu    sync.Mutex // serialises writes
	rooms map[string]struct{}
}

func (s *session) send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	rooms    map[string]map[string]*session

	handler  Handler
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*session),
		rooms:    make(map[string]map[string]*session),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// SetHandler must be called before the hub serves connections.
func (h *Hub) SetHandler(handler Handler) { h.handler = handler }

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s := &session{id: uuid.NewString(), conn: conn, rooms: make(map[string]struct{})}
	h.add(s)
	defer h.drop(s)

	frame, err := events.Connected(s.id).Frame()
	if err == nil {
		err = s.send(frame)
	}
	if err != nil {
		h.logger.Warn("send connected frame", "conn_id", s.id, "error", err)
		return
	}

	conn.SetReadLimit(maxFrameSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended", "conn_id", s.id, "error", err)
			}
			return
		}
		ev, err := events.DecodeInbound(data)
		if err != nil {
			observability.InboundEvents.WithLabelValues("unknown", "invalid").Inc()
			h.logger.Debug("dropping client frame", "conn_id", s.id, "error", err)
			continue
		}
		go h.dispatch(s.id, ev)
	}
}

func (h *Hub) dispatch(connID string, ev events.Inbound) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("panic handling client event", "conn_id", connID, "type", ev.Kind(), "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	if h.handler == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	h.handler.HandleEvent(ctx, connID, ev)
}

func (h *Hub) add(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	observability.ConnectionsOpen.Inc()
	h.logger.Debug("connection opened", "conn_id", s.id)
}

// drop leaves every room, closes the socket and notifies the handler.
func (h *Hub) drop(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	for room := range s.rooms {
		delete(h.rooms[room], s.id)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	_ = s.conn.Close()
	observability.ConnectionsOpen.Dec()
	h.logger.Debug("connection closed", "conn_id", s.id)

	if h.handler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		h.handler.Disconnected(ctx, s.id)
	}
}

func (h *Hub) SendTo(connID string, frame []byte) bool {
	h.mu.RLock()
	s, ok := h.sessions[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.write(s, frame)
}

func (h *Hub) SendRoom(room string, frame []byte) int {
	h.mu.RLock()
	members := make([]*session, 0, len(h.rooms[room]))
	for _, s := range h.rooms[room] {
		members = append(members, s)
	}
	h.mu.RUnlock()
	return h.writeAll(members, frame)
}

func (h *Hub) SendAll(frame []byte) int {
	h.mu.RLock()
	all := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()
	return h.writeAll(all, frame)
}

func (h *Hub) Join(connID, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[connID]
	if !ok {
		return false
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*session)
		h.rooms[room] = members
	}
	members[connID] = s
	s.rooms[room] = struct{}{}
	return true
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) writeAll(targets []*session, frame []byte) int {
	n := 0
	for _, s := range targets {
		if h.write(s, frame) {
			n++
		}
	}
	return n
}

func (h *Hub) write(s *session, frame []byte) bool {
	if err := s.send(frame); err != nil {
		h.logger.Debug("websocket write failed", "conn_id", s.id, "error", err)
		return false
	}
	return true
}
