package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"devconnect-chat/internal/models"
	"devconnect-chat/internal/observability"
)

// session is one connected client with its joined rooms. writeMu
// serializes frames: emits for different rooms may target the same
// connection concurrently.
type session struct {
	conn    *websocket.Conn
	info    ConnInfo
	rooms   map[string]struct{}
	writeMu sync.Mutex
}

func (s *session) write(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub is the chat session registry: it tracks which connections are
// joined to which rooms and fans emitted events out to them. Rooms are
// opaque strings; the engine uses chat:<id> and user:<id>.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*session]struct{}
	sessions map[*websocket.Conn]*session
	byUser   map[int]int // live session count per user
	logger   zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:    make(map[string]map[*session]struct{}),
		sessions: make(map[*websocket.Conn]*session),
		byUser:   make(map[int]int),
		logger:   logger.With().Str("component", "hub").Logger(),
	}
}

// Register adds a connection and implicitly joins the user's private
// room.
func (h *Hub) Register(conn *websocket.Conn, info ConnInfo, userRoom string) {
	s := &session{conn: conn, info: info, rooms: make(map[string]struct{})}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[conn] = s
	h.byUser[info.UserID]++
	h.joinLocked(s, userRoom)
}

// Unregister removes a connection from every room. It reports whether
// this was the user's last live session, so the caller can bound the
// lifetime of that user's cached counters.
func (h *Hub) Unregister(conn *websocket.Conn) (info ConnInfo, lastSession bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[conn]
	if !ok {
		return ConnInfo{}, false
	}
	delete(h.sessions, conn)
	for room := range s.rooms {
		h.leaveLocked(s, room)
	}

	h.byUser[s.info.UserID]--
	if h.byUser[s.info.UserID] <= 0 {
		delete(h.byUser, s.info.UserID)
		return s.info, true
	}
	return s.info, false
}

// Join adds the connection to a room. Unknown connections are ignored.
func (h *Hub) Join(conn *websocket.Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[conn]; ok {
		h.joinLocked(s, room)
	}
}

// Leave removes the connection from a room.
func (h *Hub) Leave(conn *websocket.Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[conn]; ok {
		h.leaveLocked(s, room)
	}
}

func (h *Hub) joinLocked(s *session, room string) {
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*session]struct{})
	}
	h.rooms[room][s] = struct{}{}
	s.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(s *session, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(s.rooms, room)
}

// Emit delivers a named event to every session joined to the room.
// Best-effort, at most once per connected session: a failed write
// closes the connection, which unblocks the session's read loop. The
// read loop owns Unregister, so last-session accounting (and the
// counter TTL it drives) happens exactly once regardless of which
// side noticed the dead connection first.
func (h *Hub) Emit(room string, event string, payload any) {
	frame, err := json.Marshal(models.WSEvent{Event: event, Payload: payload})
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("event marshal failed")
		return
	}

	h.mu.RLock()
	members := make([]*session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	for _, s := range members {
		if err := s.write(frame); err != nil {
			h.logger.Warn().Err(err).Str("room", room).Str("conn_id", s.info.ConnID).
				Msg("websocket write failed, closing session")
			s.conn.Close()
		}
	}
	observability.IncWSEvent(event)
}

// RoomSize reports the live session count for a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
