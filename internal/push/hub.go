package push

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/roadside-dispatch/internal/models"
)

// Session is one master device's socket. Writes are serialized; a
// failed write drops the session and the master falls back to polling.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) send(sig models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(sig)
}

// Hub tracks connected master sockets and delivers best-effort signal
// nudges. It is never a correctness dependency: every nudge is
// duplicated by the listener's poll.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{sessions: make(map[string]*Session), logger: logger}
}

func (h *Hub) Add(masterID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.sessions[masterID]; ok {
		_ = old.conn.Close()
	}
	h.sessions[masterID] = &Session{conn: conn}
}

func (h *Hub) Remove(masterID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[masterID]; ok {
		_ = s.conn.Close()
		delete(h.sessions, masterID)
	}
}

// Nudge implements dispatch.Nudger.
func (h *Hub) Nudge(masterID string, sig models.Signal) {
	h.mu.RLock()
	s, ok := h.sessions[masterID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.send(sig); err != nil {
		if h.logger != nil {
			h.logger.Warn("ws nudge failed, dropping session", "master_id", masterID, "error", err)
		}
		h.Remove(masterID)
	}
}
