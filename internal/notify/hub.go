package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Conn is the part of *websocket.Conn the hub writes through.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// session serialises writes; websocket connections allow one writer at a time.
type session struct {
	conn Conn
	mu   sync.Mutex
}

func (s *session) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Hub holds the WebSocket sessions connected to this instance, keyed by channel.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	logger   *slog.Logger
}

var ErrNoSession = errors.New("notify: no session for channel")

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{sessions: make(map[string]*session), logger: logger}
}

// Add registers conn for channel, closing any connection it replaces.
func (h *Hub) Add(channel string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.sessions[channel]; ok {
		_ = old.conn.Close()
	}
	h.sessions[channel] = &session{conn: conn}
	h.logger.Info("ws_registered", "channel", channel)
}

// Remove drops conn if it is still the one registered for channel, and
// reports whether it was.
func (h *Hub) Remove(channel string, conn Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[channel]
	if !ok || s.conn != conn {
		return false
	}
	delete(h.sessions, channel)
	h.logger.Info("ws_removed", "channel", channel)
	return true
}

func (h *Hub) Connected(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[channel]
	return ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Send writes v to the channel's session.
func (h *Hub) Send(channel string, v any) error {
	h.mu.RLock()
	s, ok := h.sessions[channel]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(v)
}

// Deliver implements Sink. A channel with nobody connected here is not an error.
func (h *Hub) Deliver(_ context.Context, msg Message) error {
	err := h.Send(msg.Channel, msg)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	return err
}
