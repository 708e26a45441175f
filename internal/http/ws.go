package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 5 * time.Second
	wsReadLimit  = 1 << 16
)

// inbound is a client frame. Drivers send update_location; anyone may ping.
type inbound struct {
	Type string  `json:"type"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

type outbound struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// handleWS authenticates the handshake with the bearer token (header or
// ?token=) and binds the connection to the caller's notification channel.
// A driver whose registered connection drops is taken offline.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tok, err := auth.FromRequest(r)
	if err != nil {
		writeAuthError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	claims, err := s.auth.Parse(tok)
	if err != nil {
		writeAuthError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "error", err)
		return
	}

	userID := claims.UserID()
	isDriver := claims.Role == auth.RoleDriver
	channel := notify.RiderChannel(userID)
	if isDriver {
		channel = notify.DriverChannel(userID)
	}

	s.hub.Add(channel, conn)
	observability.WSConnections.Inc()
	s.logger.Info("ws_connected", "channel", channel)

	done := make(chan struct{})
	defer func() {
		close(done)
		observability.WSConnections.Dec()
		if s.hub.Remove(channel, conn) && isDriver {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.rides.GoOffline(ctx, userID); err != nil {
				s.logger.Warn("offline on disconnect failed", "driver_id", userID, "error", err)
			}
			cancel()
		}
		_ = conn.Close()
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		t := time.NewTicker(wsPingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("ws_read_failed", "channel", channel, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		switch msg.Type {
		case "update_location":
			if !isDriver {
				s.reply(channel, outbound{Type: "error", Message: "only drivers send locations"})
				continue
			}
			if err := s.rides.UpdateDriverLocation(r.Context(), userID, msg.Lat, msg.Lng); err != nil {
				s.reply(channel, outbound{Type: "error", Message: apperrMessage(err)})
			}
		case "ping":
			s.reply(channel, outbound{Type: "pong"})
		default:
			s.reply(channel, outbound{Type: "error", Message: "unknown message type"})
		}
	}
}

// reply goes through the hub so it never races a notification write.
func (s *Server) reply(channel string, v outbound) {
	if err := s.hub.Send(channel, v); err != nil {
		s.logger.Debug("ws_reply_dropped", "channel", channel, "error", err)
	}
}

func apperrMessage(err error) string {
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind == apperr.KindInternal {
		return "internal error"
	}
	return ae.Message
}
