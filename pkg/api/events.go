package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"classroom_clicker/pkg/broadcast"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 512
)

// handleEvents handles GET /events. Each viewer gets status, the snapshot,
// the roster and question bank, then every live event in publish order.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	sub := s.engine.SubscribeWith(s.roster.Messages)
	s.logger.Info("Viewer connected",
		zap.String("subscriber", sub.ID),
		zap.String("remote", r.RemoteAddr))

	go s.readPump(conn, sub)
	s.writePump(conn, sub)
}

// readPump discards inbound frames and unsubscribes when the peer goes away
func (s *Server) readPump(conn *websocket.Conn, sub *broadcast.Subscriber) {
	defer s.engine.Unsubscribe(sub)

	conn.SetReadLimit(maxInboundSize)
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

// writePump forwards events until the subscription closes. An evicted
// viewer gets a close frame so its client can reconnect and resync.
func (s *Server) writePump(conn *websocket.Conn, sub *broadcast.Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.engine.Unsubscribe(sub)
		conn.Close()
		s.logger.Info("Viewer disconnected", zap.String("subscriber", sub.ID))
	}()

	for {
		select {
		case msg, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "resync"))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("Viewer write failed", zap.String("subscriber", sub.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
