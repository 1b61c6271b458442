package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FateUnix29/Hollowfire-1/internal/server"
)

// WebSocket timing.
const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 512
	wsBuffer         = 64
)

// The listener only accepts loopback clients, so any origin is fine.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEvents upgrades to a WebSocket and streams bus events as one
// JSON text message each until the client leaves or Close is called.
// ?kinds=tool_call,request_complete limits the stream to those kinds.
// Clients that fall behind miss events rather than slow the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *server.Request) error {
	if s.bus == nil {
		server.WriteError(w, http.StatusServiceUnavailable, "Event stream is disabled.", s.logger)
		return nil
	}

	conn, err := wsUpgrader.Upgrade(w, r.Request, nil)
	if err != nil {
		// Upgrade already answered with an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()

	kinds := eventKinds(r.URL.Query().Get("kinds"))
	ch := s.bus.Subscribe(wsBuffer, kinds...)
	defer s.bus.Unsubscribe(ch)
	s.logger.Debug("events client connected",
		"remote", r.RemoteAddr,
		"kinds", kinds,
		"subscribers", s.bus.SubscriberCount(),
	)

	// The read side only handles pongs and notices the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(wsMaxMessageSize)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("events client read error", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			s.logger.Debug("events client disconnected", "remote", r.RemoteAddr)
			return nil
		case <-s.done:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					s.logger.Debug("events client write failed", "error", err)
				}
				return nil
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

// eventKinds splits a comma-separated kinds filter, dropping blanks.
func eventKinds(raw string) []string {
	var kinds []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
