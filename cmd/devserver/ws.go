package main

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devpad/devpad/internal/relay"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,

	// The server binds to loopback for a single local user; the UI is served
	// from a different local port, so origin checking is deliberately open.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades the connection and streams matching relay events to
// the client as JSON messages. A slow client drops its oldest undelivered
// events rather than stalling any publisher.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("job")
	if filter == "" {
		filter = relay.FilterAll
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	sub := s.relay.Subscribe(filter)

	defer func() {
		s.relay.Unsubscribe(sub)
		conn.Close()
	}()

	// Consume control frames and notice the client going away.
	closed := make(chan struct{})

	go func() {
		defer close(closed)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(wsPingInterval)
	defer pings.Stop()

	for {
		select {
		case <-closed:
			return
		case <-pings.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))

			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-sub.C():
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				conn.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				)

				return
			}

			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))

			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
