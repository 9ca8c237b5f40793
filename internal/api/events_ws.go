package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsWriteTimeout bounds a single frame write toward a subscriber.
	wsWriteTimeout = 10 * time.Second
	// wsPingInterval keeps idle connections alive through proxies.
	wsPingInterval = 30 * time.Second
	// wsSubscriberBuffer is the per-connection event buffer; a subscriber
	// falling further behind loses events.
	wsSubscriberBuffer = 256
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are already vetted by the CORS middleware; the bearer token
	// on the upgrade request is what actually gates access.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventsWS upgrades the connection and streams engine events as
// JSON frames until the client goes away.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.bus.Subscribe(wsSubscriberBuffer)
	defer cancel()

	s.logger.Info("event feed subscriber connected", "remote_addr", r.RemoteAddr)

	// Reader goroutine: we never expect client frames, but reading is
	// required to notice the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event feed write failed", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			s.logger.Info("event feed subscriber disconnected", "remote_addr", r.RemoteAddr)
			return
		}
	}
}
