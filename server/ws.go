package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/graphloom/loom/progress"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer; the stream is one-directional
	// so clients should only ever send control frames
	maxMessageSize = 4096
)

// wsClient is a single WebSocket subscriber to one job's progress stream
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	jobID  string
	events chan progress.Event
}

// HandleJobSocket handles requests to /ws/jobs/{id}
// Upgrades to WebSocket and streams ordered progress events for the job.
// The last retained event is delivered first so late subscribers catch up.
func (s *Server) HandleJobSocket(w http.ResponseWriter, r *http.Request) {
	pathParts := extractPathParts(r.URL.Path, "/ws/jobs/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID")
		return
	}
	jobID := pathParts[0]

	if _, err := s.pipeline.Queue().Get(jobID); err != nil {
		if isNotFoundError(err) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		s.logger.Errorw("Failed to get job", "job_id", shortID(jobID), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "job_id", shortID(jobID), "error", err)
		return
	}

	client := &wsClient{
		server: s,
		conn:   conn,
		jobID:  jobID,
		events: s.broadcaster.Subscribe(jobID),
	}

	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()

	s.logger.Debugw("Progress subscriber connected", "job_id", shortID(jobID),
		"remote", r.RemoteAddr)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
}

// readPump discards inbound messages and keeps the pong deadline fresh.
// Its exit (peer disconnect or server shutdown) tears the client down.
func (c *wsClient) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debugw("WebSocket read error",
					"job_id", shortID(c.jobID), "error", err)
			}
			return
		}
	}
}

// writePump streams progress events to the peer and pings on an interval.
// After a terminal event the stream is complete and the connection closes
// cleanly.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return

		case event, ok := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(event); err != nil {
				c.server.logger.Debugw("Progress write error",
					"job_id", shortID(c.jobID), "error", err)
				return
			}

			if event.Terminal {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown unregisters the client and releases its subscription. Closing
// the events channel via Unsubscribe also stops the write pump.
func (c *wsClient) teardown() {
	c.server.mu.Lock()
	delete(c.server.clients, c)
	c.server.mu.Unlock()

	c.server.broadcaster.Unsubscribe(c.jobID, c.events)
	c.conn.Close()
}
