package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Operator dashboards connect from arbitrary origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn serializes writes: the bridge goroutine and the ping handler
// both write to the same socket
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) writeText(payload string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// readPump consumes client frames, answering ping text with a pong
// envelope. Returns when the client goes away.
func (w *wsConn) readPump(done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == "ping" {
			if err := w.writeJSON(gin.H{"type": "pong"}); err != nil {
				return
			}
		}
	}
}

// handleWSMetrics streams a periodic snapshot of every node
func (s *Server) handleWSMetrics(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	ws := &wsConn{conn: conn}
	defer conn.Close()

	done := make(chan struct{})
	go ws.readPump(done)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	send := func() bool {
		nodes, err := s.registry.List(c.Request.Context(), registry.ListFilter{})
		if err != nil {
			return true
		}
		return ws.writeJSON(gin.H{
			"type":      "metrics",
			"nodes":     nodes,
			"timestamp": time.Now().UTC(),
		}) == nil
	}

	if !send() {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}

func (s *Server) handleWSDoctor(c *gin.Context) {
	s.bridgeChannel(c, events.ChannelDoctorEvents)
}

func (s *Server) handleWSAlerts(c *gin.Context) {
	s.bridgeChannel(c, events.ChannelAlerts)
}

func (s *Server) handleWSLogs(c *gin.Context) {
	s.bridgeChannel(c, events.LogChannel(c.Param("node_id")))
}

// bridgeChannel pipes a pub/sub channel to the WebSocket client.
// Delivery is best-effort; a client that reconnects reconciles via the
// query endpoints.
func (s *Server) bridgeChannel(c *gin.Context, channel string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	ws := &wsConn{conn: conn}
	defer conn.Close()

	sub := s.store.Subscribe(c.Request.Context(), channel)
	defer sub.Close()

	done := make(chan struct{})
	go ws.readPump(done)

	for {
		select {
		case <-done:
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if err := ws.writeText(msg.Payload); err != nil {
				return
			}
		}
	}
}
