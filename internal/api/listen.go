package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/ebusd-go/internal/ebus/message"
	"github.com/nerrad567/ebusd-go/internal/infrastructure/logging"
)

const (
	wsSendBufferSize = 256
	wsPingInterval   = 30 * time.Second
	wsPongTimeout    = 60 * time.Second
)

// listenEvent is one pushed cache update, the websocket analogue of the
// text-line "listen" command's unsolicited update lines.
type listenEvent struct {
	Circuit string         `json:"circuit"`
	Name    string         `json:"name"`
	Fields  map[string]any `json:"fields"`
}

// Hub fans out cache updates to every connected /listen client. It
// implements dispatcher.Sink so main wiring can register it exactly like
// the MQTT/KNX bridges; /listen mirrors the text-line "listen" command
// for browser dashboards.
type Hub struct {
	logger  *logging.Logger
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// NewHub creates an empty Hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[*wsClient]struct{})}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Publish implements dispatcher.Sink: every cache update is broadcast to
// all connected /listen clients as a JSON event.
func (h *Hub) Publish(_ context.Context, m *message.Message, snap message.CacheSnapshot) {
	if !snap.HasData {
		return
	}
	data, err := json.Marshal(listenEvent{Circuit: m.Circuit, Name: m.Name, Fields: snap.Values})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow consumer: drop the update rather than block the
			// dispatcher's housekeeping pass.
		}
	}
}

// ClientCount reports the number of connected /listen clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if existed {
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
		delete(h.clients, c)
	}
}

// handleListen implements GET /listen: upgrades to a websocket and
// streams every subsequent cache update until the client disconnects.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBufferSize)}
	s.hub.register(c)
	go s.writePump(c)
	go s.readPump(c)
}

// readPump only drains the connection for control frames (ping/close);
// /listen is a push-only stream, so any client message is ignored.
func (s *Server) readPump(c *wsClient) {
	defer func() {
		s.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout)) //nolint:errcheck // best-effort deadline
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // best-effort close
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
