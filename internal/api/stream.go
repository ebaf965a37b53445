package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/livefeed-project/livefeed/internal/events"
)

const (
	streamSendBuffer   = 64
	streamWriteTimeout = 10 * time.Second
)

// StreamMessage is one JSON text frame on /api/monitor/stream.
type StreamMessage struct {
	Type   string      `json:"type"`
	RoomID int64       `json:"room_id"`
	Data   interface{} `json:"data"`
}

type streamClient struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

// enqueue reports false when the client is closed or its buffer is full.
func (c *streamClient) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *streamClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// streamHub broadcasts feed events to WebSocket clients. A client that
// cannot keep up is disconnected.
type streamHub struct {
	mu       sync.RWMutex
	clients  map[*streamClient]struct{}
	upgrader websocket.Upgrader
}

func newStreamHub(allowedOrigins []string) *streamHub {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return &streamHub{
		clients: make(map[*streamClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || allowed[origin]
			},
		},
	}
}

func (h *streamHub) attach(bus *events.EventBus) {
	bus.Subscribe(events.EventFeedEvents, "api.stream", func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.FeedEventsPayload); ok && len(p.Events) > 0 {
			h.broadcast(StreamMessage{Type: "events", RoomID: p.RoomID, Data: events.Wrap(p.RoomID, p.Events)})
		}
		return nil
	})
	bus.Subscribe(events.EventFeedLiveness, "api.stream", func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.LivenessPayload); ok {
			h.broadcast(StreamMessage{Type: "liveness", RoomID: p.RoomID, Data: p})
		}
		return nil
	})
	bus.Subscribe(events.EventFeedDiagnostic, "api.stream", func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.DiagnosticPayload); ok {
			h.broadcast(StreamMessage{Type: "diagnostic", RoomID: p.RoomID, Data: p})
		}
		return nil
	})
}

func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.stream.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	// The HTTP server's read deadline survives the hijack.
	conn.SetReadDeadline(time.Time{})
	s.stream.serve(conn)
}

// serve registers conn and blocks until the peer goes away.
func (h *streamHub) serve(conn *websocket.Conn) {
	client := &streamClient{conn: conn, send: make(chan []byte, streamSendBuffer)}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(client)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(client)
}

func (h *streamHub) writeLoop(client *streamClient) {
	defer client.conn.Close()
	for data := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(client)
			return
		}
	}
	client.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (h *streamHub) remove(client *streamClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

func (h *streamHub) broadcast(msg StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("type", msg.Type).Msg("failed to marshal stream message")
		return
	}

	h.mu.RLock()
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(data) {
			h.remove(c)
		}
	}
}

func (h *streamHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *streamHub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*streamClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}
