package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"busload/internal/transit"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	streamBuffer = 64
	writeWait    = 5 * time.Second
	pingPeriod   = 30 * time.Second
)

// StreamEvent is what operator dashboards receive on /api/stream.
type StreamEvent struct {
	Kind    string `json:"kind"`
	Zone    int64  `json:"zoneId"`
	Key     string `json:"key"`
	Payload any    `json:"payload"`
}

// Hub pushes domain events to connected websocket clients. Each client only
// sees events of the zones it may operate; a client that falls behind loses
// events rather than stalling the emitter.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	conn  *websocket.Conn
	scope transit.ZoneScope
	send  chan []byte
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, clients: make(map[*streamClient]struct{})}
}

// Emit implements transit.Emitter.
func (h *Hub) Emit(_ context.Context, kind string, zone int64, key string, payload any) error {
	b, err := json.Marshal(StreamEvent{Kind: kind, Zone: zone, Key: key, Payload: payload})
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.scope != transit.AllZones && int64(c.scope) != zone {
			continue
		}
		select {
		case c.send <- b:
		default:
			h.logger.Warn("stream client too slow, dropping event", "kind", kind)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) add(conn *websocket.Conn, scope transit.ZoneScope) *streamClient {
	c := &streamClient{conn: conn, scope: scope, send: make(chan []byte, streamBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("stream client connected", "zone", scope, "clients", n)
	return c
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("stream client disconnected", "clients", n)
}

func (c *streamClient) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case b, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// stream upgrades an operator's request to a websocket carrying live events.
func (s *Server) stream(c echo.Context) error {
	if s.svc.Stream == nil {
		return echo.NewHTTPError(http.StatusNotFound, "event stream disabled")
	}
	scope, err := actorOf(c).Scope(transit.AllZones)
	if err != nil {
		return err
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already answered
		s.logger.Warn("websocket upgrade", "error", err)
		return nil
	}
	hub := s.svc.Stream
	client := hub.add(conn, scope)
	go client.writeLoop()

	// Clients only listen; reading drives pong handling and detects close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read", "error", err)
			}
			break
		}
	}
	hub.remove(client)
	return nil
}
