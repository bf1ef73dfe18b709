package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second

	wsSendBuffer = 16
)

// WebSocketHub bridges extension connections onto the bus. Each connected
// client both receives outbound envelopes and may inject inbound ones; a
// slow client is disconnected rather than allowed to block the hub.
type WebSocketHub struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers []Handler
	conns    map[*wsClient]struct{}
	closed   bool
}

type wsClient struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte
}

// NewWebSocketHub creates an empty hub.
func NewWebSocketHub(logger zerolog.Logger) *WebSocketHub {
	return &WebSocketHub{
		logger: logger.With().Str("component", "bus_ws").Logger(),
		conns:  make(map[*wsClient]struct{}),
	}
}

// Subscribe registers a handler for envelopes received from any client.
func (h *WebSocketHub) Subscribe(fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, fn)
}

// Register adopts an upgraded connection and serves it until it drops.
func (h *WebSocketHub) Register(conn *websocket.Conn) {
	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.conns[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Extension client connected")

	go client.writePump()
	go client.readPump()
}

func (h *WebSocketHub) unregister(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.conns[client]; ok {
		delete(h.conns, client)
		close(client.send)
	}
	h.mu.Unlock()
}

// Publish fans the envelope out to every connected client.
func (h *WebSocketHub) Publish(_ context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.conns {
		select {
		case client.send <- data:
		default:
			// Slow consumer; the write pump will notice the closed conn
			h.logger.Warn().Msg("Dropping envelope for slow extension client")
			_ = client.conn.Close()
		}
	}
	return nil
}

// Close disconnects all clients.
func (h *WebSocketHub) Close() error {
	h.mu.Lock()
	h.closed = true
	for client := range h.conns {
		delete(h.conns, client)
		close(client.send)
	}
	h.mu.Unlock()
	return nil
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("Extension client read error")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.hub.logger.Warn().Err(err).Msg("Dropping undecodable envelope from extension")
			continue
		}

		c.hub.mu.RLock()
		handlers := c.hub.handlers
		c.hub.mu.RUnlock()
		for _, fn := range handlers {
			fn(env)
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
