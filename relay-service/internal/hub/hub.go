// Package hub bridges websocket connections to a relay.Gateway.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	pkglog "github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/relay"
	"github.com/ambengineeringsystem-gif/selfie-2/relay-service/internal/config"
)

// Hooks receives client lifecycle events, for metrics.
type Hooks interface {
	ClientConnected()
	ClientDisconnected()
	FrameDropped()
}

type nopHooks struct{}

func (nopHooks) ClientConnected()    {}
func (nopHooks) ClientDisconnected() {}
func (nopHooks) FrameDropped()       {}

// Client represents a connected WebSocket client.
type Client struct {
	ID   string
	Hub  *Hub
	Conn *websocket.Conn
	Send chan []byte

	gateway *relay.GatewayConn
	logger  zerolog.Logger

	mu        sync.Mutex
	sendDone  bool
	closeOnce sync.Once
}

// Hub manages all WebSocket connections.
type Hub struct {
	gateway    *relay.Gateway
	hooks      Hooks
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	config     config.WebSocketConfig
}

// NewHub creates a new Hub. hooks may be nil.
func NewHub(gw *relay.Gateway, cfg config.WebSocketConfig, hooks Hooks) *Hub {
	if hooks == nil {
		hooks = nopHooks{}
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1 << 20
	}
	return &Hub{
		gateway:    gw,
		hooks:      hooks,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		config:     cfg,
	}
}

// NewClient attaches conn to the gateway. The caller starts the pumps.
func (h *Hub) NewClient(id string, conn *websocket.Conn) *Client {
	c := &Client{
		ID:     id,
		Hub:    h,
		Conn:   conn,
		Send:   make(chan []byte, h.config.SendBuffer),
		logger: pkglog.Component("relay.hub").With().Str(pkglog.FieldClientID, id).Logger(),
	}
	c.gateway = h.gateway.Attach(id, c.enqueue)
	return c
}

// Run starts the hub's main loop. When ctx is done every connection is
// closed and Run returns.
func (h *Hub) Run(ctx context.Context) {
	l := pkglog.Component("relay.hub")
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.hooks.ClientConnected()
			l.Info().Str(pkglog.FieldClientID, client.ID).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client.ID]
			delete(h.clients, client.ID)
			h.mu.Unlock()
			if ok {
				client.closeSend()
				h.hooks.ClientDisconnected()
			}
			l.Info().Str(pkglog.FieldClientID, client.ID).Msg("client unregistered")

		case <-ctx.Done():
			h.mu.Lock()
			clients := h.clients
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			for _, c := range clients {
				c.closeSend()
				c.close()
				h.hooks.ClientDisconnected()
			}
			l.Info().Int("clients", len(clients)).Msg("hub stopped")
			return
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.closeSend()
		client.close()
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.closeSend()
	}
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// enqueue is the gateway's send func. A client that cannot keep up is
// disconnected rather than silently missing events.
func (c *Client) enqueue(f relay.Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error().Err(err).Str(pkglog.FieldRelayOp, f.Op).Msg("failed to encode frame")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendDone {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		c.Hub.hooks.FrameDropped()
		c.logger.Warn().Msg("send buffer full, closing connection")
		go c.close()
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendDone {
		c.sendDone = true
		close(c.Send)
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { c.Conn.Close() })
}

// ReadPump pumps frames from the WebSocket connection to the gateway. When
// the connection ends the client's subscriptions are dropped and its
// disconnect actions run.
func (c *Client) ReadPump() {
	ctx := pkglog.WithLogger(context.Background(), c.logger)
	defer func() {
		c.gateway.Close(ctx)
		c.Hub.Unregister(c)
		c.close()
	}()

	c.Conn.SetReadLimit(c.Hub.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket error")
			}
			return
		}
		// Any traffic proves the peer is alive.
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.PongWait))

		var f relay.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.enqueue(relay.Frame{Op: relay.OpResult, Error: &relay.FrameError{Code: relay.CodeBadRequest, Message: "invalid frame"}})
			continue
		}
		c.gateway.Handle(ctx, f)
	}
}

// WritePump pumps frames from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
