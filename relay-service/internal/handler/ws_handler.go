package handler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
	"github.com/ambengineeringsystem-gif/selfie-2/relay-service/internal/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Peers are native clients and browsers on any origin
	},
}

// WSHandler handles WebSocket connections.
type WSHandler struct {
	hub *hub.Hub
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(h *hub.Hub) *WSHandler {
	return &WSHandler{hub: h}
}

// ServeHTTP upgrades the request and starts the client's pumps.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l := log.Ctx(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := h.hub.NewClient(uuid.New().String(), conn)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// RegisterRoutes registers the websocket route. wrap decorates the
// handler, for request logging.
func (h *WSHandler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("/ws", wrap(h))
}
