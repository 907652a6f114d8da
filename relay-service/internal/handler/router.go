package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
	"github.com/ambengineeringsystem-gif/selfie-2/relay-service/internal/hub"
)

// RegisterHealth registers /health, which also reports connected clients.
func RegisterHealth(r *gin.Engine, h *hub.Hub) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": h.Clients()})
	})
}

// NewRouter assembles the REST routes on one engine.
func NewRouter(data *DataHandler, ice *ICEHandler, h *hub.Hub, metrics http.Handler, mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw...)

	RegisterHealth(r, h)
	data.RegisterRoutes(r)
	ice.RegisterRoutes(r)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	return r
}

// Mount serves the websocket endpoint next to the gin router. The socket
// bypasses gin so its logging middleware sees the hijacked connection.
func Mount(ws *WSHandler, router *gin.Engine, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	ws.RegisterRoutes(mux, log.HTTPMiddleware(logger))
	mux.Handle("/", router)
	return mux
}
