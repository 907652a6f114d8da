package handler

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/middleware"
	pkgwebrtc "github.com/ambengineeringsystem-gif/selfie-2/pkg/webrtc"
)

// ICEHandler serves ICE server configuration.
type ICEHandler struct {
	source pkgwebrtc.ICEConfig

	mu      sync.RWMutex
	servers []webrtc.ICEServer
}

// NewICEHandler creates a new ICE handler. Call Refresh before serving.
func NewICEHandler(source pkgwebrtc.ICEConfig) *ICEHandler {
	return &ICEHandler{source: source, servers: pkgwebrtc.WithFallbackSTUN(nil)}
}

// Refresh resolves the ICE servers again, regenerating TURN credentials.
func (h *ICEHandler) Refresh(ctx context.Context) {
	servers := h.source.Resolve(ctx)
	h.mu.Lock()
	h.servers = servers
	h.mu.Unlock()
	l := log.Ctx(ctx)
	l.Info().Int("count", len(servers)).Msg("ICE servers resolved")
}

// RefreshEvery refreshes until ctx is done.
func (h *ICEHandler) RefreshEvery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}

// GetICEServers handles ICE server requests.
func (h *ICEHandler) GetICEServers(c *gin.Context) {
	h.mu.RLock()
	servers := h.servers
	h.mu.RUnlock()
	c.JSON(200, pkgwebrtc.ICEResponse{ICEServers: servers})
}

// RegisterRoutes registers the ICE routes.
func (h *ICEHandler) RegisterRoutes(r *gin.Engine) {
	ice := r.Group("/api/ice-servers", middleware.CORS("GET, OPTIONS"))
	ice.GET("", h.GetICEServers)
	ice.OPTIONS("", func(c *gin.Context) {})
}
