package handler

import (
	"encoding/json"
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/relay"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/response"
)

// DataHandler exposes the relay tree over REST, for inspection and for
// clients that cannot hold a websocket. It has no subscriptions and no
// disconnect actions.
type DataHandler struct {
	store relay.Store
	obs   relay.Observer
}

// NewDataHandler creates a data handler. obs may be nil.
func NewDataHandler(store relay.Store, obs relay.Observer) *DataHandler {
	return &DataHandler{store: store, obs: obs}
}

// Node is the body of a successful read or append.
type Node struct {
	Path  string          `json:"path"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value"`
}

// RegisterRoutes registers the data routes.
func (h *DataHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		data := api.Group("/data")
		{
			data.GET("/*path", h.Read)
			data.PUT("/*path", h.Write)
			data.PATCH("/*path", h.Update)
			data.DELETE("/*path", h.Delete)
			data.POST("/*path", h.Append)
		}
	}
}

// Read returns the value at path, or 404 when nothing is stored there.
func (h *DataHandler) Read(c *gin.Context) {
	p, ok := h.path(c)
	if !ok {
		return
	}
	snap, err := h.store.Read(c.Request.Context(), p)
	h.observe(relay.OpRead, err)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !snap.Exists() {
		response.NotFound(c, "no value at "+p)
		return
	}
	response.Success(c, Node{Path: p, Key: snap.Key, Value: snap.Raw})
}

// Write replaces the value at path.
func (h *DataHandler) Write(c *gin.Context) {
	p, ok := h.path(c)
	if !ok {
		return
	}
	body, ok := h.body(c)
	if !ok {
		return
	}
	err := h.store.Write(c.Request.Context(), p, body)
	h.observe(relay.OpWrite, err)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, Node{Path: p, Value: body})
}

// Update writes the fields of a JSON object below path.
func (h *DataHandler) Update(c *gin.Context) {
	p, ok := h.path(c)
	if !ok {
		return
	}
	var fields map[string]json.RawMessage
	if err := c.ShouldBindJSON(&fields); err != nil {
		response.BadRequest(c, "body must be a JSON object")
		return
	}
	update := make(map[string]any, len(fields))
	for k, v := range fields {
		if string(v) == "null" {
			update[k] = nil
			continue
		}
		update[k] = v
	}
	err := h.store.Update(c.Request.Context(), p, update)
	h.observe(relay.OpUpdate, err)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"path": p, "fields": len(update)})
}

// Delete removes path and everything below it.
func (h *DataHandler) Delete(c *gin.Context) {
	p, ok := h.path(c)
	if !ok {
		return
	}
	err := h.store.Delete(c.Request.Context(), p)
	h.observe(relay.OpDelete, err)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"path": p})
}

// Append stores the body under a new child key of path.
func (h *DataHandler) Append(c *gin.Context) {
	p, ok := h.path(c)
	if !ok {
		return
	}
	body, ok := h.body(c)
	if !ok {
		return
	}
	key, err := h.store.Append(c.Request.Context(), p, body)
	h.observe(relay.OpAppend, err)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, Node{Path: relay.Join(p, key), Key: key, Value: body})
}

func (h *DataHandler) path(c *gin.Context) (string, bool) {
	p, err := relay.Clean(c.Param("path"))
	if err != nil || p == "" {
		response.BadRequest(c, "invalid path")
		return "", false
	}
	c.Set(log.FieldRelayPath, p)
	return p, true
}

func (h *DataHandler) body(c *gin.Context) (json.RawMessage, bool) {
	raw, err := c.GetRawData()
	if err != nil || !json.Valid(raw) {
		response.BadRequest(c, "body must be JSON")
		return nil, false
	}
	return json.RawMessage(raw), true
}

func (h *DataHandler) observe(op string, err error) {
	if h.obs != nil {
		h.obs.ObserveOp(op, err)
	}
}

func (h *DataHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, relay.ErrInvalidPath):
		response.BadRequest(c, err.Error())
	case errors.Is(err, relay.ErrClosed), errors.Is(err, relay.ErrTransient):
		l := log.Ctx(c.Request.Context())
		l.Warn().Err(err).Msg("relay store unavailable")
		response.Unavailable(c, "relay store unavailable")
	default:
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("relay request failed")
		response.InternalError(c, "relay request failed")
	}
}
