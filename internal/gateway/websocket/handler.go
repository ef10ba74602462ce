// Package websocket streams execution events to UI sessions. Each connection
// is one broker subscriber; frames in are subscribe/unsubscribe requests,
// frames out are execution events for the subscribed keys.
package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chorushq/chorus/internal/common/logger"
	"github.com/chorushq/chorus/internal/fanout"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The orchestrator binds to the homelab network; any origin may watch.
		return true
	},
}

// WSHandler upgrades event stream connections
type WSHandler struct {
	events *fanout.Broker
	logger *logger.Logger
}

// NewWSHandler creates a new WebSocket handler
func NewWSHandler(events *fanout.Broker, log *logger.Logger) *WSHandler {
	return &WSHandler{
		events: events,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// SetupWebSocketRoutes registers the event stream endpoint
func SetupWebSocketRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/events", handler.StreamEvents)
}

// StreamEvents handles a WebSocket connection for execution events. A key
// query parameter, when present, becomes the first subscription; more keys
// can be added over the socket.
// WS /api/v1/events
func (h *WSHandler) StreamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn, h.events, h.logger)

	if key := c.Query("key"); key != "" {
		h.events.Subscribe(clientID, key)
	}

	h.logger.Info("WebSocket connection established",
		zap.String("client_id", clientID),
	)

	go client.RelayPump()
	go client.WritePump()
	go client.ReadPump()
}
