package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/0xarcano/UXWallet/internal/services"
)

// WebSocketHandler exposes the balance push hub on /ws
type WebSocketHandler struct {
	pushService *services.WebSocketPushService
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(pushService *services.WebSocketPushService) *WebSocketHandler {
	return &WebSocketHandler{pushService: pushService}
}

// HandleWebSocket GET /ws?address=0x...
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	h.pushService.HandleWebSocket(c.Writer, c.Request)
}
