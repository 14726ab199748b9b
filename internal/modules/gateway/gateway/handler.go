package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RegisterRoutes mounts the raw WebSocket endpoints, socket.io and stats.
// GET / only answers upgrade requests.
func RegisterRoutes(r gin.IRoutes, hub *Hub) {
	r.GET("/ws", hub.serveWS)
	r.GET("/", func(c *gin.Context) {
		if !websocket.IsWebSocketUpgrade(c.Request) {
			c.JSON(http.StatusOK, gin.H{"service": "captions-overlay", "websocket": "/ws"})
			return
		}
		hub.serveWS(c)
	})

	handler := gin.WrapH(hub.Handler())
	r.Any("/socket.io", handler)
	r.Any("/socket.io/*any", handler)

	r.GET("/gateway/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"total": hub.ClientCount()})
	})
}

// GET /ws
func (h *Hub) serveWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	client := newClient(h, conn)
	if !h.enter(client) {
		_ = conn.Close()
		return
	}
	client.start()
}
