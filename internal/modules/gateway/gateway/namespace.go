package gateway

import (
	"strings"

	"github.com/goccy/go-json"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/metrics"
)

func (h *Hub) registerNamespaces() {
	ns := h.sio.Of(namespaceCaptions, nil)
	_ = ns.On("connection", func(args ...any) {
		client, ok := args[0].(*socketio.Socket)
		if !ok {
			return
		}
		h.mu.Lock()
		h.sioCount++
		h.mu.Unlock()
		metrics.GatewayConnections.WithLabelValues(TransportSocketIO).Inc()

		_ = client.Emit("message", connectedFrame())
		_ = client.On("message", func(eventArgs ...any) {
			if inboundType(eventArgs...) == FramePing {
				_ = client.Emit("message", pongFrame())
			}
		})
		_ = client.On("disconnect", func(_ ...any) {
			h.mu.Lock()
			if h.sioCount > 0 {
				h.sioCount--
			}
			h.mu.Unlock()
			metrics.GatewayConnections.WithLabelValues(TransportSocketIO).Dec()
		})
	})
}

// inboundType extracts the frame type of a socket.io message, which may
// arrive decoded or as a JSON string.
func inboundType(args ...any) string {
	if len(args) == 0 || args[0] == nil {
		return ""
	}
	var in inboundFrame
	switch raw := args[0].(type) {
	case map[string]interface{}:
		in.Type, _ = raw["type"].(string)
	case string:
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			return ""
		}
	case []byte:
		if err := json.Unmarshal(raw, &in); err != nil {
			return ""
		}
	}
	return strings.TrimSpace(in.Type)
}
