package gateway

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	socketio "github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"

	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stream/pubsub"
)

const (
	namespaceCaptions = "/captions"

	TransportWebSocket = "websocket"
	TransportSocketIO  = "socketio"

	FrameConnectionStatus = "connection_status"
	FramePing             = "ping"
	FramePong             = "pong"
)

// fanInPatterns covers caption_updates and qna_updates.
var fanInPatterns = []string{"caption_*", "qna_*"}

// Frame is what every overlay connection receives.
type Frame struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// Subscriber is the pub/sub side the hub fans in from.
type Subscriber interface {
	Subscribe(ctx context.Context, patterns []string, handler pubsub.Handler) (*pubsub.Subscription, error)
}

// Hub owns every overlay connection. Raw WebSocket clients are tracked by
// the Run loop; Socket.IO sockets live in the /captions namespace.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	sioCount int

	broadcast  chan Frame
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	sub      Subscriber
	logger   *zap.Logger
	sio      *socketio.Server
	upgrader websocket.Upgrader
}
