package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	socketio "github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"

	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stream/pubsub"
	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/metrics"
)

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger for the hub.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l.Named("Gateway")
		}
	}
}

// WithCheckOrigin decides which browser origins may open a raw WebSocket.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) {
		if fn != nil {
			h.upgrader.CheckOrigin = fn
		}
	}
}

func NewHub(sub Subscriber, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan Frame, 256),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
		sub:        sub,
		logger:     zap.NewNop(),
		sio:        socketio.NewServer(nil, nil),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, o := range opts {
		o(h)
	}
	h.registerNamespaces()
	return h
}

// Run fans pub/sub notifications out to every connection until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	var sub *pubsub.Subscription
	if h.sub != nil {
		var err error
		sub, err = h.sub.Subscribe(ctx, fanInPatterns, func(channel string, msg pubsub.Message) {
			h.fanIn(ctx, channel, msg)
		})
		if err != nil {
			h.logger.Error("gateway subscribe failed, live updates disabled", zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			if sub != nil {
				sub.Close()
			}
			h.closeAll()
			h.sio.Close(nil)
			return

		case c := <-h.register:
			h.registerClient(c)

		case c := <-h.unregister:
			h.removeClient(c)

		case f := <-h.broadcast:
			h.deliver(f)
		}
	}
}

// Broadcast queues f for every connection.
func (h *Hub) Broadcast(f Frame) {
	select {
	case h.broadcast <- f:
	case <-h.done:
	}
}

// ClientCount returns the number of open connections on both transports.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) + h.sioCount
}

// Handler returns the socket.io HTTP handler mounted at /socket.io.
func (h *Hub) Handler() http.Handler {
	return h.sio.ServeHandler(nil)
}

func (h *Hub) fanIn(ctx context.Context, channel string, msg pubsub.Message) {
	f := Frame{Type: msg.Action}
	if len(msg.Data) > 0 {
		var data interface{}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			h.logger.Warn("dropping undecodable update", zap.String("channel", channel), zap.Error(err))
			return
		}
		f.Data = data
	}
	select {
	case h.broadcast <- f:
	case <-ctx.Done():
	}
}

func (h *Hub) registerClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.GatewayConnections.WithLabelValues(TransportWebSocket).Inc()

	if data, err := json.Marshal(connectedFrame()); err == nil {
		c.enqueue(data)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		metrics.GatewayConnections.WithLabelValues(TransportWebSocket).Dec()
	}
	c.close()
}

func (h *Hub) deliver(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Warn("gateway encode failed", zap.String("type", f.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	var slow []*Client
	for c := range h.clients {
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Info("dropping slow client", zap.Uint64("client", c.id))
		metrics.GatewayDropped.Inc()
		h.removeClient(c)
	}

	h.sio.Of(namespaceCaptions, nil).Emit("message", f)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()
	for c := range clients {
		metrics.GatewayConnections.WithLabelValues(TransportWebSocket).Dec()
		c.close()
	}
}

// enter hands c to the Run loop, false once the hub has stopped.
func (h *Hub) enter(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func connectedFrame() Frame {
	return Frame{
		Type: FrameConnectionStatus,
		Data: map[string]string{
			"status":  "connected",
			"message": "WebSocket connected successfully!",
		},
	}
}

func pongFrame() Frame {
	return Frame{Type: FramePong, Timestamp: time.Now().UnixMilli()}
}
