package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	pkgredis "github.com/Aryakoste/redis-captions-overlay/internal/pkg/redis"
)

// Channels carrying pipeline notifications.
const (
	ChannelCaptions = "caption_updates"
	ChannelQnA      = "qna_updates"
)

// Message is the envelope published on every channel.
type Message struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Handler receives one delivered message. Handlers of one subscription are
// called sequentially in delivery order.
type Handler func(channel string, msg Message)

// Bus publishes and subscribes to Redis pub/sub channels. Delivery is at
// most once and only to subscribers connected at publish time.
type Bus struct {
	rc     *pkgredis.Client
	logger *zap.Logger
}

func New(rc *pkgredis.Client, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{rc: rc, logger: logger.Named("PubSub")}
}

// Publish sends action with data as the JSON payload.
func (b *Bus) Publish(ctx context.Context, channel, action string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", action, err)
	}
	payload, err := json.Marshal(Message{Action: action, Data: raw})
	if err != nil {
		return err
	}
	if err := b.rc.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscription is a live pattern subscription.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops delivery and waits for the handler goroutine to exit.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Subscribe delivers messages on channels matching patterns to handler
// until ctx ends or the subscription is closed. It returns once Redis has
// confirmed the subscription.
func (b *Bus) Subscribe(ctx context.Context, patterns []string, handler Handler) (*Subscription, error) {
	ps := b.rc.PSubscribe(ctx, patterns...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe %v: %w", patterns, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	ch := ps.Channel()

	go func() {
		defer close(sub.done)
		defer ps.Close()
		for {
			select {
			case <-subCtx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					b.logger.Warn("dropping undecodable message", zap.String("channel", m.Channel), zap.Error(err))
					continue
				}
				handler(m.Channel, msg)
			}
		}
	}()
	return sub, nil
}
