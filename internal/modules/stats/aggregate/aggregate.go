// Package aggregate gathers a point-in-time snapshot of the pipeline's
// stores for operators.
package aggregate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stats/search"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stream/eventlog"
)

// Topics reported in a snapshot.
var streamTopics = []string{
	eventlog.TopicCaptions,
	eventlog.TopicQnA,
	eventlog.TopicJobs,
	eventlog.TopicJobResults,
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Indexes interface {
	Captions() search.Collection
	Knowledge() search.Collection
	Status(ctx context.Context, c search.Collection) string
	Count(ctx context.Context, c search.Collection) (int, error)
}

type Streams interface {
	Len(ctx context.Context, topic string) (int64, error)
}

// ClientCounter reports live gateway connections.
type ClientCounter interface {
	ClientCount() int
}

// Snapshot is the body of GET /debug/search.
type Snapshot struct {
	RedisConnected bool              `json:"redis_connected"`
	Indexes        map[string]string `json:"indexes"`
	DataCounts     map[string]int    `json:"data_counts"`
	Streams        map[string]int64  `json:"streams"`
	GatewayClients int               `json:"gateway_clients"`
	Timestamp      int64             `json:"timestamp"`
}

// Collector builds snapshots. A failing probe leaves its entry at the zero
// value; a snapshot is always produced.
type Collector struct {
	redis   Pinger
	index   Indexes
	streams Streams
	clients ClientCounter
}

func NewCollector(redis Pinger, index Indexes, streams Streams, clients ClientCounter) *Collector {
	return &Collector{redis: redis, index: index, streams: streams, clients: clients}
}

func (c *Collector) Collect(ctx context.Context) Snapshot {
	snap := Snapshot{
		Indexes:    map[string]string{},
		DataCounts: map[string]int{},
		Streams:    map[string]int64{},
		Timestamp:  time.Now().UnixMilli(),
	}
	if c.clients != nil {
		snap.GatewayClients = c.clients.ClientCount()
	}
	if err := c.redis.Ping(ctx); err != nil {
		for _, t := range streamTopics {
			snap.Streams[t] = 0
		}
		snap.Indexes["captions"] = "unreachable"
		snap.Indexes["knowledge"] = "unreachable"
		return snap
	}
	snap.RedisConnected = true

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	collections := map[string]search.Collection{
		"captions":  c.index.Captions(),
		"knowledge": c.index.Knowledge(),
	}
	for name, col := range collections {
		g.Go(func() error {
			status := c.index.Status(gctx, col)
			count := 0
			if status == "exists" {
				count, _ = c.index.Count(gctx, col)
			}
			mu.Lock()
			snap.Indexes[name] = status
			snap.DataCounts[name] = count
			mu.Unlock()
			return nil
		})
	}
	for _, topic := range streamTopics {
		g.Go(func() error {
			n, _ := c.streams.Len(gctx, topic)
			mu.Lock()
			snap.Streams[topic] = n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return snap
}
