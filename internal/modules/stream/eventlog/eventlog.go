package eventlog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	pkgredis "github.com/Aryakoste/redis-captions-overlay/internal/pkg/redis"
)

// Topics used by the application.
const (
	TopicCaptions   = "captions"
	TopicQnA        = "qna_stream"
	TopicJobs       = "llm_jobs"
	TopicJobResults = "llm_results"
)

// Entry is one immutable record of a topic. ID is its offset: a
// "<ms>-<seq>" stream id, strictly increasing within the topic.
type Entry struct {
	ID     string
	Fields map[string]string
}

// ReadRequest describes a read. Without Group it is a plain positional read
// starting after From ("0" for the beginning). With Group it is a consumer
// group read; From defaults to ">" (never-delivered entries), while "0"
// replays this consumer's pending entries. Block <= 0 does not block.
type ReadRequest struct {
	Topic    string
	Group    string
	Consumer string
	From     string
	Count    int64
	Block    time.Duration
}

// Log is an append-only set of ordered topics backed by Redis Streams.
type Log struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger for the log.
func WithLogger(l *zap.Logger) Option {
	return func(g *Log) {
		if l != nil {
			g.logger = l.Named("EventLog")
		}
	}
}

func New(rc *pkgredis.Client, opts ...Option) *Log {
	g := &Log{rdb: rc.Raw(), logger: zap.NewNop()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Append adds fields to topic and returns the new entry's offset.
func (g *Log) Append(ctx context.Context, topic string, fields map[string]interface{}) (string, error) {
	if len(fields) == 0 {
		return "", errors.New("eventlog: empty entry")
	}
	id, err := g.rdb.XAdd(ctx, &redis.XAddArgs{Stream: topic, Values: fields}).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", topic, err)
	}
	return id, nil
}

// Read returns up to Count entries. A blocking read that times out returns
// no entries and no error.
func (g *Log) Read(ctx context.Context, req ReadRequest) ([]Entry, error) {
	block := req.Block
	if block <= 0 {
		block = -1
	}

	var (
		streams []redis.XStream
		err     error
	)
	if req.Group == "" {
		from := req.From
		if from == "" {
			from = "0"
		}
		streams, err = g.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{req.Topic, from},
			Count:   req.Count,
			Block:   block,
		}).Result()
	} else {
		from := req.From
		if from == "" {
			from = ">"
		}
		streams, err = g.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    req.Group,
			Consumer: req.Consumer,
			Streams:  []string{req.Topic, from},
			Count:    req.Count,
			Block:    block,
		}).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.Topic, err)
	}

	var out []Entry
	for _, s := range streams {
		out = append(out, toEntries(s.Messages)...)
	}
	return out, nil
}

// EnsureGroup creates group on topic, creating the topic if needed. An
// existing group is left untouched.
func (g *Log) EnsureGroup(ctx context.Context, topic, group, start string) error {
	if start == "" {
		start = "0"
	}
	err := g.rdb.XGroupCreateMkStream(ctx, topic, group, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, topic, err)
	}
	return nil
}

// Ack marks entries as processed by group.
func (g *Log) Ack(ctx context.Context, topic, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return g.rdb.XAck(ctx, topic, group, ids...).Err()
}

// Claim transfers up to count entries that have been pending longer than
// minIdle to consumer, for redelivery after a consumer crash.
func (g *Log) Claim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := g.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim on %s: %w", topic, err)
	}
	return toEntries(msgs), nil
}

// Pending returns how many entries group has received but not acked.
func (g *Log) Pending(ctx context.Context, topic, group string) (int64, error) {
	p, err := g.rdb.XPending(ctx, topic, group).Result()
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}

// Delete removes entries and returns how many existed. Concurrent callers
// deleting the same id see a total of one.
func (g *Log) Delete(ctx context.Context, topic string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return g.rdb.XDel(ctx, topic, ids...).Result()
}

// Range returns entries with start <= id <= end in append order. Use "-"
// and "+" for the open ends. count <= 0 means no limit.
func (g *Log) Range(ctx context.Context, topic, start, end string, count int64) ([]Entry, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = g.rdb.XRangeN(ctx, topic, start, end, count).Result()
	} else {
		msgs, err = g.rdb.XRange(ctx, topic, start, end).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", topic, err)
	}
	return toEntries(msgs), nil
}

// RevRange is Range newest-first; end is the upper bound.
func (g *Log) RevRange(ctx context.Context, topic, end, start string, count int64) ([]Entry, error) {
	msgs, err := g.rdb.XRevRangeN(ctx, topic, end, start, count).Result()
	if err != nil {
		return nil, fmt.Errorf("revrange %s: %w", topic, err)
	}
	return toEntries(msgs), nil
}

// Len returns the number of entries currently held by topic.
func (g *Log) Len(ctx context.Context, topic string) (int64, error) {
	return g.rdb.XLen(ctx, topic).Result()
}

// OffsetAt returns the smallest offset a topic can hold at t, for
// time-bounded ranges.
func OffsetAt(t time.Time) string {
	return fmt.Sprintf("%d-0", t.UnixMilli())
}

// OffsetBefore returns the largest offset a topic can hold strictly before t.
func OffsetBefore(t time.Time) string {
	return fmt.Sprintf("%d-%d", t.UnixMilli()-1, uint64(math.MaxUint64))
}

// PrevOffset returns the largest offset strictly below id, for paging
// newest-first. ok is false when id is the smallest offset or malformed.
func PrevOffset(id string) (prev string, ok bool) {
	msPart, seqPart, found := strings.Cut(id, "-")
	if !found {
		return "", false
	}
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return "", false
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return "", false
	}
	switch {
	case seq > 0:
		return fmt.Sprintf("%d-%d", ms, seq-1), true
	case ms > 0:
		return fmt.Sprintf("%d-%d", ms-1, uint64(math.MaxUint64)), true
	default:
		return "", false
	}
}

// NextOffset returns the smallest offset strictly above id, for paging
// oldest-first.
func NextOffset(id string) (next string, ok bool) {
	msPart, seqPart, found := strings.Cut(id, "-")
	if !found {
		return "", false
	}
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return "", false
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return "", false
	}
	if seq < math.MaxUint64 {
		return fmt.Sprintf("%d-%d", ms, seq+1), true
	}
	if ms < math.MaxUint64 {
		return fmt.Sprintf("%d-0", ms+1), true
	}
	return "", false
}

func toEntries(msgs []redis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			switch val := v.(type) {
			case string:
				fields[k] = val
			default:
				fields[k] = fmt.Sprint(val)
			}
		}
		out = append(out, Entry{ID: m.ID, Fields: fields})
	}
	return out
}
