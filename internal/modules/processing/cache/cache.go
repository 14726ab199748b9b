package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/metrics"
)

// Kind names a cached operation. It is part of every key.
type Kind string

const (
	KindTranscription Kind = "transcription"
	KindQA            Kind = "qa"
	KindTranslation   Kind = "translation"

	keyPrefix = "ai_cache:"
)

// Store is the subset of the Redis client the cache needs. *redis.Client
// from internal/pkg/redis satisfies it.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Cache memoizes expensive results under content-addressed keys. Redis
// errors never reach callers: lookups degrade to misses and writes to no-ops.
type Cache struct {
	store  Store
	ttls   map[Kind]time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l.Named("AICache")
		}
	}
}

// WithTTL overrides the default lifetime of one kind.
func WithTTL(kind Kind, ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttls[kind] = ttl
		}
	}
}

func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store: store,
		ttls: map[Kind]time.Duration{
			KindTranscription: time.Hour,
			KindQA:            2 * time.Hour,
			KindTranslation:   24 * time.Hour,
		},
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TTL returns the lifetime used for kind.
func (c *Cache) TTL(kind Kind) time.Duration {
	if ttl, ok := c.ttls[kind]; ok {
		return ttl
	}
	return time.Hour
}

// Key derives the cache key for input under kind.
func Key(kind Kind, input interface{}) (string, error) {
	normalized, err := normalize(input)
	if err != nil {
		return "", fmt.Errorf("normalize %s input: %w", kind, err)
	}
	sum := sha256.Sum256(append([]byte(kind), normalized...))
	return keyPrefix + string(kind) + ":" + hex.EncodeToString(sum[:]), nil
}

// Lookup decodes the cached value for input into out and reports a hit.
func (c *Cache) Lookup(ctx context.Context, kind Kind, input interface{}, out interface{}) bool {
	key, err := Key(kind, input)
	if err != nil {
		c.logger.Warn("cache key failed", zap.String("kind", string(kind)), zap.Error(err))
		return false
	}
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		metrics.CacheLookups.WithLabelValues(string(kind), "error").Inc()
		c.logger.Warn("cache unavailable, treating as miss", zap.String("kind", string(kind)), zap.Error(err))
		return false
	}
	if raw == "" {
		metrics.CacheLookups.WithLabelValues(string(kind), "miss").Inc()
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		metrics.CacheLookups.WithLabelValues(string(kind), "error").Inc()
		c.logger.Warn("cache entry undecodable", zap.String("key", key), zap.Error(err))
		return false
	}
	metrics.CacheLookups.WithLabelValues(string(kind), "hit").Inc()
	return true
}

// Store writes value for input. ttl <= 0 uses the kind's default.
func (c *Cache) Store(ctx context.Context, kind Kind, input interface{}, value interface{}, ttl time.Duration) {
	key, err := Key(kind, input)
	if err != nil {
		c.logger.Warn("cache key failed", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache value unencodable", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	if ttl <= 0 {
		ttl = c.TTL(kind)
	}
	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		c.logger.Warn("cache write skipped", zap.String("key", key), zap.Error(err))
	}
}

// ComputeFunc produces a fresh value. Returning cacheable=false keeps the
// value out of the cache.
type ComputeFunc[T any] func(ctx context.Context) (value T, cacheable bool, err error)

// Remember returns the cached value for input or computes it. Concurrent
// misses for the same key inside this process share a single computation.
func Remember[T any](ctx context.Context, c *Cache, kind Kind, input interface{}, compute ComputeFunc[T]) (T, bool, error) {
	var cached T
	if c.Lookup(ctx, kind, input, &cached) {
		return cached, true, nil
	}

	key, err := Key(kind, input)
	if err != nil {
		var zero T
		return zero, false, err
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		value, cacheable, err := compute(ctx)
		if err != nil {
			return value, err
		}
		if cacheable {
			c.Store(ctx, kind, input, value, 0)
		}
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	value, _ := v.(T)
	return value, false, nil
}

// normalize returns a canonical encoding: struct fields in declaration
// order, map keys sorted and surrounding whitespace trimmed from strings.
func normalize(input interface{}) ([]byte, error) {
	if s, ok := input.(string); ok {
		return json.Marshal(strings.TrimSpace(s))
	}
	return json.Marshal(trimStrings(reflect.ValueOf(input)))
}

func trimStrings(v reflect.Value) interface{} {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.String:
		return strings.TrimSpace(v.String())
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return trimStrings(v.Elem())
	case reflect.Map:
		out := make(map[string]interface{}, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = trimStrings(iter.Value())
		}
		return out
	case reflect.Struct:
		t := v.Type()
		out := make([]interface{}, 0, v.NumField())
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			out = append(out, trimStrings(v.Field(i)))
		}
		return out
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Bytes()
		}
		out := make([]interface{}, v.Len())
		for i := range out {
			out[i] = trimStrings(v.Index(i))
		}
		return out
	default:
		return v.Interface()
	}
}
