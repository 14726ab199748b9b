package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	ResponseCachePrefix = "captions:http-cache:"
	ResponseCacheHeader = "X-Cache"

	defaultResponseCacheTTL = 5 * time.Second
	defaultResponseMaxBody  = 256 << 10
)

type ResponseCacheOptions struct {
	TTL          time.Duration
	MaxBodyBytes int
	Logger       *zap.Logger
}

type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// bodyRecorder copies what the handler writes, up to a limit.
type bodyRecorder struct {
	gin.ResponseWriter
	body     []byte
	limit    int
	overflow bool
}

func (w *bodyRecorder) Write(data []byte) (int, error) {
	w.capture(data)
	return w.ResponseWriter.Write(data)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.capture([]byte(s))
	return w.ResponseWriter.WriteString(s)
}

func (w *bodyRecorder) capture(data []byte) {
	if w.overflow {
		return
	}
	if len(w.body)+len(data) > w.limit {
		w.overflow = true
		w.body = nil
		return
	}
	w.body = append(w.body, data...)
}

// ResponseCache serves repeated GETs of read-mostly endpoints such as the
// dashboard and search from Redis for a short TTL. Only 200 responses are
// stored; `?nocache=1` bypasses the cache.
func ResponseCache(rdb *redis.Client, opts ResponseCacheOptions) gin.HandlerFunc {
	if opts.TTL <= 0 {
		opts.TTL = defaultResponseCacheTTL
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultResponseMaxBody
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ResponseCache")

	return func(c *gin.Context) {
		if rdb == nil || c.Request.Method != http.MethodGet || bypassCache(c) {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := ResponseCachePrefix + c.Request.URL.RequestURI()
		if hit, ok := readResponse(ctx, rdb, key); ok {
			c.Header(ResponseCacheHeader, "hit")
			c.Data(hit.Status, hit.ContentType, hit.Body)
			c.Abort()
			return
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer, limit: opts.MaxBodyBytes}
		c.Writer = rec
		c.Header(ResponseCacheHeader, "miss")
		c.Next()

		if rec.Status() != http.StatusOK || rec.overflow || len(rec.body) == 0 {
			return
		}
		if cc := strings.ToLower(rec.Header().Get("Cache-Control")); strings.Contains(cc, "no-store") {
			return
		}
		raw, err := json.Marshal(cachedResponse{
			Status:      http.StatusOK,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body,
		})
		if err != nil {
			return
		}
		if err := rdb.Set(ctx, key, raw, opts.TTL).Err(); err != nil {
			logger.Debug("response cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func readResponse(ctx context.Context, rdb *redis.Client, key string) (cachedResponse, bool) {
	raw, err := rdb.Get(ctx, key).Bytes()
	if err != nil || len(raw) == 0 {
		return cachedResponse{}, false
	}
	var out cachedResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.Status <= 0 {
		return cachedResponse{}, false
	}
	if out.ContentType == "" {
		out.ContentType = "application/json; charset=utf-8"
	}
	return out, true
}

func bypassCache(c *gin.Context) bool {
	v := strings.TrimSpace(c.Query("nocache"))
	return v != "" && v != "0" && v != "false"
}
