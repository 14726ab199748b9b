package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/response"
)

const rateLimitWindow = time.Second

// RateLimit allows limit requests per client IP per one-second window,
// counted in Redis so that every instance shares the budget. limit <= 0
// disables it. Redis errors let the request through.
func RateLimit(rdb *redis.Client, limit int, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}
		ip := c.ClientIP()
		if ip == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		window := time.Now().Unix()
		key := fmt.Sprintf("captions:rate_limit:%s:%d", ip, window)

		pipe := rdb.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, rateLimitWindow+time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			if log != nil {
				log.Warn("rate limit check skipped", zap.Error(err))
			}
			c.Next()
			return
		}

		count := incr.Val()
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		if count > int64(limit) {
			c.Header("Retry-After", "1")
			response.TooManyRequests(c)
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(int64(limit)-count, 10))
		c.Next()
	}
}
