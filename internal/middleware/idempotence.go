package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/response"
)

const (
	IdempotenceHeader = "X-Idempotence"
	idempotenceTTL    = 60 * time.Second

	stateInFlight = "0"
	stateDone     = "1"
)

// Idempotence rejects a repeated write carrying the same X-Idempotence
// value while the first is in flight or for a minute after it succeeded.
// Requests without the header pass through untouched.
func Idempotence(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			c.Next()
			return
		}
		token := strings.TrimSpace(c.GetHeader(IdempotenceHeader))
		if token == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := idempotenceKey(c.Request.Method, c.Request.URL.Path, token)
		ok, err := rdb.SetNX(ctx, key, stateInFlight, idempotenceTTL).Result()
		if err != nil {
			c.Next()
			return
		}
		if !ok {
			val, err := rdb.Get(ctx, key).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				c.Next()
				return
			}
			msg := "Duplicate request: an identical request succeeded within the last 60 seconds"
			if val == stateInFlight {
				msg = "Duplicate request: an identical request is still being processed"
			}
			response.Conflict(c, msg)
			return
		}

		c.Next()

		status := c.Writer.Status()
		if status >= 200 && status < 300 {
			rdb.Set(ctx, key, stateDone, redis.KeepTTL)
		} else {
			rdb.Del(ctx, key)
		}
	}
}

func idempotenceKey(method, path, token string) string {
	h := sha256.Sum256([]byte(method + "|" + path + "|" + token))
	return "captions:idempotence:" + hex.EncodeToString(h[:])
}
