package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/metrics"
)

// Metrics records request counts and latencies. Requests are labelled by
// route pattern so ids in paths do not explode label cardinality.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordAPIRequest(c.Request.Method, endpoint, c.Writer.Status(), time.Since(start))
	}
}
