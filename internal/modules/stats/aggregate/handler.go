package aggregate

import (
	"github.com/gin-gonic/gin"

	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/response"
)

func RegisterRoutes(rg *gin.RouterGroup, collector *Collector) {
	// GET /debug/search
	rg.GET("/debug/search", func(c *gin.Context) {
		response.OK(c, collector.Collect(c.Request.Context()))
	})
}
