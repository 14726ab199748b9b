package app

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Aryakoste/redis-captions-overlay/internal/middleware"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/content/captions"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/content/qna"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/gateway/gateway"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/translate"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stats/aggregate"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stats/analytics"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stats/search"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/system/core/health"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/tasks/crontask"
	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/response"
)

func (a *App) registerRoutes() {
	r := a.router

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c)
	})
	r.NoMethod(func(c *gin.Context) {
		response.MethodNotAllowed(c)
	})

	root := r.Group("")

	// Infrastructure
	health.RegisterRoutes(root, a.rc, a.cfg.LogDir)
	root.GET("/metrics", gin.WrapH(promhttp.Handler()))
	aggregate.RegisterRoutes(root, a.collector)
	crontask.NewHandler(a.sched).RegisterRoutes(root)

	// Captions and questions
	captions.NewHandler(a.captions, a.asr, a.cfg.UploadDir, a.cfg.ASR.MaxUploadBytes).RegisterRoutes(root)
	qna.NewHandler(a.qna).RegisterRoutes(root)
	translate.NewHandler(a.translate).RegisterRoutes(root)

	// Read-mostly views
	views := root
	if a.cfg.Cache.ResponseTTL > 0 {
		views = root.Group("", middleware.ResponseCache(a.rc.Raw(), middleware.ResponseCacheOptions{
			TTL:    a.cfg.Cache.ResponseTTL,
			Logger: a.logger,
		}))
	}
	search.NewHandler(a.index).RegisterRoutes(views)
	analytics.NewHandler(a.analytics).RegisterRoutes(views)

	// WebSocket gateway
	gateway.RegisterRoutes(root, a.hub)
}
