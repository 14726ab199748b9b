package crontask

import (
	"github.com/gin-gonic/gin"

	pkgcron "github.com/Aryakoste/redis-captions-overlay/internal/pkg/cron"
	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/response"
)

// Handler wraps the scheduler for HTTP access.
type Handler struct {
	sched *pkgcron.Scheduler
}

func NewHandler(sched *pkgcron.Scheduler) *Handler {
	return &Handler{sched: sched}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/cron-task")
	g.GET("", h.list)
	g.GET("/:name", h.get)
	g.POST("/:name/run", h.run)
}

// GET /cron-task
func (h *Handler) list(c *gin.Context) {
	response.OK(c, h.sched.List())
}

// GET /cron-task/:name
func (h *Handler) get(c *gin.Context) {
	result, err := h.sched.GetTask(c.Param("name"))
	if err != nil {
		response.NotFoundMsg(c, "Job not found")
		return
	}
	response.OK(c, result)
}

// POST /cron-task/:name/run
func (h *Handler) run(c *gin.Context) {
	if err := h.sched.Run(c.Param("name")); err != nil {
		response.NotFoundMsg(c, "Job not found")
		return
	}
	response.Accepted(c, gin.H{"message": "job triggered"})
}
