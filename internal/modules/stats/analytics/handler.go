package analytics

import (
	"github.com/gin-gonic/gin"

	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/response"
)

type Handler struct{ svc *Service }

func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/analytics", h.snapshot)
}

// GET /analytics?day=2006-01-02
func (h *Handler) snapshot(c *gin.Context) {
	snap, err := h.svc.Snapshot(c.Request.Context(), c.Query("day"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, snap)
}
