package translate

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/response"
)

type Handler struct{ svc *Service }

func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/translate", h.translate)
}

type translateRequest struct {
	Text       string `json:"text"`
	TargetLang string `json:"targetLang"`
}

// POST /translate
func (h *Handler) translate(c *gin.Context) {
	var req translateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	res, err := h.svc.Translate(c.Request.Context(), req.Text, req.TargetLang)
	if errors.Is(err, ErrEmptyText) {
		response.BadRequest(c, err.Error())
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, res)
}
