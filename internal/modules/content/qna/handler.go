package qna

import (
	"context"
	"errors"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stats/analytics"
	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/response"
)

// VoterHeader identifies a voter when the body does not.
const VoterHeader = "X-Voter-ID"

type AskDTO struct {
	Question         string `json:"question" binding:"required"`
	Context          string `json:"context"`
	UseKnowledgeBase *bool  `json:"useKnowledgeBase"`
	SessionID        string `json:"sessionId"`
}

type VoteDTO struct {
	Helpful *bool  `json:"helpful"`
	VoterID string `json:"voterId"`
}

type KnowledgeDTO struct {
	Question string `json:"question" binding:"required"`
	Answer   string `json:"answer" binding:"required"`
	Category string `json:"category"`
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/qna")
	g.POST("", h.ask)
	g.GET("/jobs/:jobId", h.poll)
	g.POST("/vote/:qaId", h.vote)
	g.POST("/knowledge", h.addKnowledge)
}

// POST /qna
func (h *Handler) ask(c *gin.Context) {
	var dto AskDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	useKB := true
	if dto.UseKnowledgeBase != nil {
		useKB = *dto.UseKnowledgeBase
	}
	ans, err := h.svc.Ask(c.Request.Context(), Question{
		Question:         dto.Question,
		Context:          dto.Context,
		UseKnowledgeBase: useKB,
		SessionID:        dto.SessionID,
	})
	h.answer(c, ans, err)
}

// GET /qna/jobs/:jobId
func (h *Handler) poll(c *gin.Context) {
	ans, err := h.svc.Poll(c.Request.Context(), c.Param("jobId"))
	if errors.Is(err, ErrUnknownJob) {
		response.NotFoundMsg(c, "Job not found")
		return
	}
	h.answer(c, ans, err)
}

func (h *Handler) answer(c *gin.Context, ans Answer, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalid):
		response.BadRequest(c, err.Error())
		return
	case errors.Is(err, context.Canceled):
		// The client went away; nobody reads the reply.
		c.Abort()
		return
	default:
		response.InternalError(c, err)
		return
	}
	if ans.Pending {
		response.Accepted(c, gin.H{"status": "pending", "job_id": ans.JobID})
		return
	}
	response.OK(c, ans)
}

// POST /qna/vote/:qaId
func (h *Handler) vote(c *gin.Context) {
	var dto VoteDTO
	if err := c.ShouldBindJSON(&dto); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(c, err.Error())
		return
	}
	helpful := true
	if dto.Helpful != nil {
		helpful = *dto.Helpful
	}
	voter := firstNonEmpty(dto.VoterID, c.GetHeader(VoterHeader))

	entry, err := h.svc.Vote(c.Request.Context(), c.Param("qaId"), helpful, voter)
	switch {
	case errors.Is(err, analytics.ErrUnknownQA):
		response.NotFoundMsg(c, "Q&A entry not found")
		return
	case errors.Is(err, analytics.ErrAlreadyVoted):
		response.Conflict(c, "Already voted on this entry")
		return
	case err != nil:
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"status": "success", "qa": entry})
}

// POST /qna/knowledge
func (h *Handler) addKnowledge(c *gin.Context) {
	var dto KnowledgeDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	entry, err := h.svc.AddKnowledge(c.Request.Context(), dto.Question, dto.Answer, dto.Category)
	if err != nil {
		if errors.Is(err, ErrInvalid) {
			response.BadRequest(c, err.Error())
			return
		}
		response.InternalError(c, err)
		return
	}
	response.Created(c, gin.H{"status": "success", "qa_id": entry.ID, "data": entry})
}
