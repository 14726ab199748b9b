package search

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/response"
)

const emptyQueryMessage = "Please provide a search query"

type Handler struct{ ix *Index }

func NewHandler(ix *Index) *Handler { return &Handler{ix: ix} }

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/search")
	g.GET("/captions", h.searchCaptions)
	g.GET("/knowledge", h.searchKnowledge)
}

// GET /search/captions?q=&lang=&sessionId=&source=&limit=&offset=
func (h *Handler) searchCaptions(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		emptyQuery(c)
		return
	}
	req := Request{
		Text: q,
		Filters: map[string]string{
			"lang":       c.Query("lang"),
			"session_id": firstNonEmpty(c.Query("sessionId"), c.Query("session_id")),
			"source":     c.Query("source"),
		},
		Limit:  queryInt(c, "limit"),
		Offset: queryInt(c, "offset"),
	}
	total, results, err := h.ix.SearchCaptions(c.Request.Context(), req)
	if err != nil {
		h.fail(c, q, err)
		return
	}
	response.OK(c, gin.H{"total": total, "results": results, "query": q})
}

// GET /search/knowledge?q=&category=&limit=&offset=
func (h *Handler) searchKnowledge(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		emptyQuery(c)
		return
	}
	req := Request{
		Text:    q,
		Filters: map[string]string{"category": c.Query("category")},
		Limit:   queryInt(c, "limit"),
		Offset:  queryInt(c, "offset"),
	}
	total, results, err := h.ix.SearchKnowledge(c.Request.Context(), req)
	if err != nil {
		h.fail(c, q, err)
		return
	}
	response.OK(c, gin.H{"total": total, "results": results, "query": q})
}

func (h *Handler) fail(c *gin.Context, q string, err error) {
	switch {
	case errors.Is(err, ErrBadQuery):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrIndexUnavailable):
		response.OK(c, gin.H{
			"total":   0,
			"results": []interface{}{},
			"query":   q,
			"status":  "index_unavailable",
		})
	default:
		response.InternalError(c, err)
	}
}

func emptyQuery(c *gin.Context) {
	response.OK(c, gin.H{"total": 0, "results": []interface{}{}, "message": emptyQueryMessage})
}

func queryInt(c *gin.Context, name string) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
