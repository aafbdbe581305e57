package handler

import (
	"strconv"
	"time"

	"github.com/ashwinyue/kbhub/internal/service"
	"github.com/ashwinyue/kbhub/internal/service/search"
	"github.com/gin-gonic/gin"
)

// SearchHandler 检索处理器
type SearchHandler struct {
	svc *service.Services
}

// NewSearchHandler 创建检索处理器
func NewSearchHandler(svc *service.Services) *SearchHandler {
	return &SearchHandler{svc: svc}
}

// QueryRequest 查询请求
type QueryRequest struct {
	Query string `json:"query" binding:"required"`
	Limit int    `json:"limit"`
}

// QueryResponse 查询响应
type QueryResponse struct {
	Query          string          `json:"query"`
	Results        []search.Result `json:"results"`
	Total          int             `json:"total"`
	ElapsedSeconds float64         `json:"elapsed_seconds"`
	SearchType     string          `json:"search_type"`
}

// Query POST 查询
func (h *SearchHandler) Query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	h.runQuery(c, req)
}

// QuerySimple GET 查询（便于调试）
func (h *SearchHandler) QuerySimple(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	req := QueryRequest{
		Query: c.Query("q"),
		Limit: limit,
	}
	if req.Query == "" {
		BadRequest(c, "q is required")
		return
	}
	h.runQuery(c, req)
}

func (h *SearchHandler) runQuery(c *gin.Context, req QueryRequest) {
	ctx := c.Request.Context()

	kb, err := h.svc.Knowledge.GetKnowledgeBase(ctx, c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}

	start := time.Now()
	results, err := h.svc.Search.Search(ctx, kb, req.Query, req.Limit)
	if err != nil {
		Error(c, err)
		return
	}

	searchType := "vector"
	if kb.Config.HybridSearch {
		searchType = "hybrid"
	}
	Success(c, QueryResponse{
		Query:          req.Query,
		Results:        results,
		Total:          len(results),
		ElapsedSeconds: time.Since(start).Seconds(),
		SearchType:     searchType,
	})
}

// BatchQueryRequest 批量查询请求
type BatchQueryRequest struct {
	Queries []string `json:"queries" binding:"required"`
	Limit   int      `json:"limit"`
}

// BatchQuery 一次执行多条查询（最多 10 条）
func (h *SearchHandler) BatchQuery(c *gin.Context) {
	var req BatchQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if len(req.Queries) == 0 {
		BadRequest(c, "queries must not be empty")
		return
	}
	if len(req.Queries) > 10 {
		BadRequest(c, "at most 10 queries per batch")
		return
	}

	ctx := c.Request.Context()
	kb, err := h.svc.Knowledge.GetKnowledgeBase(ctx, c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}

	start := time.Now()
	batch := make([]gin.H, 0, len(req.Queries))
	for _, query := range req.Queries {
		if query == "" {
			continue
		}
		results, err := h.svc.Search.Search(ctx, kb, query, req.Limit)
		if err != nil {
			Error(c, err)
			return
		}
		batch = append(batch, gin.H{
			"query":   query,
			"results": results,
			"total":   len(results),
		})
	}

	Success(c, gin.H{
		"batch_results":   batch,
		"total_queries":   len(batch),
		"elapsed_seconds": time.Since(start).Seconds(),
	})
}

// FindSimilar 按文档找相似
func (h *SearchHandler) FindSimilar(c *gin.Context) {
	ctx := c.Request.Context()
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "5"))

	kb, err := h.svc.Knowledge.GetKnowledgeBase(ctx, c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	doc, err := h.svc.Knowledge.GetDocument(ctx, kb.ID, c.Param("doc_id"))
	if err != nil {
		Error(c, err)
		return
	}

	results, err := h.svc.Search.FindSimilar(ctx, kb, doc.ID, limit)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{
		"source_document": gin.H{
			"id":        doc.ID,
			"filename":  doc.FileName,
			"file_type": doc.Format,
		},
		"similar_documents": results,
		"total":             len(results),
	})
}
