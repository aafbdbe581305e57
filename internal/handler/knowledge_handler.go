package handler

import (
	"github.com/ashwinyue/kbhub/internal/model"
	"github.com/ashwinyue/kbhub/internal/service"
	"github.com/gin-gonic/gin"
)

// KnowledgeHandler 知识库处理器
type KnowledgeHandler struct {
	svc *service.Services
}

// NewKnowledgeHandler 创建知识库处理器
func NewKnowledgeHandler(svc *service.Services) *KnowledgeHandler {
	return &KnowledgeHandler{svc: svc}
}

// CreateKnowledgeBaseRequest 创建知识库请求
type CreateKnowledgeBaseRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// CreateKnowledgeBase 创建知识库
func (h *KnowledgeHandler) CreateKnowledgeBase(c *gin.Context) {
	var req CreateKnowledgeBaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	kb, err := h.svc.Knowledge.CreateKnowledgeBase(c.Request.Context(), req.Name, req.Description)
	if err != nil {
		Error(c, err)
		return
	}
	Created(c, kb)
}

// ListKnowledgeBases 列出知识库
func (h *KnowledgeHandler) ListKnowledgeBases(c *gin.Context) {
	kbs, err := h.svc.Knowledge.ListKnowledgeBases(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, kbs)
}

// GetKnowledgeBase 获取知识库
func (h *KnowledgeHandler) GetKnowledgeBase(c *gin.Context) {
	kb, err := h.svc.Knowledge.GetKnowledgeBase(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, kb)
}

// UpdateKnowledgeBaseRequest 更新知识库请求
type UpdateKnowledgeBaseRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// UpdateKnowledgeBase 更新知识库
func (h *KnowledgeHandler) UpdateKnowledgeBase(c *gin.Context) {
	var req UpdateKnowledgeBaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	kb, err := h.svc.Knowledge.UpdateKnowledgeBase(c.Request.Context(), c.Param("id"), req.Name, req.Description)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, kb)
}

// DeleteKnowledgeBase 删除知识库
func (h *KnowledgeHandler) DeleteKnowledgeBase(c *gin.Context) {
	if err := h.svc.Knowledge.DeleteKnowledgeBase(c.Request.Context(), c.Param("id")); err != nil {
		Error(c, err)
		return
	}
	NoContent(c)
}

// GetStats 获取知识库统计
func (h *KnowledgeHandler) GetStats(c *gin.Context) {
	stats, err := h.svc.Knowledge.GetStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, stats)
}

// GetConfig 获取知识库配置
func (h *KnowledgeHandler) GetConfig(c *gin.Context) {
	cfg, err := h.svc.Knowledge.GetConfig(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, cfg)
}

// UpdateConfig 更新知识库配置
func (h *KnowledgeHandler) UpdateConfig(c *gin.Context) {
	var req model.KBConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	cfg, reindexing, err := h.svc.Knowledge.UpdateConfig(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"config": cfg, "reindex_started": reindexing})
}

// Reindex 触发重建索引
func (h *KnowledgeHandler) Reindex(c *gin.Context) {
	if err := h.svc.Knowledge.StartReindex(c.Param("id")); err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"status": "started"})
}

// ReindexProgress 查询重建进度
func (h *KnowledgeHandler) ReindexProgress(c *gin.Context) {
	state := h.svc.Knowledge.GetReindexProgress(c.Param("id"))
	if state == nil {
		NotFound(c, "no reindex has been started for this knowledge base")
		return
	}
	Success(c, state)
}

// ========== 文档 ==========

// UploadDocument 上传文档（multipart）
func (h *KnowledgeHandler) UploadDocument(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "file is required")
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		BadRequest(c, "cannot read uploaded file")
		return
	}
	defer f.Close()

	doc, err := h.svc.Knowledge.UploadDocument(c.Request.Context(), c.Param("id"), fileHeader.Filename, f)
	if err != nil {
		Error(c, err)
		return
	}
	Created(c, doc)
}

// ListDocuments 列出文档
func (h *KnowledgeHandler) ListDocuments(c *gin.Context) {
	docs, err := h.svc.Knowledge.ListDocuments(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, docs)
}

// GetDocument 获取文档
func (h *KnowledgeHandler) GetDocument(c *gin.Context) {
	doc, err := h.svc.Knowledge.GetDocument(c.Request.Context(), c.Param("id"), c.Param("doc_id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, doc)
}

// DeleteDocument 删除文档
func (h *KnowledgeHandler) DeleteDocument(c *gin.Context) {
	if err := h.svc.Knowledge.DeleteDocument(c.Request.Context(), c.Param("id"), c.Param("doc_id")); err != nil {
		Error(c, err)
		return
	}
	NoContent(c)
}

// ReprocessDocument 用当前配置重新处理文档
func (h *KnowledgeHandler) ReprocessDocument(c *gin.Context) {
	doc, err := h.svc.Knowledge.ReprocessDocument(c.Request.Context(), c.Param("id"), c.Param("doc_id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, doc)
}
