package handler

import (
	"github.com/ashwinyue/kbhub/internal/model"
	"github.com/ashwinyue/kbhub/internal/service"
	"github.com/ashwinyue/kbhub/internal/service/mcp"
	"github.com/gin-gonic/gin"
)

// MCPHandler MCP 服务器处理器
type MCPHandler struct {
	svc *service.Services
}

// NewMCPHandler 创建 MCP 处理器
func NewMCPHandler(svc *service.Services) *MCPHandler {
	return &MCPHandler{svc: svc}
}

// ListServers 列出全部服务器
func (h *MCPHandler) ListServers(c *gin.Context) {
	Success(c, h.svc.MCP.List())
}

// GetServer 获取服务器
func (h *MCPHandler) GetServer(c *gin.Context) {
	record, err := h.svc.MCP.Get(c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, record)
}

// CreateServerRequest 创建服务器请求
type CreateServerRequest struct {
	Kind         model.MCPServerKind    `json:"kind"`
	Name         string                 `json:"server_name" binding:"required"`
	Description  string                 `json:"description"`
	Instructions string                 `json:"instructions"`
	KBIDs        []string               `json:"kb_ids" binding:"required"`
	Overrides    model.MCPToolOverrides `json:"tool_descriptions"`
	Port         int                    `json:"port"`
}

// CreateServer 创建服务器
func (h *MCPHandler) CreateServer(c *gin.Context) {
	var req CreateServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	kind := req.Kind
	if kind == "" {
		if len(req.KBIDs) > 1 {
			kind = model.MCPServerMultiKB
		} else {
			kind = model.MCPServerSingleKB
		}
	}

	record, err := h.svc.MCP.Create(mcp.CreateRequest{
		Kind:          kind,
		Name:          req.Name,
		Description:   req.Description,
		Instructions:  req.Instructions,
		KBIDs:         req.KBIDs,
		Overrides:     req.Overrides,
		RequestedPort: req.Port,
	})
	if err != nil {
		Error(c, err)
		return
	}
	Created(c, record)
}

// UpdateServerRequest 更新服务器请求
type UpdateServerRequest struct {
	Name         *string                 `json:"server_name,omitempty"`
	Description  *string                 `json:"description,omitempty"`
	Instructions *string                 `json:"instructions,omitempty"`
	KBIDs        []string                `json:"kb_ids,omitempty"`
	Overrides    *model.MCPToolOverrides `json:"tool_descriptions,omitempty"`
}

// UpdateServer 更新服务器，必要时原子重启
func (h *MCPHandler) UpdateServer(c *gin.Context) {
	var req UpdateServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	record, err := h.svc.MCP.Update(c.Param("id"), mcp.UpdateRequest{
		Name:         req.Name,
		Description:  req.Description,
		Instructions: req.Instructions,
		KBIDs:        req.KBIDs,
		Overrides:    req.Overrides,
	})
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, record)
}

// UpdateToolDescriptions 更新工具描述（含嵌套参数描述）
func (h *MCPHandler) UpdateToolDescriptions(c *gin.Context) {
	var req model.MCPToolOverrides
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	record, err := h.svc.MCP.Update(c.Param("id"), mcp.UpdateRequest{Overrides: &req})
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, record)
}

// GetServerConfig 获取解析后的工具配置（默认值 + 覆盖）
func (h *MCPHandler) GetServerConfig(c *gin.Context) {
	record, err := h.svc.MCP.Get(c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}

	overrides := record.ToolOverrides
	resolved := gin.H{
		"search":         fallback(overrides.Search, "Search the \""+record.Name+"\" knowledge base using semantic search"),
		"info":           fallback(overrides.Info, "Get information about the \""+record.Name+"\" knowledge base"),
		"list_documents": fallback(overrides.ListDocuments, "List all documents in the \""+record.Name+"\" knowledge base"),
		"search_params": gin.H{
			"query": fallback(overrides.SearchParams["query"], "Search query to find relevant documents"),
			"limit": fallback(overrides.SearchParams["limit"], "Maximum number of results to return (default: 5)"),
		},
	}

	Success(c, gin.H{
		"server":    record,
		"base_url":  record.BaseURL(),
		"resolved":  resolved,
		"overrides": overrides,
	})
}

func fallback(value, def string) string {
	if value != "" {
		return value
	}
	return def
}

// StartServer 启动服务器
func (h *MCPHandler) StartServer(c *gin.Context) {
	if err := h.svc.MCP.Start(c.Param("id")); err != nil {
		Error(c, err)
		return
	}
	record, err := h.svc.MCP.Get(c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, record)
}

// StopServer 停止服务器
func (h *MCPHandler) StopServer(c *gin.Context) {
	if err := h.svc.MCP.Stop(c.Param("id")); err != nil {
		Error(c, err)
		return
	}
	record, err := h.svc.MCP.Get(c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, record)
}

// DeleteServer 删除服务器
func (h *MCPHandler) DeleteServer(c *gin.Context) {
	if err := h.svc.MCP.Delete(c.Param("id")); err != nil {
		Error(c, err)
		return
	}
	NoContent(c)
}
