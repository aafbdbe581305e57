package router

import (
	"github.com/ashwinyue/kbhub/internal/handler"
	"github.com/ashwinyue/kbhub/internal/middleware"
	"github.com/gin-gonic/gin"
)

// SetupRouter 设置路由
func SetupRouter(h *handler.Handlers) *gin.Engine {
	r := gin.New()

	// 中间件
	r.Use(middleware.RecoveryMiddleware())
	r.Use(middleware.LoggingMiddleware())

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// API v1
	v1 := r.Group("/api/v1")
	{
		// Knowledge 知识库
		kb := v1.Group("/knowledge-bases")
		{
			kb.POST("", h.Knowledge.CreateKnowledgeBase)
			kb.GET("", h.Knowledge.ListKnowledgeBases)
			kb.GET("/:id", h.Knowledge.GetKnowledgeBase)
			kb.PUT("/:id", h.Knowledge.UpdateKnowledgeBase)
			kb.DELETE("/:id", h.Knowledge.DeleteKnowledgeBase)
			kb.GET("/:id/stats", h.Knowledge.GetStats)
			kb.GET("/:id/config", h.Knowledge.GetConfig)
			kb.PUT("/:id/config", h.Knowledge.UpdateConfig)
			kb.POST("/:id/reindex", h.Knowledge.Reindex)
			kb.GET("/:id/reindex/progress", h.Knowledge.ReindexProgress)

			// Document 文档
			kb.POST("/:id/documents", h.Knowledge.UploadDocument)
			kb.GET("/:id/documents", h.Knowledge.ListDocuments)
			kb.GET("/:id/documents/:doc_id", h.Knowledge.GetDocument)
			kb.DELETE("/:id/documents/:doc_id", h.Knowledge.DeleteDocument)
			kb.POST("/:id/documents/:doc_id/reprocess", h.Knowledge.ReprocessDocument)

			// Query 检索
			kb.POST("/:id/query", h.Search.Query)
			kb.GET("/:id/query", h.Search.QuerySimple)
			kb.POST("/:id/query/batch", h.Search.BatchQuery)
			kb.GET("/:id/similar/:doc_id", h.Search.FindSimilar)
		}

		// MCP 工具服务器
		servers := v1.Group("/mcp-servers")
		{
			servers.POST("", h.MCP.CreateServer)
			servers.GET("", h.MCP.ListServers)
			servers.GET("/:id", h.MCP.GetServer)
			servers.PUT("/:id", h.MCP.UpdateServer)
			servers.DELETE("/:id", h.MCP.DeleteServer)
			servers.POST("/:id/start", h.MCP.StartServer)
			servers.POST("/:id/stop", h.MCP.StopServer)
			servers.GET("/:id/config", h.MCP.GetServerConfig)
			servers.PUT("/:id/tool-descriptions", h.MCP.UpdateToolDescriptions)
		}
	}

	return r
}
