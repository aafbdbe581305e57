package handler

import (
	"github.com/ashwinyue/kbhub/internal/service"
)

// Handlers 处理器集合
type Handlers struct {
	Knowledge *KnowledgeHandler
	Search    *SearchHandler
	MCP       *MCPHandler
}

// NewHandlers 创建所有处理器
func NewHandlers(svc *service.Services) *Handlers {
	return &Handlers{
		Knowledge: NewKnowledgeHandler(svc),
		Search:    NewSearchHandler(svc),
		MCP:       NewMCPHandler(svc),
	}
}
