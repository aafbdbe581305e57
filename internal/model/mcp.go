// Package model 提供知识库平台的数据模型
package model

import (
	"fmt"
	"time"
)

// MCPServerKind MCP 服务器类型
type MCPServerKind string

const (
	MCPServerSingleKB MCPServerKind = "single_kb"
	MCPServerMultiKB  MCPServerKind = "multi_kb"
)

// MCP 服务器运行状态
const (
	MCPStatusStopped  = "stopped"
	MCPStatusStarting = "starting"
	MCPStatusRunning  = "running"
	MCPStatusStopping = "stopping"
	MCPStatusCrashed  = "crashed"
)

// MCPToolOverrides 工具描述覆盖
// 键为工具名，SearchParams 为 search 工具的参数描述覆盖
type MCPToolOverrides struct {
	Search        string            `json:"search,omitempty"`
	Info          string            `json:"info,omitempty"`
	ListDocuments string            `json:"list_documents,omitempty"`
	SearchParams  map[string]string `json:"search_params,omitempty"`
}

// MCPServerRecord MCP 服务器记录
// 持久化于数据根目录的 tool-servers.json
type MCPServerRecord struct {
	ID               string           `json:"id"`
	Kind             MCPServerKind    `json:"kind"`
	Name             string           `json:"server_name"`
	Description      string           `json:"description,omitempty"`
	Instructions     string           `json:"instructions,omitempty"`
	KnowledgeBaseIDs []string         `json:"kb_ids"`
	Port             int              `json:"port"`
	Enabled          bool             `json:"enabled"`
	ToolOverrides    MCPToolOverrides `json:"tool_descriptions"`
	Status           string           `json:"status"`
	LastError        string           `json:"error_message,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// BaseURL MCP 客户端连接地址
func (r *MCPServerRecord) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", r.Port)
}

// ServesKB 判断服务器是否服务指定知识库
func (r *MCPServerRecord) ServesKB(kbID string) bool {
	for _, id := range r.KnowledgeBaseIDs {
		if id == kbID {
			return true
		}
	}
	return false
}
