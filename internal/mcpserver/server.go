// Package mcpserver 实现 MCP 工具服务器子进程
// 使用官方 go-sdk: github.com/modelcontextprotocol/go-sdk
// 每个服务器对外暴露 search / info / list_documents 三个工具，多库服务器另有 list_knowledge_bases
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ashwinyue/kbhub/internal/model"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server 一个工具服务器实例
type Server struct {
	record model.MCPServerRecord
	client *Client
	mcp    *mcp.Server
}

// New 创建工具服务器
// 工具名、描述与参数描述在启动时从记录的覆盖配置解析，未覆盖的用默认值
func New(record model.MCPServerRecord, backendURL string) (*Server, error) {
	if len(record.KnowledgeBaseIDs) == 0 {
		return nil, fmt.Errorf("tool server has no knowledge bases")
	}

	s := &Server{
		record: record,
		client: NewClient(backendURL),
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    fmt.Sprintf("kbhub-%s", shortID(record.ID)),
		Version: "1.0.0",
	}, &mcp.ServerOptions{
		Instructions: record.Instructions,
	})

	s.registerTools()
	return s, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (s *Server) multiKB() bool {
	return s.record.Kind == model.MCPServerMultiKB || len(s.record.KnowledgeBaseIDs) > 1
}

// ========== 工具注册 ==========

// searchInput search 工具入参
type searchInput struct {
	Query         string `json:"query"`
	Limit         int    `json:"limit,omitempty"`
	KnowledgeBase string `json:"knowledge_base,omitempty"`
}

// infoInput info 工具入参
type infoInput struct {
	KnowledgeBase string `json:"knowledge_base,omitempty"`
}

// listDocumentsInput list_documents 工具入参
type listDocumentsInput struct {
	Limit         int    `json:"limit,omitempty"`
	KnowledgeBase string `json:"knowledge_base,omitempty"`
}

func (s *Server) registerTools() {
	overrides := s.record.ToolOverrides

	searchDesc := overrides.Search
	if searchDesc == "" {
		searchDesc = fmt.Sprintf("Search the %q knowledge base using semantic search", s.record.Name)
	}
	infoDesc := overrides.Info
	if infoDesc == "" {
		infoDesc = fmt.Sprintf("Get information about the %q knowledge base", s.record.Name)
	}
	listDesc := overrides.ListDocuments
	if listDesc == "" {
		listDesc = fmt.Sprintf("List all documents in the %q knowledge base", s.record.Name)
	}

	queryDesc := overrides.SearchParams["query"]
	if queryDesc == "" {
		queryDesc = "Search query to find relevant documents"
	}
	limitDesc := overrides.SearchParams["limit"]
	if limitDesc == "" {
		limitDesc = "Maximum number of results to return (default: 5)"
	}

	one, twenty := 1.0, 20.0
	searchProps := map[string]*jsonschema.Schema{
		"query": {Type: "string", Description: queryDesc},
		"limit": {Type: "number", Description: limitDesc, Minimum: &one, Maximum: &twenty},
	}
	infoProps := map[string]*jsonschema.Schema{}
	listProps := map[string]*jsonschema.Schema{
		"limit": {Type: "number", Description: "Maximum number of documents to list"},
	}
	if s.multiKB() {
		selector := &jsonschema.Schema{
			Type:        "string",
			Description: "Knowledge base name or id; omit to use all configured knowledge bases",
		}
		searchProps["knowledge_base"] = selector
		infoProps["knowledge_base"] = selector
		listProps["knowledge_base"] = selector
	}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search",
		Description: searchDesc,
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Required:   []string{"query"},
			Properties: searchProps,
		},
	}, s.handleSearch)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "info",
		Description: infoDesc,
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: infoProps,
		},
	}, s.handleInfo)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_documents",
		Description: listDesc,
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: listProps,
		},
	}, s.handleListDocuments)

	if s.multiKB() {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "list_knowledge_bases",
			Description: "List all knowledge bases served by this tool server",
			InputSchema: &jsonschema.Schema{Type: "object", Properties: map[string]*jsonschema.Schema{}},
		}, s.handleListKBs)
	}
}

// ========== 工具实现 ==========

// selectKBs 解析选择器；单库服务器忽略选择器
func (s *Server) selectKBs(ctx context.Context, selector string) ([]string, error) {
	if !s.multiKB() || selector == "" {
		return s.record.KnowledgeBaseIDs, nil
	}
	for _, kbID := range s.record.KnowledgeBaseIDs {
		if kbID == selector {
			return []string{kbID}, nil
		}
		info, err := s.client.GetKB(ctx, kbID)
		if err == nil && info.Name == selector {
			return []string{kbID}, nil
		}
	}
	return nil, fmt.Errorf("knowledge base %q is not served by this server", selector)
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, in searchInput) (*mcp.CallToolResult, any, error) {
	if in.Query == "" {
		return errorResult("Error: query parameter is required"), nil, nil
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 5
	}
	if limit > 20 {
		limit = 20
	}

	kbIDs, err := s.selectKBs(ctx, in.KnowledgeBase)
	if err != nil {
		return errorResult(err.Error()), nil, nil
	}

	var sections []string
	var structured []map[string]any
	total := 0
	for _, kbID := range kbIDs {
		results, err := s.client.Search(ctx, kbID, in.Query, limit)
		if err != nil {
			return nil, nil, fmt.Errorf("search failed: %w", err)
		}
		if len(results) == 0 {
			continue
		}
		total += len(results)
		for _, r := range results {
			structured = append(structured, map[string]any{
				"content":  r.Content,
				"filename": r.FileName,
				"score":    r.Score,
			})
		}

		var block []string
		if len(kbIDs) > 1 {
			if info, err := s.client.GetKB(ctx, kbID); err == nil {
				block = append(block, fmt.Sprintf("## %s", info.Name))
			}
		}
		for i, r := range results {
			block = append(block, fmt.Sprintf(
				"**Result %d** (Score: %.3f)\n**Source:** %s\n**Content:** %s\n",
				i+1, r.Score, r.FileName, r.Content))
		}
		sections = append(sections, strings.Join(block, "\n---\n"))
	}

	if total == 0 {
		return textResult(fmt.Sprintf("No results found for query: %q", in.Query)), nil, nil
	}
	header := fmt.Sprintf("Search results for %q:\n\n", in.Query)
	return textResult(header + strings.Join(sections, "\n\n")), map[string]any{"results": structured}, nil
}

func (s *Server) handleInfo(ctx context.Context, _ *mcp.CallToolRequest, in infoInput) (*mcp.CallToolResult, any, error) {
	kbIDs, err := s.selectKBs(ctx, in.KnowledgeBase)
	if err != nil {
		return errorResult(err.Error()), nil, nil
	}

	infos := make([]map[string]any, 0, len(kbIDs))
	for _, kbID := range kbIDs {
		info, err := s.client.GetKB(ctx, kbID)
		if err != nil {
			return nil, nil, fmt.Errorf("info failed: %w", err)
		}
		stats, err := s.client.GetStats(ctx, kbID)
		if err != nil {
			return nil, nil, fmt.Errorf("stats failed: %w", err)
		}
		infos = append(infos, map[string]any{
			"id":           info.ID,
			"name":         info.Name,
			"description":  info.Description,
			"created_date": info.CreatedAt,
			"file_count":   stats.FileCount,
			"total_chunks": stats.TotalChunks,
			"instructions": s.record.Instructions,
		})
	}

	var payload any = infos
	if len(infos) == 1 {
		payload = infos[0]
	}
	raw, _ := json.MarshalIndent(payload, "", "  ")
	return textResult("Knowledge Base Information:\n\n" + string(raw)), nil, nil
}

func (s *Server) handleListDocuments(ctx context.Context, _ *mcp.CallToolRequest, in listDocumentsInput) (*mcp.CallToolResult, any, error) {
	kbIDs, err := s.selectKBs(ctx, in.KnowledgeBase)
	if err != nil {
		return errorResult(err.Error()), nil, nil
	}

	var lines []string
	for _, kbID := range kbIDs {
		docs, err := s.client.ListDocuments(ctx, kbID)
		if err != nil {
			return nil, nil, fmt.Errorf("list_documents failed: %w", err)
		}
		for _, doc := range docs {
			lines = append(lines, fmt.Sprintf("- **%s** (%s - %d bytes)", doc.FileName, doc.Format, doc.FileSize))
			if in.Limit > 0 && len(lines) >= in.Limit {
				break
			}
		}
		if in.Limit > 0 && len(lines) >= in.Limit {
			break
		}
	}

	if len(lines) == 0 {
		return textResult("No documents found."), nil, nil
	}
	return textResult("Documents:\n\n" + strings.Join(lines, "\n")), nil, nil
}

func (s *Server) handleListKBs(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	var lines []string
	for _, kbID := range s.record.KnowledgeBaseIDs {
		info, err := s.client.GetKB(ctx, kbID)
		if err != nil {
			return nil, nil, fmt.Errorf("list_knowledge_bases failed: %w", err)
		}
		stats, err := s.client.GetStats(ctx, kbID)
		if err != nil {
			return nil, nil, fmt.Errorf("stats failed: %w", err)
		}
		lines = append(lines, fmt.Sprintf("- **%s** (ID: %s)\n  Files: %d, Chunks: %d",
			info.Name, kbID, stats.FileCount, stats.TotalChunks))
	}
	return textResult("Available Knowledge Bases:\n\n" + strings.Join(lines, "\n\n")), nil, nil
}

// ========== HTTP 传输 ==========

// ListenAndServe 在指定端口提供 streamable HTTP 传输
// ctx 取消时优雅关闭
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.Handle("/mcp/", handler)

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("MCP server %s listening on port %d", s.record.Name, port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
