package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client 后端核心 API 的本地客户端
// 工具服务器不直接打开索引文件，检索走父进程的本地通道
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient 创建后端客户端
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiEnvelope 后端统一响应包装
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Msg     string          `json:"msg"`
}

// SearchResult 检索结果
type SearchResult struct {
	Content  string  `json:"content"`
	FileName string  `json:"filename"`
	Format   string  `json:"file_type"`
	Score    float64 `json:"similarity_score"`
}

// searchResponse 查询响应体
type searchResponse struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
}

// Search 在知识库内检索
func (c *Client) Search(ctx context.Context, kbID, query string, limit int) ([]SearchResult, error) {
	body, _ := json.Marshal(map[string]any{"query": query, "limit": limit})
	var resp searchResponse
	if err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/knowledge-bases/%s/query", kbID), body, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// KBInfo 知识库信息
type KBInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

// GetKB 获取知识库元数据
func (c *Client) GetKB(ctx context.Context, kbID string) (*KBInfo, error) {
	var info KBInfo
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/v1/knowledge-bases/%s", kbID), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// KBStats 知识库统计
type KBStats struct {
	FileCount   int   `json:"file_count"`
	TotalChunks int64 `json:"total_chunks"`
	TotalSize   int64 `json:"total_size"`
}

// GetStats 获取知识库统计
func (c *Client) GetStats(ctx context.Context, kbID string) (*KBStats, error) {
	var stats KBStats
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/v1/knowledge-bases/%s/stats", kbID), nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// DocumentInfo 文档信息
type DocumentInfo struct {
	FileName string `json:"filename"`
	Format   string `json:"format"`
	FileSize int64  `json:"file_size"`
	Status   string `json:"status"`
}

// ListDocuments 列出知识库文档
func (c *Client) ListDocuments(ctx context.Context, kbID string) ([]DocumentInfo, error) {
	var docs []DocumentInfo
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/v1/knowledge-bases/%s/documents", kbID), nil, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// do 发送请求并解包响应
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("invalid backend response: %w", err)
	}
	if !envelope.Success {
		if envelope.Msg != "" {
			return fmt.Errorf("backend error: %s", envelope.Msg)
		}
		return fmt.Errorf("backend error: status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("invalid backend payload: %w", err)
		}
	}
	return nil
}
