// Package mcp 提供 MCP 工具服务器的进程监控
// 每条记录对应一个子进程，记录持久化于数据根目录的 tool-servers.json
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/ashwinyue/kbhub/internal/model"
)

// recordStore tool-servers.json 读写
type recordStore struct {
	path string
}

// load 读取全部记录
func (rs *recordStore) load() (map[string]*model.MCPServerRecord, error) {
	records := make(map[string]*model.MCPServerRecord)

	raw, err := os.ReadFile(rs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return records, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", rs.path, err)
	}

	var list []*model.MCPServerRecord
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("invalid tool-servers.json: %w", err)
	}
	for _, r := range list {
		records[r.ID] = r
	}
	return records, nil
}

// save 原子写回全部记录
func (rs *recordStore) save(records map[string]*model.MCPServerRecord) error {
	list := make([]*model.MCPServerRecord, 0, len(records))
	for _, r := range records {
		list = append(list, r)
	}
	sort.Slice(list, func(a, b int) bool {
		return list[a].CreatedAt.Before(list[b].CreatedAt)
	})

	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}

	tmp := rs.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("failed to write tool-servers.json: %w", err)
	}
	if err := os.Rename(tmp, rs.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace tool-servers.json: %w", err)
	}
	return nil
}
