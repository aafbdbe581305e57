// Package testutil 提供测试辅助工具
package testutil

import (
	"testing"

	"github.com/ashwinyue/kbhub/internal/config"
	"github.com/ashwinyue/kbhub/internal/repository"
)

// NewTestStore 在临时目录创建数据存储
func NewTestStore(t *testing.T) *repository.Store {
	t.Helper()

	store, err := repository.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// NewTestConfig 返回指向临时目录的最小配置
// 向量化固定使用内置 local 模型，测试不依赖外部服务
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0, Mode: "test"},
		Data:   config.DataConfig{Root: t.TempDir()},
		MCP: config.MCPConfig{
			StartPort:    18100,
			MaxPort:      18120,
			StartTimeout: 2,
			StopTimeout:  1,
		},
		Embedding: config.EmbeddingConfig{
			Provider:   "local",
			Model:      "kbhub-minilm-256",
			Dimensions: 256,
			Timeout:    5,
			BatchSize:  8,
		},
	}
}
