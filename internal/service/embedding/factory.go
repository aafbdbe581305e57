package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/ashwinyue/kbhub/internal/config"
	"github.com/cloudwego/eino-ext/components/embedding/dashscope"
	"github.com/cloudwego/eino-ext/components/embedding/ollama"
	openaiembed "github.com/cloudwego/eino-ext/components/embedding/openai"
	einoembedding "github.com/cloudwego/eino/components/embedding"
	"github.com/redis/go-redis/v9"
)

// einoAdapter 适配 eino 的可变参数签名
type einoAdapter struct {
	embedder einoembedding.Embedder
}

func (a einoAdapter) EmbedStrings(ctx context.Context, texts []string) ([][]float64, error) {
	return a.embedder.EmbedStrings(ctx, texts)
}

// NewFromConfig 按配置创建向量化服务
// 参考 eino-examples，使用简单的构造函数直接初始化 eino 组件
func NewFromConfig(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (*Provider, error) {
	embCfg := cfg.Embedding
	timeout := time.Duration(embCfg.Timeout) * time.Second

	opts := []Option{
		WithBatchSize(embCfg.BatchSize),
		WithTimeout(timeout),
	}
	if redisClient != nil {
		opts = append(opts, WithCache(NewCache(redisClient)))
	}

	switch embCfg.Provider {
	case "local", "":
		local := NewLocalEmbedder(embCfg.Dimensions)
		opts = append(opts, WithDeterministic(true))
		return NewProvider(local, embCfg.Model, local.Dimension(), opts...), nil

	case "openai":
		embConfig := &openaiembed.EmbeddingConfig{
			APIKey:  embCfg.APIKey,
			Model:   embCfg.Model,
			BaseURL: embCfg.BaseURL,
			Timeout: timeout,
		}
		if embCfg.Dimensions > 0 {
			embConfig.Dimensions = &embCfg.Dimensions
		}
		embedder, err := openaiembed.NewEmbedder(ctx, embConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai embedder: %w", err)
		}
		return NewProvider(einoAdapter{embedder}, embCfg.Model, embCfg.Dimensions, opts...), nil

	case "ollama":
		embedder, err := ollama.NewEmbedder(ctx, &ollama.EmbeddingConfig{
			BaseURL: embCfg.BaseURL,
			Model:   embCfg.Model,
			Timeout: timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama embedder: %w", err)
		}
		return NewProvider(einoAdapter{embedder}, embCfg.Model, embCfg.Dimensions, opts...), nil

	case "alibaba", "qwen", "dashscope":
		embConfig := &dashscope.EmbeddingConfig{
			APIKey: embCfg.APIKey,
			Model:  embCfg.Model,
		}
		if embCfg.Timeout > 0 {
			embConfig.Timeout = timeout
		}
		if embCfg.Dimensions > 0 {
			embConfig.Dimensions = &embCfg.Dimensions
		}
		embedder, err := dashscope.NewEmbedder(ctx, embConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create dashscope embedder: %w", err)
		}
		return NewProvider(einoAdapter{embedder}, embCfg.Model, embCfg.Dimensions, opts...), nil

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", embCfg.Provider)
	}
}
