package service

import (
	"context"
	"log"

	"github.com/ashwinyue/kbhub/internal/config"
	"github.com/ashwinyue/kbhub/internal/repository"
	"github.com/ashwinyue/kbhub/internal/service/embedding"
	"github.com/ashwinyue/kbhub/internal/service/file"
	"github.com/ashwinyue/kbhub/internal/service/index"
	"github.com/ashwinyue/kbhub/internal/service/knowledge"
	"github.com/ashwinyue/kbhub/internal/service/mcp"
	"github.com/ashwinyue/kbhub/internal/service/search"
	"github.com/redis/go-redis/v9"
)

// Services 服务集合
type Services struct {
	Knowledge *knowledge.Service
	Search    *search.Service
	MCP       *mcp.Manager

	Config    *config.Config
	Embedders *embedding.Registry
	Indexes   *index.Manager
	Blobs     *file.Storage
}

// NewServices 按叶子优先的顺序组装所有服务
// 存储 → 向量化 → 索引 → 知识库 → 检索 → MCP 监控
func NewServices(repo *repository.Repositories, cfg *config.Config, redisClient *redis.Client) (*Services, error) {
	ctx := context.Background()

	// 向量化注册表：配置的默认模型 + 内置 local 模型
	defaultProvider, err := embedding.NewFromConfig(ctx, cfg, redisClient)
	if err != nil {
		return nil, err
	}
	localCfg := *cfg
	localCfg.Embedding.Provider = "local"
	localCfg.Embedding.Model = "kbhub-minilm-256"
	localCfg.Embedding.Dimensions = 256
	localProvider, err := embedding.NewFromConfig(ctx, &localCfg, redisClient)
	if err != nil {
		return nil, err
	}
	embedders := embedding.NewRegistry(defaultProvider, localProvider)
	log.Printf("Embedding models available: %v (default %s)", embedders.Models(), defaultProvider.ModelID())

	blobs := file.NewStorage(repo.Store)
	indexes := index.NewManager(repo.Store)

	knowledgeSvc := knowledge.NewService(repo, blobs, indexes, embedders)
	searchSvc := search.NewService(repo, indexes, embedders)

	mcpManager, err := mcp.NewManager(cfg, repo)
	if err != nil {
		return nil, err
	}
	knowledgeSvc.SetEventListener(mcpManager)

	return &Services{
		Knowledge: knowledgeSvc,
		Search:    searchSvc,
		MCP:       mcpManager,
		Config:    cfg,
		Embedders: embedders,
		Indexes:   indexes,
		Blobs:     blobs,
	}, nil
}
