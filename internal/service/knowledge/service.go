// Package knowledge 提供知识库管理与文档摄取
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ashwinyue/kbhub/internal/model"
	"github.com/ashwinyue/kbhub/internal/repository"
	"github.com/ashwinyue/kbhub/internal/service/embedding"
	"github.com/ashwinyue/kbhub/internal/service/extract"
	"github.com/ashwinyue/kbhub/internal/service/file"
	"github.com/ashwinyue/kbhub/internal/service/index"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// EventListener 知识库生命周期事件
// MCP 监控器实现该接口维护默认服务器
type EventListener interface {
	OnKBCreated(kb *model.KnowledgeBase)
	OnKBRenamed(kb *model.KnowledgeBase)
	OnKBDeleted(kbID string)
}

// Service 知识库服务
type Service struct {
	repo      *repository.Repositories
	blobs     *file.Storage
	indexes   *index.Manager
	embedders *embedding.Registry
	extractor *extract.Extractor

	mu       sync.Mutex
	kbLocks  map[string]*sync.Mutex   // 每库写锁：摄取、删除、重建互斥
	reindex  map[string]*ReindexState // 进行中的重建
	listener EventListener
}

// NewService 创建知识库服务
func NewService(repo *repository.Repositories, blobs *file.Storage, indexes *index.Manager, embedders *embedding.Registry) *Service {
	return &Service{
		repo:      repo,
		blobs:     blobs,
		indexes:   indexes,
		embedders: embedders,
		extractor: extract.NewExtractor(),
		kbLocks:   make(map[string]*sync.Mutex),
		reindex:   make(map[string]*ReindexState),
	}
}

// SetEventListener 注册生命周期监听（构造完成后由上层注入）
func (s *Service) SetEventListener(l EventListener) {
	s.listener = l
}

// lockKB 获取知识库写锁
func (s *Service) lockKB(kbID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.kbLocks[kbID]
	if !ok {
		lock = &sync.Mutex{}
		s.kbLocks[kbID] = lock
	}
	return lock
}

// ========== 知识库 CRUD ==========

// CreateKnowledgeBase 创建知识库
func (s *Service) CreateKnowledgeBase(ctx context.Context, name, description string) (*model.KnowledgeBase, error) {
	if name == "" {
		return nil, model.NewError(model.ErrInvalidInput, "name is required")
	}

	existing, err := s.repo.Knowledge.ListKnowledgeBases()
	if err != nil {
		return nil, model.WrapError(model.ErrStorageFailed, "failed to list knowledge bases", err)
	}
	for _, kb := range existing {
		if kb.Name == name {
			return nil, model.NewError(model.ErrConflict,
				fmt.Sprintf("knowledge base %q already exists", name))
		}
	}

	kb := &model.KnowledgeBase{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Config:      model.DefaultKBConfig(s.embedders.Default().ModelID()),
	}
	if err := s.repo.Knowledge.CreateKnowledgeBase(kb); err != nil {
		return nil, model.WrapError(model.ErrStorageFailed, "failed to create knowledge base", err)
	}

	log.Printf("Created knowledge base %s (%s)", kb.Name, kb.ID)
	if s.listener != nil {
		s.listener.OnKBCreated(kb)
	}
	return kb, nil
}

// GetKnowledgeBase 获取知识库
func (s *Service) GetKnowledgeBase(ctx context.Context, kbID string) (*model.KnowledgeBase, error) {
	kb, err := s.repo.Knowledge.GetKnowledgeBase(kbID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.NewError(model.ErrNotFound, "knowledge base not found")
		}
		return nil, model.WrapError(model.ErrStorageFailed, "failed to load knowledge base", err)
	}
	return kb, nil
}

// ListKnowledgeBases 列出全部知识库
func (s *Service) ListKnowledgeBases(ctx context.Context) ([]*model.KnowledgeBase, error) {
	return s.repo.Knowledge.ListKnowledgeBases()
}

// UpdateKnowledgeBase 更新名称与描述
func (s *Service) UpdateKnowledgeBase(ctx context.Context, kbID string, name, description *string) (*model.KnowledgeBase, error) {
	kb, err := s.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, err
	}

	renamed := false
	if name != nil && *name != "" && *name != kb.Name {
		existing, err := s.repo.Knowledge.ListKnowledgeBases()
		if err != nil {
			return nil, model.WrapError(model.ErrStorageFailed, "failed to list knowledge bases", err)
		}
		for _, other := range existing {
			if other.ID != kbID && other.Name == *name {
				return nil, model.NewError(model.ErrConflict,
					fmt.Sprintf("knowledge base %q already exists", *name))
			}
		}
		kb.Name = *name
		renamed = true
	}
	if description != nil {
		kb.Description = *description
	}

	if err := s.repo.Knowledge.UpdateKnowledgeBase(kb); err != nil {
		return nil, model.WrapError(model.ErrStorageFailed, "failed to update knowledge base", err)
	}

	if renamed && s.listener != nil {
		s.listener.OnKBRenamed(kb)
	}
	return kb, nil
}

// DeleteKnowledgeBase 删除知识库及其全部数据
func (s *Service) DeleteKnowledgeBase(ctx context.Context, kbID string) error {
	if _, err := s.GetKnowledgeBase(ctx, kbID); err != nil {
		return err
	}
	if s.isReindexing(kbID) {
		return model.NewError(model.ErrConflict, "reindex in progress")
	}

	lock := s.lockKB(kbID)
	lock.Lock()
	defer lock.Unlock()

	s.indexes.Remove(kbID)
	if err := s.repo.Store.RemoveKB(kbID); err != nil {
		return model.WrapError(model.ErrStorageFailed, "failed to remove knowledge base", err)
	}

	log.Printf("Deleted knowledge base %s", kbID)
	if s.listener != nil {
		s.listener.OnKBDeleted(kbID)
	}
	return nil
}

// GetConfig 获取知识库配置
func (s *Service) GetConfig(ctx context.Context, kbID string) (*model.KBConfig, error) {
	kb, err := s.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, err
	}
	cfg := kb.Config
	return &cfg, nil
}

// UpdateConfig 更新知识库配置
// 影响分块或向量的字段变更会自动触发后台重建
func (s *Service) UpdateConfig(ctx context.Context, kbID string, next model.KBConfig) (*model.KBConfig, bool, error) {
	if err := validateConfig(next); err != nil {
		return nil, false, err
	}
	if _, err := s.embedders.ForModel(next.EmbedModel); err != nil {
		return nil, false, err
	}

	kb, err := s.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, false, err
	}
	if s.isReindexing(kbID) {
		return nil, false, model.NewError(model.ErrConflict, "reindex in progress")
	}

	needsReindex := kb.Config.NeedsReindex(next)
	kb.Config = next
	if err := s.repo.Knowledge.UpdateKnowledgeBase(kb); err != nil {
		return nil, false, model.WrapError(model.ErrStorageFailed, "failed to update config", err)
	}

	if needsReindex {
		if err := s.StartReindex(kbID); err != nil {
			return nil, false, err
		}
	}
	cfg := kb.Config
	return &cfg, needsReindex, nil
}

func validateConfig(cfg model.KBConfig) error {
	switch {
	case cfg.ChunkSize <= 0:
		return model.NewError(model.ErrInvalidInput, "chunk_size must be positive")
	case cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize:
		return model.NewError(model.ErrInvalidInput, "chunk_overlap must be in [0, chunk_size)")
	case cfg.HybridAlpha < 0 || cfg.HybridAlpha > 1:
		return model.NewError(model.ErrInvalidInput, "hybrid_alpha must be in [0,1]")
	case cfg.BM25K1 < 0:
		return model.NewError(model.ErrInvalidInput, "bm25_k1 must be >= 0")
	case cfg.BM25B < 0 || cfg.BM25B > 1:
		return model.NewError(model.ErrInvalidInput, "bm25_b must be in [0,1]")
	}
	return nil
}

// GetStats 知识库统计
func (s *Service) GetStats(ctx context.Context, kbID string) (*model.KBStats, error) {
	kb, err := s.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, err
	}

	docs, err := s.repo.Knowledge.ListDocuments(kbID)
	if err != nil {
		return nil, model.WrapError(model.ErrStorageFailed, "failed to list documents", err)
	}

	stats := &model.KBStats{
		KnowledgeBaseID: kbID,
		Name:            kb.Name,
		FileTypes:       make(map[string]int),
		Generation:      kb.Generation,
		CreatedAt:       kb.CreatedAt,
	}
	for _, doc := range docs {
		stats.FileCount++
		stats.TotalSize += doc.FileSize
		stats.TotalChunks += int64(doc.ChunkCount)
		stats.FileTypes[doc.Format]++
	}
	return stats, nil
}

// ========== 启动恢复 ==========

// Startup 启动时自愈全部知识库
// 修复中断的写入、清理孤儿数据，必要时从元数据重建索引
// 各知识库相互独立，并行恢复
func (s *Service) Startup(ctx context.Context) error {
	ids, err := s.repo.Store.ListKBIDs()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, kbID := range ids {
		g.Go(func() error {
			if err := s.recoverKB(ctx, kbID); err != nil {
				log.Printf("Warning: recovery failed for kb %s: %v", kbID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// recoverKB 单库启动自愈
func (s *Service) recoverKB(ctx context.Context, kbID string) error {
	kb, err := s.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return err
	}

	if err := s.repo.Knowledge.RepairOnStartup(kbID); err != nil {
		kb.Degraded = true
		s.repo.Knowledge.UpdateKnowledgeBase(kb)
		return model.WrapError(model.ErrStorageFailed, "metadata repair failed", err)
	}

	// 清理孤儿 blob
	docs, err := s.repo.Knowledge.ListDocuments(kbID)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(docs))
	for _, doc := range docs {
		keep[doc.StoredPath] = true
	}
	if err := s.blobs.SweepOrphans(kbID, keep); err != nil {
		log.Printf("Warning: blob sweep failed for kb %s: %v", kbID, err)
	}

	return s.ensureIndexes(ctx, kb)
}

// ensureIndexes 索引缺失或损坏时从分块元数据重建
func (s *Service) ensureIndexes(ctx context.Context, kb *model.KnowledgeBase) error {
	embedder, err := s.embedders.ForModel(kb.Config.EmbedModel)
	if err != nil {
		return err
	}

	pair, needRebuild, err := s.indexes.Get(kb.ID, embedder.Dimension(), kb.Config.EmbedModel)
	if err != nil {
		return err
	}

	chunkCount, err := s.repo.Knowledge.CountChunks(kb.ID, kb.Generation)
	if err != nil {
		return err
	}
	if !needRebuild && int64(pair.Vector.Len()) == chunkCount && int64(pair.Lexical.Len()) == chunkCount {
		return nil
	}

	log.Printf("Rebuilding indexes for kb %s (%d chunks)", kb.ID, chunkCount)
	start := time.Now()

	chunks, err := s.repo.Knowledge.ListChunksByGeneration(kb.ID, kb.Generation)
	if err != nil {
		return err
	}

	shadow, err := s.indexes.NewShadow(kb.ID, embedder.Dimension(), kb.Config.EmbedModel)
	if err != nil {
		return err
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := embedder.Embed(ctx, texts)
	if err != nil {
		s.indexes.DiscardShadow(shadow)
		return err
	}

	docOf := make(map[string]string)
	docs, err := s.repo.Knowledge.ListDocuments(kb.ID)
	if err != nil {
		s.indexes.DiscardShadow(shadow)
		return err
	}
	for _, d := range docs {
		docOf[d.ID] = d.ID
	}

	for i, c := range chunks {
		if _, ok := docOf[c.DocumentID]; !ok {
			continue
		}
		if err := shadow.Vector.Add(c.ID, c.DocumentID, vectors[i]); err != nil {
			s.indexes.DiscardShadow(shadow)
			return err
		}
		shadow.Lexical.Add(c.ID, c.DocumentID, c.Content)
	}

	if err := shadow.Save(); err != nil {
		s.indexes.DiscardShadow(shadow)
		return err
	}
	if err := s.indexes.Swap(kb.ID, shadow); err != nil {
		s.indexes.DiscardShadow(shadow)
		return err
	}

	log.Printf("Rebuilt indexes for kb %s in %v", kb.ID, time.Since(start))
	return nil
}
