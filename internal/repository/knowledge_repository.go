package repository

import (
	"fmt"
	"log"

	"github.com/ashwinyue/kbhub/internal/model"
	"gorm.io/gorm"
)

// KnowledgeRepository 知识库数据访问
type KnowledgeRepository struct {
	store *Store
}

// NewKnowledgeRepository 创建知识库仓库
func NewKnowledgeRepository(store *Store) *KnowledgeRepository {
	return &KnowledgeRepository{store: store}
}

// CreateKnowledgeBase 创建知识库（建目录 + 写入自身元数据行）
func (r *KnowledgeRepository) CreateKnowledgeBase(kb *model.KnowledgeBase) error {
	db, err := r.store.Open(kb.ID)
	if err != nil {
		return err
	}
	return db.Create(kb).Error
}

// GetKnowledgeBase 获取知识库
func (r *KnowledgeRepository) GetKnowledgeBase(kbID string) (*model.KnowledgeBase, error) {
	if !r.store.Exists(kbID) {
		return nil, gorm.ErrRecordNotFound
	}
	db, err := r.store.Open(kbID)
	if err != nil {
		return nil, err
	}

	var kb model.KnowledgeBase
	if err := db.Where("id = ?", kbID).First(&kb).Error; err != nil {
		return nil, err
	}
	return &kb, nil
}

// ListKnowledgeBases 列出所有知识库
func (r *KnowledgeRepository) ListKnowledgeBases() ([]*model.KnowledgeBase, error) {
	ids, err := r.store.ListKBIDs()
	if err != nil {
		return nil, err
	}

	kbs := make([]*model.KnowledgeBase, 0, len(ids))
	for _, id := range ids {
		kb, err := r.GetKnowledgeBase(id)
		if err != nil {
			log.Printf("Warning: skipping unreadable knowledge base %s: %v", id, err)
			continue
		}
		kbs = append(kbs, kb)
	}
	return kbs, nil
}

// UpdateKnowledgeBase 更新知识库元数据
func (r *KnowledgeRepository) UpdateKnowledgeBase(kb *model.KnowledgeBase) error {
	db, err := r.store.Open(kb.ID)
	if err != nil {
		return err
	}
	return db.Save(kb).Error
}

// CreateDocument 创建文档元数据
func (r *KnowledgeRepository) CreateDocument(kbID string, doc *model.Document) error {
	db, err := r.store.Open(kbID)
	if err != nil {
		return err
	}
	return db.Create(doc).Error
}

// GetDocument 获取文档
func (r *KnowledgeRepository) GetDocument(kbID, docID string) (*model.Document, error) {
	db, err := r.store.Open(kbID)
	if err != nil {
		return nil, err
	}

	var doc model.Document
	if err := db.Where("id = ?", docID).First(&doc).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListDocuments 列出知识库文档，最新的在前
func (r *KnowledgeRepository) ListDocuments(kbID string) ([]*model.Document, error) {
	db, err := r.store.Open(kbID)
	if err != nil {
		return nil, err
	}

	var docs []*model.Document
	err = db.Order("created_at DESC").Find(&docs).Error
	return docs, err
}

// UpdateDocument 更新文档
func (r *KnowledgeRepository) UpdateDocument(kbID string, doc *model.Document) error {
	db, err := r.store.Open(kbID)
	if err != nil {
		return err
	}
	return db.Save(doc).Error
}

// CommitDocument 在一个事务中落盘文档终态及其全部分块
// 要么文档与分块同时可见，要么都不可见
func (r *KnowledgeRepository) CommitDocument(kbID string, doc *model.Document, chunks []*model.DocumentChunk) error {
	db, err := r.store.Open(kbID)
	if err != nil {
		return err
	}

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&model.DocumentChunk{}, "document_id = ?", doc.ID).Error; err != nil {
			return err
		}
		if len(chunks) > 0 {
			if err := tx.CreateInBatches(chunks, 100).Error; err != nil {
				return err
			}
		}
		return tx.Save(doc).Error
	})
}

// DeleteDocument 删除文档及其分块
func (r *KnowledgeRepository) DeleteDocument(kbID, docID string) error {
	db, err := r.store.Open(kbID)
	if err != nil {
		return err
	}

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&model.DocumentChunk{}, "document_id = ?", docID).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Document{}, "id = ?", docID).Error
	})
}

// GetChunk 获取单个分块
func (r *KnowledgeRepository) GetChunk(kbID, chunkID string) (*model.DocumentChunk, error) {
	db, err := r.store.Open(kbID)
	if err != nil {
		return nil, err
	}

	var chunk model.DocumentChunk
	if err := db.Where("id = ?", chunkID).First(&chunk).Error; err != nil {
		return nil, err
	}
	return &chunk, nil
}

// GetChunks 批量获取分块，返回以分块 id 为键的映射
func (r *KnowledgeRepository) GetChunks(kbID string, chunkIDs []string) (map[string]*model.DocumentChunk, error) {
	db, err := r.store.Open(kbID)
	if err != nil {
		return nil, err
	}

	var chunks []*model.DocumentChunk
	if err := db.Where("id IN ?", chunkIDs).Find(&chunks).Error; err != nil {
		return nil, err
	}

	result := make(map[string]*model.DocumentChunk, len(chunks))
	for _, c := range chunks {
		result[c.ID] = c
	}
	return result, nil
}

// ListChunksByDocument 获取文档分块，按序号排序
func (r *KnowledgeRepository) ListChunksByDocument(kbID, docID string) ([]*model.DocumentChunk, error) {
	db, err := r.store.Open(kbID)
	if err != nil {
		return nil, err
	}

	var chunks []*model.DocumentChunk
	err = db.Where("document_id = ?", docID).Order("chunk_index ASC").Find(&chunks).Error
	return chunks, err
}

// ListChunksByGeneration 按代次列出知识库全部分块
func (r *KnowledgeRepository) ListChunksByGeneration(kbID string, generation int64) ([]*model.DocumentChunk, error) {
	db, err := r.store.Open(kbID)
	if err != nil {
		return nil, err
	}

	var chunks []*model.DocumentChunk
	err = db.Where("generation = ?", generation).Order("document_id, chunk_index").Find(&chunks).Error
	return chunks, err
}

// CountChunks 统计指定代次的分块数量
func (r *KnowledgeRepository) CountChunks(kbID string, generation int64) (int64, error) {
	db, err := r.store.Open(kbID)
	if err != nil {
		return 0, err
	}

	var count int64
	err = db.Model(&model.DocumentChunk{}).Where("generation = ?", generation).Count(&count).Error
	return count, err
}

// CreateShadowChunks 写入重建索引期间的影子分块
func (r *KnowledgeRepository) CreateShadowChunks(kbID string, chunks []*model.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	db, err := r.store.Open(kbID)
	if err != nil {
		return err
	}
	return db.CreateInBatches(chunks, 100).Error
}

// DeleteChunksByGeneration 删除指定代次的全部分块
func (r *KnowledgeRepository) DeleteChunksByGeneration(kbID string, generation int64) error {
	db, err := r.store.Open(kbID)
	if err != nil {
		return err
	}
	return db.Delete(&model.DocumentChunk{}, "generation = ?", generation).Error
}

// SwapGeneration 提交重建：删除旧代分块、更新文档计数、递增知识库代次
// 单个事务内完成，失败时旧代保持可见
func (r *KnowledgeRepository) SwapGeneration(kbID string, oldGen, newGen int64, docCounts map[string]int, docErrors map[string]string) error {
	db, err := r.store.Open(kbID)
	if err != nil {
		return err
	}

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&model.DocumentChunk{}, "generation = ?", oldGen).Error; err != nil {
			return err
		}
		for docID, count := range docCounts {
			updates := map[string]any{
				"chunk_count": count,
				"status":      model.DocStatusReady,
				"error_msg":   "",
			}
			if msg, failed := docErrors[docID]; failed {
				updates["status"] = model.DocStatusFailed
				updates["error_msg"] = msg
			}
			if err := tx.Model(&model.Document{}).Where("id = ?", docID).Updates(updates).Error; err != nil {
				return err
			}
		}
		return tx.Model(&model.KnowledgeBase{}).Where("id = ?", kbID).
			Update("generation", newGen).Error
	})
}

// RepairOnStartup 启动自愈：中断的写入标记失败、清理孤儿分块与重建残留的影子分块（不处理 blob 文件）
func (r *KnowledgeRepository) RepairOnStartup(kbID string) error {
	db, err := r.store.Open(kbID)
	if err != nil {
		return err
	}

	// 中断的文档（进程崩溃时停在中间状态）
	inflight := []string{model.DocStatusPending, model.DocStatusExtracting, model.DocStatusEmbedding}
	res := db.Model(&model.Document{}).
		Where("status IN ?", inflight).
		Updates(map[string]any{
			"status":    model.DocStatusFailed,
			"error_msg": "interrupted by shutdown",
		})
	if res.Error != nil {
		return fmt.Errorf("failed to repair documents: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Printf("Repaired %d interrupted documents in kb %s", res.RowsAffected, kbID)
	}

	// 孤儿分块（所属文档已不存在）
	orphan := db.Delete(&model.DocumentChunk{},
		"document_id NOT IN (?)", db.Model(&model.Document{}).Select("id"))
	if orphan.Error != nil {
		return fmt.Errorf("failed to delete orphaned chunks: %w", orphan.Error)
	}
	if orphan.RowsAffected > 0 {
		log.Printf("Deleted %d orphaned chunks in kb %s", orphan.RowsAffected, kbID)
	}

	// 超过当前代次的影子分块（重建中途崩溃的残留）
	var kb model.KnowledgeBase
	if err := db.Where("id = ?", kbID).First(&kb).Error; err == nil {
		db.Delete(&model.DocumentChunk{}, "generation > ?", kb.Generation)
	}

	return nil
}
