package knowledge

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/ashwinyue/kbhub/internal/model"
	"github.com/ashwinyue/kbhub/internal/service/chunk"
	"github.com/ashwinyue/kbhub/internal/service/embedding"
	"github.com/ashwinyue/kbhub/internal/service/extract"
	"github.com/ashwinyue/kbhub/internal/service/index"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UploadDocument 摄取一个上传的文件
// 返回时文档已提交并进入索引（或标记失败），满足写后读
func (s *Service) UploadDocument(ctx context.Context, kbID, fileName string, r io.Reader) (*model.Document, error) {
	kb, err := s.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, err
	}
	if kb.Degraded {
		return nil, model.NewError(model.ErrStorageFailed, "knowledge base is degraded, writes rejected")
	}
	if s.isReindexing(kbID) {
		// 重建期间拒绝写入（见 DESIGN.md）
		return nil, model.NewError(model.ErrConflict, "reindex in progress, retry later")
	}
	if fileName == "" {
		return nil, model.NewError(model.ErrInvalidInput, "filename is required")
	}

	lock := s.lockKB(kbID)
	lock.Lock()
	defer lock.Unlock()

	// 锁内重读，拿到重建后的最新代次
	kb, err = s.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, err
	}

	docID := uuid.New().String()
	storedPath, size, err := s.blobs.Put(ctx, kbID, docID, fileName, r)
	if err != nil {
		return nil, model.WrapError(model.ErrStorageFailed, "failed to store upload", err)
	}

	head, err := s.readHead(ctx, kbID, storedPath)
	if err != nil {
		s.blobs.Delete(ctx, kbID, storedPath)
		return nil, model.WrapError(model.ErrStorageFailed, "failed to read upload", err)
	}

	doc := &model.Document{
		ID:              docID,
		KnowledgeBaseID: kbID,
		FileName:        fileName,
		StoredPath:      storedPath,
		Format:          extract.DetectFormat(fileName, head),
		FileSize:        size,
		Status:          model.DocStatusPending,
	}
	if err := s.repo.Knowledge.CreateDocument(kbID, doc); err != nil {
		s.blobs.Delete(ctx, kbID, storedPath)
		return nil, model.WrapError(model.ErrStorageFailed, "failed to create document", err)
	}

	if err := s.ingestFromBlob(ctx, kb, doc, nil); err != nil {
		// 失败已记录在文档状态上，调用方拿到文档与原因
		return doc, nil
	}
	return doc, nil
}

// readHead 读取 blob 头部用于格式探测
func (s *Service) readHead(ctx context.Context, kbID, storedPath string) ([]byte, error) {
	rc, err := s.blobs.Open(ctx, kbID, storedPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(rc, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return head[:n], nil
}

// ingestFromBlob 单文档摄取主流程
// 抽取 → 分块 → 向量化 → 事务提交 → 双索引写入
// 任一步失败则不留下任何分块、向量或倒排，并把文档标记为 failed
func (s *Service) ingestFromBlob(ctx context.Context, kb *model.KnowledgeBase, doc *model.Document, progress func(phase string, frac float64)) error {
	report := func(phase string, frac float64) {
		if progress != nil {
			progress(phase, frac)
		}
	}

	embedder, err := s.embedders.ForModel(kb.Config.EmbedModel)
	if err != nil {
		return s.failDocument(kb.ID, doc, err)
	}
	pair, _, err := s.indexes.Get(kb.ID, embedder.Dimension(), kb.Config.EmbedModel)
	if err != nil {
		return s.failDocument(kb.ID, doc, err)
	}

	// 抽取
	doc.Status = model.DocStatusExtracting
	if err := s.repo.Knowledge.UpdateDocument(kb.ID, doc); err != nil {
		return s.failDocument(kb.ID, doc, err)
	}
	report("extracting", 0)

	pieces, err := s.extractAndChunk(ctx, kb, doc, embedder.CountTokens)
	if err != nil {
		return s.failDocument(kb.ID, doc, err)
	}

	// 向量化
	doc.Status = model.DocStatusEmbedding
	if err := s.repo.Knowledge.UpdateDocument(kb.ID, doc); err != nil {
		return s.failDocument(kb.ID, doc, err)
	}
	report("embedding", 0)

	chunks, vectors, err := s.embedPieces(ctx, kb, doc, embedder, pieces, report)
	if err != nil {
		return s.failDocument(kb.ID, doc, err)
	}

	// 原子提交：文档终态 + 全部分块
	doc.Status = model.DocStatusReady
	doc.ChunkCount = len(chunks)
	doc.ErrorMsg = ""
	if err := s.repo.Knowledge.CommitDocument(kb.ID, doc, chunks); err != nil {
		return s.failDocument(kb.ID, doc,
			model.WrapError(model.ErrStorageFailed, "commit failed", err))
	}

	// 提交成功后写索引；索引失败时回滚索引侧并标记失败
	if err := s.indexChunks(pair, doc, chunks, vectors); err != nil {
		pair.Vector.DeleteByDocument(doc.ID)
		pair.Lexical.DeleteByDocument(doc.ID)
		pair.Save()
		return s.failDocument(kb.ID, doc, err)
	}
	report("ready", 1)

	log.Printf("Ingested %s into kb %s: %d chunks", doc.FileName, kb.ID, len(chunks))
	return nil
}

// extractAndChunk 流式抽取并分块
func (s *Service) extractAndChunk(ctx context.Context, kb *model.KnowledgeBase, doc *model.Document, counter func(string) int) ([]chunk.Piece, error) {
	rc, err := s.blobs.Open(ctx, kb.ID, doc.StoredPath)
	if err != nil {
		return nil, model.WrapError(model.ErrStorageFailed, "failed to open blob", err)
	}
	defer rc.Close()

	splitter := chunk.NewSplitter(kb.Config.ChunkSize, kb.Config.ChunkOverlap, kb.Config.OverlapEnabled, counter)
	var pieces []chunk.Piece

	err = s.extractor.Extract(ctx, doc.Format, doc.FileName, rc, func(seg extract.Segment) error {
		if err := ctx.Err(); err != nil {
			return model.WrapError(model.ErrCancelled, "ingestion cancelled", err)
		}
		pieces = append(pieces, splitter.Feed(seg.Text, seg.Page, seg.Paragraph)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return append(pieces, splitter.Flush()...), nil
}

// embedPieces 分批向量化并组装分块行
func (s *Service) embedPieces(ctx context.Context, kb *model.KnowledgeBase, doc *model.Document, embedder *embedding.Provider, pieces []chunk.Piece, report func(string, float64)) ([]*model.DocumentChunk, [][]float32, error) {
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}

	vectors, err := embedder.Embed(ctx, texts)
	if err != nil {
		return nil, nil, err
	}
	report("embedding", 1)

	chunks := make([]*model.DocumentChunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = &model.DocumentChunk{
			ID:         uuid.New().String(),
			DocumentID: doc.ID,
			ChunkIndex: p.Index,
			Content:    p.Text,
			TokenCount: p.TokenCount,
			Page:       p.Page,
			Paragraph:  p.Paragraph,
			EmbedModel: embedder.ModelID(),
			Generation: kb.Generation,
		}
	}
	return chunks, vectors, nil
}

// indexChunks 写入双索引并落盘
func (s *Service) indexChunks(pair *index.Pair, doc *model.Document, chunks []*model.DocumentChunk, vectors [][]float32) error {
	for i, c := range chunks {
		if err := pair.Vector.Add(c.ID, doc.ID, vectors[i]); err != nil {
			return err
		}
		pair.Lexical.Add(c.ID, doc.ID, c.Content)
	}
	return pair.Save()
}

// failDocument 标记文档失败并删除其分块行（不操作索引）
func (s *Service) failDocument(kbID string, doc *model.Document, cause error) error {
	doc.Status = model.DocStatusFailed
	doc.ErrorMsg = cause.Error()
	doc.ChunkCount = 0
	if err := s.repo.Knowledge.CommitDocument(kbID, doc, nil); err != nil {
		log.Printf("Warning: failed to record failure for document %s: %v", doc.ID, err)
	}
	log.Printf("Ingestion failed for %s in kb %s: %v", doc.FileName, kbID, cause)
	return cause
}

// ========== 文档操作 ==========

// GetDocument 获取文档
func (s *Service) GetDocument(ctx context.Context, kbID, docID string) (*model.Document, error) {
	doc, err := s.repo.Knowledge.GetDocument(kbID, docID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.NewError(model.ErrNotFound, "document not found")
		}
		return nil, model.WrapError(model.ErrStorageFailed, "failed to load document", err)
	}
	return doc, nil
}

// ListDocuments 列出知识库文档
func (s *Service) ListDocuments(ctx context.Context, kbID string) ([]*model.Document, error) {
	if _, err := s.GetKnowledgeBase(ctx, kbID); err != nil {
		return nil, err
	}
	return s.repo.Knowledge.ListDocuments(kbID)
}

// DeleteDocument 删除文档：索引、分块、元数据、blob 全部移除
func (s *Service) DeleteDocument(ctx context.Context, kbID, docID string) error {
	kb, err := s.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return err
	}
	if s.isReindexing(kbID) {
		return model.NewError(model.ErrConflict, "reindex in progress, retry later")
	}

	lock := s.lockKB(kbID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.GetDocument(ctx, kbID, docID)
	if err != nil {
		return err
	}

	embedder, err := s.embedders.ForModel(kb.Config.EmbedModel)
	if err != nil {
		return err
	}
	pair, _, err := s.indexes.Get(kbID, embedder.Dimension(), kb.Config.EmbedModel)
	if err != nil {
		return err
	}

	pair.Vector.DeleteByDocument(docID)
	pair.Lexical.DeleteByDocument(docID)
	if err := pair.Save(); err != nil {
		return err
	}

	if err := s.repo.Knowledge.DeleteDocument(kbID, docID); err != nil {
		return model.WrapError(model.ErrStorageFailed, "failed to delete document", err)
	}
	if err := s.blobs.Delete(ctx, kbID, doc.StoredPath); err != nil {
		log.Printf("Warning: failed to delete blob for document %s: %v", docID, err)
	}

	log.Printf("Deleted document %s from kb %s", docID, kbID)
	return nil
}

// ReprocessDocument 用当前配置重新摄取文档
// 分块先删后插，两次处理结果等价（除 id 重新生成外）
func (s *Service) ReprocessDocument(ctx context.Context, kbID, docID string) (*model.Document, error) {
	kb, err := s.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, err
	}
	if kb.Degraded {
		return nil, model.NewError(model.ErrStorageFailed, "knowledge base is degraded, writes rejected")
	}
	if s.isReindexing(kbID) {
		return nil, model.NewError(model.ErrConflict, "reindex in progress, retry later")
	}

	lock := s.lockKB(kbID)
	lock.Lock()
	defer lock.Unlock()

	kb, err = s.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, err
	}
	doc, err := s.GetDocument(ctx, kbID, docID)
	if err != nil {
		return nil, err
	}

	embedder, err := s.embedders.ForModel(kb.Config.EmbedModel)
	if err != nil {
		return nil, err
	}
	pair, _, err := s.indexes.Get(kbID, embedder.Dimension(), kb.Config.EmbedModel)
	if err != nil {
		return nil, err
	}

	// 旧索引条目先清
	pair.Vector.DeleteByDocument(docID)
	pair.Lexical.DeleteByDocument(docID)

	start := time.Now()
	if err := s.ingestFromBlob(ctx, kb, doc, nil); err != nil {
		pair.Save()
		return doc, nil
	}
	log.Printf("Reprocessed %s in %v", doc.FileName, time.Since(start))
	return doc, nil
}

// isReindexing 知识库是否有进行中的重建
func (s *Service) isReindexing(kbID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.reindex[kbID]
	return ok && state.Status == ReindexInProgress
}
