package knowledge

import (
	"context"
	"log"
	"time"

	"github.com/ashwinyue/kbhub/internal/model"
	"github.com/ashwinyue/kbhub/internal/service/chunk"
	"github.com/ashwinyue/kbhub/internal/service/embedding"
	"github.com/ashwinyue/kbhub/internal/service/extract"
	"github.com/ashwinyue/kbhub/internal/service/index"
	"github.com/google/uuid"
)

// 重建状态
const (
	ReindexInProgress = "in_progress"
	ReindexCompleted  = "completed"
	ReindexError      = "error"
)

// ReindexState 重建进度，REST 轮询读取
type ReindexState struct {
	Status              string    `json:"status"`
	Processed           int       `json:"processed"`
	Total               int       `json:"total"`
	Percent             float64   `json:"percent"`
	CurrentFile         string    `json:"current_file"`
	CurrentFileProgress float64   `json:"current_file_progress"`
	Succeeded           int       `json:"succeeded"`
	Failed              int       `json:"failed"`
	Error               string    `json:"error,omitempty"`
	StartedAt           time.Time `json:"started_at"`
}

// StartReindex 启动后台重建
// 同一知识库同时只允许一个重建，冲突返回 conflict
func (s *Service) StartReindex(kbID string) error {
	kb, err := s.GetKnowledgeBase(context.Background(), kbID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if state, ok := s.reindex[kbID]; ok && state.Status == ReindexInProgress {
		s.mu.Unlock()
		return model.NewError(model.ErrConflict, "reindex already in progress")
	}
	s.reindex[kbID] = &ReindexState{
		Status:    ReindexInProgress,
		StartedAt: time.Now(),
	}
	s.mu.Unlock()

	go s.runReindex(kb)
	return nil
}

// GetReindexProgress 读取重建进度快照
func (s *Service) GetReindexProgress(kbID string) *ReindexState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.reindex[kbID]
	if !ok {
		return nil
	}
	snapshot := *state
	return &snapshot
}

// setProgress 在锁内更新进度
func (s *Service) setProgress(kbID string, update func(*ReindexState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.reindex[kbID]; ok {
		update(state)
	}
}

// runReindex 重建主流程
// 所有文档从原始 blob 重抽取、按新配置重分块、用新模型重向量化，
// 写入影子索引与影子代次，最后一次事务切换；
// 失败时丢弃影子，线上索引与代次保持不变
func (s *Service) runReindex(kb *model.KnowledgeBase) {
	ctx := context.Background()
	kbID := kb.ID

	fail := func(err error) {
		log.Printf("Reindex failed for kb %s: %v", kbID, err)
		s.setProgress(kbID, func(st *ReindexState) {
			st.Status = ReindexError
			st.Error = err.Error()
		})
	}

	embedder, err := s.embedders.ForModel(kb.Config.EmbedModel)
	if err != nil {
		fail(err)
		return
	}

	docs, err := s.repo.Knowledge.ListDocuments(kbID)
	if err != nil {
		fail(model.WrapError(model.ErrStorageFailed, "failed to snapshot documents", err))
		return
	}
	s.setProgress(kbID, func(st *ReindexState) { st.Total = len(docs) })

	newGen := kb.Generation + 1
	shadow, err := s.indexes.NewShadow(kbID, embedder.Dimension(), kb.Config.EmbedModel)
	if err != nil {
		fail(err)
		return
	}

	discard := func() {
		s.indexes.DiscardShadow(shadow)
		if err := s.repo.Knowledge.DeleteChunksByGeneration(kbID, newGen); err != nil {
			log.Printf("Warning: failed to clean shadow chunks for kb %s: %v", kbID, err)
		}
	}

	docCounts := make(map[string]int)
	docErrors := make(map[string]string)

	for i, doc := range docs {
		s.setProgress(kbID, func(st *ReindexState) {
			st.CurrentFile = doc.FileName
			st.CurrentFileProgress = 0
		})

		count, err := s.reindexDocument(ctx, kb, doc, newGen, shadow, embedder)
		if err != nil {
			// 单文档失败只计数，基础设施错误中止整个重建
			if kind := model.KindOf(err); kind == model.ErrStorageFailed || kind == model.ErrIndexCorrupt || kind == model.ErrInvalidInput {
				discard()
				fail(err)
				return
			}
			docErrors[doc.ID] = err.Error()
			docCounts[doc.ID] = 0
			s.setProgress(kbID, func(st *ReindexState) { st.Failed++ })
		} else {
			docCounts[doc.ID] = count
			s.setProgress(kbID, func(st *ReindexState) { st.Succeeded++ })
		}

		processed := i + 1
		s.setProgress(kbID, func(st *ReindexState) {
			st.Processed = processed
			st.CurrentFileProgress = 100
			if st.Total > 0 {
				st.Percent = float64(processed) / float64(st.Total) * 100
			}
		})
	}

	// 切换期间短暂持有写锁，查询不受影响
	lock := s.lockKB(kbID)
	lock.Lock()
	defer lock.Unlock()

	if err := shadow.Save(); err != nil {
		discard()
		fail(err)
		return
	}
	if err := s.repo.Knowledge.SwapGeneration(kbID, kb.Generation, newGen, docCounts, docErrors); err != nil {
		discard()
		fail(model.WrapError(model.ErrStorageFailed, "failed to swap generation", err))
		return
	}
	if err := s.indexes.Swap(kbID, shadow); err != nil {
		fail(err)
		return
	}

	s.setProgress(kbID, func(st *ReindexState) {
		st.Status = ReindexCompleted
		st.Percent = 100
		st.CurrentFile = ""
	})
	log.Printf("Reindex completed for kb %s: generation %d -> %d, %d docs", kbID, kb.Generation, newGen, len(docs))
}

// reindexDocument 单文档重建：重抽取、重分块、重向量化，写入影子
func (s *Service) reindexDocument(ctx context.Context, kb *model.KnowledgeBase, doc *model.Document, newGen int64, shadow *index.Pair, embedder *embedding.Provider) (int, error) {
	rc, err := s.blobs.Open(ctx, kb.ID, doc.StoredPath)
	if err != nil {
		return 0, model.WrapError(model.ErrExtractionFailed, "blob unreadable", err)
	}
	defer rc.Close()

	splitter := chunk.NewSplitter(kb.Config.ChunkSize, kb.Config.ChunkOverlap, kb.Config.OverlapEnabled, embedder.CountTokens)
	var pieces []chunk.Piece
	err = s.extractor.Extract(ctx, doc.Format, doc.FileName, rc, func(seg extract.Segment) error {
		pieces = append(pieces, splitter.Feed(seg.Text, seg.Page, seg.Paragraph)...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	pieces = append(pieces, splitter.Flush()...)

	s.setProgress(kb.ID, func(st *ReindexState) { st.CurrentFileProgress = 50 })

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}
	vectors, err := embedder.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}

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
			Generation: newGen,
		}
	}
	if err := s.repo.Knowledge.CreateShadowChunks(kb.ID, chunks); err != nil {
		return 0, model.WrapError(model.ErrStorageFailed, "failed to stage shadow chunks", err)
	}

	for i, c := range chunks {
		if err := shadow.Vector.Add(c.ID, doc.ID, vectors[i]); err != nil {
			return 0, err
		}
		shadow.Lexical.Add(c.ID, doc.ID, c.Content)
	}
	return len(chunks), nil
}
