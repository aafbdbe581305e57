// Package search 提供混合检索
// 向量与 BM25 两路召回，分路 min-max 归一后按 α 加权融合
package search

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/ashwinyue/kbhub/internal/model"
	"github.com/ashwinyue/kbhub/internal/repository"
	"github.com/ashwinyue/kbhub/internal/service/embedding"
	"github.com/ashwinyue/kbhub/internal/service/index"
)

const minFetch = 20

// Result 检索结果
type Result struct {
	Content     string   `json:"content"`
	FileName    string   `json:"filename"`
	Format      string   `json:"file_type"`
	Score       float64  `json:"similarity_score"`
	ChunkIndex  int      `json:"chunk_index"`
	DocumentID  string   `json:"document_id"`
	ChunkID     string   `json:"chunk_id"`
	VectorScore *float64 `json:"vector_score,omitempty"`
	BM25Score   *float64 `json:"bm25_score,omitempty"`
}

// Service 检索服务
type Service struct {
	repo      *repository.Repositories
	indexes   *index.Manager
	embedders *embedding.Registry
}

// NewService 创建检索服务
func NewService(repo *repository.Repositories, indexes *index.Manager, embedders *embedding.Registry) *Service {
	return &Service{
		repo:      repo,
		indexes:   indexes,
		embedders: embedders,
	}
}

// Search 在知识库内检索
func (s *Service) Search(ctx context.Context, kb *model.KnowledgeBase, query string, limit int) ([]Result, error) {
	if query == "" {
		return nil, model.NewError(model.ErrInvalidInput, "query is required")
	}
	if limit <= 0 {
		limit = 5
	}

	embedder, err := s.embedders.ForModel(kb.Config.EmbedModel)
	if err != nil {
		return nil, err
	}
	pair, _, err := s.indexes.Get(kb.ID, embedder.Dimension(), kb.Config.EmbedModel)
	if err != nil {
		return nil, err
	}

	queryVec, err := embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	if !kb.Config.HybridSearch {
		hits, err := pair.Vector.Search(queryVec, limit)
		if err != nil {
			return nil, err
		}
		fused := make([]fusedHit, len(hits))
		for i, h := range hits {
			score := h.Score
			fused[i] = fusedHit{ChunkID: h.ChunkID, Score: score, VectorScore: &hits[i].Score}
		}
		return s.hydrate(kb.ID, fused)
	}

	// 两路各取 max(2k, 20)
	fetch := 2 * limit
	if fetch < minFetch {
		fetch = minFetch
	}

	vecHits, err := pair.Vector.Search(queryVec, fetch)
	if err != nil {
		return nil, err
	}
	lexHits := pair.Lexical.Search(query, fetch, kb.Config.BM25K1, kb.Config.BM25B)

	fused := fuse(vecHits, lexHits, kb.Config.HybridAlpha)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return s.hydrate(kb.ID, fused)
}

// fusedHit 融合后的中间结果
type fusedHit struct {
	ChunkID     string
	Score       float64
	VectorScore *float64
	BM25Score   *float64
	rawLexical  float64
}

// fuse 分路归一化并加权融合
// 只出现在单路的分块，缺失一侧记 0 分
func fuse(vecHits []index.VectorHit, lexHits []index.LexicalHit, alpha float64) []fusedHit {
	vecNorm := minMaxVector(vecHits)
	lexNorm := minMaxLexical(lexHits)

	merged := make(map[string]*fusedHit)
	for i, h := range vecHits {
		merged[h.ChunkID] = &fusedHit{
			ChunkID:     h.ChunkID,
			Score:       alpha * vecNorm[i],
			VectorScore: &vecHits[i].Score,
		}
	}
	for i, h := range lexHits {
		entry, ok := merged[h.ChunkID]
		if !ok {
			entry = &fusedHit{ChunkID: h.ChunkID}
			merged[h.ChunkID] = entry
		}
		entry.Score += (1 - alpha) * lexNorm[i]
		entry.BM25Score = &lexHits[i].Score
		entry.rawLexical = h.Score
	}

	out := make([]fusedHit, 0, len(merged))
	for _, entry := range merged {
		out = append(out, *entry)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		if out[a].rawLexical != out[b].rawLexical {
			return out[a].rawLexical > out[b].rawLexical
		}
		return out[a].ChunkID < out[b].ChunkID
	})
	return out
}

// minMaxVector 单路 min-max 归一化，全相等时记满分
func minMaxVector(hits []index.VectorHit) []float64 {
	norm := make([]float64, len(hits))
	if len(hits) == 0 {
		return norm
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}
	for i, h := range hits {
		if hi == lo {
			norm[i] = 1
		} else {
			norm[i] = (h.Score - lo) / (hi - lo)
		}
	}
	return norm
}

func minMaxLexical(hits []index.LexicalHit) []float64 {
	norm := make([]float64, len(hits))
	if len(hits) == 0 {
		return norm
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}
	for i, h := range hits {
		if hi == lo {
			norm[i] = 1
		} else {
			norm[i] = (h.Score - lo) / (hi - lo)
		}
	}
	return norm
}

// hydrate 回填分块文本与来源文件元数据
func (s *Service) hydrate(kbID string, hits []fusedHit) ([]Result, error) {
	if len(hits) == 0 {
		return []Result{}, nil
	}

	chunkIDs := make([]string, len(hits))
	for i, h := range hits {
		chunkIDs[i] = h.ChunkID
	}
	chunks, err := s.repo.Knowledge.GetChunks(kbID, chunkIDs)
	if err != nil {
		return nil, model.WrapError(model.ErrStorageFailed, "failed to load chunks", err)
	}

	docs, err := s.repo.Knowledge.ListDocuments(kbID)
	if err != nil {
		return nil, model.WrapError(model.ErrStorageFailed, "failed to load documents", err)
	}
	docByID := make(map[string]*model.Document, len(docs))
	for _, d := range docs {
		docByID[d.ID] = d
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		chunk, ok := chunks[h.ChunkID]
		if !ok {
			// 索引与元数据短暂不一致（删除竞争），跳过
			log.Printf("Warning: chunk %s missing during hydration in kb %s", h.ChunkID, kbID)
			continue
		}
		doc := docByID[chunk.DocumentID]
		if doc == nil {
			continue
		}
		results = append(results, Result{
			Content:     chunk.Content,
			FileName:    doc.FileName,
			Format:      doc.Format,
			Score:       h.Score,
			ChunkIndex:  chunk.ChunkIndex,
			DocumentID:  doc.ID,
			ChunkID:     chunk.ID,
			VectorScore: h.VectorScore,
			BM25Score:   h.BM25Score,
		})
	}
	return results, nil
}

// FindSimilar 以文档首块为查询找相似文档
// 排除源文档本身，每个文档只保留最高命中
func (s *Service) FindSimilar(ctx context.Context, kb *model.KnowledgeBase, docID string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 5
	}

	chunks, err := s.repo.Knowledge.ListChunksByDocument(kb.ID, docID)
	if err != nil || len(chunks) == 0 {
		return nil, model.NewError(model.ErrNotFound,
			fmt.Sprintf("document %s has no indexed content", docID))
	}

	// 多取一些，过滤源文档后再截断
	candidates, err := s.Search(ctx, kb, chunks[0].Content, limit+10)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	results := make([]Result, 0, limit)
	for _, r := range candidates {
		if r.DocumentID == docID || seen[r.DocumentID] {
			continue
		}
		seen[r.DocumentID] = true
		results = append(results, r)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}
