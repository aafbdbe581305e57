// Package embedding 提供向量化服务
// 底层复用 eino 的 embedding.Embedder，外层统一批处理、重试与归一化
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ashwinyue/kbhub/internal/model"
)

const (
	defaultBatchSize = 32
	maxAttempts      = 3
)

// einoEmbedder eino embedding.Embedder 的最小子集
type einoEmbedder interface {
	EmbedStrings(ctx context.Context, texts []string) ([][]float64, error)
}

// Provider 向量化服务
// 对上暴露同步接口，内部分批调用底层 embedder
// 并发安全，摄取与查询路径共享同一实例
type Provider struct {
	embedder      einoEmbedder
	modelID       string
	dimension     int
	batchSize     int
	timeout       time.Duration
	deterministic bool
	cache         *Cache
}

// NewProvider 创建向量化服务
func NewProvider(embedder einoEmbedder, modelID string, dimension int, opts ...Option) *Provider {
	p := &Provider{
		embedder:  embedder,
		modelID:   modelID,
		dimension: dimension,
		batchSize: defaultBatchSize,
		timeout:   60 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Option Provider 选项
type Option func(*Provider)

// WithBatchSize 设置批大小
func WithBatchSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithTimeout 设置单批超时
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithDeterministic 声明底层模型是否确定性（决定可否缓存）
func WithDeterministic(deterministic bool) Option {
	return func(p *Provider) {
		p.deterministic = deterministic
	}
}

// WithCache 启用向量缓存，仅对确定性模型生效
func WithCache(cache *Cache) Option {
	return func(p *Provider) {
		p.cache = cache
	}
}

// ModelID 模型标识
func (p *Provider) ModelID() string {
	return p.modelID
}

// Dimension 向量维度
func (p *Provider) Dimension() int {
	return p.dimension
}

// Deterministic 是否确定性模型
func (p *Provider) Deterministic() bool {
	return p.deterministic
}

// CountTokens 统计文本 token 数
// 与分块器使用同一单位（空白分词）
func (p *Provider) CountTokens(text string) int {
	return len(strings.Fields(text))
}

// Embed 向量化一组文本，按批调用底层模型并做 L2 归一化
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.batchSize {
		end := start + p.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		vectors, err := p.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		result = append(result, vectors...)
	}
	return result, nil
}

// EmbedQuery 向量化单条查询
func (p *Provider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, model.NewError(model.ErrEmbeddingFailed, "empty embedding result")
	}
	return vectors[0], nil
}

// embedBatch 单批向量化，瞬时错误指数退避重试
func (p *Provider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	cached, missing, missingIdx := p.lookupCache(ctx, texts)
	if len(missing) == 0 {
		return cached, nil
	}

	var vectors [][]float64
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(500*(1<<attempt)) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, model.WrapError(model.ErrCancelled, "embedding cancelled", ctx.Err())
			case <-time.After(backoff):
			}
		}

		batchCtx, cancel := context.WithTimeout(ctx, p.timeout)
		vectors, err = p.embedder.EmbedStrings(batchCtx, missing)
		cancel()
		if err == nil {
			break
		}
		if !isTransient(ctx, err) {
			return nil, model.WrapError(model.ErrEmbeddingFailed, "embedding failed", err)
		}
	}
	if err != nil {
		return nil, model.WrapError(model.ErrEmbeddingFailed,
			fmt.Sprintf("embedding failed after %d attempts", maxAttempts), err)
	}
	if len(vectors) != len(missing) {
		return nil, model.NewError(model.ErrEmbeddingFailed,
			fmt.Sprintf("vector count mismatch: expected %d, got %d", len(missing), len(vectors)))
	}

	for i, vec := range vectors {
		if p.dimension > 0 && len(vec) != p.dimension {
			return nil, model.NewError(model.ErrEmbeddingFailed,
				fmt.Sprintf("dimension mismatch: expected %d, got %d", p.dimension, len(vec)))
		}
		normalized := normalize(vec)
		cached[missingIdx[i]] = normalized
		p.storeCache(ctx, missing[i], normalized)
	}
	return cached, nil
}

// lookupCache 查缓存，返回 (结果槽位, 未命中文本, 未命中下标)
func (p *Provider) lookupCache(ctx context.Context, texts []string) ([][]float32, []string, []int) {
	result := make([][]float32, len(texts))
	if p.cache == nil || !p.deterministic {
		idx := make([]int, len(texts))
		for i := range texts {
			idx[i] = i
		}
		return result, texts, idx
	}

	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if vec, ok := p.cache.Get(ctx, p.modelID, text); ok {
			result[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	return result, missing, missingIdx
}

func (p *Provider) storeCache(ctx context.Context, text string, vec []float32) {
	if p.cache == nil || !p.deterministic {
		return
	}
	p.cache.Set(ctx, p.modelID, text, vec)
}

// isTransient 判断错误是否可重试
// 上层取消与明确的客户端错误不重试
func isTransient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, permanent := range []string{"invalid api key", "unauthorized", "model not found", "400", "401", "403", "404"} {
		if strings.Contains(msg, permanent) {
			return false
		}
	}
	return true
}

// normalize float64 向量转 float32 并做 L2 归一化
func normalize(vec []float64) []float32 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}

	out := make([]float32, len(vec))
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}
