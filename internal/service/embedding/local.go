package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// LocalEmbedder 内置的确定性向量化实现
// 不依赖外部服务，将词条哈希到固定维度的词袋向量，
// 用于默认离线部署与测试
type LocalEmbedder struct {
	dimension int
}

// NewLocalEmbedder 创建本地向量化器
func NewLocalEmbedder(dimension int) *LocalEmbedder {
	if dimension <= 0 {
		dimension = 256
	}
	return &LocalEmbedder{dimension: dimension}
}

// Dimension 向量维度
func (e *LocalEmbedder) Dimension() int {
	return e.dimension
}

// EmbedStrings 向量化一组文本
func (e *LocalEmbedder) EmbedStrings(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = e.embed(text)
	}
	return vectors, nil
}

// embed 词袋哈希：词条及相邻词对各记一票，落入两个桶抵御碰撞
func (e *LocalEmbedder) embed(text string) []float64 {
	vec := make([]float64, e.dimension)
	terms := tokenizeTerms(text)

	for i, term := range terms {
		e.bump(vec, term, 1.0)
		if i+1 < len(terms) {
			e.bump(vec, term+" "+terms[i+1], 0.5)
		}
	}
	return vec
}

func (e *LocalEmbedder) bump(vec []float64, term string, weight float64) {
	h := fnv.New64a()
	h.Write([]byte(term))
	sum := h.Sum64()

	vec[sum%uint64(e.dimension)] += weight
	// 第二个独立桶：符号由高位决定
	second := (sum >> 17) % uint64(e.dimension)
	if sum&(1<<63) != 0 {
		vec[second] -= weight
	} else {
		vec[second] += weight
	}
}

// tokenizeTerms 小写化并按非字母数字切分
func tokenizeTerms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
