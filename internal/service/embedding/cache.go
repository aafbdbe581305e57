package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"log"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheTTL = 7 * 24 * time.Hour

// Cache Redis 向量缓存
// 仅缓存确定性模型的结果，键为 模型+文本 的摘要
type Cache struct {
	client *redis.Client
}

// NewCache 创建向量缓存
func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func cacheKey(modelID, text string) string {
	sum := sha256.Sum256([]byte(modelID + "\x00" + text))
	return "kbhub:emb:" + hex.EncodeToString(sum[:])
}

// Get 查询缓存
func (c *Cache) Get(ctx context.Context, modelID, text string) ([]float32, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	raw, err := c.client.Get(ctx, cacheKey(modelID, text)).Bytes()
	if err != nil || len(raw)%4 != 0 || len(raw) == 0 {
		return nil, false
	}

	vec := make([]float32, len(raw)/4)
	for i := range vec {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		vec[i] = math.Float32frombits(bits)
	}
	return vec, true
}

// Set 写入缓存，失败仅忽略
func (c *Cache) Set(ctx context.Context, modelID, text string, vec []float32) {
	if c == nil || c.client == nil {
		return
	}

	raw := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	if err := c.client.Set(ctx, cacheKey(modelID, text), raw, cacheTTL).Err(); err != nil {
		// 缓存不可用不影响主流程
		log.Printf("Warning: embedding cache set failed: %v", err)
	}
}
