// Package index 提供每个知识库独占的向量索引与 BM25 词法索引
// 两者都持久化为知识库目录下的单文件，随进程重启恢复
package index

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/ashwinyue/kbhub/internal/model"
)

const (
	vectorMagic   = "KBVI"
	vectorVersion = 1

	// 墓碑占比超过该值时写盘前压实
	compactThreshold = 0.25
)

// VectorHit 向量检索命中
type VectorHit struct {
	ChunkID string
	DocID   string
	Score   float64
}

// VectorIndex 平铺向量索引
// chunk 向量已 L2 归一化，余弦相似度即点积；
// 删除先打墓碑，压实在持久化时进行
type VectorIndex struct {
	mu        sync.RWMutex
	path      string
	dimension int
	modelID   string

	chunkIDs []string
	docIDs   []string
	vectors  [][]float32
	deleted  []bool
	dead     int
}

// OpenVectorIndex 打开或新建向量索引
// 文件损坏返回 index_corrupt，由上层从元数据重建
func OpenVectorIndex(path string, dimension int, modelID string) (*VectorIndex, error) {
	idx := &VectorIndex{
		path:      path,
		dimension: dimension,
		modelID:   modelID,
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, model.WrapError(model.ErrStorageFailed, "failed to open vector index", err)
	}
	defer f.Close()

	if err := idx.load(f); err != nil {
		return nil, model.WrapError(model.ErrIndexCorrupt, fmt.Sprintf("corrupt vector index %s", path), err)
	}
	return idx, nil
}

// ModelID 建索引时的模型
func (idx *VectorIndex) ModelID() string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.modelID
}

// Len 存活向量数
func (idx *VectorIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.chunkIDs) - idx.dead
}

// Add 追加一条向量
func (idx *VectorIndex) Add(chunkID, docID string, vec []float32) error {
	if len(vec) != idx.dimension {
		return model.NewError(model.ErrInvalidInput,
			fmt.Sprintf("vector dimension %d, index expects %d", len(vec), idx.dimension))
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.chunkIDs = append(idx.chunkIDs, chunkID)
	idx.docIDs = append(idx.docIDs, docID)
	idx.vectors = append(idx.vectors, vec)
	idx.deleted = append(idx.deleted, false)
	return nil
}

// DeleteByDocument 删除文档的全部向量，返回删除数量
func (idx *VectorIndex) DeleteByDocument(docID string) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	removed := 0
	for i, id := range idx.docIDs {
		if id == docID && !idx.deleted[i] {
			idx.deleted[i] = true
			idx.dead++
			removed++
		}
	}
	return removed
}

// Search 余弦 top-k，平分按 chunk id 升序
func (idx *VectorIndex) Search(q []float32, k int) ([]VectorHit, error) {
	if len(q) != idx.dimension {
		return nil, model.NewError(model.ErrInvalidInput,
			fmt.Sprintf("query dimension %d, index expects %d", len(q), idx.dimension))
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	hits := make([]VectorHit, 0, len(idx.chunkIDs)-idx.dead)
	for i, vec := range idx.vectors {
		if idx.deleted[i] {
			continue
		}
		var dot float64
		for j, v := range vec {
			dot += float64(v) * float64(q[j])
		}
		hits = append(hits, VectorHit{
			ChunkID: idx.chunkIDs[i],
			DocID:   idx.docIDs[i],
			Score:   dot,
		})
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].ChunkID < hits[b].ChunkID
	})

	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Save 原子持久化：写临时文件后 rename
func (idx *VectorIndex) Save() error {
	idx.mu.Lock()
	if len(idx.chunkIDs) > 0 && float64(idx.dead)/float64(len(idx.chunkIDs)) > compactThreshold {
		idx.compactLocked()
	}
	idx.mu.Unlock()

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	tmp := idx.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return model.WrapError(model.ErrStorageFailed, "failed to create index file", err)
	}
	if err := idx.dump(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return model.WrapError(model.ErrStorageFailed, "failed to write index file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return model.WrapError(model.ErrStorageFailed, "failed to close index file", err)
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		os.Remove(tmp)
		return model.WrapError(model.ErrStorageFailed, "failed to replace index file", err)
	}
	return nil
}

// Rename 原子改名底层文件（影子索引切换用）
func (idx *VectorIndex) Rename(newPath string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, err := os.Stat(idx.path); err == nil {
		if err := os.Rename(idx.path, newPath); err != nil {
			return model.WrapError(model.ErrStorageFailed, "failed to rename vector index", err)
		}
	}
	idx.path = newPath
	return nil
}

// Path 当前文件路径
func (idx *VectorIndex) Path() string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.path
}

// compactLocked 去除墓碑行，调用方持写锁
func (idx *VectorIndex) compactLocked() {
	n := len(idx.chunkIDs)
	chunkIDs := make([]string, 0, n-idx.dead)
	docIDs := make([]string, 0, n-idx.dead)
	vectors := make([][]float32, 0, n-idx.dead)

	for i := 0; i < n; i++ {
		if idx.deleted[i] {
			continue
		}
		chunkIDs = append(chunkIDs, idx.chunkIDs[i])
		docIDs = append(docIDs, idx.docIDs[i])
		vectors = append(vectors, idx.vectors[i])
	}

	idx.chunkIDs = chunkIDs
	idx.docIDs = docIDs
	idx.vectors = vectors
	idx.deleted = make([]bool, len(chunkIDs))
	idx.dead = 0
}

// ========== 持久化编解码 ==========

func (idx *VectorIndex) dump(w io.Writer) error {
	if _, err := w.Write([]byte(vectorMagic)); err != nil {
		return err
	}
	header := []uint32{vectorVersion, uint32(idx.dimension), uint32(len(idx.chunkIDs))}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if err := writeString(w, idx.modelID); err != nil {
		return err
	}

	for i := range idx.chunkIDs {
		if err := writeString(w, idx.chunkIDs[i]); err != nil {
			return err
		}
		if err := writeString(w, idx.docIDs[i]); err != nil {
			return err
		}
		var tomb byte
		if idx.deleted[i] {
			tomb = 1
		}
		if _, err := w.Write([]byte{tomb}); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, idx.vectors[i]); err != nil {
			return err
		}
	}
	return nil
}

func (idx *VectorIndex) load(r io.Reader) error {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return err
	}
	if string(magic) != vectorMagic {
		return fmt.Errorf("bad magic %q", magic)
	}

	var version, dimension, count uint32
	for _, p := range []*uint32{&version, &dimension, &count} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return err
		}
	}
	if version != vectorVersion {
		return fmt.Errorf("unsupported version %d", version)
	}

	modelID, err := readString(r)
	if err != nil {
		return err
	}
	if idx.dimension > 0 && int(dimension) != idx.dimension {
		// 模型变更后的陈旧索引视同损坏，触发重建
		return fmt.Errorf("dimension %d does not match expected %d", dimension, idx.dimension)
	}
	idx.dimension = int(dimension)
	idx.modelID = modelID

	for i := uint32(0); i < count; i++ {
		chunkID, err := readString(r)
		if err != nil {
			return err
		}
		docID, err := readString(r)
		if err != nil {
			return err
		}
		tomb := make([]byte, 1)
		if _, err := io.ReadFull(r, tomb); err != nil {
			return err
		}
		vec := make([]float32, dimension)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return err
		}

		idx.chunkIDs = append(idx.chunkIDs, chunkID)
		idx.docIDs = append(idx.docIDs, docID)
		idx.vectors = append(idx.vectors, vec)
		deleted := tomb[0] == 1
		idx.deleted = append(idx.deleted, deleted)
		if deleted {
			idx.dead++
		}
	}
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > 1<<20 {
		return "", fmt.Errorf("string length %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
