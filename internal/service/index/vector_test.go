// Package index 向量索引单元测试
package index

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashwinyue/kbhub/internal/model"
)

const testModel = "kbhub-minilm-256"

// unit 构造归一化测试向量
func unit(dim int, values ...float32) []float32 {
	vec := make([]float32, dim)
	copy(vec, values)
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func newTestVectorIndex(t *testing.T) *VectorIndex {
	t.Helper()
	idx, err := OpenVectorIndex(filepath.Join(t.TempDir(), "vector.idx"), 4, testModel)
	if err != nil {
		t.Fatalf("OpenVectorIndex failed: %v", err)
	}
	return idx
}

// ========== 增删查 ==========

func TestVectorIndex_AddAndSearch(t *testing.T) {
	idx := newTestVectorIndex(t)

	idx.Add("c1", "d1", unit(4, 1, 0, 0, 0))
	idx.Add("c2", "d1", unit(4, 0, 1, 0, 0))
	idx.Add("c3", "d2", unit(4, 1, 1, 0, 0))

	hits, err := idx.Search(unit(4, 1, 0, 0, 0), 2)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("len(hits) = %d, want 2", len(hits))
	}
	if hits[0].ChunkID != "c1" {
		t.Errorf("hits[0] = %s, want c1", hits[0].ChunkID)
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("scores not descending: %v then %v", hits[0].Score, hits[1].Score)
	}
}

func TestVectorIndex_TieBreakByChunkID(t *testing.T) {
	idx := newTestVectorIndex(t)

	// 相同向量，分数并列
	idx.Add("zz", "d1", unit(4, 1, 0, 0, 0))
	idx.Add("aa", "d1", unit(4, 1, 0, 0, 0))

	hits, err := idx.Search(unit(4, 1, 0, 0, 0), 2)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if hits[0].ChunkID != "aa" || hits[1].ChunkID != "zz" {
		t.Errorf("tie order = [%s %s], want [aa zz]", hits[0].ChunkID, hits[1].ChunkID)
	}
}

func TestVectorIndex_DeleteByDocument(t *testing.T) {
	idx := newTestVectorIndex(t)

	idx.Add("c1", "d1", unit(4, 1, 0, 0, 0))
	idx.Add("c2", "d2", unit(4, 1, 0, 0, 0))

	if removed := idx.DeleteByDocument("d1"); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if idx.Len() != 1 {
		t.Errorf("Len = %d, want 1", idx.Len())
	}

	hits, _ := idx.Search(unit(4, 1, 0, 0, 0), 10)
	for _, h := range hits {
		if h.DocID == "d1" {
			t.Errorf("deleted document d1 still in results: %v", h)
		}
	}
}

func TestVectorIndex_DimensionMismatch(t *testing.T) {
	idx := newTestVectorIndex(t)

	if err := idx.Add("c1", "d1", []float32{1, 0}); err == nil {
		t.Error("Add with wrong dimension should fail")
	}
	if _, err := idx.Search([]float32{1, 0}, 5); err == nil {
		t.Error("Search with wrong dimension should fail")
	}
}

// ========== 持久化 ==========

func TestVectorIndex_PersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vector.idx")

	idx, err := OpenVectorIndex(path, 4, testModel)
	if err != nil {
		t.Fatalf("OpenVectorIndex failed: %v", err)
	}
	idx.Add("c1", "d1", unit(4, 1, 0, 0, 0))
	idx.Add("c2", "d2", unit(4, 0, 1, 0, 0))
	idx.DeleteByDocument("d2")
	if err := idx.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded, err := OpenVectorIndex(path, 4, testModel)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Len() != 1 {
		t.Errorf("reloaded Len = %d, want 1", reloaded.Len())
	}
	if reloaded.ModelID() != testModel {
		t.Errorf("ModelID = %q, want %q", reloaded.ModelID(), testModel)
	}

	hits, err := reloaded.Search(unit(4, 1, 0, 0, 0), 5)
	if err != nil {
		t.Fatalf("Search after reload failed: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != "c1" {
		t.Errorf("hits after reload = %v, want single c1", hits)
	}
}

func TestVectorIndex_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vector.idx")
	if err := os.WriteFile(path, []byte("not an index"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := OpenVectorIndex(path, 4, testModel)
	if err == nil {
		t.Fatal("OpenVectorIndex on corrupt file should fail")
	}
	if model.KindOf(err) != model.ErrIndexCorrupt {
		t.Errorf("error kind = %s, want index_corrupt", model.KindOf(err))
	}
}

func TestVectorIndex_Rename(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "vector.idx.shadow")
	newPath := filepath.Join(dir, "vector.idx")

	idx, err := OpenVectorIndex(oldPath, 4, testModel)
	if err != nil {
		t.Fatal(err)
	}
	idx.Add("c1", "d1", unit(4, 1, 0, 0, 0))
	if err := idx.Save(); err != nil {
		t.Fatal(err)
	}

	if err := idx.Rename(newPath); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Errorf("renamed file missing: %v", err)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("old file still present")
	}
	if idx.Path() != newPath {
		t.Errorf("Path = %q, want %q", idx.Path(), newPath)
	}
}

// ========== 压实 ==========

func TestVectorIndex_CompactOnSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vector.idx")
	idx, err := OpenVectorIndex(path, 4, testModel)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		docID := "keep"
		if i%2 == 0 {
			docID = "drop"
		}
		idx.Add(string(rune('a'+i)), docID, unit(4, 1, 0, 0, 0))
	}
	idx.DeleteByDocument("drop")
	if err := idx.Save(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := OpenVectorIndex(path, 4, testModel)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Len() != 5 {
		t.Errorf("Len after compact = %d, want 5", reloaded.Len())
	}
	// 压实后墓碑已清除
	if reloaded.dead != 0 {
		t.Errorf("dead = %d, want 0 after compaction", reloaded.dead)
	}
}
