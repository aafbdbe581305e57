package index

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/ashwinyue/kbhub/internal/model"
)

// LexicalHit BM25 检索命中
type LexicalHit struct {
	ChunkID string
	DocID   string
	Score   float64
}

// lexicalEntry 单个分块的词法统计
type lexicalEntry struct {
	DocID  string
	Length int
	Terms  map[string]int
}

// lexicalSnapshot gob 持久化形态
type lexicalSnapshot struct {
	Version int
	Entries map[string]lexicalEntry
}

// LexicalIndex 倒排 BM25 索引
// 与向量索引覆盖同一分块集合；k1/b 是查询期参数，由知识库配置传入
type LexicalIndex struct {
	mu   sync.RWMutex
	path string

	entries  map[string]*lexicalEntry  // chunkID -> 统计
	postings map[string]map[string]int // term -> chunkID -> 词频
	totalLen int
}

// OpenLexicalIndex 打开或新建 BM25 索引
func OpenLexicalIndex(path string) (*LexicalIndex, error) {
	idx := &LexicalIndex{
		path:     path,
		entries:  make(map[string]*lexicalEntry),
		postings: make(map[string]map[string]int),
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, model.WrapError(model.ErrStorageFailed, "failed to open lexical index", err)
	}
	defer f.Close()

	var snap lexicalSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, model.WrapError(model.ErrIndexCorrupt, fmt.Sprintf("corrupt lexical index %s", path), err)
	}

	for chunkID, entry := range snap.Entries {
		e := entry
		idx.insertLocked(chunkID, &e)
	}
	return idx, nil
}

// Len 索引的分块数
func (idx *LexicalIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Add 索引一个分块的文本
func (idx *LexicalIndex) Add(chunkID, docID, text string) {
	terms := Tokenize(text)
	counts := make(map[string]int, len(terms))
	for _, t := range terms {
		counts[t]++
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.insertLocked(chunkID, &lexicalEntry{
		DocID:  docID,
		Length: len(terms),
		Terms:  counts,
	})
}

// insertLocked 挂接统计与倒排，调用方持写锁
func (idx *LexicalIndex) insertLocked(chunkID string, entry *lexicalEntry) {
	if old, ok := idx.entries[chunkID]; ok {
		idx.removeLocked(chunkID, old)
	}
	idx.entries[chunkID] = entry
	idx.totalLen += entry.Length
	for term, tf := range entry.Terms {
		posting, ok := idx.postings[term]
		if !ok {
			posting = make(map[string]int)
			idx.postings[term] = posting
		}
		posting[chunkID] = tf
	}
}

// DeleteByDocument 删除文档的全部分块，返回删除数量
func (idx *LexicalIndex) DeleteByDocument(docID string) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	removed := 0
	for chunkID, entry := range idx.entries {
		if entry.DocID == docID {
			idx.removeLocked(chunkID, entry)
			removed++
		}
	}
	return removed
}

func (idx *LexicalIndex) removeLocked(chunkID string, entry *lexicalEntry) {
	delete(idx.entries, chunkID)
	idx.totalLen -= entry.Length
	for term := range entry.Terms {
		if posting, ok := idx.postings[term]; ok {
			delete(posting, chunkID)
			if len(posting) == 0 {
				delete(idx.postings, term)
			}
		}
	}
}

// Search BM25 top-k
func (idx *LexicalIndex) Search(query string, k int, k1, b float64) []LexicalHit {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := len(idx.entries)
	if n == 0 {
		return nil
	}
	avgLen := float64(idx.totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	scores := make(map[string]float64)
	seen := make(map[string]bool, len(terms))
	for _, term := range terms {
		if seen[term] {
			continue
		}
		seen[term] = true

		posting, ok := idx.postings[term]
		if !ok {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(len(posting))+0.5)/(float64(len(posting))+0.5))
		for chunkID, tf := range posting {
			entry := idx.entries[chunkID]
			norm := float64(tf) * (k1 + 1) /
				(float64(tf) + k1*(1-b+b*float64(entry.Length)/avgLen))
			scores[chunkID] += idf * norm
		}
	}

	hits := make([]LexicalHit, 0, len(scores))
	for chunkID, score := range scores {
		hits = append(hits, LexicalHit{
			ChunkID: chunkID,
			DocID:   idx.entries[chunkID].DocID,
			Score:   score,
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
	return hits
}

// Save 原子持久化
func (idx *LexicalIndex) Save() error {
	idx.mu.RLock()
	snap := lexicalSnapshot{
		Version: 1,
		Entries: make(map[string]lexicalEntry, len(idx.entries)),
	}
	for chunkID, entry := range idx.entries {
		snap.Entries[chunkID] = *entry
	}
	path := idx.path
	idx.mu.RUnlock()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return model.WrapError(model.ErrStorageFailed, "failed to create index file", err)
	}
	if err := gob.NewEncoder(f).Encode(&snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return model.WrapError(model.ErrStorageFailed, "failed to write index file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return model.WrapError(model.ErrStorageFailed, "failed to close index file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return model.WrapError(model.ErrStorageFailed, "failed to replace index file", err)
	}
	return nil
}

// Rename 原子改名底层文件（影子索引切换用）
func (idx *LexicalIndex) Rename(newPath string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, err := os.Stat(idx.path); err == nil {
		if err := os.Rename(idx.path, newPath); err != nil {
			return model.WrapError(model.ErrStorageFailed, "failed to rename lexical index", err)
		}
	}
	idx.path = newPath
	return nil
}

// Path 当前文件路径
func (idx *LexicalIndex) Path() string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.path
}

// Tokenize 大小写折叠、去标点的分词，不做词干化
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
