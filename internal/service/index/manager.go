package index

import (
	"log"
	"os"
	"sync"

	"github.com/ashwinyue/kbhub/internal/repository"
)

// Pair 一个知识库的向量索引 + 词法索引
type Pair struct {
	Vector  *VectorIndex
	Lexical *LexicalIndex
}

// Save 持久化两个索引
func (p *Pair) Save() error {
	if err := p.Vector.Save(); err != nil {
		return err
	}
	return p.Lexical.Save()
}

// Manager 按知识库缓存索引对
// 查询方持有 Pair 指针读取快照；切换只替换缓存项，
// 旧索引待在途读者释放后由 GC 回收
type Manager struct {
	store *repository.Store

	mu    sync.Mutex
	pairs map[string]*Pair
}

// NewManager 创建索引管理器
func NewManager(store *repository.Store) *Manager {
	return &Manager{
		store: store,
		pairs: make(map[string]*Pair),
	}
}

// Get 获取知识库索引对
// 文件缺失时返回空索引；文件损坏或模型不符时另置 needRebuild，由知识库服务从元数据重建
func (m *Manager) Get(kbID string, dimension int, modelID string) (*Pair, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pair, ok := m.pairs[kbID]; ok {
		return pair, false, nil
	}

	needRebuild := false

	vecPath := m.store.VectorIndexPath(kbID)
	vector, err := OpenVectorIndex(vecPath, dimension, modelID)
	if err != nil {
		log.Printf("Warning: vector index for kb %s unreadable, rebuilding: %v", kbID, err)
		os.Remove(vecPath)
		needRebuild = true
		if vector, err = OpenVectorIndex(vecPath, dimension, modelID); err != nil {
			return nil, false, err
		}
	}

	lexPath := m.store.LexicalIndexPath(kbID)
	lexical, err := OpenLexicalIndex(lexPath)
	if err != nil {
		log.Printf("Warning: lexical index for kb %s unreadable, rebuilding: %v", kbID, err)
		os.Remove(lexPath)
		needRebuild = true
		if lexical, err = OpenLexicalIndex(lexPath); err != nil {
			return nil, false, err
		}
	}

	// 模型切换后残留的旧向量视为待重建
	if !needRebuild && vector.Len() > 0 && vector.ModelID() != modelID {
		needRebuild = true
	}

	pair := &Pair{Vector: vector, Lexical: lexical}
	m.pairs[kbID] = pair
	return pair, needRebuild, nil
}

// NewShadow 创建影子索引对（临时文件名）
func (m *Manager) NewShadow(kbID string, dimension int, modelID string) (*Pair, error) {
	vecPath := m.store.VectorIndexPath(kbID) + ".shadow"
	lexPath := m.store.LexicalIndexPath(kbID) + ".shadow"
	os.Remove(vecPath)
	os.Remove(lexPath)

	vector, err := OpenVectorIndex(vecPath, dimension, modelID)
	if err != nil {
		return nil, err
	}
	lexical, err := OpenLexicalIndex(lexPath)
	if err != nil {
		return nil, err
	}
	return &Pair{Vector: vector, Lexical: lexical}, nil
}

// Swap 影子转正：rename 覆盖正式文件并替换缓存
// 在途查询继续使用旧 Pair 的内存快照
func (m *Manager) Swap(kbID string, shadow *Pair) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := shadow.Vector.Rename(m.store.VectorIndexPath(kbID)); err != nil {
		return err
	}
	if err := shadow.Lexical.Rename(m.store.LexicalIndexPath(kbID)); err != nil {
		return err
	}
	m.pairs[kbID] = shadow
	return nil
}

// DiscardShadow 丢弃失败的影子索引
func (m *Manager) DiscardShadow(shadow *Pair) {
	if shadow == nil {
		return
	}
	os.Remove(shadow.Vector.Path())
	os.Remove(shadow.Lexical.Path())
}

// Remove 从缓存移除知识库（目录删除时调用）
func (m *Manager) Remove(kbID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pairs, kbID)
}
