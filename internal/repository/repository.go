// Package repository 提供知识库的持久化访问
// 每个知识库独占一个目录：blobs/ + meta.db + vector.idx + lexical.idx
package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ashwinyue/kbhub/internal/model"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const kbDirName = "knowledge-bases"

// Store 数据根目录管理
// 按需打开每个知识库的 meta.db 并缓存连接
type Store struct {
	root string

	mu  sync.Mutex
	dbs map[string]*gorm.DB
}

// NewStore 创建数据存储
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, kbDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "logs"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs dir: %w", err)
	}
	return &Store{
		root: root,
		dbs:  make(map[string]*gorm.DB),
	}, nil
}

// Root 数据根目录
func (s *Store) Root() string {
	return s.root
}

// KBDir 知识库目录
func (s *Store) KBDir(kbID string) string {
	return filepath.Join(s.root, kbDirName, kbID)
}

// BlobDir 原始文件目录
func (s *Store) BlobDir(kbID string) string {
	return filepath.Join(s.KBDir(kbID), "blobs")
}

// VectorIndexPath 向量索引文件路径
func (s *Store) VectorIndexPath(kbID string) string {
	return filepath.Join(s.KBDir(kbID), "vector.idx")
}

// LexicalIndexPath BM25 索引文件路径
func (s *Store) LexicalIndexPath(kbID string) string {
	return filepath.Join(s.KBDir(kbID), "lexical.idx")
}

// ToolServersPath tool-servers.json 路径
func (s *Store) ToolServersPath() string {
	return filepath.Join(s.root, "tool-servers.json")
}

// Exists 知识库目录是否存在
func (s *Store) Exists(kbID string) bool {
	_, err := os.Stat(filepath.Join(s.KBDir(kbID), "meta.db"))
	return err == nil
}

// ListKBIDs 扫描数据根目录获取全部知识库 ID
func (s *Store) ListKBIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, kbDirName))
	if err != nil {
		return nil, fmt.Errorf("failed to scan knowledge bases: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if s.Exists(entry.Name()) {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// Open 打开知识库的 meta.db，必要时建表
func (s *Store) Open(kbID string) (*gorm.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.dbs[kbID]; ok {
		return db, nil
	}

	if err := os.MkdirAll(s.BlobDir(kbID), 0755); err != nil {
		return nil, fmt.Errorf("failed to create kb directory: %w", err)
	}

	dsn := filepath.Join(s.KBDir(kbID), "meta.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open meta.db: %w", err)
	}

	if err := db.AutoMigrate(model.AllModels...); err != nil {
		return nil, fmt.Errorf("failed to migrate meta.db: %w", err)
	}

	s.dbs[kbID] = db
	return db, nil
}

// CloseKB 关闭并移除缓存的连接
func (s *Store) CloseKB(kbID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.dbs[kbID]; ok {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
		delete(s.dbs, kbID)
	}
}

// RemoveKB 关闭连接并删除知识库目录（blob、元数据、两个索引）
func (s *Store) RemoveKB(kbID string) error {
	s.CloseKB(kbID)
	if err := os.RemoveAll(s.KBDir(kbID)); err != nil {
		return fmt.Errorf("failed to remove kb directory: %w", err)
	}
	return nil
}

// Close 关闭所有打开的连接
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, db := range s.dbs {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
		delete(s.dbs, id)
	}
}

// Repositories 仓库集合
type Repositories struct {
	Store     *Store
	Knowledge *KnowledgeRepository
}

// NewRepositories 创建所有仓库
func NewRepositories(store *Store) *Repositories {
	return &Repositories{
		Store:     store,
		Knowledge: NewKnowledgeRepository(store),
	}
}
