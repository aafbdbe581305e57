// Package file 提供知识库原始文件的本地存储
package file

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashwinyue/kbhub/internal/repository"
)

// Storage 本地 blob 存储
// 每个文档以 blobs/<doc-id><ext> 落盘，写入一次后不再修改
type Storage struct {
	store *repository.Store
}

// NewStorage 创建本地存储服务
func NewStorage(store *repository.Store) *Storage {
	return &Storage{store: store}
}

// Put 保存上传内容，返回相对知识库目录的存储路径
func (s *Storage) Put(ctx context.Context, kbID, docID, fileName string, r io.Reader) (string, int64, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	relativePath := filepath.Join("blobs", docID+ext)
	fullPath := filepath.Join(s.store.KBDir(kbID), relativePath)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create blob directory: %w", err)
	}

	f, err := os.Create(fullPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create blob: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		os.Remove(fullPath)
		return "", 0, fmt.Errorf("failed to write blob: %w", err)
	}

	return relativePath, size, nil
}

// Open 打开已存储的文件
func (s *Storage) Open(ctx context.Context, kbID, relativePath string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.store.KBDir(kbID), relativePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Delete 删除存储的文件
func (s *Storage) Delete(ctx context.Context, kbID, relativePath string) error {
	fullPath := filepath.Join(s.store.KBDir(kbID), relativePath)
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// SweepOrphans 删除没有对应文档元数据的 blob（启动自愈）
func (s *Storage) SweepOrphans(kbID string, keep map[string]bool) error {
	blobDir := s.store.BlobDir(kbID)
	entries, err := os.ReadDir(blobDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to scan blobs: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		rel := filepath.Join("blobs", entry.Name())
		if keep[rel] {
			continue
		}
		if err := os.Remove(filepath.Join(blobDir, entry.Name())); err != nil {
			log.Printf("Warning: failed to remove orphaned blob %s: %v", rel, err)
			continue
		}
		log.Printf("Removed orphaned blob %s in kb %s", rel, kbID)
	}
	return nil
}
