package model

import "time"

// 文档处理状态
const (
	DocStatusPending    = "pending"
	DocStatusExtracting = "extracting"
	DocStatusEmbedding  = "embedding"
	DocStatusReady      = "ready"
	DocStatusFailed     = "failed"
)

// 文档格式标签
const (
	FormatText  = "text"
	FormatPDF   = "pdf"
	FormatDocx  = "docx"
	FormatHTML  = "html"
	FormatImage = "image"
	FormatOther = "other"
)

// KnowledgeBase 知识库
// 每个知识库独占一个 meta.db，该表只有一行
type KnowledgeBase struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	Name        string    `json:"name" gorm:"size:100"`
	Description string    `json:"description" gorm:"type:text"`
	Generation  int64     `json:"generation" gorm:"default:0"` // 每次成功重建索引递增
	Degraded    bool      `json:"degraded" gorm:"default:false"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	// 检索配置，嵌入存储
	Config KBConfig `json:"config" gorm:"embedded;embeddedPrefix:cfg_"`
}

// KBConfig 知识库配置
// 修改 EmbedModel/ChunkSize/ChunkOverlap/OverlapEnabled 需要全量重建索引，
// 其余参数即时生效
type KBConfig struct {
	EmbedModel     string  `json:"embedding_model" gorm:"size:100"`
	ChunkSize      int     `json:"chunk_size" gorm:"default:500"`
	ChunkOverlap   int     `json:"chunk_overlap" gorm:"default:50"`
	OverlapEnabled bool    `json:"overlap_enabled" gorm:"default:true"`
	HybridSearch   bool    `json:"hybrid_search" gorm:"default:true"`
	HybridAlpha    float64 `json:"hybrid_alpha" gorm:"default:0.5"`
	BM25K1         float64 `json:"bm25_k1" gorm:"default:1.5"`
	BM25B          float64 `json:"bm25_b" gorm:"default:0.75"`
}

// NeedsReindex 判断配置变更是否使已有向量失效
func (c KBConfig) NeedsReindex(next KBConfig) bool {
	return c.EmbedModel != next.EmbedModel ||
		c.ChunkSize != next.ChunkSize ||
		c.ChunkOverlap != next.ChunkOverlap ||
		c.OverlapEnabled != next.OverlapEnabled
}

// DefaultKBConfig 默认知识库配置
func DefaultKBConfig(embedModel string) KBConfig {
	return KBConfig{
		EmbedModel:     embedModel,
		ChunkSize:      500,
		ChunkOverlap:   50,
		OverlapEnabled: true,
		HybridSearch:   true,
		HybridAlpha:    0.5,
		BM25K1:         1.5,
		BM25B:          0.75,
	}
}

// Document 文档
type Document struct {
	ID              string    `json:"id" gorm:"primaryKey;size:36"`
	KnowledgeBaseID string    `json:"kb_id" gorm:"index;size:36"`
	FileName        string    `json:"filename" gorm:"size:255"`
	StoredPath      string    `json:"stored_path" gorm:"size:500"`
	Format          string    `json:"format" gorm:"size:20"`
	FileSize        int64     `json:"file_size" gorm:"default:0"`
	Status          string    `json:"status" gorm:"size:20;index;default:pending"`
	ChunkCount      int       `json:"chunk_count" gorm:"default:0"`
	ErrorMsg        string    `json:"error_msg" gorm:"type:text"`
	CreatedAt       time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// DocumentChunk 文档分块
// 同一文档内 ChunkIndex 从 0 连续递增，无空洞
type DocumentChunk struct {
	ID         string    `json:"id" gorm:"primaryKey;size:36"`
	DocumentID string    `json:"document_id" gorm:"index;size:36"`
	ChunkIndex int       `json:"chunk_index" gorm:"index"`
	Content    string    `json:"content" gorm:"type:text"`
	TokenCount int       `json:"token_count" gorm:"default:0"`
	Page       int       `json:"page,omitempty" gorm:"default:0"`      // 来源页码，0 表示未知
	Paragraph  int       `json:"paragraph,omitempty" gorm:"default:0"` // 来源段落，0 表示未知
	EmbedModel string    `json:"embed_model" gorm:"size:100;index"`    // 向量化时使用的模型
	Generation int64     `json:"generation" gorm:"index;default:0"`    // 所属索引代次
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// KBStats 知识库统计
type KBStats struct {
	KnowledgeBaseID string         `json:"kb_id"`
	Name            string         `json:"name"`
	FileCount       int            `json:"file_count"`
	TotalSize       int64          `json:"total_size"`
	TotalChunks     int64          `json:"total_chunks"`
	FileTypes       map[string]int `json:"file_types"`
	Generation      int64          `json:"generation"`
	CreatedAt       time.Time      `json:"created_at"`
}

func (KnowledgeBase) TableName() string {
	return "knowledge_bases"
}

func (Document) TableName() string {
	return "documents"
}

func (DocumentChunk) TableName() string {
	return "document_chunks"
}
