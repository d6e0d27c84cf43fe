package chunkstore

import (
	"context"
	"time"

	"rag-core/internal/pipeline/common"
)

// Store 切片存储接口：按指纹去重写入，按向量相似度检索
type Store interface {
	// Upsert 按指纹写入切片。指纹已存在时更新 updated_at 并保留原切片，
	// 返回 created=false；否则插入新切片，返回 created=true。
	Upsert(ctx context.Context, chunk *Chunk) (created bool, err error)
	// Search 按余弦相似度检索。threshold 作用在基础相似度得分上，
	// limit 限制返回条数，CandidateCount 为阈值过滤前的候选数。
	Search(ctx context.Context, query []float64, opts *SearchOptions) (*SearchOutput, error)
	// GetByDocument 返回文档的全部切片，按 Index 升序
	GetByDocument(ctx context.Context, documentID string) ([]*Chunk, error)
	// DeleteByDocument 删除文档的全部切片
	DeleteByDocument(ctx context.Context, documentID string) error
	// Count 统计切片数量
	Count(ctx context.Context, collectionID string) (int64, error)
	// Close 关闭存储连接
	Close() error
}

// Chunk 存储层切片。检索常用的文档属性（集合、分类、标签、语言、文档时间）
// 冗余到切片上，过滤时不用回查元数据存储。
type Chunk struct {
	ID           string                 `json:"id"`
	DocumentID   string                 `json:"document_id"`
	CollectionID string                 `json:"collection_id"`
	Index        int                    `json:"index"`
	Content      string                 `json:"content"`
	Type         common.ChunkType       `json:"type"`
	TokenCount   int                    `json:"token_count"`
	Confidence   float64                `json:"confidence"`
	Fingerprint  string                 `json:"fingerprint"`
	Embedding    []float64              `json:"embedding"`
	Category     string                 `json:"category,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
	Language     string                 `json:"language,omitempty"`
	DocCreatedAt time.Time              `json:"doc_created_at"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// SearchOptions 检索选项
type SearchOptions struct {
	Query         string             `json:"query"`          // 原始查询文本，自行向量化的后端使用
	CollectionID  string             `json:"collection_id"`  // 集合过滤，为空不过滤
	DocumentIDs   []string           `json:"document_ids"`   // 文档过滤
	Types         []common.ChunkType `json:"types"`          // 切片类型过滤
	Category      string             `json:"category"`       // 分类过滤
	Tags          []string           `json:"tags"`           // 标签过滤（全部命中）
	Language      string             `json:"language"`       // 语言过滤
	CreatedAfter  *time.Time         `json:"created_after"`  // 所属文档创建时间下界（含）
	CreatedBefore *time.Time         `json:"created_before"` // 所属文档创建时间上界（含）
	Threshold     float64            `json:"threshold"`      // 相似度阈值 [0,1]
	Limit         int                `json:"limit"`          // 返回条数上限
}

// SearchResult 单条检索结果
type SearchResult struct {
	Chunk *Chunk  `json:"chunk"`
	Score float64 `json:"score"` // 归一化相似度 [0,1]
}

// SearchOutput 检索输出
type SearchOutput struct {
	Results        []*SearchResult `json:"results"`
	CandidateCount int             `json:"candidate_count"` // 阈值过滤前的候选数
}
