package metadata

import (
	"context"
	"encoding/json"
	"time"

	"rag-core/internal/pipeline/common"
)

// Status 文档处理状态
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Store 元数据存储接口
type Store interface {
	// Create 创建文档元数据
	Create(ctx context.Context, doc *Document) error
	// Get 根据 ID 获取文档元数据
	Get(ctx context.Context, id string) (*Document, error)
	// Update 更新文档元数据
	Update(ctx context.Context, doc *Document) error
	// Delete 根据 ID 删除文档元数据
	Delete(ctx context.Context, id string) error
	// List 列出文档元数据
	List(ctx context.Context, filter *Filter, pagination *Pagination) ([]*Document, error)
	// Count 统计文档数量
	Count(ctx context.Context, filter *Filter) (int64, error)

	// ClaimProcessing 原子地把文档置为 processing。
	// 只允许从 uploaded / failed 进入；processing 返回 ErrAlreadyProcessing，
	// completed 返回 ErrAlreadyCompleted。force 放开后两个限制，
	// 用于重新处理与接管残留的运行。
	ClaimProcessing(ctx context.Context, id string, force bool) (*Document, error)
	// SetStatus 更新状态与进度
	SetStatus(ctx context.Context, id string, status Status, progress int) error
	// AppendLog 追加一条处理日志到文档元数据
	AppendLog(ctx context.Context, id string, entry common.ProcessingLogEntry) error
	// MergeMetadata 合并键值到文档元数据（浅合并，同名覆盖）
	MergeMetadata(ctx context.Context, id string, values map[string]interface{}) error

	// Close 关闭存储连接
	Close() error
}

// Document 文档元数据
type Document struct {
	ID           string                 `json:"id"`            // 文档唯一标识
	OrgID        string                 `json:"org_id"`        // 所属组织
	CollectionID string                 `json:"collection_id"` // 所属集合
	Name         string                 `json:"name"`          // 文档名称
	MediaType    string                 `json:"media_type"`    // 媒体类型
	Size         int64                  `json:"size"`          // 文档大小（字节）
	Path         string                 `json:"path"`          // 本地文件路径
	Status       Status                 `json:"status"`        // 处理状态
	Progress     int                    `json:"progress"`      // 处理进度 0-100
	ChunkCount   int                    `json:"chunk_count"`   // 切片数量
	VectorCount  int                    `json:"vector_count"`  // 成功向量化的切片数量
	Metadata     map[string]interface{} `json:"metadata"`      // 额外元数据（含 processing_log / vector_processed）
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// ProcessingLog 从元数据中读取处理日志。
// 经过 JSONB 往返后日志是 []interface{}，统一走一次序列化转回强类型。
func (d *Document) ProcessingLog() []common.ProcessingLogEntry {
	if d.Metadata == nil {
		return nil
	}
	raw, ok := d.Metadata["processing_log"]
	if !ok {
		return nil
	}
	if entries, ok := raw.([]common.ProcessingLogEntry); ok {
		return entries
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var entries []common.ProcessingLogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	return entries
}

// VectorProcessed 向量是否全部成功写入
func (d *Document) VectorProcessed() bool {
	if d.Metadata == nil {
		return false
	}
	v, ok := d.Metadata["vector_processed"].(bool)
	return ok && v
}

// Filter 过滤条件
type Filter struct {
	IDs          []string `json:"ids"`           // 文档 ID 列表
	OrgID        string   `json:"org_id"`        // 所属组织
	CollectionID string   `json:"collection_id"` // 所属集合
	MediaTypes   []string `json:"media_types"`   // 媒体类型列表
	Status       []Status `json:"status"`        // 状态列表
	Search       string   `json:"search"`        // 名称模糊搜索
}

// Pagination 分页参数
type Pagination struct {
	Offset int `json:"offset"` // 偏移量
	Limit  int `json:"limit"`  // 限制数量
}
