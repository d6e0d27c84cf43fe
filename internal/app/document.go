// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rag-core/internal/pipeline/common"
	"rag-core/internal/pipeline/ingest"
	"rag-core/internal/storage/chunkstore"
	"rag-core/internal/storage/metadata"
	"rag-core/internal/taskqueue"
	"rag-core/pkg/log"
)

// DocumentInfo 文档信息 DTO，供 API 层使用，不依赖 storage 具体类型
type DocumentInfo struct {
	ID              string                      `json:"id"`
	OrgID           string                      `json:"org_id,omitempty"`
	CollectionID    string                      `json:"collection_id"`
	Name            string                      `json:"name"`
	MediaType       string                      `json:"media_type"`
	Size            int64                       `json:"size"`
	Status          string                      `json:"status"`
	Progress        int                         `json:"progress"`
	ChunkCount      int                         `json:"chunk_count"`
	VectorCount     int                         `json:"vector_count"`
	VectorProcessed bool                        `json:"vector_processed"`
	Metadata        map[string]interface{}      `json:"metadata,omitempty"`
	ProcessingLog   []common.ProcessingLogEntry `json:"processing_log,omitempty"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

// CreateDocumentRequest 注册文档请求。
// 分类、语言、标签写入文档元数据，入库时冗余到切片供检索过滤。
type CreateDocumentRequest struct {
	OrgID        string                 `json:"org_id,omitempty"`
	CollectionID string                 `json:"collection_id"`
	Name         string                 `json:"name"`
	MediaType    string                 `json:"media_type"`
	Size         int64                  `json:"size"`
	Path         string                 `json:"path"`
	Category     string                 `json:"category,omitempty"`
	Language     string                 `json:"language,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

var validCategories = map[string]bool{
	"technical":     true,
	"regulatory":    true,
	"safety":        true,
	"marketing":     true,
	"certification": true,
	"other":         true,
}

// ListDocumentsRequest 文档列表请求
type ListDocumentsRequest struct {
	OrgID        string
	CollectionID string
	Status       []string
	Search       string
	Offset       int
	Limit        int
}

// DocumentService 文档门面：API 层仅依赖此接口，不直接调用 storage 与 pipeline
type DocumentService interface {
	CreateDocument(ctx context.Context, req *CreateDocumentRequest) (*DocumentInfo, error)
	ListDocuments(ctx context.Context, req *ListDocumentsRequest) ([]*DocumentInfo, int64, error)
	GetDocument(ctx context.Context, id string) (*DocumentInfo, error)
	DeleteDocument(ctx context.Context, id string) error
	// ProcessDocument 触发文档处理。有队列时入队返回 task_id，
	// 无队列时后台内联执行，task_id 为空。
	ProcessDocument(ctx context.Context, id string, force bool) (taskID string, err error)
	// CancelProcessing 请求取消处理中的文档；文档不在本进程处理中返回 false
	CancelProcessing(ctx context.Context, id string) bool
	// DocumentText 返回文档切片出的全部文本，按切片顺序
	DocumentText(ctx context.Context, id string) ([]*chunkstore.Chunk, error)
}

type documentService struct {
	meta     metadata.Store
	chunks   chunkstore.Store
	pipeline *ingest.Pipeline
	queue    taskqueue.Queue
	logger   *log.Logger
}

// NewDocumentService 创建文档门面（由 bootstrap 装配时调用）
func NewDocumentService(b *Bootstrap) DocumentService {
	return &documentService{
		meta:     b.MetadataStore,
		chunks:   b.ChunkStore,
		pipeline: b.Pipeline,
		queue:    b.Queue,
		logger:   b.Logger,
	}
}

func (s *documentService) CreateDocument(ctx context.Context, req *CreateDocumentRequest) (*DocumentInfo, error) {
	if req == nil || strings.TrimSpace(req.Name) == "" {
		return nil, common.NewValidationError("name", "文档名称不能为空")
	}
	if strings.TrimSpace(req.MediaType) == "" {
		return nil, common.NewValidationError("media_type", "媒体类型不能为空")
	}

	if req.Category != "" && !validCategories[req.Category] {
		return nil, common.NewValidationError("category", "未知的文档分类")
	}

	collection := req.CollectionID
	if collection == "" {
		collection = "default"
	}
	meta := req.Metadata
	if req.Category != "" || req.Language != "" || len(req.Tags) > 0 {
		if meta == nil {
			meta = make(map[string]interface{})
		}
		if req.Category != "" {
			meta["category"] = req.Category
		}
		if req.Language != "" {
			meta["language"] = req.Language
		}
		if len(req.Tags) > 0 {
			meta["tags"] = req.Tags
		}
	}
	now := time.Now().UTC()
	doc := &metadata.Document{
		ID:           uuid.New().String(),
		OrgID:        req.OrgID,
		CollectionID: collection,
		Name:         req.Name,
		MediaType:    req.MediaType,
		Size:         req.Size,
		Path:         req.Path,
		Status:       metadata.StatusUploaded,
		Metadata:     meta,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.meta.Create(ctx, doc); err != nil {
		return nil, err
	}
	return docToInfo(doc), nil
}

func (s *documentService) ListDocuments(ctx context.Context, req *ListDocumentsRequest) ([]*DocumentInfo, int64, error) {
	if req == nil {
		req = &ListDocumentsRequest{}
	}
	filter := &metadata.Filter{
		OrgID:        req.OrgID,
		CollectionID: req.CollectionID,
		Search:       req.Search,
	}
	for _, st := range req.Status {
		filter.Status = append(filter.Status, metadata.Status(st))
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}

	docs, err := s.meta.List(ctx, filter, &metadata.Pagination{Offset: req.Offset, Limit: limit})
	if err != nil {
		return nil, 0, err
	}
	total, err := s.meta.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	out := make([]*DocumentInfo, len(docs))
	for i, d := range docs {
		out[i] = docToInfo(d)
	}
	return out, total, nil
}

func (s *documentService) GetDocument(ctx context.Context, id string) (*DocumentInfo, error) {
	d, err := s.meta.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return docToInfo(d), nil
}

func (s *documentService) DeleteDocument(ctx context.Context, id string) error {
	if _, err := s.meta.Get(ctx, id); err != nil {
		return err
	}
	if s.chunks != nil {
		if err := s.chunks.DeleteByDocument(ctx, id); err != nil {
			return fmt.Errorf("删除文档切片失败: %w", err)
		}
	}
	return s.meta.Delete(ctx, id)
}

func (s *documentService) ProcessDocument(ctx context.Context, id string, force bool) (string, error) {
	if s.queue != nil {
		// 入队前校验文档存在，队列消费方不再回报 404
		if _, err := s.meta.Get(ctx, id); err != nil {
			return "", err
		}
		return s.queue.Enqueue(ctx, id, force)
	}

	// 无队列时后台内联执行。状态预检让明显的冲突立即回报，
	// 真正的认领仍由 pipeline 原子完成
	doc, err := s.meta.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if doc.Status == metadata.StatusProcessing {
		return "", common.ErrAlreadyProcessing
	}
	if doc.Status == metadata.StatusCompleted && !force {
		return "", common.ErrAlreadyCompleted
	}
	if s.pipeline == nil {
		return "", fmt.Errorf("%w: 未配置入库管线", common.ErrInternal)
	}
	go func() {
		bg := context.Background()
		if err := s.pipeline.Process(bg, doc.ID, force); err != nil {
			s.logger.Error("文档处理失败", "document_id", doc.ID, "error", err)
		}
	}()
	return "", nil
}

func (s *documentService) CancelProcessing(ctx context.Context, id string) bool {
	if s.pipeline == nil {
		return false
	}
	return s.pipeline.Cancel(id)
}

func (s *documentService) DocumentText(ctx context.Context, id string) ([]*chunkstore.Chunk, error) {
	if _, err := s.meta.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.chunks == nil {
		return nil, nil
	}
	return s.chunks.GetByDocument(ctx, id)
}

func docToInfo(d *metadata.Document) *DocumentInfo {
	if d == nil {
		return nil
	}
	return &DocumentInfo{
		ID:              d.ID,
		OrgID:           d.OrgID,
		CollectionID:    d.CollectionID,
		Name:            d.Name,
		MediaType:       d.MediaType,
		Size:            d.Size,
		Status:          string(d.Status),
		Progress:        d.Progress,
		ChunkCount:      d.ChunkCount,
		VectorCount:     d.VectorCount,
		VectorProcessed: d.VectorProcessed(),
		Metadata:        d.Metadata,
		ProcessingLog:   d.ProcessingLog(),
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}
