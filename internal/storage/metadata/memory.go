package metadata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"rag-core/internal/pipeline/common"
)

// MemoryStore 内存元数据存储实现
type MemoryStore struct {
	docs map[string]*Document
	mu   sync.RWMutex
}

// NewMemoryStore 创建新的内存元数据存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]*Document),
	}
}

// Create 创建文档元数据
func (s *MemoryStore) Create(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("document with ID %s already exists", doc.ID)
	}

	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.Status == "" {
		doc.Status = StatusUploaded
	}
	if doc.Metadata == nil {
		doc.Metadata = make(map[string]interface{})
	}

	s.docs[doc.ID] = cloneDocument(doc)
	return nil
}

// Get 根据 ID 获取文档元数据
func (s *MemoryStore) Get(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, exists := s.docs[id]
	if !exists {
		return nil, common.ErrDocumentNotFound
	}

	return cloneDocument(doc), nil
}

// Update 更新文档元数据
func (s *MemoryStore) Update(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; !exists {
		return common.ErrDocumentNotFound
	}

	doc.UpdatedAt = time.Now().UTC()
	s.docs[doc.ID] = cloneDocument(doc)
	return nil
}

// Delete 根据 ID 删除文档元数据
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[id]; !exists {
		return common.ErrDocumentNotFound
	}

	delete(s.docs, id)
	return nil
}

// List 列出文档元数据
func (s *MemoryStore) List(ctx context.Context, filter *Filter, pagination *Pagination) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Document
	for _, doc := range s.docs {
		if matches(doc, filter) {
			results = append(results, cloneDocument(doc))
		}
	}

	// 按创建时间倒序，保证遍历顺序稳定
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	if pagination != nil {
		start := pagination.Offset
		end := start + pagination.Limit

		if start >= len(results) {
			return []*Document{}, nil
		}
		if end > len(results) {
			end = len(results)
		}
		results = results[start:end]
	}

	return results, nil
}

// Count 统计文档数量
func (s *MemoryStore) Count(ctx context.Context, filter *Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, doc := range s.docs {
		if matches(doc, filter) {
			count++
		}
	}
	return count, nil
}

// ClaimProcessing 原子地把文档置为 processing
func (s *MemoryStore) ClaimProcessing(ctx context.Context, id string, force bool) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, exists := s.docs[id]
	if !exists {
		return nil, common.ErrDocumentNotFound
	}

	switch doc.Status {
	case StatusProcessing:
		// force 可认领 processing：覆盖取消后残留与宕机残留的运行
		if !force {
			return nil, common.ErrAlreadyProcessing
		}
	case StatusCompleted:
		if !force {
			return nil, common.ErrAlreadyCompleted
		}
	}

	doc.Status = StatusProcessing
	doc.Progress = 0
	doc.UpdatedAt = time.Now().UTC()
	return cloneDocument(doc), nil
}

// SetStatus 更新状态与进度
func (s *MemoryStore) SetStatus(ctx context.Context, id string, status Status, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, exists := s.docs[id]
	if !exists {
		return common.ErrDocumentNotFound
	}

	doc.Status = status
	doc.Progress = progress
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendLog 追加处理日志
func (s *MemoryStore) AppendLog(ctx context.Context, id string, entry common.ProcessingLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, exists := s.docs[id]
	if !exists {
		return common.ErrDocumentNotFound
	}

	if doc.Metadata == nil {
		doc.Metadata = make(map[string]interface{})
	}
	entries, _ := doc.Metadata["processing_log"].([]common.ProcessingLogEntry)
	doc.Metadata["processing_log"] = append(entries, entry)
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

// MergeMetadata 合并元数据
func (s *MemoryStore) MergeMetadata(ctx context.Context, id string, values map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, exists := s.docs[id]
	if !exists {
		return common.ErrDocumentNotFound
	}

	if doc.Metadata == nil {
		doc.Metadata = make(map[string]interface{})
	}
	for k, v := range values {
		doc.Metadata[k] = v
	}
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

// Close 关闭存储连接
func (s *MemoryStore) Close() error {
	return nil
}

func matches(doc *Document, filter *Filter) bool {
	if filter == nil {
		return true
	}

	if len(filter.IDs) > 0 {
		found := false
		for _, id := range filter.IDs {
			if doc.ID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if filter.OrgID != "" && doc.OrgID != filter.OrgID {
		return false
	}
	if filter.CollectionID != "" && doc.CollectionID != filter.CollectionID {
		return false
	}

	if len(filter.MediaTypes) > 0 {
		found := false
		for _, mt := range filter.MediaTypes {
			if doc.MediaType == mt {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(filter.Status) > 0 {
		found := false
		for _, status := range filter.Status {
			if doc.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if filter.Search != "" && !strings.Contains(strings.ToLower(doc.Name), strings.ToLower(filter.Search)) {
		return false
	}

	return true
}

func cloneDocument(doc *Document) *Document {
	out := *doc
	if doc.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(doc.Metadata))
		for k, v := range doc.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
