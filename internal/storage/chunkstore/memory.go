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

package chunkstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"rag-core/internal/pipeline/common"
)

// MemoryStore 内存切片存储实现
type MemoryStore struct {
	chunks       map[string]*Chunk // chunk ID → chunk
	fingerprints map[string]string // fingerprint → chunk ID
	mu           sync.RWMutex
}

// NewMemoryStore 创建新的内存切片存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks:       make(map[string]*Chunk),
		fingerprints: make(map[string]string),
	}
}

// Upsert 按指纹写入切片
func (s *MemoryStore) Upsert(ctx context.Context, chunk *Chunk) (bool, error) {
	if chunk == nil || chunk.Fingerprint == "" {
		return false, common.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existingID, ok := s.fingerprints[chunk.Fingerprint]; ok {
		existing := s.chunks[existingID]
		existing.UpdatedAt = now
		return false, nil
	}

	stored := cloneChunk(chunk)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.chunks[stored.ID] = stored
	s.fingerprints[stored.Fingerprint] = stored.ID
	return true, nil
}

// Search 按余弦相似度检索，得分归一化到 [0,1]
func (s *MemoryStore) Search(ctx context.Context, query []float64, opts *SearchOptions) (*SearchOutput, error) {
	if len(query) == 0 {
		return nil, common.ErrInvalidInput
	}
	if opts == nil {
		opts = &SearchOptions{Limit: 10}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*SearchResult
	candidates := 0

	for _, chunk := range s.chunks {
		if len(chunk.Embedding) == 0 || len(chunk.Embedding) != len(query) {
			continue
		}
		if !MatchesFilter(chunk, opts) {
			continue
		}
		candidates++

		score := normalizedCosine(query, chunk.Embedding)
		if score < opts.Threshold {
			continue
		}

		results = append(results, &SearchResult{
			Chunk: cloneChunk(chunk),
			Score: score,
		})
	}

	// 同分按切片序号升序，排序可复现
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			if results[i].Chunk.Index == results[j].Chunk.Index {
				return results[i].Chunk.ID < results[j].Chunk.ID
			}
			return results[i].Chunk.Index < results[j].Chunk.Index
		}
		return results[i].Score > results[j].Score
	})

	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	return &SearchOutput{Results: results, CandidateCount: candidates}, nil
}

// GetByDocument 返回文档全部切片，按 Index 升序
func (s *MemoryStore) GetByDocument(ctx context.Context, documentID string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chunks []*Chunk
	for _, chunk := range s.chunks {
		if chunk.DocumentID == documentID {
			chunks = append(chunks, cloneChunk(chunk))
		}
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Index < chunks[j].Index
	})
	return chunks, nil
}

// DeleteByDocument 删除文档全部切片
func (s *MemoryStore) DeleteByDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, chunk := range s.chunks {
		if chunk.DocumentID == documentID {
			delete(s.fingerprints, chunk.Fingerprint)
			delete(s.chunks, id)
		}
	}
	return nil
}

// Count 统计切片数量
func (s *MemoryStore) Count(ctx context.Context, collectionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, chunk := range s.chunks {
		if collectionID == "" || chunk.CollectionID == collectionID {
			count++
		}
	}
	return count, nil
}

// Close 关闭存储连接
func (s *MemoryStore) Close() error {
	return nil
}

// MatchesFilter 判断切片是否通过检索过滤条件。
// 过滤不了元数据的后端在结果侧复用同一套判定。
func MatchesFilter(chunk *Chunk, opts *SearchOptions) bool {
	if opts.CollectionID != "" && chunk.CollectionID != opts.CollectionID {
		return false
	}

	if len(opts.DocumentIDs) > 0 {
		found := false
		for _, id := range opts.DocumentIDs {
			if chunk.DocumentID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(opts.Types) > 0 {
		found := false
		for _, t := range opts.Types {
			if chunk.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if opts.Category != "" && chunk.Category != opts.Category {
		return false
	}

	if len(opts.Tags) > 0 {
		for _, want := range opts.Tags {
			found := false
			for _, have := range chunk.Tags {
				if have == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}

	if opts.Language != "" && chunk.Language != opts.Language {
		return false
	}

	if opts.CreatedAfter != nil && chunk.DocCreatedAt.Before(*opts.CreatedAfter) {
		return false
	}
	if opts.CreatedBefore != nil && chunk.DocCreatedAt.After(*opts.CreatedBefore) {
		return false
	}

	return true
}

// normalizedCosine 余弦相似度映射到 [0,1]：(1+cos)/2
func normalizedCosine(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return (1 + cos) / 2
}

func cloneChunk(chunk *Chunk) *Chunk {
	out := *chunk
	if chunk.Embedding != nil {
		out.Embedding = append([]float64(nil), chunk.Embedding...)
	}
	if chunk.Tags != nil {
		out.Tags = append([]string(nil), chunk.Tags...)
	}
	if chunk.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(chunk.Metadata))
		for k, v := range chunk.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
