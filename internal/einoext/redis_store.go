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

package einoext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	redisindexer "github.com/cloudwego/eino-ext/components/indexer/redis"
	redisretriever "github.com/cloudwego/eino-ext/components/retriever/redis"
	einoembed "github.com/cloudwego/eino/components/embedding"
	einoindexer "github.com/cloudwego/eino/components/indexer"
	einoretriever "github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/redis/go-redis/v9"

	"rag-core/internal/storage/chunkstore"
	"rag-core/pkg/config"
)

// RedisStore 基于 Redis Stack 的切片存储。向量写入与向量检索走 eino-ext
// 的 redis indexer / retriever，切片正文与索引簿记（指纹、文档归属、计数）
// 由本结构用普通键维护，向量索引里只放参与检索的切片。
type RedisStore struct {
	client    *redis.Client
	indexer   einoindexer.Indexer
	retriever einoretriever.Retriever
	prefix    string
}

// NewRedisStore 创建 redis 切片存储，indexer 与 retriever 共享同一连接
func NewRedisStore(ctx context.Context, cfg config.ChunkConfig, embedder einoembed.Embedder) (*RedisStore, error) {
	opts, err := RedisOptionsFromChunkConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("redis options: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	coll := cfg.Collection
	if coll == "" {
		coll = defaultCollection
	}

	idx, err := redisindexer.NewIndexer(ctx, &redisindexer.IndexerConfig{
		Client:    client,
		KeyPrefix: coll,
		BatchSize: defaultBatchSize,
		Embedding: embedder,
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis indexer: %w", err)
	}
	ret, err := redisretriever.NewRetriever(ctx, &redisretriever.RetrieverConfig{
		Client:    client,
		Index:     coll,
		TopK:      defaultTopK,
		Embedding: embedder,
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis retriever: %w", err)
	}

	return &RedisStore{
		client:    client,
		indexer:   idx,
		retriever: ret,
		prefix:    coll,
	}, nil
}

// Indexer 返回底层 Eino Indexer
func (s *RedisStore) Indexer() einoindexer.Indexer {
	return s.indexer
}

// Retriever 返回底层 Eino Retriever
func (s *RedisStore) Retriever() einoretriever.Retriever {
	return s.retriever
}

func (s *RedisStore) chunkKey(id string) string {
	return s.prefix + ":chunk:" + id
}

func (s *RedisStore) fpKey(fingerprint string) string {
	return s.prefix + ":fp:" + fingerprint
}

func (s *RedisStore) docKey(documentID string) string {
	return s.prefix + ":doc:" + documentID
}

func (s *RedisStore) allKey() string {
	return s.prefix + ":chunks"
}

// Upsert 按指纹去重写入。指纹已存在时只刷新 updated_at，保留原切片；
// 带向量的切片同时写入向量索引，未向量化的只留正文。
func (s *RedisStore) Upsert(ctx context.Context, chunk *chunkstore.Chunk) (bool, error) {
	now := time.Now().UTC()

	existingID, err := s.client.Get(ctx, s.fpKey(chunk.Fingerprint)).Result()
	if err == nil {
		existing, lerr := s.loadChunk(ctx, existingID)
		if lerr != nil {
			return false, lerr
		}
		existing.UpdatedAt = now
		data, merr := json.Marshal(existing)
		if merr != nil {
			return false, merr
		}
		if serr := s.client.Set(ctx, s.chunkKey(existingID), data, 0).Err(); serr != nil {
			return false, serr
		}
		return false, nil
	}
	if !errors.Is(err, redis.Nil) {
		return false, err
	}

	stored := *chunk
	stored.CreatedAt = now
	stored.UpdatedAt = now
	data, err := json.Marshal(&stored)
	if err != nil {
		return false, err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.chunkKey(stored.ID), data, 0)
	pipe.Set(ctx, s.fpKey(stored.Fingerprint), stored.ID, 0)
	pipe.SAdd(ctx, s.docKey(stored.DocumentID), stored.ID)
	pipe.SAdd(ctx, s.allKey(), stored.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	if len(stored.Embedding) > 0 {
		if _, err := s.indexer.Store(ctx, []*schema.Document{chunkToSchemaDocument(&stored)}); err != nil {
			return false, fmt.Errorf("redis indexer store: %w", err)
		}
	}
	return true, nil
}

// Search 向量检索。查询向量化由 retriever 内部完成，因此需要原始查询文本；
// 元数据过滤在结果侧做，候选数按 TopK 放大由调用方控制。
func (s *RedisStore) Search(ctx context.Context, query []float64, opts *chunkstore.SearchOptions) (*chunkstore.SearchOutput, error) {
	if opts == nil {
		opts = &chunkstore.SearchOptions{Limit: 10}
	}
	if opts.Query == "" {
		return nil, fmt.Errorf("redis 检索需要原始查询文本")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	docs, err := s.retriever.Retrieve(ctx, opts.Query,
		einoretriever.WithTopK(limit),
		einoretriever.WithScoreThreshold(opts.Threshold),
	)
	if err != nil {
		return nil, fmt.Errorf("redis retriever: %w", err)
	}

	out := &chunkstore.SearchOutput{CandidateCount: len(docs)}
	for _, d := range docs {
		id := strings.TrimPrefix(d.ID, s.prefix)
		chunk, lerr := s.loadChunk(ctx, id)
		if lerr != nil {
			// 向量索引里有但正文副本没了，跳过
			continue
		}
		if !chunkstore.MatchesFilter(chunk, opts) {
			continue
		}
		out.Results = append(out.Results, &chunkstore.SearchResult{Chunk: chunk, Score: d.Score()})
	}

	// 同分按切片序号升序，排序可复现
	sort.SliceStable(out.Results, func(i, j int) bool {
		if out.Results[i].Score != out.Results[j].Score {
			return out.Results[i].Score > out.Results[j].Score
		}
		if out.Results[i].Chunk.Index != out.Results[j].Chunk.Index {
			return out.Results[i].Chunk.Index < out.Results[j].Chunk.Index
		}
		return out.Results[i].Chunk.ID < out.Results[j].Chunk.ID
	})
	if len(out.Results) > limit {
		out.Results = out.Results[:limit]
	}
	return out, nil
}

// GetByDocument 返回文档全部切片，按 Index 升序
func (s *RedisStore) GetByDocument(ctx context.Context, documentID string) ([]*chunkstore.Chunk, error) {
	ids, err := s.client.SMembers(ctx, s.docKey(documentID)).Result()
	if err != nil {
		return nil, err
	}
	chunks := make([]*chunkstore.Chunk, 0, len(ids))
	for _, id := range ids {
		chunk, lerr := s.loadChunk(ctx, id)
		if lerr != nil {
			continue
		}
		chunks = append(chunks, chunk)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

// DeleteByDocument 删除文档的全部切片与簿记键
func (s *RedisStore) DeleteByDocument(ctx context.Context, documentID string) error {
	ids, err := s.client.SMembers(ctx, s.docKey(documentID)).Result()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		if chunk, lerr := s.loadChunk(ctx, id); lerr == nil {
			pipe.Del(ctx, s.fpKey(chunk.Fingerprint))
		}
		pipe.Del(ctx, s.chunkKey(id))
		// 向量索引里的哈希键由 indexer 以 KeyPrefix+ID 写入
		pipe.Del(ctx, s.prefix+id)
		pipe.SRem(ctx, s.allKey(), id)
	}
	pipe.Del(ctx, s.docKey(documentID))
	_, err = pipe.Exec(ctx)
	return err
}

// Count 统计切片数量；集合与本存储不符时为 0
func (s *RedisStore) Count(ctx context.Context, collectionID string) (int64, error) {
	if collectionID != "" && collectionID != s.prefix {
		return 0, nil
	}
	return s.client.SCard(ctx, s.allKey()).Result()
}

// Close 关闭 redis 连接
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) loadChunk(ctx context.Context, id string) (*chunkstore.Chunk, error) {
	raw, err := s.client.Get(ctx, s.chunkKey(id)).Result()
	if err != nil {
		return nil, err
	}
	var chunk chunkstore.Chunk
	if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
		return nil, err
	}
	return &chunk, nil
}

func chunkToSchemaDocument(chunk *chunkstore.Chunk) *schema.Document {
	d := &schema.Document{
		ID:      chunk.ID,
		Content: chunk.Content,
		MetaData: map[string]any{
			"document_id":   chunk.DocumentID,
			"collection_id": chunk.CollectionID,
			"chunk_index":   chunk.Index,
		},
	}
	d.WithDenseVector(chunk.Embedding)
	return d
}
