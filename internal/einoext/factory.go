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
	"fmt"

	einoembed "github.com/cloudwego/eino/components/embedding"
	einoindexer "github.com/cloudwego/eino/components/indexer"
	einoretriever "github.com/cloudwego/eino/components/retriever"

	"rag-core/internal/model/embedding"
	"rag-core/internal/pipeline/ingest"
	"rag-core/internal/pipeline/query"
	"rag-core/internal/storage/chunkstore"
	"rag-core/pkg/config"
)

const (
	defaultBatchSize  = 100
	defaultTopK       = 10
	defaultThreshold  = 0.7
	defaultCollection = "default"
)

// EinoEmbedder 把内部 embedding.Embedder 适配为 Eino 的 embedding.Embedder
type EinoEmbedder struct {
	inner embedding.Embedder
}

// NewEinoEmbedder 包装内部 Embedder 供 Eino 组件使用
func NewEinoEmbedder(inner embedding.Embedder) (*EinoEmbedder, error) {
	if inner == nil {
		return nil, fmt.Errorf("EinoEmbedder 需要内部 Embedder")
	}
	return &EinoEmbedder{inner: inner}, nil
}

// EmbedStrings 实现 github.com/cloudwego/eino/components/embedding.Embedder
func (e *EinoEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...einoembed.Option) ([][]float64, error) {
	return e.inner.Embed(ctx, texts)
}

// NewIndexer 根据 ChunkConfig 创建 Eino Indexer。
// memory/postgres 复用 chunkstore.Store；redis 走 eino-ext 组件。
func NewIndexer(ctx context.Context, cfg config.ChunkConfig, chunks chunkstore.Store, embedder einoembed.Embedder) (einoindexer.Indexer, error) {
	t := cfg.Type
	if t == "" {
		t = "memory"
	}
	switch t {
	case "memory", "postgres":
		if chunks == nil {
			return nil, fmt.Errorf("chunk type is %s but chunk store is nil", t)
		}
		coll := cfg.Collection
		if coll == "" {
			coll = defaultCollection
		}
		return ingest.NewChunkIndexer(&ingest.ChunkIndexerConfig{
			Store:             chunks,
			DefaultCollection: coll,
		})
	case "redis":
		rs, err := NewRedisStore(ctx, cfg, embedder)
		if err != nil {
			return nil, err
		}
		return rs.Indexer(), nil
	default:
		return nil, fmt.Errorf("不支持的切片存储类型: %s", t)
	}
}

// NewRetriever 根据 ChunkConfig 创建 Eino Retriever。
// memory/postgres 复用 chunkstore.Store；redis 走 eino-ext 组件。
func NewRetriever(ctx context.Context, cfg config.ChunkConfig, chunks chunkstore.Store, embedder einoembed.Embedder) (einoretriever.Retriever, error) {
	t := cfg.Type
	if t == "" {
		t = "memory"
	}
	switch t {
	case "memory", "postgres":
		if chunks == nil {
			return nil, fmt.Errorf("chunk type is %s but chunk store is nil", t)
		}
		idx := cfg.Collection
		if idx == "" {
			idx = defaultCollection
		}
		return query.NewChunkRetriever(&query.ChunkRetrieverConfig{
			Chunks:           chunks,
			DefaultIndex:     idx,
			DefaultTopK:      defaultTopK,
			DefaultThreshold: defaultThreshold,
		})
	case "redis":
		rs, err := NewRedisStore(ctx, cfg, embedder)
		if err != nil {
			return nil, err
		}
		return rs.Retriever(), nil
	default:
		return nil, fmt.Errorf("不支持的切片存储类型: %s", t)
	}
}
