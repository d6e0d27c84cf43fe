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

package ingest

import (
	"context"
	"fmt"

	einoindexer "github.com/cloudwego/eino/components/indexer"
	"github.com/cloudwego/eino/schema"

	"rag-core/internal/dedup"
	"rag-core/internal/pipeline/common"
	"rag-core/internal/storage/chunkstore"
)

// ChunkIndexer 基于 chunkstore.Store 实现的 Eino indexer.Indexer。
// 写入走与管线相同的指纹去重路径，重复内容不会产生新切片。
type ChunkIndexer struct {
	store             chunkstore.Store
	defaultCollection string
}

// ChunkIndexerConfig ChunkIndexer 构造参数
type ChunkIndexerConfig struct {
	Store             chunkstore.Store
	DefaultCollection string
}

// NewChunkIndexer 创建基于 chunkstore 的 Eino Indexer
func NewChunkIndexer(cfg *ChunkIndexerConfig) (*ChunkIndexer, error) {
	if cfg == nil || cfg.Store == nil {
		return nil, fmt.Errorf("ChunkIndexer 需要 chunkstore.Store")
	}
	collection := cfg.DefaultCollection
	if collection == "" {
		collection = "default"
	}
	return &ChunkIndexer{
		store:             cfg.Store,
		defaultCollection: collection,
	}, nil
}

// Store 实现 github.com/cloudwego/eino/components/indexer.Indexer
func (c *ChunkIndexer) Store(ctx context.Context, docs []*schema.Document, opts ...einoindexer.Option) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	options := einoindexer.GetCommonOptions(nil, opts...)
	collection := c.defaultCollection
	if options != nil && len(options.SubIndexes) > 0 && options.SubIndexes[0] != "" {
		collection = options.SubIndexes[0]
	}

	ids := make([]string, 0, len(docs))
	for i, doc := range docs {
		if doc == nil {
			continue
		}

		vec := doc.DenseVector()
		if len(vec) == 0 {
			if options == nil || options.Embedding == nil {
				return nil, fmt.Errorf("doc %s 没有向量且未提供 Embedding 选项", doc.ID)
			}
			vecs, err := options.Embedding.EmbedStrings(ctx, []string{doc.Content})
			if err != nil {
				return nil, fmt.Errorf("indexer embedding: %w", err)
			}
			if len(vecs) > 0 {
				vec = vecs[0]
			}
		}

		chunk := &chunkstore.Chunk{
			ID:           doc.ID,
			CollectionID: collection,
			Index:        i,
			Content:      doc.Content,
			Type:         common.ChunkTypeContent,
			Fingerprint:  dedup.Fingerprint(doc.Content),
			Embedding:    vec,
			Metadata:     doc.MetaData,
		}
		if doc.MetaData != nil {
			if v, ok := doc.MetaData["document_id"].(string); ok {
				chunk.DocumentID = v
			}
			if v, ok := doc.MetaData["chunk_type"].(string); ok {
				chunk.Type = common.ChunkType(v)
			}
		}

		if _, err := c.store.Upsert(ctx, chunk); err != nil {
			return nil, fmt.Errorf("chunk store upsert: %w", err)
		}
		ids = append(ids, doc.ID)
	}

	return ids, nil
}
