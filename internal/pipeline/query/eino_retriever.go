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

package query

import (
	"context"
	"fmt"

	einoretriever "github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"

	"rag-core/internal/storage/chunkstore"
)

// ChunkRetriever 基于 chunkstore.Store 实现的 Eino retriever.Retriever
type ChunkRetriever struct {
	chunks           chunkstore.Store
	defaultIndex     string
	defaultTopK      int
	defaultThreshold float64
}

// ChunkRetrieverConfig ChunkRetriever 构造参数
type ChunkRetrieverConfig struct {
	Chunks           chunkstore.Store
	DefaultIndex     string
	DefaultTopK      int
	DefaultThreshold float64
}

// NewChunkRetriever 创建基于 chunkstore 的 Eino Retriever
func NewChunkRetriever(cfg *ChunkRetrieverConfig) (*ChunkRetriever, error) {
	if cfg == nil || cfg.Chunks == nil {
		return nil, fmt.Errorf("ChunkRetriever requires Chunks")
	}
	idx := cfg.DefaultIndex
	if idx == "" {
		idx = "default"
	}
	topK := cfg.DefaultTopK
	if topK <= 0 {
		topK = 10
	}
	thresh := cfg.DefaultThreshold
	if thresh <= 0 {
		thresh = 0.7
	}
	return &ChunkRetriever{
		chunks:           cfg.Chunks,
		defaultIndex:     idx,
		defaultTopK:      topK,
		defaultThreshold: thresh,
	}, nil
}

// Retrieve 实现 github.com/cloudwego/eino/components/retriever.Retriever。
// options.Index 映射为 collection。
func (r *ChunkRetriever) Retrieve(ctx context.Context, query string, opts ...einoretriever.Option) ([]*schema.Document, error) {
	options := einoretriever.GetCommonOptions(nil, opts...)
	if options == nil {
		options = &einoretriever.Options{}
	}
	collection := r.defaultIndex
	if options.Index != nil && *options.Index != "" {
		collection = *options.Index
	}
	topK := r.defaultTopK
	if options.TopK != nil && *options.TopK > 0 {
		topK = *options.TopK
	}
	threshold := r.defaultThreshold
	if options.ScoreThreshold != nil {
		threshold = *options.ScoreThreshold
	}

	if options.Embedding == nil {
		return nil, fmt.Errorf("Retriever requires WithEmbedding 选项以对 query 做向量化")
	}
	vecs, err := options.Embedding.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("retriever embedding: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedding returned empty")
	}
	queryVector := vecs[0]

	out, err := r.chunks.Search(ctx, queryVector, &chunkstore.SearchOptions{
		Query:        query,
		CollectionID: collection,
		Threshold:    threshold,
		Limit:        topK,
	})
	if err != nil {
		return nil, fmt.Errorf("chunk store search: %w", err)
	}

	docs := make([]*schema.Document, 0, len(out.Results))
	for _, sr := range out.Results {
		meta := map[string]any{
			"document_id": sr.Chunk.DocumentID,
			"chunk_index": sr.Chunk.Index,
			"chunk_type":  string(sr.Chunk.Type),
		}
		for k, v := range sr.Chunk.Metadata {
			meta[k] = v
		}
		d := &schema.Document{
			ID:       sr.Chunk.ID,
			Content:  sr.Chunk.Content,
			MetaData: meta,
		}
		d.WithScore(sr.Score)
		if len(sr.Chunk.Embedding) > 0 {
			d.WithDenseVector(sr.Chunk.Embedding)
		}
		docs = append(docs, d)
	}
	return docs, nil
}
