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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"rag-core/internal/pipeline/common"
)

const chunksSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS chunks (
    id             TEXT PRIMARY KEY,
    document_id    TEXT NOT NULL,
    collection_id  TEXT NOT NULL DEFAULT 'default',
    chunk_index    INT NOT NULL DEFAULT 0,
    content        TEXT NOT NULL,
    chunk_type     TEXT NOT NULL DEFAULT 'content',
    token_count    INT NOT NULL DEFAULT 0,
    confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
    fingerprint    TEXT NOT NULL UNIQUE,
    embedding      vector(%d),
    category       TEXT NOT NULL DEFAULT '',
    tags           TEXT[] NOT NULL DEFAULT '{}',
    language       TEXT NOT NULL DEFAULT '',
    doc_created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    metadata       JSONB NOT NULL DEFAULT '{}',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks (document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks (collection_id);
`

// PgStore 基于 PostgreSQL + pgvector 的切片存储实现
type PgStore struct {
	pool      *pgxpool.Pool
	dimension int
}

// NewPgStore 创建基于 pgvector 的切片存储并初始化表结构
func NewPgStore(ctx context.Context, dsn string, dimension int) (*PgStore, error) {
	if dimension <= 0 {
		dimension = 1536
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(chunksSchema, dimension)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("初始化 chunks 表失败: %w", err)
	}

	return &PgStore{pool: pool, dimension: dimension}, nil
}

// Upsert 按指纹写入切片；指纹冲突时只刷新 updated_at
func (s *PgStore) Upsert(ctx context.Context, chunk *Chunk) (bool, error) {
	if chunk == nil || chunk.Fingerprint == "" {
		return false, common.ErrInvalidInput
	}

	metadataJSON, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return false, err
	}

	// 未向量化的切片 embedding 存 NULL，正文可取但不参与检索
	var embeddingArg interface{}
	if len(chunk.Embedding) > 0 {
		embeddingArg = vectorLiteral(chunk.Embedding)
	}

	var created bool
	// xmax = 0 表示该行由本次 INSERT 写入而非被 UPDATE
	err = s.pool.QueryRow(ctx,
		`INSERT INTO chunks (id, document_id, collection_id, chunk_index, content, chunk_type, token_count, confidence, fingerprint, embedding, category, tags, language, doc_created_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::vector, $11, $12, $13, $14, $15)
		 ON CONFLICT (fingerprint) DO UPDATE SET updated_at = now()
		 RETURNING (xmax = 0)`,
		chunk.ID, chunk.DocumentID, chunk.CollectionID, chunk.Index, chunk.Content,
		string(chunk.Type), chunk.TokenCount, chunk.Confidence, chunk.Fingerprint, embeddingArg,
		chunk.Category, chunk.Tags, chunk.Language, chunk.DocCreatedAt, metadataJSON,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("%w: %v", common.ErrStorageFailed, err)
	}
	return created, nil
}

// Search 按余弦距离检索；得分 = 1 - distance/2，归一化到 [0,1]
func (s *PgStore) Search(ctx context.Context, query []float64, opts *SearchOptions) (*SearchOutput, error) {
	if len(query) == 0 {
		return nil, common.ErrInvalidInput
	}
	if opts == nil {
		opts = &SearchOptions{Limit: 10}
	}

	where, args := buildChunkWhere(opts)
	args = append(args, vectorLiteral(query))
	vecArg := fmt.Sprintf("$%d::vector", len(args))

	var candidates int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM chunks`+where+func() string {
			if where == "" {
				return " WHERE embedding IS NOT NULL"
			}
			return " AND embedding IS NOT NULL"
		}(), args[:len(args)-1]...).Scan(&candidates)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorageFailed, err)
	}

	scoreExpr := fmt.Sprintf("1 - (embedding <=> %s) / 2", vecArg)
	cond := " WHERE "
	if where != "" {
		cond = where + " AND "
	}

	args = append(args, opts.Threshold)
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	// 同分按切片序号升序，排序可复现
	querySQL := `SELECT id, document_id, collection_id, chunk_index, content, chunk_type, token_count, confidence, fingerprint, category, tags, language, doc_created_at, metadata, created_at, updated_at, ` +
		scoreExpr + ` AS score FROM chunks` + cond +
		`embedding IS NOT NULL AND ` + scoreExpr + fmt.Sprintf(` >= $%d`, len(args)) +
		` ORDER BY score DESC, chunk_index, id LIMIT ` + strconv.Itoa(limit)

	rows, err := s.pool.Query(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorageFailed, err)
	}
	defer rows.Close()

	var results []*SearchResult
	for rows.Next() {
		var chunk Chunk
		var chunkType string
		var metadataBytes []byte
		var score float64

		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.CollectionID, &chunk.Index,
			&chunk.Content, &chunkType, &chunk.TokenCount, &chunk.Confidence, &chunk.Fingerprint,
			&chunk.Category, &chunk.Tags, &chunk.Language, &chunk.DocCreatedAt, &metadataBytes,
			&chunk.CreatedAt, &chunk.UpdatedAt, &score); err != nil {
			return nil, err
		}
		chunk.Type = common.ChunkType(chunkType)
		if len(metadataBytes) > 0 {
			_ = json.Unmarshal(metadataBytes, &chunk.Metadata)
		}

		results = append(results, &SearchResult{Chunk: &chunk, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &SearchOutput{Results: results, CandidateCount: candidates}, nil
}

// GetByDocument 返回文档全部切片，按 chunk_index 升序
func (s *PgStore) GetByDocument(ctx context.Context, documentID string) ([]*Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, collection_id, chunk_index, content, chunk_type, token_count, confidence, fingerprint, category, tags, language, doc_created_at, metadata, created_at, updated_at
		 FROM chunks WHERE document_id = $1 ORDER BY chunk_index`,
		documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		var chunk Chunk
		var chunkType string
		var metadataBytes []byte

		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.CollectionID, &chunk.Index,
			&chunk.Content, &chunkType, &chunk.TokenCount, &chunk.Confidence, &chunk.Fingerprint,
			&chunk.Category, &chunk.Tags, &chunk.Language, &chunk.DocCreatedAt, &metadataBytes,
			&chunk.CreatedAt, &chunk.UpdatedAt); err != nil {
			return nil, err
		}
		chunk.Type = common.ChunkType(chunkType)
		if len(metadataBytes) > 0 {
			_ = json.Unmarshal(metadataBytes, &chunk.Metadata)
		}
		chunks = append(chunks, &chunk)
	}
	return chunks, rows.Err()
}

// DeleteByDocument 删除文档全部切片
func (s *PgStore) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	return err
}

// Count 统计切片数量
func (s *PgStore) Count(ctx context.Context, collectionID string) (int64, error) {
	var count int64
	var err error
	if collectionID == "" {
		err = s.pool.QueryRow(ctx, `SELECT count(*) FROM chunks`).Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT count(*) FROM chunks WHERE collection_id = $1`, collectionID).Scan(&count)
	}
	return count, err
}

// Close 关闭连接池
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func buildChunkWhere(opts *SearchOptions) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if opts.CollectionID != "" {
		args = append(args, opts.CollectionID)
		conds = append(conds, fmt.Sprintf("collection_id = $%d", len(args)))
	}
	if len(opts.DocumentIDs) > 0 {
		args = append(args, opts.DocumentIDs)
		conds = append(conds, fmt.Sprintf("document_id = ANY($%d)", len(args)))
	}
	if len(opts.Types) > 0 {
		types := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		conds = append(conds, fmt.Sprintf("chunk_type = ANY($%d)", len(args)))
	}
	if opts.Category != "" {
		args = append(args, opts.Category)
		conds = append(conds, fmt.Sprintf("category = $%d", len(args)))
	}
	if len(opts.Tags) > 0 {
		args = append(args, opts.Tags)
		conds = append(conds, fmt.Sprintf("tags @> $%d", len(args)))
	}
	if opts.Language != "" {
		args = append(args, opts.Language)
		conds = append(conds, fmt.Sprintf("language = $%d", len(args)))
	}
	if opts.CreatedAfter != nil {
		args = append(args, *opts.CreatedAfter)
		conds = append(conds, fmt.Sprintf("doc_created_at >= $%d", len(args)))
	}
	if opts.CreatedBefore != nil {
		args = append(args, *opts.CreatedBefore)
		conds = append(conds, fmt.Sprintf("doc_created_at <= $%d", len(args)))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// vectorLiteral 把向量编码为 pgvector 字面量，如 "[0.1,0.2]"
func vectorLiteral(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}
