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

package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rag-core/internal/pipeline/common"
)

const documentsSchema = `
CREATE TABLE IF NOT EXISTS documents (
    id            TEXT PRIMARY KEY,
    org_id        TEXT NOT NULL DEFAULT '',
    collection_id TEXT NOT NULL DEFAULT 'default',
    name          TEXT NOT NULL,
    media_type    TEXT NOT NULL DEFAULT '',
    size          BIGINT NOT NULL DEFAULT 0,
    path          TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'uploaded',
    progress      INT NOT NULL DEFAULT 0,
    chunk_count   INT NOT NULL DEFAULT 0,
    vector_count  INT NOT NULL DEFAULT 0,
    metadata      JSONB NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_documents_org ON documents (org_id);
CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents (collection_id);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (status);
`

// PgStore PostgreSQL 元数据存储实现，使用 documents 表
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 创建基于 PostgreSQL 的元数据存储并初始化表结构
func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
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
	if _, err := pool.Exec(ctx, documentsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("初始化 documents 表失败: %w", err)
	}
	return &PgStore{pool: pool}, nil
}

// NewPgStoreWithPool 复用已有连接池创建元数据存储
func NewPgStoreWithPool(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Pool 返回底层连接池，供同 DSN 的其他存储复用
func (s *PgStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Create 创建文档元数据
func (s *PgStore) Create(ctx context.Context, doc *Document) error {
	if doc.Status == "" {
		doc.Status = StatusUploaded
	}
	if doc.Metadata == nil {
		doc.Metadata = make(map[string]interface{})
	}
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	_, err = s.pool.Exec(ctx,
		`INSERT INTO documents (id, org_id, collection_id, name, media_type, size, path, status, progress, chunk_count, vector_count, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		doc.ID, doc.OrgID, doc.CollectionID, doc.Name, doc.MediaType, doc.Size, doc.Path,
		string(doc.Status), doc.Progress, doc.ChunkCount, doc.VectorCount, metadataJSON,
		doc.CreatedAt, doc.UpdatedAt,
	)
	return err
}

// Get 根据 ID 获取文档元数据
func (s *PgStore) Get(ctx context.Context, id string) (*Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, org_id, collection_id, name, media_type, size, path, status, progress, chunk_count, vector_count, metadata, created_at, updated_at
		 FROM documents WHERE id = $1`, id)
	return scanDocument(row)
}

// Update 更新文档元数据
func (s *PgStore) Update(ctx context.Context, doc *Document) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET org_id = $2, collection_id = $3, name = $4, media_type = $5, size = $6, path = $7,
		 status = $8, progress = $9, chunk_count = $10, vector_count = $11, metadata = $12, updated_at = now()
		 WHERE id = $1`,
		doc.ID, doc.OrgID, doc.CollectionID, doc.Name, doc.MediaType, doc.Size, doc.Path,
		string(doc.Status), doc.Progress, doc.ChunkCount, doc.VectorCount, metadataJSON,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return common.ErrDocumentNotFound
	}
	return nil
}

// Delete 根据 ID 删除文档元数据
func (s *PgStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return common.ErrDocumentNotFound
	}
	return nil
}

// List 列出文档元数据
func (s *PgStore) List(ctx context.Context, filter *Filter, pagination *Pagination) ([]*Document, error) {
	where, args := buildWhere(filter)
	query := `SELECT id, org_id, collection_id, name, media_type, size, path, status, progress, chunk_count, vector_count, metadata, created_at, updated_at
		 FROM documents` + where + ` ORDER BY created_at DESC, id`
	if pagination != nil {
		query += fmt.Sprintf(" OFFSET %d LIMIT %d", pagination.Offset, pagination.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, doc)
	}
	return results, rows.Err()
}

// Count 统计文档数量
func (s *PgStore) Count(ctx context.Context, filter *Filter) (int64, error) {
	where, args := buildWhere(filter)
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM documents`+where, args...).Scan(&count)
	return count, err
}

// ClaimProcessing 原子认领：状态转移在单条 UPDATE 中完成，并发重复认领只会有一个成功
func (s *PgStore) ClaimProcessing(ctx context.Context, id string, force bool) (*Document, error) {
	allowed := `'uploaded', 'failed'`
	if force {
		// force 可认领 processing：覆盖取消后残留与宕机残留的运行
		allowed += `, 'completed', 'processing'`
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE documents SET status = 'processing', progress = 0, updated_at = now()
		 WHERE id = $1 AND status IN (`+allowed+`)
		 RETURNING id, org_id, collection_id, name, media_type, size, path, status, progress, chunk_count, vector_count, metadata, created_at, updated_at`,
		id)
	doc, err := scanDocument(row)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, common.ErrDocumentNotFound) {
		return nil, err
	}

	// 认领失败：区分不存在 / 正在处理 / 已完成
	var status string
	qerr := s.pool.QueryRow(ctx, `SELECT status FROM documents WHERE id = $1`, id).Scan(&status)
	if qerr != nil {
		if errors.Is(qerr, pgx.ErrNoRows) {
			return nil, common.ErrDocumentNotFound
		}
		return nil, qerr
	}
	switch Status(status) {
	case StatusProcessing:
		return nil, common.ErrAlreadyProcessing
	case StatusCompleted:
		return nil, common.ErrAlreadyCompleted
	}
	return nil, common.ErrAlreadyProcessing
}

// SetStatus 更新状态与进度
func (s *PgStore) SetStatus(ctx context.Context, id string, status Status, progress int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $2, progress = $3, updated_at = now() WHERE id = $1`,
		id, string(status), progress)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return common.ErrDocumentNotFound
	}
	return nil
}

// AppendLog 追加处理日志到 metadata.processing_log
func (s *PgStore) AppendLog(ctx context.Context, id string, entry common.ProcessingLogEntry) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET metadata = jsonb_set(metadata, '{processing_log}',
		   COALESCE(metadata->'processing_log', '[]'::jsonb) || $2::jsonb, true),
		 updated_at = now() WHERE id = $1`,
		id, string(entryJSON))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return common.ErrDocumentNotFound
	}
	return nil
}

// MergeMetadata 合并键值到 metadata
func (s *PgStore) MergeMetadata(ctx context.Context, id string, values map[string]interface{}) error {
	valuesJSON, err := json.Marshal(values)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET metadata = metadata || $2::jsonb, updated_at = now() WHERE id = $1`,
		id, string(valuesJSON))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return common.ErrDocumentNotFound
	}
	return nil
}

// Close 关闭连接池
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func buildWhere(filter *Filter) (string, []interface{}) {
	if filter == nil {
		return "", nil
	}

	var conds []string
	var args []interface{}

	if len(filter.IDs) > 0 {
		args = append(args, filter.IDs)
		conds = append(conds, fmt.Sprintf("id = ANY($%d)", len(args)))
	}
	if filter.OrgID != "" {
		args = append(args, filter.OrgID)
		conds = append(conds, fmt.Sprintf("org_id = $%d", len(args)))
	}
	if filter.CollectionID != "" {
		args = append(args, filter.CollectionID)
		conds = append(conds, fmt.Sprintf("collection_id = $%d", len(args)))
	}
	if len(filter.MediaTypes) > 0 {
		args = append(args, filter.MediaTypes)
		conds = append(conds, fmt.Sprintf("media_type = ANY($%d)", len(args)))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		conds = append(conds, fmt.Sprintf("name ILIKE $%d", len(args)))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var status string
	var metadataBytes []byte

	err := row.Scan(&doc.ID, &doc.OrgID, &doc.CollectionID, &doc.Name, &doc.MediaType, &doc.Size, &doc.Path,
		&status, &doc.Progress, &doc.ChunkCount, &doc.VectorCount, &metadataBytes,
		&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.ErrDocumentNotFound
		}
		return nil, err
	}

	doc.Status = Status(status)
	if len(metadataBytes) > 0 {
		_ = json.Unmarshal(metadataBytes, &doc.Metadata)
	}
	if doc.Metadata == nil {
		doc.Metadata = make(map[string]interface{})
	}
	return &doc, nil
}
