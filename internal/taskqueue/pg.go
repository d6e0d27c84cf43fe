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

package taskqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tasksSchema = `
CREATE TABLE IF NOT EXISTS process_tasks (
    id           TEXT PRIMARY KEY,
    document_id  TEXT NOT NULL,
    force        BOOLEAN NOT NULL DEFAULT false,
    status       TEXT NOT NULL DEFAULT 'pending',
    worker_id    TEXT,
    error        TEXT,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    claimed_at   TIMESTAMPTZ,
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_process_tasks_pending ON process_tasks (created_at) WHERE status = 'pending';
`

// PgQueue PostgreSQL 队列实现，使用 process_tasks 表
type PgQueue struct {
	pool *pgxpool.Pool
}

// NewPgQueue 创建基于 PostgreSQL 的任务队列并初始化表结构
func NewPgQueue(ctx context.Context, dsn string) (*PgQueue, error) {
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
	if _, err := pool.Exec(ctx, tasksSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("初始化 process_tasks 表失败: %w", err)
	}
	return &PgQueue{pool: pool}, nil
}

// Enqueue 入队
func (q *PgQueue) Enqueue(ctx context.Context, documentID string, force bool) (string, error) {
	if documentID == "" {
		return "", errors.New("document_id 不能为空")
	}
	taskID := uuid.New().String()
	_, err := q.pool.Exec(ctx,
		`INSERT INTO process_tasks (id, document_id, force, status) VALUES ($1, $2, $3, 'pending')`,
		taskID, documentID, force,
	)
	return taskID, err
}

// ClaimOne 原子认领一条 pending 任务
func (q *PgQueue) ClaimOne(ctx context.Context, workerID string) (*Task, error) {
	var task Task
	err := q.pool.QueryRow(ctx,
		`WITH sel AS (
  SELECT id FROM process_tasks WHERE status = 'pending' ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED
)
UPDATE process_tasks SET status = 'claimed', worker_id = $1, claimed_at = now()
FROM sel WHERE process_tasks.id = sel.id
RETURNING process_tasks.id, process_tasks.document_id, process_tasks.force`,
		workerID,
	).Scan(&task.ID, &task.DocumentID, &task.Force)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	task.WorkerID = workerID
	return &task, nil
}

// MarkCompleted 标记任务完成
func (q *PgQueue) MarkCompleted(ctx context.Context, taskID string) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE process_tasks SET status = 'completed', error = NULL, completed_at = now() WHERE id = $1`,
		taskID,
	)
	return err
}

// MarkFailed 标记任务失败
func (q *PgQueue) MarkFailed(ctx context.Context, taskID string, errMsg string) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE process_tasks SET status = 'failed', error = $1, completed_at = now() WHERE id = $2`,
		errMsg, taskID,
	)
	return err
}

// Close 关闭连接池
func (q *PgQueue) Close() error {
	q.pool.Close()
	return nil
}
