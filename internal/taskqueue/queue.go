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
	"fmt"

	"rag-core/pkg/config"
)

// Queue 文档处理任务队列：API 入队，Worker 认领并驱动 ingest pipeline
type Queue interface {
	// Enqueue 入队一个文档处理任务，返回 task_id
	Enqueue(ctx context.Context, documentID string, force bool) (taskID string, err error)
	// ClaimOne 原子认领一条 pending 任务；无任务时返回 nil, nil
	ClaimOne(ctx context.Context, workerID string) (*Task, error)
	// MarkCompleted 标记任务完成
	MarkCompleted(ctx context.Context, taskID string) error
	// MarkFailed 标记任务失败
	MarkFailed(ctx context.Context, taskID string, errMsg string) error
	// Close 关闭队列
	Close() error
}

// Task 队列中的处理任务
type Task struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Force      bool   `json:"force"` // 已完成文档是否强制重处理
	WorkerID   string `json:"worker_id,omitempty"`
}

// NewQueue 根据配置创建任务队列
func NewQueue(ctx context.Context, cfg config.QueueConfig) (Queue, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryQueue(), nil
	case "postgres", "pg":
		return NewPgQueue(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("不支持的队列类型: %s", cfg.Type)
	}
}
