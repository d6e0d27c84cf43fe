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
	"sync"

	"github.com/google/uuid"
)

type memoryTask struct {
	task   Task
	status string // pending | claimed | completed | failed
	errMsg string
	seq    int
}

// MemoryQueue 内存队列实现，单进程部署用
type MemoryQueue struct {
	mu    sync.Mutex
	tasks map[string]*memoryTask
	next  int
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		tasks: make(map[string]*memoryTask),
	}
}

// Enqueue 入队
func (q *MemoryQueue) Enqueue(ctx context.Context, documentID string, force bool) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.New().String()
	q.next++
	q.tasks[id] = &memoryTask{
		task:   Task{ID: id, DocumentID: documentID, Force: force},
		status: "pending",
		seq:    q.next,
	}
	return id, nil
}

// ClaimOne 认领最早入队的 pending 任务
func (q *MemoryQueue) ClaimOne(ctx context.Context, workerID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var oldest *memoryTask
	for _, t := range q.tasks {
		if t.status != "pending" {
			continue
		}
		if oldest == nil || t.seq < oldest.seq {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.status = "claimed"
	oldest.task.WorkerID = workerID
	task := oldest.task
	return &task, nil
}

// MarkCompleted 标记完成
func (q *MemoryQueue) MarkCompleted(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.tasks[taskID]; ok {
		t.status = "completed"
	}
	return nil
}

// MarkFailed 标记失败
func (q *MemoryQueue) MarkFailed(ctx context.Context, taskID string, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.tasks[taskID]; ok {
		t.status = "failed"
		t.errMsg = errMsg
	}
	return nil
}

// Close 关闭队列
func (q *MemoryQueue) Close() error {
	return nil
}
