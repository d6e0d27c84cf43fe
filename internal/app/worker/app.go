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

package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"rag-core/internal/app"
	"rag-core/internal/pipeline/common"
	"rag-core/internal/taskqueue"
	"rag-core/pkg/log"
)

// App Worker 应用：轮询任务队列，认领任务并驱动入库管线
type App struct {
	bootstrap    *app.Bootstrap
	logger       *log.Logger
	queue        taskqueue.Queue
	concurrency  int
	pollInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp 创建 Worker 应用（由 cmd/worker 调用）
func NewApp(b *app.Bootstrap) (*App, error) {
	if b.Queue == nil {
		return nil, fmt.Errorf("worker 需要配置任务队列（queue.type）")
	}
	if b.Pipeline == nil {
		return nil, fmt.Errorf("worker 需要入库管线")
	}

	concurrency := 2
	pollInterval := 2 * time.Second
	if b.Config != nil {
		if b.Config.Worker.Concurrency > 0 {
			concurrency = b.Config.Worker.Concurrency
		}
		if d, err := time.ParseDuration(b.Config.Worker.PollInterval); err == nil && d > 0 {
			pollInterval = d
		}
	}

	return &App{
		bootstrap:    b,
		logger:       b.Logger,
		queue:        b.Queue,
		concurrency:  concurrency,
		pollInterval: pollInterval,
	}, nil
}

// Start 启动 worker 协程
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	hostname, _ := os.Hostname()
	for i := 0; i < a.concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", hostname, i)
		a.wg.Add(1)
		go a.runWorker(ctx, workerID)
	}
	a.logger.Info("Worker 已启动", "concurrency", a.concurrency, "poll_interval", a.pollInterval.String())
	return nil
}

func (a *App) runWorker(ctx context.Context, workerID string) {
	defer a.wg.Done()
	logger := a.logger.With("worker_id", workerID)

	for {
		task, err := a.queue.ClaimOne(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("认领任务失败", "error", err)
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.pollInterval):
			}
			continue
		}

		logger.Info("处理任务", "task_id", task.ID, "document_id", task.DocumentID, "force", task.Force)
		if err := a.bootstrap.Pipeline.Process(ctx, task.DocumentID, task.Force); err != nil {
			// 队列可能重复投递同一文档，认领冲突与重复完成按任务完成处理
			if errors.Is(err, common.ErrAlreadyProcessing) || errors.Is(err, common.ErrAlreadyCompleted) {
				logger.Info("文档已处理，跳过", "document_id", task.DocumentID, "reason", err.Error())
				if mErr := a.queue.MarkCompleted(ctx, task.ID); mErr != nil {
					logger.Error("标记任务完成失败", "task_id", task.ID, "error", mErr)
				}
				continue
			}
			logger.Error("文档处理失败", "document_id", task.DocumentID, "error", err)
			// 进程退出途中 ctx 已取消，终态写回用独立 context
			markCtx := ctx
			if ctx.Err() != nil {
				markCtx = context.WithoutCancel(ctx)
			}
			if mErr := a.queue.MarkFailed(markCtx, task.ID, err.Error()); mErr != nil {
				logger.Error("标记任务失败失败", "task_id", task.ID, "error", mErr)
			}
			continue
		}
		if err := a.queue.MarkCompleted(ctx, task.ID); err != nil {
			logger.Error("标记任务完成失败", "task_id", task.ID, "error", err)
		}
	}
}

// Shutdown 停止 worker 并关闭组件
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("等待 worker 退出超时")
	}

	a.bootstrap.Shutdown(ctx)
	return nil
}
