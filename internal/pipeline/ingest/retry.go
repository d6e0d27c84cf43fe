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
	"errors"
	"time"

	"rag-core/internal/pipeline/common"
)

// RetryPolicy 可重试操作的重试策略。
// Retryable 为 nil 时默认只重试限流与超时类错误。
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Retryable   func(error) bool
}

// DefaultRetryPolicy 默认策略：最多 3 次，间隔指数递增
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
	}
}

// Do 执行 fn，失败且可重试时按退避间隔重试；ctx 取消立即返回
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = defaultRetryable
	}

	var lastErr error
	backoff := p.Backoff
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || i == attempts-1 {
			return lastErr
		}

		if backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return lastErr
}

func defaultRetryable(err error) bool {
	return errors.Is(err, common.ErrRateLimit) || errors.Is(err, common.ErrTimeout)
}
