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

package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// OpenAIEmbedder OpenAI 兼容 Embedding 客户端
type OpenAIEmbedder struct {
	model     string
	dimension int
	apiKey    string
	baseURL   string
	client    *resty.Client
	limiter   *rate.Limiter
}

// NewOpenAIEmbedder 创建 OpenAI 兼容 Embedding 客户端；baseURL 为空时用默认或 OPENAI_BASE_URL
func NewOpenAIEmbedder(config Config) (*OpenAIEmbedder, error) {
	model := config.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	dimension := config.Dimension
	if dimension <= 0 {
		dimension = 1536
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
		if envURL := os.Getenv("OPENAI_BASE_URL"); envURL != "" {
			baseURL = envURL
		}
	}
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	timeout := 30 * time.Second
	if config.Timeout != "" {
		if d, err := time.ParseDuration(config.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(3)
	client.SetRetryWaitTime(1 * time.Second)
	client.SetRetryMaxWaitTime(5 * time.Second)

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	return &OpenAIEmbedder{
		model:     model,
		dimension: dimension,
		apiKey:    apiKey,
		baseURL:   baseURL,
		client:    client,
		limiter:   limiter,
	}, nil
}

// Model 返回模型名称
func (e *OpenAIEmbedder) Model() string {
	return e.model
}

// Dimension 返回向量维度
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

// Embed 批量向量化文本
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding 限流等待失败: %w", err)
		}
	}

	// 构建请求
	request := map[string]interface{}{
		"model": e.model,
		"input": texts,
	}

	// 发送请求
	response, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+e.apiKey).
		SetBody(request).
		Post(e.baseURL + "/embeddings")

	if err != nil {
		return nil, fmt.Errorf("调用 Embedding API 失败: %w", err)
	}

	if response.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("Embedding API 返回错误: %s", response.String())
	}

	// 解析响应
	var result struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}

	if err := json.Unmarshal(response.Body(), &result); err != nil {
		return nil, fmt.Errorf("解析 Embedding 响应失败: %w", err)
	}

	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("Embedding API 返回数量不匹配: want %d, got %d", len(texts), len(result.Data))
	}

	// API 不保证顺序，按 index 归位
	vectors := make([][]float64, len(texts))
	for _, item := range result.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("Embedding API 返回非法 index: %d", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}

	return vectors, nil
}
