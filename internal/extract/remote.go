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

package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"rag-core/internal/pipeline/common"
)

// RemoteOCR 远程 OCR 提取器，用于扫描件与图像类文档
type RemoteOCR struct {
	endpoint string
	client   *resty.Client
}

// NewRemoteOCR 创建远程 OCR 提取器
func NewRemoteOCR(endpoint string, timeout string) *RemoteOCR {
	t := 60 * time.Second
	if timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil && d > 0 {
			t = d
		}
	}

	client := resty.New()
	client.SetTimeout(t)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(2 * time.Second)

	return &RemoteOCR{
		endpoint: endpoint,
		client:   client,
	}
}

// Supports 是否支持该媒体类型
func (r *RemoteOCR) Supports(mediaType string) bool {
	switch normalizeMediaType(mediaType) {
	case "image/png", "image/jpeg", "image/tiff", "image/webp":
		return true
	}
	return false
}

// Extract 上传文件到 OCR 服务并返回识别文本
func (r *RemoteOCR) Extract(ctx context.Context, path string, mediaType string) (*Extraction, error) {
	response, err := r.client.R().
		SetContext(ctx).
		SetFile("file", path).
		SetFormData(map[string]string{"media_type": normalizeMediaType(mediaType)}).
		Post(r.endpoint + "/v1/ocr")

	if err != nil {
		return nil, fmt.Errorf("%w: 调用 OCR 服务失败: %v", common.ErrExtractionFailed, err)
	}

	if response.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: OCR 服务返回错误: %s", common.ErrExtractionFailed, response.String())
	}

	var result struct {
		Text       string  `json:"text"`
		Pages      int     `json:"pages"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(response.Body(), &result); err != nil {
		return nil, fmt.Errorf("%w: 解析 OCR 响应失败: %v", common.ErrExtractionFailed, err)
	}

	confidence := result.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 1
	}
	return &Extraction{
		Text:       result.Text,
		PageCount:  result.Pages,
		Confidence: confidence,
		Metadata:   map[string]interface{}{"media_type": normalizeMediaType(mediaType), "ocr": true},
	}, nil
}
