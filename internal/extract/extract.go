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
	"fmt"
	"os"
	"strings"

	"rag-core/internal/pipeline/common"
)

// Extraction 提取结果
type Extraction struct {
	Text       string                 // 提取出的正文
	PageCount  int                    // 页数（纯文本为 0）
	Confidence float64                // 识别置信度 [0,1]，原生文本为 1
	Metadata   map[string]interface{} // 来源相关元数据
}

// Extractor 文本提取接口
type Extractor interface {
	// Extract 从本地文件提取正文
	Extract(ctx context.Context, path string, mediaType string) (*Extraction, error)

	// Supports 是否支持该媒体类型
	Supports(mediaType string) bool
}

// Config 提取配置
type Config struct {
	OCREndpoint string `yaml:"ocr_endpoint"` // 远程 OCR 服务地址，为空时不启用
	OCRTimeout  string `yaml:"ocr_timeout"`
}

// NewExtractor 创建组合提取器：本地 PDF/纯文本优先，图像类交给远程 OCR
func NewExtractor(config Config) Extractor {
	var ocr Extractor
	if config.OCREndpoint != "" {
		ocr = NewRemoteOCR(config.OCREndpoint, config.OCRTimeout)
	}
	return &composite{ocr: ocr}
}

type composite struct {
	ocr Extractor
}

func (c *composite) Supports(mediaType string) bool {
	switch normalizeMediaType(mediaType) {
	case "application/pdf", "text/plain", "text/markdown", "text/html":
		return true
	}
	if c.ocr != nil && c.ocr.Supports(mediaType) {
		return true
	}
	return false
}

func (c *composite) Extract(ctx context.Context, path string, mediaType string) (*Extraction, error) {
	mt := normalizeMediaType(mediaType)

	switch mt {
	case "application/pdf":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrExtractionFailed, err)
		}
		return ExtractPDF(data)
	case "text/plain", "text/markdown", "text/html":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrExtractionFailed, err)
		}
		return &Extraction{
			Text:       strings.TrimSpace(string(data)),
			Confidence: 1,
			Metadata:   map[string]interface{}{"media_type": mt},
		}, nil
	}

	if c.ocr != nil && c.ocr.Supports(mt) {
		return c.ocr.Extract(ctx, path, mt)
	}

	return nil, fmt.Errorf("%w: %s", common.ErrUnsupportedMediaType, mediaType)
}

// normalizeMediaType 去掉参数部分并小写，如 "text/plain; charset=utf-8" → "text/plain"
func normalizeMediaType(mediaType string) string {
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = mediaType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}
