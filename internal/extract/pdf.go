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
	"bytes"
	"fmt"
	"strings"

	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"

	"rag-core/internal/pipeline/common"
)

// ExtractPDF 从 PDF 二进制数据中提取正文文本，按页拼接
func ExtractPDF(data []byte) (*Extraction, error) {
	if len(data) == 0 {
		return &Extraction{Text: "", Metadata: map[string]interface{}{"media_type": "application/pdf"}}, nil
	}

	reader, err := model.NewPdfReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: 打开 PDF 失败: %v", common.ErrExtractionFailed, err)
	}

	numPages, err := reader.GetNumPages()
	if err != nil {
		return nil, fmt.Errorf("%w: 获取页数失败: %v", common.ErrExtractionFailed, err)
	}

	var buf strings.Builder
	for i := 1; i <= numPages; i++ {
		page, err := reader.GetPage(i)
		if err != nil {
			return nil, fmt.Errorf("%w: 获取第 %d 页失败: %v", common.ErrExtractionFailed, i, err)
		}
		ex, err := extractor.New(page)
		if err != nil {
			return nil, fmt.Errorf("%w: 创建第 %d 页提取器失败: %v", common.ErrExtractionFailed, i, err)
		}
		text, err := ex.ExtractText()
		if err != nil {
			return nil, fmt.Errorf("%w: 提取第 %d 页文本失败: %v", common.ErrExtractionFailed, i, err)
		}
		if text != "" {
			buf.WriteString(text)
			if i < numPages {
				buf.WriteString("\n\n")
			}
		}
	}

	return &Extraction{
		Text:      strings.TrimSpace(buf.String()),
		PageCount: numPages,
		Metadata:  map[string]interface{}{"media_type": "application/pdf", "pages": numPages},
	}, nil
}
