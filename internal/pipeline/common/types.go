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

package common

import (
	"time"
)

// ChunkType 切片类型，由内容启发式分类得出
type ChunkType string

const (
	ChunkTypeContent ChunkType = "content" // 普通正文
	ChunkTypeHeader  ChunkType = "header"  // 标题/小节开头
	ChunkTypeList    ChunkType = "list"    // 列表
	ChunkTypeContact ChunkType = "contact" // 联系方式
	ChunkTypeVision  ChunkType = "vision"  // 图像/视觉描述
)

// Chunk 文档切片
type Chunk struct {
	ID          string                 `json:"id"`
	DocumentID  string                 `json:"document_id"`
	Index       int                    `json:"index"`
	Content     string                 `json:"content"`
	Type        ChunkType              `json:"type"`
	TokenCount  int                    `json:"token_count"` // 按空白分词的估算值
	Confidence  float64                `json:"confidence"`  // 来源提取置信度 [0,1]
	Fingerprint string                 `json:"fingerprint"`
	Embedding   []float64              `json:"embedding,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Stage Pipeline 处理阶段
type Stage string

const (
	StageUpload    Stage = "upload"
	StageOCR       Stage = "ocr"
	StageChunking  Stage = "chunking"
	StageEmbedding Stage = "embedding"
	StageIndexing  Stage = "indexing"
)

// Stages 返回全部阶段（按执行顺序）
func Stages() []Stage {
	return []Stage{StageUpload, StageOCR, StageChunking, StageEmbedding, StageIndexing}
}

// Progress 阶段完成后的进度百分比
func Progress(stage Stage) int {
	switch stage {
	case StageUpload:
		return 10
	case StageOCR:
		return 30
	case StageChunking:
		return 50
	case StageEmbedding:
		return 80
	case StageIndexing:
		return 100
	default:
		return 0
	}
}

// LogStatus 处理日志状态
type LogStatus string

const (
	LogStarted   LogStatus = "started"
	LogCompleted LogStatus = "completed"
	LogFailed    LogStatus = "failed"
	LogCancelled LogStatus = "cancelled"
)

// ProcessingLogEntry 处理日志条目，按时间追加到文档元数据
type ProcessingLogEntry struct {
	Stage      Stage     `json:"stage"`
	Status     LogStatus `json:"status"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMS int64     `json:"duration_ms,omitempty"` // 阶段耗时，completed/failed 时相对 started 计算
}

// NewLogEntry 创建处理日志条目
func NewLogEntry(stage Stage, status LogStatus, message string) ProcessingLogEntry {
	return ProcessingLogEntry{
		Stage:     stage,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// NewLogEntryWithDuration 创建带耗时的处理日志条目
func NewLogEntryWithDuration(stage Stage, status LogStatus, message string, d time.Duration) ProcessingLogEntry {
	entry := NewLogEntry(stage, status, message)
	entry.DurationMS = d.Milliseconds()
	return entry
}
