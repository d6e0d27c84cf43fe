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
	"fmt"
	"os"
	"sync"
	"time"

	"rag-core/internal/chunking"
	"rag-core/internal/dedup"
	"rag-core/internal/extract"
	"rag-core/internal/model/embedding"
	"rag-core/internal/pipeline/common"
	"rag-core/internal/storage/chunkstore"
	"rag-core/internal/storage/metadata"
	"rag-core/pkg/log"
	"rag-core/pkg/metrics"
	"rag-core/pkg/tracing"
)

// Pipeline 文档入库管线：提取 → 切片 → 向量化 → 索引。
// 认领靠元数据存储的原子状态转移，同一文档不会被并发处理；
// Cancel 通过 context 协作取消，阶段边界与向量化批次之间检查。
type Pipeline struct {
	meta        metadata.Store
	chunks      chunkstore.Store
	extractor   extract.Extractor
	chunker     *chunking.Engine
	embedder    embedding.Embedder
	concurrency int
	retry       RetryPolicy
	logger      *log.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Config Pipeline 构造参数
type Config struct {
	Metadata    metadata.Store
	Chunks      chunkstore.Store
	Extractor   extract.Extractor
	Chunker     *chunking.Engine
	Embedder    embedding.Embedder
	Concurrency int
	Retry       *RetryPolicy
	Logger      *log.Logger
}

// NewPipeline 创建入库管线
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Metadata == nil || cfg.Chunks == nil {
		return nil, fmt.Errorf("pipeline 需要 metadata 与 chunk 存储")
	}
	if cfg.Chunker == nil {
		cfg.Chunker = chunking.NewEngine(chunking.Options{PreserveParagraphs: true})
	}
	if cfg.Extractor == nil {
		cfg.Extractor = extract.NewExtractor(extract.Config{})
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	retry := DefaultRetryPolicy()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	logger := cfg.Logger
	if logger == nil {
		logger, _ = log.NewLogger(nil)
	}

	return &Pipeline{
		meta:        cfg.Metadata,
		chunks:      cfg.Chunks,
		extractor:   cfg.Extractor,
		chunker:     cfg.Chunker,
		embedder:    cfg.Embedder,
		concurrency: concurrency,
		retry:       retry,
		logger:      logger,
		running:     make(map[string]context.CancelFunc),
	}, nil
}

// Process 认领并处理文档。认领失败原样返回存储层错误
// （ErrDocumentNotFound / ErrAlreadyProcessing / ErrAlreadyCompleted）。
func (p *Pipeline) Process(ctx context.Context, documentID string, force bool) error {
	doc, err := p.meta.ClaimProcessing(ctx, documentID, force)
	if err != nil {
		return err
	}

	// 强制重处理先清掉旧切片，避免旧版本内容残留在索引里
	if force {
		if err := p.chunks.DeleteByDocument(ctx, documentID); err != nil {
			p.logger.Warn("清理旧切片失败", "document_id", documentID, "error", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.running[documentID] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.running, documentID)
		p.mu.Unlock()
	}()

	return p.run(runCtx, doc)
}

// Cancel 协作取消正在处理的文档；文档不在处理中返回 false
func (p *Pipeline) Cancel(documentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cancel, ok := p.running[documentID]
	if ok {
		cancel()
	}
	return ok
}

// run 按阶段执行。向量化或存储失败不终止处理：文档仍然完成，
// vector_processed 标记为 false，原因记在 vector_error。
func (p *Pipeline) run(ctx context.Context, doc *metadata.Document) error {
	logger := p.logger.With("document_id", doc.ID)

	// upload：校验文件与媒体类型
	if err := p.runStage(ctx, doc, common.StageUpload, func(ctx context.Context) error {
		if doc.Path == "" {
			return common.NewPipelineError(common.StageUpload, doc.ID, "文档缺少文件路径", common.ErrInvalidInput)
		}
		if _, err := os.Stat(doc.Path); err != nil {
			return common.NewPipelineError(common.StageUpload, doc.ID, "文档文件不可读", err)
		}
		if !p.extractor.Supports(doc.MediaType) {
			return fmt.Errorf("%w: %s", common.ErrUnsupportedMediaType, doc.MediaType)
		}
		return nil
	}); err != nil {
		return p.fail(ctx, doc, common.StageUpload, err)
	}

	// ocr：文本提取
	var text string
	var confidence float64
	if err := p.runStage(ctx, doc, common.StageOCR, func(ctx context.Context) error {
		extraction, err := p.extractor.Extract(ctx, doc.Path, doc.MediaType)
		if err != nil {
			return err
		}
		text = extraction.Text
		confidence = extraction.Confidence
		// 全文指纹随提取结果记录，内容未变的重复处理可被识别
		values := map[string]interface{}{
			"fingerprint":    dedup.Fingerprint(text),
			"ocr_confidence": extraction.Confidence,
		}
		if extraction.PageCount > 0 {
			values["pages"] = extraction.PageCount
		}
		_ = p.meta.MergeMetadata(ctx, doc.ID, values)
		return nil
	}); err != nil {
		return p.fail(ctx, doc, common.StageOCR, err)
	}

	// chunking：切片
	var docChunks []common.Chunk
	if err := p.runStage(ctx, doc, common.StageChunking, func(ctx context.Context) error {
		var err error
		docChunks, err = p.chunker.Split(doc.ID, text)
		return err
	}); err != nil {
		return p.fail(ctx, doc, common.StageChunking, err)
	}
	for i := range docChunks {
		docChunks[i].Confidence = confidence
	}

	// 空文档：没有切片也算完成
	if len(docChunks) == 0 {
		logger.Info("文档无有效内容，跳过向量化与索引")
		return p.complete(ctx, doc, runSummary{vectorProcessed: true, confidence: confidence})
	}

	// embedding：并发向量化；失败的切片跳过，不终止处理
	var embedFailures int
	if err := p.runStage(ctx, doc, common.StageEmbedding, func(ctx context.Context) error {
		var err error
		embedFailures, err = p.embedChunks(ctx, docChunks)
		return err
	}); err != nil {
		return p.fail(ctx, doc, common.StageEmbedding, err)
	}
	if embedFailures > 0 {
		logger.Warn("部分切片向量化失败，降级处理", "failed", embedFailures, "total", len(docChunks))
	}

	// indexing：去重写入全部切片，未向量化的也入库，正文可取但不参与检索。
	// 存储失败同样降级：中止剩余写入，文档带错误标记完成。
	summary := runSummary{chunkCount: len(docChunks), confidence: confidence}
	var storeErr error
	if err := p.runStage(ctx, doc, common.StageIndexing, func(ctx context.Context) error {
		for i := range docChunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			created, err := p.chunks.Upsert(ctx, toStoreChunk(&docChunks[i], doc))
			if err != nil {
				storeErr = fmt.Errorf("%w: %v", common.ErrStorageFailed, err)
				logger.Warn("切片写入失败，中止剩余写入", "error", err, "stored", summary.stored)
				return nil
			}
			summary.stored++
			summary.tokenCount += docChunks[i].TokenCount
			if len(docChunks[i].Embedding) > 0 {
				summary.vectorCount++
			}
			if created {
				metrics.ChunksStored.Inc()
			} else {
				metrics.DedupHits.Inc()
			}
		}
		return nil
	}); err != nil {
		return p.fail(ctx, doc, common.StageIndexing, err)
	}

	summary.vectorProcessed = embedFailures == 0 && storeErr == nil
	if embedFailures > 0 {
		summary.vectorError = fmt.Sprintf("%d/%d 个切片向量化失败", embedFailures, len(docChunks))
	}
	if storeErr != nil {
		summary.vectorError = storeErr.Error()
	}
	return p.complete(ctx, doc, summary)
}

// runStage 执行单个阶段：日志、进度、指标、阶段 span
func (p *Pipeline) runStage(ctx context.Context, doc *metadata.Document, stage common.Stage, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stageCtx, span := tracing.StartStageSpan(ctx, doc.ID, string(stage))
	defer span.End()

	_ = p.meta.AppendLog(ctx, doc.ID, common.NewLogEntry(stage, common.LogStarted, ""))
	start := time.Now()

	err := fn(stageCtx)
	elapsed := time.Since(start)
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())

	if err != nil {
		return err
	}
	_ = p.meta.AppendLog(ctx, doc.ID, common.NewLogEntryWithDuration(stage, common.LogCompleted, "", elapsed))
	return p.meta.SetStatus(ctx, doc.ID, metadata.StatusProcessing, common.Progress(stage))
}

// embedChunks 用工作池向量化切片，结果写回原切片；单个切片失败只计数
func (p *Pipeline) embedChunks(ctx context.Context, docChunks []common.Chunk) (int, error) {
	if p.embedder == nil {
		// 未配置 embedder 时全部降级
		return len(docChunks), nil
	}

	concurrency := p.concurrency
	if len(docChunks) < concurrency {
		concurrency = len(docChunks)
	}

	var wg sync.WaitGroup
	idxChan := make(chan int, len(docChunks))
	var mu sync.Mutex
	failures := 0

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range idxChan {
				if ctx.Err() != nil {
					return
				}
				chunk := &docChunks[idx]
				err := p.retry.Do(ctx, func() error {
					vecs, err := p.embedder.Embed(ctx, []string{chunk.Content})
					if err != nil {
						return err
					}
					if len(vecs) > 0 {
						chunk.Embedding = vecs[0]
					}
					return nil
				})
				if err != nil {
					mu.Lock()
					failures++
					mu.Unlock()
				}
			}
		}()
	}

	for i := range docChunks {
		idxChan <- i
	}
	close(idxChan)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return failures, nil
}

// runSummary 一次处理的统计结果
type runSummary struct {
	chunkCount      int
	stored          int
	vectorCount     int
	tokenCount      int
	confidence      float64
	vectorProcessed bool
	vectorError     string
}

// complete 收尾：更新计数、状态与降级标记
func (p *Pipeline) complete(ctx context.Context, doc *metadata.Document, s runSummary) error {
	values := map[string]interface{}{
		"chunk_count":      s.chunkCount,
		"vector_count":     s.vectorCount,
		"token_count":      s.tokenCount,
		"confidence":       s.confidence,
		"vector_processed": s.vectorProcessed,
		"processed_at":     time.Now().UTC().Format(time.RFC3339),
	}
	if s.vectorError != "" {
		values["vector_error"] = s.vectorError
	}
	if p.embedder != nil && s.vectorCount > 0 {
		values["embedding_model"] = p.embedder.Model()
	}
	if err := p.meta.MergeMetadata(ctx, doc.ID, values); err != nil {
		return err
	}

	fresh, err := p.meta.Get(ctx, doc.ID)
	if err != nil {
		return err
	}
	fresh.ChunkCount = s.chunkCount
	fresh.VectorCount = s.vectorCount
	if err := p.meta.Update(ctx, fresh); err != nil {
		return err
	}

	if err := p.meta.SetStatus(ctx, doc.ID, metadata.StatusCompleted, 100); err != nil {
		return err
	}

	metrics.DocumentsProcessed.WithLabelValues("completed").Inc()
	p.logger.Info("文档处理完成", "document_id", doc.ID, "chunks", s.chunkCount, "vectors", s.vectorCount, "vector_processed", s.vectorProcessed)
	return nil
}

// fail 收尾：失败置为 failed；取消只记日志，状态保持 processing
func (p *Pipeline) fail(ctx context.Context, doc *metadata.Document, stage common.Stage, cause error) error {
	if ctx.Err() != nil {
		return p.cancelled(ctx, doc, stage, cause)
	}

	_ = p.meta.AppendLog(ctx, doc.ID, common.NewLogEntry(stage, common.LogFailed, cause.Error()))
	_ = p.meta.SetStatus(ctx, doc.ID, metadata.StatusFailed, common.Progress(stage))

	metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
	p.logger.Error("文档处理失败", "document_id", doc.ID, "stage", stage, "error", cause)

	if common.IsPipelineError(cause) {
		return cause
	}
	return common.NewPipelineError(stage, doc.ID, "处理失败", cause)
}

// cancelled 收尾：用不受取消影响的 context 记录取消日志。
// 状态不动，文档停在 processing，之后可 force 重新处理。
func (p *Pipeline) cancelled(ctx context.Context, doc *metadata.Document, stage common.Stage, cause error) error {
	writeCtx := context.WithoutCancel(ctx)
	cause = fmt.Errorf("%w: %v", common.ErrCancelled, cause)

	_ = p.meta.AppendLog(writeCtx, doc.ID, common.NewLogEntry(stage, common.LogCancelled, cause.Error()))

	metrics.DocumentsProcessed.WithLabelValues("cancelled").Inc()
	p.logger.Warn("文档处理被取消", "document_id", doc.ID, "stage", stage)

	return common.NewPipelineError(stage, doc.ID, "处理被取消", cause)
}

// toStoreChunk 把管线切片转换为存储层切片，冗余文档属性供检索过滤
func toStoreChunk(chunk *common.Chunk, doc *metadata.Document) *chunkstore.Chunk {
	out := &chunkstore.Chunk{
		ID:           chunk.ID,
		DocumentID:   chunk.DocumentID,
		CollectionID: doc.CollectionID,
		Index:        chunk.Index,
		Content:      chunk.Content,
		Type:         chunk.Type,
		TokenCount:   chunk.TokenCount,
		Confidence:   chunk.Confidence,
		Fingerprint:  chunk.Fingerprint,
		Embedding:    chunk.Embedding,
		DocCreatedAt: doc.CreatedAt,
		Metadata:     chunk.Metadata,
	}
	if doc.Metadata != nil {
		if v, ok := doc.Metadata["category"].(string); ok {
			out.Category = v
		}
		if v, ok := doc.Metadata["language"].(string); ok {
			out.Language = v
		}
		switch tags := doc.Metadata["tags"].(type) {
		case []string:
			out.Tags = tags
		case []interface{}:
			for _, t := range tags {
				if s, ok := t.(string); ok {
					out.Tags = append(out.Tags, s)
				}
			}
		}
	}
	return out
}
