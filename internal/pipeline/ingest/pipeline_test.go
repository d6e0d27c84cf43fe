package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rag-core/internal/chunking"
	"rag-core/internal/model/embedding"
	"rag-core/internal/pipeline/common"
	"rag-core/internal/storage/chunkstore"
	"rag-core/internal/storage/metadata"
)

// failingEmbedder 总是返回错误
type failingEmbedder struct{}

func (f *failingEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	return nil, errors.New("provider unavailable")
}
func (f *failingEmbedder) Model() string  { return "failing" }
func (f *failingEmbedder) Dimension() int { return 0 }

// blockingEmbedder 阻塞直到 ctx 取消，用于测试协作取消
type blockingEmbedder struct {
	started chan struct{}
	once    bool
}

func (b *blockingEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if !b.once {
		b.once = true
		close(b.started)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}
func (b *blockingEmbedder) Model() string  { return "blocking" }
func (b *blockingEmbedder) Dimension() int { return 0 }

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func newTestPipeline(t *testing.T, embedder embedding.Embedder) (*Pipeline, *metadata.MemoryStore, *chunkstore.MemoryStore) {
	t.Helper()
	meta := metadata.NewMemoryStore()
	chunks := chunkstore.NewMemoryStore()
	p, err := NewPipeline(Config{
		Metadata: meta,
		Chunks:   chunks,
		Chunker:  chunking.NewEngine(chunking.Options{ChunkSize: 100, Overlap: 20, PreserveParagraphs: true}),
		Embedder: embedder,
		Retry:    &RetryPolicy{MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p, meta, chunks
}

func createDoc(t *testing.T, meta *metadata.MemoryStore, id, path string) {
	t.Helper()
	err := meta.Create(context.Background(), &metadata.Document{
		ID:           id,
		CollectionID: "default",
		Name:         id + ".txt",
		MediaType:    "text/plain",
		Path:         path,
	})
	if err != nil {
		t.Fatalf("create doc: %v", err)
	}
}

func TestPipeline_Process_Completes(t *testing.T) {
	ctx := context.Background()
	p, meta, chunks := newTestPipeline(t, embedding.NewLocalEmbedder("", 32))

	content := strings.Repeat("第一段内容。", 10) + "\n\n" + strings.Repeat("第二段内容。", 10)
	createDoc(t, meta, "d1", writeDoc(t, content))

	if err := p.Process(ctx, "d1", false); err != nil {
		t.Fatalf("process: %v", err)
	}

	doc, _ := meta.Get(ctx, "d1")
	if doc.Status != metadata.StatusCompleted || doc.Progress != 100 {
		t.Errorf("status=%s progress=%d", doc.Status, doc.Progress)
	}
	if doc.ChunkCount == 0 || doc.VectorCount != doc.ChunkCount {
		t.Errorf("chunk_count=%d vector_count=%d", doc.ChunkCount, doc.VectorCount)
	}
	if !doc.VectorProcessed() {
		t.Error("vector_processed should be true")
	}

	count, _ := chunks.Count(ctx, "default")
	if int(count) != doc.ChunkCount {
		t.Errorf("stored chunks = %d, want %d", count, doc.ChunkCount)
	}

	// 阶段日志按序出现
	log := doc.ProcessingLog()
	if len(log) == 0 {
		t.Fatal("processing log empty")
	}
	var stages []common.Stage
	indexingDone := 0
	for _, e := range log {
		if e.Status == common.LogCompleted {
			stages = append(stages, e.Stage)
			if e.Stage == common.StageIndexing {
				indexingDone++
			}
		}
	}
	if stages[0] != common.StageUpload || stages[len(stages)-1] != common.StageIndexing {
		t.Errorf("stage order: %v", stages)
	}
	if indexingDone != 1 {
		t.Errorf("indexing completed logged %d times, want 1", indexingDone)
	}

	// 统计随完成一并落盘
	if v, _ := doc.Metadata["token_count"].(int); v == 0 {
		t.Error("token_count should be recorded on completion")
	}
	if v, _ := doc.Metadata["ocr_confidence"].(float64); v != 1 {
		t.Errorf("ocr_confidence = %v, want 1 for native text", v)
	}
}

func TestPipeline_Process_StateGuards(t *testing.T) {
	ctx := context.Background()
	p, meta, _ := newTestPipeline(t, embedding.NewLocalEmbedder("", 32))
	createDoc(t, meta, "d1", writeDoc(t, "内容段落。"))

	if err := p.Process(ctx, "missing", false); !errors.Is(err, common.ErrDocumentNotFound) {
		t.Errorf("missing doc: %v", err)
	}

	if err := p.Process(ctx, "d1", false); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if err := p.Process(ctx, "d1", false); !errors.Is(err, common.ErrAlreadyCompleted) {
		t.Errorf("completed doc without force: %v", err)
	}
	if err := p.Process(ctx, "d1", true); err != nil {
		t.Errorf("force reprocess: %v", err)
	}
}

func TestPipeline_Reprocess_Dedup(t *testing.T) {
	ctx := context.Background()
	p, meta, chunks := newTestPipeline(t, embedding.NewLocalEmbedder("", 32))
	createDoc(t, meta, "d1", writeDoc(t, "稳定的内容段落，重复处理不应产生新切片。"))

	if err := p.Process(ctx, "d1", false); err != nil {
		t.Fatalf("process: %v", err)
	}
	before, _ := chunks.Count(ctx, "")

	if err := p.Process(ctx, "d1", true); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	after, _ := chunks.Count(ctx, "")

	if before != after {
		t.Errorf("reprocessing identical content changed chunk count: %d → %d", before, after)
	}
}

func TestPipeline_Reprocess_ClearsStaleChunks(t *testing.T) {
	ctx := context.Background()
	p, meta, chunks := newTestPipeline(t, embedding.NewLocalEmbedder("", 32))

	path := writeDoc(t, "旧版本的内容段落。")
	createDoc(t, meta, "d1", path)
	if err := p.Process(ctx, "d1", false); err != nil {
		t.Fatalf("process: %v", err)
	}

	// 内容换掉后强制重处理，旧切片不应残留
	if err := os.WriteFile(path, []byte("新版本的内容段落，和旧版完全不同。"), 0o644); err != nil {
		t.Fatalf("rewrite fixture: %v", err)
	}
	if err := p.Process(ctx, "d1", true); err != nil {
		t.Fatalf("reprocess: %v", err)
	}

	stored, err := chunks.GetByDocument(ctx, "d1")
	if err != nil {
		t.Fatalf("get by document: %v", err)
	}
	for _, c := range stored {
		if strings.Contains(c.Content, "旧版本") {
			t.Errorf("stale chunk survived force reprocess: %q", c.Content)
		}
	}
	doc, _ := meta.Get(ctx, "d1")
	if len(stored) != doc.ChunkCount {
		t.Errorf("stored=%d chunk_count=%d", len(stored), doc.ChunkCount)
	}
}

func TestPipeline_Process_EmbeddingDegraded(t *testing.T) {
	ctx := context.Background()
	p, meta, chunks := newTestPipeline(t, &failingEmbedder{})
	createDoc(t, meta, "d1", writeDoc(t, "向量化会失败的内容。"))

	// 向量化失败不是处理失败
	if err := p.Process(ctx, "d1", false); err != nil {
		t.Fatalf("process should degrade, not fail: %v", err)
	}

	doc, _ := meta.Get(ctx, "d1")
	if doc.Status != metadata.StatusCompleted {
		t.Errorf("status = %s, want completed", doc.Status)
	}
	if doc.VectorProcessed() {
		t.Error("vector_processed should be false after degraded run")
	}
	if doc.VectorCount != 0 {
		t.Errorf("vector_count = %d, want 0", doc.VectorCount)
	}
	if msg, _ := doc.Metadata["vector_error"].(string); msg == "" {
		t.Error("vector_error should record the degradation cause")
	}

	// 切片照常入库，正文可取
	stored, err := chunks.GetByDocument(ctx, "d1")
	if err != nil || len(stored) == 0 {
		t.Fatalf("degraded chunks should still be stored: %v (got %d)", err, len(stored))
	}
	for _, c := range stored {
		if c.Content == "" {
			t.Error("stored chunk lost its content")
		}
		if len(c.Embedding) != 0 {
			t.Errorf("chunk %s should have no embedding", c.ID)
		}
	}

	// 但不参与向量检索
	out, err := chunks.Search(ctx, []float64{1, 0, 0}, &chunkstore.SearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out.Results) != 0 {
		t.Errorf("unvectorized chunks should not be searchable, got %d results", len(out.Results))
	}
}

// failingAfterStore 前 N 次写入成功，之后返回错误
type failingAfterStore struct {
	chunkstore.Store
	allowed int
	calls   int
}

func (f *failingAfterStore) Upsert(ctx context.Context, chunk *chunkstore.Chunk) (bool, error) {
	f.calls++
	if f.calls > f.allowed {
		return false, errors.New("connection reset")
	}
	return f.Store.Upsert(ctx, chunk)
}

func TestPipeline_Process_StorageDegraded(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMemoryStore()
	inner := chunkstore.NewMemoryStore()
	store := &failingAfterStore{Store: inner, allowed: 1}
	p, err := NewPipeline(Config{
		Metadata: meta,
		Chunks:   store,
		Chunker:  chunking.NewEngine(chunking.Options{ChunkSize: 40, Overlap: 0, PreserveParagraphs: true}),
		Embedder: embedding.NewLocalEmbedder("", 32),
		Retry:    &RetryPolicy{MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	content := strings.Repeat("第一段。", 8) + "\n\n" + strings.Repeat("第二段。", 8) + "\n\n" + strings.Repeat("第三段。", 8)
	createDoc(t, meta, "d1", writeDoc(t, content))

	// 存储失败降级，不让整个文档失败
	if err := p.Process(ctx, "d1", false); err != nil {
		t.Fatalf("process should degrade on storage error: %v", err)
	}

	doc, _ := meta.Get(ctx, "d1")
	if doc.Status != metadata.StatusCompleted {
		t.Errorf("status = %s, want completed", doc.Status)
	}
	if doc.VectorProcessed() {
		t.Error("vector_processed should be false after storage degradation")
	}
	if msg, _ := doc.Metadata["vector_error"].(string); msg == "" {
		t.Error("vector_error should record the storage failure")
	}

	// 失败后中止剩余写入
	if store.calls != store.allowed+1 {
		t.Errorf("upsert attempts = %d, want %d", store.calls, store.allowed+1)
	}
}

func TestPipeline_Process_UnsupportedMediaType(t *testing.T) {
	ctx := context.Background()
	p, meta, _ := newTestPipeline(t, embedding.NewLocalEmbedder("", 32))

	path := writeDoc(t, "binary")
	_ = meta.Create(ctx, &metadata.Document{ID: "d1", Name: "d1.bin", MediaType: "application/octet-stream", Path: path})

	err := p.Process(ctx, "d1", false)
	if !errors.Is(err, common.ErrUnsupportedMediaType) {
		t.Errorf("want ErrUnsupportedMediaType, got %v", err)
	}

	doc, _ := meta.Get(ctx, "d1")
	if doc.Status != metadata.StatusFailed {
		t.Errorf("status = %s, want failed", doc.Status)
	}
}

func TestPipeline_Process_EmptyDocument(t *testing.T) {
	ctx := context.Background()
	p, meta, _ := newTestPipeline(t, embedding.NewLocalEmbedder("", 32))
	createDoc(t, meta, "d1", writeDoc(t, "   \n\n  "))

	if err := p.Process(ctx, "d1", false); err != nil {
		t.Fatalf("empty document should complete: %v", err)
	}

	doc, _ := meta.Get(ctx, "d1")
	if doc.Status != metadata.StatusCompleted || doc.ChunkCount != 0 {
		t.Errorf("status=%s chunk_count=%d", doc.Status, doc.ChunkCount)
	}
}

func TestPipeline_Cancel(t *testing.T) {
	ctx := context.Background()
	be := &blockingEmbedder{started: make(chan struct{})}
	p, meta, _ := newTestPipeline(t, be)
	createDoc(t, meta, "d1", writeDoc(t, "需要取消的长内容段落。"))

	done := make(chan error, 1)
	go func() {
		done <- p.Process(ctx, "d1", false)
	}()

	select {
	case <-be.started:
	case <-time.After(5 * time.Second):
		t.Fatal("embedding never started")
	}

	if !p.Cancel("d1") {
		t.Error("cancel should find the running document")
	}

	select {
	case err := <-done:
		if !errors.Is(err, common.ErrCancelled) && !errors.Is(err, context.Canceled) {
			t.Errorf("want cancellation error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process did not return after cancel")
	}

	// 取消不是失败：状态保持 processing，日志留取消记录
	doc, _ := meta.Get(ctx, "d1")
	if doc.Status != metadata.StatusProcessing {
		t.Errorf("cancelled document status = %s, want processing", doc.Status)
	}
	var logged bool
	for _, e := range doc.ProcessingLog() {
		if e.Status == common.LogCancelled {
			logged = true
		}
	}
	if !logged {
		t.Error("processing log should contain a cancelled entry")
	}

	if p.Cancel("d1") {
		t.Error("cancel after completion should return false")
	}
}

func TestRetryPolicy_Do(t *testing.T) {
	ctx := context.Background()

	t.Run("retries retryable errors", func(t *testing.T) {
		calls := 0
		policy := RetryPolicy{MaxAttempts: 3, Retryable: func(error) bool { return true }}
		err := policy.Do(ctx, func() error {
			calls++
			if calls < 3 {
				return fmt.Errorf("%w: 429", common.ErrRateLimit)
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Errorf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		calls := 0
		policy := DefaultRetryPolicy()
		policy.Backoff = 0
		_ = policy.Do(ctx, func() error {
			calls++
			return errors.New("bad request")
		})
		if calls != 1 {
			t.Errorf("permanent error retried %d times", calls)
		}
	})

	t.Run("default retries rate limit", func(t *testing.T) {
		calls := 0
		policy := DefaultRetryPolicy()
		policy.Backoff = time.Millisecond
		_ = policy.Do(ctx, func() error {
			calls++
			return common.ErrRateLimit
		})
		if calls != 3 {
			t.Errorf("rate limit retried %d times, want 3", calls)
		}
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := DefaultRetryPolicy().Do(cctx, func() error { return nil })
		if !errors.Is(err, context.Canceled) {
			t.Errorf("want context.Canceled, got %v", err)
		}
	})
}
