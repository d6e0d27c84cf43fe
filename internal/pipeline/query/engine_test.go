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

package query

import (
	"context"
	"testing"
	"time"

	"rag-core/internal/model/embedding"
	"rag-core/internal/pipeline/common"
	"rag-core/internal/storage/chunkstore"
)

// stubEmbedder 测试用：固定返回同一向量
type stubEmbedder struct {
	vec []float64
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range out {
		out[i] = s.vec
	}
	return out, nil
}

func (s *stubEmbedder) Model() string  { return "stub" }
func (s *stubEmbedder) Dimension() int { return len(s.vec) }

// stubChunks 测试用：Search 返回固定结果
type stubChunks struct {
	out      *chunkstore.SearchOutput
	lastOpts *chunkstore.SearchOptions
}

func (s *stubChunks) Upsert(ctx context.Context, chunk *chunkstore.Chunk) (bool, error) {
	return false, nil
}

func (s *stubChunks) Search(ctx context.Context, query []float64, opts *chunkstore.SearchOptions) (*chunkstore.SearchOutput, error) {
	s.lastOpts = opts
	out := s.out
	if out == nil {
		out = &chunkstore.SearchOutput{}
	}
	// 模拟存储层：应用 threshold 与 limit，按得分降序
	filtered := make([]*chunkstore.SearchResult, 0, len(out.Results))
	for _, r := range out.Results {
		if r.Score >= opts.Threshold {
			filtered = append(filtered, r)
		}
	}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}
	return &chunkstore.SearchOutput{Results: filtered, CandidateCount: len(out.Results)}, nil
}

func (s *stubChunks) GetByDocument(ctx context.Context, documentID string) ([]*chunkstore.Chunk, error) {
	return nil, nil
}

func (s *stubChunks) DeleteByDocument(ctx context.Context, documentID string) error { return nil }

func (s *stubChunks) Count(ctx context.Context, collectionID string) (int64, error) { return 0, nil }

func (s *stubChunks) Close() error { return nil }

func newTestEngine(t *testing.T, chunks chunkstore.Store) *Engine {
	t.Helper()
	eng, err := NewEngine(Config{
		Chunks:          chunks,
		Embedder:        &stubEmbedder{vec: []float64{1, 0, 0, 0}},
		KeywordBonusCap: 0.05,
		RecencyBonusCap: 0.02,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

func result(id, content string, score float64, docCreatedAt time.Time) *chunkstore.SearchResult {
	return &chunkstore.SearchResult{
		Chunk: &chunkstore.Chunk{
			ID:           id,
			DocumentID:   "doc1",
			Content:      content,
			Type:         common.ChunkTypeContent,
			DocCreatedAt: docCreatedAt,
		},
		Score: score,
	}
}

func TestEngine_Search_Validation(t *testing.T) {
	eng := newTestEngine(t, &stubChunks{})
	ctx := context.Background()

	bad := func(v float64) *float64 { return &v }

	cases := []struct {
		name  string
		req   *Request
		field string
	}{
		{"empty query", &Request{Query: "   "}, "query"},
		{"nil request", nil, "query"},
		{"limit too small", &Request{Query: "hello", Limit: -1}, "limit"},
		{"limit too large", &Request{Query: "hello", Limit: 51}, "limit"},
		{"threshold negative", &Request{Query: "hello", Threshold: bad(-0.1)}, "threshold"},
		{"threshold above one", &Request{Query: "hello", Threshold: bad(1.5)}, "threshold"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Search(ctx, tc.req)
			if err == nil {
				t.Fatal("expected validation error")
			}
			ve, ok := common.GetValidationError(err)
			if !ok {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tc.field {
				t.Errorf("field = %s, want %s", ve.Field, tc.field)
			}
		})
	}
}

func TestEngine_Search_Defaults(t *testing.T) {
	store := &stubChunks{}
	eng := newTestEngine(t, store)

	resp, err := eng.Search(context.Background(), &Request{Query: "hello world"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp == nil {
		t.Fatal("nil response")
	}
	if store.lastOpts.Threshold != 0.7 {
		t.Errorf("threshold = %v, want default 0.7", store.lastOpts.Threshold)
	}
	// 过取候选供重排，limit 在引擎侧截断
	if store.lastOpts.Limit != 10*overfetchFactor {
		t.Errorf("store limit = %d, want %d", store.lastOpts.Limit, 10*overfetchFactor)
	}
}

func TestEngine_Search_KeywordBonusReranks(t *testing.T) {
	now := time.Now().UTC()
	// 基础得分 b 略高于 a，但 a 命中查询词，加权后 a 应排前
	store := &stubChunks{out: &chunkstore.SearchOutput{
		Results: []*chunkstore.SearchResult{
			{Chunk: &chunkstore.Chunk{ID: "b", Content: "完全无关的内容段落", DocCreatedAt: now.Add(-2 * 365 * 24 * time.Hour)}, Score: 0.82},
			{Chunk: &chunkstore.Chunk{ID: "a", Content: "alpha beta gamma delta", DocCreatedAt: now.Add(-2 * 365 * 24 * time.Hour)}, Score: 0.80},
		},
	}}
	eng := newTestEngine(t, store)

	threshold := 0.5
	resp, err := eng.Search(context.Background(), &Request{
		Query:     "alpha beta",
		Threshold: &threshold,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(resp.Results))
	}
	if resp.Results[0].Chunk.ID != "a" {
		t.Errorf("top result = %s, want a (keyword bonus)", resp.Results[0].Chunk.ID)
	}
	if resp.Results[0].BaseScore != 0.80 {
		t.Errorf("base score = %v, want 0.80", resp.Results[0].BaseScore)
	}
	// 加权有上限：最终得分不超过 base + 两项上限
	for _, r := range resp.Results {
		if r.Score > r.BaseScore+0.05+0.02+1e-9 {
			t.Errorf("chunk %s: score %v exceeds base %v plus caps", r.Chunk.ID, r.Score, r.BaseScore)
		}
		if r.Score < r.BaseScore {
			t.Errorf("chunk %s: score %v below base %v", r.Chunk.ID, r.Score, r.BaseScore)
		}
	}
}

func TestEngine_Search_KeywordBonusCannotOutweighSimilarity(t *testing.T) {
	now := time.Now().UTC()
	old := now.Add(-2 * 365 * 24 * time.Hour)
	// 相似度差距大于加权上限之和，关键词全命中也不能翻转
	store := &stubChunks{out: &chunkstore.SearchOutput{
		Results: []*chunkstore.SearchResult{
			{Chunk: &chunkstore.Chunk{ID: "high", Content: "毫不相关", DocCreatedAt: old}, Score: 0.95},
			{Chunk: &chunkstore.Chunk{ID: "low", Content: "alpha beta", DocCreatedAt: old}, Score: 0.80},
		},
	}}
	eng := newTestEngine(t, store)

	threshold := 0.5
	resp, err := eng.Search(context.Background(), &Request{Query: "alpha beta", Threshold: &threshold})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Results[0].Chunk.ID != "high" {
		t.Errorf("top result = %s, want high", resp.Results[0].Chunk.ID)
	}
}

func TestEngine_Search_ThresholdOnBaseScore(t *testing.T) {
	now := time.Now().UTC()
	// 基础得分 0.68 低于阈值 0.7，即使加权后超过也不能入选
	store := &stubChunks{out: &chunkstore.SearchOutput{
		Results: []*chunkstore.SearchResult{
			result("pass", "alpha beta", 0.75, now),
			result("fail", "alpha beta", 0.68, now),
		},
	}}
	eng := newTestEngine(t, store)

	resp, err := eng.Search(context.Background(), &Request{Query: "alpha beta"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(resp.Results))
	}
	if resp.Results[0].Chunk.ID != "pass" {
		t.Errorf("result = %s, want pass", resp.Results[0].Chunk.ID)
	}
	// 候选数统计阈值过滤前的数量
	if resp.CandidateCount != 2 {
		t.Errorf("candidate count = %d, want 2", resp.CandidateCount)
	}
}

func TestEngine_Search_RecencyBonus(t *testing.T) {
	now := time.Now().UTC()
	// 得分相同，新文档靠新鲜度加权排前
	store := &stubChunks{out: &chunkstore.SearchOutput{
		Results: []*chunkstore.SearchResult{
			{Chunk: &chunkstore.Chunk{ID: "a-old", Content: "毫不相关", DocCreatedAt: now.Add(-2 * 365 * 24 * time.Hour)}, Score: 0.8},
			{Chunk: &chunkstore.Chunk{ID: "z-fresh", Content: "毫不相关", DocCreatedAt: now.Add(-24 * time.Hour)}, Score: 0.8},
		},
	}}
	eng := newTestEngine(t, store)

	threshold := 0.5
	resp, err := eng.Search(context.Background(), &Request{Query: "anything else", Threshold: &threshold, BoostRecent: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Results[0].Chunk.ID != "z-fresh" {
		t.Errorf("top result = %s, want z-fresh", resp.Results[0].Chunk.ID)
	}

	// 不带 boost_recent 时不加新鲜度权重，同分按 ID 升序
	plain, err := eng.Search(context.Background(), &Request{Query: "anything else", Threshold: &threshold})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if plain.Results[0].Chunk.ID != "a-old" {
		t.Errorf("top result = %s, want a-old (ID order)", plain.Results[0].Chunk.ID)
	}
	if plain.Results[0].Score != plain.Results[1].Score {
		t.Errorf("scores differ without boost_recent: %v vs %v", plain.Results[0].Score, plain.Results[1].Score)
	}
}

// failEmbedder 测试用：总是失败，用于验证预计算向量跳过 embed
type failEmbedder struct{}

func (f *failEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	return nil, context.DeadlineExceeded
}

func (f *failEmbedder) Model() string  { return "fail" }
func (f *failEmbedder) Dimension() int { return 4 }

func TestEngine_Search_PrecomputedEmbedding(t *testing.T) {
	store := &stubChunks{out: &chunkstore.SearchOutput{
		Results: []*chunkstore.SearchResult{
			result("c1", "内容", 0.9, time.Now().UTC()),
		},
	}}
	eng, err := NewEngine(Config{Chunks: store, Embedder: &failEmbedder{}})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	threshold := 0.5
	resp, err := eng.Search(context.Background(), &Request{
		Query:     "查询",
		Embedding: []float64{0, 1, 0, 0},
		Threshold: &threshold,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(resp.Results))
	}

	// 未提供向量时 embed 失败应向上传递
	if _, err := eng.Search(context.Background(), &Request{Query: "查询", Threshold: &threshold}); err == nil {
		t.Fatal("expected error when embedder fails")
	}
}

func TestEngine_Search_FilterMetadata(t *testing.T) {
	now := time.Now().UTC()
	store := &stubChunks{out: &chunkstore.SearchOutput{
		Results: []*chunkstore.SearchResult{
			result("c1", "内容", 0.9, now),
		},
	}}
	eng := newTestEngine(t, store)

	threshold := 0.5
	after := now.Add(-48 * time.Hour)
	resp, err := eng.Search(context.Background(), &Request{
		Query:        "查询",
		CollectionID: "col1",
		Types:        []common.ChunkType{common.ChunkTypeContent},
		CreatedAfter: &after,
		Threshold:    &threshold,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	want := []string{"collection_id", "types", "created_range"}
	if len(resp.AppliedFilters) != len(want) {
		t.Fatalf("applied filters = %v, want %v", resp.AppliedFilters, want)
	}
	for i, f := range want {
		if resp.AppliedFilters[i] != f {
			t.Errorf("applied filter %d = %s, want %s", i, resp.AppliedFilters[i], f)
		}
	}
	if len(resp.Results[0].MatchedFilters) != len(want) {
		t.Errorf("matched filters = %v, want %v", resp.Results[0].MatchedFilters, want)
	}
	if resp.MatchCount != 1 {
		t.Errorf("match count = %d, want 1", resp.MatchCount)
	}
	if store.lastOpts.CreatedAfter == nil || !store.lastOpts.CreatedAfter.Equal(after) {
		t.Errorf("created_after 未传递到存储层")
	}
}

func TestEngine_Search_Deterministic(t *testing.T) {
	now := time.Now().UTC()
	r1 := result("c3", "内容甲", 0.8, now)
	r2 := result("c1", "内容乙", 0.8, now)
	r3 := result("c2", "内容丙", 0.8, now)
	r1.Chunk.Index = 2
	r2.Chunk.Index = 0
	r3.Chunk.Index = 1
	store := &stubChunks{out: &chunkstore.SearchOutput{
		Results: []*chunkstore.SearchResult{r1, r2, r3},
	}}
	eng := newTestEngine(t, store)

	threshold := 0.5
	var first []string
	for i := 0; i < 5; i++ {
		resp, err := eng.Search(context.Background(), &Request{Query: "查询 文本", Threshold: &threshold})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		ids := make([]string, len(resp.Results))
		for j, r := range resp.Results {
			ids[j] = r.Chunk.ID
		}
		if first == nil {
			first = ids
			continue
		}
		for j := range ids {
			if ids[j] != first[j] {
				t.Fatalf("run %d: order %v != %v", i, ids, first)
			}
		}
	}
	// 同分按切片序号升序
	if first[0] != "c1" || first[1] != "c2" || first[2] != "c3" {
		t.Errorf("order = %v, want [c1 c2 c3]", first)
	}
}

// 端到端：LocalEmbedder + 内存切片存储，联系方式切片应被检索到
func TestEngine_Search_EndToEnd(t *testing.T) {
	ctx := context.Background()
	embedder, err := embedding.New(embedding.Config{Provider: "local", Dimension: 64})
	if err != nil {
		t.Fatalf("embedding.New: %v", err)
	}
	store := chunkstore.NewMemoryStore()
	defer store.Close()

	contents := map[string]string{
		"c1": "contact us at support@example.com for help",
		"c2": "the quarterly report covers revenue and growth",
		"c3": "installation guide for the desktop client",
	}
	now := time.Now().UTC()
	i := 0
	for id, content := range contents {
		vecs, err := embedder.Embed(ctx, []string{content})
		if err != nil {
			t.Fatalf("Embed: %v", err)
		}
		_, err = store.Upsert(ctx, &chunkstore.Chunk{
			ID:           id,
			DocumentID:   "doc1",
			CollectionID: "default",
			Index:        i,
			Content:      content,
			Type:         common.ChunkTypeContent,
			Fingerprint:  id,
			Embedding:    vecs[0],
			DocCreatedAt: now,
		})
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		i++
	}

	eng, err := NewEngine(Config{Chunks: store, Embedder: embedder})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	threshold := 0.5
	resp, err := eng.Search(ctx, &Request{
		Query:        "contact support help",
		CollectionID: "default",
		Threshold:    &threshold,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("expected at least one result")
	}
	if resp.Results[0].Chunk.ID != "c1" {
		t.Errorf("top result = %s, want c1", resp.Results[0].Chunk.ID)
	}
	for _, r := range resp.Results {
		if r.BaseScore < threshold {
			t.Errorf("chunk %s: base score %v below threshold", r.Chunk.ID, r.BaseScore)
		}
	}
}
