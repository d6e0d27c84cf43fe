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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"rag-core/internal/model/embedding"
	"rag-core/internal/pipeline/common"
	"rag-core/internal/storage/cache"
	"rag-core/internal/storage/chunkstore"
	"rag-core/pkg/log"
	"rag-core/pkg/metrics"
	"rag-core/pkg/tracing"
)

const (
	maxLimit = 50

	// 候选过取倍数：加权重排可能改变排序，取回比 limit 更多的候选
	overfetchFactor = 3
)

// Engine 检索引擎：向量相似度为主，关键词重叠与新鲜度为小幅加权。
// 加权有上限，不会把低相似度的切片排到高相似度之前太多。
type Engine struct {
	chunks   chunkstore.Store
	embedder embedding.Embedder
	cache    cache.Store
	cacheTTL time.Duration
	logger   *log.Logger

	defaultLimit     int
	defaultThreshold float64
	keywordBonusCap  float64
	recencyBonusCap  float64
}

// Config Engine 构造参数
type Config struct {
	Chunks   chunkstore.Store
	Embedder embedding.Embedder
	Cache    cache.Store // 可选，nil 时不缓存
	CacheTTL time.Duration

	DefaultLimit     int
	DefaultThreshold float64
	KeywordBonusCap  float64
	RecencyBonusCap  float64

	Logger *log.Logger
}

// NewEngine 创建检索引擎
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Chunks == nil {
		return nil, fmt.Errorf("engine 需要 chunk 存储")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("engine 需要 embedder")
	}

	defaultLimit := cfg.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	defaultThreshold := cfg.DefaultThreshold
	if defaultThreshold <= 0 {
		defaultThreshold = 0.7
	}
	keywordCap := cfg.KeywordBonusCap
	if keywordCap <= 0 {
		keywordCap = 0.05
	}
	recencyCap := cfg.RecencyBonusCap
	if recencyCap <= 0 {
		recencyCap = 0.02
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger, _ = log.NewLogger(nil)
	}

	return &Engine{
		chunks:           cfg.Chunks,
		embedder:         cfg.Embedder,
		cache:            cfg.Cache,
		cacheTTL:         cacheTTL,
		logger:           logger,
		defaultLimit:     defaultLimit,
		defaultThreshold: defaultThreshold,
		keywordBonusCap:  keywordCap,
		recencyBonusCap:  recencyCap,
	}, nil
}

// Request 检索请求
type Request struct {
	Query         string             `json:"query"`
	Embedding     []float64          `json:"embedding,omitempty"` // 调用方预先算好的查询向量，非空时跳过 embed
	CollectionID  string             `json:"collection_id,omitempty"`
	DocumentIDs   []string           `json:"document_ids,omitempty"`
	Types         []common.ChunkType `json:"types,omitempty"`
	Category      string             `json:"category,omitempty"`
	Tags          []string           `json:"tags,omitempty"`
	Language      string             `json:"language,omitempty"`
	CreatedAfter  *time.Time         `json:"created_after,omitempty"`  // 所属文档创建时间下界
	CreatedBefore *time.Time         `json:"created_before,omitempty"` // 所属文档创建时间上界
	BoostRecent   bool               `json:"boost_recent,omitempty"`   // 对新文档的切片小幅加权
	Limit         int                `json:"limit,omitempty"`          // 0 用默认；合法范围 [1,50]
	Threshold     *float64           `json:"threshold,omitempty"`      // nil 用默认；合法范围 [0,1]
}

// Result 单条检索结果
type Result struct {
	Chunk          *chunkstore.Chunk `json:"chunk"`
	Score          float64           `json:"score"`      // 加权后的最终得分
	BaseScore      float64           `json:"base_score"` // 向量相似度 [0,1]
	MatchedFilters []string          `json:"matched_filters,omitempty"`
}

// Response 检索响应
type Response struct {
	Results        []*Result     `json:"results"`
	CandidateCount int           `json:"candidate_count"` // 过滤命中、阈值过滤前的候选数
	MatchCount     int           `json:"match_count"`     // 阈值过滤后的匹配数（过取窗口内）
	AppliedFilters []string      `json:"applied_filters,omitempty"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Search 执行检索。limit / threshold 越界返回 ValidationError；
// 阈值作用在向量相似度上，加权不影响阈值过滤。
func (e *Engine) Search(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || strings.TrimSpace(req.Query) == "" {
		return nil, common.NewValidationError("query", "查询文本不能为空")
	}

	limit := req.Limit
	if limit == 0 {
		limit = e.defaultLimit
	}
	if limit < 1 || limit > maxLimit {
		return nil, common.NewValidationError("limit", fmt.Sprintf("必须在 1 到 %d 之间", maxLimit))
	}

	threshold := e.defaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
		if threshold < 0 || threshold > 1 {
			return nil, common.NewValidationError("threshold", "必须在 0 到 1 之间")
		}
	}

	start := time.Now()
	ctx, span := tracing.StartSearchSpan(ctx, len(req.Query), limit)
	defer span.End()

	if resp, ok := e.fromCache(ctx, req, limit, threshold); ok {
		return resp, nil
	}

	queryVec := req.Embedding
	if len(queryVec) == 0 {
		vecs, err := e.embedder.Embed(ctx, []string{req.Query})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrRetrievalFailed, err)
		}
		if len(vecs) == 0 || len(vecs[0]) == 0 {
			return nil, fmt.Errorf("%w: embedding 返回空向量", common.ErrRetrievalFailed)
		}
		queryVec = vecs[0]
	}

	out, err := e.chunks.Search(ctx, queryVec, &chunkstore.SearchOptions{
		Query:         req.Query,
		CollectionID:  req.CollectionID,
		DocumentIDs:   req.DocumentIDs,
		Types:         req.Types,
		Category:      req.Category,
		Tags:          req.Tags,
		Language:      req.Language,
		CreatedAfter:  req.CreatedAfter,
		CreatedBefore: req.CreatedBefore,
		Threshold:     threshold,
		Limit:         limit * overfetchFactor,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrRetrievalFailed, err)
	}

	queryTerms := terms(req.Query)
	now := time.Now().UTC()
	// 过滤是合取的，通过前置过滤的切片命中全部已应用过滤条件
	applied := appliedFilters(req)

	results := make([]*Result, 0, len(out.Results))
	for _, sr := range out.Results {
		score := sr.Score + e.keywordBonus(queryTerms, sr.Chunk.Content)
		if req.BoostRecent {
			score += e.recencyBonus(now, sr.Chunk.DocCreatedAt)
		}
		if score > 1 {
			score = 1
		}
		results = append(results, &Result{
			Chunk:          sr.Chunk,
			Score:          score,
			BaseScore:      sr.Score,
			MatchedFilters: applied,
		})
	}

	// 稳定重排：同分按切片序号升序，结果可复现
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			if results[i].Chunk.Index == results[j].Chunk.Index {
				return results[i].Chunk.ID < results[j].Chunk.ID
			}
			return results[i].Chunk.Index < results[j].Chunk.Index
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}

	resp := &Response{
		Results:        results,
		CandidateCount: out.CandidateCount,
		MatchCount:     len(out.Results),
		AppliedFilters: applied,
		Elapsed:        time.Since(start),
	}

	metrics.SearchDuration.Observe(resp.Elapsed.Seconds())
	metrics.SearchResults.Observe(float64(len(results)))
	e.toCache(ctx, req, limit, threshold, resp)

	return resp, nil
}

// keywordBonus 查询词与切片内容的重叠率，映射到 [0, keywordBonusCap]
func (e *Engine) keywordBonus(queryTerms map[string]struct{}, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	contentTerms := terms(content)
	overlap := 0
	for term := range queryTerms {
		if _, ok := contentTerms[term]; ok {
			overlap++
		}
	}
	return e.keywordBonusCap * float64(overlap) / float64(len(queryTerms))
}

// recencyBonus 一年内线性衰减，映射到 [0, recencyBonusCap]
func (e *Engine) recencyBonus(now, docCreatedAt time.Time) float64 {
	if docCreatedAt.IsZero() || docCreatedAt.After(now) {
		return 0
	}
	age := now.Sub(docCreatedAt)
	const year = 365 * 24 * time.Hour
	if age >= year {
		return 0
	}
	return e.recencyBonusCap * (1 - float64(age)/float64(year))
}

func appliedFilters(req *Request) []string {
	var out []string
	if req.CollectionID != "" {
		out = append(out, "collection_id")
	}
	if len(req.DocumentIDs) > 0 {
		out = append(out, "document_ids")
	}
	if len(req.Types) > 0 {
		out = append(out, "types")
	}
	if req.Category != "" {
		out = append(out, "category")
	}
	if len(req.Tags) > 0 {
		out = append(out, "tags")
	}
	if req.Language != "" {
		out = append(out, "language")
	}
	if req.CreatedAfter != nil || req.CreatedBefore != nil {
		out = append(out, "created_range")
	}
	return out
}

func terms(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:，。！？；：\"'()（）[]【】")
		if len(w) > 1 {
			out[w] = struct{}{}
		}
	}
	return out
}

type cachedResponse struct {
	Results        []*Result `json:"results"`
	CandidateCount int       `json:"candidate_count"`
	MatchCount     int       `json:"match_count"`
	AppliedFilters []string  `json:"applied_filters,omitempty"`
}

func (e *Engine) cacheKey(req *Request, limit int, threshold float64) string {
	payload, _ := json.Marshal(struct {
		*Request
		EffLimit     int     `json:"eff_limit"`
		EffThreshold float64 `json:"eff_threshold"`
	}{req, limit, threshold})
	sum := sha256.Sum256(payload)
	return "search:" + hex.EncodeToString(sum[:16])
}

func (e *Engine) fromCache(ctx context.Context, req *Request, limit int, threshold float64) (*Response, bool) {
	if e.cache == nil {
		return nil, false
	}
	var cached cachedResponse
	if err := e.cache.Get(ctx, e.cacheKey(req, limit, threshold), &cached); err != nil {
		return nil, false
	}
	return &Response{
		Results:        cached.Results,
		CandidateCount: cached.CandidateCount,
		MatchCount:     cached.MatchCount,
		AppliedFilters: cached.AppliedFilters,
	}, true
}

func (e *Engine) toCache(ctx context.Context, req *Request, limit int, threshold float64, resp *Response) {
	if e.cache == nil {
		return
	}
	err := e.cache.Set(ctx, e.cacheKey(req, limit, threshold), cachedResponse{
		Results:        resp.Results,
		CandidateCount: resp.CandidateCount,
		MatchCount:     resp.MatchCount,
		AppliedFilters: resp.AppliedFilters,
	}, e.cacheTTL)
	if err != nil {
		e.logger.Warn("写入检索缓存失败", "error", err)
	}
}
