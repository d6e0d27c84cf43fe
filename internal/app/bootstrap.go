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

package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	einoindexer "github.com/cloudwego/eino/components/indexer"
	einoretriever "github.com/cloudwego/eino/components/retriever"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"rag-core/internal/chunking"
	"rag-core/internal/einoext"
	"rag-core/internal/extract"
	"rag-core/internal/model/embedding"
	"rag-core/internal/pipeline/ingest"
	"rag-core/internal/pipeline/query"
	"rag-core/internal/storage/cache"
	"rag-core/internal/storage/chunkstore"
	"rag-core/internal/storage/metadata"
	"rag-core/internal/taskqueue"
	"rag-core/pkg/config"
	pkgerrors "rag-core/pkg/errors"
	"rag-core/pkg/log"
	"rag-core/pkg/secrets"
	"rag-core/pkg/tracing"
)

// Bootstrap 统一初始化：供 api 与 worker 复用，避免在 cmd 内写业务与 pipeline
type Bootstrap struct {
	Config        *config.Config
	Logger        *log.Logger
	Secrets       secrets.Store
	MetadataStore metadata.Store
	ChunkStore    chunkstore.Store
	Cache         cache.Store
	Embedder      embedding.Embedder
	Extractor     extract.Extractor
	Pipeline      *ingest.Pipeline
	QueryEngine   *query.Engine
	Queue         taskqueue.Queue

	// Eino 组件面：chunk 存储为 redis 时走 eino-ext，其余包装 chunkstore
	EinoIndexer   einoindexer.Indexer
	EinoRetriever einoretriever.Retriever

	tracerProvider *sdktrace.TracerProvider
}

// NewBootstrap 根据配置装配全部组件
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}

	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "初始化日志失败")
	}

	secretStore, err := secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Provider,
		Config:   cfg.Secrets.Config,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "初始化 secret 存储失败")
	}

	var tracerProvider *sdktrace.TracerProvider
	if cfg.Monitoring.Tracing.Enable {
		tracerProvider, err = tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    cfg.Monitoring.Tracing.ServiceName,
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		})
		if err != nil {
			return nil, pkgerrors.Wrap(err, "初始化 tracing 失败")
		}
	}

	embedder, err := buildEmbedder(ctx, cfg, secretStore)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "初始化 embedding 失败")
	}

	metaStore, err := metadata.NewStore(ctx, cfg.Storage.Metadata)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "初始化元数据存储失败")
	}

	einoEmbedder, err := einoext.NewEinoEmbedder(embedder)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "初始化 eino embedder 失败")
	}

	// type=redis 的切片存储由 einoext 适配，向量读写走 eino 组件
	var chunks chunkstore.Store
	var redisChunks *einoext.RedisStore
	chunkType := cfg.Storage.Chunks.Type
	if chunkType == "redis" {
		redisChunks, err = einoext.NewRedisStore(ctx, cfg.Storage.Chunks, einoEmbedder)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "初始化切片存储失败")
		}
		chunks = redisChunks
	} else {
		chunks, err = chunkstore.NewStore(ctx, cfg.Storage.Chunks, embedder.Dimension())
		if err != nil {
			return nil, pkgerrors.Wrap(err, "初始化切片存储失败")
		}
	}

	queryCache, err := cache.NewCache(ctx, cfg.Storage.Cache)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "初始化缓存失败")
	}

	var queue taskqueue.Queue
	if cfg.Queue.Type != "" {
		queue, err = taskqueue.NewQueue(ctx, cfg.Queue)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "初始化任务队列失败")
		}
	}

	extractor := extract.NewExtractor(extract.Config{
		OCREndpoint: cfg.Extract.Endpoint,
		OCRTimeout:  cfg.Extract.Timeout,
	})

	preserve := true
	if cfg.Pipeline.PreserveParagraphs != nil {
		preserve = *cfg.Pipeline.PreserveParagraphs
	}
	chunker := chunking.NewEngine(chunking.Options{
		ChunkSize:          cfg.Pipeline.ChunkSize,
		Overlap:            cfg.Pipeline.ChunkOverlap,
		PreserveParagraphs: preserve,
	})

	b := &Bootstrap{
		Config:         cfg,
		Logger:         logger,
		Secrets:        secretStore,
		MetadataStore:  metaStore,
		ChunkStore:     chunks,
		Cache:          queryCache,
		Embedder:       embedder,
		Extractor:      extractor,
		Queue:          queue,
		tracerProvider: tracerProvider,
	}

	if redisChunks != nil {
		b.EinoIndexer = redisChunks.Indexer()
		b.EinoRetriever = redisChunks.Retriever()
	} else {
		b.EinoIndexer, err = einoext.NewIndexer(ctx, cfg.Storage.Chunks, chunks, einoEmbedder)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "初始化 eino indexer 失败")
		}
		b.EinoRetriever, err = einoext.NewRetriever(ctx, cfg.Storage.Chunks, chunks, einoEmbedder)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "初始化 eino retriever 失败")
		}
	}

	b.Pipeline, err = ingest.NewPipeline(ingest.Config{
		Metadata:    metaStore,
		Chunks:      chunks,
		Extractor:   extractor,
		Chunker:     chunker,
		Embedder:    embedder,
		Concurrency: cfg.Pipeline.Concurrency,
		Logger:      logger,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "初始化入库管线失败")
	}

	cacheTTL, _ := time.ParseDuration(cfg.Storage.Cache.TTL)
	b.QueryEngine, err = query.NewEngine(query.Config{
		Chunks:           chunks,
		Embedder:         embedder,
		Cache:            queryCache,
		CacheTTL:         cacheTTL,
		DefaultLimit:     cfg.Retrieval.DefaultLimit,
		DefaultThreshold: cfg.Retrieval.DefaultThreshold,
		KeywordBonusCap:  cfg.Retrieval.KeywordBonusCap,
		RecencyBonusCap:  cfg.Retrieval.RecencyBonusCap,
		Logger:           logger,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "初始化检索引擎失败")
	}

	return b, nil
}

// buildEmbedder 根据 model.defaults.embedding（如 "openai.text_embedding_3_small"）
// 选择提供商与模型；API key 走 secret 存储，缺省回退本地 embedder。
func buildEmbedder(ctx context.Context, cfg *config.Config, secretStore secrets.Store) (embedding.Embedder, error) {
	selector := cfg.Model.Defaults.Embedding
	if selector == "" {
		return embedding.New(embedding.Config{Provider: "local"})
	}

	parts := strings.SplitN(selector, ".", 2)
	providerName := parts[0]
	if providerName == "local" {
		return embedding.New(embedding.Config{Provider: "local"})
	}
	if len(parts) != 2 {
		return nil, fmt.Errorf("embedding 默认模型格式应为 provider.model: %s", selector)
	}

	provider, ok := cfg.Model.Embedding.Providers[providerName]
	if !ok {
		return nil, fmt.Errorf("未配置的 embedding 提供商: %s", providerName)
	}
	model, ok := provider.Models[parts[1]]
	if !ok {
		return nil, fmt.Errorf("提供商 %s 未配置模型: %s", providerName, parts[1])
	}

	apiKey := secrets.Resolve(ctx, secretStore, providerName+"_api_key", provider.APIKey)

	return embedding.New(embedding.Config{
		Provider:  providerName,
		Model:     model.Name,
		Dimension: model.Dimension,
		BaseURL:   provider.BaseURL,
		APIKey:    apiKey,
		RateLimit: model.RPS,
	})
}

// Shutdown 关闭全部组件，顺序与依赖相反
func (b *Bootstrap) Shutdown(ctx context.Context) {
	if b.Queue != nil {
		if err := b.Queue.Close(); err != nil {
			b.Logger.Warn("关闭任务队列失败", "error", err)
		}
	}
	if b.Cache != nil {
		if err := b.Cache.Close(); err != nil {
			b.Logger.Warn("关闭缓存失败", "error", err)
		}
	}
	if b.ChunkStore != nil {
		if err := b.ChunkStore.Close(); err != nil {
			b.Logger.Warn("关闭切片存储失败", "error", err)
		}
	}
	if b.MetadataStore != nil {
		if err := b.MetadataStore.Close(); err != nil {
			b.Logger.Warn("关闭元数据存储失败", "error", err)
		}
	}
	if b.tracerProvider != nil {
		if err := b.tracerProvider.Shutdown(ctx); err != nil {
			b.Logger.Warn("关闭 tracer 失败", "error", err)
		}
	}
}
