package chunkstore

import (
	"context"
	"fmt"

	"rag-core/pkg/config"
)

// NewStore 根据配置创建切片存储。
// redis 类型不在这里创建：向量读写走 eino-ext 的 redis indexer/retriever。
func NewStore(ctx context.Context, cfg config.ChunkConfig, dimension int) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres", "pg", "pgvector":
		return NewPgStore(ctx, cfg.DSN, dimension)
	default:
		return nil, fmt.Errorf("不支持的切片存储类型: %s", cfg.Type)
	}
}
