package embedding

import (
	"context"
	"fmt"
)

// Embedder 向量化接口
type Embedder interface {
	// Embed 对文本做向量化，返回与 texts 一一对应的向量
	Embed(ctx context.Context, texts []string) ([][]float64, error)

	// Model 返回模型名称
	Model() string

	// Dimension 返回向量维度
	Dimension() int
}

// Config Embedder 配置
type Config struct {
	Provider  string  `yaml:"provider"`   // openai | local
	Model     string  `yaml:"model"`      // 模型名称
	Dimension int     `yaml:"dimension"`  // 向量维度
	BaseURL   string  `yaml:"base_url"`   // API 地址
	APIKey    string  `yaml:"api_key"`    // API key
	RateLimit float64 `yaml:"rate_limit"` // 每秒请求数，0 表示不限制
	Timeout   string  `yaml:"timeout"`    // 单次请求超时
}

// New 创建 Embedder
func New(config Config) (Embedder, error) {
	switch config.Provider {
	case "", "openai":
		return NewOpenAIEmbedder(config)
	case "local":
		return NewLocalEmbedder(config.Model, config.Dimension), nil
	default:
		return nil, fmt.Errorf("不支持的 embedding provider: %s", config.Provider)
	}
}
