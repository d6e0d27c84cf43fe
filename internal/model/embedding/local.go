package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// LocalEmbedder 本地确定性 Embedder，用于开发与测试。
// 基于词哈希生成单位向量：相同文本得到相同向量，词重叠越多相似度越高。
type LocalEmbedder struct {
	model     string
	dimension int
}

// NewLocalEmbedder 创建本地 Embedder
func NewLocalEmbedder(model string, dimension int) *LocalEmbedder {
	if model == "" {
		model = "local-hash"
	}
	if dimension <= 0 {
		dimension = 128
	}
	return &LocalEmbedder{model: model, dimension: dimension}
}

// Model 返回模型名称
func (e *LocalEmbedder) Model() string {
	return e.model
}

// Dimension 返回向量维度
func (e *LocalEmbedder) Dimension() int {
	return e.dimension
}

// Embed 向量化文本
func (e *LocalEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = e.embedOne(text)
	}
	return vectors, nil
}

func (e *LocalEmbedder) embedOne(text string) []float64 {
	vec := make([]float64, e.dimension)

	for _, word := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(word))
		idx := binary.BigEndian.Uint32(sum[:4]) % uint32(e.dimension)
		sign := 1.0
		if sum[4]%2 == 1 {
			sign = -1.0
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
