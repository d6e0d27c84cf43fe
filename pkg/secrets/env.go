// Copyright 2026 fanjia1024
// Environment variable based secret store

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// envPrefix 环境变量前缀。key 统一转成大写下划线形式查找，
// 带前缀的变量优先，找不到再回退原始 key。
const envPrefix = "RAGCORE_"

type envStore struct{}

// NewEnvStore 创建环境变量 secret store
func NewEnvStore() Store {
	return &envStore{}
}

// envName 把 "openai_api_key" 规整为 "RAGCORE_OPENAI_API_KEY"
func envName(key string) string {
	name := strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	if strings.HasPrefix(name, envPrefix) {
		return name
	}
	return envPrefix + name
}

func (e *envStore) Get(ctx context.Context, key string) (string, error) {
	if value := os.Getenv(envName(key)); value != "" {
		return value, nil
	}
	if value := os.Getenv(key); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("环境变量未设置: %s", envName(key))
}

func (e *envStore) Set(ctx context.Context, key string, value string) error {
	return os.Setenv(envName(key), value)
}

func (e *envStore) Delete(ctx context.Context, key string) error {
	return os.Unsetenv(envName(key))
}

func (e *envStore) List(ctx context.Context, prefix string) ([]string, error) {
	want := envName(prefix)
	if prefix == "" {
		want = envPrefix
	}
	var keys []string
	for _, env := range os.Environ() {
		name, _, ok := strings.Cut(env, "=")
		if ok && strings.HasPrefix(name, want) {
			keys = append(keys, name)
		}
	}
	return keys, nil
}
