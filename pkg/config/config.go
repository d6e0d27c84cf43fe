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

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Model      ModelConfig      `mapstructure:"model"`
	Extract    ExtractConfig    `mapstructure:"extract"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port    int    `mapstructure:"port"`
	Host    string `mapstructure:"host"`
	Timeout string `mapstructure:"timeout"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Metadata MetadataConfig `mapstructure:"metadata"`
	Chunks   ChunkConfig    `mapstructure:"chunks"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

// MetadataConfig 文档元数据存储配置
type MetadataConfig struct {
	Type     string `mapstructure:"type"` // memory | postgres
	DSN      string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
	PoolSize int    `mapstructure:"pool_size"`
}

// ChunkConfig 切片存储配置（memory 为内置内存；postgres 需 pgvector；redis 使用 eino-ext 组件）
type ChunkConfig struct {
	Type       string `mapstructure:"type"`
	DSN        string `mapstructure:"dsn"`
	Addr       string `mapstructure:"addr"`       // Redis 地址，type=redis 时使用
	DB         string `mapstructure:"db"`         // Redis DB 编号，如 "0"
	Password   string `mapstructure:"password"`   // Redis 密码，可选
	Collection string `mapstructure:"collection"` // 默认集合/键前缀，ingest 与 query 共用
}

// CacheConfig 查询缓存配置
type CacheConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	TTL      string `mapstructure:"ttl"` // 缓存时长，如 "30s"
}

// ModelConfig 模型配置
type ModelConfig struct {
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Defaults  DefaultsConfig  `mapstructure:"defaults"`
}

// EmbeddingConfig Embedding 模型配置
type EmbeddingConfig struct {
	Providers map[string]ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig 模型提供商配置
type ProviderConfig struct {
	APIKey  string               `mapstructure:"api_key"`
	BaseURL string               `mapstructure:"base_url"`
	Models  map[string]ModelInfo `mapstructure:"models"`
}

// ModelInfo 模型信息
type ModelInfo struct {
	Name       string  `mapstructure:"name"`
	Dimension  int     `mapstructure:"dimension"`
	InputLimit int     `mapstructure:"input_limit"`
	RPS        float64 `mapstructure:"rps"` // 每秒请求配额，<=0 不限流
}

// DefaultsConfig 默认模型配置（如 "openai.text_embedding_3_small"）
type DefaultsConfig struct {
	Embedding string `mapstructure:"embedding"`
}

// ExtractConfig 文本提取协作方配置；Endpoint 为空时使用本地提取器
type ExtractConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
	Timeout  string `mapstructure:"timeout"`
}

// PipelineConfig 入库管线配置
type PipelineConfig struct {
	ChunkSize          int   `mapstructure:"chunk_size"`          // 目标切片大小（字符），默认 1000
	ChunkOverlap       int   `mapstructure:"chunk_overlap"`       // 切片重叠（字符），默认 200
	PreserveParagraphs *bool `mapstructure:"preserve_paragraphs"` // 段落保持，未配置时默认 true
	Concurrency        int   `mapstructure:"concurrency"`         // 切片向量化并发，默认 4
}

// RetrievalConfig 检索配置
type RetrievalConfig struct {
	DefaultLimit     int     `mapstructure:"default_limit"`     // 默认 10
	DefaultThreshold float64 `mapstructure:"default_threshold"` // 默认 0.7
	KeywordBonusCap  float64 `mapstructure:"keyword_bonus_cap"` // 默认 0.05
	RecencyBonusCap  float64 `mapstructure:"recency_bonus_cap"` // 默认 0.02
}

// QueueConfig 处理任务队列配置
type QueueConfig struct {
	Type string `mapstructure:"type"` // memory | postgres；空则 API 内联执行处理
	DSN  string `mapstructure:"dsn"`
}

// WorkerConfig Worker 服务配置
type WorkerConfig struct {
	Concurrency  int    `mapstructure:"concurrency"`
	PollInterval string `mapstructure:"poll_interval"` // 任务认领轮询间隔，如 "2s"
}

// SecretsConfig Secret 存储配置
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // env | memory | vault
	Config   map[string]string `mapstructure:"config"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	// 替换 ${VAR} 环境变量引用
	expandEnvVars(&config)
	applyDefaults(&config)

	return &config, nil
}

// Load 加载配置；path 为空时依次尝试 CONFIG_PATH 环境变量与 configs/config.yaml，
// 文件不存在时返回默认配置
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg, nil
	}
	return LoadConfig(path)
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv 将 s 中的 ${VAR} 替换为环境变量值
func expandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
}

// expandEnvVars 替换配置中常见字段的环境变量引用
func expandEnvVars(cfg *Config) {
	cfg.Storage.Metadata.DSN = expandEnv(cfg.Storage.Metadata.DSN)
	cfg.Storage.Chunks.DSN = expandEnv(cfg.Storage.Chunks.DSN)
	cfg.Storage.Chunks.Password = expandEnv(cfg.Storage.Chunks.Password)
	cfg.Storage.Cache.Password = expandEnv(cfg.Storage.Cache.Password)
	cfg.Queue.DSN = expandEnv(cfg.Queue.DSN)
	cfg.Extract.APIKey = expandEnv(cfg.Extract.APIKey)
	for name, pc := range cfg.Model.Embedding.Providers {
		pc.APIKey = expandEnv(pc.APIKey)
		pc.BaseURL = expandEnv(pc.BaseURL)
		cfg.Model.Embedding.Providers[name] = pc
	}
	for k, v := range cfg.Secrets.Config {
		cfg.Secrets.Config[k] = expandEnv(v)
	}
}

// applyDefaults 填充未配置项的默认值
func applyDefaults(cfg *Config) {
	if cfg.API.Port <= 0 {
		cfg.API.Port = 8080
	}
	if cfg.Pipeline.ChunkSize <= 0 {
		cfg.Pipeline.ChunkSize = 1000
	}
	if cfg.Pipeline.ChunkOverlap <= 0 {
		cfg.Pipeline.ChunkOverlap = 200
	}
	if cfg.Pipeline.Concurrency <= 0 {
		cfg.Pipeline.Concurrency = 4
	}
	if cfg.Retrieval.DefaultLimit <= 0 {
		cfg.Retrieval.DefaultLimit = 10
	}
	if cfg.Retrieval.DefaultThreshold <= 0 {
		cfg.Retrieval.DefaultThreshold = 0.7
	}
	if cfg.Retrieval.KeywordBonusCap <= 0 {
		cfg.Retrieval.KeywordBonusCap = 0.05
	}
	if cfg.Retrieval.RecencyBonusCap <= 0 {
		cfg.Retrieval.RecencyBonusCap = 0.02
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 2
	}
	if cfg.Worker.PollInterval == "" {
		cfg.Worker.PollInterval = "2s"
	}
	if cfg.Storage.Chunks.Collection == "" {
		cfg.Storage.Chunks.Collection = "default"
	}
}
