package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		DocumentsProcessed, StageDuration,
		ChunksStored, DedupHits,
		SearchDuration, SearchResults,
	)
}

// DocumentsProcessed 管线处理完成的文档总数（按终态）
var DocumentsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ragcore_documents_processed_total",
		Help: "管线处理完成的文档总数（按终态）",
	},
	[]string{"status"}, // completed | failed | cancelled
)

// StageDuration 管线各阶段耗时（秒）
var StageDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "ragcore_stage_duration_seconds",
		Help:    "管线各阶段耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"stage"}, // ocr | chunking | embedding | indexing
)

// ChunksStored 新建切片行总数
var ChunksStored = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ragcore_chunks_stored_total",
		Help: "新建切片行总数",
	},
)

// DedupHits 指纹去重命中总数（upsert 未建新行）
var DedupHits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ragcore_chunk_dedup_hits_total",
		Help: "指纹去重命中总数",
	},
)

// SearchDuration 检索耗时（秒）
var SearchDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "ragcore_search_duration_seconds",
		Help:    "检索耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// SearchResults 单次检索返回结果数
var SearchResults = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "ragcore_search_results",
		Help:    "单次检索返回结果数",
		Buckets: []float64{0, 1, 3, 5, 10, 20, 50},
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
