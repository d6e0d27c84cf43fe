// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartStageSpan 开始管线阶段 span
func StartStageSpan(ctx context.Context, documentID string, stage string) (context.Context, trace.Span) {
	tracer := otel.Tracer("rag-core")
	ctx, span := tracer.Start(ctx, "pipeline."+stage,
		trace.WithAttributes(
			attribute.String("document.id", documentID),
			attribute.String("pipeline.stage", stage),
		),
	)
	return ctx, span
}

// StartSearchSpan 开始检索 span
func StartSearchSpan(ctx context.Context, queryLen int, limit int) (context.Context, trace.Span) {
	tracer := otel.Tracer("rag-core")
	ctx, span := tracer.Start(ctx, "retrieval.search",
		trace.WithAttributes(
			attribute.Int("query.length", queryLen),
			attribute.Int("query.limit", limit),
		),
	)
	return ctx, span
}
