package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupMetricsTest(t *testing.T) *sdkmetric.ManualReader {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(original)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown meter provider: %v", err)
		}
	})
	return reader
}

func setupTracingTest(t *testing.T) *tracetest.InMemoryExporter {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
	})
	return exporter
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumTotal(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetricsUsesGlobalProvider(t *testing.T) {
	setupMetricsTest(t)

	m := NewMetrics()
	require.NotNil(t, m)
	_, isNoop := m.(NoopMetrics)
	assert.False(t, isNoop)
}

func TestRecordLLMCall(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordLLMCall(ctx, LLMCall{Task: "text-classification", Model: "m", Duration: 20 * time.Millisecond, InputTokens: 100, OutputTokens: 10})
	m.RecordLLMCall(ctx, LLMCall{Task: "text-classification", Model: "m", CacheHit: true})
	m.RecordLLMCall(ctx, LLMCall{Task: "page-sectioning", Model: "m", Failed: true})

	rm := collect(t, reader)
	assert.Equal(t, int64(3), sumTotal(t, findMetric(rm, "adt.llm.calls")))
	assert.Equal(t, int64(1), sumTotal(t, findMetric(rm, "adt.cache.hits")))
	assert.Equal(t, int64(110), sumTotal(t, findMetric(rm, "adt.llm.tokens")))
	assert.Equal(t, int64(1), sumTotal(t, findMetric(rm, "adt.llm.failures")))
	assert.NotNil(t, findMetric(rm, "adt.llm.latency_ms"))
}

func TestRecordNodeAndJob(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordNode(ctx, "page-sectioning", false, time.Millisecond, nil)
	m.RecordNode(ctx, "page-sectioning", true, 0, nil)
	m.RecordNode(ctx, "web-rendering", false, time.Millisecond, errors.New("boom"))
	m.RecordJob(ctx, "extract", "completed", time.Second)

	rm := collect(t, reader)
	assert.Equal(t, int64(3), sumTotal(t, findMetric(rm, "adt.node.resolutions")))
	assert.Equal(t, int64(1), sumTotal(t, findMetric(rm, "adt.node.errors")))
	assert.Equal(t, int64(1), sumTotal(t, findMetric(rm, "adt.queue.jobs")))
}

func TestNoopMetrics(t *testing.T) {
	var m Metrics = NoopMetrics{}
	ctx := context.Background()
	m.RecordLLMCall(ctx, LLMCall{})
	m.RecordNode(ctx, "n", false, 0, nil)
	m.RecordJob(ctx, "k", "failed", 0)
}

func TestNodeSpan(t *testing.T) {
	exporter := setupTracingTest(t)

	_, span := StartNodeSpan(context.Background(), "run-1", "page-sectioning", "pg001")
	EndSpan(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "node.page-sectioning", s.Name)
	assert.Equal(t, codes.Ok, s.Status.Code)
	assert.Contains(t, s.Attributes, attribute.String("node.scope", "pg001"))
	assert.Contains(t, s.Attributes, attribute.String("run.id", "run-1"))
}

func TestEndSpanWithError(t *testing.T) {
	exporter := setupTracingTest(t)

	_, span := StartJobSpan(context.Background(), 7, "extract", "moby")
	EndSpan(span, errors.New("pdf unreadable"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "job.extract", s.Name)
	assert.Equal(t, codes.Error, s.Status.Code)
	assert.Equal(t, "pdf unreadable", s.Status.Description)
	require.Len(t, s.Events, 1)
	assert.Equal(t, "exception", s.Events[0].Name)
}

func TestAddEventNestedInLLMSpan(t *testing.T) {
	exporter := setupTracingTest(t)

	ctx, span := StartLLMSpan(context.Background(), "metadata", "gpt")
	AddEvent(ctx, "attempt", attribute.Int("attempt", 1))
	EndSpan(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "attempt", spans[0].Events[0].Name)
}

func TestEndSpanNil(t *testing.T) {
	EndSpan(nil, errors.New("ignored"))
}
