package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics builds an OpenTelemetry meter backed by a Prometheus registry.
// When metrics are disabled the returned recorder is a NoopMetrics.
func InitMetrics(cfg MetricsConfig) (Metrics, error) {
	if !cfg.Enabled {
		return NoopMetrics{}, nil
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultServiceName
	}

	registry := prometheus.NewRegistry()
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter(InstrumentationName)
	name := func(s string) string { return namespace + "_" + s }

	toolDuration, err := meter.Float64Histogram(
		name("tool_execution_duration_seconds"),
		metric.WithDescription("Tool execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	toolCalls, err := meter.Int64Counter(
		name("tool_calls_total"),
		metric.WithDescription("Total tool calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	toolErrors, err := meter.Int64Counter(
		name("tool_errors_total"),
		metric.WithDescription("Total tool errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		name("llm_request_duration_seconds"),
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmCalls, err := meter.Int64Counter(
		name("llm_requests_total"),
		metric.WithDescription("Total LLM requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm requests counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		name("llm_errors_total"),
		metric.WithDescription("Total LLM errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	httpDuration, err := meter.Float64Histogram(
		name("http_request_duration_seconds"),
		metric.WithDescription("HTTP API request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	httpRequests, err := meter.Int64Counter(
		name("http_requests_total"),
		metric.WithDescription("Total HTTP API requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	return &PrometheusMetrics{
		provider:        meterProvider,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		toolDuration:    toolDuration,
		toolCallsTotal:  toolCalls,
		toolErrorsTotal: toolErrors,
		llmDuration:     llmDuration,
		llmCallsTotal:   llmCalls,
		llmErrorsTotal:  llmErrors,
		httpDuration:    httpDuration,
		httpRequests:    httpRequests,
	}, nil
}

// Handler serves the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	if m == nil || m.handler == nil {
		return NoopMetrics{}.Handler()
	}
	return m.handler
}
