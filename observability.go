package conduit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	otelTrace "go.opentelemetry.io/otel/trace"
)

// TracingType selects a trace exporter backend.
type TracingType string

const (
	TracingTypeNoop   TracingType = "noop"
	TracingTypeOTLP   TracingType = "otlp"
	TracingTypeZipkin TracingType = "zipkin"
)

// MetricsType selects a metrics backend.
type MetricsType string

const (
	MetricsTypeNoop       MetricsType = "noop"
	MetricsTypePrometheus MetricsType = "prometheus"
	MetricsTypeLogging    MetricsType = "logging"
)

// TracingConfig describes how engine spans should be exported.
type TracingConfig struct {
	Enabled  bool
	Type     TracingType
	Endpoint string
}

// MetricsConfig describes where engine metrics should go.
type MetricsConfig struct {
	Enabled  bool
	Type     MetricsType
	Endpoint string
}

// ObservabilityFactory creates observability components from configuration.
type ObservabilityFactory struct{}

// NewObservabilityFactory creates a new factory for observability components.
func NewObservabilityFactory() *ObservabilityFactory {
	return &ObservabilityFactory{}
}

// CreateTracerProvider creates a TracerProvider for the given tracing configuration.
func (f *ObservabilityFactory) CreateTracerProvider(
	config TracingConfig,
	serviceName string,
) (TracerProvider, error) {
	if !config.Enabled {
		return &NoopTracerProvider{}, nil
	}

	switch config.Type {
	case TracingTypeNoop:
		return &NoopTracerProvider{}, nil
	case TracingTypeOTLP:
		return f.createOTLPTracerProvider(config, serviceName)
	case TracingTypeZipkin:
		return f.createZipkinTracerProvider(config, serviceName)
	default:
		return nil, fmt.Errorf("unsupported tracing type: %s", config.Type)
	}
}

// CreateMetricsCollector creates a MetricsCollector for the given metrics configuration.
func (f *ObservabilityFactory) CreateMetricsCollector(
	config MetricsConfig,
	logger *log.Logger,
) (MetricsCollector, error) {
	if !config.Enabled {
		return &NoopMetricsCollector{}, nil
	}

	switch config.Type {
	case MetricsTypeNoop:
		return &NoopMetricsCollector{}, nil
	case MetricsTypePrometheus:
		return NewPrometheusMetricsCollector(prometheus.NewRegistry()), nil
	case MetricsTypeLogging:
		if logger == nil {
			return nil, errors.New("logging metrics collector requires a logger")
		}
		return &LoggingMetricsCollector{logger: logger}, nil
	default:
		return nil, fmt.Errorf("unsupported metrics type: %s", config.Type)
	}
}

func (f *ObservabilityFactory) createOTLPTracerProvider(
	config TracingConfig,
	serviceName string,
) (TracerProvider, error) {
	if config.Endpoint == "" {
		return nil, errors.New("otlp endpoint is required")
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithInsecure(), // Use WithTLSCredentials() for secure connections
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := newServiceResource(serviceName)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	return &OTLPTracerProvider{tp: tp}, nil
}

func (f *ObservabilityFactory) createZipkinTracerProvider(
	config TracingConfig,
	serviceName string,
) (TracerProvider, error) {
	if config.Endpoint == "" {
		return nil, errors.New("zipkin endpoint is required")
	}

	exporter, err := zipkin.New(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create Zipkin exporter: %w", err)
	}

	res, err := newServiceResource(serviceName)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	return &ZipkinTracerProvider{tp: tp}, nil
}

func newServiceResource(serviceName string) (*resource.Resource, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// OTLPTracerProvider wraps the OpenTelemetry SDK TracerProvider for OTLP export.
type OTLPTracerProvider struct {
	tp *sdktrace.TracerProvider
}

// Tracer returns a tracer from the underlying provider.
func (p *OTLPTracerProvider) Tracer(name string, options ...otelTrace.TracerOption) otelTrace.Tracer {
	return p.tp.Tracer(name, options...)
}

// Shutdown gracefully shuts down the tracer provider.
func (p *OTLPTracerProvider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// Ensure OTLPTracerProvider implements TracerProvider.
var _ TracerProvider = (*OTLPTracerProvider)(nil)

// ZipkinTracerProvider wraps the OpenTelemetry SDK TracerProvider for Zipkin export.
type ZipkinTracerProvider struct {
	tp *sdktrace.TracerProvider
}

// Tracer returns a tracer from the underlying provider.
func (p *ZipkinTracerProvider) Tracer(name string, options ...otelTrace.TracerOption) otelTrace.Tracer {
	return p.tp.Tracer(name, options...)
}

// Shutdown gracefully shuts down the tracer provider.
func (p *ZipkinTracerProvider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// Ensure ZipkinTracerProvider implements TracerProvider.
var _ TracerProvider = (*ZipkinTracerProvider)(nil)

// LoggingMetricsCollector logs every metric event. It is a
// development/testing implementation.
type LoggingMetricsCollector struct {
	logger *log.Logger
}

// Ensure LoggingMetricsCollector implements MetricsCollector.
var _ MetricsCollector = (*LoggingMetricsCollector)(nil)

// NewLoggingMetricsCollector creates a collector that logs metrics to logger.
func NewLoggingMetricsCollector(logger *log.Logger) *LoggingMetricsCollector {
	return &LoggingMetricsCollector{logger: logger}
}

// PipelineStarted logs pipeline start.
func (l *LoggingMetricsCollector) PipelineStarted(_ context.Context, pipelineName, executionID string) {
	l.logger.Printf("METRICS: Pipeline '%s' execution %s started", pipelineName, executionID)
}

// PipelineCompleted logs pipeline completion.
func (l *LoggingMetricsCollector) PipelineCompleted(
	_ context.Context,
	pipelineName, executionID string,
	status ExecutionStatus,
	duration time.Duration,
) {
	l.logger.Printf("METRICS: Pipeline '%s' execution %s finished %s in %v",
		pipelineName, executionID, status, duration)
}

// StageStarted logs when a stage starts.
func (l *LoggingMetricsCollector) StageStarted(_ context.Context, stageName string) {
	l.logger.Printf("METRICS: Stage '%s' started", stageName)
}

// StageCompleted logs when a stage completes.
func (l *LoggingMetricsCollector) StageCompleted(_ context.Context, stageName string, duration time.Duration) {
	l.logger.Printf("METRICS: Stage '%s' completed in %v", stageName, duration)
}

// StageError logs when a stage errors.
func (l *LoggingMetricsCollector) StageError(_ context.Context, stageName string, err error) {
	l.logger.Printf("METRICS: Stage '%s' error: %v", stageName, err)
}

// RetryAttempt logs retry attempts.
func (l *LoggingMetricsCollector) RetryAttempt(_ context.Context, stageName string, attempt int, err error) {
	l.logger.Printf("METRICS: Stage '%s' retry attempt %d: %v", stageName, attempt, err)
}

// RecordsProcessed logs processed record counts.
func (l *LoggingMetricsCollector) RecordsProcessed(_ context.Context, stageName string, count int) {
	l.logger.Printf("METRICS: Stage '%s' processed %d records", stageName, count)
}

// NotificationSent logs notification delivery attempts.
func (l *LoggingMetricsCollector) NotificationSent(_ context.Context, notificationType string, err error) {
	if err != nil {
		l.logger.Printf("METRICS: Notification '%s' failed: %v", notificationType, err)
		return
	}
	l.logger.Printf("METRICS: Notification '%s' sent", notificationType)
}

// PrometheusMetricsCollector implements MetricsCollector for Prometheus.
type PrometheusMetricsCollector struct {
	registry *prometheus.Registry

	pipelineStartedCounter    *prometheus.CounterVec
	pipelineDurationHistogram *prometheus.HistogramVec
	stageStartedCounter       *prometheus.CounterVec
	stageDurationHistogram    *prometheus.HistogramVec
	stageErrorsCounter        *prometheus.CounterVec
	retryAttemptsCounter      *prometheus.CounterVec
	recordsProcessedCounter   *prometheus.CounterVec
	notificationsCounter      *prometheus.CounterVec
}

// Ensure PrometheusMetricsCollector implements MetricsCollector.
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)

// NewPrometheusMetricsCollector creates a collector registering its metrics
// with the given registry.
func NewPrometheusMetricsCollector(registry *prometheus.Registry) *PrometheusMetricsCollector {
	factory := promauto.With(registry)
	return &PrometheusMetricsCollector{
		registry: registry,
		pipelineStartedCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_pipeline_started_total",
			Help: "Total number of pipeline executions started",
		}, []string{"pipeline"}),
		pipelineDurationHistogram: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "conduit_pipeline_duration_seconds",
			Help: "Duration of pipeline executions in seconds",
		}, []string{"pipeline", "status"}),
		stageStartedCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_stage_started_total",
			Help: "Total number of stage runs started",
		}, []string{"stage"}),
		stageDurationHistogram: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "conduit_stage_duration_seconds",
			Help: "Duration of stage runs in seconds",
		}, []string{"stage"}),
		stageErrorsCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_stage_errors_total",
			Help: "Total number of terminal stage failures by error type",
		}, []string{"stage", "error_type"}),
		retryAttemptsCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_retry_attempts_total",
			Help: "Total number of retry attempts by stage",
		}, []string{"stage"}),
		recordsProcessedCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_records_processed_total",
			Help: "Total number of records processed by stage",
		}, []string{"stage"}),
		notificationsCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_notifications_total",
			Help: "Total number of notification deliveries by outcome",
		}, []string{"type", "outcome"}),
	}
}

// GetRegistry returns the Prometheus registry for exposing metrics.
func (p *PrometheusMetricsCollector) GetRegistry() *prometheus.Registry {
	return p.registry
}

// PipelineStarted increments the pipeline started counter.
func (p *PrometheusMetricsCollector) PipelineStarted(_ context.Context, pipelineName, _ string) {
	p.pipelineStartedCounter.WithLabelValues(pipelineName).Inc()
}

// PipelineCompleted records the pipeline duration labelled by terminal status.
func (p *PrometheusMetricsCollector) PipelineCompleted(
	_ context.Context,
	pipelineName, _ string,
	status ExecutionStatus,
	duration time.Duration,
) {
	p.pipelineDurationHistogram.WithLabelValues(pipelineName, string(status)).Observe(duration.Seconds())
}

// StageStarted increments the stage started counter.
func (p *PrometheusMetricsCollector) StageStarted(_ context.Context, stageName string) {
	p.stageStartedCounter.WithLabelValues(stageName).Inc()
}

// StageCompleted records the stage duration.
func (p *PrometheusMetricsCollector) StageCompleted(_ context.Context, stageName string, duration time.Duration) {
	p.stageDurationHistogram.WithLabelValues(stageName).Observe(duration.Seconds())
}

// StageError increments the stage error counter.
func (p *PrometheusMetricsCollector) StageError(_ context.Context, stageName string, err error) {
	p.stageErrorsCounter.WithLabelValues(stageName, fmt.Sprintf("%T", err)).Inc()
}

// RetryAttempt increments the retry attempts counter.
func (p *PrometheusMetricsCollector) RetryAttempt(_ context.Context, stageName string, _ int, _ error) {
	p.retryAttemptsCounter.WithLabelValues(stageName).Inc()
}

// RecordsProcessed adds to the records processed counter.
func (p *PrometheusMetricsCollector) RecordsProcessed(_ context.Context, stageName string, count int) {
	p.recordsProcessedCounter.WithLabelValues(stageName).Add(float64(count))
}

// NotificationSent increments the notifications counter.
func (p *PrometheusMetricsCollector) NotificationSent(_ context.Context, notificationType string, err error) {
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	p.notificationsCounter.WithLabelValues(notificationType, outcome).Inc()
}
