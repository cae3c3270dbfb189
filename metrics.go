package conduit

import (
	"context"
	"time"
)

// MetricsCollector receives the engine's execution metrics. Implementations
// must be safe for concurrent use: several executions may report at once.
type MetricsCollector interface {
	// PipelineStarted is called when an execution enters the running state.
	PipelineStarted(ctx context.Context, pipelineName, executionID string)
	// PipelineCompleted is called when an execution reaches a terminal state.
	PipelineCompleted(ctx context.Context, pipelineName, executionID string, status ExecutionStatus, duration time.Duration)
	// StageStarted is called before the first attempt of a stage.
	StageStarted(ctx context.Context, stageName string)
	// StageCompleted is called when a stage finishes successfully.
	StageCompleted(ctx context.Context, stageName string, duration time.Duration)
	// StageError is called when a stage fails terminally.
	StageError(ctx context.Context, stageName string, err error)
	// RetryAttempt is called before each backoff wait. Attempt numbering
	// starts at 0 for the retry after the first failure.
	RetryAttempt(ctx context.Context, stageName string, attempt int, err error)
	// RecordsProcessed is called when a stage reports a record count.
	RecordsProcessed(ctx context.Context, stageName string, count int)
	// NotificationSent is called after each notification delivery attempt.
	NotificationSent(ctx context.Context, notificationType string, err error)
}

// NoopMetricsCollector is a metrics collector that does nothing.
type NoopMetricsCollector struct{}

// PipelineStarted implements MetricsCollector.
func (*NoopMetricsCollector) PipelineStarted(_ context.Context, _, _ string) {}

// PipelineCompleted implements MetricsCollector.
func (*NoopMetricsCollector) PipelineCompleted(_ context.Context, _, _ string, _ ExecutionStatus, _ time.Duration) {
}

// StageStarted implements MetricsCollector.
func (*NoopMetricsCollector) StageStarted(_ context.Context, _ string) {}

// StageCompleted implements MetricsCollector.
func (*NoopMetricsCollector) StageCompleted(_ context.Context, _ string, _ time.Duration) {}

// StageError implements MetricsCollector.
func (*NoopMetricsCollector) StageError(_ context.Context, _ string, _ error) {}

// RetryAttempt implements MetricsCollector.
func (*NoopMetricsCollector) RetryAttempt(_ context.Context, _ string, _ int, _ error) {}

// RecordsProcessed implements MetricsCollector.
func (*NoopMetricsCollector) RecordsProcessed(_ context.Context, _ string, _ int) {}

// NotificationSent implements MetricsCollector.
func (*NoopMetricsCollector) NotificationSent(_ context.Context, _ string, _ error) {}

// DefaultMetricsCollector is used when no collector is configured.
var DefaultMetricsCollector MetricsCollector = &NoopMetricsCollector{}
