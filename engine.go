package conduit

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/synoptiq/go-conduit"

// Engine executes pipeline definitions. It resolves the stage order, runs the
// stages sequentially over a shared context, records every execution in its
// store, and reports to the configured metrics collector and tracer.
//
// An Engine is safe for concurrent use: separate executions never share
// mutable state beyond the store, which locks internally.
type Engine struct {
	logger         *log.Logger
	metrics        MetricsCollector
	tracerProvider TracerProvider

	reader    DataReader
	writer    DataWriter
	queryExec QueryExecutor
	validator ResourceValidator
	renderer  TemplateRenderer
	notifier  Notifier
	rollback  RollbackFunc

	retryBaseDelay time.Duration

	store     *ExecutionStore
	executors map[StageType]StageExecutor

	mu     sync.RWMutex
	custom map[string]CustomStageFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger. If nil, logging is disabled.
func WithLogger(logger *log.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetricsCollector sets the metrics collector for the engine and its
// stage runner.
func WithMetricsCollector(collector MetricsCollector) EngineOption {
	return func(e *Engine) {
		if collector != nil {
			e.metrics = collector
		}
	}
}

// WithTracerProvider sets the tracer provider used for execution spans.
func WithTracerProvider(provider TracerProvider) EngineOption {
	return func(e *Engine) {
		if provider != nil {
			e.tracerProvider = provider
		}
	}
}

// WithDataReader sets the collaborator that extract stages read through.
func WithDataReader(reader DataReader) EngineOption {
	return func(e *Engine) {
		e.reader = reader
	}
}

// WithDataWriter sets the collaborator that load stages write through.
func WithDataWriter(writer DataWriter) EngineOption {
	return func(e *Engine) {
		e.writer = writer
	}
}

// WithQueryExecutor sets the SQL collaborator used by database extracts and
// sql transforms.
func WithQueryExecutor(queryExec QueryExecutor) EngineOption {
	return func(e *Engine) {
		e.queryExec = queryExec
	}
}

// WithResourceValidator sets the collaborator consulted by validate stages.
func WithResourceValidator(validator ResourceValidator) EngineOption {
	return func(e *Engine) {
		e.validator = validator
	}
}

// WithTemplateRenderer sets the renderer applied to templated configuration
// values. Defaults to StdTemplateRenderer.
func WithTemplateRenderer(renderer TemplateRenderer) EngineOption {
	return func(e *Engine) {
		if renderer != nil {
			e.renderer = renderer
		}
	}
}

// WithNotifier sets the collaborator that delivers failure notifications.
func WithNotifier(notifier Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

// WithRollbackHook sets the function invoked when a stage with the rollback
// policy fails terminally.
func WithRollbackHook(fn RollbackFunc) EngineOption {
	return func(e *Engine) {
		e.rollback = fn
	}
}

// WithEngineRetryBaseDelay sets the backoff unit passed to the stage runner.
func WithEngineRetryBaseDelay(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.retryBaseDelay = d
		}
	}
}

// WithStageExecutor overrides the executor for a stage type. Intended for
// tests and for embedding the engine with bespoke stage implementations.
func WithStageExecutor(stageType StageType, executor StageExecutor) EngineOption {
	return func(e *Engine) {
		if executor != nil {
			e.executors[stageType] = executor
		}
	}
}

// NewEngine creates an engine with the given options. Collaborators left
// unset disable the stages that need them: running such a stage yields a
// ConfigurationError.
func NewEngine(options ...EngineOption) *Engine {
	e := &Engine{
		logger:         log.New(io.Discard, "", 0),
		metrics:        DefaultMetricsCollector,
		tracerProvider: DefaultTracerProvider,
		renderer:       NewStdTemplateRenderer(),
		retryBaseDelay: defaultRetryBaseDelay,
		store:          NewExecutionStore(),
		executors:      make(map[StageType]StageExecutor),
		custom:         make(map[string]CustomStageFunc),
	}
	for _, option := range options {
		option(e)
	}

	if _, ok := e.executors[StageTypeExtract]; !ok {
		e.executors[StageTypeExtract] = NewExtractExecutor(e.reader, e.queryExec, e.renderer)
	}
	if _, ok := e.executors[StageTypeTransform]; !ok {
		e.executors[StageTypeTransform] = NewTransformExecutor(e.queryExec, e.renderer)
	}
	if _, ok := e.executors[StageTypeValidate]; !ok {
		e.executors[StageTypeValidate] = NewValidateExecutor(e.validator)
	}
	if _, ok := e.executors[StageTypeLoad]; !ok {
		e.executors[StageTypeLoad] = NewLoadExecutor(e.writer, e.queryExec, e.renderer)
	}
	if _, ok := e.executors[StageTypeCustom]; !ok {
		e.executors[StageTypeCustom] = StageExecutorFunc(e.executeCustom)
	}

	return e
}

// RegisterCustomStage registers fn under the given name for use by custom
// stages. Registering an existing name replaces the previous function.
func (e *Engine) RegisterCustomStage(name string, fn CustomStageFunc) error {
	if name == "" {
		return NewConfigurationError("", "function", "custom stage name must not be empty")
	}
	if fn == nil {
		return NewConfigurationError("", "function", fmt.Sprintf("custom stage %q has no function", name))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom[name] = fn
	return nil
}

// executeCustom dispatches a custom stage to the registered function named by
// the stage's "function" config key, defaulting to the stage name.
func (e *Engine) executeCustom(ctx context.Context, stage PipelineStage, execCtx Context) (map[string]any, error) {
	name := stage.Name
	if v, ok := stage.Config["function"]; ok {
		s, isString := v.(string)
		if !isString || s == "" {
			return nil, NewConfigurationError(stage.Name, "function", "must be a non-empty string")
		}
		name = s
	}

	e.mu.RLock()
	fn, ok := e.custom[name]
	e.mu.RUnlock()
	if !ok {
		return nil, NewConfigurationError(stage.Name, "function", fmt.Sprintf("no custom stage registered as %q", name))
	}
	return fn(ctx, stage.Config, execCtx)
}

// GetExecution returns a snapshot of the execution with the given ID.
func (e *Engine) GetExecution(executionID string) (*PipelineExecution, bool) {
	return e.store.Get(executionID)
}

// ListExecutions returns snapshots of stored executions, most recent first.
// A non-empty pipelineName restricts the result to that pipeline.
func (e *Engine) ListExecutions(pipelineName string) []*PipelineExecution {
	return e.store.List(pipelineName)
}

// Execute runs one execution of the given pipeline definition.
//
// The initial map seeds the execution context; the definition's global config
// is merged on top of it, so declared configuration wins over per-run input.
// Stages run one at a time in resolved dependency order, each one seeing the
// merged outputs of every stage completed before it.
//
// Execute always returns the finished execution record, already persisted in
// the engine's store. The error is non-nil when the execution ended failed:
// a dependency resolution error, or the terminal error of the stage that
// aborted the run. A failure confined to a continue-policy stage produces a
// completed execution and a nil error.
func (e *Engine) Execute(
	ctx context.Context,
	definition *PipelineDefinition,
	initial map[string]any,
) (*PipelineExecution, error) {
	execution := &PipelineExecution{
		ExecutionID:  uuid.NewString(),
		PipelineName: definition.Name,
		Status:       StatusRunning,
		StartTime:    time.Now(),
		StageResults: make(map[string]StageResult),
	}
	e.store.Put(execution)
	e.metrics.PipelineStarted(ctx, definition.Name, execution.ExecutionID)
	e.logger.Printf("INFO: pipeline %q execution %s started", definition.Name, execution.ExecutionID)

	tracer := e.tracerProvider.Tracer(tracerName)
	ctx, pipelineSpan := tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("pipeline.name", definition.Name),
		attribute.String("pipeline.execution_id", execution.ExecutionID),
		attribute.Int("pipeline.stages", len(definition.Stages)),
	))
	defer pipelineSpan.End()

	order, err := Resolve(definition.Stages)
	if err != nil {
		return e.finish(ctx, pipelineSpan, definition, execution, StatusFailed, err)
	}

	execCtx := make(Context, len(initial)+len(definition.GlobalConfig))
	execCtx.Merge(initial)
	execCtx.Merge(definition.GlobalConfig)

	runner := NewStageRunner(
		WithRunnerLogger(e.logger),
		WithRunnerMetrics(e.metrics),
		WithRetryBaseDelay(e.retryBaseDelay),
	)

	for _, name := range order {
		if ctx.Err() != nil {
			return e.finish(ctx, pipelineSpan, definition, execution, StatusCancelled, ctx.Err())
		}

		stage, _ := definition.StageByName(name)
		executor, ok := e.executors[stage.Type]
		if !ok {
			stageErr := NewConfigurationError(stage.Name, "type", fmt.Sprintf("unknown stage type %q", stage.Type))
			execution.StageResults[name] = StageResult{Status: StageFailed, Error: stageErr.Error()}
			return e.finish(ctx, pipelineSpan, definition, execution, StatusFailed, stageErr)
		}

		result, stageErr := e.runStage(ctx, tracer, runner, stage, executor, execCtx)
		execution.StageResults[name] = result
		e.store.Update(execution.ExecutionID, func(stored *PipelineExecution) {
			stored.StageResults[name] = result
		})

		if result.Status == StageCompleted {
			execCtx.Merge(result.Output)
			if count, ok := recordCount(result.Output); ok {
				e.metrics.RecordsProcessed(ctx, name, count)
			}
			continue
		}

		if stageErr == nil {
			// continue policy: the failure stays confined to the stage result.
			e.logger.Printf("WARN: stage %q failed, continuing per policy", name)
			continue
		}

		if stage.OnFailure == OnFailureRollback {
			e.runRollback(ctx, execution)
		}
		return e.finish(ctx, pipelineSpan, definition, execution, StatusFailed, stageErr)
	}

	return e.finish(ctx, pipelineSpan, definition, execution, StatusCompleted, nil)
}

// runStage wraps one runner invocation in a span.
func (e *Engine) runStage(
	ctx context.Context,
	tracer trace.Tracer,
	runner *StageRunner,
	stage PipelineStage,
	executor StageExecutor,
	execCtx Context,
) (StageResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("stage.name", stage.Name),
		attribute.String("stage.type", string(stage.Type)),
	))
	defer span.End()

	result, err := runner.Run(ctx, stage, executor, execCtx)

	span.SetAttributes(
		attribute.Float64("stage.duration_ms", float64(result.Duration.Milliseconds())),
		attribute.Int("stage.attempts", result.Attempts),
	)
	if result.Status == StageFailed {
		span.SetStatus(codes.Error, result.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if err != nil {
		span.RecordError(err)
	}
	return result, err
}

// runRollback invokes the rollback hook, best effort.
func (e *Engine) runRollback(ctx context.Context, execution *PipelineExecution) {
	if e.rollback == nil {
		e.logger.Printf("WARN: rollback requested for execution %s but no rollback hook is configured",
			execution.ExecutionID)
		return
	}
	e.logger.Printf("INFO: rolling back execution %s", execution.ExecutionID)
	if err := e.rollback(ctx, execution.clone()); err != nil {
		e.logger.Printf("ERROR: rollback for execution %s failed: %v", execution.ExecutionID, err)
	}
}

// finish moves the execution to its terminal state, computes the aggregate
// metrics, persists the record, fires notifications on failure, and returns
// the snapshot the caller receives.
func (e *Engine) finish(
	ctx context.Context,
	span trace.Span,
	definition *PipelineDefinition,
	execution *PipelineExecution,
	status ExecutionStatus,
	cause error,
) (*PipelineExecution, error) {
	execution.Status = status
	execution.EndTime = time.Now()
	if cause != nil {
		execution.ErrorMessage = cause.Error()
	}
	execution.Metrics = computeMetrics(execution)

	e.store.Put(execution)
	e.metrics.PipelineCompleted(ctx, definition.Name, execution.ExecutionID, status, execution.Metrics.TotalDuration)

	span.SetAttributes(attribute.String("pipeline.status", string(status)))
	if cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	switch status {
	case StatusCompleted:
		e.logger.Printf("INFO: pipeline %q execution %s completed in %v",
			definition.Name, execution.ExecutionID, execution.Metrics.TotalDuration)
	default:
		e.logger.Printf("ERROR: pipeline %q execution %s finished %s: %v",
			definition.Name, execution.ExecutionID, status, cause)
		e.notify(ctx, definition, execution)
	}

	return execution.clone(), cause
}

// notify delivers the pipeline's declared notifications, best effort. A
// failed delivery is logged and counted, never propagated.
func (e *Engine) notify(ctx context.Context, definition *PipelineDefinition, execution *PipelineExecution) {
	if e.notifier == nil || len(definition.Notifications) == 0 {
		return
	}
	snapshot := execution.clone()
	for _, notification := range definition.Notifications {
		err := e.notifier.Notify(ctx, notification, snapshot)
		e.metrics.NotificationSent(ctx, notification.Type, err)
		if err != nil {
			e.logger.Printf("WARN: %v", NewNotificationError(notification.Type, err))
		}
	}
}

// computeMetrics derives the aggregate execution metrics from the recorded
// stage results. The records-processed total counts what the pipeline
// ingested: the sum of the record counts reported by extract-shaped outputs,
// falling back to the largest count any stage reported.
func computeMetrics(execution *PipelineExecution) ExecutionMetrics {
	metrics := ExecutionMetrics{
		TotalDuration: execution.EndTime.Sub(execution.StartTime),
	}

	ingested := 0
	maxReported := 0
	for _, result := range execution.StageResults {
		switch result.Status {
		case StageCompleted:
			metrics.StagesCompleted++
		case StageFailed:
			metrics.StagesFailed++
		}
		count, ok := recordCount(result.Output)
		if !ok {
			continue
		}
		if count > maxReported {
			maxReported = count
		}
		if _, isExtract := result.Output["source"]; isExtract {
			ingested += count
		}
	}
	if ingested > 0 {
		metrics.TotalRecordsProcessed = ingested
	} else {
		metrics.TotalRecordsProcessed = maxReported
	}
	return metrics
}

// recordCount extracts the conventional "record_count" entry from a stage
// output, tolerating the integer widths YAML and JSON decoding produce.
func recordCount(output map[string]any) (int, bool) {
	v, ok := output["record_count"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
