package conduit

import (
	"context"
	"time"
)

// StageType identifies the kind of work a pipeline stage performs.
// The engine dispatches each stage to the executor registered for its type.
type StageType string

const (
	// StageTypeExtract reads data from a configured source into the execution context.
	StageTypeExtract StageType = "extract"
	// StageTypeTransform reshapes the data currently held in the execution context.
	StageTypeTransform StageType = "transform"
	// StageTypeValidate partitions the context data into valid and invalid records.
	StageTypeValidate StageType = "validate"
	// StageTypeLoad writes the context data to a configured destination.
	StageTypeLoad StageType = "load"
	// StageTypeCustom dispatches to a user-registered stage function.
	StageTypeCustom StageType = "custom"
)

// OnFailurePolicy controls what happens after a stage has exhausted its retries.
type OnFailurePolicy string

const (
	// OnFailureStop aborts the remaining pipeline. This is the default.
	OnFailureStop OnFailurePolicy = "stop"
	// OnFailureContinue records the failure but lets the engine proceed to the
	// next stage in order. The failed stage contributes nothing to the context.
	OnFailureContinue OnFailurePolicy = "continue"
	// OnFailureRollback aborts like stop, but the engine invokes the rollback
	// hook before finishing in failed status.
	OnFailureRollback OnFailurePolicy = "rollback"
)

// ExecutionStatus is the lifecycle state of a pipeline execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// StageStatus is the terminal state of a single stage run.
type StageStatus string

const (
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// PipelineStage is one declared unit of pipeline work.
type PipelineStage struct {
	// Name uniquely identifies the stage within its pipeline. It is the key
	// used for dependency edges and for the entry in StageResults.
	Name string
	// Type selects the executor that runs this stage.
	Type StageType
	// Config is an open key-value map. Each executor validates and coerces
	// its own subset of keys at the start of execution.
	Config map[string]any
	// DependsOn lists the stages that must have run before this one.
	DependsOn []string
	// Timeout bounds a single execution attempt.
	Timeout time.Duration
	// RetryCount is the number of additional attempts after the first failure.
	RetryCount int
	// OnFailure is applied once retries are exhausted.
	OnFailure OnFailurePolicy
}

// NotificationConfig is one declarative notification hook consulted when a
// pipeline execution fails.
type NotificationConfig struct {
	Type     string         `yaml:"type"`
	Target   string         `yaml:"target,omitempty"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// PipelineDefinition is a complete, named, versioned pipeline. It is built
// once from a declarative document and never mutated by an execution;
// re-running the same definition produces a new PipelineExecution.
type PipelineDefinition struct {
	Name        string
	Description string
	Version     string
	// Schedule is an external trigger expression. The engine stores it but
	// does not interpret it.
	Schedule      string
	Stages        []PipelineStage
	GlobalConfig  map[string]any
	ErrorHandling map[string]any
	Notifications []NotificationConfig
}

// StageByName returns the stage with the given name, if declared.
func (p *PipelineDefinition) StageByName(name string) (PipelineStage, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return PipelineStage{}, false
}

// StageResult is the recorded outcome of one stage within an execution.
type StageResult struct {
	Status   StageStatus
	Duration time.Duration
	// Attempts is the total number of execution attempts made, including the
	// first one.
	Attempts int
	// Error holds the final error message when Status is StageFailed.
	Error string
	// Output is the result map the executor returned on success. The same map
	// is merged into the execution context for downstream stages.
	Output map[string]any
}

// ExecutionMetrics holds the aggregate numbers computed when an execution
// reaches a terminal status.
type ExecutionMetrics struct {
	TotalDuration         time.Duration
	StagesCompleted       int
	StagesFailed          int
	TotalRecordsProcessed int
}

// PipelineExecution is one run of a PipelineDefinition.
type PipelineExecution struct {
	ExecutionID  string
	PipelineName string
	Status       ExecutionStatus
	StartTime    time.Time
	EndTime      time.Time
	StageResults map[string]StageResult
	Metrics      ExecutionMetrics
	// ErrorMessage is set only when the whole execution failed.
	ErrorMessage string
}

// clone returns a copy safe to hand out while the engine may still be
// appending stage results to the original.
func (e *PipelineExecution) clone() *PipelineExecution {
	cp := *e
	cp.StageResults = make(map[string]StageResult, len(e.StageResults))
	for name, res := range e.StageResults {
		if res.Output != nil {
			out := make(map[string]any, len(res.Output))
			for k, v := range res.Output {
				out[k] = v
			}
			res.Output = out
		}
		cp.StageResults[name] = res
	}
	return &cp
}

// Context is the shared key-value map threaded through stage calls within one
// execution. It starts as global config merged over the caller-supplied
// initial values; after each successful stage its result map is merged in,
// so the data one stage produces is the default input of the next.
//
// Under the engine's sequential model exactly one stage owns the context at
// any instant, so Context needs no internal locking.
type Context map[string]any

// Merge copies every entry of src into the context, overwriting existing keys.
func (c Context) Merge(src map[string]any) {
	for k, v := range src {
		c[k] = v
	}
}

// Clone returns a shallow copy of the context.
func (c Context) Clone() Context {
	cp := make(Context, len(c))
	for k, v := range c {
		cp[k] = v
	}
	return cp
}

// Dataset returns the tabular data currently held under the "data" key,
// or nil if no upstream stage has produced any.
func (c Context) Dataset() *Dataset {
	ds, _ := c["data"].(*Dataset)
	return ds
}

// Dataset is the tabular row-set passed between stages. It is the Go shape of
// whatever the extraction collaborator produced: ordered records plus the
// column names observed in the source.
type Dataset struct {
	Columns []string
	Records []map[string]any
}

// NewDataset builds a dataset from records, deriving columns from the first
// record when none are given.
func NewDataset(records []map[string]any, columns ...string) *Dataset {
	ds := &Dataset{Records: records, Columns: columns}
	if len(ds.Columns) == 0 && len(records) > 0 {
		for col := range records[0] {
			ds.Columns = append(ds.Columns, col)
		}
	}
	return ds
}

// Len returns the number of records in the dataset.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Records)
}

// StageExecutor performs one unit of work for a stage. Implementations read
// their configuration from stage.Config, may consult the execution context,
// and return a result map that the engine merges back into the context.
type StageExecutor interface {
	Execute(ctx context.Context, stage PipelineStage, execCtx Context) (map[string]any, error)
}

// StageExecutorFunc adapts a function to the StageExecutor interface.
type StageExecutorFunc func(ctx context.Context, stage PipelineStage, execCtx Context) (map[string]any, error)

// Execute implements StageExecutor for StageExecutorFunc.
func (f StageExecutorFunc) Execute(ctx context.Context, stage PipelineStage, execCtx Context) (map[string]any, error) {
	return f(ctx, stage, execCtx)
}

// CustomStageFunc is a user-registered function run by a custom stage. It
// receives the stage config and the execution context and returns an
// arbitrary result map. The stage runner's timeout, retry and failure
// handling apply to it like to any built-in executor.
type CustomStageFunc func(ctx context.Context, config map[string]any, execCtx Context) (map[string]any, error)

// DataReader is the extraction collaborator. The engine hands it a source
// kind ("file", "api", ...) and configuration whose templated values have
// already been rendered; the reader is responsible only for the concrete I/O.
// The metadata map carries source-specific extras (e.g. an HTTP status code)
// that the extract executor folds into its result.
type DataReader interface {
	Read(ctx context.Context, source string, config map[string]any) (*Dataset, map[string]any, error)
}

// DataWriter is the loading collaborator, mirroring DataReader for
// destinations ("file", "database", "fhir_server"). The returned counters
// become part of the load stage's result.
type DataWriter interface {
	Write(ctx context.Context, destination string, data *Dataset, config map[string]any) (map[string]any, error)
}

// QueryExecutor is the SQL collaborator used by database extracts and sql
// transforms. Queries arrive fully rendered.
type QueryExecutor interface {
	Query(ctx context.Context, query string) (*Dataset, error)
	// Load stores a dataset under the given table name. Mode is "replace" or
	// "append".
	Load(ctx context.Context, table string, data *Dataset, mode string) error
}

// SeverityResult is one finding reported by the validation collaborator.
type SeverityResult struct {
	Severity string
	Message  string
}

// ValidationReport is the validation collaborator's verdict for one record.
type ValidationReport struct {
	IsValid bool
	Results []SeverityResult
}

// Errors returns the messages of all error-severity findings.
func (r *ValidationReport) Errors() []string {
	var msgs []string
	for _, res := range r.Results {
		if res.Severity == "error" {
			msgs = append(msgs, res.Message)
		}
	}
	return msgs
}

// ResourceValidator is the validation collaborator, consulted once per
// candidate record by the validate executor.
type ResourceValidator interface {
	Validate(ctx context.Context, record map[string]any, profile string, level string) (*ValidationReport, error)
}

// TemplateRenderer resolves placeholders in configuration values (file paths,
// queries, per-record expressions) against the current context before they
// reach I/O.
type TemplateRenderer interface {
	Render(template string, context map[string]any) (string, error)
}

// Notifier delivers one declared notification about a failed execution.
// Notification failures are logged by the engine, never propagated.
type Notifier interface {
	Notify(ctx context.Context, notification NotificationConfig, execution *PipelineExecution) error
}

// RollbackFunc is invoked by the engine when a stage with the rollback policy
// exhausts its retries, before the execution finishes in failed status. It
// receives the execution as accumulated so far for undo or cleanup purposes.
type RollbackFunc func(ctx context.Context, execution *PipelineExecution) error
