package conduit

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultRetryBaseDelay = time.Second

// StageRunner wraps a single stage's execution with a per-attempt deadline, a
// bounded retry loop with exponential backoff, and failure-policy routing.
//
// A known limitation, inherited deliberately: the deadline bounds how long the
// runner *waits* for an attempt, it does not forcibly interrupt executor work
// already in flight. The attempt context carries the deadline, so cooperative
// executors can still observe it; a blocking read that ignores its context
// keeps running in the background after the runner has moved on.
type StageRunner struct {
	logger    *log.Logger
	metrics   MetricsCollector
	baseDelay time.Duration
}

// StageRunnerOption configures a StageRunner.
type StageRunnerOption func(*StageRunner)

// WithRunnerLogger sets the logger used for attempt-level messages.
// If nil, logging defaults to a logger that discards output.
func WithRunnerLogger(logger *log.Logger) StageRunnerOption {
	return func(r *StageRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRunnerMetrics sets the metrics collector receiving retry and stage
// attempt metrics.
func WithRunnerMetrics(collector MetricsCollector) StageRunnerOption {
	return func(r *StageRunner) {
		if collector != nil {
			r.metrics = collector
		}
	}
}

// WithRetryBaseDelay sets the unit for the exponential backoff between
// attempts: the wait before retry n is baseDelay * 2^n. Default one second.
func WithRetryBaseDelay(d time.Duration) StageRunnerOption {
	return func(r *StageRunner) {
		if d > 0 {
			r.baseDelay = d
		}
	}
}

// NewStageRunner creates a stage runner with the given options.
func NewStageRunner(options ...StageRunnerOption) *StageRunner {
	r := &StageRunner{
		logger:    log.New(io.Discard, "", 0),
		metrics:   DefaultMetricsCollector,
		baseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Run executes one stage against the shared execution context.
//
// The stage is attempted up to stage.RetryCount+1 times; the wait before
// retry n is baseDelay * 2^n. A ConfigurationError short-circuits the loop
// immediately, since retrying a malformed configuration can never succeed.
//
// The returned StageResult always records the total duration, the attempt
// count and the terminal status. The error is non-nil only when the stage
// failed AND its policy demands aborting the pipeline (stop or rollback);
// under the continue policy the failure is confined to the result.
func (r *StageRunner) Run(
	ctx context.Context,
	stage PipelineStage,
	executor StageExecutor,
	execCtx Context,
) (StageResult, error) {
	start := time.Now()
	r.metrics.StageStarted(ctx, stage.Name)

	output, attempts, err := r.runWithRetry(ctx, stage, executor, execCtx)
	duration := time.Since(start)

	if err != nil {
		finalErr := NewRetryExhaustedError(stage.Name, attempts, err)
		r.metrics.StageError(ctx, stage.Name, finalErr)
		r.logger.Printf("ERROR: stage %q failed after %d attempt(s): %v", stage.Name, attempts, err)

		result := StageResult{
			Status:   StageFailed,
			Duration: duration,
			Attempts: attempts,
			Error:    err.Error(),
		}
		if stage.OnFailure == OnFailureContinue {
			return result, nil
		}
		return result, finalErr
	}

	r.metrics.StageCompleted(ctx, stage.Name, duration)
	return StageResult{
		Status:   StageCompleted,
		Duration: duration,
		Attempts: attempts,
		Output:   output,
	}, nil
}

// runWithRetry drives the attempt loop and reports how many attempts were made.
func (r *StageRunner) runWithRetry(
	ctx context.Context,
	stage PipelineStage,
	executor StageExecutor,
	execCtx Context,
) (map[string]any, int, error) {
	// Multiplier 2 with no jitter yields waits of baseDelay * 2^n, attempt
	// numbering starting at 0 for the first retry.
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.baseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = backoff.DefaultMaxInterval * 16
	policy.MaxElapsedTime = 0
	policy.Reset()

	maxAttempts := stage.RetryCount + 1
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return nil, attempt, lastErr
			}
			return nil, attempt, ctx.Err()
		}

		output, err := r.attempt(ctx, stage, executor, execCtx)
		if err == nil {
			return output, attempt + 1, nil
		}
		lastErr = err

		var confErr *ConfigurationError
		if errors.As(err, &confErr) {
			// Malformed config fails fast regardless of retry budget.
			return nil, attempt + 1, err
		}

		if attempt < maxAttempts-1 {
			wait := policy.NextBackOff()
			r.metrics.RetryAttempt(ctx, stage.Name, attempt, err)
			r.logger.Printf("WARN: stage %q attempt %d failed, retrying in %s: %v",
				stage.Name, attempt+1, wait, err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, attempt + 1, lastErr
			}
		}
	}

	return nil, maxAttempts, lastErr
}

// attempt runs the executor once under the stage's deadline. An attempt that
// does not return in time counts as failed with a TimeoutError; the executor
// goroutine is left to finish draining on its own.
func (r *StageRunner) attempt(
	ctx context.Context,
	stage PipelineStage,
	executor StageExecutor,
	execCtx Context,
) (map[string]any, error) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if stage.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
	}
	defer cancel()

	type outcome struct {
		output map[string]any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		output, err := executor.Execute(attemptCtx, stage, execCtx)
		done <- outcome{output: output, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			var confErr *ConfigurationError
			if errors.As(out.err, &confErr) {
				return nil, out.err
			}
			return nil, NewExecutorError(stage.Name, stage.Type, out.err)
		}
		return out.output, nil
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, NewTimeoutError(stage.Name, stage.Timeout, attemptCtx.Err())
		}
		return nil, attemptCtx.Err()
	}
}
