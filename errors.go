package conduit

import (
	"fmt"
	"time"
)

// Error types for specific failure scenarios in pipeline execution

// ConfigurationError indicates a stage (or the engine wiring it depends on)
// is misconfigured. It is never retried: retrying a malformed configuration
// cannot succeed.
type ConfigurationError struct {
	// StageName identifies the misconfigured stage, when known.
	StageName string
	// Key is the configuration key at fault, when known.
	Key string
	// Reason describes what is wrong with the configuration.
	Reason string
}

// Error implements the error interface for ConfigurationError.
func (e *ConfigurationError) Error() string {
	switch {
	case e.StageName != "" && e.Key != "":
		return fmt.Sprintf("stage %q: invalid configuration key %q: %s", e.StageName, e.Key, e.Reason)
	case e.StageName != "":
		return fmt.Sprintf("stage %q: invalid configuration: %s", e.StageName, e.Reason)
	default:
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
}

// NewConfigurationError creates a new ConfigurationError with the provided details.
func NewConfigurationError(stageName, key, reason string) *ConfigurationError {
	return &ConfigurationError{StageName: stageName, Key: key, Reason: reason}
}

// TimeoutError occurs when a single stage attempt does not return before its
// deadline. It is retryable.
type TimeoutError struct {
	// StageName identifies the stage whose attempt timed out.
	StageName string
	// Timeout is the configured per-attempt deadline.
	Timeout time.Duration
	// OriginalError is the underlying context error.
	OriginalError error
}

// Error implements the error interface for TimeoutError.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage %q timed out after %s: %v", e.StageName, e.Timeout, e.OriginalError)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As.
func (e *TimeoutError) Unwrap() error {
	return e.OriginalError
}

// NewTimeoutError creates a new TimeoutError with the provided details.
func NewTimeoutError(stageName string, timeout time.Duration, err error) *TimeoutError {
	return &TimeoutError{StageName: stageName, Timeout: timeout, OriginalError: err}
}

// ExecutorError wraps any failure raised by extract/transform/validate/load
// or custom stage logic. It is retryable.
type ExecutorError struct {
	// StageName identifies the failing stage.
	StageName string
	// StageType is the kind of executor that failed.
	StageType StageType
	// OriginalError is the underlying error.
	OriginalError error
}

// Error implements the error interface for ExecutorError.
func (e *ExecutorError) Error() string {
	return fmt.Sprintf("stage %q (%s) failed: %v", e.StageName, e.StageType, e.OriginalError)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As.
func (e *ExecutorError) Unwrap() error {
	return e.OriginalError
}

// NewExecutorError creates a new ExecutorError with the provided details.
func NewExecutorError(stageName string, stageType StageType, err error) *ExecutorError {
	return &ExecutorError{StageName: stageName, StageType: stageType, OriginalError: err}
}

// RetryExhaustedError occurs when all attempts for a stage have failed.
type RetryExhaustedError struct {
	// StageName identifies the stage that gave up.
	StageName string
	// Attempts is the total number of attempts that were made.
	Attempts int
	// LastError is the error of the final attempt.
	LastError error
}

// Error implements the error interface for RetryExhaustedError.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("stage %q exhausted %d attempts: %v", e.StageName, e.Attempts, e.LastError)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As.
func (e *RetryExhaustedError) Unwrap() error {
	return e.LastError
}

// NewRetryExhaustedError creates a new RetryExhaustedError with the provided details.
func NewRetryExhaustedError(stageName string, attempts int, lastError error) *RetryExhaustedError {
	return &RetryExhaustedError{StageName: stageName, Attempts: attempts, LastError: lastError}
}

// CyclicDependencyError is raised during dependency resolution when the stage
// graph contains a cycle. It always aborts the whole execution before any
// stage runs.
type CyclicDependencyError struct {
	// Remaining lists the stages that could not be ordered.
	Remaining []string
}

// Error implements the error interface for CyclicDependencyError.
func (e *CyclicDependencyError) Error() string {
	if len(e.Remaining) == 0 {
		return "cyclic dependency detected in pipeline stages"
	}
	return fmt.Sprintf("cyclic dependency detected in pipeline stages (unorderable: %v)", e.Remaining)
}

// NewCyclicDependencyError creates a new CyclicDependencyError listing the
// stages left unordered after resolution.
func NewCyclicDependencyError(remaining []string) *CyclicDependencyError {
	return &CyclicDependencyError{Remaining: remaining}
}

// UnknownDependencyError is raised during dependency resolution when a stage
// depends on a name not declared in the pipeline.
type UnknownDependencyError struct {
	// StageName is the stage declaring the edge.
	StageName string
	// Dependency is the missing stage name.
	Dependency string
}

// Error implements the error interface for UnknownDependencyError.
func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("stage %q depends on unknown stage %q", e.StageName, e.Dependency)
}

// NewUnknownDependencyError creates a new UnknownDependencyError with the provided details.
func NewUnknownDependencyError(stageName, dependency string) *UnknownDependencyError {
	return &UnknownDependencyError{StageName: stageName, Dependency: dependency}
}

// NotificationError wraps a failure delivering a pipeline notification. The
// engine logs it and never lets it mask or alter the execution's own terminal
// status.
type NotificationError struct {
	// NotificationType is the declared notification kind (e.g. "email").
	NotificationType string
	// OriginalError is the underlying delivery error.
	OriginalError error
}

// Error implements the error interface for NotificationError.
func (e *NotificationError) Error() string {
	return fmt.Sprintf("notification %q failed: %v", e.NotificationType, e.OriginalError)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As.
func (e *NotificationError) Unwrap() error {
	return e.OriginalError
}

// NewNotificationError creates a new NotificationError with the provided details.
func NewNotificationError(notificationType string, err error) *NotificationError {
	return &NotificationError{NotificationType: notificationType, OriginalError: err}
}
