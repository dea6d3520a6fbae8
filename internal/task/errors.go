package task

import "time"

// ExecutionError is the structured failure a handler returns when it has
// already classified the outcome. Retry tells the runner whether the task
// should be requeued (attempts permitting); RetryIn overrides the exponential
// backoff when set.
type ExecutionError struct {
	Code    string
	Message string
	Payload map[string]any
	Retry   bool
	RetryIn *time.Duration
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// NewExecutionError returns a retryable execution error with the given code.
func NewExecutionError(code, message string) *ExecutionError {
	return &ExecutionError{Code: code, Message: message, Retry: true}
}

// NewFatalError returns a non-retryable execution error with the given code.
func NewFatalError(code, message string) *ExecutionError {
	return &ExecutionError{Code: code, Message: message, Retry: false}
}
