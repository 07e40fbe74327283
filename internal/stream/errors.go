package stream

import "errors"

var (
	// ErrUnknownExecution is returned when an event references an execution
	// with no local message. Callers log and drop it.
	ErrUnknownExecution = errors.New("unknown execution")

	// ErrInvalidTransition is returned when a lifecycle change would move a
	// message backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRemoteExecutionFailed wraps error events reported by the backend.
	ErrRemoteExecutionFailed = errors.New("remote execution failed")
)
