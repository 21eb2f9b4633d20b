package taskqueue

import "errors"

var (
	// ErrInvalidStatus is returned when an update targets an unknown status
	ErrInvalidStatus = errors.New("invalid task status")

	// ErrInvalidTransition is returned when an update is not a permitted
	// edge of the task state machine
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrNotFailed is returned when a retry is scheduled for a task that
	// is not in failed status
	ErrNotFailed = errors.New("task is not failed")
)
