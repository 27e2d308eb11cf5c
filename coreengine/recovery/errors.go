// Package recovery is the single retry pipeline for task execution. It
// checkpoints task state, classifies failures, retries transient and
// recoverable errors, guards workers with circuit breakers and escalates
// everything else.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
)

// ErrorClass is the retry classification of an error.
type ErrorClass string

const (
	// ClassTransient errors (timeouts, network) are retried with backoff.
	ClassTransient ErrorClass = "transient"
	// ClassRecoverable errors (bad input) are retried once with a revised brief.
	ClassRecoverable ErrorClass = "recoverable"
	// ClassFatal errors (contract violations, corruption) escalate at once.
	ClassFatal ErrorClass = "fatal"
)

var (
	// ErrCorrupt marks data corruption.
	ErrCorrupt = errors.New("data corrupt")
	// ErrInvalidInput marks input a revised brief can fix.
	ErrInvalidInput = errors.New("invalid input")
	// ErrCircuitOpen is returned while a worker's breaker is open.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrCheckpointNotFound is returned by CheckpointStore.Load.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// WorkerError is an error raised by a worker with an explicit class.
type WorkerError struct {
	Class  ErrorClass
	Worker string
	Err    error
}

// NewWorkerError creates a WorkerError.
func NewWorkerError(class ErrorClass, worker string, err error) *WorkerError {
	return &WorkerError{Class: class, Worker: worker, Err: err}
}

// Transient wraps err as a transient worker error.
func Transient(err error) error { return &WorkerError{Class: ClassTransient, Err: err} }

// Recoverable wraps err as a recoverable worker error.
func Recoverable(err error) error { return &WorkerError{Class: ClassRecoverable, Err: err} }

// Fatal wraps err as a fatal worker error.
func Fatal(err error) error { return &WorkerError{Class: ClassFatal, Err: err} }

func (e *WorkerError) Error() string {
	if e.Worker != "" {
		return fmt.Sprintf("%s worker error (%s): %v", e.Class, e.Worker, e.Err)
	}
	return fmt.Sprintf("%s worker error: %v", e.Class, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// CheckpointError is a failure to persist or load a checkpoint. It aborts
// the task: execution never continues past an unsaved checkpoint.
type CheckpointError struct {
	WorkflowID string
	TaskID     string
	Op         string
	Err        error
}

// NewCheckpointError creates a CheckpointError.
func NewCheckpointError(workflowID, taskID, op string, err error) *CheckpointError {
	return &CheckpointError{WorkflowID: workflowID, TaskID: taskID, Op: op, Err: err}
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s %s/%s: %v", e.Op, e.WorkflowID, e.TaskID, e.Err)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// Classify maps err to its ErrorClass. It depends only on the error value,
// never on how many attempts were made. A nil error has no class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var workerErr *WorkerError
	if errors.As(err, &workerErr) && workerErr.Class != "" {
		return workerErr.Class
	}

	var checkpointErr *CheckpointError
	switch {
	case errors.As(err, &checkpointErr):
		return ClassFatal
	case errors.Is(err, handoff.ErrInvalidPacket), errors.Is(err, ErrCorrupt):
		return ClassFatal
	case errors.Is(err, ErrInvalidInput):
		return ClassRecoverable
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	return ClassFatal
}
