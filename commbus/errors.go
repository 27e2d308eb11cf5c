package commbus

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoHandler matches every NoHandlerError.
	ErrNoHandler = errors.New("no handler registered")
	// ErrQueryTimeout matches every QueryTimeoutError.
	ErrQueryTimeout = errors.New("query timed out")
)

// NoHandlerError reports a query or command type nobody handles.
type NoHandlerError struct {
	MessageType string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for %s", e.MessageType)
}

func (e *NoHandlerError) Is(target error) bool { return target == ErrNoHandler }

// HandlerAlreadyRegisteredError reports a second RegisterHandler for a type.
type HandlerAlreadyRegisteredError struct {
	MessageType string
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for %s", e.MessageType)
}

// QueryTimeoutError reports a query whose handler outlived the bus timeout.
type QueryTimeoutError struct {
	MessageType string
	Timeout     time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %s timed out after %s", e.MessageType, e.Timeout)
}

func (e *QueryTimeoutError) Is(target error) bool { return target == ErrQueryTimeout }

// ForwardError is returned when an event cannot be exported.
type ForwardError struct {
	EventType string
	Cause     error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward %s: %v", e.EventType, e.Cause)
}

func (e *ForwardError) Unwrap() error {
	return e.Cause
}
