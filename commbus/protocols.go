// Package commbus is the dispatcher's in-process message bus.
//
// The dispatcher publishes workflow events (WorkflowStarted, TaskDispatched,
// ApprovalRequested, ...) and answers a small set of queries and commands
// (GetWorkflowStatus, ArchiveWorkflow). Subscribers such as the Kafka
// forwarder and the remote worker notifier consume events without the
// dispatcher knowing about them.
//
// Three patterns share one middleware chain:
//   - Publish: fan-out to every subscriber of the event type
//   - Send: a command to its single handler
//   - QuerySync: request-response with the bus query timeout
package commbus

import "context"

// Message is anything carried by the bus. Category is "event", "query" or
// "command".
type Message interface {
	Category() string
}

// Query is a message that expects a response.
type Query interface {
	Message
	IsQuery()
}

// HandlerFunc handles one message. Event subscribers return a nil result.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Middleware intercepts messages around handling. Before may return a
// replacement message, or nil to drop it. After sees the handler result
// and error and may replace the result.
type Middleware interface {
	Before(ctx context.Context, message Message) (Message, error)
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// Publisher is the part of the bus event producers need.
type Publisher interface {
	Publish(ctx context.Context, event Message) error
}

// Subscriber is the part of the bus event consumers need.
type Subscriber interface {
	// Subscribe registers handler for eventType and returns an
	// idempotent unsubscribe function.
	Subscribe(eventType string, handler HandlerFunc) func()
}

// CommBus is the full bus.
type CommBus interface {
	Publisher
	Subscriber

	Send(ctx context.Context, command Message) error
	QuerySync(ctx context.Context, query Query) (any, error)

	// RegisterHandler sets the single handler for a query or command type.
	RegisterHandler(messageType string, handler HandlerFunc) error
	AddMiddleware(middleware Middleware)

	HasHandler(messageType string) bool
	SubscriberCount(eventType string) int
	Clear()
}
