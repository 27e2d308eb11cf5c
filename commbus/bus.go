package commbus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
)

type subscription struct {
	id      uint64
	handler HandlerFunc
}

// InMemoryCommBus is the in-process CommBus. Subscribers of one event run
// concurrently and Publish waits for all of them; a failing or panicking
// subscriber never fails the publisher.
//
//	bus := NewInMemoryCommBus(5*time.Second, logger)
//	stop := bus.Subscribe("TaskCompleted", auditHandler)
//	defer stop()
//	_ = bus.Publish(ctx, &TaskCompleted{...})
type InMemoryCommBus struct {
	handlers     map[string]HandlerFunc
	subscribers  map[string][]subscription
	middleware   []Middleware
	queryTimeout time.Duration
	nextID       uint64
	logger       observability.Logger
	mu           sync.RWMutex
}

// NewInMemoryCommBus creates a bus whose queries time out after queryTimeout.
func NewInMemoryCommBus(queryTimeout time.Duration, logger observability.Logger) *InMemoryCommBus {
	return &InMemoryCommBus{
		handlers:     make(map[string]HandlerFunc),
		subscribers:  make(map[string][]subscription),
		queryTimeout: queryTimeout,
		logger:       observability.OrNop(logger),
	}
}

// messageLogger scopes the bus logger to one message.
func (b *InMemoryCommBus) messageLogger(message Message, messageType string) observability.Logger {
	if wm, ok := message.(WorkflowMessage); ok {
		return b.logger.Bind("message_type", messageType, "workflow_id", wm.WorkflowRef())
	}
	return b.logger.Bind("message_type", messageType)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Publish delivers event to every subscriber of its type. Subscriber
// failures are logged and handed to the middleware After chain joined
// together; Publish itself only fails when middleware rejects the event.
func (b *InMemoryCommBus) Publish(ctx context.Context, event Message) error {
	eventType := GetMessageType(event)
	logger := b.messageLogger(event, eventType)

	processed, err := b.runMiddlewareBefore(ctx, event)
	if err != nil {
		observability.RecordBusMessage(event.Category(), eventType, "error")
		return err
	}
	if processed == nil {
		logger.Debug("event_dropped_by_middleware")
		observability.RecordBusMessage(event.Category(), eventType, "dropped")
		return nil
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subscribers[eventType]...)
	b.mu.RUnlock()

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("subscriber_panic_recovered", "subscriber", i, "panic", r)
				}
			}()
			if _, err := sub.handler(ctx, processed); err != nil {
				errs[i] = err
				logger.Warn("subscriber_failed", "subscriber", i, "error", err)
			}
		}()
	}
	wg.Wait()

	joined := errors.Join(errs...)
	observability.RecordBusMessage(event.Category(), eventType, outcome(joined))
	_, _ = b.runMiddlewareAfter(ctx, event, nil, joined)
	return nil
}

// Send delivers command to its handler and returns the handler's error.
func (b *InMemoryCommBus) Send(ctx context.Context, command Message) error {
	messageType := GetMessageType(command)

	processed, handler, err := b.prepare(ctx, command, messageType)
	if err != nil || processed == nil {
		return err
	}

	_, err = handler(ctx, processed)
	if err != nil {
		b.messageLogger(command, messageType).Warn("command_failed", "error", err)
	}
	observability.RecordBusMessage(command.Category(), messageType, outcome(err))
	_, _ = b.runMiddlewareAfter(ctx, command, nil, err)
	return err
}

// QuerySync runs query's handler under the bus query timeout and returns
// its result. A dropped query reports NoHandlerError.
func (b *InMemoryCommBus) QuerySync(ctx context.Context, query Query) (any, error) {
	messageType := GetMessageType(query)

	processed, handler, err := b.prepare(ctx, query, messageType)
	if err != nil {
		return nil, err
	}
	if processed == nil {
		return nil, &NoHandlerError{MessageType: messageType}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		v, e := handler(timeoutCtx, processed)
		resultCh <- result{value: v, err: e}
	}()

	select {
	case <-timeoutCtx.Done():
		err := &QueryTimeoutError{MessageType: messageType, Timeout: b.queryTimeout}
		observability.RecordBusMessage(query.Category(), messageType, "error")
		_, _ = b.runMiddlewareAfter(ctx, query, nil, err)
		return nil, err
	case res := <-resultCh:
		observability.RecordBusMessage(query.Category(), messageType, outcome(res.err))
		value, mwErr := b.runMiddlewareAfter(ctx, query, res.value, res.err)
		if mwErr != nil {
			return value, mwErr
		}
		return value, res.err
	}
}

// prepare runs the Before chain and resolves the single handler for a
// query or command. A nil message with a nil error means it was dropped.
func (b *InMemoryCommBus) prepare(ctx context.Context, message Message, messageType string) (Message, HandlerFunc, error) {
	processed, err := b.runMiddlewareBefore(ctx, message)
	if err != nil {
		observability.RecordBusMessage(message.Category(), messageType, "error")
		return nil, nil, err
	}
	if processed == nil {
		b.messageLogger(message, messageType).Debug("message_dropped_by_middleware")
		observability.RecordBusMessage(message.Category(), messageType, "dropped")
		return nil, nil, nil
	}

	b.mu.RLock()
	handler, ok := b.handlers[messageType]
	b.mu.RUnlock()
	if !ok {
		observability.RecordBusMessage(message.Category(), messageType, "no_handler")
		return nil, nil, &NoHandlerError{MessageType: messageType}
	}
	return processed, handler, nil
}

// Subscribe implements Subscriber.
func (b *InMemoryCommBus) Subscribe(eventType string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("subscribed", "event_type", eventType)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// RegisterHandler sets the only handler for messageType.
func (b *InMemoryCommBus) RegisterHandler(messageType string, handler HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[messageType]; exists {
		return &HandlerAlreadyRegisteredError{MessageType: messageType}
	}
	b.handlers[messageType] = handler
	return nil
}

// AddMiddleware appends to the chain. Before runs in registration order,
// After in reverse.
func (b *InMemoryCommBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// HasHandler reports whether messageType has a handler.
func (b *InMemoryCommBus) HasHandler(messageType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exists := b.handlers[messageType]
	return exists
}

// SubscriberCount returns the number of subscribers for eventType.
func (b *InMemoryCommBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// RegisteredTypes returns every message type with a handler or a
// subscriber, sorted.
func (b *InMemoryCommBus) RegisteredTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]struct{}, len(b.handlers)+len(b.subscribers))
	for t := range b.handlers {
		seen[t] = struct{}{}
	}
	for t, subs := range b.subscribers {
		if len(subs) > 0 {
			seen[t] = struct{}{}
		}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Clear removes all handlers, subscribers and middleware.
func (b *InMemoryCommBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string]HandlerFunc)
	b.subscribers = make(map[string][]subscription)
	b.middleware = nil
}

func (b *InMemoryCommBus) middlewareSnapshot() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Middleware(nil), b.middleware...)
}

func (b *InMemoryCommBus) runMiddlewareBefore(ctx context.Context, message Message) (Message, error) {
	current := message
	for _, mw := range b.middlewareSnapshot() {
		next, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		current = next
	}
	return current, nil
}

func (b *InMemoryCommBus) runMiddlewareAfter(ctx context.Context, message Message, result any, err error) (any, error) {
	chain := b.middlewareSnapshot()
	for i := len(chain) - 1; i >= 0; i-- {
		next, afterErr := chain[i].After(ctx, message, result, err)
		if afterErr != nil {
			err = afterErr
		}
		if next != nil {
			result = next
		}
	}
	return result, err
}

var _ CommBus = (*InMemoryCommBus)(nil)
