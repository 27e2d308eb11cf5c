package commbus

import (
	"context"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
)

// LoggingMiddleware traces bus traffic: every message at debug, failures
// at warn.
type LoggingMiddleware struct {
	logger observability.Logger
}

func NewLoggingMiddleware(logger observability.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: observability.OrNop(logger)}
}

func (m *LoggingMiddleware) scoped(message Message) observability.Logger {
	fields := []any{"category", message.Category(), "message_type", GetMessageType(message)}
	if wm, ok := message.(WorkflowMessage); ok {
		fields = append(fields, "workflow_id", wm.WorkflowRef())
	}
	return m.logger.Bind(fields...)
}

func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.scoped(message).Debug("commbus_message")
	return message, nil
}

func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if err != nil {
		m.scoped(message).Warn("commbus_message_failed", "error", err)
	}
	return result, nil
}

// CircuitState is the breaker position for one message type.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

type messageCircuit struct {
	state    CircuitState
	failures int
	openedAt time.Time
}

// CircuitBreakerMiddleware drops messages of a type whose handlers keep
// failing, so a dead event sink does not slow every transition. A type
// opens after threshold consecutive failures; once cooldown has passed one
// probe message is let through and its outcome closes or reopens the
// circuit. Exempt types are never tracked.
type CircuitBreakerMiddleware struct {
	threshold int
	cooldown  time.Duration
	exempt    map[string]bool
	logger    observability.Logger
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*messageCircuit
}

// NewCircuitBreakerMiddleware builds a breaker. A threshold of zero or less
// never opens.
func NewCircuitBreakerMiddleware(threshold int, cooldown time.Duration, exempt []string, logger observability.Logger) *CircuitBreakerMiddleware {
	m := &CircuitBreakerMiddleware{
		threshold: threshold,
		cooldown:  cooldown,
		exempt:    make(map[string]bool, len(exempt)),
		logger:    observability.OrNop(logger),
		now:       time.Now,
		circuits:  make(map[string]*messageCircuit),
	}
	for _, t := range exempt {
		m.exempt[t] = true
	}
	return m
}

// circuit returns the tracked circuit for messageType. Callers hold mu.
func (m *CircuitBreakerMiddleware) circuit(messageType string) *messageCircuit {
	c, ok := m.circuits[messageType]
	if !ok {
		c = &messageCircuit{state: CircuitClosed}
		m.circuits[messageType] = c
	}
	return c
}

func (m *CircuitBreakerMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	messageType := GetMessageType(message)
	if m.exempt[messageType] {
		return message, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.circuit(messageType)
	if c.state != CircuitOpen {
		return message, nil
	}
	if m.now().Sub(c.openedAt) < m.cooldown {
		return nil, nil
	}
	c.state = CircuitHalfOpen
	m.logger.Info("commbus_circuit_half_open", "message_type", messageType)
	return message, nil
}

func (m *CircuitBreakerMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	messageType := GetMessageType(message)
	if m.exempt[messageType] {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.circuit(messageType)
	if err == nil {
		if c.state == CircuitHalfOpen {
			m.logger.Info("commbus_circuit_closed", "message_type", messageType)
		}
		c.state, c.failures = CircuitClosed, 0
		return result, nil
	}

	c.failures++
	switch {
	case c.state == CircuitHalfOpen:
		c.state, c.openedAt = CircuitOpen, m.now()
		m.logger.Warn("commbus_circuit_reopened", "message_type", messageType)
	case c.state == CircuitClosed && m.threshold > 0 && c.failures >= m.threshold:
		c.state, c.openedAt = CircuitOpen, m.now()
		m.logger.Warn("commbus_circuit_opened", "message_type", messageType, "failures", c.failures)
	}
	return result, nil
}

// States snapshots the position of every tracked message type.
func (m *CircuitBreakerMiddleware) States() map[string]CircuitState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]CircuitState, len(m.circuits))
	for t, c := range m.circuits {
		out[t] = c.state
	}
	return out
}

// Reset forgets the given message types, or every type when none are named.
func (m *CircuitBreakerMiddleware) Reset(messageTypes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(messageTypes) == 0 {
		clear(m.circuits)
		return
	}
	for _, t := range messageTypes {
		delete(m.circuits, t)
	}
}

var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
