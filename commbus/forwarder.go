package commbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
)

// Metadata keys set on forwarded messages.
const (
	MetadataEventType  = "event_type"
	MetadataWorkflowID = "workflow_id"
)

// DefaultTopic is the topic workflow events are forwarded to.
const DefaultTopic = "handoff.events"

// Forwarder exports bus events to a watermill publisher (Kafka in
// production, gochannel in tests). Each event becomes one JSON message
// carrying its type and workflow id as metadata.
type Forwarder struct {
	bus       CommBus
	publisher message.Publisher
	topic     string
	logger    observability.Logger

	unsubscribe []func()
	forwarded   atomic.Int64
	mu          sync.Mutex
}

// NewForwarder creates a Forwarder. An empty topic uses DefaultTopic.
func NewForwarder(bus CommBus, publisher message.Publisher, topic string, logger observability.Logger) *Forwarder {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Forwarder{
		bus:       bus,
		publisher: publisher,
		topic:     topic,
		logger:    observability.OrNop(logger),
	}
}

// Start subscribes to eventTypes, or to every workflow event when none are
// given.
func (f *Forwarder) Start(eventTypes ...string) {
	if len(eventTypes) == 0 {
		eventTypes = EventTypes
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range eventTypes {
		f.unsubscribe = append(f.unsubscribe, f.bus.Subscribe(t, f.forward))
	}
	f.logger.Info("event_forwarder_started", "topic", f.topic, "event_types", len(eventTypes))
}

// Stop unsubscribes from the bus. The publisher is left open.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, unsub := range f.unsubscribe {
		unsub()
	}
	f.unsubscribe = nil
}

// Forwarded returns how many events were published.
func (f *Forwarder) Forwarded() int64 {
	return f.forwarded.Load()
}

func (f *Forwarder) forward(ctx context.Context, event Message) (any, error) {
	eventType := GetMessageType(event)

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, &ForwardError{EventType: eventType, Cause: err}
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataEventType, eventType)
	if wm, ok := event.(WorkflowMessage); ok {
		msg.Metadata.Set(MetadataWorkflowID, wm.WorkflowRef())
	}

	if err := f.publisher.Publish(f.topic, msg); err != nil {
		return nil, &ForwardError{EventType: eventType, Cause: err}
	}
	f.forwarded.Add(1)
	return nil, nil
}

// DecodeEvent turns a forwarded message back into its event.
func DecodeEvent(msg *message.Message) (Message, error) {
	eventType := msg.Metadata.Get(MetadataEventType)

	var event Message
	switch eventType {
	case "WorkflowStarted":
		event = &WorkflowStarted{}
	case "WorkflowCompleted":
		event = &WorkflowCompleted{}
	case "WorkflowFailed":
		event = &WorkflowFailed{}
	case "TaskDispatched":
		event = &TaskDispatched{}
	case "TaskCompleted":
		event = &TaskCompleted{}
	case "TaskEscalated":
		event = &TaskEscalated{}
	case "ApprovalRequested":
		event = &ApprovalRequested{}
	case "ApprovalResolved":
		event = &ApprovalResolved{}
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}

	if err := json.Unmarshal(msg.Payload, event); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return event, nil
}

// =============================================================================
// WATERMILL LOGGER ADAPTER
// =============================================================================

// watermillLogger routes watermill's logging through the service logger.
type watermillLogger struct {
	logger observability.Logger
}

// NewWatermillLogger adapts logger to watermill.LoggerAdapter.
func NewWatermillLogger(logger observability.Logger) watermill.LoggerAdapter {
	return &watermillLogger{logger: observability.OrNop(logger)}
}

func flatten(fields watermill.LogFields) []any {
	kv := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return kv
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error(msg, append(flatten(fields), "error", err)...)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Info(msg, flatten(fields)...)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, flatten(fields)...)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, flatten(fields)...)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: l.logger.Bind(flatten(fields)...)}
}
