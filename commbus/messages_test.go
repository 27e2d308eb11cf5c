package commbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestMessageCategoriesAndTypes(t *testing.T) {
	tests := []struct {
		msg      Message
		category string
		typeName string
	}{
		{&WorkflowStarted{}, "event", "WorkflowStarted"},
		{&WorkflowCompleted{}, "event", "WorkflowCompleted"},
		{&WorkflowFailed{}, "event", "WorkflowFailed"},
		{&TaskDispatched{}, "event", "TaskDispatched"},
		{&TaskCompleted{}, "event", "TaskCompleted"},
		{&TaskEscalated{}, "event", "TaskEscalated"},
		{&ApprovalRequested{}, "event", "ApprovalRequested"},
		{&ApprovalResolved{}, "event", "ApprovalResolved"},
		{&GetWorkflowStatus{}, "query", "GetWorkflowStatus"},
		{&ArchiveWorkflow{}, "command", "ArchiveWorkflow"},
	}
	for _, tt := range tests {
		t.Run(tt.typeName, func(t *testing.T) {
			assert.Equal(t, tt.category, tt.msg.Category())
			assert.Equal(t, tt.typeName, GetMessageType(tt.msg))
		})
	}
}

func TestEventTypesAreWorkflowMessages(t *testing.T) {
	events := []Message{
		&WorkflowStarted{WorkflowID: "wf"}, &WorkflowCompleted{WorkflowID: "wf"}, &WorkflowFailed{WorkflowID: "wf"},
		&TaskDispatched{WorkflowID: "wf"}, &TaskCompleted{WorkflowID: "wf"}, &TaskEscalated{WorkflowID: "wf"},
		&ApprovalRequested{WorkflowID: "wf"}, &ApprovalResolved{WorkflowID: "wf"},
	}
	require.Len(t, events, len(EventTypes))
	for _, e := range events {
		wm, ok := e.(WorkflowMessage)
		require.True(t, ok, GetMessageType(e))
		assert.Equal(t, "wf", wm.WorkflowRef())
		assert.Contains(t, EventTypes, GetMessageType(e))
	}
}

type customMessage struct{}

func (customMessage) Category() string    { return "event" }
func (customMessage) MessageType() string { return "Custom" }

func TestGetMessageTypeTypedMessage(t *testing.T) {
	assert.Equal(t, "Custom", GetMessageType(customMessage{}))
}

// =============================================================================
// FORWARDER TESTS
// =============================================================================

func TestForwarderPublishesEvents(t *testing.T) {
	logger := NewWatermillLogger(nil)
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 10, Persistent: true}, logger)
	defer pubSub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messages, err := pubSub.Subscribe(ctx, "test.events")
	require.NoError(t, err)

	bus := newTestBus()
	fwd := NewForwarder(bus, pubSub, "test.events", nil)
	fwd.Start()

	brief, _ := json.Marshal(map[string]string{"instructions": "design"})
	require.NoError(t, bus.Publish(ctx, &TaskDispatched{WorkflowID: "wf-7", TaskID: "t-1", Worker: "designer", Remote: true, Brief: brief}))

	var msg *message.Message
	select {
	case msg = <-messages:
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("no message forwarded")
	}

	assert.Equal(t, "TaskDispatched", msg.Metadata.Get(MetadataEventType))
	assert.Equal(t, "wf-7", msg.Metadata.Get(MetadataWorkflowID))
	assert.Equal(t, int64(1), fwd.Forwarded())

	decoded, err := DecodeEvent(msg)
	require.NoError(t, err)
	dispatched, ok := decoded.(*TaskDispatched)
	require.True(t, ok)
	assert.Equal(t, "t-1", dispatched.TaskID)
	assert.True(t, dispatched.Remote)
	assert.JSONEq(t, `{"instructions":"design"}`, string(dispatched.Brief))

	fwd.Stop()
	assert.Equal(t, 0, bus.SubscriberCount("TaskDispatched"))
}

func TestForwarderDefaultTopic(t *testing.T) {
	fwd := NewForwarder(newTestBus(), gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{}), "", nil)
	assert.Equal(t, DefaultTopic, fwd.topic)
}

func TestDecodeEventUnknownType(t *testing.T) {
	msg := message.NewMessage(watermill.NewULID(), []byte(`{}`))
	msg.Metadata.Set(MetadataEventType, "Nope")
	_, err := DecodeEvent(msg)
	assert.Error(t, err)
}
