package commbus

import (
	"encoding/json"
	"time"
)

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	// MessageCategoryEvent represents fire-and-forget, fan-out to all subscribers.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery represents request-response, single handler.
	MessageCategoryQuery MessageCategory = "query"
	// MessageCategoryCommand represents fire-and-forget, single handler.
	MessageCategoryCommand MessageCategory = "command"
)

// WorkflowMessage is implemented by every message scoped to one workflow.
type WorkflowMessage interface {
	Message
	WorkflowRef() string
}

// =============================================================================
// WORKFLOW LIFECYCLE EVENTS
// =============================================================================

// WorkflowStarted is emitted when a workflow is created.
type WorkflowStarted struct {
	WorkflowID string    `json:"workflow_id"`
	Entry      string    `json:"entry"`
	TaskID     string    `json:"task_id"`
	At         time.Time `json:"at"`
}

// Category implements the Message interface.
func (m *WorkflowStarted) Category() string { return string(MessageCategoryEvent) }

// WorkflowRef implements WorkflowMessage.
func (m *WorkflowStarted) WorkflowRef() string { return m.WorkflowID }

// WorkflowCompleted is emitted when every branch of a workflow has ended.
type WorkflowCompleted struct {
	WorkflowID string    `json:"workflow_id"`
	Packets    int       `json:"packets"`
	At         time.Time `json:"at"`
}

// Category implements the Message interface.
func (m *WorkflowCompleted) Category() string { return string(MessageCategoryEvent) }

// WorkflowRef implements WorkflowMessage.
func (m *WorkflowCompleted) WorkflowRef() string { return m.WorkflowID }

// WorkflowFailed is emitted on cycle detection, cancellation or rejection.
type WorkflowFailed struct {
	WorkflowID string    `json:"workflow_id"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// Category implements the Message interface.
func (m *WorkflowFailed) Category() string { return string(MessageCategoryEvent) }

// WorkflowRef implements WorkflowMessage.
func (m *WorkflowFailed) WorkflowRef() string { return m.WorkflowID }

// =============================================================================
// TASK EVENTS
// =============================================================================

// TaskDispatched is emitted when a task is assigned. Remote is set when the
// task waits for an out-of-process worker; Brief then carries the full
// task brief.
type TaskDispatched struct {
	WorkflowID   string          `json:"workflow_id"`
	TaskID       string          `json:"task_id"`
	ParentTaskID string          `json:"parent_task_id,omitempty"`
	Worker       string          `json:"worker"`
	Attempt      int             `json:"attempt,omitempty"`
	Remote       bool            `json:"remote,omitempty"`
	Brief        json.RawMessage `json:"brief,omitempty"`
	At           time.Time       `json:"at"`
}

// Category implements the Message interface.
func (m *TaskDispatched) Category() string { return string(MessageCategoryEvent) }

// WorkflowRef implements WorkflowMessage.
func (m *TaskDispatched) WorkflowRef() string { return m.WorkflowID }

// TaskCompleted is emitted for every accepted Completion Message.
type TaskCompleted struct {
	WorkflowID string    `json:"workflow_id"`
	TaskID     string    `json:"task_id"`
	PacketID   string    `json:"packet_id"`
	Worker     string    `json:"worker"`
	Status     string    `json:"status"`
	Hint       string    `json:"next_step_hint,omitempty"`
	Cached     bool      `json:"cached,omitempty"`
	At         time.Time `json:"at"`
}

// Category implements the Message interface.
func (m *TaskCompleted) Category() string { return string(MessageCategoryEvent) }

// WorkflowRef implements WorkflowMessage.
func (m *TaskCompleted) WorkflowRef() string { return m.WorkflowID }

// TaskEscalated is emitted when recovery gives up on a task.
type TaskEscalated struct {
	WorkflowID string    `json:"workflow_id"`
	TaskID     string    `json:"task_id"`
	Worker     string    `json:"worker"`
	ErrorClass string    `json:"error_class"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	At         time.Time `json:"at"`
}

// Category implements the Message interface.
func (m *TaskEscalated) Category() string { return string(MessageCategoryEvent) }

// WorkflowRef implements WorkflowMessage.
func (m *TaskEscalated) WorkflowRef() string { return m.WorkflowID }

// =============================================================================
// APPROVAL EVENTS
// =============================================================================

// ApprovalRequested is emitted when a workflow waits for a human.
type ApprovalRequested struct {
	WorkflowID string    `json:"workflow_id"`
	RequestID  string    `json:"request_id"`
	Kind       string    `json:"kind"`
	Reason     string    `json:"reason"`
	TaskID     string    `json:"task_id,omitempty"`
	At         time.Time `json:"at"`
}

// Category implements the Message interface.
func (m *ApprovalRequested) Category() string { return string(MessageCategoryEvent) }

// WorkflowRef implements WorkflowMessage.
func (m *ApprovalRequested) WorkflowRef() string { return m.WorkflowID }

// ApprovalResolved is emitted when a decision is applied.
type ApprovalResolved struct {
	WorkflowID string    `json:"workflow_id"`
	RequestID  string    `json:"request_id"`
	Decision   string    `json:"decision"`
	Approver   string    `json:"approver,omitempty"`
	At         time.Time `json:"at"`
}

// Category implements the Message interface.
func (m *ApprovalResolved) Category() string { return string(MessageCategoryEvent) }

// WorkflowRef implements WorkflowMessage.
func (m *ApprovalResolved) WorkflowRef() string { return m.WorkflowID }

// =============================================================================
// QUERIES AND COMMANDS
// =============================================================================

// GetWorkflowStatus asks the dispatcher for a workflow summary.
type GetWorkflowStatus struct {
	WorkflowID string `json:"workflow_id"`
}

// Category implements the Message interface.
func (m *GetWorkflowStatus) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *GetWorkflowStatus) IsQuery() {}

// WorkflowStatusResponse is the response to GetWorkflowStatus.
type WorkflowStatusResponse struct {
	WorkflowID  string   `json:"workflow_id"`
	Status      string   `json:"status"`
	Phase       string   `json:"phase"`
	ActiveTasks []string `json:"active_tasks"`
	Annotation  string   `json:"annotation,omitempty"`
}

// ArchiveWorkflow asks the dispatcher to archive a terminal workflow.
type ArchiveWorkflow struct {
	WorkflowID string `json:"workflow_id"`
}

// Category implements the Message interface.
func (m *ArchiveWorkflow) Category() string { return string(MessageCategoryCommand) }

// =============================================================================
// MESSAGE TYPE REGISTRY
// =============================================================================

// TypedMessage is an optional interface for messages that can provide their own type name.
type TypedMessage interface {
	Message
	MessageType() string
}

// EventTypes lists the workflow event type names in lifecycle order.
var EventTypes = []string{
	"WorkflowStarted",
	"TaskDispatched",
	"TaskCompleted",
	"TaskEscalated",
	"ApprovalRequested",
	"ApprovalResolved",
	"WorkflowCompleted",
	"WorkflowFailed",
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *WorkflowStarted:
		return "WorkflowStarted"
	case *WorkflowCompleted:
		return "WorkflowCompleted"
	case *WorkflowFailed:
		return "WorkflowFailed"
	case *TaskDispatched:
		return "TaskDispatched"
	case *TaskCompleted:
		return "TaskCompleted"
	case *TaskEscalated:
		return "TaskEscalated"
	case *ApprovalRequested:
		return "ApprovalRequested"
	case *ApprovalResolved:
		return "ApprovalResolved"
	case *GetWorkflowStatus:
		return "GetWorkflowStatus"
	case *ArchiveWorkflow:
		return "ArchiveWorkflow"
	default:
		return "Unknown"
	}
}
