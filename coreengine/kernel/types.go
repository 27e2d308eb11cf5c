// Package kernel implements the dispatcher: the workflow state machine that
// turns Completion Messages into the next task assignments, a human
// approval request, or a terminal state.
//
// Key concepts:
//   - Phase: workflow lifecycle (PLANNING -> AWAITING_WORKER -> ROUTING -> ...)
//   - TaskRecord: the dispatcher's view of one assigned unit of work
//   - JoinGroup: fan-out barrier; siblings advance the workflow together
//   - ApprovalRequest: a pending human decision (gate, no route, escalation)
package kernel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/agents"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/config"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
)

// =============================================================================
// Phases
// =============================================================================

// Phase is the dispatcher phase of a workflow.
//
//	PLANNING -> AWAITING_WORKER -> (ROUTING) -> {AWAITING_WORKER | AWAITING_APPROVAL | COMPLETED | FAILED}
type Phase string

const (
	PhasePlanning         Phase = "PLANNING"
	PhaseAwaitingWorker   Phase = "AWAITING_WORKER"
	PhaseRouting          Phase = "ROUTING"
	PhaseAwaitingApproval Phase = "AWAITING_APPROVAL"
	PhaseCompleted        Phase = "COMPLETED"
	PhaseFailed           Phase = "FAILED"
)

// IsTerminal returns true if no further transitions happen.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Status returns the externally reported status of the phase.
func (p Phase) Status() WorkflowStatus {
	switch p {
	case PhaseAwaitingApproval:
		return StatusAwaitingApproval
	case PhaseCompleted:
		return StatusCompleted
	case PhaseFailed:
		return StatusFailed
	default:
		return StatusActive
	}
}

// WorkflowStatus is the coarse workflow status.
type WorkflowStatus string

const (
	StatusActive           WorkflowStatus = "active"
	StatusAwaitingApproval WorkflowStatus = "awaiting_approval"
	StatusCompleted        WorkflowStatus = "completed"
	StatusFailed           WorkflowStatus = "failed"
)

// =============================================================================
// Tasks
// =============================================================================

// PlanningSource is the edge source of the planning task.
const PlanningSource = "dispatcher"

// TaskState is the dispatcher's view of a task.
type TaskState string

const (
	TaskActive    TaskState = "active"
	TaskDone      TaskState = "done"
	TaskEscalated TaskState = "escalated"
)

// TaskRecord is one assigned unit of work.
type TaskRecord struct {
	TaskID       string `json:"task_id"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
	// Source is the worker whose completion dispatched this task.
	Source    string           `json:"source"`
	Worker    string           `json:"worker"`
	Brief     agents.TaskBrief `json:"brief"`
	JoinGroup string           `json:"join_group,omitempty"`
	State     TaskState        `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
}

// Edge returns the ordered worker pair this task contributes on completion.
func (t *TaskRecord) Edge() string {
	return t.Source + "->" + t.Worker
}

func (t *TaskRecord) clone() *TaskRecord {
	c := *t
	c.Brief.Feedback = append([]string(nil), t.Brief.Feedback...)
	c.Brief.Context = append([]agents.DocRef(nil), t.Brief.Context...)
	return &c
}

// Assignment is a task the dispatcher will create.
type Assignment struct {
	Source       string        `json:"source"`
	ParentTaskID string        `json:"parent_task_id,omitempty"`
	Target       config.Target `json:"target"`
	Feedback     []string      `json:"feedback,omitempty"`
	// Artifacts are the upstream artifacts handed to the new task.
	Artifacts []string `json:"artifacts,omitempty"`
}

func withFeedback(in []Assignment, feedback string) []Assignment {
	out := make([]Assignment, len(in))
	for i, a := range in {
		a.Feedback = append(append([]string(nil), a.Feedback...), feedback)
		out[i] = a
	}
	return out
}

// =============================================================================
// Branches and joins
// =============================================================================

// BranchOutcome is what one completed task asks for.
type BranchOutcome string

const (
	BranchDispatch BranchOutcome = "dispatch"
	BranchApproval BranchOutcome = "approval"
	BranchComplete BranchOutcome = "complete"
)

// Branch is the routing decision for one completed (or escalated) task.
type Branch struct {
	TaskID   string        `json:"task_id"`
	Worker   string        `json:"worker"`
	Outcome  BranchOutcome `json:"outcome"`
	Approval ApprovalKind  `json:"approval,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	// Dispatch runs next; on approval branches it runs on APPROVE.
	Dispatch []Assignment `json:"dispatch,omitempty"`
	// Rework re-runs the producing worker on CHANGES when nothing else would run.
	Rework []Assignment `json:"rework,omitempty"`
	// Retry lists escalated tasks re-run on APPROVE or CHANGES.
	Retry      []string        `json:"retry,omitempty"`
	Packet     *handoff.Packet `json:"packet,omitempty"`
	Diagnostic *Diagnostic     `json:"diagnostic,omitempty"`
}

// mergeBranches combines the decisions of a join group: any approval wins,
// else the union of dispatches, else completion.
func mergeBranches(branches []Branch) Branch {
	var approvals []Branch
	var dispatch []Assignment
	for _, b := range branches {
		switch b.Outcome {
		case BranchApproval:
			approvals = append(approvals, b)
		case BranchDispatch:
			dispatch = append(dispatch, b.Dispatch...)
		}
	}

	if len(approvals) > 0 {
		merged := approvals[0]
		reasons := []string{merged.Reason}
		for _, a := range approvals[1:] {
			reasons = append(reasons, a.Reason)
			merged.Dispatch = append(merged.Dispatch, a.Dispatch...)
			merged.Rework = append(merged.Rework, a.Rework...)
			merged.Retry = append(merged.Retry, a.Retry...)
			if merged.Diagnostic == nil {
				merged.Diagnostic = a.Diagnostic
			}
		}
		merged.Reason = strings.Join(reasons, "; ")
		merged.Dispatch = append(merged.Dispatch, dispatch...)
		return merged
	}
	if len(dispatch) > 0 {
		return Branch{Outcome: BranchDispatch, Dispatch: dispatch}
	}
	return Branch{Outcome: BranchComplete}
}

// JoinGroup is the barrier over the siblings of one fan-out.
type JoinGroup struct {
	ID      string            `json:"id"`
	Tasks   []string          `json:"tasks"`
	Results map[string]Branch `json:"results"`
}

// Pending returns the sibling task ids that have not reported.
func (g *JoinGroup) Pending() []string {
	pending := make([]string, 0)
	for _, id := range g.Tasks {
		if _, ok := g.Results[id]; !ok {
			pending = append(pending, id)
		}
	}
	return pending
}

// Ordered returns the reported branches in dispatch order.
func (g *JoinGroup) Ordered() []Branch {
	out := make([]Branch, 0, len(g.Results))
	for _, id := range g.Tasks {
		if b, ok := g.Results[id]; ok {
			out = append(out, b)
		}
	}
	return out
}

func (g *JoinGroup) clone() *JoinGroup {
	c := &JoinGroup{ID: g.ID, Tasks: append([]string(nil), g.Tasks...), Results: make(map[string]Branch, len(g.Results))}
	for k, v := range g.Results {
		c.Results[k] = v
	}
	return c
}

// =============================================================================
// Approvals
// =============================================================================

// ApprovalKind is why a workflow waits for a human.
type ApprovalKind string

const (
	// ApprovalGate: a gated hint, a gated artifact, or an approval route.
	ApprovalGate ApprovalKind = "gate"
	// ApprovalNoRoute: the routing table has no entry for the completion.
	ApprovalNoRoute ApprovalKind = "no_route"
	// ApprovalEscalation: recovery gave up on a task.
	ApprovalEscalation ApprovalKind = "escalation"
)

// ApprovalStatus is the lifecycle of an approval request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalResolved  ApprovalStatus = "resolved"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Diagnostic is the context handed to a human for an escalated task.
type Diagnostic struct {
	Worker     string    `json:"worker"`
	TaskID     string    `json:"task_id"`
	ErrorClass string    `json:"error_class"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	At         time.Time `json:"at"`
}

// ApprovalRequest is a pending human decision.
type ApprovalRequest struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Kind       ApprovalKind    `json:"kind"`
	Reason     string          `json:"reason"`
	TaskID     string          `json:"task_id,omitempty"`
	Worker     string          `json:"worker,omitempty"`
	Packet     *handoff.Packet `json:"packet,omitempty"`
	Diagnostic *Diagnostic     `json:"diagnostic,omitempty"`

	// Resumption plan.
	Dispatch []Assignment `json:"dispatch,omitempty"`
	Rework   []Assignment `json:"rework,omitempty"`
	Retry    []string     `json:"retry,omitempty"`

	Status     ApprovalStatus `json:"status"`
	Decision   *Decision      `json:"decision,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at,omitzero"`
	ResolvedAt time.Time      `json:"resolved_at,omitzero"`
}

// IsExpired reports whether the request outlived its TTL at now.
func (r *ApprovalRequest) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Clone returns a deep copy.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	c := *r
	if r.Packet != nil {
		p := r.Packet.Clone()
		c.Packet = &p
	}
	if r.Diagnostic != nil {
		d := *r.Diagnostic
		c.Diagnostic = &d
	}
	if r.Decision != nil {
		d := *r.Decision
		c.Decision = &d
	}
	c.Dispatch = append([]Assignment(nil), r.Dispatch...)
	c.Rework = append([]Assignment(nil), r.Rework...)
	c.Retry = append([]string(nil), r.Retry...)
	return &c
}

// DecisionKind is a human verdict.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "APPROVE"
	DecisionChanges DecisionKind = "CHANGES"
	DecisionReject  DecisionKind = "REJECT"
)

// Decision is a human verdict on an approval request.
type Decision struct {
	Kind     DecisionKind `json:"kind"`
	Feedback string       `json:"feedback,omitempty"`
	Approver string       `json:"approver,omitempty"`
}

// ParseDecision parses "APPROVE", "CHANGES:<feedback>" or "REJECT:<reason>".
// The verdict is case-insensitive.
func ParseDecision(s string) (Decision, error) {
	verdict, detail, _ := strings.Cut(strings.TrimSpace(s), ":")
	detail = strings.TrimSpace(detail)

	switch DecisionKind(strings.ToUpper(strings.TrimSpace(verdict))) {
	case DecisionApprove:
		return Decision{Kind: DecisionApprove, Feedback: detail}, nil
	case DecisionChanges:
		if detail == "" {
			return Decision{}, fmt.Errorf("%w: CHANGES requires feedback", ErrInvalidDecision)
		}
		return Decision{Kind: DecisionChanges, Feedback: detail}, nil
	case DecisionReject:
		return Decision{Kind: DecisionReject, Feedback: detail}, nil
	default:
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidDecision, s)
	}
}

// String renders the decision in its parseable form.
func (d Decision) String() string {
	if d.Feedback == "" {
		return string(d.Kind)
	}
	return string(d.Kind) + ":" + d.Feedback
}

// =============================================================================
// Workflow
// =============================================================================

// Workflow is one run of the worker pipeline. It is mutated only by the
// Dispatcher; callers receive clones.
type Workflow struct {
	ID      string         `json:"id"`
	Phase   Phase          `json:"phase"`
	Status  WorkflowStatus `json:"status"`
	Entry   string         `json:"entry"`
	Request CreateRequest  `json:"request"`

	Tasks map[string]*TaskRecord `json:"tasks"`
	Join  *JoinGroup             `json:"join,omitempty"`

	// Cycle policy state.
	EdgeCounts  map[string]int `json:"edge_counts"`
	RecentEdges []string       `json:"recent_edges,omitempty"`

	// Recent is a bounded window of accepted packets; the full log lives in
	// the session cache.
	Recent      []handoff.Packet `json:"recent,omitempty"`
	Ledger      handoff.Ledger   `json:"ledger"`
	PacketCount int              `json:"packet_count"`

	Pending    *ApprovalRequest `json:"pending,omitempty"`
	Diagnostic *Diagnostic      `json:"diagnostic,omitempty"`
	Annotation string           `json:"annotation,omitempty"`

	NextSeq    int       `json:"next_seq"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Clone returns a deep copy.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Tasks = make(map[string]*TaskRecord, len(w.Tasks))
	for id, t := range w.Tasks {
		c.Tasks[id] = t.clone()
	}
	if w.Join != nil {
		c.Join = w.Join.clone()
	}
	c.EdgeCounts = make(map[string]int, len(w.EdgeCounts))
	for k, v := range w.EdgeCounts {
		c.EdgeCounts[k] = v
	}
	c.RecentEdges = append([]string(nil), w.RecentEdges...)
	c.Recent = make([]handoff.Packet, len(w.Recent))
	for i, p := range w.Recent {
		c.Recent[i] = p.Clone()
	}
	c.Ledger = make(handoff.Ledger, len(w.Ledger))
	for k, v := range w.Ledger {
		c.Ledger[k] = v
	}
	if w.Pending != nil {
		c.Pending = w.Pending.Clone()
	}
	if w.Diagnostic != nil {
		d := *w.Diagnostic
		c.Diagnostic = &d
	}
	return &c
}

// ActiveTasks returns the ids of tasks still running, sorted.
func (w *Workflow) ActiveTasks() []string {
	ids := make([]string, 0)
	for id, t := range w.Tasks {
		if t.State == TaskActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (w *Workflow) nextTaskID(worker string) string {
	w.NextSeq++
	return fmt.Sprintf("t%03d-%s", w.NextSeq, worker)
}

func (w *Workflow) remember(p handoff.Packet, window int) {
	w.Recent = append(w.Recent, p.Clone())
	if window > 0 && len(w.Recent) > window {
		w.Recent = append([]handoff.Packet(nil), w.Recent[len(w.Recent)-window:]...)
	}
	w.PacketCount++
}

// =============================================================================
// Requests and results
// =============================================================================

// CreateRequest starts a workflow.
type CreateRequest struct {
	// WorkflowID is generated when empty.
	WorkflowID   string `json:"workflow_id,omitempty"`
	Instructions string `json:"instructions" validate:"required"`
	// Entry is the planning worker; defaults to the analyst.
	Entry   string          `json:"entry,omitempty"`
	Context []agents.DocRef `json:"context,omitempty"`
	Inputs  map[string]any  `json:"inputs,omitempty"`
	NoCache bool            `json:"no_cache,omitempty"`
}

// Transition reports what one dispatcher operation did.
type Transition struct {
	WorkflowID string           `json:"workflow_id"`
	TaskID     string           `json:"task_id,omitempty"`
	From       Phase            `json:"from"`
	To         Phase            `json:"to"`
	Dispatched []string         `json:"dispatched,omitempty"`
	Waiting    []string         `json:"waiting,omitempty"`
	Approval   *ApprovalRequest `json:"approval,omitempty"`
	Annotation string           `json:"annotation,omitempty"`
	// Deferred is set when a submitted completion was handed to a waiting
	// remote execution; the transition happens when that execution returns.
	Deferred bool `json:"deferred,omitempty"`
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrWorkflowNotFound is returned for unknown workflow ids.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrWorkflowExists is returned when creating a duplicate workflow id.
	ErrWorkflowExists = errors.New("workflow already exists")
	// ErrWorkflowTerminal is returned when mutating a finished workflow.
	ErrWorkflowTerminal = errors.New("workflow is terminal")
	// ErrWorkflowActive is returned when archiving an unfinished workflow.
	ErrWorkflowActive = errors.New("workflow is not terminal")
	// ErrNoPendingApproval is returned by Resolve without a pending request.
	ErrNoPendingApproval = errors.New("no pending approval")
	// ErrUnknownTask is returned for completions of tasks never assigned.
	ErrUnknownTask = errors.New("unknown task")
	// ErrInvalidDecision is returned by ParseDecision.
	ErrInvalidDecision = errors.New("invalid decision")
	// ErrInvalidRequest is returned by Create for malformed requests.
	ErrInvalidRequest = errors.New("invalid create request")
)

// RoutingError reports a completion the routing table cannot place.
type RoutingError struct {
	Worker string
	Hint   handoff.NextStepHint
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no route for worker %s with hint %q", e.Worker, e.Hint)
}
