// Package handoff defines the Completion Message (handoff packet) exchanged
// between workers and the dispatcher, and its single validation point.
//
// A packet is pure data:
//   - task_id / worker_id identify the unit of work and its producer
//   - status is one of SUCCESS, FAILURE, PENDING, BLOCKED
//   - next_step_hint is a suggestion the dispatcher consumes, never trusts
//   - artifacts keep insertion order; dependency and blocking sets do not
package handoff

// Status is the outcome a worker reports for its task.
type Status string

const (
	// StatusSuccess indicates the task finished and produced its artifacts.
	StatusSuccess Status = "SUCCESS"
	// StatusFailure indicates the task finished without achieving its goal.
	StatusFailure Status = "FAILURE"
	// StatusPending indicates partial progress; the task is still running.
	StatusPending Status = "PENDING"
	// StatusBlocked indicates the task cannot proceed until issues are resolved.
	StatusBlocked Status = "BLOCKED"
)

// AllStatuses lists the enumerated statuses.
var AllStatuses = []Status{StatusSuccess, StatusFailure, StatusPending, StatusBlocked}

// IsValid reports whether s is one of the enumerated statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusPending, StatusBlocked:
		return true
	}
	return false
}

// IsFinal reports whether the status ends the task (everything but PENDING).
func (s Status) IsFinal() bool {
	return s.IsValid() && s != StatusPending
}

// NextStepHint is a worker's suggestion for what should happen next.
// Unknown hints are legal and are resolved through the routing table.
type NextStepHint string

const (
	HintNeedsReview         NextStepHint = "needs_review"
	HintNeedsImplementation NextStepHint = "needs_implementation"
	HintNeedsDesign         NextStepHint = "needs_design"
	HintNeedsApproval       NextStepHint = "needs_human_approval"
	HintNeedsSecurityScan   NextStepHint = "needs_security_scan"
	HintNeedsDebugging      NextStepHint = "needs_debugging"
	HintNeedsTesting        NextStepHint = "needs_testing"
	HintNeedsDeployment     NextStepHint = "needs_deployment"
	HintDestructiveChange   NextStepHint = "destructive_change"
	HintAmbiguousSpec       NextStepHint = "ambiguous_spec"
	// HintComplete ends the branch that produced it.
	HintComplete NextStepHint = "complete"
)

// DefaultGatedHints are the hints that always require human approval.
var DefaultGatedHints = []NextStepHint{
	HintNeedsDeployment,
	HintDestructiveChange,
	HintAmbiguousSpec,
}
