package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/agents"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/typeutil"
)

// ToolWorker is a Worker that runs one tool per task with the brief inputs
// as parameters. Scanners and test runners are usually tool workers.
type ToolWorker struct {
	kind     agents.WorkerKind
	tools    ToolRegistry
	toolName string
	// OnSuccess is the hint reported when the result carries none.
	OnSuccess handoff.NextStepHint
	// OnFindings is the hint reported when the result lists blocking issues.
	OnFindings handoff.NextStepHint
}

// NewToolWorker creates a ToolWorker.
func NewToolWorker(kind agents.WorkerKind, tools ToolRegistry, toolName string) (*ToolWorker, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("unknown worker kind: %q", kind)
	}
	if !tools.Has(toolName) {
		return nil, fmt.Errorf("tool '%s' is not registered", toolName)
	}
	return &ToolWorker{
		kind:       kind,
		tools:      tools,
		toolName:   toolName,
		OnSuccess:  handoff.HintComplete,
		OnFindings: handoff.HintNeedsDebugging,
	}, nil
}

// Kind implements agents.Worker.
func (w *ToolWorker) Kind() agents.WorkerKind {
	return w.kind
}

// Execute implements agents.Worker. Result keys "artifacts",
// "blocking_issues", "next_step_hint" and "notes" map onto the packet.
func (w *ToolWorker) Execute(ctx context.Context, brief agents.TaskBrief) (handoff.Packet, error) {
	params := make(map[string]any, len(brief.Inputs))
	for k, v := range brief.Inputs {
		params[k] = v
	}

	raw, err := w.tools.Execute(ctx, w.toolName, params)
	if err != nil {
		return handoff.Packet{}, err
	}
	result := Normalize(raw)
	if err := result.Err(w.toolName); err != nil {
		return handoff.Packet{}, err
	}

	artifacts := typeutil.Strings(result.Data["artifacts"])
	issues := typeutil.Strings(result.Data["blocking_issues"])
	sort.Strings(issues)

	status := handoff.StatusSuccess
	hint := handoff.NextStepHint(typeutil.StringDefault(result.Data["next_step_hint"], string(w.OnSuccess)))
	if len(issues) > 0 {
		status = handoff.StatusBlocked
		hint = w.OnFindings
	}
	notes := typeutil.StringDefault(result.Data["notes"], result.Message)

	return handoff.NewPacket(brief.TaskID, string(w.kind), status, hint,
		handoff.WithWorkflow(brief.WorkflowID),
		handoff.WithArtifacts(artifacts...),
		handoff.WithBlockingIssues(issues...),
		handoff.WithNotes(notes),
	), nil
}

// Ensure ToolWorker implements agents.Worker.
var _ agents.Worker = (*ToolWorker)(nil)
