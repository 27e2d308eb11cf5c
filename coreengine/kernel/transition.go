package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/handoffcore/commbus"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/agents"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/config"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
)

// MetadataCachedFrom marks a packet replayed from the generation cache; the
// value is the packet id of the original.
const MetadataCachedFrom = "cached_from"

// UpstreamArtifactsInput is the brief input carrying the artifacts of the
// task that dispatched it.
const UpstreamArtifactsInput = "upstream_artifacts"

func (w *Workflow) enter(p Phase) {
	w.Phase = p
	w.Status = p.Status()
}

// completion runs inside the workflow's transition lock.
func (d *Dispatcher) completion(ctx context.Context, wf *Workflow, p handoff.Packet, fx *effects, logger observability.Logger) (*Transition, error) {
	task, ok := wf.Tasks[p.TaskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s in workflow %s", ErrUnknownTask, p.TaskID, wf.ID)
	}
	if err := wf.Ledger.Check(p); err != nil {
		var verr *handoff.ValidationError
		if errors.As(err, &verr) {
			observability.RecordPacketRejected(verr.Field)
		}
		return nil, err
	}
	if !strings.EqualFold(strings.TrimSpace(p.WorkerID), task.Worker) {
		observability.RecordPacketRejected("worker_id")
		return nil, &handoff.ValidationError{
			TaskID: p.TaskID,
			Field:  "worker_id",
			Reason: fmt.Sprintf("must be %s for this task, got %q", task.Worker, p.WorkerID),
		}
	}

	// Write-ahead: nothing below happens unless the session log has it.
	if _, err := d.cache.Session().Append(ctx, wf.ID, p); err != nil {
		return nil, fmt.Errorf("record completion %s: %w", p.TaskID, err)
	}
	wf.Ledger.Record(p)
	wf.remember(p, d.recentWindow)
	now := d.now().UTC()
	wf.UpdatedAt = now

	_, cached := p.Metadata[MetadataCachedFrom]
	fx.publish(&commbus.TaskCompleted{
		WorkflowID: wf.ID,
		TaskID:     p.TaskID,
		PacketID:   p.PacketID,
		Worker:     task.Worker,
		Status:     string(p.Status),
		Hint:       string(p.NextStepHint),
		Cached:     cached,
		At:         now,
	})

	tr := &Transition{WorkflowID: wf.ID, TaskID: p.TaskID, From: wf.Phase, To: wf.Phase}
	switch {
	case wf.Phase.IsTerminal():
		tr.Annotation = "recorded after workflow ended"
		return tr, nil
	case p.Status == handoff.StatusPending:
		tr.Annotation = "progress recorded"
		tr.Waiting = wf.ActiveTasks()
		return tr, nil
	case task.State != TaskActive:
		tr.Annotation = "correction recorded"
		return tr, nil
	}

	task.State = TaskDone
	wf.enter(PhaseRouting)
	if edge := task.Edge(); d.cycles.Observe(wf, edge) {
		observability.RecordRoutingCycle()
		logger.Warn("routing_cycle_detected", "edge", edge, "count", wf.EdgeCounts[edge])
		d.finish(wf, PhaseFailed, "routing cycle detected: "+edge, fx)
		tr.To, tr.Annotation = wf.Phase, wf.Annotation
		return tr, nil
	}

	d.advance(wf, task, d.decide(task, p, logger), fx, tr)
	return tr, nil
}

// decide maps one completed task to its branch decision.
func (d *Dispatcher) decide(task *TaskRecord, p handoff.Packet, logger observability.Logger) Branch {
	pc := p.Clone()
	b := Branch{TaskID: task.TaskID, Worker: task.Worker, Packet: &pc}
	rework := []Assignment{{
		Source:       task.Source,
		ParentTaskID: task.ParentTaskID,
		Target:       config.Target{Worker: task.Worker, Brief: task.Brief.Instructions},
		Artifacts:    append([]string(nil), p.Artifacts...),
	}}
	routes := d.Routes()

	if gated, reason := routes.Gated(p.NextStepHint, p.Artifacts); gated {
		b.Outcome, b.Approval, b.Reason = BranchApproval, ApprovalGate, reason
		if route, ok := routes.Lookup(task.Worker, p.NextStepHint); ok && len(route.To) > 0 {
			b.Dispatch = assignments(task, p, route.To)
		}
		b.Rework = rework
		return b
	}
	if p.NextStepHint == handoff.HintComplete {
		b.Outcome = BranchComplete
		return b
	}

	route, ok := routes.Lookup(task.Worker, p.NextStepHint)
	if !ok {
		logger.Warn("routing_miss", "error", &RoutingError{Worker: task.Worker, Hint: p.NextStepHint})
		b.Outcome, b.Approval, b.Reason = BranchApproval, ApprovalNoRoute, "no route found"
		b.Rework = rework
		return b
	}

	switch {
	case route.Complete:
		b.Outcome = BranchComplete
	case route.Approval:
		reason := route.Reason
		if reason == "" {
			reason = fmt.Sprintf("route %s requires approval", route.Key())
		}
		b.Outcome, b.Approval, b.Reason = BranchApproval, ApprovalGate, reason
		b.Rework = rework
	default:
		b.Outcome = BranchDispatch
		b.Dispatch = assignments(task, p, route.To)
	}
	return b
}

func assignments(task *TaskRecord, p handoff.Packet, targets []config.Target) []Assignment {
	out := make([]Assignment, 0, len(targets))
	for _, t := range targets {
		out = append(out, Assignment{
			Source:       task.Worker,
			ParentTaskID: task.TaskID,
			Target:       t,
			Artifacts:    append([]string(nil), p.Artifacts...),
		})
	}
	return out
}

// advance feeds a branch through the join barrier and applies the result.
func (d *Dispatcher) advance(wf *Workflow, task *TaskRecord, b Branch, fx *effects, tr *Transition) {
	if wf.Join != nil && task.JoinGroup == wf.Join.ID {
		wf.Join.Results[task.TaskID] = b
		if pending := wf.Join.Pending(); len(pending) > 0 {
			wf.enter(PhaseAwaitingWorker)
			tr.To = wf.Phase
			tr.Waiting = pending
			tr.Annotation = fmt.Sprintf("waiting for %d of %d branches", len(pending), len(wf.Join.Tasks))
			return
		}
		b = mergeBranches(wf.Join.Ordered())
		wf.Join = nil
	}

	switch b.Outcome {
	case BranchComplete:
		d.finish(wf, PhaseCompleted, "all branches complete", fx)
	case BranchDispatch:
		tr.Dispatched = d.dispatch(wf, b.Dispatch, nil, "", fx)
	case BranchApproval:
		tr.Approval = d.requestApproval(wf, b, fx)
	}
	tr.To = wf.Phase
	if tr.Annotation == "" {
		tr.Annotation = wf.Annotation
	}
}

// dispatch creates tasks for assignments, re-activates the retry tasks,
// and schedules them all. More than one task forms a join group.
func (d *Dispatcher) dispatch(wf *Workflow, assigned []Assignment, retry []string, feedback string, fx *effects) []string {
	type scheduled struct {
		rec   *TaskRecord
		retry bool
	}
	batch := make([]scheduled, 0, len(assigned)+len(retry))
	for _, a := range assigned {
		rec := d.newTask(wf, a)
		wf.Tasks[rec.TaskID] = rec
		batch = append(batch, scheduled{rec: rec})
	}
	for _, id := range retry {
		rec, ok := wf.Tasks[id]
		if !ok {
			continue
		}
		rec.State = TaskActive
		if feedback != "" {
			rec.Brief = rec.Brief.WithFeedback(feedback)
		}
		batch = append(batch, scheduled{rec: rec, retry: true})
	}

	if len(batch) == 0 {
		d.finish(wf, PhaseCompleted, "nothing left to dispatch", fx)
		return nil
	}

	wf.Join = nil
	groupID := ""
	if len(batch) > 1 {
		groupID = "join_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		wf.Join = &JoinGroup{ID: groupID, Results: make(map[string]Branch)}
	}

	ids := make([]string, 0, len(batch))
	for _, s := range batch {
		s.rec.JoinGroup = groupID
		if wf.Join != nil {
			wf.Join.Tasks = append(wf.Join.Tasks, s.rec.TaskID)
		}
		ids = append(ids, s.rec.TaskID)
		fx.launches = append(fx.launches, launch{task: s.rec.clone(), retry: s.retry})
	}

	wf.enter(PhaseAwaitingWorker)
	wf.Annotation = ""
	wf.Diagnostic = nil
	wf.UpdatedAt = d.now().UTC()
	return ids
}

// newTask builds the record and brief for one assignment.
func (d *Dispatcher) newTask(wf *Workflow, a Assignment) *TaskRecord {
	id := wf.nextTaskID(a.Target.Worker)

	instructions := a.Target.Brief
	if instructions == "" {
		instructions = wf.Request.Instructions
	}
	inputs := make(map[string]any, len(wf.Request.Inputs)+1)
	for k, v := range wf.Request.Inputs {
		inputs[k] = v
	}
	if len(a.Artifacts) > 0 {
		inputs[UpstreamArtifactsInput] = append([]string(nil), a.Artifacts...)
	}
	if len(inputs) == 0 {
		inputs = nil
	}

	return &TaskRecord{
		TaskID:       id,
		ParentTaskID: a.ParentTaskID,
		Source:       a.Source,
		Worker:       a.Target.Worker,
		Brief: agents.TaskBrief{
			WorkflowID:   wf.ID,
			TaskID:       id,
			ParentTaskID: a.ParentTaskID,
			Worker:       agents.WorkerKind(a.Target.Worker),
			Instructions: instructions,
			Feedback:     append([]string(nil), a.Feedback...),
			Context:      append([]agents.DocRef(nil), wf.Request.Context...),
			Inputs:       inputs,
			NoCache:      wf.Request.NoCache,
		},
		State:     TaskActive,
		CreatedAt: d.now().UTC(),
	}
}

// requestApproval parks the workflow on a human decision.
func (d *Dispatcher) requestApproval(wf *Workflow, b Branch, fx *effects) *ApprovalRequest {
	now := d.now().UTC()
	req := &ApprovalRequest{
		ID:         "apr_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		WorkflowID: wf.ID,
		Kind:       b.Approval,
		Reason:     b.Reason,
		TaskID:     b.TaskID,
		Worker:     b.Worker,
		Packet:     b.Packet,
		Diagnostic: b.Diagnostic,
		Dispatch:   b.Dispatch,
		Rework:     b.Rework,
		Retry:      b.Retry,
		Status:     ApprovalPending,
		CreatedAt:  now,
	}
	if ttl := d.cfg.ApprovalTTL(); ttl > 0 {
		req.ExpiresAt = now.Add(ttl)
	}

	wf.Pending = req.Clone()
	wf.enter(PhaseAwaitingApproval)
	wf.Annotation = b.Reason
	if b.Diagnostic != nil {
		diag := *b.Diagnostic
		wf.Diagnostic = &diag
	}
	wf.UpdatedAt = now

	fx.approval = req.Clone()
	fx.publish(&commbus.ApprovalRequested{
		WorkflowID: wf.ID,
		RequestID:  req.ID,
		Kind:       string(req.Kind),
		Reason:     req.Reason,
		TaskID:     req.TaskID,
		At:         now,
	})
	return req
}

// resolve applies a validated decision to the pending request.
func (d *Dispatcher) resolve(wf *Workflow, req *ApprovalRequest, dec Decision, fx *effects) *Transition {
	now := d.now().UTC()
	tr := &Transition{WorkflowID: wf.ID, TaskID: req.TaskID, From: wf.Phase}

	resolved := req.Clone()
	resolved.Decision = &dec
	resolved.Status = ApprovalResolved
	resolved.ResolvedAt = now
	tr.Approval = resolved
	wf.Pending = nil

	switch dec.Kind {
	case DecisionReject:
		reason := dec.Feedback
		if reason == "" {
			reason = "no reason given"
		}
		d.finish(wf, PhaseFailed, "rejected: "+reason, fx)

	case DecisionApprove:
		if len(req.Dispatch) == 0 && len(req.Retry) == 0 {
			d.finish(wf, PhaseCompleted, "approved", fx)
		} else {
			tr.Dispatched = d.dispatch(wf, req.Dispatch, req.Retry, "", fx)
		}

	case DecisionChanges:
		assigned := req.Dispatch
		if len(assigned) == 0 && len(req.Retry) == 0 {
			assigned = req.Rework
		}
		tr.Dispatched = d.dispatch(wf, withFeedback(assigned, dec.Feedback), req.Retry, dec.Feedback, fx)
	}

	fx.publish(&commbus.ApprovalResolved{
		WorkflowID: wf.ID,
		RequestID:  req.ID,
		Decision:   dec.String(),
		Approver:   dec.Approver,
		At:         now,
	})
	tr.To, tr.Annotation = wf.Phase, wf.Annotation
	return tr
}

// finish moves the workflow to a terminal phase.
func (d *Dispatcher) finish(wf *Workflow, phase Phase, annotation string, fx *effects) {
	now := d.now().UTC()
	wf.enter(phase)
	wf.Annotation = annotation
	wf.Pending = nil
	wf.Join = nil
	wf.FinishedAt = now
	wf.UpdatedAt = now

	if phase == PhaseCompleted {
		fx.publish(&commbus.WorkflowCompleted{WorkflowID: wf.ID, Packets: wf.PacketCount, At: now})
	} else {
		fx.publish(&commbus.WorkflowFailed{WorkflowID: wf.ID, Reason: annotation, At: now})
	}
	fx.purge = wf.ID
}
