package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/handoffcore/commbus"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/agents"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/cache"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/recovery"
)

// errStaleTask aborts an escalation for a task that is no longer active.
var errStaleTask = errors.New("task no longer active")

// launch is one scheduled task execution.
type launch struct {
	task *TaskRecord
	// retry re-runs an escalated task from its checkpoint.
	retry bool
	// resume continues a task interrupted by a restart.
	resume bool
}

// launch announces a task and, unless dispatch is manual, executes it on
// its own goroutine.
func (d *Dispatcher) launch(l launch) {
	brief := l.task.Brief
	event := &commbus.TaskDispatched{
		WorkflowID:   brief.WorkflowID,
		TaskID:       l.task.TaskID,
		ParentTaskID: l.task.ParentTaskID,
		Worker:       l.task.Worker,
		Attempt:      brief.Attempt,
		Remote:       d.manual,
		At:           d.now().UTC(),
	}
	if d.manual {
		if raw, err := json.Marshal(brief); err == nil {
			event.Brief = raw
		}
	}
	d.publish(d.runCtx, event)

	if d.manual {
		d.logger.Info("task_awaiting_submission", "workflow_id", brief.WorkflowID, "task_id", l.task.TaskID, "worker", l.task.Worker)
		return
	}

	d.wg.Add(1)
	SafeGo(d.logger, "execute_task", func() {
		d.execute(d.runCtx, l)
		d.wg.Done()
	}, func(r any) {
		d.escalate(d.runCtx, l.task, recovery.Outcome{
			State: recovery.TaskEscalated,
			Class: recovery.ClassFatal,
			Err:   fmt.Errorf("panic in dispatcher: %v", r),
		})
		d.wg.Done()
	})
}

// execute runs one task through the generation cache and the recovery
// manager and feeds the outcome back into the workflow.
func (d *Dispatcher) execute(ctx context.Context, l launch) {
	rec := l.task
	brief := rec.Brief
	logger := d.logger.Bind("workflow_id", brief.WorkflowID, "task_id", rec.TaskID, "worker", rec.Worker)

	fp, replay, hit := d.cachedResult(ctx, rec, logger)
	if hit {
		logger.Info("task_served_from_cache", "cached_from", replay.Metadata[MetadataCachedFrom])
		d.complete(ctx, rec, replay, logger)
		return
	}

	worker, ok := d.workers.Resolve(agents.WorkerKind(rec.Worker))
	if !ok {
		d.escalate(ctx, rec, recovery.Outcome{
			State: recovery.TaskEscalated,
			Class: recovery.ClassFatal,
			Err:   recovery.NewWorkerError(recovery.ClassFatal, rec.Worker, errors.New("no worker registered")),
		})
		return
	}

	cp := d.checkpointFor(ctx, l, logger)
	out := d.recovery.Run(ctx, cp, func(ctx context.Context, task *recovery.Task) (handoff.Packet, error) {
		b := brief
		b.Attempt = task.Attempt()
		for _, fb := range task.Feedback() {
			b = b.WithFeedback(fb)
		}
		if deadline, ok := ctx.Deadline(); ok {
			b.Deadline = deadline.UTC()
		}
		return worker.Execute(ctx, b)
	})

	switch out.State {
	case recovery.TaskSucceeded:
		p := out.Packet
		p.WorkflowID = brief.WorkflowID
		p.TaskID = rec.TaskID
		if p.WorkerID == "" {
			p.WorkerID = rec.Worker
		}
		if p.PacketID == "" {
			p.PacketID = "pkt_" + uuid.NewString()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = d.now().UTC()
		}
		if d.complete(ctx, rec, p, logger) && fp != "" && p.Status == handoff.StatusSuccess {
			d.storeResult(ctx, fp, p, logger)
		}
	case recovery.TaskEscalated:
		d.escalate(ctx, rec, out)
	default:
		logger.Warn("task_abandoned", "state", string(out.State), "error", out.Err)
	}
}

// cachedResult looks the brief up in the generation cache. A hit is
// replayed as a new packet for this task.
func (d *Dispatcher) cachedResult(ctx context.Context, rec *TaskRecord, logger observability.Logger) (string, handoff.Packet, bool) {
	gen := d.cache.Generation()
	if rec.Brief.NoCache || !gen.Enabled() {
		return "", handoff.Packet{}, false
	}
	fp, err := cache.Fingerprint(cache.DomainGeneration, map[string]any{"task": rec.Brief.CacheKey()})
	if err != nil {
		logger.Warn("task_fingerprint_failed", "error", err)
		return "", handoff.Packet{}, false
	}
	raw, ok := gen.Get(ctx, fp)
	if !ok {
		return fp, handoff.Packet{}, false
	}

	var prior handoff.Packet
	if err := json.Unmarshal(raw, &prior); err != nil {
		logger.Warn("cached_result_corrupt", "fingerprint", fp, "error", err)
		return fp, handoff.Packet{}, false
	}
	replay := handoff.NewPacket(rec.TaskID, rec.Worker, prior.Status, prior.NextStepHint,
		handoff.WithWorkflow(rec.Brief.WorkflowID),
		handoff.WithArtifacts(prior.Artifacts...),
		handoff.WithNotes(prior.Notes),
		handoff.WithDependencies(prior.DependenciesSatisfied...),
		handoff.WithMetadata(MetadataCachedFrom, prior.PacketID),
	)
	return fp, replay, true
}

func (d *Dispatcher) storeResult(ctx context.Context, fp string, p handoff.Packet, logger observability.Logger) {
	raw, err := json.Marshal(p)
	if err != nil {
		logger.Warn("task_result_encode_failed", "error", err)
		return
	}
	d.cache.Generation().Put(ctx, fp, raw, cache.Metadata{
		Source: "task:" + p.WorkerID,
		Labels: map[string]string{"workflow_id": p.WorkflowID, "task_id": p.TaskID},
	})
}

// checkpointFor returns the checkpoint a launch starts from. Retries and
// resumptions continue the stored checkpoint with its sub-steps; retries
// get a fresh retry budget.
func (d *Dispatcher) checkpointFor(ctx context.Context, l launch, logger observability.Logger) *recovery.Checkpoint {
	rec := l.task
	raw, err := json.Marshal(rec.Brief)
	if err != nil {
		logger.Warn("brief_encode_failed", "error", err)
	}

	if l.retry || l.resume {
		cp, err := d.recovery.Store().Load(ctx, rec.Brief.WorkflowID, rec.TaskID)
		switch {
		case err == nil:
			if l.retry {
				cp.Retries, cp.Revisions = 0, 0
				cp.ErrorClass, cp.LastError = "", ""
				cp.Brief = raw
			}
			cp.State = recovery.TaskRunning
			return cp
		case !errors.Is(err, recovery.ErrCheckpointNotFound):
			logger.Warn("checkpoint_load_failed", "error", err)
		}
	}
	return recovery.NewCheckpoint(rec.Brief.WorkflowID, rec.TaskID, rec.Worker, raw)
}

// complete hands a worker's packet to the workflow. An invalid packet
// escalates the task. Reports whether the packet was accepted.
func (d *Dispatcher) complete(ctx context.Context, rec *TaskRecord, p handoff.Packet, logger observability.Logger) bool {
	_, err := d.HandleCompletion(ctx, p)
	if err == nil {
		return true
	}
	if errors.Is(err, handoff.ErrInvalidPacket) {
		d.escalate(ctx, rec, recovery.Outcome{
			State:    recovery.TaskEscalated,
			Class:    recovery.ClassFatal,
			Err:      err,
			Attempts: 1,
		})
		return false
	}
	logger.Error("completion_failed", "error", err)
	return false
}

// escalate parks the workflow on a human decision for a task recovery
// gave up on.
func (d *Dispatcher) escalate(ctx context.Context, rec *TaskRecord, out recovery.Outcome) {
	workflowID := rec.Brief.WorkflowID
	logger := d.logger.Bind("workflow_id", workflowID, "task_id", rec.TaskID, "worker", rec.Worker)

	attempts := out.Attempts
	if out.Checkpoint != nil {
		attempts = out.Checkpoint.Attempt
	}
	class := out.Class
	if class == "" {
		class = recovery.Classify(out.Err)
	}
	errText := "unknown error"
	if out.Err != nil {
		errText = out.Err.Error()
	}
	diag := &Diagnostic{
		Worker:     rec.Worker,
		TaskID:     rec.TaskID,
		ErrorClass: string(class),
		Error:      errText,
		Attempts:   attempts,
		At:         d.now().UTC(),
	}

	fx := &effects{}
	var tr *Transition
	err := d.workflows.Update(ctx, workflowID, func(wf *Workflow) error {
		task, ok := wf.Tasks[rec.TaskID]
		if !ok || task.State != TaskActive {
			return errStaleTask
		}
		task.State = TaskEscalated
		wf.UpdatedAt = diag.At
		fx.publish(&commbus.TaskEscalated{
			WorkflowID: wf.ID,
			TaskID:     task.TaskID,
			Worker:     task.Worker,
			ErrorClass: diag.ErrorClass,
			Error:      diag.Error,
			Attempts:   diag.Attempts,
			At:         diag.At,
		})
		if wf.Phase.IsTerminal() {
			return nil
		}

		tr = &Transition{WorkflowID: wf.ID, TaskID: task.TaskID, From: wf.Phase}
		d.advance(wf, task, Branch{
			TaskID:     task.TaskID,
			Worker:     task.Worker,
			Outcome:    BranchApproval,
			Approval:   ApprovalEscalation,
			Reason:     fmt.Sprintf("task %s escalated: %s", task.TaskID, diag.Error),
			Retry:      []string{task.TaskID},
			Diagnostic: diag,
		}, fx, tr)
		return nil
	})
	if errors.Is(err, errStaleTask) {
		logger.Debug("escalation_skipped", "reason", err)
		return
	}
	if err != nil {
		logger.Error("escalation_failed", "error", err)
		return
	}

	d.apply(ctx, fx)
	d.recordTransition(tr)
	logger.Warn("task_escalated_to_human", "error_class", diag.ErrorClass, "error", diag.Error, "attempts", diag.Attempts)
}
