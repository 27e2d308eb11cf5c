package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/recovery"
)

// DispatchNotifier announces a brief to out-of-process workers.
type DispatchNotifier func(ctx context.Context, brief TaskBrief) error

// RemoteWorker executes briefs in external processes. Execute announces the
// brief and blocks until Deliver hands over the matching completion or the
// attempt deadline passes, so remote workers share the in-process retry and
// deadline pipeline.
type RemoteWorker struct {
	notify  DispatchNotifier
	logger  observability.Logger
	waiting map[string]chan handoff.Packet
	mu      sync.Mutex
}

// NewRemoteWorker creates a RemoteWorker.
func NewRemoteWorker(notify DispatchNotifier, logger observability.Logger) *RemoteWorker {
	return &RemoteWorker{
		notify:  notify,
		logger:  observability.OrNop(logger),
		waiting: make(map[string]chan handoff.Packet),
	}
}

func waitKey(workflowID, taskID string) string {
	return workflowID + "/" + taskID
}

// Kind implements Worker. A RemoteWorker serves every kind through the
// registry fallback.
func (w *RemoteWorker) Kind() WorkerKind {
	return ""
}

// Execute implements Worker.
func (w *RemoteWorker) Execute(ctx context.Context, brief TaskBrief) (handoff.Packet, error) {
	key := waitKey(brief.WorkflowID, brief.TaskID)
	ch := make(chan handoff.Packet, 1)

	w.mu.Lock()
	w.waiting[key] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		if w.waiting[key] == ch {
			delete(w.waiting, key)
		}
		w.mu.Unlock()
	}()

	if w.notify != nil {
		if err := w.notify(ctx, brief); err != nil {
			return handoff.Packet{}, recovery.Transient(fmt.Errorf("announce %s: %w", key, err))
		}
	}
	w.logger.Debug("remote_task_waiting", "workflow_id", brief.WorkflowID, "task_id", brief.TaskID, "worker", string(brief.Worker))

	select {
	case p := <-ch:
		return p, nil
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			return handoff.Packet{}, recovery.NewWorkerError(recovery.ClassTransient, string(brief.Worker),
				fmt.Errorf("remote task %s timed out: %w", key, err))
		}
		return handoff.Packet{}, err
	}
}

// Deliver hands p to the execution waiting for its task. It reports false
// when nothing is waiting.
func (w *RemoteWorker) Deliver(p handoff.Packet) bool {
	w.mu.Lock()
	ch, ok := w.waiting[waitKey(p.WorkflowID, p.TaskID)]
	w.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- p:
		return true
	default:
		// Already delivered for this attempt.
		return false
	}
}

// Waiting lists the "<workflow>/<task>" keys awaiting a completion.
func (w *RemoteWorker) Waiting() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(w.waiting))
	for k := range w.waiting {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Ensure RemoteWorker implements Worker.
var _ Worker = (*RemoteWorker)(nil)
