package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/handoffcore/commbus"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/agents"
)

// NewRemoteNotifier announces briefs for out-of-process workers as remote
// TaskDispatched events. Use it as the notifier of an agents.RemoteWorker.
func NewRemoteNotifier(bus commbus.Publisher) agents.DispatchNotifier {
	return func(ctx context.Context, brief agents.TaskBrief) error {
		raw, err := json.Marshal(brief)
		if err != nil {
			return fmt.Errorf("encode brief %s: %w", brief.TaskID, err)
		}
		return bus.Publish(ctx, &commbus.TaskDispatched{
			WorkflowID:   brief.WorkflowID,
			TaskID:       brief.TaskID,
			ParentTaskID: brief.ParentTaskID,
			Worker:       string(brief.Worker),
			Attempt:      brief.Attempt,
			Remote:       true,
			Brief:        raw,
			At:           time.Now().UTC(),
		})
	}
}
