package kernel

import (
	"context"
	"fmt"

	"github.com/jeeves-cluster-organization/handoffcore/commbus"
)

// RegisterBusHandlers answers GetWorkflowStatus queries and ArchiveWorkflow
// commands on bus.
func RegisterBusHandlers(bus commbus.CommBus, d *Dispatcher) error {
	if err := bus.RegisterHandler("GetWorkflowStatus", func(ctx context.Context, msg commbus.Message) (any, error) {
		q, ok := msg.(*commbus.GetWorkflowStatus)
		if !ok {
			return nil, fmt.Errorf("unexpected message %T", msg)
		}
		wf, err := d.Get(ctx, q.WorkflowID)
		if err != nil {
			return nil, err
		}
		return &commbus.WorkflowStatusResponse{
			WorkflowID:  wf.ID,
			Status:      string(wf.Status),
			Phase:       string(wf.Phase),
			ActiveTasks: wf.ActiveTasks(),
			Annotation:  wf.Annotation,
		}, nil
	}); err != nil {
		return err
	}

	return bus.RegisterHandler("ArchiveWorkflow", func(ctx context.Context, msg commbus.Message) (any, error) {
		cmd, ok := msg.(*commbus.ArchiveWorkflow)
		if !ok {
			return nil, fmt.Errorf("unexpected message %T", msg)
		}
		return nil, d.Archive(ctx, cmd.WorkflowID)
	})
}
