package kernel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
)

// ApprovalChannel delivers approval requests to humans. Delivery is
// asynchronous: the decision comes back through Dispatcher.Resolve.
type ApprovalChannel interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) error
}

// =============================================================================
// Approval Inbox
// =============================================================================

// ApprovalInbox keeps approval requests queryable by id and workflow.
// It is the dispatcher's built-in ApprovalChannel.
//
// Expiry only flags a request: an expired request stays answerable and
// its workflow keeps waiting, so that late decisions are still applied.
//
// Usage:
//
//	inbox := NewApprovalInbox(nil)
//
//	// Dispatcher delivers requests
//	inbox.RequestApproval(ctx, req)
//
//	// Operators list what is waiting
//	pending := inbox.Pending()
type ApprovalInbox struct {
	logger observability.Logger
	now    func() time.Time

	// Requests keyed by request ID
	requests map[string]*ApprovalRequest
	// Index by workflow ID
	byWorkflow map[string][]string

	mu sync.RWMutex
}

// NewApprovalInbox creates an empty inbox.
func NewApprovalInbox(logger observability.Logger) *ApprovalInbox {
	return &ApprovalInbox{
		logger:     observability.OrNop(logger),
		now:        time.Now,
		requests:   make(map[string]*ApprovalRequest),
		byWorkflow: make(map[string][]string),
	}
}

// RequestApproval implements ApprovalChannel. Re-delivering a known
// request is a no-op.
func (in *ApprovalInbox) RequestApproval(_ context.Context, req ApprovalRequest) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if _, exists := in.requests[req.ID]; exists {
		return nil
	}
	stored := req.Clone()
	if stored.Status == "" {
		stored.Status = ApprovalPending
	}
	in.requests[req.ID] = stored
	in.byWorkflow[req.WorkflowID] = append(in.byWorkflow[req.WorkflowID], req.ID)

	in.logger.Info("approval_requested",
		"request_id", req.ID,
		"workflow_id", req.WorkflowID,
		"kind", string(req.Kind),
		"reason", req.Reason,
	)
	return nil
}

// =============================================================================
// Query
// =============================================================================

// Get returns a copy of a request, or nil.
func (in *ApprovalInbox) Get(id string) *ApprovalRequest {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if req, ok := in.requests[id]; ok {
		return req.Clone()
	}
	return nil
}

// Pending returns copies of the requests awaiting a decision, expired ones
// included, oldest first.
func (in *ApprovalInbox) Pending() []*ApprovalRequest {
	in.mu.RLock()
	defer in.mu.RUnlock()

	out := make([]*ApprovalRequest, 0)
	for _, req := range in.requests {
		if req.Status == ApprovalPending || req.Status == ApprovalExpired {
			out = append(out, req.Clone())
		}
	}
	sortRequests(out)
	return out
}

// ForWorkflow returns copies of every request of a workflow, oldest first.
func (in *ApprovalInbox) ForWorkflow(workflowID string) []*ApprovalRequest {
	in.mu.RLock()
	defer in.mu.RUnlock()

	out := make([]*ApprovalRequest, 0, len(in.byWorkflow[workflowID]))
	for _, id := range in.byWorkflow[workflowID] {
		out = append(out, in.requests[id].Clone())
	}
	sortRequests(out)
	return out
}

func sortRequests(reqs []*ApprovalRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}

// =============================================================================
// Resolve
// =============================================================================

// Resolve records the decision on a request. It reports false when the
// request is unknown or already closed.
func (in *ApprovalInbox) Resolve(id string, decision Decision) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	req, exists := in.requests[id]
	if !exists {
		in.logger.Warn("approval_not_found", "request_id", id)
		return false
	}
	if req.Status != ApprovalPending && req.Status != ApprovalExpired {
		in.logger.Warn("approval_not_pending", "request_id", id, "status", string(req.Status))
		return false
	}

	d := decision
	req.Decision = &d
	req.Status = ApprovalResolved
	req.ResolvedAt = in.now().UTC()

	in.logger.Info("approval_resolved",
		"request_id", id,
		"workflow_id", req.WorkflowID,
		"decision", string(decision.Kind),
		"approver", decision.Approver,
	)
	return true
}

// Cancel closes a request without a decision.
func (in *ApprovalInbox) Cancel(id string, reason string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	req, exists := in.requests[id]
	if !exists || (req.Status != ApprovalPending && req.Status != ApprovalExpired) {
		return false
	}
	req.Status = ApprovalCancelled
	req.ResolvedAt = in.now().UTC()

	in.logger.Info("approval_cancelled", "request_id", id, "reason", reason)
	return true
}

// ExpirePending flags pending requests past their expiry and returns them.
func (in *ApprovalInbox) ExpirePending() []*ApprovalRequest {
	in.mu.Lock()
	defer in.mu.Unlock()

	now := in.now()
	expired := make([]*ApprovalRequest, 0)
	for _, req := range in.requests {
		if req.Status == ApprovalPending && req.IsExpired(now) {
			req.Status = ApprovalExpired
			expired = append(expired, req.Clone())
		}
	}

	if len(expired) > 0 {
		in.logger.Warn("approvals_expired", "count", len(expired))
	}
	sortRequests(expired)
	return expired
}

// =============================================================================
// Cleanup
// =============================================================================

// CleanupResolved removes resolved and cancelled requests closed longer
// than olderThan ago. Returns the number removed.
func (in *ApprovalInbox) CleanupResolved(olderThan time.Duration) int {
	in.mu.Lock()
	defer in.mu.Unlock()

	cutoff := in.now().UTC().Add(-olderThan)
	count := 0
	for id, req := range in.requests {
		closed := req.Status == ApprovalResolved || req.Status == ApprovalCancelled
		if closed && req.ResolvedAt.Before(cutoff) {
			in.removeFromIndex(req.WorkflowID, id)
			delete(in.requests, id)
			count++
		}
	}

	if count > 0 {
		in.logger.Info("approvals_cleaned_up", "count", count)
	}
	return count
}

// Forget removes every request of a workflow.
func (in *ApprovalInbox) Forget(workflowID string) int {
	in.mu.Lock()
	defer in.mu.Unlock()

	ids := in.byWorkflow[workflowID]
	for _, id := range ids {
		delete(in.requests, id)
	}
	delete(in.byWorkflow, workflowID)
	return len(ids)
}

func (in *ApprovalInbox) removeFromIndex(workflowID, id string) {
	ids := in.byWorkflow[workflowID]
	for i, candidate := range ids {
		if candidate == id {
			in.byWorkflow[workflowID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(in.byWorkflow[workflowID]) == 0 {
		delete(in.byWorkflow, workflowID)
	}
}

// =============================================================================
// Statistics
// =============================================================================

// GetStats returns request counts by status.
func (in *ApprovalInbox) GetStats() map[string]int {
	in.mu.RLock()
	defer in.mu.RUnlock()

	stats := map[string]int{
		"total":     len(in.requests),
		"pending":   0,
		"resolved":  0,
		"expired":   0,
		"cancelled": 0,
	}
	for _, req := range in.requests {
		stats[string(req.Status)]++
	}
	return stats
}

// Ensure ApprovalInbox implements ApprovalChannel.
var _ ApprovalChannel = (*ApprovalInbox)(nil)
