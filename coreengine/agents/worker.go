// Package agents provides the worker capability contract and the closed set
// of worker kinds the dispatcher routes between.
package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
)

// =============================================================================
// Worker Kinds
// =============================================================================

// WorkerKind identifies a specialized worker. The kinds live in handoff so
// that routing configuration can check them.
type WorkerKind = handoff.WorkerKind

const (
	KindAnalyst         = handoff.KindAnalyst
	KindDesigner        = handoff.KindDesigner
	KindImplementer     = handoff.KindImplementer
	KindReviewer        = handoff.KindReviewer
	KindSecurityScanner = handoff.KindSecurityScanner
	KindTester          = handoff.KindTester
	KindDebugger        = handoff.KindDebugger
	KindDeployer        = handoff.KindDeployer
	KindDocumenter      = handoff.KindDocumenter
)

// AllKinds lists every worker kind.
var AllKinds = handoff.AllKinds

// ParseWorkerKind resolves a worker id (case-insensitive) to its kind.
func ParseWorkerKind(s string) (WorkerKind, error) {
	return handoff.ParseWorkerKind(s)
}

// =============================================================================
// Task Brief
// =============================================================================

// DocRef points at a document (or one section of it) a brief draws on.
type DocRef struct {
	DocID     string `json:"doc_id"`
	SectionID string `json:"section_id,omitempty"`
}

// TaskBrief is the unit of work handed to a worker.
type TaskBrief struct {
	WorkflowID   string         `json:"workflow_id"`
	TaskID       string         `json:"task_id"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	Worker       WorkerKind     `json:"worker"`
	Instructions string         `json:"instructions"`
	Feedback     []string       `json:"feedback,omitempty"`
	Context      []DocRef       `json:"context,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Attempt      int            `json:"attempt"`
	Deadline     time.Time      `json:"deadline,omitzero"`
	// NoCache disables result reuse for this brief.
	NoCache bool `json:"no_cache,omitempty"`
}

// WithFeedback returns a copy of b with feedback appended.
func (b TaskBrief) WithFeedback(feedback string) TaskBrief {
	c := b
	c.Feedback = append(append([]string(nil), b.Feedback...), feedback)
	return c
}

// CacheKey is the brief content that identifies an equivalent unit of work.
// Task ids, attempts and deadlines are excluded.
func (b TaskBrief) CacheKey() map[string]any {
	return map[string]any{
		"worker":       string(b.Worker),
		"instructions": b.Instructions,
		"feedback":     b.Feedback,
		"context":      b.Context,
		"inputs":       b.Inputs,
	}
}

// =============================================================================
// Worker Capability
// =============================================================================

// Worker executes one task and reports a Completion Message. Errors should be
// classified (see recovery.WorkerError); unclassified errors escalate.
type Worker interface {
	Kind() WorkerKind
	Execute(ctx context.Context, brief TaskBrief) (handoff.Packet, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc struct {
	WorkerKind WorkerKind
	Fn         func(ctx context.Context, brief TaskBrief) (handoff.Packet, error)
}

// Kind implements Worker.
func (w WorkerFunc) Kind() WorkerKind { return w.WorkerKind }

// Execute implements Worker.
func (w WorkerFunc) Execute(ctx context.Context, brief TaskBrief) (handoff.Packet, error) {
	return w.Fn(ctx, brief)
}

// =============================================================================
// Registry
// =============================================================================

// Registry resolves worker kinds to implementations.
type Registry struct {
	workers  map[WorkerKind]Worker
	fallback Worker
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[WorkerKind]Worker)}
}

// Register registers a worker under its kind.
func (r *Registry) Register(w Worker) error {
	if w == nil {
		return fmt.Errorf("worker is required")
	}
	if !w.Kind().IsValid() {
		return fmt.Errorf("unknown worker kind: %q", w.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[w.Kind()]; exists {
		return fmt.Errorf("worker already registered for kind '%s'", w.Kind())
	}
	r.workers[w.Kind()] = w
	return nil
}

// SetFallback sets the worker used for kinds with no registration,
// typically a RemoteWorker serving out-of-process workers.
func (r *Registry) SetFallback(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = w
}

// Resolve returns the worker for kind, or the fallback.
func (r *Registry) Resolve(kind WorkerKind) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if w, ok := r.workers[kind]; ok {
		return w, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []WorkerKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]WorkerKind, 0, len(r.workers))
	for k := range r.workers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
