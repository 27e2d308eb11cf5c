package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/store"
)

// workflowEntry holds one workflow. update serializes transitions; mu
// guards the committed snapshot so readers never wait on a transition.
type workflowEntry struct {
	update sync.Mutex
	mu     sync.RWMutex
	wf     *Workflow
}

func (e *workflowEntry) snapshot() *Workflow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.wf.Clone()
}

// WorkflowStore keeps workflows in memory and persists every committed
// change under wf/<id>. There is no global instance; the Dispatcher is
// handed one explicitly.
type WorkflowStore struct {
	durable store.Store
	logger  observability.Logger
	entries map[string]*workflowEntry
	mu      sync.RWMutex
}

// NewWorkflowStore creates a WorkflowStore over durable.
func NewWorkflowStore(durable store.Store, logger observability.Logger) *WorkflowStore {
	return &WorkflowStore{
		durable: durable,
		logger:  observability.OrNop(logger),
		entries: make(map[string]*workflowEntry),
	}
}

func workflowKey(id string) string {
	return store.Join("wf", id)
}

func (s *WorkflowStore) entry(id string) (*workflowEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *WorkflowStore) persist(ctx context.Context, wf *Workflow) error {
	raw, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("encode workflow %s: %w", wf.ID, err)
	}
	if err := s.durable.Put(ctx, workflowKey(wf.ID), raw); err != nil {
		return fmt.Errorf("save workflow %s: %w", wf.ID, err)
	}
	return nil
}

// Create persists a new workflow.
func (s *WorkflowStore) Create(ctx context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[wf.ID]; exists {
		return fmt.Errorf("%w: %s", ErrWorkflowExists, wf.ID)
	}
	if err := s.persist(ctx, wf); err != nil {
		return err
	}
	s.entries[wf.ID] = &workflowEntry{wf: wf.Clone()}
	return nil
}

// Update runs fn on a copy of the workflow under its transition lock and
// commits the copy when fn succeeds and the snapshot is saved. A failing
// fn or save leaves the workflow unchanged.
func (s *WorkflowStore) Update(ctx context.Context, id string, fn func(*Workflow) error) error {
	e, ok := s.entry(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}

	e.update.Lock()
	defer e.update.Unlock()

	wf := e.snapshot()
	if err := fn(wf); err != nil {
		return err
	}
	if err := s.persist(ctx, wf); err != nil {
		return err
	}

	e.mu.Lock()
	e.wf = wf
	e.mu.Unlock()
	return nil
}

// Remove deletes a workflow after check approves it. check runs under the
// transition lock and may perform cleanup of dependent records.
func (s *WorkflowStore) Remove(ctx context.Context, id string, check func(*Workflow) error) error {
	e, ok := s.entry(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}

	e.update.Lock()
	defer e.update.Unlock()

	if check != nil {
		if err := check(e.snapshot()); err != nil {
			return err
		}
	}
	if err := s.durable.Delete(ctx, workflowKey(id)); err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}

	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the workflow.
func (s *WorkflowStore) Get(id string) (*Workflow, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return e.snapshot(), nil
}

// List returns copies of every workflow, oldest first.
func (s *WorkflowStore) List() []*Workflow {
	s.mu.RLock()
	entries := make([]*workflowEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*Workflow, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of workflows held.
func (s *WorkflowStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Load reads every persisted workflow not already held. Undecodable
// records are logged and skipped.
func (s *WorkflowStore) Load(ctx context.Context) (int, error) {
	keys, err := s.durable.Keys(ctx, "wf/")
	if err != nil {
		return 0, fmt.Errorf("list workflows: %w", err)
	}

	loaded := 0
	for _, key := range keys {
		raw, err := s.durable.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return loaded, fmt.Errorf("load %s: %w", key, err)
		}

		var wf Workflow
		if err := json.Unmarshal(raw, &wf); err != nil {
			s.logger.Warn("workflow_corrupt", "key", key, "error", err)
			continue
		}
		if wf.Tasks == nil {
			wf.Tasks = make(map[string]*TaskRecord)
		}
		if wf.EdgeCounts == nil {
			wf.EdgeCounts = make(map[string]int)
		}
		if wf.Ledger == nil {
			wf.Ledger = make(handoff.Ledger)
		}

		s.mu.Lock()
		if _, exists := s.entries[wf.ID]; !exists {
			s.entries[wf.ID] = &workflowEntry{wf: &wf}
			loaded++
		}
		s.mu.Unlock()
	}
	return loaded, nil
}
