package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/store"
)

// TaskState is the recovery state of one task.
type TaskState string

const (
	TaskRunning   TaskState = "RUNNING"
	TaskRetrying  TaskState = "RETRYING"
	TaskSucceeded TaskState = "SUCCEEDED"
	TaskEscalated TaskState = "ESCALATED"
	TaskFailed    TaskState = "FAILED"
)

// IsActive reports whether a restart must resume the task.
func (s TaskState) IsActive() bool {
	return s == TaskRunning || s == TaskRetrying
}

// Checkpoint is the latest durable snapshot of one task.
type Checkpoint struct {
	WorkflowID string `json:"workflow_id"`
	TaskID     string `json:"task_id"`
	Worker     string `json:"worker"`
	// Brief is the encoded task brief, inputs included.
	Brief json.RawMessage `json:"brief,omitempty"`
	// Steps holds the outputs of completed sub-steps by name.
	Steps map[string]json.RawMessage `json:"steps,omitempty"`
	// Feedback collects failure reasons used to revise the brief.
	Feedback   []string   `json:"feedback,omitempty"`
	Attempt    int        `json:"attempt"`
	Retries    int        `json:"retries"`
	Revisions  int        `json:"revisions"`
	State      TaskState  `json:"state"`
	ErrorClass ErrorClass `json:"error_class,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Deadline   time.Time  `json:"deadline,omitzero"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewCheckpoint creates a RUNNING checkpoint for a fresh task.
func NewCheckpoint(workflowID, taskID, worker string, brief json.RawMessage) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		WorkflowID: workflowID,
		TaskID:     taskID,
		Worker:     worker,
		Brief:      brief,
		Steps:      make(map[string]json.RawMessage),
		State:      TaskRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	out := *c
	out.Brief = append(json.RawMessage(nil), c.Brief...)
	out.Feedback = append([]string(nil), c.Feedback...)
	out.Steps = make(map[string]json.RawMessage, len(c.Steps))
	for k, v := range c.Steps {
		out.Steps[k] = append(json.RawMessage(nil), v...)
	}
	return &out
}

func checkpointKey(workflowID, taskID string) string {
	return store.Join("ckpt", workflowID, taskID)
}

// CheckpointStore persists checkpoints, latest wins per task.
type CheckpointStore struct {
	durable store.Store
	logger  observability.Logger
}

// NewCheckpointStore creates a CheckpointStore over durable.
func NewCheckpointStore(durable store.Store, logger observability.Logger) *CheckpointStore {
	return &CheckpointStore{durable: durable, logger: observability.OrNop(logger)}
}

// Save writes cp, replacing any earlier checkpoint for the same task.
func (s *CheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(cp)
	if err != nil {
		return NewCheckpointError(cp.WorkflowID, cp.TaskID, "encode", err)
	}
	if err := s.durable.Put(ctx, checkpointKey(cp.WorkflowID, cp.TaskID), raw); err != nil {
		return NewCheckpointError(cp.WorkflowID, cp.TaskID, "save", err)
	}
	return nil
}

// Load returns the checkpoint for a task, or ErrCheckpointNotFound.
func (s *CheckpointStore) Load(ctx context.Context, workflowID, taskID string) (*Checkpoint, error) {
	raw, err := s.durable.Get(ctx, checkpointKey(workflowID, taskID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, NewCheckpointError(workflowID, taskID, "load", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, NewCheckpointError(workflowID, taskID, "decode", fmt.Errorf("%w: %v", ErrCorrupt, err))
	}
	if cp.Steps == nil {
		cp.Steps = make(map[string]json.RawMessage)
	}
	return &cp, nil
}

// List returns the checkpoints of workflowID, or of every workflow when
// workflowID is empty. Undecodable records are logged and skipped.
func (s *CheckpointStore) List(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	prefix := "ckpt/"
	if workflowID != "" {
		prefix = store.Prefix("ckpt", workflowID)
	}
	keys, err := s.durable.Keys(ctx, prefix)
	if err != nil {
		return nil, NewCheckpointError(workflowID, "", "list", err)
	}

	out := make([]*Checkpoint, 0, len(keys))
	for _, key := range keys {
		raw, err := s.durable.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, NewCheckpointError(workflowID, "", "list", err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			s.logger.Warn("checkpoint_corrupt", "key", key, "error", err)
			continue
		}
		if cp.Steps == nil {
			cp.Steps = make(map[string]json.RawMessage)
		}
		out = append(out, &cp)
	}
	return out, nil
}

// PurgeWorkflow removes every checkpoint of workflowID.
func (s *CheckpointStore) PurgeWorkflow(ctx context.Context, workflowID string) (int, error) {
	n, err := store.DeletePrefix(ctx, s.durable, store.Prefix("ckpt", workflowID))
	if err != nil {
		return n, NewCheckpointError(workflowID, "", "purge", err)
	}
	return n, nil
}
