package handoff

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Packet is a Completion Message. Treat it as immutable: constructors copy
// their inputs and corrections are new packets for the same task.
type Packet struct {
	PacketID              string            `json:"packet_id,omitempty"`
	WorkflowID            string            `json:"workflow_id,omitempty"`
	TaskID                string            `json:"task_id" validate:"required"`
	WorkerID              string            `json:"worker_id" validate:"required"`
	Status                Status            `json:"status" validate:"oneof=SUCCESS FAILURE PENDING BLOCKED"`
	Artifacts             []string          `json:"artifacts,omitempty"`
	NextStepHint          NextStepHint      `json:"next_step_hint,omitempty"`
	Notes                 string            `json:"notes,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	DependenciesSatisfied []string          `json:"dependencies_satisfied,omitempty"`
	BlockingIssues        []string          `json:"blocking_issues,omitempty"`
	Corrects              string            `json:"corrects,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// PacketOption customizes a packet built by NewPacket.
type PacketOption func(*Packet)

// WithWorkflow sets the owning workflow.
func WithWorkflow(workflowID string) PacketOption {
	return func(p *Packet) { p.WorkflowID = workflowID }
}

// WithArtifacts appends artifacts in order.
func WithArtifacts(artifacts ...string) PacketOption {
	return func(p *Packet) { p.Artifacts = append(p.Artifacts, artifacts...) }
}

// WithNotes sets the free-text rationale.
func WithNotes(notes string) PacketOption {
	return func(p *Packet) { p.Notes = notes }
}

// WithDependencies sets the satisfied dependency set.
func WithDependencies(ids ...string) PacketOption {
	return func(p *Packet) { p.DependenciesSatisfied = append(p.DependenciesSatisfied, ids...) }
}

// WithBlockingIssues sets the blocking issue set.
func WithBlockingIssues(ids ...string) PacketOption {
	return func(p *Packet) { p.BlockingIssues = append(p.BlockingIssues, ids...) }
}

// WithCreatedAt overrides the creation timestamp.
func WithCreatedAt(t time.Time) PacketOption {
	return func(p *Packet) { p.CreatedAt = t }
}

// WithMetadata adds a metadata entry.
func WithMetadata(key, value string) PacketOption {
	return func(p *Packet) {
		if p.Metadata == nil {
			p.Metadata = make(map[string]string)
		}
		p.Metadata[key] = value
	}
}

// NewPacket builds a packet with a fresh packet id and the current time.
// It does not validate; call Validate or Ledger.Check before accepting it.
func NewPacket(taskID, workerID string, status Status, hint NextStepHint, opts ...PacketOption) Packet {
	p := Packet{
		PacketID:     "pkt_" + uuid.New().String(),
		TaskID:       taskID,
		WorkerID:     workerID,
		Status:       status,
		NextStepHint: hint,
		CreatedAt:    time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p.normalized()
}

// Correct returns a new packet for the same task that supersedes p.
// The correction is stamped no earlier than p so ordering holds.
func (p Packet) Correct(status Status, hint NextStepHint, opts ...PacketOption) Packet {
	c := NewPacket(p.TaskID, p.WorkerID, status, hint, append([]PacketOption{WithWorkflow(p.WorkflowID)}, opts...)...)
	c.Corrects = p.PacketID
	if c.CreatedAt.Before(p.CreatedAt) {
		c.CreatedAt = p.CreatedAt
	}
	return c
}

// Clone returns a deep copy.
func (p Packet) Clone() Packet {
	c := p
	c.Artifacts = cloneStrings(p.Artifacts)
	c.DependenciesSatisfied = cloneStrings(p.DependenciesSatisfied)
	c.BlockingIssues = cloneStrings(p.BlockingIssues)
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// HasBlockingIssues reports whether any blocking issue is present.
func (p Packet) HasBlockingIssues() bool {
	return len(p.BlockingIssues) > 0
}

// normalized copies slices and applies set semantics to the id sets.
func (p Packet) normalized() Packet {
	c := p.Clone()
	c.DependenciesSatisfied = normalizeSet(c.DependenciesSatisfied)
	c.BlockingIssues = normalizeSet(c.BlockingIssues)
	return c
}

func normalizeSet(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
