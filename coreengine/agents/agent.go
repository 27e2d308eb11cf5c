package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/recovery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LLMProvider is the interface for generation backends.
type LLMProvider interface {
	Generate(ctx context.Context, model string, prompt string, options map[string]any) (string, error)
}

// PromptRegistry is the interface for prompt lookup.
type PromptRegistry interface {
	Get(key string, context map[string]any) (string, error)
}

var tracer = otel.Tracer("handoffcore/agents")

// PromptWorker is a Worker backed by a generation call. It renders the
// brief into a prompt, calls the provider and parses the JSON reply into a
// Completion Message.
type PromptWorker struct {
	kind    WorkerKind
	llm     LLMProvider
	briefs  *BriefBuilder
	prompts PromptRegistry
	model   string
	options map[string]any
	logger  observability.Logger
}

// PromptWorkerOption configures a PromptWorker.
type PromptWorkerOption func(*PromptWorker)

// WithPromptRegistry renders prompts through registry, keyed by worker kind.
func WithPromptRegistry(registry PromptRegistry) PromptWorkerOption {
	return func(w *PromptWorker) { w.prompts = registry }
}

// WithBriefBuilder sets the builder used to render briefs.
func WithBriefBuilder(b *BriefBuilder) PromptWorkerOption {
	return func(w *PromptWorker) { w.briefs = b }
}

// WithModel sets the model name and generation options.
func WithModel(model string, options map[string]any) PromptWorkerOption {
	return func(w *PromptWorker) {
		w.model = model
		w.options = options
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger observability.Logger) PromptWorkerOption {
	return func(w *PromptWorker) { w.logger = observability.OrNop(logger) }
}

// NewPromptWorker creates a PromptWorker.
func NewPromptWorker(kind WorkerKind, llm LLMProvider, opts ...PromptWorkerOption) (*PromptWorker, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("unknown worker kind: %q", kind)
	}
	if llm == nil {
		return nil, fmt.Errorf("worker '%s' requires an llm provider", kind)
	}

	w := &PromptWorker{
		kind:   kind,
		llm:    llm,
		briefs: NewBriefBuilder(nil),
		model:  "default",
		options: map[string]any{
			"num_predict": 2000,
			"num_ctx":     16384,
		},
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Bind("worker", string(kind))
	return w, nil
}

// Kind implements Worker.
func (w *PromptWorker) Kind() WorkerKind {
	return w.kind
}

// Execute implements Worker.
func (w *PromptWorker) Execute(ctx context.Context, brief TaskBrief) (packet handoff.Packet, err error) {
	ctx, span := tracer.Start(ctx, "worker.execute", trace.WithAttributes(
		attribute.String("handoff.worker", string(w.kind)),
		attribute.String("handoff.task_id", brief.TaskID),
		attribute.Int("handoff.attempt", brief.Attempt),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		durationMS := int(time.Since(start).Milliseconds())
		span.SetAttributes(attribute.Int("duration_ms", durationMS))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			w.logger.Warn("worker_failed", "task_id", brief.TaskID, "error", err, "duration_ms", durationMS)
			return
		}
		span.SetStatus(codes.Ok, "success")
		w.logger.Info("worker_completed", "task_id", brief.TaskID, "hint", string(packet.NextStepHint), "duration_ms", durationMS)
	}()

	prompt, err := w.buildPrompt(ctx, brief)
	if err != nil {
		return handoff.Packet{}, err
	}

	text, err := w.llm.Generate(ctx, w.model, prompt, w.options)
	if err != nil {
		return handoff.Packet{}, fmt.Errorf("generation failed: %w", err)
	}
	w.logger.Debug("worker_llm_response",
		"response_length", len(text),
		"response_preview", truncate(text, 200),
	)

	return w.parseReply(brief, text)
}

func (w *PromptWorker) buildPrompt(ctx context.Context, brief TaskBrief) (string, error) {
	rendered, err := w.briefs.Build(ctx, brief)
	if err != nil {
		return "", err
	}

	if w.prompts != nil {
		prompt, err := w.prompts.Get(string(w.kind), map[string]any{
			"brief":       rendered,
			"task_id":     brief.TaskID,
			"workflow_id": brief.WorkflowID,
			"inputs":      brief.Inputs,
			"feedback":    brief.Feedback,
		})
		if err == nil {
			return prompt, nil
		}
		w.logger.Warn("prompt_registry_error", "error", err, "key", string(w.kind))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s worker.\n\n%s\n", w.kind, rendered)
	b.WriteString("\nReply with one JSON object with the keys status, next_step_hint, ")
	b.WriteString("artifacts, notes, dependencies_satisfied and blocking_issues.\n")
	return b.String(), nil
}

// reply is the JSON shape a generation call must produce.
type reply struct {
	Status                handoff.Status       `json:"status"`
	NextStepHint          handoff.NextStepHint `json:"next_step_hint"`
	Artifacts             []string             `json:"artifacts"`
	Notes                 string               `json:"notes"`
	DependenciesSatisfied []string             `json:"dependencies_satisfied"`
	BlockingIssues        []string             `json:"blocking_issues"`
}

// parseReply turns generated text into a packet. Unusable replies are
// recoverable: a revised brief may produce a usable one.
func (w *PromptWorker) parseReply(brief TaskBrief, text string) (handoff.Packet, error) {
	raw, err := extractJSONObject(text)
	if err != nil {
		return handoff.Packet{}, recovery.Recoverable(fmt.Errorf("%w: %v", recovery.ErrInvalidInput, err))
	}

	var r reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return handoff.Packet{}, recovery.Recoverable(fmt.Errorf("%w: reply: %v", recovery.ErrInvalidInput, err))
	}
	r.Status = handoff.Status(strings.ToUpper(string(r.Status)))

	p := handoff.NewPacket(brief.TaskID, string(w.kind), r.Status, r.NextStepHint,
		handoff.WithWorkflow(brief.WorkflowID),
		handoff.WithArtifacts(r.Artifacts...),
		handoff.WithNotes(r.Notes),
		handoff.WithDependencies(r.DependenciesSatisfied...),
		handoff.WithBlockingIssues(r.BlockingIssues...),
	)
	if err := handoff.Validate(p, time.Time{}); err != nil {
		var verr *handoff.ValidationError
		if errors.As(err, &verr) {
			return handoff.Packet{}, recovery.Recoverable(fmt.Errorf("%w: %v", recovery.ErrInvalidInput, verr))
		}
		return handoff.Packet{}, err
	}
	return p, nil
}

// Helper functions

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// extractJSONObject returns the first balanced JSON object in text.
func extractJSONObject(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return []byte(trimmed), nil
	}

	start := -1
	depth := 0
	for i, c := range text {
		switch c {
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			if start == -1 {
				continue
			}
			depth--
			if depth == 0 {
				candidate := []byte(text[start : i+1])
				if json.Valid(candidate) {
					return candidate, nil
				}
				start = -1
			}
		}
	}
	return nil, fmt.Errorf("no valid JSON object found in response")
}

// Ensure PromptWorker implements Worker.
var _ Worker = (*PromptWorker)(nil)
