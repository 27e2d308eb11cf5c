package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TaskFunc executes one attempt of a task.
type TaskFunc func(ctx context.Context, task *Task) (handoff.Packet, error)

// Outcome is the final result of Manager.Run.
type Outcome struct {
	State    TaskState
	Packet   handoff.Packet
	Class    ErrorClass
	Err      error
	Attempts int
	// Delays are the backoff delays slept between transient retries.
	Delays     []time.Duration
	Checkpoint *Checkpoint
}

// Task is the handle an executing attempt uses to read its checkpoint and
// record sub-step outputs.
type Task struct {
	cp     *Checkpoint
	store  *CheckpointStore
	mu     sync.Mutex
	closed bool
}

func newTask(cp *Checkpoint, store *CheckpointStore) *Task {
	return &Task{cp: cp.Clone(), store: store}
}

// close ends the attempt and returns the steps it recorded. Steps finishing
// afterwards are not checkpointed.
func (t *Task) close() map[string]json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return t.cp.Clone().Steps
}

// Attempt returns the 1-based attempt number.
func (t *Task) Attempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cp.Attempt
}

// Feedback returns the failure reasons collected for brief revision.
func (t *Task) Feedback() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.cp.Feedback...)
}

// Brief returns the encoded task brief.
func (t *Task) Brief() json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append(json.RawMessage(nil), t.cp.Brief...)
}

// Checkpoint returns a copy of the current checkpoint.
func (t *Task) Checkpoint() *Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cp.Clone()
}

type taskContextKey struct{}

// ContextWithTask returns a copy of ctx carrying task.
func ContextWithTask(ctx context.Context, task *Task) context.Context {
	return context.WithValue(ctx, taskContextKey{}, task)
}

// TaskFromContext returns the task executing under ctx, or nil.
func TaskFromContext(ctx context.Context) *Task {
	task, _ := ctx.Value(taskContextKey{}).(*Task)
	return task
}

// Step runs fn as a named sub-step of task. When the checkpoint already
// holds an output for name, fn is skipped and the stored output returned.
// Otherwise the output is checkpointed before Step returns; a failed save
// is a *CheckpointError. A nil task runs fn without checkpointing.
func Step[T any](ctx context.Context, task *Task, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	if task == nil {
		return fn(ctx)
	}

	task.mu.Lock()
	raw, done := task.cp.Steps[name]
	task.mu.Unlock()
	if done {
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, Fatal(fmt.Errorf("%w: step %s: %v", ErrCorrupt, name, err))
		}
		return out, nil
	}

	out, err := fn(ctx)
	if err != nil {
		return out, err
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return out, Fatal(fmt.Errorf("encode step %s: %w", name, err))
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	if task.closed {
		return out, fmt.Errorf("step %s finished after its attempt ended: %w", name, context.DeadlineExceeded)
	}
	task.cp.Steps[name] = encoded
	if err := task.store.Save(ctx, task.cp); err != nil {
		return out, err
	}
	return out, nil
}

// =============================================================================
// Manager
// =============================================================================

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSleep replaces the backoff sleep.
func WithSleep(fn SleepFunc) ManagerOption {
	return func(m *Manager) { m.sleep = fn }
}

// WithTaskTimeout sets the per-attempt deadline. Zero disables it.
func WithTaskTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) { m.logger = observability.OrNop(logger) }
}

// WithBreaker sets the circuit breaker. A nil breaker disables it.
func WithBreaker(b *CircuitBreaker) ManagerOption {
	return func(m *Manager) { m.breaker = b }
}

// Manager runs tasks through the retry pipeline. It is the only place
// that retries.
type Manager struct {
	store   *CheckpointStore
	policy  RetryPolicy
	breaker *CircuitBreaker
	timeout time.Duration
	sleep   SleepFunc
	logger  observability.Logger
	tracer  trace.Tracer
}

// NewManager creates a Manager.
func NewManager(store *CheckpointStore, policy RetryPolicy, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		policy: policy,
		sleep:  sleepContext,
		logger: observability.NopLogger(),
		tracer: observability.Tracer(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the checkpoint store.
func (m *Manager) Store() *CheckpointStore {
	return m.store
}

// Breaker returns the circuit breaker, or nil.
func (m *Manager) Breaker() *CircuitBreaker {
	return m.breaker
}

// Run drives cp through RUNNING → {SUCCEEDED | RETRYING → RUNNING |
// ESCALATED | FAILED}. It checkpoints before every attempt. Transient
// errors retry with backoff up to MaxAttempts times, recoverable errors
// are retried MaxRecoverable times with the failure appended to the
// feedback, and everything else escalates. Cancellation of ctx fails the
// task.
func (m *Manager) Run(ctx context.Context, cp *Checkpoint, fn TaskFunc) Outcome {
	ctx, span := m.tracer.Start(ctx, "recovery.run", trace.WithAttributes(
		attribute.String("workflow_id", cp.WorkflowID),
		attribute.String("task_id", cp.TaskID),
		attribute.String("worker", cp.Worker),
	))
	defer span.End()

	if cp.Steps == nil {
		cp.Steps = make(map[string]json.RawMessage)
	}
	logger := m.logger.Bind("workflow_id", cp.WorkflowID, "task_id", cp.TaskID, "worker", cp.Worker)
	started := time.Now()
	startAttempt := cp.Attempt

	var delays []time.Duration
	var prevDelay time.Duration

	finish := func(state TaskState, packet handoff.Packet, err error) Outcome {
		cp.State = state
		class := Classify(err)
		if err != nil {
			cp.ErrorClass = class
			cp.LastError = err.Error()
		}
		if saveErr := m.store.Save(context.WithoutCancel(ctx), cp); saveErr != nil && err == nil {
			logger.Warn("checkpoint_final_save_failed", "error", saveErr)
		}

		observability.RecordTaskExecution(cp.Worker, string(state), int(time.Since(started).Milliseconds()))
		span.SetAttributes(attribute.String("state", string(state)), attribute.Int("attempts", cp.Attempt-startAttempt))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return Outcome{
			State:      state,
			Packet:     packet,
			Class:      class,
			Err:        err,
			Attempts:   cp.Attempt - startAttempt,
			Delays:     delays,
			Checkpoint: cp.Clone(),
		}
	}

	escalate := func(err error) Outcome {
		logger.Warn("task_escalated",
			"error_class", string(Classify(err)),
			"error", err,
			"attempt", cp.Attempt,
			"retries", cp.Retries,
			"revisions", cp.Revisions,
		)
		return finish(TaskEscalated, handoff.Packet{}, err)
	}

	// Every admitted attempt reports exactly one outcome to the breaker:
	// record for worker faults, release for everything else.
	record := func(success bool) {
		if m.breaker != nil {
			m.breaker.Record(cp.Worker, success)
		}
	}
	release := func() {
		if m.breaker != nil {
			m.breaker.Release(cp.Worker)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(TaskFailed, handoff.Packet{}, err)
		}
		if m.breaker != nil {
			if err := m.breaker.Allow(cp.Worker); err != nil {
				return escalate(err)
			}
		}

		cp.Attempt++
		cp.State = TaskRunning
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if m.timeout > 0 {
			cp.Deadline = time.Now().Add(m.timeout).UTC()
			attemptCtx, cancel = context.WithDeadline(ctx, cp.Deadline)
		}
		if err := m.store.Save(ctx, cp); err != nil {
			cancel()
			release()
			// Never run past an unsaved checkpoint.
			return escalate(err)
		}

		task := newTask(cp, m.store)
		packet, err := m.attempt(ContextWithTask(attemptCtx, task), task, fn, logger)
		cancel()
		cp.Steps = task.close()

		if err == nil {
			record(true)
			cp.ErrorClass, cp.LastError = "", ""
			return finish(TaskSucceeded, packet, nil)
		}

		if ctx.Err() != nil {
			release()
			return finish(TaskFailed, handoff.Packet{}, fmt.Errorf("task cancelled: %w", errors.Join(ctx.Err(), err)))
		}

		class := Classify(err)
		cp.ErrorClass = class
		cp.LastError = err.Error()
		observability.RecordRetry(cp.Worker, string(class))

		var checkpointErr *CheckpointError
		if errors.As(err, &checkpointErr) {
			release()
			return escalate(err)
		}

		switch class {
		case ClassTransient:
			record(false)
			if cp.Retries >= m.policy.MaxAttempts {
				return escalate(err)
			}
			delay := m.policy.Delay(cp.Retries)
			if delay < prevDelay {
				delay = prevDelay
			}
			prevDelay = delay
			cp.Retries++
			cp.State = TaskRetrying
			if saveErr := m.store.Save(ctx, cp); saveErr != nil {
				return escalate(saveErr)
			}
			logger.Info("task_retry_scheduled", "error", err, "retry", cp.Retries, "delay_ms", delay.Milliseconds())
			delays = append(delays, delay)
			if err := m.sleep(ctx, delay); err != nil {
				return finish(TaskFailed, handoff.Packet{}, err)
			}

		case ClassRecoverable:
			// Bad input says nothing about the worker's health.
			release()
			if cp.Revisions >= m.policy.MaxRecoverable {
				return escalate(err)
			}
			cp.Revisions++
			cp.Feedback = append(cp.Feedback, "previous attempt failed: "+err.Error())
			cp.State = TaskRetrying
			if saveErr := m.store.Save(ctx, cp); saveErr != nil {
				return escalate(saveErr)
			}
			logger.Info("task_brief_revised", "error", err, "revision", cp.Revisions)

		default:
			record(false)
			return escalate(err)
		}
	}
}

// attempt runs fn, converting a panic into a fatal error. It returns as
// soon as ctx ends; a result delivered after that is dropped and a missed
// deadline is transient.
func (m *Manager) attempt(ctx context.Context, task *Task, fn TaskFunc, logger observability.Logger) (handoff.Packet, error) {
	type result struct {
		packet handoff.Packet
		err    error
	}
	done := make(chan result, 1)

	go func() {
		var res result
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic_recovered", "operation", "task_attempt", "panic", r, "stack", string(debug.Stack()))
				res = result{err: Fatal(fmt.Errorf("panic in task: %v", r))}
			}
			done <- res
		}()
		res.packet, res.err = fn(ctx, task)
	}()

	select {
	case res := <-done:
		if ctx.Err() == nil {
			return res.packet, res.err
		}
		return handoff.Packet{}, m.attemptAborted(ctx)
	case <-ctx.Done():
		return handoff.Packet{}, m.attemptAborted(ctx)
	}
}

func (m *Manager) attemptAborted(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Transient(fmt.Errorf("task deadline of %s exceeded: %w", m.timeout, context.DeadlineExceeded))
	}
	return ctx.Err()
}

// Restore returns the checkpoints a restart must resume: every task left
// RUNNING or RETRYING.
func (m *Manager) Restore(ctx context.Context) ([]*Checkpoint, error) {
	all, err := m.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	active := make([]*Checkpoint, 0)
	for _, cp := range all {
		if cp.State.IsActive() {
			active = append(active, cp)
		}
	}
	m.logger.Info("checkpoints_restored", "total", len(all), "active", len(active))
	return active, nil
}
