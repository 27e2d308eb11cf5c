package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/handoffcore/commbus"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/agents"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/cache"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/config"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/recovery"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/store"
)

// DefaultRecentWindow bounds the in-memory packet window of a workflow.
const DefaultRecentWindow = 32

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConfig sets the core configuration. Defaults to the process config.
func WithConfig(cfg *config.CoreConfig) Option {
	return func(d *Dispatcher) { d.cfg = cfg }
}

// WithStore sets the durable store backing workflows, sessions,
// checkpoints and cache entries. Defaults to a MemoryStore.
func WithStore(s store.Store) Option {
	return func(d *Dispatcher) { d.durable = s }
}

// WithWorkflowStore overrides the workflow store.
func WithWorkflowStore(ws *WorkflowStore) Option {
	return func(d *Dispatcher) { d.workflows = ws }
}

// WithRecoveryManager overrides the recovery manager.
func WithRecoveryManager(m *recovery.Manager) Option {
	return func(d *Dispatcher) { d.recovery = m }
}

// WithResultCache overrides the result cache.
func WithResultCache(c *cache.ResultCache) Option {
	return func(d *Dispatcher) { d.cache = c }
}

// WithBus publishes workflow events on bus.
func WithBus(bus commbus.CommBus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

// WithApprovalChannel delivers approval requests to ch in addition to the
// built-in inbox.
func WithApprovalChannel(ch ApprovalChannel) Option {
	return func(d *Dispatcher) { d.channel = ch }
}

// WithApprovalInbox overrides the built-in inbox.
func WithApprovalInbox(in *ApprovalInbox) Option {
	return func(d *Dispatcher) { d.inbox = in }
}

// WithRemoteWorker lets Submit hand completions to waiting remote
// executions.
func WithRemoteWorker(rw *agents.RemoteWorker) Option {
	return func(d *Dispatcher) { d.remote = rw }
}

// WithManualDispatch disables in-process execution. Dispatched tasks are
// announced on the bus with their brief and complete through Submit.
func WithManualDispatch() Option {
	return func(d *Dispatcher) { d.manual = true }
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithRecentWindow sets how many packets a workflow keeps in memory.
func WithRecentWindow(n int) Option {
	return func(d *Dispatcher) { d.recentWindow = n }
}

// =============================================================================
// Dispatcher
// =============================================================================

// Dispatcher drives workflows from Completion Messages. Transitions of one
// workflow are serialized by the WorkflowStore; workflows are independent.
//
// Usage:
//
//	d, err := kernel.NewDispatcher(routes, registry, kernel.WithStore(redisStore))
//	wf, err := d.Start(ctx, kernel.CreateRequest{Instructions: "add rate limiting"})
//	...
//	tr, err := d.Resolve(ctx, wf.ID, kernel.Decision{Kind: kernel.DecisionApprove})
type Dispatcher struct {
	cfg       *config.CoreConfig
	routes    atomic.Pointer[config.RoutingTable]
	workers   *agents.Registry
	durable   store.Store
	workflows *WorkflowStore
	recovery  *recovery.Manager
	cache     *cache.ResultCache
	bus       commbus.CommBus
	inbox     *ApprovalInbox
	channel   ApprovalChannel
	remote    *agents.RemoteWorker
	manual    bool

	logger       observability.Logger
	tracer       trace.Tracer
	now          func() time.Time
	recentWindow int
	cycles       CycleDetector
	validate     *validator.Validate

	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher over a routing table and a worker
// registry.
func NewDispatcher(routes *config.RoutingTable, workers *agents.Registry, opts ...Option) (*Dispatcher, error) {
	if routes == nil {
		return nil, errors.New("routing table is required")
	}
	d := &Dispatcher{workers: workers}
	for _, opt := range opts {
		opt(d)
	}

	if d.cfg == nil {
		d.cfg = config.GetCoreConfig()
	}
	if err := d.cfg.Validate(); err != nil {
		return nil, err
	}
	d.logger = observability.OrNop(d.logger)
	if d.workers == nil {
		d.workers = agents.NewRegistry()
	}
	if d.durable == nil {
		d.durable = store.NewMemoryStore()
	}
	if d.workflows == nil {
		d.workflows = NewWorkflowStore(d.durable, d.logger)
	}
	if d.cache == nil {
		d.cache = cache.New(d.cfg, d.durable, d.logger)
	}
	if d.recovery == nil {
		d.recovery = recovery.NewManager(
			recovery.NewCheckpointStore(d.durable, d.logger),
			recovery.PolicyFromConfig(d.cfg),
			recovery.WithTaskTimeout(d.cfg.TaskTimeout()),
			recovery.WithLogger(d.logger),
			recovery.WithBreaker(recovery.NewCircuitBreaker(recovery.BreakerConfigFromCore(d.cfg), d.logger)),
		)
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.inbox == nil {
		d.inbox = NewApprovalInbox(d.logger)
		d.inbox.now = d.now
	}
	if d.recentWindow <= 0 {
		d.recentWindow = DefaultRecentWindow
	}
	d.cycles = CycleDetector{Threshold: d.cfg.CycleThreshold, Window: d.cfg.CycleWindow}
	d.validate = validator.New()
	d.tracer = observability.Tracer()
	d.runCtx, d.stop = context.WithCancel(context.Background())
	d.routes.Store(routes)
	return d, nil
}

// Routes returns the active routing table.
func (d *Dispatcher) Routes() *config.RoutingTable {
	return d.routes.Load()
}

// SetRoutes swaps the routing table. Transitions already running finish
// with the table they started with.
func (d *Dispatcher) SetRoutes(t *config.RoutingTable) {
	if t == nil {
		return
	}
	d.routes.Store(t)
	d.logger.Info("routing_table_replaced", "routes", len(t.Routes))
}

// Inbox returns the built-in approval inbox.
func (d *Dispatcher) Inbox() *ApprovalInbox { return d.inbox }

// Cache returns the result cache.
func (d *Dispatcher) Cache() *cache.ResultCache { return d.cache }

// Recovery returns the recovery manager.
func (d *Dispatcher) Recovery() *recovery.Manager { return d.recovery }

// Config returns the core configuration.
func (d *Dispatcher) Config() *config.CoreConfig { return d.cfg }

// Wait blocks until in-flight task executions drain.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels in-flight task executions and waits for them.
func (d *Dispatcher) Close() {
	d.stop()
	d.wg.Wait()
}

// =============================================================================
// Lifecycle
// =============================================================================

// Create creates a workflow in PLANNING with its planning task assigned to
// the entry worker. The task is not executed; see Start.
func (d *Dispatcher) Create(ctx context.Context, req CreateRequest) (*Workflow, error) {
	if err := d.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	entry := req.Entry
	if entry == "" {
		entry = string(agents.KindAnalyst)
	}
	kind, err := agents.ParseWorkerKind(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: entry: %w", ErrInvalidRequest, err)
	}
	req.Entry = string(kind)
	if req.WorkflowID == "" {
		req.WorkflowID = "wf_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	now := d.now().UTC()
	wf := &Workflow{
		ID:         req.WorkflowID,
		Entry:      req.Entry,
		Request:    req,
		Tasks:      make(map[string]*TaskRecord),
		EdgeCounts: make(map[string]int),
		Ledger:     make(handoff.Ledger),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	wf.enter(PhasePlanning)
	planning := d.newTask(wf, Assignment{Source: PlanningSource, Target: config.Target{Worker: req.Entry}})
	wf.Tasks[planning.TaskID] = planning

	if err := d.workflows.Create(ctx, wf); err != nil {
		return nil, err
	}

	d.publish(ctx, &commbus.WorkflowStarted{WorkflowID: wf.ID, Entry: wf.Entry, TaskID: planning.TaskID, At: now})
	d.logger.Info("workflow_created", "workflow_id", wf.ID, "entry", wf.Entry, "task_id", planning.TaskID)
	return wf.Clone(), nil
}

// Start creates a workflow and executes its planning task.
func (d *Dispatcher) Start(ctx context.Context, req CreateRequest) (*Workflow, error) {
	wf, err := d.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, id := range wf.ActiveTasks() {
		d.launch(launch{task: wf.Tasks[id].clone()})
	}
	return wf, nil
}

// Get returns a copy of a workflow.
func (d *Dispatcher) Get(_ context.Context, workflowID string) (*Workflow, error) {
	return d.workflows.Get(workflowID)
}

// List returns copies of every workflow, oldest first.
func (d *Dispatcher) List(_ context.Context) []*Workflow {
	return d.workflows.List()
}

// History returns the full Completion Message log of a workflow.
func (d *Dispatcher) History(ctx context.Context, workflowID string) ([]cache.SessionRecord, error) {
	if _, err := d.workflows.Get(workflowID); err != nil {
		return nil, err
	}
	return d.cache.Session().History(ctx, workflowID)
}

// =============================================================================
// Completions
// =============================================================================

// HandleCompletion is the transition function. The packet is validated
// against the workflow's ledger, written ahead to the session log, and
// then routed: cycle policy, human gate, routing lookup, join barrier.
func (d *Dispatcher) HandleCompletion(ctx context.Context, p handoff.Packet) (*Transition, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.handle_completion", trace.WithAttributes(
		attribute.String("workflow_id", p.WorkflowID),
		attribute.String("task_id", p.TaskID),
		attribute.String("worker", p.WorkerID),
	))
	defer span.End()

	if p.WorkflowID == "" {
		observability.RecordPacketRejected("workflow_id")
		err := &handoff.ValidationError{TaskID: p.TaskID, Field: "workflow_id", Reason: "is required"}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	logger := d.logger.Bind("workflow_id", p.WorkflowID, "task_id", p.TaskID)
	fx := &effects{}
	var tr *Transition
	err := d.workflows.Update(ctx, p.WorkflowID, func(wf *Workflow) error {
		var err error
		tr, err = d.completion(ctx, wf, p, fx, logger)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("completion_rejected", "error", err)
		return nil, err
	}

	d.apply(ctx, fx)
	d.recordTransition(tr)
	span.SetAttributes(attribute.String("phase", string(tr.To)))
	logger.Info("completion_handled",
		"status", string(p.Status),
		"hint", string(p.NextStepHint),
		"from", string(tr.From),
		"to", string(tr.To),
		"dispatched", len(tr.Dispatched),
	)
	return tr, nil
}

// Submit accepts a completion from an external worker. A final completion
// for a task whose remote execution is waiting is handed to that execution
// and the transition is Deferred; everything else is handled directly.
func (d *Dispatcher) Submit(ctx context.Context, p handoff.Packet) (*Transition, error) {
	if err := handoff.Validate(p, time.Time{}); err != nil {
		var verr *handoff.ValidationError
		if errors.As(err, &verr) {
			observability.RecordPacketRejected(verr.Field)
		}
		return nil, err
	}

	if d.remote != nil && p.Status != handoff.StatusPending && d.remote.Deliver(p) {
		tr := &Transition{WorkflowID: p.WorkflowID, TaskID: p.TaskID, Deferred: true}
		if wf, err := d.workflows.Get(p.WorkflowID); err == nil {
			tr.From, tr.To = wf.Phase, wf.Phase
		}
		d.logger.Debug("completion_deferred", "workflow_id", p.WorkflowID, "task_id", p.TaskID)
		return tr, nil
	}
	return d.HandleCompletion(ctx, p)
}

// =============================================================================
// Approvals
// =============================================================================

// Resolve applies a human decision to the workflow's pending approval.
func (d *Dispatcher) Resolve(ctx context.Context, workflowID string, dec Decision) (*Transition, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.resolve", trace.WithAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("decision", string(dec.Kind)),
	))
	defer span.End()

	switch dec.Kind {
	case DecisionApprove, DecisionReject:
	case DecisionChanges:
		if strings.TrimSpace(dec.Feedback) == "" {
			return nil, fmt.Errorf("%w: CHANGES requires feedback", ErrInvalidDecision)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, dec.Kind)
	}

	fx := &effects{}
	var tr *Transition
	var requestID string
	err := d.workflows.Update(ctx, workflowID, func(wf *Workflow) error {
		if wf.Phase.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrWorkflowTerminal, wf.ID, wf.Phase)
		}
		req := wf.Pending
		if req == nil || wf.Phase != PhaseAwaitingApproval {
			return fmt.Errorf("%w: %s", ErrNoPendingApproval, wf.ID)
		}
		requestID = req.ID
		tr = d.resolve(wf, req, dec, fx)
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	d.inbox.Resolve(requestID, dec)
	observability.RecordApprovalDecision(string(dec.Kind))
	d.apply(ctx, fx)
	d.recordTransition(tr)
	d.logger.Info("approval_applied",
		"workflow_id", workflowID,
		"request_id", requestID,
		"decision", string(dec.Kind),
		"approver", dec.Approver,
		"to", string(tr.To),
	)
	return tr, nil
}

// Cancel fails a workflow. Nothing further is dispatched; results of tasks
// still running are recorded when they arrive.
func (d *Dispatcher) Cancel(ctx context.Context, workflowID, reason string) error {
	annotation := "cancelled"
	if reason != "" {
		annotation = "cancelled: " + reason
	}

	fx := &effects{}
	var pendingID string
	var tr *Transition
	err := d.workflows.Update(ctx, workflowID, func(wf *Workflow) error {
		if wf.Phase.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrWorkflowTerminal, wf.ID, wf.Phase)
		}
		if wf.Pending != nil {
			pendingID = wf.Pending.ID
		}
		tr = &Transition{WorkflowID: wf.ID, From: wf.Phase}
		d.finish(wf, PhaseFailed, annotation, fx)
		tr.To, tr.Annotation = wf.Phase, wf.Annotation
		return nil
	})
	if err != nil {
		return err
	}

	if pendingID != "" {
		d.inbox.Cancel(pendingID, annotation)
	}
	d.apply(ctx, fx)
	d.recordTransition(tr)
	d.logger.Info("workflow_cancelled", "workflow_id", workflowID, "reason", reason)
	return nil
}

// =============================================================================
// Archival and recovery
// =============================================================================

// Archive removes a terminal workflow together with its session history,
// checkpoints and approval requests.
func (d *Dispatcher) Archive(ctx context.Context, workflowID string) error {
	records := 0
	err := d.workflows.Remove(ctx, workflowID, func(wf *Workflow) error {
		if !wf.Phase.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrWorkflowActive, wf.ID, wf.Phase)
		}
		n, err := d.cache.Session().Archive(ctx, wf.ID)
		if err != nil {
			return fmt.Errorf("archive session %s: %w", wf.ID, err)
		}
		records = n
		if _, err := d.recovery.Store().PurgeWorkflow(ctx, wf.ID); err != nil {
			return fmt.Errorf("purge checkpoints %s: %w", wf.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.inbox.Forget(workflowID)
	d.logger.Info("workflow_archived", "workflow_id", workflowID, "session_records", records)
	return nil
}

// Recover reloads persisted workflows and restarts their active tasks.
// Tasks whose checkpoint already escalated go straight back to a human;
// all others resume from their checkpoint. Pending approvals are
// re-delivered. Returns the number of tasks restarted.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	loaded, err := d.workflows.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load workflows: %w", err)
	}
	active, err := d.recovery.Restore(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore checkpoints: %w", err)
	}
	restorable := make(map[string]*recovery.Checkpoint, len(active))
	for _, cp := range active {
		restorable[cp.WorkflowID+"/"+cp.TaskID] = cp
	}

	resumed := 0
	for _, wf := range d.workflows.List() {
		if wf.Phase.IsTerminal() {
			continue
		}
		if wf.Pending != nil {
			d.deliverApproval(ctx, wf.Pending)
		}
		for _, id := range wf.ActiveTasks() {
			rec := wf.Tasks[id].clone()
			if _, ok := restorable[wf.ID+"/"+id]; !ok {
				cp, err := d.recovery.Store().Load(ctx, wf.ID, id)
				if err == nil && cp.State == recovery.TaskEscalated {
					d.escalate(ctx, rec, recovery.Outcome{
						State:      recovery.TaskEscalated,
						Class:      cp.ErrorClass,
						Err:        errors.New(cp.LastError),
						Attempts:   cp.Attempt,
						Checkpoint: cp,
					})
					continue
				}
			}
			d.launch(launch{task: rec, resume: true})
			resumed++
		}
	}

	d.logger.Info("dispatcher_recovered", "workflows", loaded, "checkpoints", len(active), "tasks_resumed", resumed)
	return resumed, nil
}

// =============================================================================
// Effects
// =============================================================================

// effects are collected inside a transition and applied after it commits.
type effects struct {
	events   []commbus.Message
	launches []launch
	approval *ApprovalRequest
	purge    string
}

func (fx *effects) publish(ev commbus.Message) {
	fx.events = append(fx.events, ev)
}

func (d *Dispatcher) apply(ctx context.Context, fx *effects) {
	for _, ev := range fx.events {
		d.publish(ctx, ev)
	}
	if fx.approval != nil {
		d.deliverApproval(ctx, fx.approval)
	}
	if fx.purge != "" {
		if n, err := d.recovery.Store().PurgeWorkflow(context.WithoutCancel(ctx), fx.purge); err != nil {
			d.logger.Warn("checkpoint_purge_failed", "workflow_id", fx.purge, "error", err)
		} else if n > 0 {
			d.logger.Debug("checkpoints_purged", "workflow_id", fx.purge, "count", n)
		}
	}
	for _, l := range fx.launches {
		d.launch(l)
	}
}

func (d *Dispatcher) publish(ctx context.Context, ev commbus.Message) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		d.logger.Warn("event_publish_failed", "type", commbus.GetMessageType(ev), "error", err)
	}
}

func (d *Dispatcher) deliverApproval(ctx context.Context, req *ApprovalRequest) {
	if err := d.inbox.RequestApproval(ctx, *req); err != nil {
		d.logger.Warn("approval_delivery_failed", "request_id", req.ID, "error", err)
	}
	if d.channel == nil || d.channel == ApprovalChannel(d.inbox) {
		return
	}
	if err := d.channel.RequestApproval(ctx, *req.Clone()); err != nil {
		d.logger.Warn("approval_delivery_failed", "request_id", req.ID, "error", err)
	}
}

func (d *Dispatcher) recordTransition(tr *Transition) {
	if tr != nil && tr.From != tr.To {
		observability.RecordTransition(string(tr.From), string(tr.To))
	}
}
