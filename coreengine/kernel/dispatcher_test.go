package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/handoffcore/commbus"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/agents"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/config"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/store"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/testutil"
)

// =============================================================================
// Helpers
// =============================================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func target(worker, brief string) config.Target {
	return config.Target{Worker: worker, Brief: brief}
}

// testRoutes is a small pipeline with a review loop, a fan-out, a
// catch-all completion and an approval route.
func testRoutes() *config.RoutingTable {
	return config.MustRoutingTable(
		config.Route{From: "analyst", Hint: "needs_design", To: []config.Target{target("designer", "design it")}},
		config.Route{From: "designer", Hint: "needs_review", To: []config.Target{target("reviewer", "review the design")}},
		config.Route{From: "reviewer", Hint: "needs_design", To: []config.Target{target("designer", "")}},
		config.Route{From: "designer", Hint: "needs_implementation", To: []config.Target{target("implementer", "build it")}},
		config.Route{From: "implementer", Hint: "needs_review", To: []config.Target{
			target("reviewer", "review the change"),
			target("security_scanner", "scan the change"),
		}},
		config.Route{From: "reviewer", Hint: "needs_testing", To: []config.Target{target("tester", "test it")}},
		config.Route{From: "tester", Hint: "needs_deployment", To: []config.Target{target("deployer", "ship it")}},
		config.Route{From: "deployer", Hint: config.AnyHint, Complete: true},
		config.Route{From: "documenter", Hint: "needs_review", Approval: true, Reason: "docs sign-off"},
	)
}

func testConfig() *config.CoreConfig {
	cfg := config.DefaultCoreConfig()
	cfg.RetryBaseDelayMS = 1
	cfg.RetryMaxDelayMS = 2
	return cfg
}

type harness struct {
	d      *Dispatcher
	logger *testutil.MockLogger
	clock  *fakeClock
	events *eventRecorder
}

// newHarness builds a manual-dispatch dispatcher on a fake clock with every
// event recorded.
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		logger: testutil.NewMockLogger(),
		clock:  newFakeClock(),
	}
	bus := commbus.NewInMemoryCommBus(time.Second, nil)
	h.events = recordEvents(bus)

	base := []Option{
		WithConfig(testConfig()),
		WithLogger(h.logger),
		WithClock(h.clock.Now),
		WithBus(bus),
		WithManualDispatch(),
	}
	d, err := NewDispatcher(testRoutes(), agents.NewRegistry(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	h.d = d
	return h
}

func (h *harness) create(t *testing.T, entry string) *Workflow {
	t.Helper()
	wf, err := h.d.Create(context.Background(), CreateRequest{Instructions: "add rate limiting", Entry: entry})
	require.NoError(t, err)
	return wf
}

func (h *harness) complete(t *testing.T, wfID, taskID, worker string, status handoff.Status, hint handoff.NextStepHint, opts ...handoff.PacketOption) *Transition {
	t.Helper()
	tr, err := h.d.HandleCompletion(context.Background(), packet(wfID, taskID, worker, status, hint, opts...))
	require.NoError(t, err)
	return tr
}

func (h *harness) get(t *testing.T, wfID string) *Workflow {
	t.Helper()
	wf, err := h.d.Get(context.Background(), wfID)
	require.NoError(t, err)
	return wf
}

func packet(wfID, taskID, worker string, status handoff.Status, hint handoff.NextStepHint, opts ...handoff.PacketOption) handoff.Packet {
	return handoff.NewPacket(taskID, worker, status, hint, append([]handoff.PacketOption{handoff.WithWorkflow(wfID)}, opts...)...)
}

type eventRecorder struct {
	mu       sync.Mutex
	messages []commbus.Message
}

func recordEvents(bus commbus.CommBus) *eventRecorder {
	r := &eventRecorder{}
	for _, eventType := range commbus.EventTypes {
		bus.Subscribe(eventType, func(_ context.Context, msg commbus.Message) (any, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, msg)
			return nil, nil
		})
	}
	return r
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, commbus.GetMessageType(m))
	}
	return out
}

func (r *eventRecorder) all() []commbus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]commbus.Message(nil), r.messages...)
}

type recordingChannel struct {
	mu       sync.Mutex
	requests []ApprovalRequest
}

func (c *recordingChannel) RequestApproval(_ context.Context, req ApprovalRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return nil
}

func (c *recordingChannel) received() []ApprovalRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ApprovalRequest(nil), c.requests...)
}

// =============================================================================
// Construction
// =============================================================================

func TestNewDispatcherRequiresRoutes(t *testing.T) {
	_, err := NewDispatcher(nil, agents.NewRegistry())
	require.Error(t, err)
}

func TestNewDispatcherRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultCoreConfig()
	cfg.CycleThreshold = 0

	_, err := NewDispatcher(testRoutes(), nil, WithConfig(cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid core config")
}

func TestSetRoutes(t *testing.T) {
	h := newHarness(t)
	original := h.d.Routes()

	h.d.SetRoutes(nil)
	assert.Same(t, original, h.d.Routes())

	replacement := config.MustRoutingTable(config.Route{From: "analyst", Hint: "needs_design", Complete: true})
	h.d.SetRoutes(replacement)
	assert.Same(t, replacement, h.d.Routes())

	wf := h.create(t, "")
	tr := h.complete(t, wf.ID, "t001-analyst", "analyst", handoff.StatusSuccess, handoff.HintNeedsDesign)
	assert.Equal(t, PhaseCompleted, tr.To)
}

// =============================================================================
// Create
// =============================================================================

func TestCreate(t *testing.T) {
	h := newHarness(t)
	wf, err := h.d.Create(context.Background(), CreateRequest{
		Instructions: "add rate limiting",
		Inputs:       map[string]any{"repo": "billing"},
	})
	require.NoError(t, err)

	assert.Regexp(t, `^wf_[0-9a-f]{32}$`, wf.ID)
	assert.Equal(t, PhasePlanning, wf.Phase)
	assert.Equal(t, StatusActive, wf.Status)
	assert.Equal(t, "analyst", wf.Entry)
	assert.Equal(t, []string{"t001-analyst"}, wf.ActiveTasks())

	task := wf.Tasks["t001-analyst"]
	assert.Equal(t, PlanningSource, task.Source)
	assert.Equal(t, "add rate limiting", task.Brief.Instructions)
	assert.Equal(t, wf.ID, task.Brief.WorkflowID)
	assert.Equal(t, "billing", task.Brief.Inputs["repo"])

	assert.Equal(t, []string{"WorkflowStarted"}, h.events.types())
	assert.True(t, h.logger.HasLog("info", "workflow_created"))
}

func TestCreateErrors(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing instructions", CreateRequest{}},
		{"unknown entry", CreateRequest{Instructions: "x", Entry: "janitor"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.d.Create(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestCreateDuplicateID(t *testing.T) {
	h := newHarness(t)
	req := CreateRequest{WorkflowID: "wf_fixed", Instructions: "x"}

	_, err := h.d.Create(context.Background(), req)
	require.NoError(t, err)
	_, err = h.d.Create(context.Background(), req)
	assert.ErrorIs(t, err, ErrWorkflowExists)
}

// =============================================================================
// Routing
// =============================================================================

func TestAnalystToDesigner(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "")

	tr := h.complete(t, wf.ID, "t001-analyst", "analyst", handoff.StatusSuccess, handoff.HintNeedsDesign,
		handoff.WithArtifacts("docs/requirements.md"))

	assert.Equal(t, PhasePlanning, tr.From)
	assert.Equal(t, PhaseAwaitingWorker, tr.To)
	assert.Equal(t, []string{"t002-designer"}, tr.Dispatched)

	got := h.get(t, wf.ID)
	assert.Equal(t, TaskDone, got.Tasks["t001-analyst"].State)
	designer := got.Tasks["t002-designer"]
	require.NotNil(t, designer)
	assert.Equal(t, "analyst", designer.Source)
	assert.Equal(t, "t001-analyst", designer.ParentTaskID)
	assert.Equal(t, "design it", designer.Brief.Instructions)
	assert.Equal(t, []string{"docs/requirements.md"}, designer.Brief.Inputs[UpstreamArtifactsInput])
	assert.Equal(t, 1, got.PacketCount)
	assert.Len(t, got.Recent, 1)

	assert.Equal(t, []string{"WorkflowStarted", "TaskCompleted", "TaskDispatched"}, h.events.types())
	dispatched, ok := h.events.all()[2].(*commbus.TaskDispatched)
	require.True(t, ok)
	assert.True(t, dispatched.Remote)
	assert.Contains(t, string(dispatched.Brief), `"task_id":"t002-designer"`)
}

func TestEmptyTargetBriefFallsBackToInstructions(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "reviewer")

	tr := h.complete(t, wf.ID, "t001-reviewer", "reviewer", handoff.StatusFailure, handoff.HintNeedsDesign)
	require.Equal(t, []string{"t002-designer"}, tr.Dispatched)
	assert.Equal(t, "add rate limiting", h.get(t, wf.ID).Tasks["t002-designer"].Brief.Instructions)
}

func TestGatedHintsRequireApproval(t *testing.T) {
	tests := []struct {
		hint     handoff.NextStepHint
		dispatch int
	}{
		{handoff.HintNeedsDeployment, 1},
		{handoff.HintDestructiveChange, 0},
		{handoff.HintAmbiguousSpec, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.hint), func(t *testing.T) {
			h := newHarness(t)
			wf := h.create(t, "tester")

			tr := h.complete(t, wf.ID, "t001-tester", "tester", handoff.StatusSuccess, tt.hint)

			assert.Equal(t, PhaseAwaitingApproval, tr.To)
			require.NotNil(t, tr.Approval)
			assert.Equal(t, ApprovalGate, tr.Approval.Kind)
			assert.Equal(t, "hint "+string(tt.hint)+" requires approval", tr.Approval.Reason)
			assert.Len(t, tr.Approval.Dispatch, tt.dispatch)
			assert.Empty(t, tr.Dispatched)

			got := h.get(t, wf.ID)
			assert.Equal(t, StatusAwaitingApproval, got.Status)
			require.NotNil(t, got.Pending)
			assert.Equal(t, tr.Approval.ID, got.Pending.ID)
			assert.Equal(t, h.clock.Now().Add(24*time.Hour), got.Pending.ExpiresAt)

			pending := h.d.Inbox().Pending()
			require.Len(t, pending, 1)
			assert.Equal(t, tr.Approval.ID, pending[0].ID)
		})
	}
}

func TestConfiguredGatedHint(t *testing.T) {
	rt := testRoutes()
	rt.Gates.Hints = []string{"needs_security_scan"}
	require.NoError(t, rt.Validate())

	h := newHarness(t)
	h.d.SetRoutes(rt)
	wf := h.create(t, "")

	tr := h.complete(t, wf.ID, "t001-analyst", "analyst", handoff.StatusSuccess, handoff.HintNeedsSecurityScan)
	assert.Equal(t, PhaseAwaitingApproval, tr.To)
	assert.Equal(t, ApprovalGate, tr.Approval.Kind)
}

func TestGatedArtifact(t *testing.T) {
	rt := testRoutes()
	rt.Gates.Artifacts = []string{"migrations/**"}
	require.NoError(t, rt.Validate())

	h := newHarness(t)
	h.d.SetRoutes(rt)
	wf := h.create(t, "")

	tr := h.complete(t, wf.ID, "t001-analyst", "analyst", handoff.StatusSuccess, handoff.HintNeedsDesign,
		handoff.WithArtifacts("src/app.go", "migrations/2026/001_accounts.sql"))

	assert.Equal(t, PhaseAwaitingApproval, tr.To)
	assert.Equal(t, "artifact migrations/2026/001_accounts.sql matches gate migrations/**", tr.Approval.Reason)
	require.Len(t, tr.Approval.Dispatch, 1)
	assert.Equal(t, "designer", tr.Approval.Dispatch[0].Target.Worker)
}

func TestCompleteHintEndsWorkflow(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "security_scanner")

	tr := h.complete(t, wf.ID, "t001-security_scanner", "security_scanner", handoff.StatusSuccess, handoff.HintComplete)

	assert.Equal(t, PhaseCompleted, tr.To)
	assert.Equal(t, "all branches complete", tr.Annotation)
	got := h.get(t, wf.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.False(t, got.FinishedAt.IsZero())
	assert.Contains(t, h.events.types(), "WorkflowCompleted")
}

func TestNoRouteRequestsApproval(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "")

	tr := h.complete(t, wf.ID, "t001-analyst", "analyst", handoff.StatusBlocked, handoff.HintNeedsDebugging,
		handoff.WithBlockingIssues("ISSUE-7"))

	assert.Equal(t, PhaseAwaitingApproval, tr.To)
	assert.Equal(t, ApprovalNoRoute, tr.Approval.Kind)
	assert.Equal(t, "no route found", tr.Approval.Reason)
	assert.True(t, h.logger.HasLog("warn", "routing_miss"))
}

// =============================================================================
// Approvals
// =============================================================================

func TestApproveResumesDispatch(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "tester")
	gate := h.complete(t, wf.ID, "t001-tester", "tester", handoff.StatusSuccess, handoff.HintNeedsDeployment)

	tr, err := h.d.Resolve(context.Background(), wf.ID, Decision{Kind: DecisionApprove, Approver: "ops-oncall"})
	require.NoError(t, err)

	assert.Equal(t, PhaseAwaitingApproval, tr.From)
	assert.Equal(t, PhaseAwaitingWorker, tr.To)
	assert.Equal(t, []string{"t002-deployer"}, tr.Dispatched)
	require.NotNil(t, tr.Approval)
	assert.Equal(t, ApprovalResolved, tr.Approval.Status)

	req := h.d.Inbox().Get(gate.Approval.ID)
	require.NotNil(t, req)
	assert.Equal(t, ApprovalResolved, req.Status)
	assert.Equal(t, "ops-oncall", req.Decision.Approver)
	assert.Nil(t, h.get(t, wf.ID).Pending)

	done := h.complete(t, wf.ID, "t002-deployer", "deployer", handoff.StatusSuccess, "deployed")
	assert.Equal(t, PhaseCompleted, done.To)

	types := h.events.types()
	assert.Contains(t, types, "ApprovalRequested")
	assert.Contains(t, types, "ApprovalResolved")
	assert.Equal(t, "WorkflowCompleted", types[len(types)-1])
}

func TestChangesOnGateCarriesFeedback(t *testing.T) {
	rt := testRoutes()
	rt.Gates.Artifacts = []string{"migrations/**"}
	require.NoError(t, rt.Validate())

	h := newHarness(t)
	h.d.SetRoutes(rt)
	wf := h.create(t, "")
	h.complete(t, wf.ID, "t001-analyst", "analyst", handoff.StatusSuccess, handoff.HintNeedsDesign,
		handoff.WithArtifacts("migrations/001.sql"))

	tr, err := h.d.Resolve(context.Background(), wf.ID, Decision{Kind: DecisionChanges, Feedback: "split the migration"})
	require.NoError(t, err)

	require.Equal(t, []string{"t002-designer"}, tr.Dispatched)
	designer := h.get(t, wf.ID).Tasks["t002-designer"]
	assert.Equal(t, []string{"split the migration"}, designer.Brief.Feedback)
	assert.Equal(t, "design it", designer.Brief.Instructions)
}

func TestChangesOnNoRouteReworks(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "")
	h.complete(t, wf.ID, "t001-analyst", "analyst", handoff.StatusSuccess, handoff.HintNeedsDebugging,
		handoff.WithArtifacts("notes.md"))

	tr, err := h.d.Resolve(context.Background(), wf.ID, Decision{Kind: DecisionChanges, Feedback: "be more specific"})
	require.NoError(t, err)

	require.Equal(t, []string{"t002-analyst"}, tr.Dispatched)
	rework := h.get(t, wf.ID).Tasks["t002-analyst"]
	assert.Equal(t, PlanningSource, rework.Source)
	assert.Equal(t, "add rate limiting", rework.Brief.Instructions)
	assert.Equal(t, []string{"be more specific"}, rework.Brief.Feedback)
	assert.Equal(t, []string{"notes.md"}, rework.Brief.Inputs[UpstreamArtifactsInput])
}

func TestRejectFailsWorkflow(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "tester")
	h.complete(t, wf.ID, "t001-tester", "tester", handoff.StatusSuccess, handoff.HintDestructiveChange)

	tr, err := h.d.Resolve(context.Background(), wf.ID, Decision{Kind: DecisionReject, Feedback: "too risky"})
	require.NoError(t, err)

	assert.Equal(t, PhaseFailed, tr.To)
	assert.Equal(t, "rejected: too risky", tr.Annotation)
	assert.Equal(t, DecisionReject, tr.Approval.Decision.Kind)
	assert.Contains(t, h.events.types(), "WorkflowFailed")

	_, err = h.d.Resolve(context.Background(), wf.ID, Decision{Kind: DecisionApprove})
	assert.ErrorIs(t, err, ErrWorkflowTerminal)
}

func TestRejectWithoutReason(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "tester")
	h.complete(t, wf.ID, "t001-tester", "tester", handoff.StatusSuccess, handoff.HintAmbiguousSpec)

	tr, err := h.d.Resolve(context.Background(), wf.ID, Decision{Kind: DecisionReject})
	require.NoError(t, err)
	assert.Equal(t, "rejected: no reason given", tr.Annotation)
}

func TestApprovalRouteCompletesOnApprove(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "documenter")

	gate := h.complete(t, wf.ID, "t001-documenter", "documenter", handoff.StatusSuccess, handoff.HintNeedsReview)
	assert.Equal(t, PhaseAwaitingApproval, gate.To)
	assert.Equal(t, "docs sign-off", gate.Approval.Reason)

	tr, err := h.d.Resolve(context.Background(), wf.ID, Decision{Kind: DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, tr.To)
	assert.Equal(t, "approved", tr.Annotation)
}

func TestResolveErrors(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "")
	ctx := context.Background()

	_, err := h.d.Resolve(ctx, wf.ID, Decision{Kind: DecisionApprove})
	assert.ErrorIs(t, err, ErrNoPendingApproval)

	_, err = h.d.Resolve(ctx, wf.ID, Decision{Kind: "MAYBE"})
	assert.ErrorIs(t, err, ErrInvalidDecision)

	_, err = h.d.Resolve(ctx, wf.ID, Decision{Kind: DecisionChanges, Feedback: "  "})
	assert.ErrorIs(t, err, ErrInvalidDecision)

	_, err = h.d.Resolve(ctx, "wf_missing", Decision{Kind: DecisionApprove})
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestApprovalChannelReceivesRequests(t *testing.T) {
	ch := &recordingChannel{}
	h := newHarness(t, WithApprovalChannel(ch))
	wf := h.create(t, "tester")

	tr := h.complete(t, wf.ID, "t001-tester", "tester", handoff.StatusSuccess, handoff.HintNeedsDeployment)

	got := ch.received()
	require.Len(t, got, 1)
	assert.Equal(t, tr.Approval.ID, got[0].ID)
	assert.Equal(t, wf.ID, got[0].WorkflowID)
}

// =============================================================================
// Cycles
// =============================================================================

func TestRoutingCycleFailsWorkflow(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "")

	taskID, worker := "t001-analyst", "analyst"
	hints := map[string]handoff.NextStepHint{
		"analyst":  handoff.HintNeedsDesign,
		"designer": handoff.HintNeedsReview,
		"reviewer": handoff.HintNeedsDesign,
	}

	var tr *Transition
	messages := 0
	for messages < 20 {
		tr = h.complete(t, wf.ID, taskID, worker, handoff.StatusSuccess, hints[worker])
		messages++
		if tr.To.IsTerminal() {
			break
		}
		require.Len(t, tr.Dispatched, 1)
		taskID = tr.Dispatched[0]
		worker = h.get(t, wf.ID).Tasks[taskID].Worker
	}

	cfg := h.d.Config()
	assert.Equal(t, PhaseFailed, tr.To)
	assert.Equal(t, "routing cycle detected: designer->reviewer", tr.Annotation)
	assert.Equal(t, 7, messages)
	assert.LessOrEqual(t, messages, cfg.CycleThreshold*cfg.CycleWindow)
	assert.True(t, h.logger.HasLog("warn", "routing_cycle_detected"))
}

// =============================================================================
// Fan-out
// =============================================================================

func TestFanOutJoinsBranches(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "implementer")

	fan := h.complete(t, wf.ID, "t001-implementer", "implementer", handoff.StatusSuccess, handoff.HintNeedsReview,
		handoff.WithArtifacts("src/limiter.go"))
	require.Equal(t, []string{"t002-reviewer", "t003-security_scanner"}, fan.Dispatched)

	got := h.get(t, wf.ID)
	require.NotNil(t, got.Join)
	assert.Regexp(t, `^join_[0-9a-f]{12}$`, got.Join.ID)
	assert.Equal(t, got.Join.ID, got.Tasks["t002-reviewer"].JoinGroup)
	assert.Equal(t, got.Join.ID, got.Tasks["t003-security_scanner"].JoinGroup)

	first := h.complete(t, wf.ID, "t002-reviewer", "reviewer", handoff.StatusSuccess, handoff.HintNeedsTesting)
	assert.Equal(t, PhaseAwaitingWorker, first.To)
	assert.Equal(t, []string{"t003-security_scanner"}, first.Waiting)
	assert.Equal(t, "waiting for 1 of 2 branches", first.Annotation)
	assert.Empty(t, first.Dispatched)

	second := h.complete(t, wf.ID, "t003-security_scanner", "security_scanner", handoff.StatusSuccess, handoff.HintComplete)
	assert.Equal(t, PhaseAwaitingWorker, second.To)
	assert.Equal(t, []string{"t004-tester"}, second.Dispatched)
	assert.Nil(t, h.get(t, wf.ID).Join)
}

func TestFanOutApprovalWins(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "implementer")
	h.complete(t, wf.ID, "t001-implementer", "implementer", handoff.StatusSuccess, handoff.HintNeedsReview)

	h.complete(t, wf.ID, "t002-reviewer", "reviewer", handoff.StatusSuccess, handoff.HintNeedsTesting)
	tr := h.complete(t, wf.ID, "t003-security_scanner", "security_scanner", handoff.StatusBlocked, handoff.HintDestructiveChange,
		handoff.WithBlockingIssues("CVE-2026-1"))

	assert.Equal(t, PhaseAwaitingApproval, tr.To)
	require.NotNil(t, tr.Approval)
	assert.Equal(t, "t003-security_scanner", tr.Approval.TaskID)
	require.Len(t, tr.Approval.Dispatch, 1)
	assert.Equal(t, "tester", tr.Approval.Dispatch[0].Target.Worker)

	resumed, err := h.d.Resolve(context.Background(), wf.ID, Decision{Kind: DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, []string{"t004-tester"}, resumed.Dispatched)
}

// =============================================================================
// Completion handling
// =============================================================================

func TestPendingRecordsProgress(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "")

	progress := h.complete(t, wf.ID, "t001-analyst", "analyst", handoff.StatusPending, handoff.HintNeedsDesign)
	assert.Equal(t, PhasePlanning, progress.To)
	assert.Equal(t, "progress recorded", progress.Annotation)
	assert.Equal(t, []string{"t001-analyst"}, progress.Waiting)

	final := h.complete(t, wf.ID, "t001-analyst", "analyst", handoff.StatusSuccess, handoff.HintNeedsDesign)
	assert.Equal(t, []string{"t002-designer"}, final.Dispatched)
	assert.Equal(t, 2, h.get(t, wf.ID).PacketCount)
}

func TestCorrectionAfterCompletion(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "")
	first := packet(wf.ID, "t001-analyst", "analyst", handoff.StatusSuccess, handoff.HintNeedsDesign)
	_, err := h.d.HandleCompletion(context.Background(), first)
	require.NoError(t, err)

	tr, err := h.d.HandleCompletion(context.Background(), first.Correct(handoff.StatusSuccess, handoff.HintNeedsDesign, handoff.WithNotes("typo fixed")))
	require.NoError(t, err)
	assert.Equal(t, "correction recorded", tr.Annotation)
	assert.Empty(t, tr.Dispatched)
	assert.Len(t, h.get(t, wf.ID).ActiveTasks(), 1)
}

func TestInvalidCompletions(t *testing.T) {
	tests := []struct {
		name    string
		packet  func(wfID string) handoff.Packet
		wantErr error
	}{
		{
			name: "unknown task",
			packet: func(wfID string) handoff.Packet {
				return packet(wfID, "t099-designer", "designer", handoff.StatusSuccess, handoff.HintComplete)
			},
			wantErr: ErrUnknownTask,
		},
		{
			name: "wrong worker",
			packet: func(wfID string) handoff.Packet {
				return packet(wfID, "t001-analyst", "designer", handoff.StatusSuccess, handoff.HintComplete)
			},
			wantErr: handoff.ErrInvalidPacket,
		},
		{
			name: "blocking issues on success",
			packet: func(wfID string) handoff.Packet {
				return packet(wfID, "t001-analyst", "analyst", handoff.StatusSuccess, handoff.HintComplete,
					handoff.WithBlockingIssues("ISSUE-1"))
			},
			wantErr: handoff.ErrInvalidPacket,
		},
		{
			name: "missing workflow id",
			packet: func(string) handoff.Packet {
				return handoff.NewPacket("t001-analyst", "analyst", handoff.StatusSuccess, handoff.HintComplete)
			},
			wantErr: handoff.ErrInvalidPacket,
		},
		{
			name: "unknown workflow",
			packet: func(string) handoff.Packet {
				return packet("wf_missing", "t001-analyst", "analyst", handoff.StatusSuccess, handoff.HintComplete)
			},
			wantErr: ErrWorkflowNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			wf := h.create(t, "")

			_, err := h.d.HandleCompletion(context.Background(), tt.packet(wf.ID))
			assert.ErrorIs(t, err, tt.wantErr)

			got := h.get(t, wf.ID)
			assert.Equal(t, PhasePlanning, got.Phase)
			assert.Zero(t, got.PacketCount)
		})
	}
}

func TestOutOfOrderCompletionRejected(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "")
	now := time.Now().UTC()

	h.complete(t, wf.ID, "t001-analyst", "analyst", handoff.StatusPending, handoff.HintNeedsDesign, handoff.WithCreatedAt(now))

	_, err := h.d.HandleCompletion(context.Background(), packet(wf.ID, "t001-analyst", "analyst",
		handoff.StatusSuccess, handoff.HintNeedsDesign, handoff.WithCreatedAt(now.Add(-time.Minute))))

	var verr *handoff.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "created_at", verr.Field)
	assert.Equal(t, 1, h.get(t, wf.ID).PacketCount)
}

func TestSessionWriteAheadFailure(t *testing.T) {
	errDisk := errors.New("disk full")
	faulty := testutil.NewFaultyStore(store.NewMemoryStore(), "session/", errDisk)
	h := newHarness(t, WithStore(faulty))
	wf := h.create(t, "")
	p := packet(wf.ID, "t001-analyst", "analyst", handoff.StatusSuccess, handoff.HintNeedsDesign)

	faulty.SetFailing(true)
	_, err := h.d.HandleCompletion(context.Background(), p)
	assert.ErrorIs(t, err, errDisk)

	got := h.get(t, wf.ID)
	assert.Equal(t, PhasePlanning, got.Phase)
	assert.Equal(t, TaskActive, got.Tasks["t001-analyst"].State)
	assert.Empty(t, got.Ledger)

	faulty.SetFailing(false)
	tr, err := h.d.HandleCompletion(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"t002-designer"}, tr.Dispatched)

	history, err := h.d.History(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, p.PacketID, history[0].Packet.PacketID)
}

func TestHistoryKeepsEveryPacket(t *testing.T) {
	h := newHarness(t, WithRecentWindow(1))
	wf := h.create(t, "")

	h.complete(t, wf.ID, "t001-analyst", "analyst", handoff.StatusPending, handoff.HintNeedsDesign)
	h.complete(t, wf.ID, "t001-analyst", "analyst", handoff.StatusSuccess, handoff.HintNeedsDesign)
	h.complete(t, wf.ID, "t002-designer", "designer", handoff.StatusSuccess, handoff.HintNeedsReview)

	got := h.get(t, wf.ID)
	assert.Len(t, got.Recent, 1)
	assert.Equal(t, 3, got.PacketCount)

	history, err := h.d.History(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "t002-designer", history[2].Packet.TaskID)

	_, err = h.d.History(context.Background(), "wf_missing")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

// =============================================================================
// Cancel and archive
// =============================================================================

func TestCancelRecordsLateResults(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "")
	ctx := context.Background()

	require.NoError(t, h.d.Cancel(ctx, wf.ID, "user abort"))
	got := h.get(t, wf.ID)
	assert.Equal(t, PhaseFailed, got.Phase)
	assert.Equal(t, "cancelled: user abort", got.Annotation)

	assert.ErrorIs(t, h.d.Cancel(ctx, wf.ID, ""), ErrWorkflowTerminal)

	late := h.complete(t, wf.ID, "t001-analyst", "analyst", handoff.StatusSuccess, handoff.HintNeedsDesign)
	assert.Equal(t, PhaseFailed, late.To)
	assert.Equal(t, "recorded after workflow ended", late.Annotation)
	assert.Empty(t, late.Dispatched)
	assert.Equal(t, 1, h.get(t, wf.ID).PacketCount)
}

func TestCancelClosesPendingApproval(t *testing.T) {
	h := newHarness(t)
	wf := h.create(t, "tester")
	gate := h.complete(t, wf.ID, "t001-tester", "tester", handoff.StatusSuccess, handoff.HintNeedsDeployment)

	require.NoError(t, h.d.Cancel(context.Background(), wf.ID, ""))

	assert.Equal(t, "cancelled", h.get(t, wf.ID).Annotation)
	assert.Equal(t, ApprovalCancelled, h.d.Inbox().Get(gate.Approval.ID).Status)
	assert.Empty(t, h.d.Inbox().Pending())
}

func TestArchive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	active := h.create(t, "")
	done := h.create(t, "security_scanner")
	h.complete(t, done.ID, "t001-security_scanner", "security_scanner", handoff.StatusSuccess, handoff.HintComplete)

	assert.ErrorIs(t, h.d.Archive(ctx, active.ID), ErrWorkflowActive)
	assert.ErrorIs(t, h.d.Archive(ctx, "wf_missing"), ErrWorkflowNotFound)

	require.NoError(t, h.d.Archive(ctx, done.ID))
	_, err := h.d.Get(ctx, done.ID)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	records, err := h.d.Cache().Session().Packets(ctx, done.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Len(t, h.d.List(ctx), 1)
	assert.True(t, h.logger.HasLog("info", "workflow_archived"))
}

func TestListOldestFirst(t *testing.T) {
	h := newHarness(t)
	first := h.create(t, "")
	h.clock.Advance(time.Second)
	second := h.create(t, "")

	list := h.d.List(context.Background())
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}
