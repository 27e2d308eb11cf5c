package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
)

func TestArchiverArchivesPastRetention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	active := h.create(t, "")
	done := h.create(t, "security_scanner")
	h.complete(t, done.ID, "t001-security_scanner", "security_scanner", handoff.StatusSuccess, handoff.HintComplete)

	a, err := NewArchiver(h.d)
	require.NoError(t, err)

	report := a.RunOnce(ctx)
	assert.Zero(t, report.Archived)
	assert.Len(t, h.d.List(ctx), 2)

	h.clock.Advance(h.d.Config().Retention() + time.Minute)
	report = a.RunOnce(ctx)
	assert.Equal(t, 1, report.Archived)

	list := h.d.List(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, active.ID, list[0].ID)
}

func TestArchiverExpiresApprovals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.create(t, "tester")
	gate := h.complete(t, wf.ID, "t001-tester", "tester", handoff.StatusSuccess, handoff.HintNeedsDeployment)

	a, err := NewArchiver(h.d)
	require.NoError(t, err)

	h.clock.Advance(h.d.Config().ApprovalTTL() + time.Minute)
	report := a.RunOnce(ctx)
	assert.Equal(t, 1, report.ApprovalsExpired)
	assert.True(t, h.logger.HasLog("warn", "approval_expired"))
	assert.Equal(t, ApprovalExpired, h.d.Inbox().Get(gate.Approval.ID).Status)

	// The workflow keeps waiting and a late decision still applies.
	assert.Equal(t, PhaseAwaitingApproval, h.get(t, wf.ID).Phase)
	tr, err := h.d.Resolve(ctx, wf.ID, Decision{Kind: DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, []string{"t002-deployer"}, tr.Dispatched)
	assert.Equal(t, ApprovalResolved, h.d.Inbox().Get(gate.Approval.ID).Status)
}

func TestArchiverCleansClosedApprovals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.create(t, "tester")
	gate := h.complete(t, wf.ID, "t001-tester", "tester", handoff.StatusSuccess, handoff.HintNeedsDeployment)
	_, err := h.d.Resolve(ctx, wf.ID, Decision{Kind: DecisionApprove})
	require.NoError(t, err)

	a, err := NewArchiver(h.d)
	require.NoError(t, err)

	h.clock.Advance(h.d.Config().Retention() + time.Minute)
	report := a.RunOnce(ctx)
	assert.Equal(t, 1, report.ApprovalsCleaned)
	assert.Nil(t, h.d.Inbox().Get(gate.Approval.ID))
}

func TestArchiverSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.ArchiveSchedule = "every tuesday"
	h := newHarness(t, WithConfig(cfg))

	_, err := NewArchiver(h.d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid archive schedule")

	cfg.ArchiveSchedule = "@every 1h"
	a, err := NewArchiver(h.d)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	assert.True(t, h.logger.HasLog("info", "archiver_started"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.Stop(ctx)
	assert.True(t, h.logger.HasLog("info", "archiver_stopped"))
}
