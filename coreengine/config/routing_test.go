package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ROUTING TABLE TESTS
// =============================================================================

func sampleTable(t *testing.T) *RoutingTable {
	t.Helper()
	table, err := NewRoutingTable(
		Route{From: "Analyst", Hint: "needs_design", To: []Target{{Worker: "Designer", Brief: "Design it"}}},
		Route{From: "designer", Hint: "needs_implementation", To: []Target{{Worker: "implementer", Brief: "Build it"}}},
		Route{From: "implementer", Hint: "needs_review", To: []Target{
			{Worker: "reviewer", Brief: "Review the change"},
			{Worker: "security_scanner", Brief: "Scan the change"},
		}},
		Route{From: "reviewer", Hint: "complete", Complete: true},
		Route{From: "tester", Hint: "needs_human_approval", Approval: true, Reason: "flaky suite"},
		Route{From: "debugger", Hint: AnyHint, To: []Target{{Worker: "implementer", Brief: "Apply the fix"}}},
	)
	require.NoError(t, err)
	return table
}

func TestRoutingTableLookup(t *testing.T) {
	table := sampleTable(t)

	tests := []struct {
		name     string
		worker   string
		hint     handoff.NextStepHint
		found    bool
		targets  []string
		approval bool
		complete bool
	}{
		{"exact match", "analyst", handoff.HintNeedsDesign, true, []string{"designer"}, false, false},
		{"case-insensitive worker", "Analyst", handoff.HintNeedsDesign, true, []string{"designer"}, false, false},
		{"fan-out", "implementer", handoff.HintNeedsReview, true, []string{"reviewer", "security_scanner"}, false, false},
		{"complete route", "reviewer", handoff.HintComplete, true, nil, false, true},
		{"approval route", "tester", handoff.HintNeedsApproval, true, nil, true, false},
		{"wildcard", "debugger", "anything", true, []string{"implementer"}, false, false},
		{"miss", "analyst", handoff.HintNeedsReview, false, nil, false, false},
		{"unknown worker", "oracle", handoff.HintNeedsDesign, false, nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, ok := table.Lookup(tt.worker, tt.hint)
			assert.Equal(t, tt.found, ok)
			if !ok {
				return
			}
			var targets []string
			for _, target := range route.To {
				targets = append(targets, target.Worker)
			}
			assert.Equal(t, tt.targets, targets)
			assert.Equal(t, tt.approval, route.Approval)
			assert.Equal(t, tt.complete, route.Complete)
		})
	}
}

func TestRoutingTableValidate(t *testing.T) {
	tests := []struct {
		name    string
		routes  []Route
		gates   GateConfig
		wantErr string
	}{
		{"unknown from", []Route{{From: "oracle", Hint: "x", Complete: true}}, GateConfig{}, "unknown worker kind"},
		{"unknown target", []Route{{From: "analyst", Hint: "x", To: []Target{{Worker: "oracle"}}}}, GateConfig{}, "unknown worker kind"},
		{"missing hint", []Route{{From: "analyst", Complete: true}}, GateConfig{}, "hint is required"},
		{"no mode", []Route{{From: "analyst", Hint: "x"}}, GateConfig{}, "exactly one"},
		{"two modes", []Route{{From: "analyst", Hint: "x", Complete: true, Approval: true}}, GateConfig{}, "exactly one"},
		{"duplicate route", []Route{
			{From: "analyst", Hint: "x", Complete: true},
			{From: "ANALYST", Hint: "x", Approval: true},
		}, GateConfig{}, "duplicate route"},
		{"duplicate target", []Route{{From: "analyst", Hint: "x", To: []Target{{Worker: "designer"}, {Worker: "Designer"}}}}, GateConfig{}, "duplicate target"},
		{"bad gate pattern", nil, GateConfig{Artifacts: []string{"deploy/[**"}}, "invalid artifact gate pattern"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := &RoutingTable{Routes: tt.routes, Gates: tt.gates}
			err := table.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRoutingTableGated(t *testing.T) {
	table := &RoutingTable{
		Gates: GateConfig{
			Hints:     []string{"needs_license_review"},
			Artifacts: []string{"deploy/**", "**/*.sql"},
		},
	}
	require.NoError(t, table.Validate())

	tests := []struct {
		name      string
		hint      handoff.NextStepHint
		artifacts []string
		gated     bool
	}{
		{"deployment always gated", handoff.HintNeedsDeployment, nil, true},
		{"destructive always gated", handoff.HintDestructiveChange, nil, true},
		{"ambiguous spec always gated", handoff.HintAmbiguousSpec, nil, true},
		{"configured hint", "needs_license_review", nil, true},
		{"deploy artifact", handoff.HintNeedsReview, []string{"deploy/prod/values.yaml"}, true},
		{"nested sql artifact", handoff.HintNeedsReview, []string{"db/migrations/001.sql"}, true},
		{"plain artifact", handoff.HintNeedsReview, []string{"internal/app/main.go"}, false},
		{"plain hint", handoff.HintNeedsReview, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gated, reason := table.Gated(tt.hint, tt.artifacts)
			assert.Equal(t, tt.gated, gated)
			if tt.gated {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestUnvalidatedTableStillGatesDefaults(t *testing.T) {
	var table RoutingTable
	gated, _ := table.Gated(handoff.HintNeedsDeployment, nil)
	assert.True(t, gated)
}

func TestGatedHintsIncludesDefaults(t *testing.T) {
	table := &RoutingTable{Gates: GateConfig{Hints: []string{"custom"}}}
	require.NoError(t, table.Validate())
	assert.Equal(t, []string{"ambiguous_spec", "custom", "destructive_change", "needs_deployment"}, table.GatedHints())
}

// =============================================================================
// FILE TESTS
// =============================================================================

const sampleYAML = `
core:
  cycle_threshold: 2
  cycle_window: 4
  log_level: debug
routing:
  routes:
    - from: analyst
      hint: needs_design
      to:
        - worker: designer
          brief: Produce a design
    - from: designer
      hint: complete
      complete: true
  gates:
    artifacts: ["deploy/**"]
`

func TestParseFile(t *testing.T) {
	f, err := ParseFile([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 2, f.Core.CycleThreshold)
	assert.Equal(t, 4, f.Core.CycleWindow)
	assert.Equal(t, "debug", f.Core.LogLevel)
	assert.Equal(t, 3, f.Core.MaxAttempts, "absent keys keep defaults")

	route, ok := f.Routing.Lookup("analyst", handoff.HintNeedsDesign)
	require.True(t, ok)
	assert.Equal(t, "Produce a design", route.To[0].Brief)

	gated, _ := f.Routing.Gated(handoff.HintNeedsReview, []string{"deploy/app.yaml"})
	assert.True(t, gated)
}

func TestParseFileErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad yaml", "core: [unclosed"},
		{"bad core", "core:\n  cycle_threshold: 0\n"},
		{"bad routing", "routing:\n  routes:\n    - from: oracle\n      hint: x\n      complete: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFile([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestParseFileEmpty(t *testing.T) {
	f, err := ParseFile([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultCoreConfig(), f.Core)
	assert.Empty(t, f.Routing.Routes)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

// =============================================================================
// WATCH TESTS
// =============================================================================

func TestWatchFileReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "handoff.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var latest atomic.Pointer[File]
	require.NoError(t, WatchFile(ctx, path, nil, func(f *File) { latest.Store(f) }))

	// Invalid documents are skipped.
	require.NoError(t, os.WriteFile(path, []byte("core:\n  cycle_threshold: 0\n"), 0o644))

	updated := `
routing:
  routes:
    - from: reviewer
      hint: complete
      complete: true
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		f := latest.Load()
		if f == nil {
			return false
		}
		_, ok := f.Routing.Lookup("reviewer", handoff.HintComplete)
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDefaultRoutingTable(t *testing.T) {
	table := DefaultRoutingTable()
	require.NoError(t, table.Validate())

	route, ok := table.Lookup("implementer", handoff.HintNeedsReview)
	require.True(t, ok)
	assert.True(t, route.IsFanOut())

	route, ok = table.Lookup("deployer", handoff.HintComplete)
	require.True(t, ok)
	assert.True(t, route.Complete)

	_, ok = table.Lookup("analyst", handoff.HintNeedsDeployment)
	assert.False(t, ok)
}
