package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
)

// AnyHint matches every hint of a worker that has no exact route.
const AnyHint = "*"

// Target is one assignment produced by a route.
type Target struct {
	Worker string `json:"worker" yaml:"worker"`
	Brief  string `json:"brief" yaml:"brief"`
}

// Route maps (From, Hint) to targets, an approval request, or completion.
// Exactly one of To, Approval and Complete is set.
type Route struct {
	From     string   `json:"from" yaml:"from"`
	Hint     string   `json:"hint" yaml:"hint"`
	To       []Target `json:"to,omitempty" yaml:"to,omitempty"`
	Approval bool     `json:"approval,omitempty" yaml:"approval,omitempty"`
	Complete bool     `json:"complete,omitempty" yaml:"complete,omitempty"`
	// Reason is shown to the approver for approval routes.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Key returns the normalized lookup key.
func (r Route) Key() RouteKey {
	return RouteKey{From: normalizeWorker(r.From), Hint: r.Hint}
}

// IsFanOut reports whether the route dispatches more than one target.
func (r Route) IsFanOut() bool {
	return len(r.To) > 1
}

// RouteKey identifies a route.
type RouteKey struct {
	From string
	Hint string
}

func (k RouteKey) String() string {
	return k.From + "/" + k.Hint
}

// GateConfig lists what always requires human approval. The default gated
// hints are always included.
type GateConfig struct {
	Hints     []string `json:"hints,omitempty" yaml:"hints,omitempty"`
	Artifacts []string `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
}

// RoutingTable is the dispatcher's transition table.
type RoutingTable struct {
	Routes []Route    `json:"routes" yaml:"routes"`
	Gates  GateConfig `json:"gates" yaml:"gates"`

	// Computed at validation time
	index      map[RouteKey]int
	gatedHints map[string]struct{}
}

// NewRoutingTable builds and validates a table from routes.
func NewRoutingTable(routes ...Route) (*RoutingTable, error) {
	t := &RoutingTable{Routes: routes}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// MustRoutingTable is NewRoutingTable that panics on error. For tests and
// static tables.
func MustRoutingTable(routes ...Route) *RoutingTable {
	t, err := NewRoutingTable(routes...)
	if err != nil {
		panic(err)
	}
	return t
}

// DefaultRoutingTable is the standard delivery pipeline: analysis, design,
// implementation, a parallel review and security scan, testing and a gated
// deployment. Debugging loops back to implementation.
func DefaultRoutingTable() *RoutingTable {
	return MustRoutingTable(
		Route{From: "analyst", Hint: "needs_design", To: []Target{{Worker: "designer", Brief: "Design the change described in the analysis."}}},
		Route{From: "designer", Hint: "needs_implementation", To: []Target{{Worker: "implementer", Brief: "Implement the approved design."}}},
		Route{From: "designer", Hint: "needs_review", To: []Target{{Worker: "reviewer", Brief: "Review the design."}}},
		Route{From: "reviewer", Hint: "needs_design", To: []Target{{Worker: "designer"}}},
		Route{From: "implementer", Hint: "needs_review", To: []Target{
			{Worker: "reviewer", Brief: "Review the change."},
			{Worker: "security_scanner", Brief: "Scan the change for vulnerabilities."},
		}},
		Route{From: "reviewer", Hint: "needs_implementation", To: []Target{{Worker: "implementer"}}},
		Route{From: "security_scanner", Hint: "needs_implementation", To: []Target{{Worker: "implementer"}}},
		Route{From: "reviewer", Hint: "needs_testing", To: []Target{{Worker: "tester", Brief: "Test the change."}}},
		Route{From: "security_scanner", Hint: "needs_testing", To: []Target{{Worker: "tester", Brief: "Test the change."}}},
		Route{From: "tester", Hint: "needs_debugging", To: []Target{{Worker: "debugger", Brief: "Find the cause of the failing tests."}}},
		Route{From: "debugger", Hint: "needs_implementation", To: []Target{{Worker: "implementer"}}},
		Route{From: "tester", Hint: "needs_deployment", To: []Target{{Worker: "deployer", Brief: "Deploy the tested change."}}},
		Route{From: "deployer", Hint: "needs_review", To: []Target{{Worker: "documenter", Brief: "Document the release."}}},
		Route{From: "deployer", Hint: AnyHint, Complete: true},
		Route{From: "documenter", Hint: AnyHint, Complete: true},
	)
}

// Validate checks every route and builds the lookup index.
func (t *RoutingTable) Validate() error {
	index := make(map[RouteKey]int, len(t.Routes))

	for i := range t.Routes {
		r := &t.Routes[i]

		from, err := handoff.ParseWorkerKind(r.From)
		if err != nil {
			return fmt.Errorf("route %d: from: %w", i, err)
		}
		r.From = string(from)

		if r.Hint == "" {
			return fmt.Errorf("route %d (%s): hint is required", i, r.From)
		}

		modes := 0
		if len(r.To) > 0 {
			modes++
		}
		if r.Approval {
			modes++
		}
		if r.Complete {
			modes++
		}
		if modes != 1 {
			return fmt.Errorf("route %s/%s: exactly one of to, approval, complete must be set", r.From, r.Hint)
		}

		seen := make(map[string]bool, len(r.To))
		for j := range r.To {
			kind, err := handoff.ParseWorkerKind(r.To[j].Worker)
			if err != nil {
				return fmt.Errorf("route %s/%s target %d: %w", r.From, r.Hint, j, err)
			}
			r.To[j].Worker = string(kind)
			if seen[r.To[j].Worker] {
				return fmt.Errorf("route %s/%s: duplicate target %s", r.From, r.Hint, r.To[j].Worker)
			}
			seen[r.To[j].Worker] = true
		}

		key := r.Key()
		if _, dup := index[key]; dup {
			return fmt.Errorf("duplicate route: %s", key)
		}
		index[key] = i
	}

	gated := make(map[string]struct{})
	for _, h := range handoff.DefaultGatedHints {
		gated[string(h)] = struct{}{}
	}
	for _, h := range t.Gates.Hints {
		gated[h] = struct{}{}
	}
	for _, pattern := range t.Gates.Artifacts {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid artifact gate pattern: %q", pattern)
		}
	}

	t.index = index
	t.gatedHints = gated
	return nil
}

// Lookup finds the route for (worker, hint). An exact hint match wins over
// the worker's AnyHint route.
func (t *RoutingTable) Lookup(worker string, hint handoff.NextStepHint) (Route, bool) {
	from := normalizeWorker(worker)
	if i, ok := t.index[RouteKey{From: from, Hint: string(hint)}]; ok {
		return t.Routes[i], true
	}
	if i, ok := t.index[RouteKey{From: from, Hint: AnyHint}]; ok {
		return t.Routes[i], true
	}
	return Route{}, false
}

// Gated reports whether a packet with this hint and these artifacts must go
// to a human, and why.
func (t *RoutingTable) Gated(hint handoff.NextStepHint, artifacts []string) (bool, string) {
	if _, ok := t.gatedHints[string(hint)]; ok {
		return true, fmt.Sprintf("hint %s requires approval", hint)
	}
	for _, h := range handoff.DefaultGatedHints {
		if hint == h {
			return true, fmt.Sprintf("hint %s requires approval", hint)
		}
	}
	for _, artifact := range artifacts {
		for _, pattern := range t.Gates.Artifacts {
			if ok, _ := doublestar.Match(pattern, artifact); ok {
				return true, fmt.Sprintf("artifact %s matches gate %s", artifact, pattern)
			}
		}
	}
	return false, ""
}

// GatedHints returns the effective gated hints, sorted.
func (t *RoutingTable) GatedHints() []string {
	hints := make([]string, 0, len(t.gatedHints))
	for h := range t.gatedHints {
		hints = append(hints, h)
	}
	sort.Strings(hints)
	return hints
}

func normalizeWorker(worker string) string {
	return strings.ToLower(strings.TrimSpace(worker))
}
