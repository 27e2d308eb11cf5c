package handoff

import (
	"fmt"
	"slices"
	"strings"
)

// WorkerKind identifies a specialized worker. The set is closed; routing
// tables may only reference these kinds.
type WorkerKind string

const (
	KindAnalyst         WorkerKind = "analyst"
	KindDesigner        WorkerKind = "designer"
	KindImplementer     WorkerKind = "implementer"
	KindReviewer        WorkerKind = "reviewer"
	KindSecurityScanner WorkerKind = "security_scanner"
	KindTester          WorkerKind = "tester"
	KindDebugger        WorkerKind = "debugger"
	KindDeployer        WorkerKind = "deployer"
	KindDocumenter      WorkerKind = "documenter"
)

// AllKinds lists every worker kind.
var AllKinds = []WorkerKind{
	KindAnalyst,
	KindDesigner,
	KindImplementer,
	KindReviewer,
	KindSecurityScanner,
	KindTester,
	KindDebugger,
	KindDeployer,
	KindDocumenter,
}

// IsValid reports whether k belongs to the closed set.
func (k WorkerKind) IsValid() bool {
	return slices.Contains(AllKinds, k)
}

// ParseWorkerKind resolves a worker id (case-insensitive) to its kind.
func ParseWorkerKind(s string) (WorkerKind, error) {
	k := WorkerKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("unknown worker kind: %q", s)
	}
	return k, nil
}
