package kernel

// CycleDetector enforces the routing cycle policy over a workflow's edges.
// An ordered edge seen Threshold times within the last Window edges, or
// more than Threshold×Window times over the workflow's life, is a cycle.
type CycleDetector struct {
	Threshold int
	Window    int
}

// Observe records edge on wf and reports whether it closes a cycle.
func (c CycleDetector) Observe(wf *Workflow, edge string) bool {
	if wf.EdgeCounts == nil {
		wf.EdgeCounts = make(map[string]int)
	}
	wf.EdgeCounts[edge]++

	wf.RecentEdges = append(wf.RecentEdges, edge)
	if c.Window > 0 && len(wf.RecentEdges) > c.Window {
		wf.RecentEdges = append([]string(nil), wf.RecentEdges[len(wf.RecentEdges)-c.Window:]...)
	}

	if c.Threshold <= 0 {
		return false
	}
	recent := 0
	for _, e := range wf.RecentEdges {
		if e == edge {
			recent++
		}
	}
	return recent >= c.Threshold || wf.EdgeCounts[edge] > c.Threshold*c.Window
}
