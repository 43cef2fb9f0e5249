package distrib

import (
	"sort"
	"sync"
)

// Tracker collects the final outcome of every request in an update cycle.
// Each request reports at most once: success, or a failure it will not retry.
type Tracker struct {
	mu          sync.Mutex
	successes   int
	failures    int
	failedNodes map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{failedNodes: make(map[string]struct{})}
}

func (t *Tracker) record(r *Req, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if success {
		t.successes++
		return
	}
	t.failures++
	t.failedNodes[r.node.NodeID] = struct{}{}
}

func (t *Tracker) Successes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.successes
}

func (t *Tracker) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// FailedNodes returns the sorted ids of nodes with at least one terminal
// failure.
func (t *Tracker) FailedNodes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	nodes := make([]string, 0, len(t.failedNodes))
	for id := range t.failedNodes {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return nodes
}
