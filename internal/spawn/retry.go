package spawn

import "sync"

// DefaultRetryLimit is how many consecutive spawn rejections a task absorbs
// before it is escalated to blocked.
const DefaultRetryLimit = 3

// RetryGate holds the per-task consecutive-rejection counter that lives
// outside the router. The router reports every rejection and resets on
// success; when a task exceeds the limit the router escalates it to the
// blocked lane instead of releasing it back to queued.
type RetryGate struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
}

// NewRetryGate creates a gate with the given limit (<=0 uses the default).
func NewRetryGate(limit int) *RetryGate {
	if limit <= 0 {
		limit = DefaultRetryLimit
	}
	return &RetryGate{
		limit:  limit,
		counts: make(map[string]int),
	}
}

// Rejected records one more consecutive rejection for the task and reports
// whether the task has now exhausted its retry budget.
func (g *RetryGate) Rejected(taskID string) (escalate bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counts[taskID]++
	return g.counts[taskID] >= g.limit
}

// Reset clears the task's counter after a successful spawn or a terminal
// lane transition.
func (g *RetryGate) Reset(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.counts, taskID)
}

// Failures returns the task's current consecutive-rejection count.
func (g *RetryGate) Failures(taskID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[taskID]
}
