package bus

// Task lifecycle topics. These are the only three signals the scheduler
// consumes; everything else it learns by polling.
const (
	TopicTaskQueued    = "task.queued"
	TopicTaskCompleted = "task.completed"
	TopicTaskBlocked   = "task.blocked"
)

// TaskSnapshot is the view of a task carried inside a queued event so the
// router can resolve assignment without an extra store read. Lane and owner
// may be stale by the time the event is handled; the claim re-verifies both.
type TaskSnapshot struct {
	ID         string   // Task ID
	Lane       string   // Lane at publish time
	Owner      string   // Explicit owner, may be empty
	AssignedTo string   // Current assignee, may be empty
	Priority   string   // P0..P3
	Tags       []string // Free-text hints for keyword assignment
}

// TaskQueuedEvent is published when a task enters the queued lane.
type TaskQueuedEvent struct {
	TaskID    string       // Task ID
	AgentHint string       // Optional preferred agent from the producer
	Task      TaskSnapshot // Snapshot at publish time
}

// TaskCompletedEvent is published when an agent reports its task done.
type TaskCompletedEvent struct {
	TaskID  string // Task ID
	AgentID string // Agent that completed the task
}

// TaskBlockedEvent is published when an agent reports it cannot proceed.
type TaskBlockedEvent struct {
	TaskID  string // Task ID
	AgentID string // Agent that hit the blocker
	Reason  string // Human-readable blocker description
}
