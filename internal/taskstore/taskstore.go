// Package taskstore defines the task model and the narrow store contract the
// scheduler consumes. The scheduler only ever mutates lane, assignment and
// claim fields; everything else on a task belongs to outer surfaces.
package taskstore

import (
	"context"
	"time"
)

// Lane is a task's position in the linear workflow.
type Lane string

const (
	LaneQueued      Lane = "queued"
	LaneDevelopment Lane = "development"
	LaneReview      Lane = "review"
	LaneBlocked     Lane = "blocked"
	LaneDone        Lane = "done"
)

// WorkingLane is the lane a claim moves a task into. queued -> development is
// the only transition the scheduler performs unilaterally.
const WorkingLane = LaneDevelopment

// Priority levels. The router itself is priority-blind; these exist for
// auxiliary polling helpers and outer surfaces.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// Task is the unit of work pulled from the shared queue.
type Task struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Lane       Lane       `json:"lane"`
	Owner      string     `json:"owner,omitempty"`
	AssignedTo string     `json:"assigned_to,omitempty"`
	Priority   Priority   `json:"priority"`
	Tags       []string   `json:"tags,omitempty"`
	Note       string     `json:"note,omitempty"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy  string     `json:"claimed_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Assignee returns the agent the task is pinned to, preferring the explicit
// owner over a router assignment.
func (t *Task) Assignee() string {
	if t.Owner != "" {
		return t.Owner
	}
	return t.AssignedTo
}

// Patch is a partial task update. Nil fields are left untouched.
// When ExpectLane is set the update applies only if the task is still in that
// lane; a mismatch makes Update return false with no error. That false return
// is the claim-race signal and must be treated as a benign no-op.
type Patch struct {
	ExpectLane *Lane
	Lane       *Lane
	AssignedTo *string
	ClaimedAt  *time.Time
	ClaimedBy  *string
	Note       *string
	ClearClaim bool // reset claimed_at/claimed_by, used on release
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Lane       Lane
	AssignedTo string
	HasOwner   *bool // true: only tasks with an explicit owner or assignee
}

// Store is the task persistence contract the scheduler consumes. The
// reference implementation in this package is sqlite-backed; any store
// honoring the compare-and-set semantics of Update can replace it.
type Store interface {
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, id string, patch Patch, actor string) (bool, error)
	List(ctx context.Context, f Filter) ([]Task, error)
}

// Helpers for building patches without taking addresses at call sites.

func LanePtr(l Lane) *Lane       { return &l }
func StringPtr(s string) *string { return &s }
func BoolPtr(b bool) *bool       { return &b }
func TimePtr(t time.Time) *time.Time {
	return &t
}
