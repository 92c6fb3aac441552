package taskstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftlock/drover/internal/bus"
)

func openTestStore(t *testing.T, eventBus *bus.Bus) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	id, err := s.Create(ctx, Task{Title: "fix login", Tags: []string{"backend", "auth"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	task, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task == nil {
		t.Fatal("task not found")
	}
	if task.Lane != LaneQueued {
		t.Fatalf("lane = %q, want queued", task.Lane)
	}
	if task.Priority != PriorityP2 {
		t.Fatalf("priority = %q, want P2", task.Priority)
	}
	if len(task.Tags) != 2 || task.Tags[0] != "backend" {
		t.Fatalf("tags = %v", task.Tags)
	}
}

func TestGet_Missing(t *testing.T) {
	s := openTestStore(t, nil)
	task, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil, got %+v", task)
	}
}

func TestCreate_PublishesQueuedEvent(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicTaskQueued)
	defer b.Unsubscribe(sub)

	s := openTestStore(t, b)
	id, err := s.Create(context.Background(), Task{Title: "x", AssignedTo: "backend-agent"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.TaskQueuedEvent)
		if payload.TaskID != id {
			t.Fatalf("task id = %q, want %q", payload.TaskID, id)
		}
		if payload.AgentHint != "backend-agent" {
			t.Fatalf("agent hint = %q", payload.AgentHint)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task.queued")
	}
}

func TestUpdate_CompareAndSetLane(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	id, _ := s.Create(ctx, Task{Title: "x"})

	now := time.Now().UTC()
	ok, err := s.Update(ctx, id, Patch{
		ExpectLane: LanePtr(LaneQueued),
		Lane:       LanePtr(LaneDevelopment),
		AssignedTo: StringPtr("a1"),
		ClaimedAt:  TimePtr(now),
		ClaimedBy:  StringPtr("a1"),
	}, "router")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !ok {
		t.Fatal("expected claim to succeed")
	}

	// A second claim against the stale expected lane must be refused without error.
	ok, err = s.Update(ctx, id, Patch{
		ExpectLane: LanePtr(LaneQueued),
		Lane:       LanePtr(LaneDevelopment),
		ClaimedBy:  StringPtr("a2"),
	}, "router")
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if ok {
		t.Fatal("expected conflicting claim to be rejected")
	}

	task, _ := s.Get(ctx, id)
	if task.ClaimedBy != "a1" {
		t.Fatalf("claimed_by = %q, want a1", task.ClaimedBy)
	}
	if task.ClaimedAt == nil {
		t.Fatal("claimed_at not set")
	}
}

func TestUpdate_ClearClaim(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	id, _ := s.Create(ctx, Task{Title: "x"})

	if _, err := s.Update(ctx, id, Patch{
		Lane:      LanePtr(LaneDevelopment),
		ClaimedAt: TimePtr(time.Now()),
		ClaimedBy: StringPtr("a1"),
	}, "router"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := s.Update(ctx, id, Patch{
		Lane:       LanePtr(LaneQueued),
		ClearClaim: true,
	}, "health-monitor")
	if err != nil || !ok {
		t.Fatalf("release: ok=%v err=%v", ok, err)
	}

	task, _ := s.Get(ctx, id)
	if task.Lane != LaneQueued || task.ClaimedBy != "" || task.ClaimedAt != nil {
		t.Fatalf("release left %+v", task)
	}
}

func TestUpdate_MissingTask(t *testing.T) {
	s := openTestStore(t, nil)
	ok, err := s.Update(context.Background(), "nope", Patch{Lane: LanePtr(LaneDone)}, "router")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if ok {
		t.Fatal("expected false for missing task")
	}
}

func TestList_Filters(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	s.Create(ctx, Task{Title: "a", Owner: "backend-agent"})
	s.Create(ctx, Task{Title: "b", AssignedTo: "frontend-agent"})
	id3, _ := s.Create(ctx, Task{Title: "c"})
	s.Update(ctx, id3, Patch{Lane: LanePtr(LaneDevelopment)}, "test")

	queued, err := s.List(ctx, Filter{Lane: LaneQueued})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("queued = %d, want 2", len(queued))
	}

	owned, err := s.List(ctx, Filter{Lane: LaneQueued, HasOwner: boolPtr(true)})
	if err != nil {
		t.Fatalf("list owned: %v", err)
	}
	if len(owned) != 2 {
		t.Fatalf("owned = %d, want 2", len(owned))
	}

	mine, err := s.List(ctx, Filter{AssignedTo: "backend-agent"})
	if err != nil {
		t.Fatalf("list mine: %v", err)
	}
	if len(mine) != 1 || mine[0].Title != "a" {
		t.Fatalf("mine = %+v", mine)
	}
}

func boolPtr(b bool) *bool { return &b }
