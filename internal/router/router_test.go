package router

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driftlock/drover/internal/bus"
	"github.com/driftlock/drover/internal/fleet"
	"github.com/driftlock/drover/internal/registry"
	"github.com/driftlock/drover/internal/spawn"
	"github.com/driftlock/drover/internal/taskstore"
)

type fakeAdapter struct {
	mu      sync.Mutex
	invokes []spawn.TaskContext
	reject  bool
	err     error
}

func (f *fakeAdapter) Invoke(_ context.Context, _ string, taskCtx spawn.TaskContext) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invokes = append(f.invokes, taskCtx)
	if f.err != nil {
		return false, f.err
	}
	return !f.reject, nil
}

func (f *fakeAdapter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invokes)
}

func (f *fakeAdapter) invoke(i int) spawn.TaskContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invokes[i]
}

type fixture struct {
	router  *Router
	bus     *bus.Bus
	store   *taskstore.SQLiteStore
	reg     *registry.Registry
	adapter *fakeAdapter
}

func newFixture(t *testing.T, adapter *fakeAdapter, gate *spawn.RetryGate, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()

	eventBus := bus.New()
	store, err := taskstore.Open(filepath.Join(dir, "tasks.db"), eventBus)
	if err != nil {
		t.Fatalf("open task store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg, err := registry.Open(filepath.Join(dir, "sessions.json"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}

	agents := fleet.NewStaticDirectory([]fleet.Agent{
		{ID: "backend-agent"},
		{ID: "frontend-agent"},
	})

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := New(eventBus, store, agents, reg, adapter, gate, cfg)
	return &fixture{router: r, bus: eventBus, store: store, reg: reg, adapter: adapter}
}

func (fx *fixture) start(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	fx.router.Start(ctx)
	t.Cleanup(func() {
		cancel()
		fx.router.Stop()
	})
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (fx *fixture) lane(t *testing.T, taskID string) taskstore.Lane {
	t.Helper()
	task, err := fx.store.Get(context.Background(), taskID)
	if err != nil || task == nil {
		t.Fatalf("get task %s: task=%v err=%v", taskID, task, err)
	}
	return task.Lane
}

func TestRouterEndToEndKeywordAssignment(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{}, nil, Config{})

	spawns := make(chan SessionSpawn, 4)
	fx.router.OnSessionSpawn(func(s SessionSpawn) { spawns <- s })
	ctx := fx.start(t)

	taskID, err := fx.store.Create(ctx, taskstore.Task{
		ID:    "t1",
		Title: "add rate limiting to the API",
		Tags:  []string{"backend"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	var spawned SessionSpawn
	select {
	case spawned = <-spawns:
	case <-time.After(3 * time.Second):
		t.Fatal("spawn callback never fired")
	}

	if spawned.AgentID != "backend-agent" {
		t.Errorf("spawned agent = %q, want backend-agent", spawned.AgentID)
	}
	if spawned.TaskID != taskID {
		t.Errorf("spawned task = %q, want %q", spawned.TaskID, taskID)
	}
	if !strings.HasPrefix(spawned.SessionKey, "drover-") {
		t.Errorf("session key %q missing drover- prefix", spawned.SessionKey)
	}

	task, err := fx.store.Get(ctx, taskID)
	if err != nil || task == nil {
		t.Fatalf("get task: task=%v err=%v", task, err)
	}
	if task.Lane != taskstore.WorkingLane {
		t.Errorf("task lane = %q, want %q", task.Lane, taskstore.WorkingLane)
	}
	if task.ClaimedBy != "backend-agent" || task.ClaimedAt == nil {
		t.Errorf("claim fields not set: claimedBy=%q claimedAt=%v", task.ClaimedBy, task.ClaimedAt)
	}

	entry := fx.reg.ActiveByTask(taskID)
	if entry == nil {
		t.Fatal("no active registry entry after spawn")
	}
	if entry.ChildSessionKey != spawned.SessionKey || entry.AgentID != "backend-agent" {
		t.Errorf("registry entry mismatch: %+v", entry)
	}

	got := fx.adapter.invoke(0)
	if got.Title != "add rate limiting to the API" || got.Priority == "" {
		t.Errorf("task context not enriched from store: %+v", got)
	}
}

func TestRouterUnresolvedTaskStaysQueued(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{}, nil, Config{})
	ctx := fx.start(t)

	taskID, err := fx.store.Create(ctx, taskstore.Task{
		ID:    "t1",
		Title: "write the launch announcement",
		Tags:  []string{"docs"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if fx.adapter.count() != 0 {
		t.Errorf("adapter invoked %d times for unresolvable task", fx.adapter.count())
	}
	if lane := fx.lane(t, taskID); lane != taskstore.LaneQueued {
		t.Errorf("task lane = %q, want queued", lane)
	}
}

func TestRouterOfflineAgentNotAssigned(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{}, nil, Config{})
	ctx := fx.start(t)

	if err := fx.router.agents.SetStatus(ctx, "backend-agent", fleet.StatusOffline); err != nil {
		t.Fatalf("set status: %v", err)
	}
	taskID, err := fx.store.Create(ctx, taskstore.Task{ID: "t1", Tags: []string{"backend"}})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if fx.adapter.count() != 0 {
		t.Error("adapter invoked despite offline agent")
	}
	if lane := fx.lane(t, taskID); lane != taskstore.LaneQueued {
		t.Errorf("task lane = %q, want queued", lane)
	}
}

func TestRouterStaleQueuedEventLosesClaimRace(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{}, nil, Config{})
	ctx := fx.start(t)

	// Task already advanced out of queued by someone else. No event fires
	// because it is not created into the queued lane.
	taskID, err := fx.store.Create(ctx, taskstore.Task{
		ID:    "t-stale",
		Lane:  taskstore.WorkingLane,
		Owner: "backend-agent",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	// A stale queued event arrives anyway. The claim compare-and-set must
	// lose silently.
	fx.bus.Publish(bus.TopicTaskQueued, bus.TaskQueuedEvent{
		TaskID: taskID,
		Task:   bus.TaskSnapshot{ID: taskID, Lane: string(taskstore.LaneQueued), Owner: "backend-agent"},
	})

	time.Sleep(150 * time.Millisecond)
	if fx.adapter.count() != 0 {
		t.Errorf("adapter invoked %d times after lost claim race", fx.adapter.count())
	}
	if lane := fx.lane(t, taskID); lane != taskstore.WorkingLane {
		t.Errorf("task lane = %q, want unchanged %q", lane, taskstore.WorkingLane)
	}

	// The lost race must release its reservation: a real queued task for the
	// same agent still spawns.
	if _, err := fx.store.Create(ctx, taskstore.Task{ID: "t-real", Owner: "backend-agent"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	waitFor(t, "spawn after lost race", func() bool { return fx.adapter.count() == 1 })
}

func TestRouterDuplicateQueuedEventClaimsOnce(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{}, nil, Config{})
	ctx := fx.start(t)

	taskID, err := fx.store.Create(ctx, taskstore.Task{ID: "t-dup", Owner: "backend-agent"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	waitFor(t, "first spawn", func() bool { return fx.adapter.count() == 1 })

	// The same queued event delivered again, and once more with a hint
	// steering it at a free agent so the retry reaches the claim update
	// rather than stopping at the busy-agent reservation.
	dup := bus.TaskQueuedEvent{
		TaskID: taskID,
		Task:   bus.TaskSnapshot{ID: taskID, Lane: string(taskstore.LaneQueued), Owner: "backend-agent"},
	}
	fx.bus.Publish(bus.TopicTaskQueued, dup)
	dup.Task.Owner = ""
	dup.AgentHint = "frontend-agent"
	fx.bus.Publish(bus.TopicTaskQueued, dup)

	time.Sleep(150 * time.Millisecond)
	if fx.adapter.count() != 1 {
		t.Errorf("adapter invoked %d times for duplicate events, want 1", fx.adapter.count())
	}

	task, err := fx.store.Get(ctx, taskID)
	if err != nil || task == nil {
		t.Fatalf("get task: task=%v err=%v", task, err)
	}
	if task.Lane != taskstore.WorkingLane {
		t.Errorf("task lane = %q, want %q", task.Lane, taskstore.WorkingLane)
	}
	if task.ClaimedBy != "backend-agent" {
		t.Errorf("claimedBy = %q, want backend-agent after duplicate delivery", task.ClaimedBy)
	}
	if entries := fx.reg.ActiveByTask(taskID); entries == nil || entries.AgentID != "backend-agent" {
		t.Errorf("active entry = %+v, want one for backend-agent", entries)
	}
	if got := len(fx.reg.Active()); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestRouterPerAgentSingleFlight(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{}, nil, Config{})
	ctx := fx.start(t)

	if _, err := fx.store.Create(ctx, taskstore.Task{ID: "t1", Owner: "backend-agent"}); err != nil {
		t.Fatalf("create t1: %v", err)
	}
	if _, err := fx.store.Create(ctx, taskstore.Task{ID: "t2", Owner: "backend-agent"}); err != nil {
		t.Fatalf("create t2: %v", err)
	}

	waitFor(t, "first spawn", func() bool { return fx.reg.ActiveCount() == 1 })
	time.Sleep(150 * time.Millisecond)

	if fx.adapter.count() != 1 {
		t.Fatalf("adapter invoked %d times, want 1 while agent busy", fx.adapter.count())
	}
	if lane := fx.lane(t, "t2"); lane != taskstore.LaneQueued {
		t.Errorf("t2 lane = %q, want queued while agent busy", lane)
	}

	// Completion frees the agent and chains straight into t2.
	fx.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{TaskID: "t1", AgentID: "backend-agent"})

	waitFor(t, "chained spawn of t2", func() bool {
		return fx.adapter.count() == 2 && fx.lane(t, "t2") == taskstore.WorkingLane
	})

	if e := fx.reg.ByTask("t1"); e == nil || e.Status != registry.StatusCompleted {
		t.Errorf("t1 session not marked completed: %+v", e)
	}
	if fx.reg.ActiveCount() != 1 {
		t.Errorf("active sessions = %d, want 1 after chaining", fx.reg.ActiveCount())
	}
}

func TestRouterConcurrencyCeiling(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{}, nil, Config{ConcurrencyCeiling: 2})
	ctx := fx.start(t)

	for i, agent := range []string{"agent-a", "agent-b", "agent-c"} {
		id := []string{"t1", "t2", "t3"}[i]
		if _, err := fx.store.Create(ctx, taskstore.Task{ID: id, Owner: agent}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	waitFor(t, "two spawns", func() bool { return fx.reg.ActiveCount() == 2 })
	time.Sleep(150 * time.Millisecond)

	if fx.adapter.count() != 2 {
		t.Fatalf("adapter invoked %d times, want 2 at the ceiling", fx.adapter.count())
	}
	if lane := fx.lane(t, "t3"); lane != taskstore.LaneQueued {
		t.Errorf("t3 lane = %q, want queued at the ceiling", lane)
	}

	// A completion opens a slot; the retry sweep picks up t3.
	fx.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{TaskID: "t1", AgentID: "agent-a"})

	waitFor(t, "t3 spawned after slot opened", func() bool {
		return fx.lane(t, "t3") == taskstore.WorkingLane
	})
	if fx.reg.ActiveCount() != 2 {
		t.Errorf("active sessions = %d, want 2 after backfill", fx.reg.ActiveCount())
	}
}

func TestRouterSpawnRejectionReleasesClaim(t *testing.T) {
	adapter := &fakeAdapter{reject: true}
	fx := newFixture(t, adapter, spawn.NewRetryGate(5), Config{})
	ctx := fx.start(t)

	taskID, err := fx.store.Create(ctx, taskstore.Task{ID: "t1", Owner: "backend-agent"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	waitFor(t, "claim released after rejection", func() bool {
		return adapter.count() == 1 && fx.lane(t, taskID) == taskstore.LaneQueued
	})

	task, err := fx.store.Get(ctx, taskID)
	if err != nil || task == nil {
		t.Fatalf("get task: %v", err)
	}
	if task.ClaimedBy != "" || task.ClaimedAt != nil {
		t.Errorf("claim not cleared: claimedBy=%q claimedAt=%v", task.ClaimedBy, task.ClaimedAt)
	}
	if fx.reg.ActiveCount() != 0 {
		t.Errorf("active sessions = %d, want 0 after rejection", fx.reg.ActiveCount())
	}

	// The attempt is still on record as a terminal failed entry.
	e := fx.reg.ByTask(taskID)
	if e == nil || e.Status != registry.StatusFailed {
		t.Errorf("rejected spawn not recorded as failed: %+v", e)
	}
}

func TestRouterEscalatesAfterRetryLimit(t *testing.T) {
	adapter := &fakeAdapter{reject: true}
	fx := newFixture(t, adapter, spawn.NewRetryGate(2), Config{})
	ctx := fx.start(t)

	taskID, err := fx.store.Create(ctx, taskstore.Task{ID: "t1", Owner: "backend-agent"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	// First rejection releases the task back to queued.
	waitFor(t, "first rejection", func() bool {
		return adapter.count() == 1 && fx.lane(t, taskID) == taskstore.LaneQueued
	})

	// The retry sweep drives the second attempt, which exhausts the gate.
	if got := fx.router.TrySpawnWaitingTasks(ctx); got != 1 {
		t.Fatalf("TrySpawnWaitingTasks = %d, want 1", got)
	}
	waitFor(t, "escalation to blocked", func() bool {
		return fx.lane(t, taskID) == taskstore.LaneBlocked
	})

	task, err := fx.store.Get(ctx, taskID)
	if err != nil || task == nil {
		t.Fatalf("get task: %v", err)
	}
	if !strings.Contains(task.Note, "needs human attention") {
		t.Errorf("blocked note = %q, want escalation note", task.Note)
	}
	if task.ClaimedBy != "" {
		t.Errorf("claim not cleared on escalation: %q", task.ClaimedBy)
	}
}

func TestRouterReleaseTask(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{}, nil, Config{})
	ctx := fx.start(t)

	taskID, err := fx.store.Create(ctx, taskstore.Task{ID: "t1", Owner: "backend-agent"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	waitFor(t, "spawn", func() bool { return fx.reg.ActiveCount() == 1 })

	ok, err := fx.router.ReleaseTask(ctx, taskID)
	if err != nil || !ok {
		t.Fatalf("ReleaseTask = %v, %v", ok, err)
	}
	if lane := fx.lane(t, taskID); lane != taskstore.LaneQueued {
		t.Errorf("task lane = %q, want queued after release", lane)
	}
	if fx.reg.ActiveCount() != 0 {
		t.Errorf("active sessions = %d, want 0 after release", fx.reg.ActiveCount())
	}
	if e := fx.reg.ByTask(taskID); e == nil || e.Status != registry.StatusFailed {
		t.Errorf("released session not failed: %+v", e)
	}
}

func TestRouterNotifySessionTerminalChains(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{}, nil, Config{})
	ctx := fx.start(t)

	if _, err := fx.store.Create(ctx, taskstore.Task{ID: "t1", Owner: "backend-agent"}); err != nil {
		t.Fatalf("create t1: %v", err)
	}
	waitFor(t, "first spawn", func() bool { return fx.reg.ActiveCount() == 1 })

	if _, err := fx.store.Create(ctx, taskstore.Task{ID: "t2", Owner: "backend-agent"}); err != nil {
		t.Fatalf("create t2: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if fx.adapter.count() != 1 {
		t.Fatalf("adapter invoked %d times, want 1 while agent busy", fx.adapter.count())
	}

	entry := fx.reg.ActiveByTask("t1")
	if entry == nil {
		t.Fatal("no active entry for t1")
	}
	fx.router.NotifySessionTerminal(ctx, *entry, registry.StatusCompleted)

	waitFor(t, "t2 spawned after external completion", func() bool {
		return fx.lane(t, "t2") == taskstore.WorkingLane
	})
	if e := fx.reg.ByTask("t1"); e == nil || e.Status != registry.StatusCompleted {
		t.Errorf("t1 session not completed: %+v", e)
	}
}

func TestRouterBlockedEventMarksSessionBlocked(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{}, nil, Config{})
	ctx := fx.start(t)

	if _, err := fx.store.Create(ctx, taskstore.Task{ID: "t1", Owner: "backend-agent"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	waitFor(t, "spawn", func() bool { return fx.reg.ActiveCount() == 1 })

	fx.bus.Publish(bus.TopicTaskBlocked, bus.TaskBlockedEvent{
		TaskID: "t1", AgentID: "backend-agent", Reason: "missing credentials",
	})

	waitFor(t, "session marked blocked", func() bool {
		e := fx.reg.ByTask("t1")
		return e != nil && e.Status == registry.StatusBlocked
	})
	if fx.reg.ActiveCount() != 0 {
		t.Errorf("active sessions = %d, want 0 after blocked", fx.reg.ActiveCount())
	}
}
