// Package router implements the push-based task scheduler: it listens for
// task lifecycle events, resolves an agent, claims the task exactly once,
// and serializes session launches toward the execution substrate. All
// scheduling state it relies on lives in the session registry and the task
// store; the router itself can be restarted freely.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/driftlock/drover/internal/activity"
	"github.com/driftlock/drover/internal/bus"
	"github.com/driftlock/drover/internal/fleet"
	droverotel "github.com/driftlock/drover/internal/otel"
	"github.com/driftlock/drover/internal/registry"
	"github.com/driftlock/drover/internal/shared"
	"github.com/driftlock/drover/internal/spawn"
	"github.com/driftlock/drover/internal/taskstore"
)

const (
	// DefaultConcurrencyCeiling caps globally active sessions.
	DefaultConcurrencyCeiling = 4
	// DefaultSpawnDelay paces consecutive launches toward the substrate.
	DefaultSpawnDelay = 4 * time.Second
)

// Config holds the router's tunables and optional collaborators.
type Config struct {
	ConcurrencyCeiling int
	SpawnDelay         time.Duration
	AssignTable        AssignTable
	Logger             *slog.Logger
	Feed               *activity.Feed
	Metrics            *droverotel.Metrics
	Tracer             trace.Tracer
}

// SessionSpawn describes a launch that the substrate accepted.
type SessionSpawn struct {
	SessionKey string
	AgentID    string
	TaskID     string
}

// SpawnCallback is invoked synchronously inside the serialized spawn queue,
// in registration order, after the session registry entry exists.
type SpawnCallback func(SessionSpawn)

// Router is the task-routing state machine.
type Router struct {
	eventBus *bus.Bus
	tasks    taskstore.Store
	agents   fleet.Directory
	reg      *registry.Registry
	adapter  spawn.Adapter
	gate     *spawn.RetryGate

	ceiling int
	table   AssignTable
	logger  *slog.Logger
	feed    *activity.Feed
	metrics *droverotel.Metrics
	tracer  trace.Tracer

	queue *spawnQueue

	cbMu      sync.Mutex
	callbacks []SpawnCallback

	// pending reserves an agent between winning the claim and the registry
	// entry existing, so the serialized spawn queue cannot be raced into
	// giving one agent two concurrent sessions.
	pendingMu sync.Mutex
	pending   map[string]string // agentID -> taskID

	sub    *bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Router. All collaborators are required except gate (a default
// retry gate is created) and the Config extras.
func New(eventBus *bus.Bus, tasks taskstore.Store, agents fleet.Directory,
	reg *registry.Registry, adapter spawn.Adapter, gate *spawn.RetryGate, cfg Config) *Router {

	if cfg.ConcurrencyCeiling <= 0 {
		cfg.ConcurrencyCeiling = DefaultConcurrencyCeiling
	}
	if cfg.SpawnDelay < 0 {
		cfg.SpawnDelay = DefaultSpawnDelay
	}
	if cfg.AssignTable == nil {
		cfg.AssignTable = DefaultAssignTable()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if gate == nil {
		gate = spawn.NewRetryGate(0)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(droverotel.TracerName)
	}

	r := &Router{
		eventBus: eventBus,
		tasks:    tasks,
		agents:   agents,
		reg:      reg,
		adapter:  adapter,
		gate:     gate,
		ceiling:  cfg.ConcurrencyCeiling,
		table:    cfg.AssignTable,
		logger:   cfg.Logger,
		feed:     cfg.Feed,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		pending:  make(map[string]string),
	}
	r.queue = newSpawnQueue(cfg.SpawnDelay, r.executeSpawn)
	return r
}

// OnSessionSpawn registers a callback invoked for every accepted launch.
// Callbacks run synchronously within the spawn queue, in registration order.
func (r *Router) OnSessionSpawn(cb SpawnCallback) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Start subscribes to task events and begins draining the spawn queue.
func (r *Router) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.sub = r.eventBus.Subscribe("task.")
	r.queue.start(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-r.sub.Ch():
				if !ok {
					return
				}
				r.dispatch(ctx, ev)
			}
		}
	}()
	r.logger.Info("task router started", "ceiling", r.ceiling)
}

// Stop cancels the event loop and waits for it and the spawn queue.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.sub != nil {
		r.eventBus.Unsubscribe(r.sub)
	}
	r.wg.Wait()
	r.queue.wait()
	r.logger.Info("task router stopped")
}

// ensureTrace stamps a fresh trace id on contexts that arrived without one,
// so every scheduler decision logs under a single correlatable id.
func ensureTrace(ctx context.Context) context.Context {
	if shared.TraceID(ctx) == "-" {
		return shared.WithTraceID(ctx, shared.NewTraceID())
	}
	return ctx
}

// dispatch routes one bus event. Events are handled in arrival order on a
// single goroutine; the claim compare-and-set makes duplicate deliveries
// harmless.
func (r *Router) dispatch(ctx context.Context, ev bus.Event) {
	ctx = ensureTrace(ctx)
	switch payload := ev.Payload.(type) {
	case bus.TaskQueuedEvent:
		r.handleQueued(ctx, payload)
	case bus.TaskCompletedEvent:
		r.handleTerminal(ctx, payload.TaskID, payload.AgentID, registry.StatusCompleted, "")
	case bus.TaskBlockedEvent:
		r.handleTerminal(ctx, payload.TaskID, payload.AgentID, registry.StatusBlocked, payload.Reason)
	default:
		r.logger.DebugContext(ctx, "ignoring event", "topic", ev.Topic)
	}
}

func (r *Router) handleQueued(ctx context.Context, ev bus.TaskQueuedEvent) {
	ctx = shared.WithTaskID(ctx, ev.TaskID)
	agentID := r.resolveAgent(ctx, ev)
	if agentID == "" {
		r.logger.DebugContext(ctx, "no agent resolved, task stays queued")
		return
	}
	r.tryClaimAndSpawn(ctx, ev.TaskID, agentID)
}

// resolveAgent applies the assignment policy: explicit owner, then the
// event's hint, then the keyword table over the task's tags. The directory
// is consulted only by the keyword fallback, which refuses offline or
// unknown agents.
func (r *Router) resolveAgent(ctx context.Context, ev bus.TaskQueuedEvent) string {
	if ev.Task.Owner != "" {
		return ev.Task.Owner
	}
	if ev.Task.AssignedTo != "" {
		return ev.Task.AssignedTo
	}
	if ev.AgentHint != "" {
		return ev.AgentHint
	}

	agentID := ResolveByTags(ev.Task.Tags, r.table)
	if agentID == "" {
		return ""
	}
	agent, err := r.agents.Get(ctx, agentID)
	if err != nil {
		r.logger.WarnContext(ctx, "agent directory lookup failed", "agent", agentID, "error", err)
		return ""
	}
	if agent == nil || agent.Status == fleet.StatusOffline {
		return ""
	}
	return agentID
}

// reserve marks the agent as spoken-for between claim and registry entry.
// Returns false when the concurrency gate denies the spawn.
func (r *Router) reserve(agentID, taskID string) bool {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	if _, busy := r.pending[agentID]; busy {
		return false
	}
	if len(r.reg.ActiveByAgent(agentID)) > 0 {
		return false
	}
	if r.reg.ActiveCount()+len(r.pending) >= r.ceiling {
		return false
	}
	r.pending[agentID] = taskID
	return true
}

func (r *Router) unreserve(agentID string) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	delete(r.pending, agentID)
}

// tryClaimAndSpawn runs the concurrency gate and the atomic claim, then
// enqueues the launch. Returns true when this router decision advanced the
// task out of queued. A lost claim race is a silent no-op.
func (r *Router) tryClaimAndSpawn(ctx context.Context, taskID, agentID string) bool {
	ctx = shared.WithTaskID(ctx, taskID)
	ctx = shared.WithAgentID(ctx, agentID)
	if !r.reserve(agentID, taskID) {
		r.logger.DebugContext(ctx, "concurrency gate closed")
		return false
	}

	ctx, span := droverotel.StartSpan(ctx, r.tracer, "router.claim",
		droverotel.AttrTaskID.String(taskID),
		droverotel.AttrAgentID.String(agentID),
		droverotel.AttrLane.String(string(taskstore.WorkingLane)))
	defer span.End()

	now := time.Now().UTC()
	ok, err := r.tasks.Update(ctx, taskID, taskstore.Patch{
		ExpectLane: taskstore.LanePtr(taskstore.LaneQueued),
		Lane:       taskstore.LanePtr(taskstore.WorkingLane),
		AssignedTo: taskstore.StringPtr(agentID),
		ClaimedAt:  taskstore.TimePtr(now),
		ClaimedBy:  taskstore.StringPtr(agentID),
	}, "router")
	if err != nil {
		r.unreserve(agentID)
		r.logger.ErrorContext(ctx, "claim update failed", "error", err)
		return false
	}
	if !ok {
		// Another decision already advanced the task. Benign, not an error.
		r.unreserve(agentID)
		if r.metrics != nil {
			r.metrics.ClaimConflicts.Add(ctx, 1)
		}
		return false
	}

	if r.metrics != nil {
		r.metrics.ClaimsWon.Add(ctx, 1)
	}
	r.feed.Record(activity.KindClaim, taskID, agentID, "", "")
	r.logger.InfoContext(ctx, "task claimed")

	taskCtx := spawn.TaskContext{
		SessionKey: shared.NewSessionKey(),
		TaskID:     taskID,
		AgentID:    agentID,
	}
	if task, getErr := r.tasks.Get(ctx, taskID); getErr == nil && task != nil {
		taskCtx.Title = task.Title
		taskCtx.Priority = string(task.Priority)
		taskCtx.Tags = task.Tags
	}
	r.queue.enqueue(agentID, taskCtx)
	return true
}

// executeSpawn runs inside the spawn queue's single drainer.
func (r *Router) executeSpawn(ctx context.Context, job *spawnJob) {
	ctx = ensureTrace(ctx)
	ctx = shared.WithTaskID(ctx, job.taskCtx.TaskID)
	ctx = shared.WithAgentID(ctx, job.agentID)
	ctx = shared.WithSessionKey(ctx, job.taskCtx.SessionKey)
	if r.metrics != nil {
		r.metrics.SpawnQueueWait.Record(ctx, time.Since(job.enqueuedAt).Seconds())
	}

	ctx, span := droverotel.StartClientSpan(ctx, r.tracer, "spawn.invoke",
		droverotel.AttrTaskID.String(job.taskCtx.TaskID),
		droverotel.AttrAgentID.String(job.agentID),
		droverotel.AttrSessionKey.String(job.taskCtx.SessionKey))
	defer span.End()

	accepted, err := r.adapter.Invoke(ctx, job.agentID, job.taskCtx)
	if err != nil {
		r.logger.WarnContext(ctx, "spawn invoke failed", "error", err)
	}
	if !accepted {
		r.handleSpawnRejection(ctx, job, err)
		return
	}

	entry := registry.Entry{
		ChildSessionKey: job.taskCtx.SessionKey,
		AgentID:         job.agentID,
		TaskID:          job.taskCtx.TaskID,
		Status:          registry.StatusActive,
	}
	if regErr := r.reg.Register(entry); regErr != nil {
		r.logger.ErrorContext(ctx, "register session", "error", regErr)
	}
	r.unreserve(job.agentID)
	r.gate.Reset(job.taskCtx.TaskID)

	if r.metrics != nil {
		r.metrics.SpawnsAccepted.Add(ctx, 1)
		r.metrics.ActiveSessions.Add(ctx, 1)
	}
	r.logger.InfoContext(ctx, "session spawned")

	r.cbMu.Lock()
	callbacks := make([]SpawnCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.cbMu.Unlock()
	for _, cb := range callbacks {
		cb(SessionSpawn{
			SessionKey: entry.ChildSessionKey,
			AgentID:    entry.AgentID,
			TaskID:     entry.TaskID,
		})
	}
}

// handleSpawnRejection releases the claim so a later sweep can retry, or
// escalates the task to blocked once the retry gate is exhausted. The
// rejected attempt is recorded in the registry as a terminal failed entry.
func (r *Router) handleSpawnRejection(ctx context.Context, job *spawnJob, cause error) {
	taskID := job.taskCtx.TaskID
	r.unreserve(job.agentID)

	detail := "substrate rejected spawn"
	if cause != nil {
		detail = cause.Error()
	}
	completed := time.Now().UnixMilli()
	if regErr := r.reg.Register(registry.Entry{
		ChildSessionKey: job.taskCtx.SessionKey,
		AgentID:         job.agentID,
		TaskID:          taskID,
		Status:          registry.StatusFailed,
		CompletedAt:     &completed,
	}); regErr != nil {
		r.logger.ErrorContext(ctx, "record rejected spawn", "error", regErr)
	}
	r.feed.Record(activity.KindSpawnRejected, taskID, job.agentID, job.taskCtx.SessionKey, detail)
	if r.metrics != nil {
		r.metrics.SpawnsRejected.Add(ctx, 1)
	}

	if r.gate.Rejected(taskID) {
		note := fmt.Sprintf("spawn failed %d consecutive times (%s); needs human attention",
			r.gate.Failures(taskID), detail)
		ok, err := r.tasks.Update(ctx, taskID, taskstore.Patch{
			ExpectLane: taskstore.LanePtr(taskstore.WorkingLane),
			Lane:       taskstore.LanePtr(taskstore.LaneBlocked),
			Note:       taskstore.StringPtr(note),
			ClearClaim: true,
		}, "router")
		if err != nil || !ok {
			r.logger.ErrorContext(ctx, "escalate task to blocked", "ok", ok, "error", err)
		}
		r.gate.Reset(taskID)
		r.feed.Record(activity.KindEscalated, taskID, job.agentID, "", note)
		if r.metrics != nil {
			r.metrics.Escalations.Add(ctx, 1)
		}
		r.logger.WarnContext(ctx, "task escalated to blocked")
		return
	}

	ok, err := r.tasks.Update(ctx, taskID, taskstore.Patch{
		ExpectLane: taskstore.LanePtr(taskstore.WorkingLane),
		Lane:       taskstore.LanePtr(taskstore.LaneQueued),
		ClearClaim: true,
	}, "router")
	if err != nil || !ok {
		r.logger.ErrorContext(ctx, "release claim after rejection", "ok", ok, "error", err)
		return
	}
	r.feed.Record(activity.KindClaimReleased, taskID, job.agentID, "", detail)
}

// handleTerminal marks the task's session terminal and frees the agent for
// its next queued task, falling back to the global retry sweep.
func (r *Router) handleTerminal(ctx context.Context, taskID, agentID string, status registry.Status, reason string) {
	ctx = shared.WithTaskID(ctx, taskID)
	ctx = shared.WithAgentID(ctx, agentID)
	key := r.reg.MarkCompleteByTaskID(taskID, status)
	if key != "" {
		if r.metrics != nil {
			r.metrics.ActiveSessions.Add(ctx, -1)
		}
		r.feed.Record(activity.KindSessionCompleted, taskID, agentID, key, reason)
		r.logger.InfoContext(shared.WithSessionKey(ctx, key), "session terminal", "status", status)
	}
	r.gate.Reset(taskID)

	if agentID == "" {
		if e := r.reg.ByTask(taskID); e != nil {
			agentID = e.AgentID
		}
	}
	r.scheduleNext(ctx, agentID)
}

// NotifySessionTerminal is the entry point for external reconcilers (the
// remote-state tracker) that already hold the registry entry. It performs
// the same completion chaining as an explicit bus signal.
func (r *Router) NotifySessionTerminal(ctx context.Context, e registry.Entry, status registry.Status) {
	ctx = ensureTrace(ctx)
	ctx = shared.WithTaskID(ctx, e.TaskID)
	ctx = shared.WithAgentID(ctx, e.AgentID)
	if !r.reg.MarkComplete(e.ChildSessionKey, status) {
		return
	}
	if r.metrics != nil {
		r.metrics.ActiveSessions.Add(ctx, -1)
	}
	r.gate.Reset(e.TaskID)
	r.scheduleNext(ctx, e.AgentID)
}

// scheduleNext re-enters the queued-handling path for the freed agent's next
// task, or falls back to the generic retry sweep.
func (r *Router) scheduleNext(ctx context.Context, agentID string) {
	if agentID != "" {
		next, err := r.tasks.List(ctx, taskstore.Filter{
			Lane:       taskstore.LaneQueued,
			AssignedTo: agentID,
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "list next tasks", "agent", agentID, "error", err)
		} else if len(next) > 0 {
			r.tryClaimAndSpawn(ctx, next[0].ID, agentID)
			return
		}
	}
	r.TrySpawnWaitingTasks(ctx)
}

// TrySpawnWaitingTasks scans all queued tasks with an explicit owner and
// attempts to spawn any whose concurrency gate now passes. Safe to call from
// any goroutine; the health monitor uses it as its retry path.
func (r *Router) TrySpawnWaitingTasks(ctx context.Context) int {
	ctx = ensureTrace(ctx)
	waiting, err := r.tasks.List(ctx, taskstore.Filter{
		Lane:     taskstore.LaneQueued,
		HasOwner: taskstore.BoolPtr(true),
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "list waiting tasks", "error", err)
		return 0
	}

	spawned := 0
	for i := range waiting {
		task := waiting[i]
		agentID := task.Assignee()
		if agentID == "" {
			continue
		}
		if r.tryClaimAndSpawn(ctx, task.ID, agentID) {
			spawned++
		}
	}
	return spawned
}

// ReleaseTask is the manual escape hatch: it fails any active session for
// the task and returns the task to queued. Used by the health monitor's
// stuck-claim sweep and by external retry logic.
func (r *Router) ReleaseTask(ctx context.Context, taskID string) (bool, error) {
	ctx = ensureTrace(ctx)
	ctx = shared.WithTaskID(ctx, taskID)
	if e := r.reg.ActiveByTask(taskID); e != nil {
		if r.reg.MarkComplete(e.ChildSessionKey, registry.StatusFailed) && r.metrics != nil {
			r.metrics.ActiveSessions.Add(ctx, -1)
		}
	}

	ok, err := r.tasks.Update(ctx, taskID, taskstore.Patch{
		ExpectLane: taskstore.LanePtr(taskstore.WorkingLane),
		Lane:       taskstore.LanePtr(taskstore.LaneQueued),
		ClearClaim: true,
	}, "release")
	if err != nil {
		return false, fmt.Errorf("release task %s: %w", taskID, err)
	}
	if ok {
		r.feed.Record(activity.KindClaimReleased, taskID, "", "", "manual release")
	}
	return ok, nil
}

// SpawnQueueDepth reports how many launches are waiting in the serialized
// queue.
func (r *Router) SpawnQueueDepth() int {
	return r.queue.depth()
}
