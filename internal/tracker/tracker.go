// Package tracker reconciles the session registry against the execution
// substrate's own view of what is running. An active entry whose remote
// session has vanished is an orphan and is marked failed; an active entry
// whose task has already left the working lane is force-completed, because
// task state outranks session presence.
package tracker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/driftlock/drover/internal/activity"
	droverotel "github.com/driftlock/drover/internal/otel"
	"github.com/driftlock/drover/internal/registry"
	"github.com/driftlock/drover/internal/taskstore"
)

const (
	// DefaultInterval is how often the tracker polls the substrate.
	DefaultInterval = 15 * time.Second
	// DefaultGrace protects freshly spawned sessions from being declared
	// orphans before the substrate's listing has caught up.
	DefaultGrace = 60 * time.Second

	// sessionKeyPrefix limits reconciliation to sessions this scheduler
	// launched; the substrate may host unrelated work.
	sessionKeyPrefix = "drover-"
)

// Terminator is the router-side hook for sessions the tracker decides are
// done. It marks the entry terminal and chains the freed agent's next task.
type Terminator interface {
	NotifySessionTerminal(ctx context.Context, e registry.Entry, status registry.Status)
}

// Config holds the tracker's dependencies.
type Config struct {
	Client     SubstrateClient
	Registry   *registry.Registry
	Tasks      taskstore.Store
	Terminator Terminator
	Interval   time.Duration
	Grace      time.Duration
	Logger     *slog.Logger
	Feed       *activity.Feed
	Metrics    *droverotel.Metrics
}

// Tracker is the remote-state reconciliation loop.
type Tracker struct {
	client     SubstrateClient
	reg        *registry.Registry
	tasks      taskstore.Store
	terminator Terminator
	interval   time.Duration
	grace      time.Duration
	logger     *slog.Logger
	feed       *activity.Feed
	metrics    *droverotel.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Tracker with the given config.
func New(cfg Config) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		client:     cfg.Client,
		reg:        cfg.Registry,
		tasks:      cfg.Tasks,
		terminator: cfg.Terminator,
		interval:   cfg.Interval,
		grace:      cfg.Grace,
		logger:     cfg.Logger,
		feed:       cfg.Feed,
		metrics:    cfg.Metrics,
	}
}

// Start begins the reconciliation loop in a background goroutine.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.loop(ctx)
	t.logger.Info("remote-state tracker started", "interval", t.interval)
}

// Stop cancels the loop and waits for it to exit.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.logger.Info("remote-state tracker stopped")
}

func (t *Tracker) loop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick performs one reconciliation pass. A listing failure skips the whole
// pass: without the substrate's view nothing can safely be called an orphan.
func (t *Tracker) tick(ctx context.Context) {
	sessions, err := t.client.ListSessions(ctx)
	if err != nil {
		t.logger.Warn("session listing failed, skipping reconciliation", "error", err)
		return
	}

	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		if strings.HasPrefix(s.Key, sessionKeyPrefix) {
			live[s.Key] = true
		}
	}

	now := time.Now()
	for _, entry := range t.reg.Active() {
		if t.reconcileTaskLane(ctx, entry) {
			continue
		}
		if live[entry.ChildSessionKey] {
			continue
		}
		if now.Sub(time.UnixMilli(entry.SpawnedAt)) < t.grace {
			continue
		}
		t.recoverOrphan(ctx, entry)
	}
}

// reconcileTaskLane force-completes an active entry whose task has already
// moved out of the working lane. Returns true when the entry was terminated.
func (t *Tracker) reconcileTaskLane(ctx context.Context, entry registry.Entry) bool {
	task, err := t.tasks.Get(ctx, entry.TaskID)
	if err != nil {
		t.logger.Warn("task lookup failed during reconciliation",
			"task", entry.TaskID, "error", err)
		return false
	}
	if task == nil || task.Lane == taskstore.WorkingLane {
		return false
	}

	status := statusForLane(task.Lane)
	t.terminator.NotifySessionTerminal(ctx, entry, status)
	t.feed.Record(activity.KindSessionCompleted, entry.TaskID, entry.AgentID,
		entry.ChildSessionKey, "task lane moved to "+string(task.Lane))
	t.logger.Info("session force-completed on task lane divergence",
		"session", entry.ChildSessionKey, "task", entry.TaskID, "lane", task.Lane, "status", status)
	return true
}

func (t *Tracker) recoverOrphan(ctx context.Context, entry registry.Entry) {
	t.terminator.NotifySessionTerminal(ctx, entry, registry.StatusFailed)
	t.feed.Record(activity.KindOrphanRecovered, entry.TaskID, entry.AgentID,
		entry.ChildSessionKey, "session absent from substrate listing")
	if t.metrics != nil {
		t.metrics.OrphansRecovered.Add(ctx, 1)
	}
	t.logger.Warn("orphaned session recovered",
		"session", entry.ChildSessionKey, "task", entry.TaskID, "agent", entry.AgentID)
}

// statusForLane maps a task's post-working lane to the terminal status of
// the session that was driving it.
func statusForLane(lane taskstore.Lane) registry.Status {
	switch lane {
	case taskstore.LaneReview, taskstore.LaneDone:
		return registry.StatusCompleted
	case taskstore.LaneBlocked:
		return registry.StatusBlocked
	default:
		return registry.StatusFailed
	}
}
