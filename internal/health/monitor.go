// Package health runs the slow self-healing sweep: it releases claims that
// have sat in the working lane too long without a live session behind them,
// re-attempts queued work that earlier lost a concurrency-gate check, and
// prunes the session registry down to its retention cap.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/driftlock/drover/internal/activity"
	droverotel "github.com/driftlock/drover/internal/otel"
	"github.com/driftlock/drover/internal/registry"
	"github.com/driftlock/drover/internal/taskstore"
)

const (
	// DefaultSchedule sweeps every five minutes.
	DefaultSchedule = "*/5 * * * *"
	// DefaultStuckAge is how long a claim may sit in the working lane with
	// no active session before it is released.
	DefaultStuckAge = 12 * time.Minute
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Sweeper is the router-side surface the monitor drives.
type Sweeper interface {
	ReleaseTask(ctx context.Context, taskID string) (bool, error)
	TrySpawnWaitingTasks(ctx context.Context) int
}

// Config holds the monitor's dependencies and tunables.
type Config struct {
	Tasks     taskstore.Store
	Registry  *registry.Registry
	Sweeper   Sweeper
	Schedule  string // cron expression; defaults to every 5 minutes
	StuckAge  time.Duration
	Retention int // registry entries kept after pruning; 0 uses the registry default
	Logger    *slog.Logger
	Feed      *activity.Feed
	Metrics   *droverotel.Metrics
}

// Monitor is the periodic health sweep.
type Monitor struct {
	tasks     taskstore.Store
	reg       *registry.Registry
	sweeper   Sweeper
	schedule  cronlib.Schedule
	stuckAge  time.Duration
	retention int
	logger    *slog.Logger
	feed      *activity.Feed
	metrics   *droverotel.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor. The schedule must be a valid 5-field cron
// expression.
func New(cfg Config) (*Monitor, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", expr, err)
	}
	if cfg.StuckAge <= 0 {
		cfg.StuckAge = DefaultStuckAge
	}
	if cfg.Retention <= 0 {
		cfg.Retention = registry.DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{
		tasks:     cfg.Tasks,
		reg:       cfg.Registry,
		sweeper:   cfg.Sweeper,
		schedule:  schedule,
		stuckAge:  cfg.StuckAge,
		retention: cfg.Retention,
		logger:    cfg.Logger,
		feed:      cfg.Feed,
		metrics:   cfg.Metrics,
	}, nil
}

// Start runs the sweep loop in a background goroutine. One sweep fires
// immediately so a restart recovers stuck work without waiting a full
// schedule period.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("health monitor started", "stuck_age", m.stuckAge)
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	m.Sweep(ctx)
	for {
		next := m.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep performs one full pass: stuck-claim release, then the retry sweep,
// then registry pruning. Exported so operators and tests can force a pass.
func (m *Monitor) Sweep(ctx context.Context) {
	released := m.releaseStuck(ctx)
	spawned := m.sweeper.TrySpawnWaitingTasks(ctx)
	pruned := m.reg.Prune(m.retention)

	if released > 0 || spawned > 0 || pruned > 0 {
		m.logger.Info("health sweep",
			"released", released, "spawned", spawned, "pruned", pruned)
	}
}

// releaseStuck returns working-lane tasks older than the age threshold to
// queued, unless an active registry entry vouches for them. Long-running
// work with a live session is not an error.
func (m *Monitor) releaseStuck(ctx context.Context) int {
	working, err := m.tasks.List(ctx, taskstore.Filter{Lane: taskstore.WorkingLane})
	if err != nil {
		m.logger.Error("list working-lane tasks", "error", err)
		return 0
	}

	now := time.Now()
	released := 0
	for i := range working {
		task := working[i]
		claimed := task.UpdatedAt
		if task.ClaimedAt != nil {
			claimed = *task.ClaimedAt
		}
		if now.Sub(claimed) < m.stuckAge {
			continue
		}
		if m.reg.ActiveByTask(task.ID) != nil {
			continue
		}

		ok, err := m.sweeper.ReleaseTask(ctx, task.ID)
		if err != nil {
			m.logger.Error("release stuck task", "task", task.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		released++
		m.feed.Record(activity.KindStuckReleased, task.ID, task.ClaimedBy, "",
			fmt.Sprintf("claim idle for %s", now.Sub(claimed).Round(time.Second)))
		if m.metrics != nil {
			m.metrics.StuckReleased.Add(ctx, 1)
		}
		m.logger.Warn("stuck claim released", "task", task.ID, "agent", task.ClaimedBy)
	}
	return released
}
