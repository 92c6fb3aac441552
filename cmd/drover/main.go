// Command drover runs the agent-fleet task scheduler: it watches the task
// store for queued work, claims tasks for agents, launches remote sessions
// through the execution substrate, and self-heals orphaned or stuck work.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/driftlock/drover/internal/activity"
	"github.com/driftlock/drover/internal/bus"
	"github.com/driftlock/drover/internal/config"
	"github.com/driftlock/drover/internal/fleet"
	"github.com/driftlock/drover/internal/health"
	otelPkg "github.com/driftlock/drover/internal/otel"
	"github.com/driftlock/drover/internal/registry"
	"github.com/driftlock/drover/internal/router"
	"github.com/driftlock/drover/internal/spawn"
	"github.com/driftlock/drover/internal/taskstore"
	"github.com/driftlock/drover/internal/telemetry"
	"github.com/driftlock/drover/internal/tracker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the scheduler daemon
  %s -quiet                   Run with file-only logs (no stdout mirror)

SUBCOMMANDS:
  %s status                   Show the session registry snapshot

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DROVER_HOME                 Data directory (default: ~/.drover)
  DROVER_SUBSTRATE_TOKEN      Bearer token for the execution substrate
  DROVER_LOG_LEVEL            Log level override (debug|info|warn|error)
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, no stdout mirror")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "status":
			os.Exit(runStatusCommand(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx, *quiet))
}

func runDaemon(ctx context.Context, quiet bool) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version,
		"fingerprint", cfg.Fingerprint())

	feed, err := activity.Open(cfg.HomeDir)
	if err != nil {
		// The scheduler runs without its activity feed; decisions still land
		// in the structured log.
		logger.Warn("activity feed unavailable", "error", err)
		feed = nil
	}
	defer feed.Close()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	eventBus := bus.New()

	store, err := taskstore.Open(cfg.TaskDBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "task_store_ready", "path", cfg.TaskDBPath)

	reg, err := registry.Open(cfg.Registry.Path, registry.WithLogger(logger))
	if err != nil {
		fatalStartup(logger, "E_REGISTRY_OPEN", err)
	}
	logger.Info("startup phase", "phase", "registry_loaded",
		"active", reg.ActiveCount(), "total", len(reg.All()))

	agents := fleet.NewStaticDirectory(seedAgents(cfg))

	adapter, err := spawn.NewHTTPAdapter(cfg.Substrate.SpawnURL, 0)
	if err != nil {
		fatalStartup(logger, "E_SPAWN_ADAPTER", err)
	}
	adapter.WithToken(cfg.SubstrateToken())
	gate := spawn.NewRetryGate(cfg.Scheduler.RetryLimit)

	rtr := router.New(eventBus, store, agents, reg, adapter, gate, router.Config{
		ConcurrencyCeiling: cfg.Scheduler.ConcurrencyCeiling,
		SpawnDelay:         cfg.SpawnDelay(),
		AssignTable:        assignTable(cfg),
		Logger:             logger,
		Feed:               feed,
		Metrics:            metrics,
		Tracer:             otelProvider.Tracer,
	})
	rtr.Start(ctx)
	defer rtr.Stop()

	substrate := tracker.NewHTTPSubstrateClient(cfg.Substrate.SessionsURL).
		WithToken(cfg.SubstrateToken())
	trk := tracker.New(tracker.Config{
		Client:     substrate,
		Registry:   reg,
		Tasks:      store,
		Terminator: rtr,
		Interval:   cfg.TrackerInterval(),
		Grace:      cfg.TrackerGrace(),
		Logger:     logger,
		Feed:       feed,
		Metrics:    metrics,
	})
	trk.Start(ctx)
	defer trk.Stop()

	monitor, err := health.New(health.Config{
		Tasks:     store,
		Registry:  reg,
		Sweeper:   rtr,
		Schedule:  cfg.Health.SweepSchedule,
		StuckAge:  cfg.StuckAge(),
		Retention: cfg.Registry.Retention,
		Logger:    logger,
		Feed:      feed,
		Metrics:   metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_HEALTH_INIT", err)
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchConfig(ctx, watcher, cfg, logger)
	}

	logger.Info("drover running",
		"ceiling", cfg.Scheduler.ConcurrencyCeiling,
		"spawn_delay", cfg.SpawnDelay(),
		"tracker_interval", cfg.TrackerInterval(),
		"sweep_schedule", cfg.Health.SweepSchedule)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return 0
}

// watchConfig reacts to config.yaml edits. Scheduling parameters are wired
// at startup, so a changed fingerprint is surfaced for the operator rather
// than hot-applied.
func watchConfig(ctx context.Context, watcher *config.Watcher, current config.Config, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			next, err := config.Load()
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			if next.Fingerprint() == current.Fingerprint() {
				continue
			}
			logger.Warn("scheduling config changed on disk; restart to apply",
				"old", current.Fingerprint(), "new", next.Fingerprint())
			current = next
		}
	}
}

// seedAgents converts config agent seeds into the fleet directory's form.
// With no agents configured the stock two-agent fleet is used so the default
// assignment table resolves to something real.
func seedAgents(cfg config.Config) []fleet.Agent {
	if len(cfg.Agents) == 0 {
		return []fleet.Agent{
			{ID: "backend-agent", DisplayName: "Backend", Roles: []string{"backend", "api", "server"}},
			{ID: "frontend-agent", DisplayName: "Frontend", Roles: []string{"frontend", "ui", "design"}},
		}
	}
	out := make([]fleet.Agent, 0, len(cfg.Agents))
	for _, seed := range cfg.Agents {
		out = append(out, fleet.Agent{
			ID:          seed.ID,
			DisplayName: seed.DisplayName,
			Roles:       seed.Roles,
		})
	}
	return out
}

// assignTable builds the keyword table from config, falling back to the
// router's built-in mapping.
func assignTable(cfg config.Config) router.AssignTable {
	if len(cfg.Scheduler.AssignTable) == 0 {
		return router.DefaultAssignTable()
	}
	table := make(router.AssignTable, len(cfg.Scheduler.AssignTable))
	for tag, agent := range cfg.Scheduler.AssignTable {
		table[strings.ToLower(strings.TrimSpace(tag))] = agent
	}
	return table
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
