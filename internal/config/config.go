// Package config loads and watches the drover configuration file.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftlock/drover/internal/otel"
)

// SchedulerConfig tunes the task router.
type SchedulerConfig struct {
	// ConcurrencyCeiling caps globally active sessions. Default 4.
	ConcurrencyCeiling int `yaml:"concurrency_ceiling"`
	// SpawnDelaySeconds paces consecutive spawn invocations. Default 4.
	SpawnDelaySeconds int `yaml:"spawn_delay_seconds"`
	// RetryLimit is the consecutive spawn failures tolerated per task before
	// it is escalated to blocked. Default 3.
	RetryLimit int `yaml:"retry_limit"`
	// AssignTable maps tag keywords to agent ids for the auto-assign
	// fallback. Empty uses the built-in table.
	AssignTable map[string]string `yaml:"assign_table"`
}

// TrackerConfig tunes the remote-state reconciliation loop.
type TrackerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"` // default 15
	GraceSeconds    int `yaml:"grace_seconds"`    // default 60
}

// HealthConfig tunes the periodic self-healing sweep.
type HealthConfig struct {
	// SweepSchedule is a 5-field cron expression. Default every 5 minutes.
	SweepSchedule string `yaml:"sweep_schedule"`
	// StuckAgeMinutes is how long a claim may idle in the working lane with
	// no live session before release. Default 12.
	StuckAgeMinutes int `yaml:"stuck_age_minutes"`
}

// RegistryConfig controls the session registry file.
type RegistryConfig struct {
	Path      string `yaml:"path"`      // default <home>/sessions.json
	Retention int    `yaml:"retention"` // terminal entries kept; default 200
}

// SubstrateConfig points at the external execution substrate.
type SubstrateConfig struct {
	SpawnURL    string `yaml:"spawn_url"`
	SessionsURL string `yaml:"sessions_url"`
	Token       string `yaml:"token"`
}

// AgentSeed declares one agent in the static fleet directory.
type AgentSeed struct {
	ID          string   `yaml:"id"`
	DisplayName string   `yaml:"display_name"`
	Roles       []string `yaml:"roles"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel   string `yaml:"log_level"`
	TaskDBPath string `yaml:"task_db_path"` // default <home>/tasks.db

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Health    HealthConfig    `yaml:"health"`
	Registry  RegistryConfig  `yaml:"registry"`
	Substrate SubstrateConfig `yaml:"substrate"`
	Agents    []AgentSeed     `yaml:"agents"`
	Otel      otel.Config     `yaml:"otel"`
}

// SpawnDelay returns the configured inter-spawn delay.
func (c Config) SpawnDelay() time.Duration {
	return time.Duration(c.Scheduler.SpawnDelaySeconds) * time.Second
}

// TrackerInterval returns how often the remote-state tracker polls.
func (c Config) TrackerInterval() time.Duration {
	return time.Duration(c.Tracker.IntervalSeconds) * time.Second
}

// TrackerGrace returns the fresh-session orphan grace period.
func (c Config) TrackerGrace() time.Duration {
	return time.Duration(c.Tracker.GraceSeconds) * time.Second
}

// StuckAge returns the stuck-claim age threshold.
func (c Config) StuckAge() time.Duration {
	return time.Duration(c.Health.StuckAgeMinutes) * time.Minute
}

// SubstrateToken returns the substrate auth token, env override first.
func (c Config) SubstrateToken() string {
	if v := os.Getenv("DROVER_SUBSTRATE_TOKEN"); v != "" {
		return v
	}
	return c.Substrate.Token
}

// Fingerprint returns a stable hash of the scheduling-relevant config, used
// to detect whether a reload actually changed anything.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "ceiling=%d|delay=%d|retry=%d|tracker=%d|sweep=%s|stuck=%d|log=%s",
		c.Scheduler.ConcurrencyCeiling, c.Scheduler.SpawnDelaySeconds,
		c.Scheduler.RetryLimit, c.Tracker.IntervalSeconds,
		c.Health.SweepSchedule, c.Health.StuckAgeMinutes, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Scheduler: SchedulerConfig{
			ConcurrencyCeiling: 4,
			SpawnDelaySeconds:  4,
			RetryLimit:         3,
		},
		Tracker: TrackerConfig{
			IntervalSeconds: 15,
			GraceSeconds:    60,
		},
		Health: HealthConfig{
			SweepSchedule:   "*/5 * * * *",
			StuckAgeMinutes: 12,
		},
		Registry: RegistryConfig{
			Retention: 200,
		},
		Otel: otel.Config{
			ServiceName: "drover",
			Exporter:    "stdout",
		},
	}
}

// HomeDir resolves the drover home directory. DROVER_HOME overrides the
// default ~/.drover.
func HomeDir() string {
	if override := os.Getenv("DROVER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".drover")
}

// Load reads config.yaml from the drover home, applies env overrides and
// fills defaults. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads the configuration rooted at the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create drover home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.TaskDBPath == "" {
		cfg.TaskDBPath = filepath.Join(cfg.HomeDir, "tasks.db")
	}
	if cfg.Scheduler.ConcurrencyCeiling <= 0 {
		cfg.Scheduler.ConcurrencyCeiling = 4
	}
	if cfg.Scheduler.SpawnDelaySeconds < 0 {
		cfg.Scheduler.SpawnDelaySeconds = 4
	}
	if cfg.Scheduler.RetryLimit <= 0 {
		cfg.Scheduler.RetryLimit = 3
	}
	if cfg.Tracker.IntervalSeconds <= 0 {
		cfg.Tracker.IntervalSeconds = 15
	}
	if cfg.Tracker.GraceSeconds <= 0 {
		cfg.Tracker.GraceSeconds = 60
	}
	if cfg.Health.SweepSchedule == "" {
		cfg.Health.SweepSchedule = "*/5 * * * *"
	}
	if cfg.Health.StuckAgeMinutes <= 0 {
		cfg.Health.StuckAgeMinutes = 12
	}
	if cfg.Registry.Path == "" {
		cfg.Registry.Path = filepath.Join(cfg.HomeDir, "sessions.json")
	}
	if cfg.Registry.Retention <= 0 {
		cfg.Registry.Retention = 200
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "drover"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DROVER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DROVER_CONCURRENCY_CEILING"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.ConcurrencyCeiling = v
		}
	}
	if raw := os.Getenv("DROVER_SPAWN_DELAY_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.SpawnDelaySeconds = v
		}
	}
	if raw := os.Getenv("DROVER_SPAWN_URL"); raw != "" {
		cfg.Substrate.SpawnURL = raw
	}
	if raw := os.Getenv("DROVER_SESSIONS_URL"); raw != "" {
		cfg.Substrate.SessionsURL = raw
	}
}
