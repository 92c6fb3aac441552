// Package registry is the durable session registry: the single source of
// truth for which agent is working which task and whether that session is
// still alive. It is the only writer of session entries; the router, the
// remote-state tracker and the health monitor all mutate session state
// through it.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Status is a session's lifecycle state. active is the only non-terminal one.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusBlocked
}

// Entry is one remote execution session. The persisted form is a JSON array
// of these; unknown fields from newer writers are tolerated on read.
type Entry struct {
	ChildSessionKey string `json:"childSessionKey"`
	AgentID         string `json:"agentId"`
	TaskID          string `json:"taskId"`
	Status          Status `json:"status"`
	SpawnedAt       int64  `json:"spawnedAt"`             // epoch milliseconds
	CompletedAt     *int64 `json:"completedAt,omitempty"` // nil while active
	TokenUsage      *int64 `json:"tokenUsage,omitempty"`
	Duration        *int64 `json:"duration,omitempty"` // milliseconds
	Model           string `json:"model,omitempty"`
}

// SessionMetrics is the best-effort usage data extracted from a session
// transcript once the remote substrate makes it available.
type SessionMetrics struct {
	TokenUsage int64
	Duration   time.Duration
	Model      string
}

// TranscriptParser extracts metrics for a finished session. Implementations
// live outside the scheduler core; the registry tolerates any failure here
// and records the entry with null metrics.
type TranscriptParser interface {
	Metrics(sessionKey string) (*SessionMetrics, error)
}

// DefaultRetention is how many terminal entries are kept before pruning.
const DefaultRetention = 200

// Registry holds session entries in memory and snapshots them to disk on
// every mutation. A failed write is logged and the in-memory state stays
// authoritative until the next successful write.
type Registry struct {
	mu      sync.Mutex
	path    string
	logger  *slog.Logger
	parser  TranscriptParser
	entries map[string]*Entry

	now func() time.Time // overridable in tests
}

// Option configures a Registry.
type Option func(*Registry)

// WithTranscriptParser sets the metric-extraction collaborator.
func WithTranscriptParser(p TranscriptParser) Option {
	return func(r *Registry) { r.parser = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Open loads (or creates) the registry snapshot at path.
func Open(path string, opts ...Option) (*Registry, error) {
	r := &Registry{
		path:    path,
		logger:  slog.Default(),
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session registry: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode session registry: %w", err)
	}
	for i := range entries {
		e := entries[i]
		r.entries[e.ChildSessionKey] = &e
	}
	return nil
}

// persistLocked snapshots all entries atomically (write temp, then rename).
// Callers hold r.mu. Failures are logged, never propagated: the in-memory
// registry stays authoritative and the next mutation retries the write.
func (r *Registry) persistLocked() {
	entries := r.sortedLocked()
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		r.logger.Error("encode session registry", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		r.logger.Error("create registry directory", "error", err)
		return
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.logger.Error("write session registry temp file", "error", err)
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		r.logger.Error("rename session registry snapshot", "error", err)
	}
}

func (r *Registry) sortedLocked() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SpawnedAt != out[j].SpawnedAt {
			return out[i].SpawnedAt < out[j].SpawnedAt
		}
		return out[i].ChildSessionKey < out[j].ChildSessionKey
	})
	return out
}

// Register inserts a new active entry. The at-most-one-active-per-task
// invariant is enforced by the router's concurrency gate before it spawns;
// Register only refuses duplicate session keys.
func (r *Registry) Register(entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ChildSessionKey == "" {
		return errors.New("register: empty session key")
	}
	if _, exists := r.entries[entry.ChildSessionKey]; exists {
		return fmt.Errorf("register: session %s already exists", entry.ChildSessionKey)
	}
	if entry.Status == "" {
		entry.Status = StatusActive
	}
	if entry.SpawnedAt == 0 {
		entry.SpawnedAt = r.now().UnixMilli()
	}
	r.entries[entry.ChildSessionKey] = &entry
	r.persistLocked()
	return nil
}

// MarkComplete moves the session to a terminal status. Returns true only on
// the first terminal transition; marking an already-terminal entry again is
// a no-op, which keeps the three independent writers (router, tracker,
// health monitor) from double-counting a completion.
func (r *Registry) MarkComplete(sessionKey string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.markCompleteLocked(sessionKey, status)
}

// MarkCompleteByTaskID terminates the active entry for the given task, used
// when a completion signal carries no session key. Returns the terminated
// entry's session key, or "" when no active entry exists.
func (r *Registry) MarkCompleteByTaskID(taskID string, status Status) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, e := range r.entries {
		if e.TaskID == taskID && e.Status == StatusActive {
			r.markCompleteLocked(key, status)
			return key
		}
	}
	return ""
}

func (r *Registry) markCompleteLocked(sessionKey string, status Status) bool {
	e, ok := r.entries[sessionKey]
	if !ok || e.Status.Terminal() {
		return false
	}
	if !status.Terminal() {
		return false
	}
	e.Status = status
	completed := r.now().UnixMilli()
	e.CompletedAt = &completed
	r.enrichLocked(e)
	r.persistLocked()
	return true
}

// enrichLocked backfills best-effort metrics from the transcript parser.
// Parser failure leaves the metric fields null.
func (r *Registry) enrichLocked(e *Entry) {
	if r.parser == nil {
		return
	}
	metrics, err := r.parser.Metrics(e.ChildSessionKey)
	if err != nil {
		r.logger.Warn("transcript metrics unavailable",
			"session", e.ChildSessionKey, "error", err)
		return
	}
	if metrics == nil {
		return
	}
	tokens := metrics.TokenUsage
	duration := metrics.Duration.Milliseconds()
	e.TokenUsage = &tokens
	e.Duration = &duration
	if metrics.Model != "" {
		e.Model = metrics.Model
	}
}

// Active returns all non-terminal entries.
func (r *Registry) Active() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	for _, e := range r.sortedLocked() {
		if e.Status == StatusActive {
			out = append(out, e)
		}
	}
	return out
}

// ActiveCount returns the number of non-terminal entries, the router's
// global concurrency-gate input.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.Status == StatusActive {
			n++
		}
	}
	return n
}

// ByAgent returns the agent's entries, oldest first.
func (r *Registry) ByAgent(agentID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	for _, e := range r.sortedLocked() {
		if e.AgentID == agentID {
			out = append(out, e)
		}
	}
	return out
}

// ActiveByAgent returns the agent's active entries. A non-empty result means
// the agent is single-flight busy and must not receive another spawn.
func (r *Registry) ActiveByAgent(agentID string) []Entry {
	var out []Entry
	for _, e := range r.ByAgent(agentID) {
		if e.Status == StatusActive {
			out = append(out, e)
		}
	}
	return out
}

// ByTask returns the task's most recent entry, or nil.
func (r *Registry) ByTask(taskID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *Entry
	for _, e := range r.entries {
		if e.TaskID != taskID {
			continue
		}
		if latest == nil || e.SpawnedAt > latest.SpawnedAt {
			latest = e
		}
	}
	if latest == nil {
		return nil
	}
	cp := *latest
	return &cp
}

// ActiveByTask returns the task's active entry, or nil.
func (r *Registry) ActiveByTask(taskID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.TaskID == taskID && e.Status == StatusActive {
			cp := *e
			return &cp
		}
	}
	return nil
}

// All returns every entry, oldest first.
func (r *Registry) All() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

// Prune drops the oldest terminal entries beyond keep. Active entries are
// never pruned. Returns the number of entries removed.
func (r *Registry) Prune(keep int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var terminal []Entry
	for _, e := range r.sortedLocked() {
		if e.Status.Terminal() {
			terminal = append(terminal, e)
		}
	}
	excess := len(terminal) - keep
	if excess <= 0 {
		return 0
	}
	for _, e := range terminal[:excess] {
		delete(r.entries, e.ChildSessionKey)
	}
	r.persistLocked()
	return excess
}
