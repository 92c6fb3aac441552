// Package activity records scheduler decisions to an append-only JSONL feed.
// Orphan recoveries, stuck-claim releases and escalations surface here
// rather than as errors.
package activity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/driftlock/drover/internal/shared"
)

// Kind labels a scheduler decision.
type Kind string

const (
	KindClaim            Kind = "claim"
	KindClaimReleased    Kind = "claim_released"
	KindSpawnRejected    Kind = "spawn_rejected"
	KindSessionCompleted Kind = "session_completed"
	KindOrphanRecovered  Kind = "orphan_recovered"
	KindStuckReleased    Kind = "stuck_released"
	KindEscalated        Kind = "escalated"
)

type event struct {
	Timestamp  string `json:"timestamp"`
	Kind       Kind   `json:"kind"`
	TaskID     string `json:"task_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Feed is an append-only activity log. A nil *Feed is safe to record to,
// so components can treat the feed as optional.
type Feed struct {
	mu   sync.Mutex
	file *os.File
}

// Open creates (or appends to) logs/activity.jsonl under homeDir.
func Open(homeDir string) (*Feed, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "activity.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Feed{file: f}, nil
}

// Record appends one event. Write failures are swallowed: the feed is an
// observability surface, never a scheduling dependency.
func (f *Feed) Record(kind Kind, taskID, agentID, sessionKey, detail string) {
	if f == nil {
		return
	}
	ev := event{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Kind:       kind,
		TaskID:     taskID,
		AgentID:    agentID,
		SessionKey: sessionKey,
		Detail:     shared.Redact(detail),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file != nil {
		_, _ = f.file.Write(append(b, '\n'))
	}
}

// Close closes the underlying file.
func (f *Feed) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
