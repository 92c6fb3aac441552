package main

import (
	"strings"
	"testing"
	"time"

	"github.com/driftlock/drover/internal/registry"
)

func TestRenderStatusEmpty(t *testing.T) {
	out := renderStatus(nil, false)
	if !strings.Contains(out, "active: 0") || !strings.Contains(out, "terminal: 0") {
		t.Errorf("empty render = %q", out)
	}
}

func TestRenderStatusGroupsSessions(t *testing.T) {
	now := time.Now().UnixMilli()
	done := now - 1000
	tokens := int64(4321)
	entries := []registry.Entry{
		{ChildSessionKey: "drover-a", AgentID: "backend-agent", TaskID: "t1",
			Status: registry.StatusActive, SpawnedAt: now - 60_000},
		{ChildSessionKey: "drover-b", AgentID: "frontend-agent", TaskID: "t2",
			Status: registry.StatusCompleted, SpawnedAt: now - 120_000,
			CompletedAt: &done, TokenUsage: &tokens},
	}

	out := renderStatus(entries, false)
	if !strings.Contains(out, "active: 1") || !strings.Contains(out, "terminal: 1") {
		t.Errorf("counts wrong: %q", out)
	}
	if !strings.Contains(out, "backend-agent") || !strings.Contains(out, "task t1") {
		t.Errorf("active session missing: %q", out)
	}
	if !strings.Contains(out, "completed, 4321 tokens") {
		t.Errorf("terminal detail missing: %q", out)
	}
}

func TestRenderStatusCapsRecentSessions(t *testing.T) {
	now := time.Now().UnixMilli()
	var entries []registry.Entry
	for i := 0; i < 8; i++ {
		done := now - int64(i)
		entries = append(entries, registry.Entry{
			ChildSessionKey: "drover-" + string(rune('a'+i)),
			AgentID:         "a1", TaskID: "t1",
			Status: registry.StatusFailed, SpawnedAt: now, CompletedAt: &done,
		})
	}
	out := renderStatus(entries, false)
	if got := strings.Count(out, "task t1"); got != 5 {
		t.Errorf("rendered %d terminal rows, want 5", got)
	}
}
