// Package fleet models the worker agents and the directory the scheduler
// consults for assignment. The scheduler treats the directory as an external
// collaborator: it reads status and roles, and only mutates an agent through
// SetStatus.
package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Status is an agent's availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Agent is a worker in the fleet.
type Agent struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name,omitempty"`
	Status      Status   `json:"status"`
	Roles       []string `json:"roles,omitempty"` // tag-matching capability set
	ActiveTasks []string `json:"active_tasks,omitempty"`
}

// Directory is the agent lookup contract the scheduler consumes.
type Directory interface {
	Get(ctx context.Context, id string) (*Agent, error)
	List(ctx context.Context) ([]Agent, error)
	SetStatus(ctx context.Context, id string, status Status) error
}

// StaticDirectory is an in-memory Directory seeded from config. Suits the
// single-instance deployment; an external directory service can replace it
// behind the same interface.
type StaticDirectory struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewStaticDirectory builds a directory from seed agents. Agents default to
// online when their status is empty.
func NewStaticDirectory(seeds []Agent) *StaticDirectory {
	d := &StaticDirectory{agents: make(map[string]*Agent, len(seeds))}
	for i := range seeds {
		a := seeds[i]
		if a.Status == "" {
			a.Status = StatusOnline
		}
		d.agents[a.ID] = &a
	}
	return d
}

func (d *StaticDirectory) Get(_ context.Context, id string) (*Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	cp.Roles = append([]string(nil), a.Roles...)
	cp.ActiveTasks = append([]string(nil), a.ActiveTasks...)
	return &cp, nil
}

func (d *StaticDirectory) List(_ context.Context) ([]Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Agent, 0, len(d.agents))
	for _, a := range d.agents {
		cp := *a
		cp.Roles = append([]string(nil), a.Roles...)
		cp.ActiveTasks = append([]string(nil), a.ActiveTasks...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *StaticDirectory) SetStatus(_ context.Context, id string, status Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	if !ok {
		return fmt.Errorf("agent %s not found", id)
	}
	a.Status = status
	return nil
}
