// Package spawn abstracts the mechanism that launches a remote agent session.
// The scheduler core only sees the Adapter interface; the transport (HTTP
// here, CLI or gateway elsewhere) is an adapter concern.
package spawn

import "context"

// TaskContext is the payload handed to the execution substrate when
// launching a session. It identifies the work; the scheduler never
// interprets task content.
type TaskContext struct {
	SessionKey string   `json:"sessionKey"`
	TaskID     string   `json:"taskId"`
	AgentID    string   `json:"agentId"`
	Title      string   `json:"title,omitempty"`
	Priority   string   `json:"priority,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// Adapter fires a remote execution request. It must return quickly: accepted
// means the substrate took the launch, not that the session finished. A
// false return with nil error is a rejection the router may retry later;
// an error is a transport failure, handled the same way.
type Adapter interface {
	Invoke(ctx context.Context, agentID string, taskCtx TaskContext) (accepted bool, err error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, agentID string, taskCtx TaskContext) (bool, error)

func (f AdapterFunc) Invoke(ctx context.Context, agentID string, taskCtx TaskContext) (bool, error) {
	return f(ctx, agentID, taskCtx)
}
