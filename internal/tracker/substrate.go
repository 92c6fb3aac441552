package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RemoteSession is one live session as reported by the execution substrate.
type RemoteSession struct {
	Key    string `json:"key"`
	Status string `json:"status,omitempty"`
}

// SubstrateClient lists the sessions the execution substrate believes are
// alive. A listing failure must be surfaced as an error, never as an empty
// list, so the tracker can skip the tick instead of orphaning everything.
type SubstrateClient interface {
	ListSessions(ctx context.Context) ([]RemoteSession, error)
}

// HTTPSubstrateClient polls the substrate's session-listing endpoint.
type HTTPSubstrateClient struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPSubstrateClient returns a client for the given listing URL.
func NewHTTPSubstrateClient(endpoint string) *HTTPSubstrateClient {
	return &HTTPSubstrateClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// WithToken sets the bearer token sent on listing requests.
func (c *HTTPSubstrateClient) WithToken(token string) *HTTPSubstrateClient {
	c.token = token
	return c
}

type listSessionsResponse struct {
	Sessions []RemoteSession `json:"sessions"`
}

// ListSessions fetches the live-session listing.
func (c *HTTPSubstrateClient) ListSessions(ctx context.Context) ([]RemoteSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build session listing request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("list sessions: substrate returned %s", resp.Status)
	}

	var payload listSessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode session listing: %w", err)
	}
	return payload.Sessions, nil
}
