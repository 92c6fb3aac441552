package spawn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// taskContextSchema guards the wire contract with the substrate: a malformed
// context is a programming error we want rejected before it leaves the
// process, not a 4xx from the substrate minutes into a spawn queue drain.
const taskContextSchema = `{
	"type": "object",
	"required": ["sessionKey", "taskId", "agentId"],
	"properties": {
		"sessionKey": {"type": "string", "minLength": 1},
		"taskId": {"type": "string", "minLength": 1},
		"agentId": {"type": "string", "minLength": 1},
		"title": {"type": "string"},
		"priority": {"type": "string", "enum": ["P0", "P1", "P2", "P3", ""]},
		"tags": {"type": "array", "items": {"type": "string"}}
	}
}`

const defaultInvokeTimeout = 10 * time.Second

// HTTPAdapter launches sessions by POSTing the task context to the
// substrate's spawn endpoint.
type HTTPAdapter struct {
	endpoint string
	token    string
	client   *http.Client
	schema   *jsonschema.Schema
}

// NewHTTPAdapter builds an adapter targeting the given spawn endpoint.
func NewHTTPAdapter(endpoint string, timeout time.Duration) (*HTTPAdapter, error) {
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(taskContextSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal task context schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("taskcontext.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("taskcontext.json")
	if err != nil {
		return nil, fmt.Errorf("compile task context schema: %w", err)
	}
	return &HTTPAdapter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		schema:   schema,
	}, nil
}

// WithToken sets the bearer token sent on spawn requests.
func (a *HTTPAdapter) WithToken(token string) *HTTPAdapter {
	a.token = token
	return a
}

// Invoke POSTs the task context. A 2xx answer is an accept. 409, 422 and 429
// are substrate rejections (busy, refused, throttled): false with no error,
// so the router releases the claim and leaves the retry to the next sweep.
func (a *HTTPAdapter) Invoke(ctx context.Context, agentID string, taskCtx TaskContext) (bool, error) {
	body, err := json.Marshal(taskCtx)
	if err != nil {
		return false, fmt.Errorf("encode task context: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("reparse task context: %w", err)
	}
	if err := a.schema.Validate(parsed); err != nil {
		return false, fmt.Errorf("invalid task context: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build spawn request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Drover-Agent", agentID)
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("spawn request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusUnprocessableEntity,
		resp.StatusCode == http.StatusTooManyRequests:
		return false, nil
	default:
		return false, fmt.Errorf("spawn endpoint returned %s", resp.Status)
	}
}
