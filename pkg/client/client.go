package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/maestrod/maestro/pkg/api"
	"github.com/maestrod/maestro/pkg/types"
)

const requestTimeout = 10 * time.Second

// Client is the typed HTTP client the CLI uses against a running daemon
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the daemon listening at addr (host:port)
func New(addr string) *Client {
	return &Client{
		base: "http://" + addr,
		http: &http.Client{Timeout: requestTimeout},
	}
}

// Health reports whether the daemon answers its liveness probe
func (c *Client) Health() error {
	return c.do(http.MethodGet, "/health", nil, nil)
}

// Status fetches the composite daemon status
func (c *Client) Status() (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.do(http.MethodGet, "/v1/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitTask submits a descriptor and returns the assigned task id
func (c *Client) SubmitTask(desc *types.TaskDescriptor) (string, error) {
	var resp api.SubmitResponse
	if err := c.do(http.MethodPost, "/v1/tasks", desc, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// GetTask fetches one task by id
func (c *Client) GetTask(id string) (*types.Task, error) {
	var task types.Task
	if err := c.do(http.MethodGet, "/v1/tasks/"+id, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CancelTask cancels a queued or running task
func (c *Client) CancelTask(id string) error {
	return c.do(http.MethodPost, "/v1/tasks/"+id+"/cancel", nil, nil)
}

// Schedule lists all schedule entries
func (c *Client) Schedule() ([]*types.ScheduleEntry, error) {
	var entries []*types.ScheduleEntry
	if err := c.do(http.MethodGet, "/v1/schedule", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// AddSchedule registers a new schedule entry
func (c *Client) AddSchedule(entry *types.ScheduleEntry) error {
	return c.do(http.MethodPost, "/v1/schedule", entry, nil)
}

// RemoveSchedule deletes a schedule entry by id
func (c *Client) RemoveSchedule(id string) error {
	return c.do(http.MethodDelete, "/v1/schedule/"+id, nil, nil)
}

// Locks lists the live file locks
func (c *Client) Locks() ([]*types.LockEntry, error) {
	var entries []*types.LockEntry
	if err := c.do(http.MethodGet, "/v1/locks", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Sessions lists the active process sessions
func (c *Client) Sessions() ([]*types.SessionRecord, error) {
	var records []*types.SessionRecord
	if err := c.do(http.MethodGet, "/v1/sessions", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// WorkflowAction drives a workflow transition: start, pause, resume,
// stop. Params only apply to start.
func (c *Client) WorkflowAction(action string, params map[string]string) error {
	var body interface{}
	if len(params) > 0 {
		body = map[string]interface{}{"params": params}
	}
	return c.do(http.MethodPost, "/v1/workflow/"+action, body, nil)
}

// do runs one JSON request/response round trip
func (c *Client) do(method, path string, body, out interface{}) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return types.WrapError(types.ErrKindInternal, err, "encoding request body")
		}
		buf = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, buf)
	if err != nil {
		return types.WrapError(types.ErrKindInternal, err, "building request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.WrapError(types.ErrKindTransient, err, "daemon unreachable at %s", c.base)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.WrapError(types.ErrKindInternal, err, "decoding response")
	}
	return nil
}

// decodeError recovers the daemon's typed error from an error response
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		kind := types.ErrorKind(body.Kind)
		if kind == "" {
			kind = types.ErrKindInternal
		}
		return types.NewError(kind, "%s", body.Error)
	}
	return types.NewError(types.ErrKindInternal, "daemon returned %s", resp.Status)
}

// Addr returns the base URL, for log lines
func (c *Client) Addr() string { return c.base }
