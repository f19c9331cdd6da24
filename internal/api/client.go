package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides HTTP access to a running conveyor daemon.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// APIError is a non-2xx response decoded from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("daemon returned status %d", e.StatusCode)
}

// NewClient builds a client for the daemon listening at baseURL.
// An empty token disables the Authorization header.
func NewClient(baseURL, token string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL reports the daemon endpoint this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Submit enqueues a payload and reports whether a new job was created.
// A duplicate submission is not an error: the daemon answers 409 with the
// existing active job, surfaced as Created=false.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/jobs", bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	switch httpResp.StatusCode {
	case http.StatusCreated, http.StatusConflict:
		var resp SubmitResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &resp, nil
	default:
		return nil, c.decodeError(httpResp)
	}
}

// Job fetches a single job by identifier.
func (c *Client) Job(ctx context.Context, id string) (*Job, error) {
	var resp JobResponse
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Job, nil
}

// ListOptions filters job listings.
type ListOptions struct {
	States []string
	Kinds  []string
	Limit  int
	Offset int
}

// Jobs lists queue entries, newest first.
func (c *Client) Jobs(ctx context.Context, opts ListOptions) ([]Job, error) {
	query := url.Values{}
	for _, state := range opts.States {
		query.Add("state", state)
	}
	for _, kind := range opts.Kinds {
		query.Add("kind", kind)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/api/jobs"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp JobListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Reorder changes a waiting job's priority.
func (c *Client) Reorder(ctx context.Context, id string, priority int) (*Job, error) {
	return c.jobAction(ctx, id, "reorder", ReorderRequest{Priority: priority})
}

// Pause removes a queued job from claiming until resumed.
func (c *Client) Pause(ctx context.Context, id string) (*Job, error) {
	return c.jobAction(ctx, id, "pause", nil)
}

// Resume returns a paused job to the queue.
func (c *Client) Resume(ctx context.Context, id string) (*Job, error) {
	return c.jobAction(ctx, id, "resume", nil)
}

// Cancel stops a job; running jobs are cancelled cooperatively.
func (c *Client) Cancel(ctx context.Context, id string) (*Job, error) {
	return c.jobAction(ctx, id, "cancel", nil)
}

// Retry requeues a failed or cancelled job with a fresh attempt budget.
func (c *Client) Retry(ctx context.Context, id string) (*Job, error) {
	return c.jobAction(ctx, id, "retry", nil)
}

func (c *Client) jobAction(ctx context.Context, id, action string, body any) (*Job, error) {
	var resp JobResponse
	path := "/api/jobs/" + url.PathEscape(id) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp.Job, nil
}

// Summary returns aggregate queue counts.
func (c *Client) Summary(ctx context.Context) (*QueueSummary, error) {
	var resp QueueSummary
	if err := c.do(ctx, http.MethodGet, "/api/queue/summary", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Workers lists pool executor liveness records.
func (c *Client) Workers(ctx context.Context) ([]Worker, error) {
	var resp WorkerListResponse
	if err := c.do(ctx, http.MethodGet, "/api/workers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

// Locations lists managed storage roots with probe results.
func (c *Client) Locations(ctx context.Context) ([]Location, error) {
	var resp LocationListResponse
	if err := c.do(ctx, http.MethodGet, "/api/locations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Locations, nil
}

// Status returns the daemon's aggregate runtime status.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	var resp DaemonStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events streams the status feed over SSE, invoking fn for every event
// until the context is cancelled, the stream ends, or fn returns an error.
func (c *Client) Events(ctx context.Context, fn func(Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	// Streaming requests must not inherit the default round-trip timeout.
	stream := &http.Client{Transport: c.http.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
		apiErr.Message = payload.Error
	}
	return apiErr
}
