// Package client is the HTTP client the agentflow CLI uses to talk to a
// running server.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/service"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

const defaultTimeout = 30 * time.Second

// Client calls the agentflow REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no overall timeout; log streams are bounded by ctx.
	streamClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for request/response calls.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: defaultTimeout},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WorkflowResult is a stored workflow with its validation warnings.
type WorkflowResult struct {
	store.Workflow
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

// RunRef identifies a newly created run.
type RunRef struct {
	ID         string           `json:"id"`
	WorkflowID string           `json:"workflow_id"`
	Status     schema.RunStatus `json:"status"`
}

// ResetResult is the outcome of a circuit breaker reset.
type ResetResult struct {
	Success  bool                         `json:"success"`
	Message  string                       `json:"message"`
	NewState *engine.CircuitBreakerStatus `json:"new_state,omitempty"`
}

// ========== Workflows ==========

// CreateWorkflow stores def.
func (c *Client) CreateWorkflow(ctx context.Context, def schema.WorkflowDefinition) (*WorkflowResult, error) {
	var out WorkflowResult
	if err := c.do(ctx, http.MethodPost, "/api/workflows", def, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWorkflows returns stored workflows, most recent first.
func (c *Client) ListWorkflows(ctx context.Context, limit int) ([]*store.Workflow, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []*store.Workflow
	if err := c.do(ctx, http.MethodGet, withQuery("/api/workflows", q), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetWorkflow returns one workflow.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	var out store.Workflow
	if err := c.do(ctx, http.MethodGet, "/api/workflows/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteWorkflow removes a workflow.
func (c *Client) DeleteWorkflow(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/workflows/"+url.PathEscape(id), nil, nil)
}

// ========== Runs ==========

// CreateRun starts a run of workflowID.
func (c *Client) CreateRun(ctx context.Context, workflowID string, inputs map[string]any) (*RunRef, error) {
	body := map[string]any{"workflow_id": workflowID, "inputs": inputs}
	var out RunRef
	if err := c.do(ctx, http.MethodPost, "/api/workflow-runs", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun returns the current state of a run.
func (c *Client) GetRun(ctx context.Context, id string) (*store.Run, error) {
	var out store.Run
	if err := c.do(ctx, http.MethodGet, "/api/workflow-runs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TailRun streams the run's log from after since, calling emit for every
// frame. It returns when the server closes the stream, emit fails or ctx ends.
func (c *Client) TailRun(ctx context.Context, id string, since int64, emit func(store.Envelope) error) error {
	q := url.Values{}
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+withQuery("/api/workflow-runs/"+url.PathEscape(id)+"/logs", q), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var env store.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		if err := emit(env); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return ctx.Err()
}

// ========== Monitoring ==========

// SystemHealth returns the combined breaker and limiter report.
func (c *Client) SystemHealth(ctx context.Context) (*service.SystemHealth, error) {
	var out service.SystemHealth
	if err := c.do(ctx, http.MethodGet, "/api/monitoring/health/system", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetBreaker forces the named breaker closed. An empty name resets the
// executor breaker.
func (c *Client) ResetBreaker(ctx context.Context, name string) (*ResetResult, error) {
	q := url.Values{}
	if name != "" {
		q.Set("breaker_name", name)
	}
	var out ResetResult
	if err := c.do(ctx, http.MethodPost, withQuery("/api/monitoring/admin/circuit-breaker/reset", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ========== transport ==========

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details"`
	Message string         `json:"message"`
}

// decodeError turns an error response into a FlowError so callers can branch
// on its code.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body errorBody
	_ = json.Unmarshal(raw, &body)

	msg := body.Error
	if msg == "" {
		msg = body.Message
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = resp.Status
	}
	code := body.Code
	if code == "" {
		code = codeForStatus(resp.StatusCode)
	}
	fe := schema.NewError(code, msg).WithDetails(map[string]any{"status": resp.StatusCode})
	for k, v := range body.Details {
		fe.Details[k] = v
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			fe = fe.WithRetryAfter(time.Duration(secs) * time.Second)
		}
	}
	return fe
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return schema.ErrCodeValidation
	case http.StatusNotFound:
		return schema.ErrCodeNotFound
	case http.StatusConflict:
		return schema.ErrCodeConflict
	case http.StatusTooManyRequests:
		return schema.ErrCodeRateLimited
	case http.StatusServiceUnavailable:
		return schema.ErrCodeCircuitOpen
	case http.StatusGatewayTimeout:
		return schema.ErrCodeTimeout
	default:
		return schema.ErrCodeExecution
	}
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
