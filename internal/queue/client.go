// Package queue is the HTTP client for the external redemption worker
// service. The worker executes top-up jobs asynchronously and reports
// progress over its own channels; this client only submits work and reads
// queue state.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Remote job status values as reported by the worker service.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

const defaultTimeout = 15 * time.Second

// Client talks to the redemption worker's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	idGen      func() string
}

// Option customises Client construction.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithTimeout sets the per-request timeout on the default client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithIdempotencyKeyGenerator overrides how submission idempotency keys
// are minted.
func WithIdempotencyKeyGenerator(gen func() string) Option {
	return func(c *Client) {
		if gen != nil {
			c.idGen = gen
		}
	}
}

// NewClient validates the endpoint configuration and returns a ready client.
func NewClient(baseURL, apiKey string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("queue client requires base url")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("queue client: invalid base url: %w", err)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("queue client requires api key")
	}

	client := &Client{
		baseURL:    trimmed,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: defaultTimeout},
		idGen: func() string {
			return ulid.Make().String()
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// SubmitRequest describes one top-up job. Codes holds a single value for
// single jobs and the full bundle for batch jobs.
type SubmitRequest struct {
	OrderRef string            `json:"order_ref"`
	PlayerID string            `json:"player_id"`
	Codes    []string          `json:"codes"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// JobState is the worker's view of one submitted job.
type JobState struct {
	Handle   string         `json:"job_id"`
	OrderRef string         `json:"order_ref"`
	Status   string         `json:"status"`
	Progress int            `json:"progress"`
	Message  string         `json:"message,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
}

// PendingItem is one queued-but-unfinished entry from the worker's backlog.
type PendingItem struct {
	Handle   string `json:"job_id"`
	OrderRef string `json:"order_ref"`
	Status   string `json:"status"`
}

// SubmitJob enqueues a single-code job and returns its remote handle.
func (c *Client) SubmitJob(ctx context.Context, req SubmitRequest) (string, error) {
	if len(req.Codes) != 1 {
		return "", errors.New("queue submit: exactly one code is required")
	}
	var resp struct {
		Handle string `json:"job_id"`
	}
	if err := c.submit(ctx, "submit", "/api/jobs", req, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Handle) == "" {
		return "", &TransportError{Op: "submit", Err: errors.New("response missing job_id")}
	}
	return resp.Handle, nil
}

// SubmitBatch enqueues a bundle as one batch and returns a handle per code.
func (c *Client) SubmitBatch(ctx context.Context, req SubmitRequest) ([]string, error) {
	if len(req.Codes) == 0 {
		return nil, errors.New("queue submit: at least one code is required")
	}
	var resp struct {
		Handles []string `json:"job_ids"`
	}
	if err := c.submit(ctx, "submitBatch", "/api/jobs/batch", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Handles) != len(req.Codes) {
		return nil, &TransportError{Op: "submitBatch", Err: fmt.Errorf("expected %d handles, got %d", len(req.Codes), len(resp.Handles))}
	}
	return resp.Handles, nil
}

// JobStatus fetches the current state of a previously submitted job.
func (c *Client) JobStatus(ctx context.Context, handle string) (JobState, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return JobState{}, errors.New("queue status: handle is required")
	}
	var state JobState
	if err := c.do(ctx, "status", http.MethodGet, "/api/jobs/"+url.PathEscape(handle), nil, &state); err != nil {
		return JobState{}, err
	}
	return state, nil
}

// PendingItems lists the worker's unfinished queue entries.
func (c *Client) PendingItems(ctx context.Context) ([]PendingItem, error) {
	var resp struct {
		Items []PendingItem `json:"items"`
	}
	if err := c.do(ctx, "pending", http.MethodGet, "/api/queue/pending", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// CancelJob asks the worker to drop a not-yet-started job.
func (c *Client) CancelJob(ctx context.Context, handle string) error {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return errors.New("queue cancel: handle is required")
	}
	return c.do(ctx, "cancel", http.MethodPost, "/api/jobs/"+url.PathEscape(handle)+"/cancel", nil, nil)
}

// submit posts a job request with a fresh idempotency key so the worker
// can drop duplicate deliveries of the same submission attempt.
func (c *Client) submit(ctx context.Context, op, path string, body, out any) error {
	key := ""
	if c != nil && c.idGen != nil {
		key = c.idGen()
	}
	return c.doWithKey(ctx, op, http.MethodPost, path, body, out, key)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	return c.doWithKey(ctx, op, method, path, body, out, "")
}

func (c *Client) doWithKey(ctx context.Context, op, method, path string, body, out any, idempotencyKey string) error {
	if c == nil || c.httpClient == nil {
		return errors.New("queue client not initialised")
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("queue %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("queue %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &TransportError{Op: op, Err: fmt.Errorf("server responded %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return c.decodeRejection(op, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) decodeRejection(op string, resp *http.Response) error {
	rejection := &RejectionError{Op: op, StatusCode: resp.StatusCode}
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err == nil && json.Unmarshal(raw, &envelope) == nil {
		rejection.Code = envelope.Code
		rejection.Message = envelope.Message
	}
	if rejection.Message == "" {
		rejection.Message = strings.TrimSpace(string(raw))
	}
	if rejection.Message == "" {
		rejection.Message = http.StatusText(resp.StatusCode)
	}
	return rejection
}
