// Package client talks to the generation gateway's HTTP API on behalf of
// front-ends: persisting intents, starting runs, polling job status and
// listing produced outputs.
package client

import (
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

	"shepherdsdesk/internal/models"
)

// GatewayError is a response the gateway answered with a non-success
// status. The status code and body are preserved so callers can tell a
// busy gateway (409) from a broken one.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, body)
}

// Client is a thin wrapper over the gateway's HTTP API.
type Client struct {
	base *url.URL
	hc   *http.Client
}

// New builds a client for the gateway at baseURL. A nil httpClient gets a
// default with a 30 second timeout.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway address %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("gateway address %q must include scheme and host", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: u, hc: httpClient}, nil
}

type ackResponse struct {
	Ack bool `json:"ack"`
}

type startResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
	PID    int    `json:"pid"`
}

type outputsResponse struct {
	Files []models.OutputFile `json:"files"`
}

// SaveIntent persists the user's prompt on the gateway.
func (c *Client) SaveIntent(ctx context.Context, intent models.Intent) error {
	var resp ackResponse
	if err := c.postJSON(ctx, "/api/intent", intent, &resp); err != nil {
		return fmt.Errorf("save intent: %w", err)
	}
	return nil
}

// StartGeneration asks the gateway to launch a run and returns the job
// identifier to poll. Gateways that only report a process id are accepted;
// the pid then doubles as the job identifier.
func (c *Client) StartGeneration(ctx context.Context, req models.GenerationRequest) (string, error) {
	var resp startResponse
	if err := c.postJSON(ctx, "/api/generate_stream", req, &resp); err != nil {
		return "", fmt.Errorf("start generation: %w", err)
	}
	if resp.JobID != "" {
		return resp.JobID, nil
	}
	if resp.PID > 0 {
		return strconv.Itoa(resp.PID), nil
	}
	return "", fmt.Errorf("start generation: gateway response carried neither job_id nor pid")
}

// JobStatus fetches the current snapshot for a job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (models.Job, error) {
	var job models.Job
	if err := c.getJSON(ctx, "/api/jobs/"+url.PathEscape(jobID), &job); err != nil {
		return models.Job{}, fmt.Errorf("job status: %w", err)
	}
	if job.ID == "" {
		job.ID = jobID
	}
	return job, nil
}

// CancelJob asks the gateway to stop a running job.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	if err := c.postJSON(ctx, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

// ListOutputs fetches the current set of generated files. Gateway-relative
// download URLs are resolved against the base address so callers can use
// them directly.
func (c *Client) ListOutputs(ctx context.Context) ([]models.OutputFile, error) {
	var resp outputsResponse
	if err := c.getJSON(ctx, "/api/outputs", &resp); err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	files := make([]models.OutputFile, 0, len(resp.Files))
	for _, f := range resp.Files {
		f.URL = c.ResolveURL(f.URL)
		files = append(files, f)
	}
	return files, nil
}

// Health reports whether the gateway answers its health probe.
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := c.getJSON(ctx, "/api/health", &resp); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("health: gateway reports not ok")
	}
	return nil
}

// ResolveURL turns a gateway-relative URL into an absolute one. Already
// absolute URLs pass through unchanged.
func (c *Client) ResolveURL(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return c.base.ResolveReference(u).String()
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &GatewayError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
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
