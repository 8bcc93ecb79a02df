package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"neurofleet/internal/model"
	"neurofleet/internal/scheduler"
)

const defaultLongPoll = 30 * time.Second

// Client talks to a coordinator over the worker HTTP API.
type Client struct {
	baseURL  string
	http     *http.Client
	longPoll time.Duration
}

var _ Coordinator = (*Client)(nil)

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     httpClient,
		longPoll: defaultLongPoll,
	}
}

// WithLongPoll sets how long each assignment request waits server side.
func (c *Client) WithLongPoll(d time.Duration) *Client {
	if d > 0 {
		c.longPoll = d
	}
	return c
}

func (c *Client) Register(ctx context.Context, name string, info map[string]any) error {
	return c.do(ctx, http.MethodPost, "/v1/nodes/"+url.PathEscape(name)+"/register", info, nil)
}

func (c *Client) Heartbeat(ctx context.Context, name string, info map[string]any) error {
	return c.do(ctx, http.MethodPost, "/v1/nodes/"+url.PathEscape(name)+"/heartbeat", info, nil)
}

// WaitAssignment long-polls until the coordinator hands this node a job.
func (c *Client) WaitAssignment(ctx context.Context, name string) (model.Job, error) {
	path := "/v1/nodes/" + url.PathEscape(name) + "/assignment?wait=" + c.longPoll.String()
	for {
		var job model.Job
		err := c.do(ctx, http.MethodGet, path, nil, &job)
		if err != nil {
			return model.Job{}, err
		}
		if job.ID != "" {
			return job, nil
		}
		if err := ctx.Err(); err != nil {
			return model.Job{}, err
		}
	}
}

type resultRequest struct {
	Node    string         `json:"node"`
	Fitness *float64       `json:"fitness"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

type failureRequest struct {
	Node  string `json:"node"`
	Error string `json:"error"`
}

func (c *Client) ReportResult(ctx context.Context, jobID, node string, result model.EvaluationResult) error {
	fitness := result.Fitness
	body := resultRequest{Node: node, Fitness: &fitness, Metrics: result.Metrics}
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/result", body, nil)
}

func (c *Client) ReportFailure(ctx context.Context, jobID, node, message string) error {
	body := failureRequest{Node: node, Error: message}
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/failure", body, nil)
}

// do sends body as JSON and decodes a 200 response into out. 204 leaves out
// untouched.
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
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	switch resp.StatusCode {
	case http.StatusNotFound:
		if strings.Contains(path, "/nodes/") {
			return fmt.Errorf("%w: %s", scheduler.ErrUnknownNode, apiErr.Error)
		}
		return fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, apiErr.Error)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", scheduler.ErrJobTerminal, apiErr.Error)
	default:
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Error)
	}
}
