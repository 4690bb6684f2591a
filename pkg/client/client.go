package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Client is a thin HTTP client over the benchmarking service's API.
type Client struct {
	baseURL    string
	authUser   string
	httpClient *http.Client
}

// NewClient returns a Client pointed at addr (e.g. "http://localhost:8081").
// authUser, if non-empty, is sent as the AUTH_USER header on every
// request.
func NewClient(addr, authUser string) *Client {
	return &Client{
		baseURL:  addr,
		authUser: authUser,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CreateSuiteRequest mirrors the API's suite-creation body.
type CreateSuiteRequest struct {
	Description   string            `json:"description"`
	Dockerfile    string            `json:"dockerfile"`
	Params        map[string]string `json:"params"`
	CPUTimeLimit  int               `json:"cputimelimit"`
	WallTimeLimit int               `json:"walltimelimit"`
	CPULimit      int               `json:"cpulimit"`
	MemoryLimit   int64             `json:"memorylimit"`
	Tasks         []string          `json:"tasks"`
}

// Suite is the decoded shape of a suite returned by the API.
type Suite struct {
	ID          int64  `json:"id"`
	Author      string `json:"author"`
	Description string `json:"description"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
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
	if c.authUser != "" {
		req.Header.Set("AUTH_USER", c.authUser)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s %s: %w", method, path, err)
	}
	return nil
}

// CreateSuite submits a new benchmark suite.
func (c *Client) CreateSuite(ctx context.Context, req CreateSuiteRequest) (*Suite, error) {
	var suite Suite
	if err := c.do(ctx, http.MethodPost, "/api/suites", req, &suite); err != nil {
		return nil, err
	}
	return &suite, nil
}

// ListSuites returns every suite's overview.
func (c *Client) ListSuites(ctx context.Context) ([]Suite, error) {
	var suites []Suite
	if err := c.do(ctx, http.MethodGet, "/api/suites", nil, &suites); err != nil {
		return nil, err
	}
	return suites, nil
}

// GetSuite fetches one suite, tasks included, as raw JSON (the CLI
// prints this verbatim rather than re-declaring the full server-side
// shape).
func (c *Client) GetSuite(ctx context.Context, id int64) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/suites/"+strconv.FormatInt(id, 10), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// PauseSuite transitions a suite's pending tasks to created.
func (c *Client) PauseSuite(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, "/api/suites/"+strconv.FormatInt(id, 10)+"/pause", nil, nil)
}

// ResumeSuite transitions a suite's created tasks to pending.
func (c *Client) ResumeSuite(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, "/api/suites/"+strconv.FormatInt(id, 10)+"/resume", nil, nil)
}

// DeleteSuite cascade-deletes a suite.
func (c *Client) DeleteSuite(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, "/api/suites/"+strconv.FormatInt(id, 10)+"/delete", nil, nil)
}

// GetTask fetches one task's detail as raw JSON.
func (c *Client) GetTask(ctx context.Context, id int64) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+strconv.FormatInt(id, 10), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
