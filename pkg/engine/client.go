// Package engine talks to the remote automation engine: one HTTP command
// per action plus a websocket push-event stream.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// CommandError is returned when the engine answers with a non-2xx status
type CommandError struct {
	Path       string
	StatusCode int
	Detail     string
}

func (e *CommandError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: engine returned %d: %s", e.Path, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s: engine returned %d", e.Path, e.StatusCode)
}

// Client issues commands to the remote engine
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the engine at baseURL. timeout bounds
// every command except run, which lasts as long as the flow does.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{},
		logger:  logger,
	}
}

// BaseURL returns the engine address
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health checks engine liveness
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &resp, true)
	return resp, err
}

// Initialize prepares the target application; progress arrives as init_step events
func (c *Client) Initialize(ctx context.Context, cfg InitConfig) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, "/api/initialize", cfg, &resp, false)
	return resp, err
}

// RunFlow submits a flow. The call returns when the engine finishes the run.
func (c *Client) RunFlow(ctx context.Context, req RunRequest) (RunResponse, error) {
	var resp RunResponse
	err := c.do(ctx, http.MethodPost, "/api/run-flow", req, &resp, false)
	return resp, err
}

// PauseFlow asks the engine to pause
func (c *Client) PauseFlow(ctx context.Context) (Result, error) {
	return c.command(ctx, "/api/pause-flow")
}

// StopFlow asks the engine to stop
func (c *Client) StopFlow(ctx context.Context) (Result, error) {
	return c.command(ctx, "/api/stop-flow")
}

// ResumeFlow asks the engine to resume a paused run
func (c *Client) ResumeFlow(ctx context.Context) (Result, error) {
	return c.command(ctx, "/api/resume-flow")
}

// StartRecording puts the engine into capture mode
func (c *Client) StartRecording(ctx context.Context) (Result, error) {
	return c.command(ctx, "/api/record/start")
}

// StopRecording ends capture mode and returns every captured step in order
func (c *Client) StopRecording(ctx context.Context) (RecordStopResponse, error) {
	var resp RecordStopResponse
	err := c.do(ctx, http.MethodPost, "/api/record/stop", nil, &resp, true)
	return resp, err
}

// RecordStatus reports the engine's recording state
func (c *Client) RecordStatus(ctx context.Context) (RecordStatusResponse, error) {
	var resp RecordStatusResponse
	err := c.do(ctx, http.MethodGet, "/api/record/status", nil, &resp, true)
	return resp, err
}

// LoadProductsFile reads a product list from a file on the engine host
func (c *Client) LoadProductsFile(ctx context.Context, path string) (ProductsResponse, error) {
	var resp ProductsResponse
	body := map[string]string{"file_path": path}
	err := c.do(ctx, http.MethodPost, "/api/load-products-file", body, &resp, true)
	return resp, err
}

// CaptureElements lists the controls of the target window
func (c *Client) CaptureElements(ctx context.Context) (ElementsResponse, error) {
	var resp ElementsResponse
	err := c.do(ctx, http.MethodPost, "/api/debug/capture-elements", nil, &resp, true)
	return resp, err
}

// PickElements waits for the operator to click controls in the target
// application and returns them. It is not bounded by the command timeout.
func (c *Client) PickElements(ctx context.Context) (ElementsResponse, error) {
	var resp ElementsResponse
	err := c.do(ctx, http.MethodPost, "/api/debug/pick-elements", nil, &resp, false)
	return resp, err
}

// AnalyzeWindow describes the target window
func (c *Client) AnalyzeWindow(ctx context.Context) (WindowResponse, error) {
	var resp WindowResponse
	err := c.do(ctx, http.MethodPost, "/api/debug/analyze-window", nil, &resp, true)
	return resp, err
}

// Disconnect drops the engine's driver session
func (c *Client) Disconnect(ctx context.Context) (Result, error) {
	return c.command(ctx, "/api/disconnect")
}

// Reconnect reattaches the engine to the target window
func (c *Client) Reconnect(ctx context.Context, engineURL string) (ReconnectResponse, error) {
	var resp ReconnectResponse
	body := map[string]string{"appium_url": engineURL}
	err := c.do(ctx, http.MethodPost, "/api/reconnect", body, &resp, false)
	return resp, err
}

func (c *Client) command(ctx context.Context, path string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, path, nil, &resp, true)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, bounded bool) error {
	if bounded && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug("engine command",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("took", time.Since(startTime)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(data, &detail)
		return &CommandError{Path: path, StatusCode: resp.StatusCode, Detail: detail.Detail}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	return nil
}
