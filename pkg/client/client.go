// Package client talks to the extractor HTTP API
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Aximande/phospho/pkg/models"
)

// Client manages communication with an extractor server
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client for the server at baseURL. An empty apiKey sends
// unauthenticated requests.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// MainTask runs the main pipeline on one task
func (c *Client) MainTask(ctx context.Context, task models.Task) (*models.PipelineResults, error) {
	var res models.PipelineResults
	if err := c.post(ctx, "/v1/pipelines/main/task", models.RunMainPipelineOnTaskRequest{Task: task}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// MainMessages runs event detection on a list of messages
func (c *Client) MainMessages(ctx context.Context, projectID string, messages []models.Message) (*models.PipelineResults, error) {
	req := models.RunMainPipelineOnMessagesRequest{ProjectID: projectID, Messages: messages}
	var res models.PipelineResults
	if err := c.post(ctx, "/v1/pipelines/main/messages", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ProcessLogs schedules a batch of logged tasks
func (c *Client) ProcessLogs(ctx context.Context, req models.LogProcessRequest) (*models.JobsScheduledResponse, error) {
	var res models.JobsScheduledResponse
	if err := c.post(ctx, "/v1/pipelines/log", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RunRecipe schedules a recipe over a batch of tasks
func (c *Client) RunRecipe(ctx context.Context, req models.RunRecipeOnTaskRequest) (*models.JobsScheduledResponse, error) {
	var res models.JobsScheduledResponse
	if err := c.post(ctx, "/v1/pipelines/recipes", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Health returns the decoded health report of the server
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s failed with status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
