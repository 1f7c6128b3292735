package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/tollgate/internal/controlplane"
	"github.com/fentz26/tollgate/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the Tollgate API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
	}
}

func (c *Client) do(method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListTasks fetches the most recent tasks.
func (c *Client) ListTasks(limit int) ([]models.Task, error) {
	var tasks []models.Task
	err := c.do(http.MethodGet, fmt.Sprintf("/tasks?limit=%d", limit), nil, &tasks)
	return tasks, err
}

// GetTask fetches a single task.
func (c *Client) GetTask(id string) (*models.Task, error) {
	var t models.Task
	if err := c.do(http.MethodGet, "/tasks/"+id, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CancelTask cancels a task.
func (c *Client) CancelTask(id string) error {
	return c.do(http.MethodPost, "/tasks/"+id+"/cancel", nil, nil)
}

// Metrics fetches the daemon counters.
func (c *Client) Metrics() (*controlplane.Metrics, error) {
	var m controlplane.Metrics
	if err := c.do(http.MethodGet, "/metrics", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Health reports whether the daemon answers.
func (c *Client) Health() bool {
	var h controlplane.HealthResponse
	return c.do(http.MethodGet, "/health", nil, &h) == nil && h.OK
}
