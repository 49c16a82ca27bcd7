package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"formvault/pkg/api"
)

// Client handles API calls to the formvault server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new client with the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// JobStatus sends GET /download/status.
func (c *Client) JobStatus(jobID, userID string) (*api.JobStatusResponse, error) {
	q := url.Values{}
	q.Set("jobId", jobID)
	q.Set("userId", userID)

	var result api.JobStatusResponse
	if err := c.do(http.MethodGet, "/download/status?"+q.Encode(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelBulkJob sends POST /bulk-forms/{id}/cancel.
func (c *Client) CancelBulkJob(jobID string) error {
	return c.do(http.MethodPost, fmt.Sprintf("/bulk-forms/%s/cancel", jobID), nil)
}

// StartSessionArchive sends GET /download/session-files.
func (c *Client) StartSessionArchive(sessionID, userID string) (*api.SessionArchiveResponse, error) {
	q := url.Values{}
	q.Set("sessionId", sessionID)
	q.Set("userId", userID)

	var result api.SessionArchiveResponse
	if err := c.do(http.MethodGet, "/download/session-files?"+q.Encode(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(method, path string, out interface{}) error {
	httpReq, err := http.NewRequest(method, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
