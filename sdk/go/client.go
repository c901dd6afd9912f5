// Package crewlinesdk is a minimal Crewline HTTP API client, used by
// external personas and tooling to poll items and post reviews.
package crewlinesdk

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
)

// Client is a minimal Crewline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	ParentID    *string  `json:"parent_id,omitempty"`
	PRRef       *string  `json:"pr_ref,omitempty"`
	Priority    int      `json:"priority"`
	StoryPoints *int     `json:"story_points,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Version     int64    `json:"version"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// ReviewResponse represents a submitted review.
type ReviewResponse struct {
	ID           string `json:"id"`
	SubjectID    string `json:"subject_id"`
	ReviewerRole string `json:"reviewer_role"`
	Decision     string `json:"decision"`
	Reasoning    string `json:"reasoning,omitempty"`
	SubmittedAt  string `json:"submitted_at"`
}

// ReviewSummary is the bundle state plus the current verdict.
type ReviewSummary struct {
	SubjectID string           `json:"subject_id"`
	Required  []string         `json:"required"`
	Deadline  string           `json:"deadline,omitempty"`
	CI        string           `json:"ci"`
	Verdict   string           `json:"verdict"`
	Reasoning string           `json:"reasoning"`
	Responses []ReviewResponse `json:"responses"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	Kind       string `json:"kind"`
	SubjectID  string `json:"subject_id"`
	Payload    string `json:"payload_json"`
	OccurredAt string `json:"occurred_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitEpic creates an epic.
func (c *Client) SubmitEpic(ctx context.Context, title, description string, criteria []string) (WorkItem, error) {
	body := map[string]any{
		"title":               title,
		"description":         description,
		"acceptance_criteria": criteria,
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v0/epics", body, &resp)
	return resp, err
}

// GetItem fetches one work item.
func (c *Client) GetItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, "v0/items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListItems lists items, optionally filtered by status.
func (c *Client) ListItems(ctx context.Context, status string, limit int) ([]WorkItem, error) {
	endpoint := "v0/items"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []WorkItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// SubmitReview posts a reviewer response for an item.
func (c *Client) SubmitReview(ctx context.Context, itemID, role, decision, reasoning string) (ReviewResponse, error) {
	body := map[string]any{
		"reviewer_role": role,
		"decision":      decision,
		"reasoning":     reasoning,
	}
	var resp ReviewResponse
	endpoint := fmt.Sprintf("v0/items/%s/reviews", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Reviews returns the review bundle and current verdict for an item.
func (c *Client) Reviews(ctx context.Context, itemID string) (ReviewSummary, error) {
	var resp ReviewSummary
	endpoint := fmt.Sprintf("v0/items/%s/reviews", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
