package host

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

	"crewline/internal/domain"
)

// HTTPHost talks to a host bridge over plain JSON endpoints. Repo is the
// owner/name path segment the bridge scopes operations to.
type HTTPHost struct {
	BaseURL    string
	Repo       string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTP builds a host client with sane defaults.
func NewHTTP(baseURL, repo string) *HTTPHost {
	return &HTTPHost{
		BaseURL:    baseURL,
		Repo:       repo,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("host api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateIssue renders the item to markdown and opens an issue carrying the
// item's labels. The item type is always present as a label.
func (h *HTTPHost) CreateIssue(ctx context.Context, item domain.WorkItem) (string, error) {
	labels := append([]string{item.Type}, item.Labels...)
	body := map[string]any{
		"title":  item.Title,
		"body":   domain.Markdown(item),
		"labels": labels,
	}
	var resp struct {
		Ref string `json:"ref"`
	}
	if err := h.do(ctx, http.MethodPost, h.repoPath("issues"), body, &resp); err != nil {
		return "", err
	}
	return resp.Ref, nil
}

func (h *HTTPHost) OpenPR(ctx context.Context, branch, title, prBody string) (string, error) {
	body := map[string]any{
		"branch": branch,
		"title":  title,
		"body":   prBody,
	}
	var resp struct {
		Ref string `json:"ref"`
	}
	if err := h.do(ctx, http.MethodPost, h.repoPath("pulls"), body, &resp); err != nil {
		return "", err
	}
	return resp.Ref, nil
}

func (h *HTTPHost) PostComment(ctx context.Context, ref, comment string) error {
	body := map[string]any{"body": comment}
	endpoint := h.repoPath(fmt.Sprintf("refs/%s/comments", url.PathEscape(ref)))
	return h.do(ctx, http.MethodPost, endpoint, body, nil)
}

func (h *HTTPHost) GetPRStatus(ctx context.Context, ref string) (PRStatus, error) {
	var resp PRStatus
	endpoint := h.repoPath(fmt.Sprintf("pulls/%s", url.PathEscape(ref)))
	err := h.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (h *HTTPHost) MergePR(ctx context.Context, ref string) error {
	endpoint := h.repoPath(fmt.Sprintf("pulls/%s/merge", url.PathEscape(ref)))
	return h.do(ctx, http.MethodPost, endpoint, map[string]any{}, nil)
}

// HTTPCI triggers pipeline runs through the same bridge.
type HTTPCI struct {
	BaseURL    string
	Repo       string
	APIKey     string
	HTTPClient *http.Client
}

func NewHTTPCI(baseURL, repo string) *HTTPCI {
	return &HTTPCI{
		BaseURL:    baseURL,
		Repo:       repo,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPCI) Trigger(ctx context.Context, ref string) (string, error) {
	h := HTTPHost{BaseURL: c.BaseURL, Repo: c.Repo, APIKey: c.APIKey, HTTPClient: c.HTTPClient}
	var resp struct {
		RunID string `json:"run_id"`
	}
	endpoint := h.repoPath("ci/runs")
	if err := h.do(ctx, http.MethodPost, endpoint, map[string]any{"ref": ref}, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

func (h *HTTPHost) do(ctx context.Context, method, endpoint string, body any, out any) error {
	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	u := strings.TrimRight(h.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
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
	if h.APIKey != "" {
		req.Header.Set("X-Api-Key", h.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (h *HTTPHost) repoPath(p string) string {
	return fmt.Sprintf("v0/repos/%s/%s", url.PathEscape(h.Repo), strings.TrimLeft(p, "/"))
}
