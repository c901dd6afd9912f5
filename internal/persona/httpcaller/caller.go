// Package httpcaller backs a persona role with a plain HTTP endpoint. The
// endpoint receives the request envelope as JSON and must answer with a
// response envelope. This is how scripted or out-of-process personas plug in.
package httpcaller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"crewline/internal/persona"
)

// Caller posts request envelopes to one endpoint.
type Caller struct {
	Endpoint   string
	Role       string
	APIKey     string
	HTTPClient *http.Client
}

// New builds a caller for role at endpoint.
func New(role, endpoint string) *Caller {
	return &Caller{
		Role:       role,
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Timeout: 90 * time.Second},
	}
}

// Invoke posts the envelope and decodes the reply. Rate limits and 5xx
// answers come back marked transient; a 2xx body that does not decode is a
// schema violation.
func (c *Caller) Invoke(ctx context.Context, req persona.Request) (persona.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return persona.Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, &buf)
	if err != nil {
		return persona.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("X-Api-Key", c.APIKey)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return persona.Response{}, persona.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return persona.Response{}, persona.Transient(fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, b))
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return persona.Response{}, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, b)
	}

	var envelope persona.Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return persona.Response{}, &persona.SchemaViolationError{
			Role:   c.Role,
			Reason: fmt.Sprintf("reply is not a JSON envelope: %v", err),
		}
	}
	return envelope, nil
}
