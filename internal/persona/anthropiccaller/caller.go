// Package anthropiccaller backs a persona role with the Anthropic Messages
// API. The persona prompt carries the role description, the rendered work
// item, and the requested action; the model must answer with a single JSON
// envelope.
package anthropiccaller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"crewline/internal/domain"
	"crewline/internal/persona"
)

const defaultMaxTokens = 4096

// Caller invokes one role against one Anthropic model.
type Caller struct {
	client      anthropic.Client
	model       string
	role        string
	description string
}

// New binds role to model on the given client. The description seeds the
// system prompt so the model reviews as that role.
func New(client anthropic.Client, role, model, description string) *Caller {
	return &Caller{
		client:      client,
		model:       model,
		role:        role,
		description: description,
	}
}

// Invoke renders the request envelope into a prompt, calls the model, and
// parses the JSON envelope out of the reply. Rate limits and upstream
// overload come back marked transient so the gateway retries them.
func (c *Caller) Invoke(ctx context.Context, req persona.Request) (persona.Response, error) {
	prompt, err := buildPrompt(c.role, c.description, req)
	if err != nil {
		return persona.Response{}, fmt.Errorf("build prompt: %w", err)
	}

	maxTokens := int64(defaultMaxTokens)
	if req.Constraints.MaxTokens > 0 {
		maxTokens = int64(req.Constraints.MaxTokens)
	}

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt(c.role, c.description)},
		},
		Messages: []anthropic.MessageParam{{
			Role: anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{
				anthropic.NewTextBlock(prompt),
			},
		}},
	})
	if err != nil {
		if isRetryable(err) {
			return persona.Response{}, persona.Transient(err)
		}
		return persona.Response{}, err
	}

	var text strings.Builder
	for _, content := range message.Content {
		if content.Type == "text" {
			text.WriteString(content.Text)
		}
	}
	if text.Len() == 0 {
		return persona.Response{}, &persona.SchemaViolationError{Role: c.role, Reason: "empty reply"}
	}

	resp, err := parseEnvelope(c.role, text.String())
	if err != nil {
		return persona.Response{}, err
	}
	return resp, nil
}

func systemPrompt(role, description string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s persona on a software delivery crew.\n", role)
	if description != "" {
		b.WriteString(description)
		b.WriteString("\n")
	}
	b.WriteString(`Respond with exactly one JSON object and nothing else:
{
  "decision": "complete|approve|request_changes|block|comment|escalate",
  "reasoning": "why you decided this",
  "artifacts": [{"kind": "...", "title": "...", "body": "..."}],
  "follow_up_actions": [{"kind": "...", "title": "...", "detail": "..."}]
}`)
	return b.String()
}

func buildPrompt(role, description string, req persona.Request) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Action requested: %s\n\n", req.ActionRequested)
	b.WriteString(domain.Markdown(req.WorkItem))
	b.WriteString("\n")
	if len(req.RepositoryState) > 0 {
		state, err := json.MarshalIndent(req.RepositoryState, "", "  ")
		if err != nil {
			return "", err
		}
		b.WriteString("\nRepository state:\n```json\n")
		b.Write(state)
		b.WriteString("\n```\n")
	}
	if req.Constraints.Deadline != "" {
		fmt.Fprintf(&b, "\nRespond before %s.\n", req.Constraints.Deadline)
	}
	return b.String(), nil
}

// parseEnvelope tolerates a fenced code block around the JSON but nothing
// looser than that.
func parseEnvelope(role, raw string) (persona.Response, error) {
	body := strings.TrimSpace(raw)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		if idx := strings.LastIndex(body, "```"); idx >= 0 {
			body = body[:idx]
		}
		body = strings.TrimSpace(body)
	}
	var resp persona.Response
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return persona.Response{}, &persona.SchemaViolationError{
			Role:   role,
			Reason: fmt.Sprintf("reply is not a JSON envelope: %v", err),
		}
	}
	return resp, nil
}

// isRetryable classifies Anthropic API failures worth another attempt:
// rate limits, upstream unavailability, and overload.
func isRetryable(err error) bool {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case 429, 503, 504, 529:
		return true
	}
	return false
}
