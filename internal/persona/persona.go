// Package persona is the uniform call surface for role-bound agents. A
// persona is a black box: it accepts a request envelope and returns a
// response envelope or fails. Which model or provider backs a role is the
// caller's concern, not the orchestrator's.
package persona

import (
	"context"
	"errors"
	"fmt"

	"crewline/internal/domain"
)

// Request is the envelope handed to a persona.
type Request struct {
	WorkItem        domain.WorkItem `json:"work_item"`
	RepositoryState map[string]any  `json:"repository_state,omitempty"`
	ActionRequested string          `json:"action_requested"`
	Constraints     Constraints     `json:"constraints"`
}

type Constraints struct {
	Deadline  string `json:"deadline,omitempty" format:"date-time"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Response is the envelope a persona returns.
type Response struct {
	Decision        string                  `json:"decision"`
	Reasoning       string                  `json:"reasoning"`
	Artifacts       []domain.Artifact       `json:"artifacts,omitempty"`
	FollowUpActions []domain.FollowUpAction `json:"follow_up_actions,omitempty"`
}

// Actions a dispatcher may request.
const (
	ActionBreakDown = "break_down"
	ActionDesign    = "design"
	ActionEstimate  = "estimate"
	ActionReview    = "review"
	ActionSummarize = "summarize"
)

// Caller turns a request envelope into a response envelope. Implementations
// must honor ctx cancellation promptly.
type Caller interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// SchemaViolationError reports a persona response that does not match the
// expected envelope. The orchestrator treats it as request_changes.
type SchemaViolationError struct {
	Role   string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("persona %s returned malformed envelope: %s", e.Role, e.Reason)
}

// UnavailableError means retries were exhausted; the action must be
// re-enqueued, not dropped.
type UnavailableError struct {
	Role string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("persona %s unavailable: %v", e.Role, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// ErrTransient marks failures worth one retry (rate limits, 5xx).
// Callers wrap such errors with Transient.
var ErrTransient = errors.New("transient persona failure")

// Transient wraps err so the gateway will retry it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ValidateResponse checks the envelope schema: a decision from the known
// set and non-empty reasoning.
func ValidateResponse(role string, resp Response) error {
	switch resp.Decision {
	case "complete", domain.DecisionApprove, domain.DecisionRequestChanges, domain.DecisionBlock, domain.DecisionComment, "escalate":
	case "":
		return &SchemaViolationError{Role: role, Reason: "missing decision"}
	default:
		return &SchemaViolationError{Role: role, Reason: "unknown decision " + resp.Decision}
	}
	if resp.Reasoning == "" {
		return &SchemaViolationError{Role: role, Reason: "missing reasoning"}
	}
	for i, a := range resp.Artifacts {
		if a.Kind == "" {
			return &SchemaViolationError{Role: role, Reason: fmt.Sprintf("artifact %d missing kind", i)}
		}
	}
	return nil
}
