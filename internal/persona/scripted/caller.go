// Package scripted is a deterministic in-process persona used for local
// runs and tests. It answers from a fixed decision instead of a model.
package scripted

import (
	"context"
	"fmt"

	"crewline/internal/domain"
	"crewline/internal/persona"
)

// Caller answers every request with the configured decision.
type Caller struct {
	Role     string
	Decision string
}

// New builds a scripted caller. An empty decision defaults to approve.
func New(role, decision string) *Caller {
	if decision == "" {
		decision = domain.DecisionApprove
	}
	return &Caller{Role: role, Decision: decision}
}

func (c *Caller) Invoke(ctx context.Context, req persona.Request) (persona.Response, error) {
	if err := ctx.Err(); err != nil {
		return persona.Response{}, err
	}
	return persona.Response{
		Decision:  c.Decision,
		Reasoning: fmt.Sprintf("scripted %s response to %s", c.Role, req.ActionRequested),
	}, nil
}
