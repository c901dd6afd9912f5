// Package state enforces the work-item lifecycle.
package state

import (
	"fmt"

	"crewline/internal/domain"
)

// InvalidTransitionError is a logic error; callers surface it, never coerce.
type InvalidTransitionError struct {
	ItemID string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for item %s", e.From, e.To, e.ItemID)
}

// Ensure validates a status transition without applying it.
func Ensure(itemID, from, to string) error {
	if legal(from, to) {
		return nil
	}
	return &InvalidTransitionError{ItemID: itemID, From: from, To: to}
}

func legal(from, to string) bool {
	if from == to {
		return false
	}
	// rejected/cancelled are reachable from any non-terminal state
	if (to == domain.StatusRejected || to == domain.StatusCancelled) && !domain.Terminal(from) {
		return true
	}
	switch from {
	case domain.StatusBacklog:
		return to == domain.StatusReady
	case domain.StatusReady:
		return to == domain.StatusInProgress
	case domain.StatusInProgress:
		return to == domain.StatusInReview
	case domain.StatusInReview:
		return to == domain.StatusApproved || to == domain.StatusChangesRequested
	case domain.StatusApproved:
		return to == domain.StatusMerged
	case domain.StatusChangesRequested:
		return to == domain.StatusInProgress
	case domain.StatusMerged:
		return to == domain.StatusDeployed
	}
	return false
}

// Effect is a follow-up event a transition emits; this is how the loop
// self-perpetuates.
type Effect struct {
	Kind    string
	Payload map[string]any
}

// Effects returns the follow-up events for a legal transition into to.
func Effects(item domain.WorkItem, to string) []Effect {
	switch to {
	case domain.StatusMerged:
		return []Effect{{Kind: domain.EventDeployRequested, Payload: map[string]any{
			"item_id": item.ID,
			"pr_ref":  strOrEmpty(item.PRRef),
		}}}
	case domain.StatusChangesRequested:
		if item.AssignedTo != nil {
			return []Effect{{Kind: domain.EventComment, Payload: map[string]any{
				"item_id": item.ID,
				"notify":  *item.AssignedTo,
				"body":    "changes requested",
			}}}
		}
	}
	return nil
}

// Apply mutates the item's status and lifecycle timestamps. now is RFC3339.
func Apply(item *domain.WorkItem, to, now string) {
	switch to {
	case domain.StatusInProgress:
		if item.StartedAt == nil {
			item.StartedAt = &now
		}
	case domain.StatusMerged, domain.StatusDeployed:
		item.CompletedAt = &now
	}
	item.Status = to
	item.UpdatedAt = now
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
