// Package dispatch maps an event plus the current item graph to the actions
// the orchestrator should take. Decide is pure over its inputs and total:
// combinations it does not recognize are logged no-ops, never failures, so
// one odd event can never stall the loop.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/chainguard-dev/clog"

	"crewline/internal/domain"
	"crewline/internal/persona"
)

// Graph is the read view of the work-item forest the dispatcher consults.
type Graph interface {
	Item(id string) (domain.WorkItem, bool)
}

// Action kinds.
const (
	KindInvoke     = "invoke_persona"
	KindTriggerCI  = "trigger_ci"
	KindAggregate  = "aggregate"
	KindTransition = "transition"
	KindNotify     = "notify"
)

// Action is one step the orchestrator must carry out for an event. Role and
// Request are set for persona invocations; ToStatus for transitions; Message
// and Recipient for notifications.
type Action struct {
	Kind      string
	SubjectID string
	Role      string
	Request   persona.Request
	ToStatus  string
	Recipient string
	Message   string
}

// Reviewers decides which roles must review an item type. Wired to the
// reviews.required config table.
type Reviewers func(itemType string) []string

// Decide returns the ordered actions for one event. Reviews of a pr_opened
// event fan out as one action per required role.
func Decide(ctx context.Context, g Graph, e domain.Event, reviewers Reviewers) []Action {
	log := clog.FromContext(ctx).With("event_kind", e.Kind, "subject_id", e.SubjectID)

	item, ok := g.Item(e.SubjectID)
	if !ok && e.Kind != domain.EventScheduleTick {
		log.Info("dispatch: subject not found, skipping")
		return nil
	}

	switch e.Kind {
	case domain.EventNewItem:
		return decideNewItem(log, item)

	case domain.EventPROpened:
		if item.Type != domain.TypeTask && item.Type != domain.TypeBug {
			log.With("type", item.Type).Info("dispatch: pr_opened for non-reviewable item, skipping")
			return nil
		}
		actions := make([]Action, 0, 4)
		for _, role := range reviewers(item.Type) {
			actions = append(actions, Action{
				Kind:      KindInvoke,
				SubjectID: item.ID,
				Role:      role,
				Request: persona.Request{
					WorkItem:        item,
					ActionRequested: persona.ActionReview,
					RepositoryState: prState(e),
				},
			})
		}
		actions = append(actions, Action{Kind: KindTriggerCI, SubjectID: item.ID})
		return actions

	case domain.EventReviewSubmitted:
		if item.Status != domain.StatusInReview {
			log.With("status", item.Status).Info("dispatch: review for item not in review, skipping")
			return nil
		}
		return []Action{{Kind: KindAggregate, SubjectID: item.ID}}

	case domain.EventCIResult:
		if ciStatus(e) != domain.CIFail {
			if item.Status == domain.StatusInReview {
				return []Action{{Kind: KindAggregate, SubjectID: item.ID}}
			}
			return nil
		}
		if item.Status != domain.StatusInReview {
			log.With("status", item.Status).Info("dispatch: ci failure outside review, skipping")
			return nil
		}
		recipient := ""
		if item.AssignedTo != nil {
			recipient = *item.AssignedTo
		}
		return []Action{
			{Kind: KindTransition, SubjectID: item.ID, ToStatus: domain.StatusChangesRequested},
			{Kind: KindNotify, SubjectID: item.ID, Recipient: recipient, Message: "ci failed, changes requested"},
		}

	case domain.EventScheduleTick:
		return []Action{{
			Kind: KindInvoke,
			Role: domain.RoleSynthesizer,
			Request: persona.Request{
				ActionRequested: persona.ActionSummarize,
			},
		}}

	case domain.EventItemTransition:
		// Story design and estimation fire on the transition into ready, not
		// on creation: the new_item event may drain while the story is still
		// in backlog.
		if transitionTo(e) != domain.StatusReady {
			return nil
		}
		if item.Type != domain.TypeStory || item.Status != domain.StatusReady {
			return nil
		}
		return storyReadyActions(item)

	case domain.EventComment, domain.EventDeployRequested:
		return nil
	}

	log.Info("dispatch: unknown event kind, skipping")
	return nil
}

func decideNewItem(log *clog.Logger, item domain.WorkItem) []Action {
	if item.Type == domain.TypeEpic && item.Status == domain.StatusBacklog {
		return []Action{{
			Kind:      KindInvoke,
			SubjectID: item.ID,
			Role:      domain.RoleProductOwner,
			Request: persona.Request{
				WorkItem:        item,
				ActionRequested: persona.ActionBreakDown,
			},
		}}
	}
	log.With("type", item.Type, "status", item.Status).
		Info("dispatch: no rule for new item, skipping")
	return nil
}

func storyReadyActions(item domain.WorkItem) []Action {
	return []Action{
		{
			Kind:      KindInvoke,
			SubjectID: item.ID,
			Role:      domain.RoleArchitect,
			Request: persona.Request{
				WorkItem:        item,
				ActionRequested: persona.ActionDesign,
			},
		},
		{
			Kind:      KindInvoke,
			SubjectID: item.ID,
			Role:      domain.RoleDeveloper,
			Request: persona.Request{
				WorkItem:        item,
				ActionRequested: persona.ActionEstimate,
			},
		},
	}
}

func transitionTo(e domain.Event) string {
	var payload struct {
		To string `json:"to"`
	}
	if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
		return ""
	}
	return payload.To
}

func ciStatus(e domain.Event) string {
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
		return ""
	}
	return payload.Status
}

func prState(e domain.Event) map[string]any {
	var payload map[string]any
	if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
		return nil
	}
	return payload
}
