package domain

import (
	"fmt"
	"strings"
)

// Work item types, ordered top of the hierarchy first.
const (
	TypeEpic    = "epic"
	TypeStory   = "story"
	TypeTask    = "task"
	TypeSubtask = "subtask"
	TypeBug     = "bug"
)

// Work item statuses.
const (
	StatusBacklog          = "backlog"
	StatusReady            = "ready"
	StatusInProgress       = "in_progress"
	StatusInReview         = "in_review"
	StatusApproved         = "approved"
	StatusChangesRequested = "changes_requested"
	StatusMerged           = "merged"
	StatusDeployed         = "deployed"
	StatusRejected         = "rejected"
	StatusCancelled        = "cancelled"
)

// Persona roles. Roles are data, not code paths: the gateway resolves a role
// to whatever caller the config binds it to.
const (
	RoleProductOwner = "product-owner"
	RoleStrategist   = "strategist"
	RoleArchitect    = "architect"
	RoleDeveloper    = "developer"
	RoleQA           = "qa"
	RoleDocs         = "docs"
	RoleSecurity     = "security"
	RoleDevOps       = "devops"
	RoleSynthesizer  = "synthesizer"
)

// Review decisions.
const (
	DecisionApprove        = "approve"
	DecisionRequestChanges = "request_changes"
	DecisionBlock          = "block"
	DecisionComment        = "comment"
)

// CI run statuses.
const (
	CIPass    = "pass"
	CIFail    = "fail"
	CIPending = "pending"
)

type WorkItem struct {
	ID                 string   `json:"id"`
	Type               string   `json:"type" enum:"epic,story,task,subtask,bug"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	AssignedTo         *string  `json:"assigned_to,omitempty"`
	Status             string   `json:"status" enum:"backlog,ready,in_progress,in_review,approved,changes_requested,merged,deployed,rejected,cancelled"`
	ParentID           *string  `json:"parent_id,omitempty"`
	ExternalRef        *string  `json:"external_ref,omitempty"`
	PRRef              *string  `json:"pr_ref,omitempty"`
	Branch             *string  `json:"branch,omitempty"`
	Priority           int      `json:"priority"`
	StoryPoints        *int     `json:"story_points,omitempty"`
	Labels             []string `json:"labels,omitempty"`
	BlockedReason      *string  `json:"blocked_reason,omitempty"`
	Version            int64    `json:"version"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
	StartedAt          *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt        *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Terminal reports whether the status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case StatusDeployed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// ParentType returns the work item type one level up the hierarchy, or ""
// for types that have no parent level. Bugs attach where stories do.
func ParentType(itemType string) string {
	switch itemType {
	case TypeStory, TypeBug:
		return TypeEpic
	case TypeTask:
		return TypeStory
	case TypeSubtask:
		return TypeTask
	}
	return ""
}

// Event kinds.
const (
	EventNewItem         = "new_item"
	EventPROpened        = "pr_opened"
	EventComment         = "comment"
	EventCIResult        = "ci_result"
	EventScheduleTick    = "schedule_tick"
	EventReviewSubmitted = "review_submitted"
	EventItemTransition  = "item_transitioned"
	EventDeployRequested = "deploy_requested"
)

type Event struct {
	ID          int64   `json:"id"`
	Kind        string  `json:"kind"`
	SubjectID   string  `json:"subject_id"`
	DedupKey    string  `json:"dedup_key"`
	Payload     string  `json:"payload_json"`
	OccurredAt  string  `json:"occurred_at" format:"date-time"`
	ProcessedAt *string `json:"processed_at,omitempty" format:"date-time"`
}

type Artifact struct {
	Kind       string `json:"kind"`
	Content    string `json:"content"`
	TargetPath string `json:"target_path,omitempty"`
}

type FollowUpAction struct {
	Action     string `json:"action"`
	AssignedTo string `json:"assigned_to"`
	Priority   int    `json:"priority"`
}

type ReviewResponse struct {
	Seq             int64            `json:"seq"`
	ID              string           `json:"id"`
	SubjectID       string           `json:"subject_id"`
	ReviewerRole    string           `json:"reviewer_role"`
	Decision        string           `json:"decision" enum:"approve,request_changes,block,comment"`
	Reasoning       string           `json:"reasoning,omitempty"`
	Artifacts       []Artifact       `json:"artifacts,omitempty"`
	FollowUpActions []FollowUpAction `json:"follow_up_actions,omitempty"`
	SubmittedAt     string           `json:"submitted_at" format:"date-time"`
}

type DeadLetter struct {
	ID         int64  `json:"id"`
	Source     string `json:"source"`
	Payload    string `json:"payload"`
	Error      string `json:"error"`
	ReceivedAt string `json:"received_at" format:"date-time"`
}

// Slug derives a branch-safe fragment from a title.
func Slug(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	if len(s) > 40 {
		s = strings.Trim(s[:40], "-")
	}
	return s
}

// BranchName returns the feature branch for a work item.
func BranchName(item WorkItem) string {
	prefix := item.ID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%s/%s-%s", item.Type, prefix, Slug(item.Title))
}

// Markdown renders a work item as a host issue body.
func Markdown(item WorkItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", item.Title)
	fmt.Fprintf(&b, "**Type:** %s\n", item.Type)
	fmt.Fprintf(&b, "**Status:** %s\n", strings.ReplaceAll(item.Status, "_", " "))
	fmt.Fprintf(&b, "**Priority:** P%d\n", item.Priority)
	if item.AssignedTo != nil {
		fmt.Fprintf(&b, "**Assigned To:** %s\n", *item.AssignedTo)
	}
	if item.StoryPoints != nil {
		fmt.Fprintf(&b, "**Story Points:** %d\n", *item.StoryPoints)
	}
	if item.Description != "" {
		fmt.Fprintf(&b, "\n## Description\n\n%s\n", item.Description)
	}
	if len(item.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance Criteria\n\n")
		for _, c := range item.AcceptanceCriteria {
			fmt.Fprintf(&b, "- [ ] %s\n", c)
		}
	}
	return b.String()
}
