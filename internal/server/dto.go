package server

import "crewline/internal/domain"

type SubmitEpicRequest struct {
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

type CreateItemRequest struct {
	Type               string   `json:"type"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	ParentID           string   `json:"parent_id,omitempty"`
	AssignedTo         string   `json:"assigned_to,omitempty"`
	Priority           int      `json:"priority,omitempty"`
	StoryPoints        *int     `json:"story_points,omitempty"`
	Labels             []string `json:"labels,omitempty"`
}

type TransitionRequest struct {
	To      string `json:"to"`
	Version int64  `json:"version,omitempty"`
}

type SubmitReviewRequest struct {
	ReviewerRole    string                  `json:"reviewer_role"`
	Decision        string                  `json:"decision" enum:"approve,request_changes,block,comment"`
	Reasoning       string                  `json:"reasoning,omitempty"`
	Artifacts       []domain.Artifact       `json:"artifacts,omitempty"`
	FollowUpActions []domain.FollowUpAction `json:"follow_up_actions,omitempty"`
}

type ItemListResponse struct {
	Items []domain.WorkItem `json:"items"`
}

type ReviewSummaryResponse struct {
	SubjectID string                  `json:"subject_id"`
	Required  []string                `json:"required"`
	Deadline  string                  `json:"deadline,omitempty"`
	CI        string                  `json:"ci"`
	Verdict   string                  `json:"verdict"`
	Reasoning string                  `json:"reasoning"`
	Responses []domain.ReviewResponse `json:"responses"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

type DeadLetterListResponse struct {
	Items []domain.DeadLetter `json:"items"`
}

type HookAcceptedResponse struct {
	Accepted  bool `json:"accepted"`
	Duplicate bool `json:"duplicate"`
}
