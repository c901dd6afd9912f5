// Package engine holds the transactional commands behind the CLI, the
// server, and the orchestrator loop. Every command runs in one transaction
// with the events it emits, so a crash can never leave state without its
// audit trail.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/host"
	"crewline/internal/review"
	"crewline/internal/state"
	"crewline/internal/store"
)

type Engine struct {
	DB     *sql.DB
	Store  store.Store
	Config *config.Config
	Host   host.Host
	CI     host.CI
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Store:  store.Store{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateItemOptions are parameters for creating a work item.
type CreateItemOptions struct {
	ID                 string
	Type               string
	Title              string
	Description        string
	AcceptanceCriteria []string
	ParentID           string
	AssignedTo         string
	Priority           int
	StoryPoints        *int
	Labels             []string
	// CauseEventID links the created item to the event that triggered it.
	CauseEventID int64
}

// SubmitEpic creates an epic in backlog and opens a host issue for it. The
// new_item event it appends is what wakes the product owner.
func (e Engine) SubmitEpic(ctx context.Context, title, description string, criteria []string) (domain.WorkItem, error) {
	return e.CreateItem(ctx, CreateItemOptions{
		Type:               domain.TypeEpic,
		Title:              title,
		Description:        description,
		AcceptanceCriteria: criteria,
	})
}

// CreateItem creates one work item. Epics start in backlog; child items
// require a parent of the right type one level up, and the parent chain is
// checked for cycles before insert.
func (e Engine) CreateItem(ctx context.Context, opts CreateItemOptions) (domain.WorkItem, error) {
	if opts.Title == "" {
		return domain.WorkItem{}, errors.New("title is required")
	}
	switch opts.Type {
	case domain.TypeEpic, domain.TypeStory, domain.TypeTask, domain.TypeSubtask, domain.TypeBug:
	default:
		return domain.WorkItem{}, fmt.Errorf("unknown item type %q", opts.Type)
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if opts.ParentID != "" {
		parent, err := e.Store.GetItem(ctx, opts.ParentID)
		if err != nil {
			return domain.WorkItem{}, fmt.Errorf("parent: %w", err)
		}
		if want := domain.ParentType(opts.Type); want != "" && parent.Type != want {
			return domain.WorkItem{}, fmt.Errorf("%s cannot parent a %s", parent.Type, opts.Type)
		}
		if err := e.ensureNoCycle(ctx, opts.ParentID, id); err != nil {
			return domain.WorkItem{}, err
		}
	} else if domain.ParentType(opts.Type) != "" && opts.Type != domain.TypeStory && opts.Type != domain.TypeBug {
		return domain.WorkItem{}, fmt.Errorf("%s requires a parent", opts.Type)
	}

	now := e.nowRFC3339()
	item := domain.WorkItem{
		ID:                 id,
		Type:               opts.Type,
		Title:              opts.Title,
		Description:        opts.Description,
		AcceptanceCriteria: opts.AcceptanceCriteria,
		Status:             domain.StatusBacklog,
		ParentID:           optionalString(opts.ParentID),
		AssignedTo:         optionalString(opts.AssignedTo),
		Priority:           opts.Priority,
		StoryPoints:        opts.StoryPoints,
		Labels:             opts.Labels,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if err := e.Store.InsertItem(ctx, tx, item); err != nil {
		return domain.WorkItem{}, err
	}
	payload, err := json.Marshal(map[string]any{
		"title":          item.Title,
		"type":           item.Type,
		"cause_event_id": opts.CauseEventID,
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	if _, _, err := e.Store.AppendEvent(ctx, tx, domain.Event{
		Kind:       domain.EventNewItem,
		SubjectID:  item.ID,
		DedupKey:   "item:" + item.ID,
		Payload:    string(payload),
		OccurredAt: now,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}

	if e.Host != nil {
		if ref, err := e.Host.CreateIssue(ctx, item); err == nil {
			item.ExternalRef = &ref
			item = e.saveBestEffort(ctx, item)
		}
	}
	return item, nil
}

// ensureNoCycle climbs the parent chain from parentID looking for childID.
func (e Engine) ensureNoCycle(ctx context.Context, parentID, childID string) error {
	cur := parentID
	for cur != "" {
		if cur == childID {
			return errors.New("item hierarchy cycle detected")
		}
		item, err := e.Store.GetItem(ctx, cur)
		if err != nil {
			return err
		}
		if item.ParentID == nil {
			return nil
		}
		cur = *item.ParentID
	}
	return nil
}

// TransitionItem moves an item to a new status using the version the caller
// read. A stale version surfaces store.ErrConflict; the caller reloads and
// retries. Entering approved from in_review requires the aggregated verdict.
func (e Engine) TransitionItem(ctx context.Context, id, to string, expectedVersion int64, causeEventID int64) (domain.WorkItem, error) {
	item, err := e.Store.GetItem(ctx, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if expectedVersion != 0 && item.Version != expectedVersion {
		return domain.WorkItem{}, store.ErrConflict
	}
	if err := state.Ensure(item.ID, item.Status, to); err != nil {
		return domain.WorkItem{}, err
	}
	if item.Status == domain.StatusInReview && to == domain.StatusApproved {
		outcome, err := e.Aggregate(ctx, item.ID)
		if err != nil {
			return domain.WorkItem{}, err
		}
		if outcome.Verdict != review.VerdictApprove {
			return domain.WorkItem{}, fmt.Errorf("cannot approve %s: verdict is %s (%s): %w",
				item.ID, outcome.Verdict, outcome.Reasoning,
				&state.InvalidTransitionError{ItemID: item.ID, From: item.Status, To: to})
		}
	}

	from := item.Status
	now := e.nowRFC3339()
	state.Apply(&item, to, now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if err := e.Store.UpdateItem(ctx, tx, item); err != nil {
		return domain.WorkItem{}, err
	}
	item.Version++

	transitionPayload, err := json.Marshal(map[string]any{
		"from":           from,
		"to":             to,
		"cause_event_id": causeEventID,
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	if _, _, err := e.Store.AppendEvent(ctx, tx, domain.Event{
		Kind:       domain.EventItemTransition,
		SubjectID:  item.ID,
		DedupKey:   fmt.Sprintf("transition:%s:%d:%s", item.ID, item.Version, to),
		Payload:    string(transitionPayload),
		OccurredAt: now,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	for _, effect := range state.Effects(item, to) {
		payload, err := json.Marshal(effect.Payload)
		if err != nil {
			return domain.WorkItem{}, err
		}
		if _, _, err := e.Store.AppendEvent(ctx, tx, domain.Event{
			Kind:       effect.Kind,
			SubjectID:  item.ID,
			DedupKey:   fmt.Sprintf("effect:%s:%d:%s", item.ID, item.Version, effect.Kind),
			Payload:    string(payload),
			OccurredAt: now,
		}); err != nil {
			return domain.WorkItem{}, err
		}
	}
	if to == domain.StatusMerged || domain.Terminal(to) {
		if err := e.Store.CloseReviewRound(ctx, tx, item.ID); err != nil {
			return domain.WorkItem{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}

// SetBlocked flags or clears the human-visible blocked reason without
// touching the lifecycle status.
func (e Engine) SetBlocked(ctx context.Context, id string, reason *string) (domain.WorkItem, error) {
	item, err := e.Store.GetItem(ctx, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	item.BlockedReason = reason
	item.UpdatedAt = e.nowRFC3339()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	if err := e.Store.UpdateItem(ctx, tx, item); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	item.Version++
	return item, nil
}

// StartReview moves an item into review for a PR: status in_review, PR ref
// recorded, and a review round opened with the required roles and deadline.
func (e Engine) StartReview(ctx context.Context, id, prRef string) (domain.WorkItem, error) {
	item, err := e.Store.GetItem(ctx, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if item.Status != domain.StatusInReview {
		if err := state.Ensure(item.ID, item.Status, domain.StatusInReview); err != nil {
			return domain.WorkItem{}, err
		}
	}
	now := e.nowRFC3339()
	if item.Status != domain.StatusInReview {
		state.Apply(&item, domain.StatusInReview, now)
	}
	if prRef != "" {
		item.PRRef = &prRef
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	if err := e.Store.UpdateItem(ctx, tx, item); err != nil {
		return domain.WorkItem{}, err
	}
	item.Version++

	deadline := e.now().Add(e.Config.ReviewDeadline()).UTC().Format(time.RFC3339)
	round := store.ReviewRound{
		SubjectID: item.ID,
		Required:  e.Config.RequiredReviewers(item.Type),
		Deadline:  deadline,
		OpenedAt:  now,
	}
	if err := e.Store.OpenReviewRound(ctx, tx, round); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}

// SubmitReview records one reviewer response and appends the
// review_submitted event that triggers re-aggregation.
func (e Engine) SubmitReview(ctx context.Context, subjectID, role string, resp domain.ReviewResponse) (domain.ReviewResponse, error) {
	switch resp.Decision {
	case domain.DecisionApprove, domain.DecisionRequestChanges, domain.DecisionBlock, domain.DecisionComment:
	default:
		return domain.ReviewResponse{}, fmt.Errorf("unknown decision %q", resp.Decision)
	}
	if _, err := e.Store.GetItem(ctx, subjectID); err != nil {
		return domain.ReviewResponse{}, err
	}

	resp.ID = uuid.NewString()
	resp.SubjectID = subjectID
	resp.ReviewerRole = role
	resp.SubmittedAt = e.nowRFC3339()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewResponse{}, err
	}
	defer tx.Rollback()
	if err := e.Store.InsertReviewResponse(ctx, tx, resp); err != nil {
		return domain.ReviewResponse{}, err
	}
	payload, err := json.Marshal(map[string]string{
		"reviewer_role": role,
		"decision":      resp.Decision,
	})
	if err != nil {
		return domain.ReviewResponse{}, err
	}
	if _, _, err := e.Store.AppendEvent(ctx, tx, domain.Event{
		Kind:       domain.EventReviewSubmitted,
		SubjectID:  subjectID,
		DedupKey:   "review:" + resp.ID,
		Payload:    string(payload),
		OccurredAt: resp.SubmittedAt,
	}); err != nil {
		return domain.ReviewResponse{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewResponse{}, err
	}
	return resp, nil
}

// RecordCIResult persists the latest CI run for a subject.
func (e Engine) RecordCIResult(ctx context.Context, subjectID, runID, status string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Store.UpsertCIRun(ctx, tx, subjectID, runID, status, e.nowRFC3339()); err != nil {
		return err
	}
	return tx.Commit()
}

// Aggregate rebuilds the review bundle for a subject from the store and
// reduces it. Recomputable at any time; never mutates.
func (e Engine) Aggregate(ctx context.Context, subjectID string) (review.Outcome, error) {
	item, err := e.Store.GetItem(ctx, subjectID)
	if err != nil {
		return review.Outcome{}, err
	}
	responses, err := e.Store.ListReviewResponses(ctx, subjectID)
	if err != nil {
		return review.Outcome{}, err
	}
	ci, err := e.Store.GetCIStatus(ctx, subjectID)
	if err != nil {
		return review.Outcome{}, err
	}
	bundle := review.Bundle{
		SubjectID: subjectID,
		Required:  e.Config.RequiredReviewers(item.Type),
		Responses: responses,
		CI:        ci,
	}
	round, err := e.Store.GetReviewRound(ctx, subjectID)
	if err == nil {
		bundle.Required = round.Required
		bundle.Deadline = round.Deadline
	} else if !errors.Is(err, store.ErrNotFound) {
		return review.Outcome{}, err
	}
	return review.Reduce(bundle, e.now()), nil
}

// saveBestEffort persists non-essential updates like external refs. Losing
// them costs a host round trip later, not correctness.
func (e Engine) saveBestEffort(ctx context.Context, item domain.WorkItem) domain.WorkItem {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item
	}
	defer tx.Rollback()
	item.UpdatedAt = e.nowRFC3339()
	if err := e.Store.UpdateItem(ctx, tx, item); err != nil {
		return item
	}
	if err := tx.Commit(); err != nil {
		return item
	}
	item.Version++
	return item
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
