package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"crewline/internal/dispatch"
	"crewline/internal/domain"
	"crewline/internal/ingress"
	"crewline/internal/persona"
	"crewline/internal/review"
	"crewline/internal/state"
	"crewline/internal/store"
)

const (
	drainInterval = 2 * time.Second
	drainBatch    = 100
	casRetries    = 3
)

// Orchestrator closes the loop: pending events in, dispatcher actions out,
// persona results back into the state machine and aggregator. Events for
// one subject run strictly in order; distinct subjects run concurrently on
// a bounded pool.
type Orchestrator struct {
	Engine  Engine
	Gateway *persona.Gateway
	Ingress ingress.Ingress

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewOrchestrator(e Engine, gw *persona.Gateway) *Orchestrator {
	return &Orchestrator{
		Engine:   e,
		Gateway:  gw,
		Ingress:  ingress.New(e.Store),
		inFlight: make(map[string]struct{}),
	}
}

// Run drains events until ctx is cancelled. A store failure is the one
// fatal condition: intake suspends and the error is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	log := clog.FromContext(ctx)
	log.With("workers", o.Engine.Config.Workers()).Info("orchestrator started")

	tick := time.NewTicker(o.Engine.Config.OrchestratorTick())
	defer tick.Stop()
	drain := time.NewTicker(drainInterval)
	defer drain.Stop()

	for {
		if err := o.DrainOnce(ctx); err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if _, err := o.Ingress.Tick(ctx, o.Engine.Config.OrchestratorTick()); err != nil {
				var malformed *ingress.MalformedEventError
				if !errors.As(err, &malformed) {
					return fmt.Errorf("tick: %w", err)
				}
			}
		case <-drain.C:
		}
	}
}

// DrainOnce processes one batch of pending events. Events whose subject
// already has work in flight stay pending for the next pass, which keeps
// per-subject ordering without holding the batch hostage.
func (o *Orchestrator) DrainOnce(ctx context.Context) error {
	events, err := o.Engine.Store.PendingEvents(ctx, drainBatch)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.Engine.Config.Workers())
	claimed := make(map[string]bool)
	for _, e := range events {
		key := e.SubjectID
		if key == "" {
			key = e.Kind
		}
		if claimed[key] || !o.acquire(key) {
			claimed[key] = true
			continue
		}
		claimed[key] = true
		e := e
		g.Go(func() error {
			defer o.release(key)
			o.processEvent(gctx, e)
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) acquire(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[key]; busy {
		return false
	}
	o.inFlight[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	delete(o.inFlight, key)
	o.mu.Unlock()
}

// processEvent handles one event end to end. Failures are isolated: the
// event stays pending (re-enqueued) or is dead-lettered, and the loop moves
// on either way.
func (o *Orchestrator) processEvent(ctx context.Context, e domain.Event) {
	log := clog.FromContext(ctx).With("event_id", e.ID, "kind", e.Kind, "subject_id", e.SubjectID)

	if err := o.prepare(ctx, e); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The subject will never appear; retrying would pin the event in
			// the oldest-first batch forever.
			o.deadLetter(ctx, e, err)
			if merr := o.markProcessed(ctx, e.ID); merr != nil {
				log.With("error", merr.Error()).Error("mark processed failed")
			}
			return
		}
		log.With("error", err.Error()).Error("event preparation failed, leaving pending")
		return
	}

	actions := dispatch.Decide(ctx, storeGraph{o.Engine.Store}, e, o.Engine.Config.RequiredReviewers)
	if done := o.runActions(ctx, e, actions); !done {
		return
	}

	if err := o.markProcessed(ctx, e.ID); err != nil {
		log.With("error", err.Error()).Error("mark processed failed")
	}
}

// prepare applies the event's direct effects before dispatch: a pr_opened
// event moves the item into review, a ci_result lands in the CI table.
func (o *Orchestrator) prepare(ctx context.Context, e domain.Event) error {
	switch e.Kind {
	case domain.EventPROpened:
		var payload struct {
			PRRef string `json:"pr_ref"`
		}
		_ = json.Unmarshal([]byte(e.Payload), &payload)
		item, err := o.Engine.Store.GetItem(ctx, e.SubjectID)
		if err != nil {
			return err
		}
		if item.Status == domain.StatusInReview {
			return nil
		}
		_, err = o.Engine.StartReview(ctx, e.SubjectID, payload.PRRef)
		return err
	case domain.EventCIResult:
		var payload struct {
			RunID  string `json:"run_id"`
			Status string `json:"status"`
		}
		_ = json.Unmarshal([]byte(e.Payload), &payload)
		return o.Engine.RecordCIResult(ctx, e.SubjectID, payload.RunID, payload.Status)
	case domain.EventScheduleTick:
		return o.sweepExpiredRounds(ctx, e)
	}
	return nil
}

// sweepExpiredRounds re-reduces every round whose deadline has passed. A
// silent required reviewer counts as request_changes once the deadline is
// behind us, so the item moves back to the developer instead of sitting in
// review forever.
func (o *Orchestrator) sweepExpiredRounds(ctx context.Context, e domain.Event) error {
	rounds, err := o.Engine.Store.ListReviewRoundsDue(ctx, o.Engine.nowRFC3339())
	if err != nil {
		return err
	}
	for _, round := range rounds {
		if err := o.aggregate(ctx, e, round.SubjectID); err != nil {
			clog.FromContext(ctx).With("subject_id", round.SubjectID, "error", err.Error()).
				Error("expired round aggregation failed")
		}
	}
	return nil
}

func (o *Orchestrator) deadLetter(ctx context.Context, e domain.Event, cause error) {
	payload, err := json.Marshal(e)
	if err != nil {
		payload = []byte(e.Payload)
	}
	if derr := o.Engine.Store.InsertDeadLetter(ctx, domain.DeadLetter{
		Source:     "orchestrator",
		Payload:    string(payload),
		Error:      cause.Error(),
		ReceivedAt: o.Engine.nowRFC3339(),
	}); derr != nil {
		clog.FromContext(ctx).With("error", derr.Error()).Error("dead-lettering event failed")
	}
}

// runActions carries out the dispatcher's plan. Persona invocations within
// one event fan out in parallel; everything else runs in order after them.
// Returns false when the event must stay pending for another attempt.
func (o *Orchestrator) runActions(ctx context.Context, e domain.Event, actions []dispatch.Action) bool {
	log := clog.FromContext(ctx).With("event_id", e.ID)

	var invocations, rest []dispatch.Action
	for _, a := range actions {
		if a.Kind == dispatch.KindInvoke {
			invocations = append(invocations, a)
		} else {
			rest = append(rest, a)
		}
	}

	type result struct {
		action dispatch.Action
		resp   persona.Response
	}
	results := make([]result, len(invocations))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range invocations {
		i, a := i, a
		g.Go(func() error {
			resp, err := o.Gateway.Invoke(gctx, a.Role, a.Request)
			if err != nil {
				return o.personaFailure(gctx, e, a, err)
			}
			results[i] = result{action: a, resp: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var retryable *retryLaterError
		if errors.As(err, &retryable) {
			log.With("error", err.Error()).Warn("persona unavailable, re-enqueueing event")
			return false
		}
		log.With("error", err.Error()).Error("persona invocation failed")
		return true
	}

	for _, r := range results {
		if r.action.Role == "" {
			continue
		}
		if err := o.applyResponse(ctx, e, r.action, r.resp); err != nil {
			log.With("role", r.action.Role, "error", err.Error()).Error("applying persona response failed")
		}
	}
	for _, a := range rest {
		if err := o.applyAction(ctx, e, a); err != nil {
			log.With("action", a.Kind, "error", err.Error()).Error("applying action failed")
		}
	}
	return true
}

// retryLaterError aborts the fan-out and keeps the event pending.
type retryLaterError struct{ err error }

func (e *retryLaterError) Error() string { return e.err.Error() }
func (e *retryLaterError) Unwrap() error { return e.err }

// personaFailure translates a gateway error into loop policy: schema
// violations become request_changes reviews, unavailability flags the item
// blocked and re-enqueues.
func (o *Orchestrator) personaFailure(ctx context.Context, e domain.Event, a dispatch.Action, err error) error {
	var schema *persona.SchemaViolationError
	if errors.As(err, &schema) {
		if a.SubjectID == "" || a.Request.ActionRequested != persona.ActionReview {
			return nil
		}
		_, serr := o.Engine.SubmitReview(ctx, a.SubjectID, a.Role, domain.ReviewResponse{
			Decision:  domain.DecisionRequestChanges,
			Reasoning: schema.Error(),
		})
		return serr
	}
	var unavailable *persona.UnavailableError
	if errors.As(err, &unavailable) {
		if a.SubjectID != "" {
			reason := unavailable.Error()
			if _, berr := o.Engine.SetBlocked(ctx, a.SubjectID, &reason); berr != nil {
				clog.FromContext(ctx).With("error", berr.Error()).Error("flagging blocked item failed")
			}
		}
		return &retryLaterError{err: err}
	}
	return err
}

// applyResponse folds one persona response back into the system according
// to the action that asked for it.
func (o *Orchestrator) applyResponse(ctx context.Context, e domain.Event, a dispatch.Action, resp persona.Response) error {
	switch a.Request.ActionRequested {
	case persona.ActionReview:
		_, err := o.Engine.SubmitReview(ctx, a.SubjectID, a.Role, domain.ReviewResponse{
			Decision:        resp.Decision,
			Reasoning:       resp.Reasoning,
			Artifacts:       resp.Artifacts,
			FollowUpActions: resp.FollowUpActions,
		})
		return err

	case persona.ActionBreakDown:
		return o.applyBreakdown(ctx, e, a, resp)

	case persona.ActionEstimate:
		return o.applyEstimate(ctx, a, resp)

	default:
		// Design notes, summaries and the like are recorded as comments
		// on the item's timeline.
		return o.recordComment(ctx, e, a, resp)
	}
}

// breakdownArtifact is what a product owner emits per child story.
type breakdownArtifact struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Priority           int      `json:"priority"`
}

func (o *Orchestrator) applyBreakdown(ctx context.Context, e domain.Event, a dispatch.Action, resp persona.Response) error {
	log := clog.FromContext(ctx).With("subject_id", a.SubjectID)
	created := 0
	for _, artifact := range resp.Artifacts {
		if artifact.Kind != domain.TypeStory && artifact.Kind != domain.TypeBug && artifact.Kind != domain.TypeTask {
			continue
		}
		var child breakdownArtifact
		if err := json.Unmarshal([]byte(artifact.Content), &child); err != nil {
			child = breakdownArtifact{Title: artifact.Content}
		}
		if child.Title == "" {
			continue
		}
		if _, err := o.Engine.CreateItem(ctx, CreateItemOptions{
			Type:               artifact.Kind,
			Title:              child.Title,
			Description:        child.Description,
			AcceptanceCriteria: child.AcceptanceCriteria,
			ParentID:           a.SubjectID,
			Priority:           child.Priority,
			CauseEventID:       e.ID,
		}); err != nil {
			return err
		}
		created++
	}
	log.With("children", created).Info("breakdown applied")
	return nil
}

func (o *Orchestrator) applyEstimate(ctx context.Context, a dispatch.Action, resp persona.Response) error {
	for _, artifact := range resp.Artifacts {
		if artifact.Kind != "estimate" {
			continue
		}
		var est struct {
			StoryPoints int `json:"story_points"`
		}
		if err := json.Unmarshal([]byte(artifact.Content), &est); err != nil || est.StoryPoints <= 0 {
			continue
		}
		item, err := o.Engine.Store.GetItem(ctx, a.SubjectID)
		if err != nil {
			return err
		}
		item.StoryPoints = &est.StoryPoints
		item.UpdatedAt = o.Engine.nowRFC3339()
		tx, err := o.Engine.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := o.Engine.Store.UpdateItem(ctx, tx, item); err != nil {
			return err
		}
		return tx.Commit()
	}
	return nil
}

func (o *Orchestrator) recordComment(ctx context.Context, e domain.Event, a dispatch.Action, resp persona.Response) error {
	payload, err := json.Marshal(map[string]any{
		"role":      a.Role,
		"action":    a.Request.ActionRequested,
		"reasoning": resp.Reasoning,
		"artifacts": resp.Artifacts,
	})
	if err != nil {
		return err
	}
	tx, err := o.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, _, err := o.Engine.Store.AppendEvent(ctx, tx, domain.Event{
		Kind:       domain.EventComment,
		SubjectID:  a.SubjectID,
		DedupKey:   fmt.Sprintf("comment:%d:%s:%s", e.ID, a.Role, a.Request.ActionRequested),
		Payload:    string(payload),
		OccurredAt: o.Engine.nowRFC3339(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// applyAction carries out the dispatcher's non-persona steps.
func (o *Orchestrator) applyAction(ctx context.Context, e domain.Event, a dispatch.Action) error {
	switch a.Kind {
	case dispatch.KindTriggerCI:
		return o.triggerCI(ctx, a.SubjectID)
	case dispatch.KindAggregate:
		return o.aggregate(ctx, e, a.SubjectID)
	case dispatch.KindTransition:
		return o.transitionWithRetry(ctx, a.SubjectID, a.ToStatus, e.ID)
	case dispatch.KindNotify:
		return o.notify(ctx, a)
	}
	return nil
}

func (o *Orchestrator) triggerCI(ctx context.Context, subjectID string) error {
	if o.Engine.CI == nil {
		return nil
	}
	item, err := o.Engine.Store.GetItem(ctx, subjectID)
	if err != nil {
		return err
	}
	ref := domain.BranchName(item)
	if item.PRRef != nil {
		ref = *item.PRRef
	}
	runID, err := o.Engine.CI.Trigger(ctx, ref)
	if err != nil {
		return err
	}
	return o.Engine.RecordCIResult(ctx, subjectID, runID, domain.CIPending)
}

// aggregate reduces the bundle and, when it resolves, drives the item
// forward: approve merges (when auto_merge is on), request_changes sends
// the item back to the developer.
func (o *Orchestrator) aggregate(ctx context.Context, e domain.Event, subjectID string) error {
	log := clog.FromContext(ctx).With("subject_id", subjectID)
	outcome, err := o.Engine.Aggregate(ctx, subjectID)
	if err != nil {
		return err
	}
	log.With("verdict", outcome.Verdict, "reasoning", outcome.Reasoning).Info("bundle reduced")

	item, err := o.Engine.Store.GetItem(ctx, subjectID)
	if err != nil {
		return err
	}
	if item.Status != domain.StatusInReview {
		return nil
	}

	switch outcome.Verdict {
	case review.VerdictApprove:
		if err := o.transitionWithRetry(ctx, subjectID, domain.StatusApproved, e.ID); err != nil {
			return err
		}
		if !o.Engine.Config.Reviews.AutoMerge {
			return nil
		}
		if o.Engine.Host != nil && item.PRRef != nil {
			if err := o.Engine.Host.MergePR(ctx, *item.PRRef); err != nil {
				return err
			}
		}
		return o.transitionWithRetry(ctx, subjectID, domain.StatusMerged, e.ID)

	case review.VerdictRequestChanges, review.VerdictBlock:
		return o.transitionWithRetry(ctx, subjectID, domain.StatusChangesRequested, e.ID)
	}
	return nil
}

// transitionWithRetry absorbs CAS conflicts by reloading. An invalid
// transition after reload means someone else already moved the item; that
// is a no-op, not an error.
func (o *Orchestrator) transitionWithRetry(ctx context.Context, id, to string, causeEventID int64) error {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		_, err := o.Engine.TransitionItem(ctx, id, to, 0, causeEventID)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrConflict) {
			lastErr = err
			continue
		}
		var invalid *state.InvalidTransitionError
		if errors.As(err, &invalid) {
			return nil
		}
		return err
	}
	return lastErr
}

func (o *Orchestrator) notify(ctx context.Context, a dispatch.Action) error {
	item, err := o.Engine.Store.GetItem(ctx, a.SubjectID)
	if err != nil {
		return err
	}
	if o.Engine.Host == nil || item.PRRef == nil {
		clog.FromContext(ctx).With("subject_id", a.SubjectID, "recipient", a.Recipient).
			Info(a.Message)
		return nil
	}
	body := a.Message
	if a.Recipient != "" {
		body = fmt.Sprintf("@%s %s", a.Recipient, a.Message)
	}
	return o.Engine.Host.PostComment(ctx, *item.PRRef, body)
}

func (o *Orchestrator) markProcessed(ctx context.Context, id int64) error {
	tx, err := o.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.Engine.Store.MarkEventProcessed(ctx, tx, id, o.Engine.nowRFC3339()); err != nil {
		return err
	}
	return tx.Commit()
}

// storeGraph adapts the store to the dispatcher's read view.
type storeGraph struct {
	s store.Store
}

func (g storeGraph) Item(id string) (domain.WorkItem, bool) {
	item, err := g.s.GetItem(context.Background(), id)
	if err != nil {
		return domain.WorkItem{}, false
	}
	return item, true
}
