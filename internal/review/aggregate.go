// Package review reduces a bundle of reviewer responses to one verdict.
package review

import (
	"sort"
	"time"

	"crewline/internal/domain"
)

// Verdicts.
const (
	VerdictApprove        = "approve"
	VerdictRequestChanges = "request_changes"
	VerdictBlock          = "block"
	VerdictPending        = "pending"
)

// Bundle is the set of responses collected so far for one subject, plus the
// CI status for its PR. It is rebuilt from the store on every reduction;
// nothing here is mutated.
type Bundle struct {
	SubjectID string
	Required  []string
	Responses []domain.ReviewResponse
	CI        string
	// Deadline is RFC3339; empty means no deadline.
	Deadline string
}

// Outcome is the reduced verdict with its reasoning.
type Outcome struct {
	Verdict   string
	Reasoning string
}

// Reduce computes the verdict for a bundle. It is deterministic for a fixed
// bundle: responses are keyed by reviewer role taking the latest submission,
// so the call order in which responses arrived never matters.
//
// Policy:
//   - any block is a block; the security role's veto is absolute
//   - any request_changes blocks approval
//   - approve requires every required role to approve and CI to pass
//   - a required role silent past the deadline resolves to request_changes,
//     never to approve
//   - comment decisions carry no weight
func Reduce(b Bundle, now time.Time) Outcome {
	latest := latestByRole(b.Responses)

	for _, role := range sortedRoles(latest) {
		if latest[role].Decision == domain.DecisionBlock {
			return Outcome{Verdict: VerdictBlock, Reasoning: "blocked by " + role + ": " + latest[role].Reasoning}
		}
	}
	for _, role := range sortedRoles(latest) {
		if latest[role].Decision == domain.DecisionRequestChanges {
			return Outcome{Verdict: VerdictRequestChanges, Reasoning: "changes requested by " + role}
		}
	}

	var missing []string
	for _, role := range b.Required {
		r, ok := latest[role]
		if !ok || r.Decision == domain.DecisionComment {
			missing = append(missing, role)
		}
	}
	if len(missing) > 0 {
		if expired(b.Deadline, now) {
			return Outcome{Verdict: VerdictRequestChanges, Reasoning: "review timeout"}
		}
		return Outcome{Verdict: VerdictPending, Reasoning: "awaiting " + missing[0]}
	}

	switch b.CI {
	case domain.CIFail:
		return Outcome{Verdict: VerdictRequestChanges, Reasoning: "ci failed"}
	case domain.CIPass:
		return Outcome{Verdict: VerdictApprove, Reasoning: "all required reviews approved, ci passed"}
	}
	return Outcome{Verdict: VerdictPending, Reasoning: "awaiting ci"}
}

// latestByRole picks each role's most recent response. Responses are
// append-only; a reviewer resubmitting supersedes their earlier decision.
func latestByRole(responses []domain.ReviewResponse) map[string]domain.ReviewResponse {
	latest := make(map[string]domain.ReviewResponse, len(responses))
	for _, r := range responses {
		cur, ok := latest[r.ReviewerRole]
		if !ok || r.Seq > cur.Seq {
			latest[r.ReviewerRole] = r
		}
	}
	return latest
}

func sortedRoles(m map[string]domain.ReviewResponse) []string {
	roles := make([]string, 0, len(m))
	for role := range m {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

func expired(deadline string, now time.Time) bool {
	if deadline == "" {
		return false
	}
	d, err := time.Parse(time.RFC3339, deadline)
	if err != nil {
		return false
	}
	return now.After(d)
}
