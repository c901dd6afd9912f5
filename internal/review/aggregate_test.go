package review_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewline/internal/domain"
	"crewline/internal/review"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func resp(seq int64, role, decision string) domain.ReviewResponse {
	return domain.ReviewResponse{
		Seq:          seq,
		SubjectID:    "task-1",
		ReviewerRole: role,
		Decision:     decision,
		Reasoning:    decision + " from " + role,
	}
}

func taskBundle(responses ...domain.ReviewResponse) review.Bundle {
	return review.Bundle{
		SubjectID: "task-1",
		Required:  []string{domain.RoleArchitect, domain.RoleSecurity, domain.RoleQA},
		Responses: responses,
		CI:        domain.CIPass,
	}
}

func TestAllApprovedAndCIPass(t *testing.T) {
	b := taskBundle(
		resp(1, domain.RoleArchitect, domain.DecisionApprove),
		resp(2, domain.RoleSecurity, domain.DecisionApprove),
		resp(3, domain.RoleQA, domain.DecisionApprove),
	)
	out := review.Reduce(b, testNow)
	assert.Equal(t, review.VerdictApprove, out.Verdict)
}

func TestSecurityVetoIsAbsolute(t *testing.T) {
	b := taskBundle(
		resp(1, domain.RoleArchitect, domain.DecisionApprove),
		resp(2, domain.RoleSecurity, domain.DecisionBlock),
		resp(3, domain.RoleQA, domain.DecisionApprove),
	)
	out := review.Reduce(b, testNow)
	assert.Equal(t, review.VerdictBlock, out.Verdict)
	assert.Contains(t, out.Reasoning, "blocked by security")
}

func TestAnyRequestChangesBlocksApproval(t *testing.T) {
	b := taskBundle(
		resp(1, domain.RoleArchitect, domain.DecisionApprove),
		resp(2, domain.RoleSecurity, domain.DecisionApprove),
		resp(3, domain.RoleQA, domain.DecisionRequestChanges),
	)
	out := review.Reduce(b, testNow)
	assert.Equal(t, review.VerdictRequestChanges, out.Verdict)
	assert.Contains(t, out.Reasoning, "qa")
}

func TestMissingRequiredRoleIsPending(t *testing.T) {
	b := taskBundle(
		resp(1, domain.RoleArchitect, domain.DecisionApprove),
		resp(2, domain.RoleQA, domain.DecisionApprove),
	)
	out := review.Reduce(b, testNow)
	assert.Equal(t, review.VerdictPending, out.Verdict)
	assert.Contains(t, out.Reasoning, "security")
}

func TestDeadlineExpiryResolvesToRequestChanges(t *testing.T) {
	b := taskBundle(
		resp(1, domain.RoleArchitect, domain.DecisionApprove),
		resp(2, domain.RoleQA, domain.DecisionApprove),
	)
	b.Deadline = testNow.Add(-time.Minute).Format(time.RFC3339)
	out := review.Reduce(b, testNow)
	assert.Equal(t, review.VerdictRequestChanges, out.Verdict)
	assert.Equal(t, "review timeout", out.Reasoning)

	// a future deadline stays pending
	b.Deadline = testNow.Add(time.Hour).Format(time.RFC3339)
	out = review.Reduce(b, testNow)
	assert.Equal(t, review.VerdictPending, out.Verdict)
}

func TestCIGatesApproval(t *testing.T) {
	b := taskBundle(
		resp(1, domain.RoleArchitect, domain.DecisionApprove),
		resp(2, domain.RoleSecurity, domain.DecisionApprove),
		resp(3, domain.RoleQA, domain.DecisionApprove),
	)
	b.CI = domain.CIPending
	out := review.Reduce(b, testNow)
	assert.Equal(t, review.VerdictPending, out.Verdict)
	assert.Equal(t, "awaiting ci", out.Reasoning)

	b.CI = domain.CIFail
	out = review.Reduce(b, testNow)
	assert.Equal(t, review.VerdictRequestChanges, out.Verdict)
	assert.Equal(t, "ci failed", out.Reasoning)
}

func TestCommentsCarryNoWeight(t *testing.T) {
	b := taskBundle(
		resp(1, domain.RoleArchitect, domain.DecisionApprove),
		resp(2, domain.RoleSecurity, domain.DecisionComment),
		resp(3, domain.RoleQA, domain.DecisionApprove),
	)
	out := review.Reduce(b, testNow)
	// a comment is not an approval; the required role is still missing
	assert.Equal(t, review.VerdictPending, out.Verdict)
	assert.Contains(t, out.Reasoning, "security")
}

func TestResubmissionSupersedes(t *testing.T) {
	b := taskBundle(
		resp(1, domain.RoleArchitect, domain.DecisionApprove),
		resp(2, domain.RoleSecurity, domain.DecisionApprove),
		resp(3, domain.RoleQA, domain.DecisionRequestChanges),
		resp(4, domain.RoleQA, domain.DecisionApprove),
	)
	out := review.Reduce(b, testNow)
	assert.Equal(t, review.VerdictApprove, out.Verdict, "latest qa decision should win")
}

func TestReduceIsOrderIndependent(t *testing.T) {
	responses := []domain.ReviewResponse{
		resp(1, domain.RoleArchitect, domain.DecisionApprove),
		resp(2, domain.RoleSecurity, domain.DecisionApprove),
		resp(3, domain.RoleQA, domain.DecisionRequestChanges),
		resp(4, domain.RoleQA, domain.DecisionApprove),
		resp(5, domain.RoleArchitect, domain.DecisionComment),
	}
	want := review.Reduce(taskBundle(responses...), testNow)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shuffled := make([]domain.ReviewResponse, len(responses))
		copy(shuffled, responses)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		got := review.Reduce(taskBundle(shuffled...), testNow)
		require.Equal(t, want, got, "shuffle %d changed the outcome", i)
	}
}

func TestPendingFlipsToApproveOnLastReview(t *testing.T) {
	responses := []domain.ReviewResponse{
		resp(1, domain.RoleArchitect, domain.DecisionApprove),
		resp(2, domain.RoleSecurity, domain.DecisionApprove),
	}
	out := review.Reduce(taskBundle(responses...), testNow)
	require.Equal(t, review.VerdictPending, out.Verdict)

	responses = append(responses, resp(3, domain.RoleQA, domain.DecisionApprove))
	out = review.Reduce(taskBundle(responses...), testNow)
	require.Equal(t, review.VerdictApprove, out.Verdict)
}
