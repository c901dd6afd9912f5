package persona_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewline/internal/domain"
	"crewline/internal/persona"
)

type funcCaller func(ctx context.Context, req persona.Request) (persona.Response, error)

func (f funcCaller) Invoke(ctx context.Context, req persona.Request) (persona.Response, error) {
	return f(ctx, req)
}

func okResponse() persona.Response {
	return persona.Response{Decision: domain.DecisionApprove, Reasoning: "looks good"}
}

func newGateway(c persona.Caller) *persona.Gateway {
	return persona.NewGateway(
		map[string]persona.Caller{"qa": c},
		persona.WithTimeout(time.Second),
		persona.WithMaxRetries(1),
		persona.WithBackoff(time.Millisecond),
	)
}

func TestInvokeSuccess(t *testing.T) {
	gw := newGateway(funcCaller(func(ctx context.Context, req persona.Request) (persona.Response, error) {
		return okResponse(), nil
	}))
	resp, err := gw.Invoke(context.Background(), "qa", persona.Request{ActionRequested: persona.ActionReview})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionApprove, resp.Decision)
}

func TestUnknownRoleIsUnavailable(t *testing.T) {
	gw := newGateway(funcCaller(func(ctx context.Context, req persona.Request) (persona.Response, error) {
		return okResponse(), nil
	}))
	_, err := gw.Invoke(context.Background(), "nobody", persona.Request{})
	var unavailable *persona.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "nobody", unavailable.Role)
}

func TestTransientFailureRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	gw := newGateway(funcCaller(func(ctx context.Context, req persona.Request) (persona.Response, error) {
		if calls.Add(1) == 1 {
			return persona.Response{}, persona.Transient(errors.New("rate limited"))
		}
		return okResponse(), nil
	}))
	resp, err := gw.Invoke(context.Background(), "qa", persona.Request{})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionApprove, resp.Decision)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetriesExhaustedSurfacesUnavailable(t *testing.T) {
	var calls atomic.Int32
	gw := newGateway(funcCaller(func(ctx context.Context, req persona.Request) (persona.Response, error) {
		calls.Add(1)
		return persona.Response{}, persona.Transient(errors.New("still down"))
	}))
	_, err := gw.Invoke(context.Background(), "qa", persona.Request{})
	var unavailable *persona.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, int32(2), calls.Load(), "one attempt plus one retry")
}

func TestNonTransientFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	gw := newGateway(funcCaller(func(ctx context.Context, req persona.Request) (persona.Response, error) {
		calls.Add(1)
		return persona.Response{}, errors.New("bad request")
	}))
	_, err := gw.Invoke(context.Background(), "qa", persona.Request{})
	var unavailable *persona.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAttemptTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	gw := persona.NewGateway(
		map[string]persona.Caller{"qa": funcCaller(func(ctx context.Context, req persona.Request) (persona.Response, error) {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return persona.Response{}, ctx.Err()
			}
			return okResponse(), nil
		})},
		persona.WithTimeout(20*time.Millisecond),
		persona.WithMaxRetries(1),
		persona.WithBackoff(time.Millisecond),
	)
	resp, err := gw.Invoke(context.Background(), "qa", persona.Request{})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionApprove, resp.Decision)
	assert.Equal(t, int32(2), calls.Load(), "the timed-out attempt must be retried")
}

func TestMalformedEnvelopeIsSchemaViolation(t *testing.T) {
	cases := []persona.Response{
		{},                                   // no decision
		{Decision: "maybe", Reasoning: "r"},  // unknown decision
		{Decision: domain.DecisionApprove},   // no reasoning
	}
	for _, bad := range cases {
		bad := bad
		gw := newGateway(funcCaller(func(ctx context.Context, req persona.Request) (persona.Response, error) {
			return bad, nil
		}))
		_, err := gw.Invoke(context.Background(), "qa", persona.Request{})
		var schema *persona.SchemaViolationError
		require.ErrorAs(t, err, &schema, "response %+v", bad)
		assert.Equal(t, "qa", schema.Role)
	}
}

func TestParentCancellationWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gw := newGateway(funcCaller(func(ctx context.Context, req persona.Request) (persona.Response, error) {
		<-ctx.Done()
		return persona.Response{}, ctx.Err()
	}))
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := gw.Invoke(ctx, "qa", persona.Request{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestValidateResponseArtifacts(t *testing.T) {
	err := persona.ValidateResponse("qa", persona.Response{
		Decision:  domain.DecisionApprove,
		Reasoning: "ok",
		Artifacts: []domain.Artifact{{Content: "missing kind"}},
	})
	var schema *persona.SchemaViolationError
	require.ErrorAs(t, err, &schema)
}
