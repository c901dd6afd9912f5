package persona

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/chainguard-dev/clog"
)

// Gateway resolves roles to callers and applies the call policy: a bounded
// timeout, a limited number of automatic retries on transient failure, and
// envelope validation.
type Gateway struct {
	callers    map[string]Caller
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	maxJitter  time.Duration
}

type GatewayOption func(*Gateway)

func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = d }
}

func WithMaxRetries(n int) GatewayOption {
	return func(g *Gateway) { g.maxRetries = n }
}

func WithBackoff(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.backoff = d }
}

// NewGateway builds a gateway over a role→caller binding.
func NewGateway(callers map[string]Caller, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		callers:    callers,
		timeout:    60 * time.Second,
		maxRetries: 1,
		backoff:    time.Second,
		maxJitter:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Invoke calls the persona bound to role. Transient failures get retried up
// to the configured budget with backoff and jitter; exhausting the budget
// surfaces UnavailableError. The response envelope is schema-validated.
// Cancelling ctx cancels the in-flight call promptly.
func (g *Gateway) Invoke(ctx context.Context, role string, req Request) (Response, error) {
	caller, ok := g.callers[role]
	if !ok {
		return Response{}, &UnavailableError{Role: role, Err: fmt.Errorf("no caller bound to role")}
	}
	log := clog.FromContext(ctx).With("role", role, "action", req.ActionRequested)

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err := caller.Invoke(callCtx, req)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			if verr := ValidateResponse(role, resp); verr != nil {
				return Response{}, verr
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		if !IsTransient(err) && !timedOut {
			return Response{}, &UnavailableError{Role: role, Err: err}
		}
		if attempt >= g.maxRetries {
			break
		}
		wait := g.backoff<<attempt + jitter(g.maxJitter)
		log.With("attempt", attempt+1, "backoff", wait, "error", err.Error()).
			Warn("persona call failed, retrying")
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return Response{}, &UnavailableError{Role: role, Err: lastErr}
}

// jitter avoids a thundering herd on shared upstream rate limits.
func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
