package llm

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LimitGuard enforces the limits attached to an invocation: max calls per
// (run, node), optional request pacing, the wall-clock budget and the output
// size cap. One guard is shared by every adapter built for the same provider.
type LimitGuard struct {
	mu      sync.Mutex
	calls   map[string]int
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewLimitGuard creates a guard. rps <= 0 disables pacing.
func NewLimitGuard(rps float64, logger *zap.Logger) *LimitGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &LimitGuard{
		calls:  make(map[string]int),
		logger: logger.With(zap.String("component", "limit_guard")),
	}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return g
}

func callKey(req *InvokeRequest) string {
	return req.Context.RunID() + "|" + req.CardRef
}

// Begin counts the call against max_calls, waits for the pacer and returns a
// context bounded by the wall-clock budget. The cancel func must be called.
func (g *LimitGuard) Begin(ctx context.Context, backend string, req *InvokeRequest) (context.Context, context.CancelFunc, *BackendError) {
	noop := func() {}
	if g == nil {
		return ctx, noop, nil
	}

	if max := req.Limits.MaxCalls; max > 0 {
		key := callKey(req)
		g.mu.Lock()
		used := g.calls[key]
		if used >= max {
			g.mu.Unlock()
			return ctx, noop, &BackendError{
				Code:    BackendCallLimit,
				Message: fmt.Sprintf("max_calls %d exhausted for %s in run %s", max, req.CardRef, req.Context.RunID()),
				Backend: backend,
			}
		}
		g.calls[key] = used + 1
		g.mu.Unlock()
	}

	if req.Limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Limits.Timeout)
		if berr := g.wait(ctx, backend); berr != nil {
			cancel()
			return ctx, noop, berr
		}
		return ctx, cancel, nil
	}
	if berr := g.wait(ctx, backend); berr != nil {
		return ctx, noop, berr
	}
	return ctx, noop, nil
}

func (g *LimitGuard) wait(ctx context.Context, backend string) *BackendError {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return NewBackendError(backend, ctx.Err())
		}
		return &BackendError{Code: BackendRateLimited, Message: err.Error(), Backend: backend, Retryable: true}
	}
	return nil
}

// CheckOutput reports output that exceeds max_output_chars.
func (g *LimitGuard) CheckOutput(backend string, req *InvokeRequest, content string) *BackendError {
	max := req.Limits.MaxOutputChars
	if max <= 0 {
		return nil
	}
	if n := len([]rune(content)); n > max {
		return OutputTooLarge(backend, n, max)
	}
	return nil
}

// OutputTooLarge reports n output chars against a max_output_chars cap.
func OutputTooLarge(backend string, n, max int) *BackendError {
	return &BackendError{
		Code:    BackendOutputTooLarge,
		Message: fmt.Sprintf("output of %d chars exceeds max_output_chars %d", n, max),
		Backend: backend,
	}
}

// Calls returns how many calls were counted for (runID, cardRef).
func (g *LimitGuard) Calls(runID, cardRef string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[runID+"|"+cardRef]
}

// ReleaseRun forgets the call counts of a finished run.
func (g *LimitGuard) ReleaseRun(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prefix := runID + "|"
	for k := range g.calls {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(g.calls, k)
		}
	}
}
