package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/audit"
	"github.com/BaSui01/cardflow/cards"
	"github.com/BaSui01/cardflow/config"
	"github.com/BaSui01/cardflow/ledger"
	"github.com/BaSui01/cardflow/llm"
	"github.com/BaSui01/cardflow/policy"
	"github.com/BaSui01/cardflow/types"
)

// snapshotter is implemented by cards.View.
type snapshotter interface {
	Snapshot() *cards.Registry
}

// Engine is the run entry point: it resolves the run profile, takes a
// consistent card snapshot and drives the flow or node executor.
type Engine struct {
	cards    cards.Resolver
	resolver *policy.Resolver
	adapters *llm.Registry
	nodes    *NodeExecutor
	flows    *FlowExecutor
	rt       runtime
	logger   *zap.Logger
}

// NewEngine wires an engine. src is usually a *cards.View; l may be nil.
func NewEngine(src cards.Resolver, resolver *policy.Resolver, adapters *llm.Registry, l *ledger.Ledger, cfg config.ExecutorConfig, opts ...Option) *Engine {
	rt := newRuntime(opts)
	nodes := NewNodeExecutor(adapters, l, cfg, opts...)
	return &Engine{
		cards:    src,
		resolver: resolver,
		adapters: adapters,
		nodes:    nodes,
		flows:    NewFlowExecutor(nodes, cfg.MaxConcurrency, opts...),
		rt:       rt,
		logger:   rt.logger.With(zap.String("component", "engine")),
	}
}

// Interrupts returns the checkpoint store.
func (e *Engine) Interrupts() InterruptStore { return e.rt.interrupt }

func (e *Engine) snapshot() cards.Resolver {
	if s, ok := e.cards.(snapshotter); ok {
		return s.Snapshot()
	}
	return e.cards
}

// ValidateFlow checks a flow card's DAG and returns its execution order.
func (e *Engine) ValidateFlow(flowID string) ([]string, error) {
	flow, err := cards.Get[*cards.FlowCard](e.snapshot(), cards.KindFlow, flowID)
	if err != nil {
		return nil, err
	}
	g, err := BuildGraph(flow)
	if err != nil {
		return nil, err
	}
	return g.Order, nil
}

// resolveProfile resolves the run profile and reports fallbacks.
func (e *Engine) resolveProfile(ctx context.Context, snap cards.Resolver, profileID string, rc types.RequestContext) (*policy.Resolved, error) {
	profile, err := cards.Get[*cards.RunProfileCard](snap, cards.KindRunProfile, profileID)
	if err != nil {
		return nil, err
	}
	resolved, err := e.resolver.Resolve(ctx, profile)
	if err != nil {
		return nil, err
	}
	for _, fb := range resolved.Fallbacks {
		e.rt.metrics.RecordFallback(fb.Strategy)
		e.rt.audit.Emit(audit.EventPolicyFallback, rc, map[string]any{
			"profile_id": profileID,
			"strategy":   fb.Strategy,
			"from":       fb.From,
			"to":         fb.To,
			"reason":     fb.Reason,
		})
	}
	return resolved, nil
}

func checkContext(rc types.RequestContext) error {
	if rc.IsZero() {
		return types.NewError(types.ErrInvalidInput, "request context is required")
	}
	return nil
}

// =============================================================================
// 🌊 Flow runs
// =============================================================================

// ExecuteFlow runs flowID under profileID. Missing cards, an invalid DAG
// and unresolvable profiles are returned as errors before any backend is
// called; node-level failures are reported in the result.
func (e *Engine) ExecuteFlow(ctx context.Context, flowID, profileID string, rc types.RequestContext, opts ...RunOption) (*FlowRunResult, error) {
	if err := checkContext(rc); err != nil {
		return nil, err
	}
	settings := applyRunOptions(opts)
	return e.runFlow(ctx, flowID, profileID, rc, settings, nil)
}

// ResumeFlow re-enters the node interrupted with token, using the same
// RequestContext as the original run.
func (e *Engine) ResumeFlow(ctx context.Context, token, input string, opts ...RunOption) (*FlowRunResult, error) {
	cp, rc, err := e.loadCheckpoint(ctx, token)
	if err != nil {
		return nil, err
	}
	if cp.FlowID == "" {
		return nil, types.NewValidationError(token, "token belongs to a single-node run")
	}
	settings := applyRunOptions(opts)
	settings.payload = cp.Payload
	return e.runFlow(ctx, cp.FlowID, cp.ProfileID, rc, settings, &resumeState{cp: cp, token: token, input: input})
}

type resumeState struct {
	cp    *Checkpoint
	token string
	input string
}

func (e *Engine) runFlow(ctx context.Context, flowID, profileID string, rc types.RequestContext, s runSettings, resume *resumeState) (*FlowRunResult, error) {
	snap := e.snapshot()
	flow, err := cards.Get[*cards.FlowCard](snap, cards.KindFlow, flowID)
	if err != nil {
		return nil, err
	}
	if _, err := BuildGraph(flow); err != nil {
		return nil, err
	}
	resolved, err := e.resolveProfile(ctx, snap, profileID, rc)
	if err != nil {
		return nil, err
	}
	defer resolved.Close()
	e.consume(ctx, resume, rc)

	in := FlowInput{
		Flow:            flow,
		Cards:           snap,
		Context:         rc,
		Resolved:        resolved,
		Payload:         s.payload,
		Observer:        s.observer,
		AllowRegression: s.allowRegression,
	}
	if resume != nil {
		in.Completed = resume.cp.Completed
		in.Resume = map[string]string{resume.cp.Interrupted[resume.token]: resume.input}
		in.ResumeTokens = make(map[string]string, len(resume.cp.Interrupted))
		for token, nodeID := range resume.cp.Interrupted {
			if token != resume.token {
				in.ResumeTokens[nodeID] = token
			}
		}
	}

	result, runErr := e.flows.Execute(types.WithRequestContext(ctx, rc), in)
	// An interrupted run keeps its call counts so max_calls spans resumes.
	if result == nil || result.Status != types.StatusInterrupted {
		e.adapters.ReleaseRun(rc.RunID())
	}
	if result != nil && result.Status == types.StatusInterrupted {
		interrupted := interruptedNodes(result)
		cp := &Checkpoint{
			Tokens:      sortedTokens(interrupted),
			FlowID:      flowID,
			ProfileID:   profileID,
			Context:     rc.Options(),
			Payload:     s.payload,
			Completed:   carryOver(result),
			Interrupted: interrupted,
			CreatedAt:   e.rt.now().UTC(),
		}
		if err := e.rt.interrupt.Save(ctx, cp); err != nil {
			e.logger.Error("failed to save checkpoint", zap.String("run_id", rc.RunID()), zap.Error(err))
			if runErr == nil {
				runErr = types.Errorf(types.ErrBackend, "save checkpoint").WithRef(rc.RunID()).WithCause(err)
			}
		}
	}
	return result, runErr
}

// =============================================================================
// 🧩 Single-node runs
// =============================================================================

// ExecuteNode runs nodeID in isolation, e.g. for debugging a card with a
// different provider or model.
func (e *Engine) ExecuteNode(ctx context.Context, nodeID, profileID string, rc types.RequestContext, opts ...RunOption) (*NodeRunResult, error) {
	if err := checkContext(rc); err != nil {
		return nil, err
	}
	return e.runNode(ctx, nodeID, profileID, rc, applyRunOptions(opts), nil)
}

// ResumeNode re-enters a single-node run interrupted with token.
func (e *Engine) ResumeNode(ctx context.Context, token, input string, opts ...RunOption) (*NodeRunResult, error) {
	cp, rc, err := e.loadCheckpoint(ctx, token)
	if err != nil {
		return nil, err
	}
	if cp.NodeID == "" {
		return nil, types.NewValidationError(token, "token belongs to a flow run")
	}
	s := applyRunOptions(opts)
	s.payload = cp.Payload
	s.providerOverride = cp.ProviderOverride
	s.modelOverride = cp.ModelOverride
	return e.runNode(ctx, cp.NodeID, cp.ProfileID, rc, s, &resumeState{cp: cp, token: token, input: input})
}

func (e *Engine) runNode(ctx context.Context, nodeID, profileID string, rc types.RequestContext, s runSettings, resume *resumeState) (*NodeRunResult, error) {
	snap := e.snapshot()
	resolved, err := e.resolveProfile(ctx, snap, profileID, rc)
	if err != nil {
		return nil, err
	}
	defer resolved.Close()
	e.consume(ctx, resume, rc)

	in := NodeInput{
		NodeID:           nodeID,
		Cards:            snap,
		Context:          rc,
		Resolved:         resolved,
		Payload:          s.payload,
		ProviderOverride: s.providerOverride,
		ModelOverride:    s.modelOverride,
		AllowRegression:  s.allowRegression,
		Observer:         s.observer,
	}
	if resume != nil {
		in.Resumed = true
		in.ResumeInput = resume.input
		in.ResumeToken = resume.token
	}

	result, runErr := e.nodes.Execute(types.WithRequestContext(ctx, rc), in)
	if result.Status != types.StatusInterrupted {
		e.adapters.ReleaseRun(rc.RunID())
	}
	if result.Status == types.StatusInterrupted {
		cp := &Checkpoint{
			Tokens:           []string{result.ResumeToken},
			NodeID:           nodeID,
			ProfileID:        profileID,
			Context:          rc.Options(),
			Payload:          s.payload,
			ProviderOverride: s.providerOverride,
			ModelOverride:    s.modelOverride,
			Interrupted:      map[string]string{result.ResumeToken: nodeID},
			CreatedAt:        e.rt.now().UTC(),
		}
		if err := e.rt.interrupt.Save(ctx, cp); err != nil {
			e.logger.Error("failed to save checkpoint", zap.String("run_id", rc.RunID()), zap.Error(err))
			if runErr == nil {
				runErr = types.Errorf(types.ErrBackend, "save checkpoint").WithRef(rc.RunID()).WithCause(err)
			}
		}
	}
	return result, runErr
}

// consume deletes the checkpoint being resumed. It runs only once the
// profile has resolved, so a run refused before any work keeps its token.
func (e *Engine) consume(ctx context.Context, resume *resumeState, rc types.RequestContext) {
	if resume == nil {
		return
	}
	if err := e.rt.interrupt.Delete(ctx, resume.cp); err != nil {
		e.logger.Warn("failed to delete checkpoint", zap.String("run_id", rc.RunID()), zap.Error(err))
	}
}

func (e *Engine) loadCheckpoint(ctx context.Context, token string) (*Checkpoint, types.RequestContext, error) {
	cp, err := e.rt.interrupt.Load(ctx, token)
	if err != nil {
		return nil, types.RequestContext{}, err
	}
	if _, ok := cp.Interrupted[token]; !ok {
		return nil, types.RequestContext{}, notFoundToken(token)
	}
	rc, err := types.NewRequestContext(cp.Context)
	if err != nil {
		return nil, types.RequestContext{}, err
	}
	return cp, rc, nil
}
