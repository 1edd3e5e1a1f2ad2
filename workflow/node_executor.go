package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/cardflow/audit"
	"github.com/BaSui01/cardflow/cards"
	"github.com/BaSui01/cardflow/config"
	"github.com/BaSui01/cardflow/internal/telemetry"
	"github.com/BaSui01/cardflow/ledger"
	"github.com/BaSui01/cardflow/llm"
	"github.com/BaSui01/cardflow/policy"
	"github.com/BaSui01/cardflow/store"
	"github.com/BaSui01/cardflow/types"
)

// Message names that mark where each part of the outbound request came from.
const (
	partPersona   = "persona"
	partTask      = "task"
	partKnowledge = "knowledge"
	partUpstream  = "upstream"
	partInput     = "input"
	partResume    = "resume"
)

// NodeInput is everything needed to run one node.
type NodeInput struct {
	NodeID   string
	Cards    cards.Resolver
	Context  types.RequestContext
	Resolved *policy.Resolved
	// Upstream holds prior outputs keyed by producing edge ("A->B").
	Upstream map[string]string
	Payload  string
	// Resumed marks a re-entry with external input.
	Resumed     bool
	ResumeInput string
	// ResumeToken is reused when the node interrupts again after resume.
	ResumeToken string

	ProviderOverride string
	ModelOverride    string
	AllowRegression  bool
	Observer         StreamObserver
}

// NodeExecutor drives one node through
// PENDING -> RESOLVING -> PREFLIGHT -> INVOKING -> {PASS, FAIL, SKIP, INTERRUPTED}.
type NodeExecutor struct {
	adapters *llm.Registry
	ledger   *ledger.Ledger
	cfg      config.ExecutorConfig
	rt       runtime
	logger   *zap.Logger
}

// NewNodeExecutor creates a node executor. l may be nil to disable
// regression tracking.
func NewNodeExecutor(adapters *llm.Registry, l *ledger.Ledger, cfg config.ExecutorConfig, opts ...Option) *NodeExecutor {
	rt := newRuntime(opts)
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = config.DefaultExecutorConfig().ReadinessTimeout
	}
	return &NodeExecutor{
		adapters: adapters,
		ledger:   l,
		cfg:      cfg,
		rt:       rt,
		logger:   rt.logger.With(zap.String("component", "node_executor")),
	}
}

// resolvedNode is the outcome of RESOLVING.
type resolvedNode struct {
	node         *cards.NodeCard
	persona      *cards.PersonaCard
	task         *cards.TaskCard
	provider     *cards.ProviderConfigCard
	model        *cards.ModelCard
	capabilities []llm.CapabilityToggle
}

// nodeRun carries the mutable state of one Execute call.
type nodeRun struct {
	in  NodeInput
	res *NodeRunResult
	// connectivity marks failures caused by the backend itself, which are
	// subject to the regression check.
	connectivity bool
}

// Execute runs the node. Every node-level failure is recovered into the
// returned result; the error is non-nil only for a connectivity regression
// that was not overridden.
func (e *NodeExecutor) Execute(ctx context.Context, in NodeInput) (res *NodeRunResult, err error) {
	run := &nodeRun{in: in, res: &NodeRunResult{
		NodeID:    in.NodeID,
		Status:    types.StatusPending,
		StartedAt: e.rt.now(),
	}}
	ctx, span := telemetry.StartSpan(ctx, "cardflow.node", in.Context, attribute.String("cardflow.node_id", in.NodeID))
	e.rt.audit.Emit(audit.EventNodeStarted, in.Context, map[string]any{"node_id": in.NodeID})

	defer func() {
		if r := recover(); r != nil {
			e.fail(run, types.Errorf(types.ErrContractBroken, "node executor panicked: %v", r).WithRef(in.NodeID))
			err = nil
		}
		run.res.FinishedAt = e.rt.now()
		if run.res.Reason == "" {
			run.res.Reason = strings.ToLower(string(run.res.Status))
		}
		e.rt.metrics.RecordNodeResult(run.res.Backend, string(run.res.Status))
		e.rt.audit.Emit(audit.EventNodeFinished, in.Context, map[string]any{
			"node_id":     in.NodeID,
			"status":      string(run.res.Status),
			"reason":      run.res.Reason,
			"backend":     run.res.Backend,
			"duration_ms": run.res.Duration().Milliseconds(),
		})
		var spanErr error
		if run.res.Error != nil {
			spanErr = run.res.Error
		}
		telemetry.EndSpan(span, string(run.res.Status), spanErr)
		e.logger.Info("node finished",
			zap.String("node_id", in.NodeID),
			zap.String("run_id", in.Context.RunID()),
			zap.String("status", string(run.res.Status)),
			zap.String("reason", run.res.Reason),
		)
		res = run.res
	}()

	// RESOLVING
	run.res.Status = types.StatusResolving
	plan, rerr := e.resolve(in)
	if rerr != nil {
		e.fail(run, rerr)
		return run.res, nil
	}
	run.res.Backend = plan.provider.Backend
	run.res.Model = plan.model.Model

	// PREFLIGHT
	run.res.Status = types.StatusPreflight
	adapter, ok := e.preflight(ctx, run, plan)
	if !ok {
		return run.res, e.checkRegression(run)
	}

	if plan.node.RequiresInput && !in.Resumed {
		e.interrupt(run, "awaiting external input")
		return run.res, nil
	}

	// INVOKING
	run.res.Status = types.StatusInvoking
	e.invoke(ctx, run, plan, adapter)
	if run.res.Status == types.StatusPass {
		if e.ledger != nil {
			if lerr := e.ledger.RecordPass(in.Context, plan.provider.Backend); lerr != nil {
				run.res.Warnings = append(run.res.Warnings, "ledger: "+lerr.Error())
			}
		}
		return run.res, nil
	}
	return run.res, e.checkRegression(run)
}

// =============================================================================
// 🔍 RESOLVING
// =============================================================================

func unresolved(ref string, err error) *types.Error {
	return types.NewError(types.ErrReference, "unresolved reference").WithRef(ref).WithCause(err)
}

func (e *NodeExecutor) resolve(in NodeInput) (*resolvedNode, *types.Error) {
	if in.Cards == nil {
		return nil, types.NewValidationError(in.NodeID, "no card resolver")
	}
	node, err := cards.Get[*cards.NodeCard](in.Cards, cards.KindNode, in.NodeID)
	if err != nil {
		return nil, unresolved(in.NodeID, err)
	}
	plan := &resolvedNode{node: node}

	if plan.persona, err = cards.Get[*cards.PersonaCard](in.Cards, cards.KindPersona, node.Persona); err != nil {
		return nil, unresolved(node.Persona, err)
	}
	if plan.task, err = cards.Get[*cards.TaskCard](in.Cards, cards.KindTask, node.Task); err != nil {
		return nil, unresolved(node.Task, err)
	}
	providerID := node.Provider
	if in.ProviderOverride != "" {
		providerID = in.ProviderOverride
	}
	if plan.provider, err = cards.Get[*cards.ProviderConfigCard](in.Cards, cards.KindProvider, providerID); err != nil {
		return nil, unresolved(providerID, err)
	}
	modelID := node.Model
	if in.ModelOverride != "" {
		modelID = in.ModelOverride
	}
	if plan.model, err = cards.Get[*cards.ModelCard](in.Cards, cards.KindModel, modelID); err != nil {
		return nil, unresolved(modelID, err)
	}
	if plan.provider.Backend != plan.model.Backend {
		return nil, types.NewValidationError(node.ID,
			"provider %s serves backend %q but model %s targets %q",
			plan.provider.ID, plan.provider.Backend, plan.model.ID, plan.model.Backend)
	}

	for _, capID := range node.Capabilities {
		capCard, err := cards.Get[*cards.CapabilityCard](in.Cards, cards.KindCapability, capID)
		if err != nil {
			return nil, unresolved(capID, err)
		}
		binding, ok := cards.FindBinding(in.Cards, plan.model.ID, capID)
		if !ok {
			return nil, types.Errorf(types.ErrReference,
				"model %s has no capability binding for %s", plan.model.ID, capID).WithRef(capID)
		}
		settings := make(map[string]any)
		for k, v := range capCard.Toggles[plan.model.Backend] {
			settings[k] = v
		}
		for k, v := range binding.Params {
			settings[k] = v
		}
		plan.capabilities = append(plan.capabilities, llm.CapabilityToggle{
			ID:       capCard.ID,
			Feature:  capCard.Feature,
			Settings: settings,
		})
	}
	return plan, nil
}

// =============================================================================
// 🚦 PREFLIGHT
// =============================================================================

func (e *NodeExecutor) preflight(ctx context.Context, run *nodeRun, plan *resolvedNode) (llm.Adapter, bool) {
	spec := llm.SpecFromCard(plan.provider)
	spec.StreamGrace = e.cfg.StreamGrace
	adapter, err := e.adapters.Create(spec)
	if err != nil {
		if te, ok := types.AsError(err); ok && te.Code == types.ErrReadiness {
			e.rt.metrics.RecordReadiness(plan.provider.Backend, string(llm.StatusMissingDeps))
			run.connectivity = true
			e.skip(run, te.Message, te)
			return nil, false
		}
		e.fail(run, types.NewConfigurationError(plan.provider.ID, "create adapter").WithCause(err))
		return nil, false
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.ReadinessTimeout)
	defer cancel()
	ch := make(chan llm.Readiness, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- llm.MissingDeps("readiness check panicked: %v", r)
			}
		}()
		ch <- adapter.CheckReadiness(rctx)
	}()

	var readiness llm.Readiness
	select {
	case readiness = <-ch:
	case <-rctx.Done():
		if ctx.Err() != nil {
			e.fail(run, types.NewError(types.ErrCancelled, "cancelled").WithRef(run.in.NodeID).WithCause(ctx.Err()))
			return nil, false
		}
		run.connectivity = true
		reason := fmt.Sprintf("readiness check timed out after %s", e.cfg.ReadinessTimeout)
		e.skip(run, reason, types.NewError(types.ErrTimeout, reason).WithRef(plan.provider.Backend))
		return nil, false
	}

	e.rt.metrics.RecordReadiness(plan.provider.Backend, string(readiness.Status))
	if !readiness.IsReady() {
		run.connectivity = true
		e.skip(run, readiness.String(), types.NewError(types.ErrReadiness, readiness.String()).WithRef(plan.provider.Backend))
		return nil, false
	}
	return adapter, true
}

// =============================================================================
// 🚀 INVOKING
// =============================================================================

func (e *NodeExecutor) invoke(ctx context.Context, run *nodeRun, plan *resolvedNode, adapter llm.Adapter) {
	in := run.in
	messages, err := e.buildMessages(ctx, run, plan)
	if err != nil {
		e.fail(run, err)
		return
	}

	// Versions are read before the call so a concurrent writer is detected.
	versions, verr := e.readVersions(ctx, in, plan.node.Outputs.SharedState)
	if verr != nil {
		e.fail(run, types.Errorf(types.ErrBackend, "read shared state").WithRef(in.NodeID).WithCause(verr))
		return
	}

	timeout := plan.node.Limits.Timeout.Std()
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = nodeTimeout
	}
	req := &llm.InvokeRequest{
		CardRef:      plan.node.ID,
		Model:        plan.model.Model,
		Messages:     messages,
		Capabilities: plan.capabilities,
		Limits: llm.Limits{
			MaxCalls:       plan.node.Limits.MaxCalls,
			MaxOutputChars: plan.node.Limits.MaxOutputChars,
			Timeout:        timeout,
		},
		Context:         in.Context,
		MaxOutputTokens: plan.model.MaxOutputTokens,
		Temperature:     plan.model.Temperature,
	}

	started := e.rt.now()
	run.res.Attempts++
	result, perr := e.call(ctx, run, adapter, req, plan.node.Stream)
	elapsed := e.rt.now().Sub(started)

	switch {
	case perr != nil:
		e.rt.metrics.RecordInvocation(plan.provider.Backend, plan.model.Model, "contract_violation", elapsed, 0, 0)
		e.fail(run, perr)
		return
	case result.Error != nil:
		e.rt.metrics.RecordInvocation(plan.provider.Backend, plan.model.Model, strings.ToLower(string(result.Error.Code)), elapsed, 0, 0)
		e.failBackend(ctx, run, result.Error)
		return
	case ctx.Err() != nil:
		e.rt.metrics.RecordInvocation(plan.provider.Backend, plan.model.Model, "cancelled", elapsed, 0, 0)
		e.failBackend(ctx, run, llm.NewBackendError(plan.provider.Backend, ctx.Err()))
		return
	}
	e.rt.metrics.RecordInvocation(plan.provider.Backend, plan.model.Model, "ok", elapsed,
		result.Usage.PromptTokens, result.Usage.CompletionTokens)

	run.res.Usage = result.Usage
	run.res.Output = result.Content
	if result.FinishReason == llm.FinishNeedsInput {
		e.interrupt(run, "backend requested external input")
		return
	}

	if err := e.persistOutputs(ctx, run, plan.node, result.Content, versions); err != nil {
		if err.Code == types.ErrVersionConflict {
			e.rt.metrics.RecordVersionConflict()
		}
		e.fail(run, err)
		return
	}
	run.res.Status = types.StatusPass
	finish := result.FinishReason
	if finish == "" {
		finish = llm.FinishStop
	}
	run.res.Reason = fmt.Sprintf("completed (finish_reason=%s)", finish)
}

// call invokes the adapter. A panic is a contract violation and is recovered.
func (e *NodeExecutor) call(ctx context.Context, run *nodeRun, adapter llm.Adapter, req *llm.InvokeRequest, stream bool) (result *llm.InvokeResult, perr *types.Error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			perr = types.Errorf(types.ErrContractBroken, "adapter %s panicked: %v", adapter.Backend(), r).WithRef(run.in.NodeID)
		}
	}()
	if !stream {
		result = adapter.Invoke(ctx, req)
		if result == nil {
			return nil, types.Errorf(types.ErrContractBroken, "adapter %s returned no result", adapter.Backend()).WithRef(run.in.NodeID)
		}
		return result, nil
	}

	s, err := adapter.InvokeStream(ctx, req)
	if err != nil {
		return nil, types.Errorf(types.ErrContractBroken, "adapter %s rejected stream request", adapter.Backend()).
			WithRef(run.in.NodeID).WithCause(err)
	}
	nodeID, rc, observer := run.in.NodeID, run.in.Context, run.in.Observer
	return llm.Collect(s, func(c llm.StreamChunk) {
		if observer != nil {
			observer(nodeID, c)
		}
		e.rt.audit.Emit(audit.EventStreamChunk, rc, map[string]any{
			"node_id": nodeID,
			"kind":    string(c.Kind),
			"chars":   len([]rune(c.Text)),
		})
	}), nil
}

// buildMessages composes the outbound conversation from card content,
// retrieval snippets, upstream outputs, the flow input and resume input.
func (e *NodeExecutor) buildMessages(ctx context.Context, run *nodeRun, plan *resolvedNode) ([]llm.Message, *types.Error) {
	in := run.in
	var msgs []llm.Message

	if system := personaText(plan.persona); system != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Name: partPersona, Content: system})
	}

	task, err := yaml.Marshal(struct {
		Goal               string   `yaml:"goal"`
		AcceptanceCriteria []string `yaml:"acceptance_criteria,omitempty"`
		Constraints        []string `yaml:"constraints,omitempty"`
	}{plan.task.Goal, plan.task.AcceptanceCriteria, plan.task.Constraints})
	if err != nil {
		return nil, types.NewValidationError(plan.task.ID, "render task").WithCause(err)
	}
	user := []llm.Message{{Role: llm.RoleUser, Name: partTask, Content: string(task)}}

	if in.Resolved != nil && in.Resolved.Retriever != nil {
		for _, q := range plan.task.Knowledge {
			snippets, err := in.Resolved.Retriever.Retrieve(ctx, q, e.rt.topK)
			if err != nil {
				run.res.Warnings = append(run.res.Warnings, fmt.Sprintf("retrieval %q: %v", q, err))
				continue
			}
			if len(snippets) == 0 {
				continue
			}
			var b strings.Builder
			for _, s := range snippets {
				fmt.Fprintf(&b, "[%s]\n%s\n\n", s.Source, s.Text)
			}
			user = append(user, llm.Message{Role: llm.RoleUser, Name: partKnowledge, Content: strings.TrimSpace(b.String())})
		}
	}

	edges := make([]string, 0, len(in.Upstream))
	for edge := range in.Upstream {
		edges = append(edges, edge)
	}
	sort.Strings(edges)
	for _, edge := range edges {
		user = append(user, llm.Message{Role: llm.RoleUser, Name: partUpstream + ":" + edge, Content: in.Upstream[edge]})
	}
	if in.Payload != "" {
		user = append(user, llm.Message{Role: llm.RoleUser, Name: partInput, Content: in.Payload})
	}
	if in.Resumed && in.ResumeInput != "" {
		user = append(user, llm.Message{Role: llm.RoleUser, Name: partResume, Content: in.ResumeInput})
	}

	for i := range user {
		redacted, err := e.redact(ctx, in, user[i].Content)
		if err != nil {
			return nil, err
		}
		user[i].Content = redacted
	}
	return append(msgs, user...), nil
}

func personaText(p *cards.PersonaCard) string {
	lines := []string{p.Identity}
	if p.Voice != "" {
		lines = append(lines, p.Voice)
	}
	for _, pr := range p.Principles {
		lines = append(lines, "- "+pr)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func (e *NodeExecutor) redact(ctx context.Context, in NodeInput, text string) (string, *types.Error) {
	if in.Resolved == nil || in.Resolved.Redactor == nil || text == "" {
		return text, nil
	}
	out, err := in.Resolved.Redactor.Redact(ctx, text)
	if err != nil {
		return "", types.Errorf(types.ErrBackend, "pii redaction failed").WithRef(in.NodeID).WithCause(err)
	}
	return out, nil
}

// =============================================================================
// 💾 Outputs
// =============================================================================

func (e *NodeExecutor) readVersions(ctx context.Context, in NodeInput, keys []string) (map[string]int64, error) {
	if len(keys) == 0 || in.Resolved == nil || in.Resolved.State == nil {
		return nil, nil
	}
	ns := store.Namespace(in.Context.TenantID(), in.Context.ProjectID())
	versions := make(map[string]int64, len(keys))
	for _, k := range keys {
		entry, err := in.Resolved.State.Get(ctx, ns, k)
		if err != nil {
			return nil, err
		}
		versions[k] = entry.Version
	}
	return versions, nil
}

// splitOutputs maps content onto the declared output names. A JSON object
// holding at least one declared name is split by key; otherwise the whole
// content belongs to the first declared output.
func splitOutputs(content string, names []string) map[string]string {
	out := make(map[string]string, len(names))
	if len(names) == 0 {
		return out
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &obj); err == nil {
		for _, n := range names {
			raw, ok := obj[n]
			if !ok {
				continue
			}
			var s string
			if json.Unmarshal(raw, &s) == nil {
				out[n] = s
			} else {
				out[n] = string(raw)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	out[names[0]] = content
	return out
}

func (e *NodeExecutor) persistOutputs(ctx context.Context, run *nodeRun, node *cards.NodeCard, content string, versions map[string]int64) *types.Error {
	in := run.in
	names := append(append([]string(nil), node.Outputs.Artifacts...), node.Outputs.SharedState...)
	values := splitOutputs(content, names)
	for name, v := range values {
		redacted, err := e.redact(ctx, in, v)
		if err != nil {
			return err
		}
		values[name] = redacted
	}

	for _, name := range node.Outputs.Artifacts {
		v, ok := values[name]
		if !ok {
			continue
		}
		if run.res.Artifacts == nil {
			run.res.Artifacts = make(map[string]string)
		}
		run.res.Artifacts[name] = v
		if in.Resolved == nil || in.Resolved.Artifacts == nil {
			continue
		}
		a := &store.Artifact{
			RunID:       in.Context.RunID(),
			TenantID:    in.Context.TenantID(),
			NodeID:      in.NodeID,
			Name:        name,
			ContentType: contentType(v),
			Content:     v,
			CreatedAt:   e.rt.now().UTC(),
		}
		if err := in.Resolved.Artifacts.Save(ctx, a); err != nil {
			return types.Errorf(types.ErrBackend, "save artifact %s", name).WithRef(in.NodeID).WithCause(err)
		}
	}

	ns := store.Namespace(in.Context.TenantID(), in.Context.ProjectID())
	for _, key := range node.Outputs.SharedState {
		v, ok := values[key]
		if !ok {
			continue
		}
		if run.res.SharedState == nil {
			run.res.SharedState = make(map[string]string)
			run.res.StateVersions = make(map[string]int64)
		}
		run.res.SharedState[key] = v
		if in.Resolved == nil || in.Resolved.State == nil {
			continue
		}
		ver, err := in.Resolved.State.Put(ctx, ns, key, []byte(v), versions[key])
		if err != nil {
			if te, ok := types.AsError(err); ok && te.Code == types.ErrVersionConflict {
				return te
			}
			return types.Errorf(types.ErrBackend, "write shared state %s", key).WithRef(in.NodeID).WithCause(err)
		}
		run.res.StateVersions[key] = ver
	}
	return nil
}

func contentType(v string) string {
	if json.Valid([]byte(v)) && strings.HasPrefix(strings.TrimSpace(v), "{") {
		return "application/json"
	}
	return "text/plain"
}

// =============================================================================
// 🏁 Terminal transitions
// =============================================================================

func (e *NodeExecutor) fail(run *nodeRun, err *types.Error) {
	run.res.Status = types.StatusFail
	run.res.Error = err
	run.res.Reason = err.Error()
}

func (e *NodeExecutor) skip(run *nodeRun, reason string, err *types.Error) {
	run.res.Status = types.StatusSkip
	run.res.Reason = reason
	run.res.Error = err
}

func (e *NodeExecutor) interrupt(run *nodeRun, reason string) {
	run.res.Status = types.StatusInterrupted
	run.res.Reason = reason
	run.res.ResumeToken = run.in.ResumeToken
	if run.res.ResumeToken == "" {
		run.res.ResumeToken = NewResumeToken(run.in.Context.RunID(), run.in.NodeID)
	}
}

// failBackend maps a backend error onto FAIL, keeping the upstream message.
func (e *NodeExecutor) failBackend(ctx context.Context, run *nodeRun, berr *llm.BackendError) {
	code := types.ErrBackend
	switch {
	case berr.Code == llm.BackendCancelled || errors.Is(ctx.Err(), context.Canceled):
		e.fail(run, types.NewError(types.ErrCancelled, "cancelled").WithRef(run.in.NodeID).WithCause(berr))
		run.res.Reason = "cancelled: " + berr.Message
		return
	case berr.Code == llm.BackendTimeout:
		code = types.ErrTimeout
	}
	run.connectivity = berr.IsConnectivity()
	run.res.Status = types.StatusFail
	run.res.Error = types.NewError(code, berr.Error()).WithRef(berr.Backend).WithRetryable(berr.Retryable)
	run.res.Reason = berr.Error()
}

// checkRegression consults the ledger after a connectivity failure.
func (e *NodeExecutor) checkRegression(run *nodeRun) error {
	if e.ledger == nil || !run.connectivity || run.res.Backend == "" {
		return nil
	}
	override := run.in.AllowRegression || e.cfg.AllowRegression
	w, err := e.ledger.CheckRegression(run.in.Context, run.res.Backend, run.res.Status, override)
	if err != nil && types.IsCode(err, types.ErrRegression) {
		e.rt.metrics.RecordRegression(run.res.Backend, false)
		run.res.Warnings = append(run.res.Warnings, err.Error())
		return err
	}
	if err != nil {
		run.res.Warnings = append(run.res.Warnings, "ledger: "+err.Error())
	}
	if w != nil {
		e.rt.metrics.RecordRegression(run.res.Backend, true)
		run.res.Regression = w
		run.res.Warnings = append(run.res.Warnings, w.Message)
		e.rt.audit.Emit(audit.EventRegressionOverride, run.in.Context, map[string]any{
			"node_id": run.in.NodeID,
			"backend": run.res.Backend,
			"status":  string(run.res.Status),
			"message": w.Message,
		})
	}
	return nil
}

// nodeTimeout is the wall-clock budget used when neither the node nor the
// executor config sets one.
const nodeTimeout = 2 * time.Minute
