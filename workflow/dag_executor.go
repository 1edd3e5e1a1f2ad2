package workflow

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/cardflow/audit"
	"github.com/BaSui01/cardflow/cards"
	"github.com/BaSui01/cardflow/internal/telemetry"
	"github.com/BaSui01/cardflow/policy"
	"github.com/BaSui01/cardflow/types"
)

// FlowInput is everything needed to run one flow.
type FlowInput struct {
	Flow     *cards.FlowCard
	Cards    cards.Resolver
	Context  types.RequestContext
	Resolved *policy.Resolved
	Payload  string
	Observer StreamObserver

	AllowRegression bool
	// Completed results are carried over from a checkpoint and not re-run.
	Completed map[string]*NodeRunResult
	// Resume maps node id to the external input it is re-entered with.
	Resume map[string]string
	// ResumeTokens maps node id to the token it was interrupted with.
	ResumeTokens map[string]string
}

// FlowExecutor runs the nodes of a flow on a bounded worker pool. A node
// starts only after every predecessor reached a terminal status.
type FlowExecutor struct {
	nodes          *NodeExecutor
	maxConcurrency int
	rt             runtime
	logger         *zap.Logger
}

// NewFlowExecutor creates a flow executor. maxConcurrency <= 0 means one
// worker per node.
func NewFlowExecutor(nodes *NodeExecutor, maxConcurrency int, opts ...Option) *FlowExecutor {
	rt := newRuntime(opts)
	return &FlowExecutor{
		nodes:          nodes,
		maxConcurrency: maxConcurrency,
		rt:             rt,
		logger:         rt.logger.With(zap.String("component", "flow_executor")),
	}
}

// Execute validates the flow DAG and runs it. Validation errors are
// returned before any node starts. The error is also non-nil when a node
// raised an un-overridden connectivity regression; the partial result is
// returned alongside it.
func (f *FlowExecutor) Execute(ctx context.Context, in FlowInput) (*FlowRunResult, error) {
	graph, err := BuildGraph(in.Flow)
	if err != nil {
		return nil, err
	}

	started := f.rt.now()
	result := &FlowRunResult{
		FlowID:    in.Flow.ID,
		RunID:     in.Context.RunID(),
		Order:     graph.Order,
		Nodes:     make(map[string]*NodeRunResult, len(graph.Order)),
		StartedAt: started,
	}
	if in.Resolved != nil {
		result.ProfileID = in.Resolved.ProfileID
		for _, fb := range in.Resolved.Fallbacks {
			result.Fallbacks = append(result.Fallbacks, fb.Strategy)
		}
	}

	ctx, span := telemetry.StartSpan(ctx, "cardflow.flow", in.Context, attribute.String("cardflow.flow_id", in.Flow.ID))
	f.rt.audit.Emit(audit.EventFlowStarted, in.Context, map[string]any{
		"flow_id": in.Flow.ID,
		"nodes":   len(graph.Order),
		"resumed": len(in.Resume) > 0,
	})
	f.logger.Info("starting flow",
		zap.String("flow_id", in.Flow.ID),
		zap.String("run_id", in.Context.RunID()),
		zap.Int("nodes", len(graph.Order)),
	)

	abortErr := f.schedule(ctx, graph, in, result)
	f.aggregate(graph, result)
	if abortErr != nil {
		result.Status = types.StatusFail
		result.Reason = abortErr.Error()
	}
	result.FinishedAt = f.rt.now()

	f.rt.metrics.RecordFlowRun(in.Flow.ID, string(result.Status), result.FinishedAt.Sub(started))
	f.rt.audit.Emit(audit.EventFlowFinished, in.Context, map[string]any{
		"flow_id":       in.Flow.ID,
		"status":        string(result.Status),
		"reason":        result.Reason,
		"first_failure": result.FirstFailure,
		"duration_ms":   result.FinishedAt.Sub(started).Milliseconds(),
	})
	telemetry.EndSpan(span, string(result.Status), abortErr)
	f.logger.Info("flow finished",
		zap.String("flow_id", in.Flow.ID),
		zap.String("run_id", in.Context.RunID()),
		zap.String("status", string(result.Status)),
		zap.String("reason", result.Reason),
	)
	return result, abortErr
}

// schedule drives the nodes to terminal results and returns the error that
// aborted the run, if any.
func (f *FlowExecutor) schedule(ctx context.Context, graph *Graph, in FlowInput, result *FlowRunResult) error {
	halt := in.Flow.Policy.OnFail != cards.OnFailContinue

	pending := make(map[string]bool, len(graph.Order))
	for _, id := range graph.Order {
		if r, ok := in.Completed[id]; ok {
			result.Nodes[id] = r
			continue
		}
		pending[id] = true
	}

	eg, gctx := errgroup.WithContext(ctx)
	limit := f.maxConcurrency
	if limit <= 0 || limit > len(graph.Order) {
		limit = len(graph.Order)
	}
	eg.SetLimit(limit)

	done := make(chan *NodeRunResult, len(graph.Order))
	running := 0
	haltedBy := ""

	for {
		if haltedBy == "" {
			// Launch only into free slots so a halt observed below is
			// honoured before anything else starts.
			for _, id := range graph.Order {
				if running >= limit || gctx.Err() != nil {
					break
				}
				if !pending[id] {
					continue
				}
				ready, blocker := barrier(graph, result.Nodes, id)
				if !ready {
					continue
				}
				delete(pending, id)
				if blocker != nil {
					result.Nodes[id] = f.blocked(id, blocker)
					continue
				}
				input := f.nodeInput(graph, in, result.Nodes, id)
				running++
				// running < limit, so this waits at most for a worker that has
				// already delivered its result.
				eg.Go(func() error {
					r, err := f.nodes.Execute(gctx, input)
					done <- r
					return err
				})
			}
		}
		if running == 0 {
			break
		}

		r := <-done
		running--
		result.Nodes[r.NodeID] = r
		if r.Status == types.StatusFail {
			if result.FirstFailure == "" {
				result.FirstFailure = r.NodeID
			}
			if halt && haltedBy == "" {
				haltedBy = r.NodeID
				f.logger.Warn("flow halted",
					zap.String("flow_id", in.Flow.ID),
					zap.String("node_id", r.NodeID),
					zap.String("reason", r.Reason),
				)
			}
		}
	}
	abortErr := eg.Wait()

	for _, id := range graph.Order {
		if !pending[id] {
			continue
		}
		now := f.rt.now()
		r := &NodeRunResult{NodeID: id, StartedAt: now, FinishedAt: now}
		switch {
		case ctx.Err() != nil:
			r.Status = types.StatusFail
			r.Error = types.NewError(types.ErrCancelled, "cancelled").WithRef(id).WithCause(ctx.Err())
			r.Reason = "cancelled: run cancelled before node started"
		case haltedBy != "":
			r.Status = types.StatusSkip
			r.Reason = fmt.Sprintf("not started: flow halted after %s failed", haltedBy)
			r.BlockedBy = haltedBy
		case abortErr != nil:
			r.Status = types.StatusSkip
			r.Reason = "not started: flow aborted: " + abortErr.Error()
		default:
			r.Status = types.StatusSkip
			r.Reason = "not started"
		}
		result.Nodes[id] = r
	}
	return abortErr
}

// barrier reports whether every predecessor of id is terminal and returns
// the first predecessor, in edge order, that did not pass.
func barrier(graph *Graph, results map[string]*NodeRunResult, id string) (bool, *NodeRunResult) {
	var blocker *NodeRunResult
	for _, e := range graph.Preds[id] {
		r, ok := results[e.From]
		if !ok {
			return false, nil
		}
		if r.Status != types.StatusPass && blocker == nil {
			blocker = r
		}
	}
	return true, blocker
}

func (f *FlowExecutor) blocked(id string, upstream *NodeRunResult) *NodeRunResult {
	now := f.rt.now()
	return &NodeRunResult{
		NodeID:     id,
		Status:     types.StatusSkip,
		Reason:     fmt.Sprintf("blocked by upstream %s (%s)", upstream.NodeID, upstream.Status),
		BlockedBy:  upstream.NodeID,
		StartedAt:  now,
		FinishedAt: now,
	}
}

func (f *FlowExecutor) nodeInput(graph *Graph, in FlowInput, results map[string]*NodeRunResult, id string) NodeInput {
	upstream := make(map[string]string, len(graph.Preds[id]))
	for _, e := range graph.Preds[id] {
		upstream[e.String()] = results[e.From].Output
	}
	ni := NodeInput{
		NodeID:          id,
		Cards:           in.Cards,
		Context:         in.Context,
		Resolved:        in.Resolved,
		Upstream:        upstream,
		AllowRegression: in.AllowRegression,
		Observer:        in.Observer,
		ResumeToken:     in.ResumeTokens[id],
	}
	if id == graph.Entry || len(graph.Preds[id]) == 0 {
		ni.Payload = in.Payload
	}
	if input, ok := in.Resume[id]; ok {
		ni.Resumed = true
		ni.ResumeInput = input
	}
	return ni
}

// aggregate derives the flow status: FAIL if any node failed, PASS if every
// exit passed, INTERRUPTED if any node awaits input, SKIP otherwise.
func (f *FlowExecutor) aggregate(graph *Graph, result *FlowRunResult) {
	var interrupted, skipped *NodeRunResult
	failed := result.Nodes[result.FirstFailure]
	for _, id := range graph.Order {
		r := result.Nodes[id]
		switch r.Status {
		case types.StatusFail:
			if failed == nil {
				failed = r
				result.FirstFailure = id
			}
		case types.StatusInterrupted:
			if interrupted == nil {
				interrupted = r
			}
		case types.StatusSkip:
			if skipped == nil {
				skipped = r
			}
		}
	}

	exitsPassed := true
	for _, x := range graph.Exits {
		if result.Nodes[x].Status != types.StatusPass {
			exitsPassed = false
			break
		}
	}

	switch {
	case failed != nil:
		result.Status = types.StatusFail
		result.Reason = fmt.Sprintf("node %s failed: %s", failed.NodeID, failed.Reason)
	case exitsPassed:
		result.Status = types.StatusPass
		result.Reason = fmt.Sprintf("all %d exits passed", len(graph.Exits))
	case interrupted != nil:
		result.Status = types.StatusInterrupted
		result.Reason = fmt.Sprintf("node %s interrupted: %s", interrupted.NodeID, interrupted.Reason)
		result.ResumeToken = interrupted.ResumeToken
	default:
		result.Status = types.StatusSkip
		result.Reason = fmt.Sprintf("node %s skipped: %s", skipped.NodeID, skipped.Reason)
	}
}

// interruptedNodes maps the resume token of every interrupted node to its id.
func interruptedNodes(result *FlowRunResult) map[string]string {
	out := make(map[string]string)
	for _, r := range result.Results() {
		if r.Status == types.StatusInterrupted && r.ResumeToken != "" {
			out[r.ResumeToken] = r.NodeID
		}
	}
	return out
}

// carryOver returns the results a resumed run keeps: everything except
// interrupted nodes and nodes that never ran because of them.
func carryOver(result *FlowRunResult) map[string]*NodeRunResult {
	out := make(map[string]*NodeRunResult)
	for id, r := range result.Nodes {
		if r.Status == types.StatusInterrupted || r.BlockedBy != "" {
			continue
		}
		out[id] = r
	}
	return out
}

func sortedTokens(m map[string]string) []string {
	tokens := make([]string, 0, len(m))
	for t := range m {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return tokens
}
