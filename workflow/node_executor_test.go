package workflow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/audit"
	"github.com/BaSui01/cardflow/cards"
	"github.com/BaSui01/cardflow/llm"
	"github.com/BaSui01/cardflow/testutil"
	"github.com/BaSui01/cardflow/testutil/fixtures"
	"github.com/BaSui01/cardflow/testutil/mocks"
	"github.com/BaSui01/cardflow/types"
)

// nodeCards returns the diamond cards plus node.x built by mutate.
func nodeCards(mutate func(n *cards.NodeCard), extra ...cards.Card) []cards.Card {
	n := fixtures.Node("node.x")
	if mutate != nil {
		mutate(n)
	}
	return withCards(fixtures.DiamondCards(), append(extra, n)...)
}

func TestNodeExecutor_Pass(t *testing.T) {
	h := newHarness(t)
	h.spy.WithResponse("summary text").WithUsage(llm.Usage{PromptTokens: 10, CompletionTokens: 3, TotalTokens: 13})

	res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.a"))
	require.NoError(t, err)

	assert.Equal(t, types.StatusPass, res.Status)
	assert.Equal(t, "completed (finish_reason=stop)", res.Reason)
	assert.Equal(t, "summary text", res.Output)
	assert.Equal(t, fixtures.SpyBackend, res.Backend)
	assert.Equal(t, "spy-1", res.Model)
	assert.Equal(t, 13, res.Usage.TotalTokens)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
	assert.Equal(t, 1, h.spy.ReadinessCalls())

	entry, ok := h.ledger.Get(fixtures.SpyBackend)
	require.True(t, ok)
	assert.True(t, entry.EverPassed)

	assert.Len(t, h.sink.ByType(audit.EventNodeStarted), 1)
	finished := h.sink.ByType(audit.EventNodeFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, "PASS", finished[0].Payload["status"])
}

func TestNodeExecutor_UnresolvedReferenceFailsBeforeBackend(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(n *cards.NodeCard)
		ref    string
	}{
		{"persona", func(n *cards.NodeCard) { n.Persona = "persona.missing" }, "persona.missing"},
		{"task", func(n *cards.NodeCard) { n.Task = "task.missing" }, "task.missing"},
		{"provider", func(n *cards.NodeCard) { n.Provider = "provider.missing" }, "provider.missing"},
		{"model", func(n *cards.NodeCard) { n.Model = "model.missing" }, "model.missing"},
		{"capability", func(n *cards.NodeCard) { n.Capabilities = []string{"capability.missing"} }, "capability.missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nodeCards(tt.mutate)...)
			res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.x"))
			require.NoError(t, err)

			assert.Equal(t, types.StatusFail, res.Status)
			require.NotNil(t, res.Error)
			assert.Equal(t, types.ErrReference, res.Error.Code)
			assert.Equal(t, tt.ref, res.Error.Ref)
			assert.Equal(t, 0, h.spy.CallCount())
			assert.Equal(t, 0, h.spy.ReadinessCalls())
		})
	}

	t.Run("node", func(t *testing.T) {
		h := newHarness(t)
		res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.nope"))
		require.NoError(t, err)
		assert.Equal(t, types.StatusFail, res.Status)
		assert.Equal(t, "node.nope", res.Error.Ref)
	})
}

func TestNodeExecutor_BackendMismatch(t *testing.T) {
	other := fixtures.ModelFor("model.other", "other", "o-1")
	h := newHarness(t, nodeCards(func(n *cards.NodeCard) { n.Model = other.ID }, other)...)

	res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.x"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFail, res.Status)
	assert.Equal(t, types.ErrValidation, res.Error.Code)
	assert.Equal(t, 0, h.spy.ReadinessCalls())
}

func TestNodeExecutor_CapabilitySettings(t *testing.T) {
	h := newHarness(t, nodeCards(func(n *cards.NodeCard) { n.Capabilities = []string{fixtures.CapabilityID} })...)

	res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.x"))
	require.NoError(t, err)
	require.Equal(t, types.StatusPass, res.Status)

	calls := h.spy.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Capabilities, 1)
	toggle := calls[0].Capabilities[0]
	assert.Equal(t, "reasoning", toggle.Feature)
	assert.Equal(t, "high", toggle.Settings["effort"])
}

func TestNodeExecutor_CapabilityWithoutBinding(t *testing.T) {
	vision := &cards.CapabilityCard{
		Header:  cards.Header{Type: cards.KindCapability, ID: "capability.vision", Version: 1},
		Feature: "vision",
	}
	h := newHarness(t, nodeCards(func(n *cards.NodeCard) { n.Capabilities = []string{vision.ID} }, vision)...)

	res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.x"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFail, res.Status)
	assert.Equal(t, types.ErrReference, res.Error.Code)
	assert.Contains(t, res.Reason, "no capability binding")
	assert.Equal(t, 0, h.spy.CallCount())
}

func TestNodeExecutor_MissingCredentialsSkips(t *testing.T) {
	h := newHarness(t)
	h.spy.WithReadiness(llm.MissingCredsOrConfig("SPY_API_KEY is not set"))

	res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.a"))
	require.NoError(t, err)

	assert.Equal(t, types.StatusSkip, res.Status)
	assert.Contains(t, res.Reason, string(llm.StatusMissingCredsOrConfig))
	assert.Contains(t, res.Reason, "SPY_API_KEY is not set")
	assert.Equal(t, 0, h.spy.CallCount())
}

func TestNodeExecutor_UnknownBackendSkips(t *testing.T) {
	provider := fixtures.ProviderFor("provider.ghost", "ghost")
	model := fixtures.ModelFor("model.ghost", "ghost", "g-1")
	h := newHarness(t, nodeCards(func(n *cards.NodeCard) {
		n.Provider = provider.ID
		n.Model = model.ID
	}, provider, model)...)

	res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.x"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusSkip, res.Status)
	assert.Contains(t, res.Reason, string(llm.StatusMissingDeps))
	assert.Contains(t, res.Reason, "ghost")
}

// stuckAdapter never answers its readiness check until released.
type stuckAdapter struct {
	*mocks.SpyAdapter
	release chan struct{}
}

func (s *stuckAdapter) CheckReadiness(context.Context) llm.Readiness {
	<-s.release
	return llm.Ready()
}

func TestNodeExecutor_ReadinessTimeoutSkips(t *testing.T) {
	provider := fixtures.ProviderFor("provider.stuck", "stuck")
	model := fixtures.ModelFor("model.stuck", "stuck", "s-1")
	h := newHarness(t, nodeCards(func(n *cards.NodeCard) {
		n.Provider = provider.ID
		n.Model = model.ID
	}, provider, model)...)

	stuck := &stuckAdapter{SpyAdapter: mocks.NewSpyAdapter("stuck"), release: make(chan struct{})}
	t.Cleanup(func() { close(stuck.release) })
	h.adapters.Register("stuck", func(llm.ProviderSpec, *zap.Logger) (llm.Adapter, error) { return stuck, nil })
	h.cfg.ReadinessTimeout = 50 * time.Millisecond

	res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.x"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusSkip, res.Status)
	assert.Contains(t, res.Reason, "readiness check timed out")
	assert.Equal(t, 0, stuck.CallCount())
}

func TestNodeExecutor_MessagesAndRedaction(t *testing.T) {
	h := newHarness(t)
	in := h.nodeInput("node.d")
	in.Payload = "contact alice@example.com"
	in.Upstream = map[string]string{
		"node.c->node.d": "from c",
		"node.b->node.d": "from b, key sk-abcdefghijklmnopqrstuvwx",
	}

	_, err := h.nodeExecutor().Execute(testutil.TestContext(t), in)
	require.NoError(t, err)
	calls := h.spy.Calls()
	require.Len(t, calls, 1)
	req := calls[0]

	assert.Equal(t, "node.d", req.CardRef)
	assert.Equal(t, "spy-1", req.Model)
	assert.Equal(t, in.Context.RunID(), req.Context.RunID())

	persona, ok := messageNamed(req, "persona")
	require.True(t, ok)
	assert.Equal(t, llm.RoleSystem, persona.Role)
	assert.Contains(t, persona.Content, "You are a careful analyst.")
	assert.Contains(t, persona.Content, "- cite sources")

	task, ok := messageNamed(req, "task")
	require.True(t, ok)
	assert.Contains(t, task.Content, "goal: Summarize the input.")
	assert.Contains(t, task.Content, "under 100 words")

	var names []string
	for _, m := range req.Messages {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"persona", "task", "upstream:node.b->node.d", "upstream:node.c->node.d", "input"}, names)

	input, _ := messageNamed(req, "input")
	assert.Equal(t, "contact [EMAIL]", input.Content)
	fromB, _ := messageNamed(req, "upstream:node.b->node.d")
	assert.NotContains(t, fromB.Content, "sk-abcdefghijklmnopqrstuvwx")
}

func TestNodeExecutor_DefaultAndNodeLimits(t *testing.T) {
	h := newHarness(t, nodeCards(func(n *cards.NodeCard) {
		n.Limits = cards.Limits{MaxCalls: 2, MaxOutputChars: 500, Timeout: cards.Duration(2 * time.Second)}
	})...)
	exec := h.nodeExecutor()

	_, err := exec.Execute(testutil.TestContext(t), h.nodeInput("node.a"))
	require.NoError(t, err)
	_, err = exec.Execute(testutil.TestContext(t), h.nodeInput("node.x"))
	require.NoError(t, err)

	calls := h.spy.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, h.cfg.DefaultTimeout, calls[0].Limits.Timeout)
	assert.Equal(t, 2*time.Second, calls[1].Limits.Timeout)
	assert.Equal(t, 2, calls[1].Limits.MaxCalls)
	assert.Equal(t, 500, calls[1].Limits.MaxOutputChars)
}

func TestNodeExecutor_BackendErrorKeepsUpstreamText(t *testing.T) {
	h := newHarness(t)
	h.spy.WithError(&llm.BackendError{
		Code:       llm.BackendOverloaded,
		Message:    "503 Service Unavailable: model is overloaded, try later",
		Backend:    fixtures.SpyBackend,
		HTTPStatus: 503,
		Retryable:  true,
	})

	res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.a"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFail, res.Status)
	assert.Contains(t, res.Reason, "503 Service Unavailable: model is overloaded, try later")
	assert.Equal(t, types.ErrBackend, res.Error.Code)
	assert.True(t, res.Error.Retryable)
	assert.Equal(t, 1, h.spy.CallCount())
}

func TestNodeExecutor_BackendTimeout(t *testing.T) {
	h := newHarness(t)
	h.spy.WithError(&llm.BackendError{Code: llm.BackendTimeout, Message: "wall-clock budget exceeded", Backend: fixtures.SpyBackend})

	res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.a"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFail, res.Status)
	assert.Equal(t, types.ErrTimeout, res.Error.Code)
}

func TestNodeExecutor_AdapterPanicIsContractViolation(t *testing.T) {
	h := newHarness(t)
	h.spy.WithPanic("nil map write")

	res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.a"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFail, res.Status)
	assert.Equal(t, types.ErrContractBroken, res.Error.Code)
	assert.Contains(t, res.Reason, "nil map write")
}

func TestNodeExecutor_CancelledDuringInvoke(t *testing.T) {
	h := newHarness(t)
	h.spy.WithDelay(5 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res, err := h.nodeExecutor().Execute(ctx, h.nodeInput("node.a"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFail, res.Status)
	assert.Equal(t, types.ErrCancelled, res.Error.Code)
	assert.True(t, strings.HasPrefix(res.Reason, "cancelled"))

	// cancellation is not a connectivity failure
	_, ok := h.ledger.Get(fixtures.SpyBackend)
	assert.False(t, ok)
}

func TestNodeExecutor_StreamingObserver(t *testing.T) {
	h := newHarness(t, nodeCards(func(n *cards.NodeCard) { n.Stream = true })...)
	h.spy.WithStreamChunks("The ", "quick ", "fox")

	var mu sync.Mutex
	var seen []string
	in := h.nodeInput("node.x")
	in.Observer = func(nodeID string, c llm.StreamChunk) {
		if c.Kind != llm.ChunkToken {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "node.x", nodeID)
		seen = append(seen, c.Text)
	}

	res, err := h.nodeExecutor().Execute(testutil.TestContext(t), in)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPass, res.Status)
	assert.Equal(t, "The quick fox", res.Output)
	assert.Equal(t, []string{"The ", "quick ", "fox"}, seen)
	assert.Equal(t, 1, h.spy.StreamCallCount())
	assert.GreaterOrEqual(t, len(h.sink.ByType(audit.EventStreamChunk)), 3)
}

func TestNodeExecutor_OutputsSplitAndPersisted(t *testing.T) {
	h := newHarness(t, nodeCards(func(n *cards.NodeCard) {
		n.Outputs = cards.NodeOutputs{Artifacts: []string{"report"}, SharedState: []string{"summary"}}
	})...)
	h.spy.WithResponse(`{"report": "full report for bob@example.com", "summary": "short"}`)

	in := h.nodeInput("node.x")
	res, err := h.nodeExecutor().Execute(testutil.TestContext(t), in)
	require.NoError(t, err)
	require.Equal(t, types.StatusPass, res.Status)

	assert.Equal(t, "full report for [EMAIL]", res.Artifacts["report"])
	assert.Equal(t, "short", res.SharedState["summary"])
	assert.Equal(t, int64(1), res.StateVersions["summary"])

	saved, err := h.artifacts.List(context.Background(), in.Context.RunID())
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "report", saved[0].Name)
	assert.Equal(t, "node.x", saved[0].NodeID)
	assert.Equal(t, "text/plain", saved[0].ContentType)

	entry, err := h.state.Get(context.Background(), "acme", "summary")
	require.NoError(t, err)
	assert.Equal(t, "short", string(entry.Value))
	assert.Equal(t, int64(1), entry.Version)
}

func TestNodeExecutor_PlainOutputGoesToFirstName(t *testing.T) {
	h := newHarness(t, nodeCards(func(n *cards.NodeCard) {
		n.Outputs = cards.NodeOutputs{Artifacts: []string{"notes", "extra"}}
	})...)
	h.spy.WithResponse("just text")

	res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.x"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"notes": "just text"}, res.Artifacts)
}

func TestNodeExecutor_ConcurrentWriteIsVersionConflict(t *testing.T) {
	h := newHarness(t, nodeCards(func(n *cards.NodeCard) {
		n.Outputs = cards.NodeOutputs{SharedState: []string{"summary"}}
	})...)
	h.spy.WithInvokeFunc(func(ctx context.Context, req *llm.InvokeRequest) *llm.InvokeResult {
		_, err := h.state.Put(ctx, "acme", "summary", []byte("racer"), 0)
		assert.NoError(t, err)
		return &llm.InvokeResult{Role: llm.RoleAssistant, Content: "mine", FinishReason: llm.FinishStop}
	})

	res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.x"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFail, res.Status)
	assert.Equal(t, types.ErrVersionConflict, res.Error.Code)
	assert.Equal(t, 1, h.spy.CallCount())

	entry, err := h.state.Get(context.Background(), "acme", "summary")
	require.NoError(t, err)
	assert.Equal(t, "racer", string(entry.Value))
}

func TestNodeExecutor_RequiresInputInterruptsThenResumes(t *testing.T) {
	h := newHarness(t, nodeCards(func(n *cards.NodeCard) { n.RequiresInput = true })...)
	exec := h.nodeExecutor()

	in := h.nodeInput("node.x")
	res, err := exec.Execute(testutil.TestContext(t), in)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInterrupted, res.Status)
	assert.Equal(t, "awaiting external input", res.Reason)
	assert.True(t, strings.HasPrefix(res.ResumeToken, "rt_"+in.Context.RunID()+"_node.x_"))
	assert.Equal(t, 0, h.spy.CallCount())
	assert.Equal(t, 1, h.spy.ReadinessCalls())

	in.Resumed = true
	in.ResumeInput = "approved by ops"
	res, err = exec.Execute(testutil.TestContext(t), in)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPass, res.Status)

	calls := h.spy.Calls()
	require.Len(t, calls, 1)
	resume, ok := messageNamed(calls[0], "resume")
	require.True(t, ok)
	assert.Equal(t, "approved by ops", resume.Content)
}

func TestNodeExecutor_BackendRequestsInput(t *testing.T) {
	h := newHarness(t)
	h.spy.WithFinishReason(llm.FinishNeedsInput).WithResponse("which region?")

	in := h.nodeInput("node.a")
	in.ResumeToken = "rt_existing"
	res, err := h.nodeExecutor().Execute(testutil.TestContext(t), in)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInterrupted, res.Status)
	assert.Equal(t, "backend requested external input", res.Reason)
	assert.Equal(t, "rt_existing", res.ResumeToken)
	assert.Equal(t, "which region?", res.Output)
}

func TestNodeExecutor_Regression(t *testing.T) {
	t.Run("first failure is not a regression", func(t *testing.T) {
		h := newHarness(t)
		h.spy.WithReadiness(llm.MissingCredsOrConfig("no key"))
		res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.a"))
		require.NoError(t, err)
		assert.Equal(t, types.StatusSkip, res.Status)
		assert.Nil(t, res.Regression)
	})

	t.Run("refused without override", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.ledger.RecordPass(testutil.RequestContext(t, "acme"), fixtures.SpyBackend))
		h.spy.WithReadiness(llm.MissingCredsOrConfig("no key"))

		res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.a"))
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrRegression))
		assert.Equal(t, types.StatusSkip, res.Status)
		assert.Empty(t, h.sink.ByType(audit.EventRegressionOverride))
	})

	t.Run("override records a warning", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.ledger.RecordPass(testutil.RequestContext(t, "acme"), fixtures.SpyBackend))
		h.spy.WithError(&llm.BackendError{Code: llm.BackendUnauthorized, Message: "401 invalid key", Backend: fixtures.SpyBackend})

		in := h.nodeInput("node.a")
		in.AllowRegression = true
		res, err := h.nodeExecutor().Execute(testutil.TestContext(t), in)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFail, res.Status)
		require.NotNil(t, res.Regression)
		assert.Equal(t, in.Context.RunID(), res.Regression.RunID)
		assert.Contains(t, res.Warnings, res.Regression.Message)
		assert.Len(t, h.sink.ByType(audit.EventRegressionOverride), 1)

		entry, _ := h.ledger.Get(fixtures.SpyBackend)
		assert.Len(t, entry.Warnings, 1)
	})

	t.Run("request errors after a pass are ordinary failures", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.ledger.RecordPass(testutil.RequestContext(t, "acme"), fixtures.SpyBackend))
		for _, berr := range []*llm.BackendError{
			{Code: llm.BackendInvalidRequest, Message: "400 bad prompt", HTTPStatus: 400},
			{Code: llm.BackendOutputTooLarge, Message: "output exceeds 10 chars"},
			{Code: llm.BackendCallLimit, Message: "max_calls 1 reached"},
			{Code: llm.BackendUpstream, Message: "404 model not found", HTTPStatus: 404},
		} {
			berr.Backend = fixtures.SpyBackend
			h.spy.WithError(berr)
			res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.a"))
			require.NoError(t, err, string(berr.Code))
			assert.Equal(t, types.StatusFail, res.Status)
			assert.Nil(t, res.Regression)
		}
	})

	t.Run("resolution failures never consult the ledger", func(t *testing.T) {
		h := newHarness(t, nodeCards(func(n *cards.NodeCard) { n.Task = "task.missing" })...)
		require.NoError(t, h.ledger.RecordPass(testutil.RequestContext(t, "acme"), fixtures.SpyBackend))

		res, err := h.nodeExecutor().Execute(testutil.TestContext(t), h.nodeInput("node.x"))
		require.NoError(t, err)
		assert.Equal(t, types.StatusFail, res.Status)
	})
}
