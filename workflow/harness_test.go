package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cardflow/cards"
	"github.com/BaSui01/cardflow/config"
	"github.com/BaSui01/cardflow/ledger"
	"github.com/BaSui01/cardflow/llm"
	"github.com/BaSui01/cardflow/pii"
	"github.com/BaSui01/cardflow/policy"
	"github.com/BaSui01/cardflow/retrieval"
	"github.com/BaSui01/cardflow/store"
	"github.com/BaSui01/cardflow/testutil"
	"github.com/BaSui01/cardflow/testutil/fixtures"
	"github.com/BaSui01/cardflow/testutil/mocks"
	"github.com/BaSui01/cardflow/types"
)

var errUnreachable = errors.New("dial tcp 10.0.0.1:6379: connect: connection refused")

// sharedState survives the per-run Close of the resolved stores.
type sharedState struct {
	store.StateStore
}

func (sharedState) Close() error { return nil }

type sharedArtifacts struct {
	store.ArtifactStore
}

func (sharedArtifacts) Close() error { return nil }

type harness struct {
	t         *testing.T
	spy       *mocks.SpyAdapter
	adapters  *llm.Registry
	ledger    *ledger.Ledger
	state     *store.MemoryStateStore
	artifacts *store.FileArtifactStore
	sink      *mocks.RecordingSink
	registry  *cards.Registry
	cfg       config.ExecutorConfig
	engine    *Engine
}

// withCards returns base with every card of overrides replacing the card
// of the same kind and id.
func withCards(base []cards.Card, overrides ...cards.Card) []cards.Card {
	out := make([]cards.Card, 0, len(base)+len(overrides))
	replaced := make(map[cards.Key]bool)
	for _, o := range overrides {
		replaced[cards.Key{Kind: o.Kind(), ID: o.CardID()}] = true
	}
	for _, c := range base {
		if !replaced[cards.Key{Kind: c.Kind(), ID: c.CardID()}] {
			out = append(out, c)
		}
	}
	return append(out, overrides...)
}

func newHarness(t *testing.T, cs ...cards.Card) *harness {
	t.Helper()
	if len(cs) == 0 {
		cs = fixtures.DiamondCards()
	}
	artifacts, err := store.NewFileArtifactStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		t:         t,
		spy:       mocks.NewSpyAdapter(fixtures.SpyBackend),
		adapters:  llm.NewRegistry(nil),
		ledger:    ledger.New(nil),
		state:     store.NewMemoryStateStore(),
		artifacts: artifacts,
		sink:      mocks.NewRecordingSink(),
		cfg: config.ExecutorConfig{
			MaxConcurrency:   4,
			DefaultTimeout:   5 * time.Second,
			ReadinessTimeout: time.Second,
			StreamGrace:      100 * time.Millisecond,
		},
	}
	h.adapters.Register(fixtures.SpyBackend, h.spy.Factory())
	h.registry, err = cards.NewRegistry(cs...)
	require.NoError(t, err)
	h.engine = h.newEngine(nil)
	return h
}

func (h *harness) backends(infraErr error) policy.Backends {
	infra := func(context.Context) error { return infraErr }
	return policy.Backends{
		Artifacts: policy.Backend[store.ArtifactStore]{
			Local: func(context.Context) (store.ArtifactStore, error) { return sharedArtifacts{h.artifacts}, nil },
			Infra: func(ctx context.Context) (store.ArtifactStore, error) {
				if err := infra(ctx); err != nil {
					return nil, err
				}
				return sharedArtifacts{h.artifacts}, nil
			},
			Disabled: store.DiscardArtifactStore{},
		},
		State: policy.Backend[store.StateStore]{
			Local: func(context.Context) (store.StateStore, error) { return sharedState{h.state}, nil },
			Infra: func(ctx context.Context) (store.StateStore, error) {
				if err := infra(ctx); err != nil {
					return nil, err
				}
				return sharedState{h.state}, nil
			},
			Disabled: store.DiscardStateStore{},
		},
		PII: policy.Backend[pii.Redactor]{
			Local: func(context.Context) (pii.Redactor, error) { return pii.NewRegexRedactor(), nil },
			Infra: func(ctx context.Context) (pii.Redactor, error) {
				if err := infra(ctx); err != nil {
					return nil, err
				}
				return pii.NewRegexRedactor(), nil
			},
			Disabled: pii.Passthrough{},
		},
		Retrieval: policy.Backend[retrieval.Retriever]{
			Local: func(context.Context) (retrieval.Retriever, error) { return retrieval.Disabled{}, nil },
			Infra: func(ctx context.Context) (retrieval.Retriever, error) {
				if err := infra(ctx); err != nil {
					return nil, err
				}
				return retrieval.Disabled{}, nil
			},
			Disabled: retrieval.Disabled{},
		},
	}
}

func (h *harness) newEngine(infraErr error, opts ...Option) *Engine {
	resolver := policy.NewResolver(h.backends(infraErr), time.Second, nil)
	all := append([]Option{WithAudit(h.sink)}, opts...)
	return NewEngine(h.registry, resolver, h.adapters, h.ledger, h.cfg, all...)
}

// resolved returns local strategies for direct NodeExecutor tests.
func (h *harness) resolved() *policy.Resolved {
	return &policy.Resolved{
		ProfileID: fixtures.LocalProfileID,
		Artifacts: sharedArtifacts{h.artifacts},
		State:     sharedState{h.state},
		Redactor:  pii.NewRegexRedactor(),
		Retriever: retrieval.Disabled{},
	}
}

func (h *harness) nodeExecutor() *NodeExecutor {
	return NewNodeExecutor(h.adapters, h.ledger, h.cfg, WithAudit(h.sink))
}

func (h *harness) nodeInput(nodeID string) NodeInput {
	return NodeInput{
		NodeID:   nodeID,
		Cards:    h.registry,
		Context:  testutil.RequestContext(h.t, "acme"),
		Resolved: h.resolved(),
	}
}

// callsFor counts the invocations made for cardRef.
func callsFor(spy *mocks.SpyAdapter, cardRef string) int {
	n := 0
	for _, c := range spy.Calls() {
		if c.CardRef == cardRef {
			n++
		}
	}
	return n
}

func messageNamed(req *llm.InvokeRequest, name string) (llm.Message, bool) {
	for _, m := range req.Messages {
		if m.Name == name {
			return m, true
		}
	}
	return llm.Message{}, false
}

func statusOf(r *FlowRunResult, id string) types.Status {
	if n, ok := r.Nodes[id]; ok {
		return n.Status
	}
	return ""
}
