package policy

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cardflow/cards"
	"github.com/BaSui01/cardflow/config"
	"github.com/BaSui01/cardflow/pii"
	"github.com/BaSui01/cardflow/retrieval"
	"github.com/BaSui01/cardflow/store"
	"github.com/BaSui01/cardflow/types"
)

var errUnreachable = errors.New("dial tcp 10.0.0.1:6379: connect: connection refused")

type countingArtifacts struct {
	store.DiscardArtifactStore
	saves *atomic.Int32
}

func (c countingArtifacts) Save(context.Context, *store.Artifact) error {
	c.saves.Add(1)
	return nil
}

// spyBackends returns backends whose infra side is unreachable and whose
// constructors are counted.
type spyBackends struct {
	localCalls atomic.Int32
	infraCalls atomic.Int32
	saves      atomic.Int32
}

func (s *spyBackends) backends(infraErr error) Backends {
	return Backends{
		Artifacts: Backend[store.ArtifactStore]{
			Local: func(context.Context) (store.ArtifactStore, error) {
				s.localCalls.Add(1)
				return countingArtifacts{saves: &s.saves}, nil
			},
			Infra: func(context.Context) (store.ArtifactStore, error) {
				s.infraCalls.Add(1)
				if infraErr != nil {
					return nil, infraErr
				}
				return countingArtifacts{saves: &s.saves}, nil
			},
			Disabled: store.DiscardArtifactStore{},
		},
		State: Backend[store.StateStore]{
			Local: func(context.Context) (store.StateStore, error) {
				s.localCalls.Add(1)
				return store.NewMemoryStateStore(), nil
			},
			Infra: func(context.Context) (store.StateStore, error) {
				s.infraCalls.Add(1)
				if infraErr != nil {
					return nil, infraErr
				}
				return store.NewMemoryStateStore(), nil
			},
			Disabled: store.DiscardStateStore{},
		},
		PII: Backend[pii.Redactor]{
			Local: func(context.Context) (pii.Redactor, error) {
				s.localCalls.Add(1)
				return pii.NewRegexRedactor(), nil
			},
			Infra: func(context.Context) (pii.Redactor, error) {
				s.infraCalls.Add(1)
				if infraErr != nil {
					return nil, infraErr
				}
				return pii.Passthrough{}, nil
			},
			Disabled: pii.Passthrough{},
		},
		Retrieval: Backend[retrieval.Retriever]{
			Local: func(context.Context) (retrieval.Retriever, error) {
				s.localCalls.Add(1)
				return retrieval.NewLocalRetriever("", nil), nil
			},
			Infra: func(context.Context) (retrieval.Retriever, error) {
				s.infraCalls.Add(1)
				if infraErr != nil {
					return nil, infraErr
				}
				return retrieval.Disabled{}, nil
			},
			Disabled: retrieval.Disabled{},
		},
	}
}

func profile(strategy string, allowFallback bool) *cards.RunProfileCard {
	return &cards.RunProfileCard{
		Header:          cards.Header{Type: cards.KindRunProfile, ID: "profile.test", Version: 1},
		ArtifactStorage: strategy,
		SharedState:     strategy,
		PII:             strategy,
		Retrieval:       strategy,
		AllowFallback:   allowFallback,
	}
}

func TestResolve_UnknownStrategy(t *testing.T) {
	spy := &spyBackends{}
	p := profile(cards.StrategyLocal, true)
	p.PII = "cloud"

	_, err := NewResolver(spy.backends(nil), time.Second, nil).Resolve(context.Background(), p)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
	assert.Contains(t, err.Error(), "pii")
	assert.Zero(t, spy.localCalls.Load()+spy.infraCalls.Load(), "no backend may be built")
}

func TestResolve_NilProfile(t *testing.T) {
	_, err := NewResolver(Backends{}, time.Second, nil).Resolve(context.Background(), nil)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

func TestResolve_InfraUnreachableFailsClosed(t *testing.T) {
	for _, kind := range Kinds {
		t.Run(kind, func(t *testing.T) {
			spy := &spyBackends{}
			p := profile(cards.StrategyLocal, false)
			switch kind {
			case ArtifactStorage:
				p.ArtifactStorage = cards.StrategyInfra
			case SharedState:
				p.SharedState = cards.StrategyInfra
			case PII:
				p.PII = cards.StrategyInfra
			case Retrieval:
				p.Retrieval = cards.StrategyInfra
			}

			res, err := NewResolver(spy.backends(errUnreachable), time.Second, nil).Resolve(context.Background(), p)
			require.Error(t, err)
			assert.Nil(t, res)
			appErr, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, types.ErrConfiguration, appErr.Code)
			assert.Equal(t, kind, appErr.Ref)
			assert.ErrorIs(t, err, errUnreachable)
			assert.Equal(t, int32(1), spy.infraCalls.Load())
			assert.Zero(t, spy.saves.Load(), "no artifact write may be attempted")
		})
	}
}

func TestResolve_InfraUnreachableFallsBack(t *testing.T) {
	spy := &spyBackends{}
	var hooked []Fallback
	r := NewResolver(spy.backends(errUnreachable), time.Second, nil).
		OnFallback(func(f Fallback) { hooked = append(hooked, f) })

	res, err := r.Resolve(context.Background(), profile(cards.StrategyInfra, true))
	require.NoError(t, err)
	defer res.Close()

	require.Len(t, res.Fallbacks, 4)
	assert.Equal(t, res.Fallbacks, hooked)
	for _, kind := range Kinds {
		assert.True(t, res.FellBack(kind), kind)
		assert.Equal(t, cards.StrategyLocal, res.Strategies[kind])
	}
	assert.IsType(t, countingArtifacts{}, res.Artifacts)
	assert.IsType(t, &pii.RegexRedactor{}, res.Redactor)
	assert.IsType(t, &retrieval.LocalRetriever{}, res.Retriever)
	assert.Equal(t, int32(4), spy.localCalls.Load())
}

func TestResolve_InfraReachable(t *testing.T) {
	spy := &spyBackends{}
	res, err := NewResolver(spy.backends(nil), time.Second, nil).Resolve(context.Background(), profile(cards.StrategyInfra, false))
	require.NoError(t, err)
	assert.Empty(t, res.Fallbacks)
	assert.IsType(t, pii.Passthrough{}, res.Redactor)
	assert.Zero(t, spy.localCalls.Load())
}

func TestResolve_Disabled(t *testing.T) {
	spy := &spyBackends{}
	res, err := NewResolver(spy.backends(errUnreachable), time.Second, nil).Resolve(context.Background(), profile(cards.StrategyDisabled, false))
	require.NoError(t, err)
	assert.IsType(t, store.DiscardArtifactStore{}, res.Artifacts)
	assert.IsType(t, store.DiscardStateStore{}, res.State)
	assert.IsType(t, pii.Passthrough{}, res.Redactor)
	assert.IsType(t, retrieval.Disabled{}, res.Retriever)
	assert.Zero(t, spy.localCalls.Load()+spy.infraCalls.Load())
}

func TestResolve_InfraTimeoutBounded(t *testing.T) {
	b := Backends{
		State: Backend[store.StateStore]{
			Local: func(context.Context) (store.StateStore, error) { return store.NewMemoryStateStore(), nil },
			Infra: func(ctx context.Context) (store.StateStore, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	}
	p := profile(cards.StrategyDisabled, true)
	p.SharedState = cards.StrategyInfra

	start := time.Now()
	res, err := NewResolver(b, 50*time.Millisecond, nil).Resolve(context.Background(), p)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, res.FellBack(SharedState))
	assert.Contains(t, res.Fallbacks[0].Reason, "deadline exceeded")
}

func TestDefaultBackends_RedisFallback(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig()
	cfg.Redis.Addr = mr.Addr()
	cfg.Storage.LocalDir = filepath.Join(t.TempDir(), "artifacts")
	cfg.Retrieval.LocalDir = t.TempDir()

	p := profile(cards.StrategyLocal, false)
	p.SharedState = cards.StrategyInfra

	r := NewDefaultResolver(cfg, nil)
	res, err := r.Resolve(context.Background(), p)
	require.NoError(t, err)
	assert.IsType(t, &store.RedisStateStore{}, res.State)
	assert.IsType(t, &store.FileArtifactStore{}, res.Artifacts)
	require.NoError(t, res.Close())

	mr.Close()
	_, err = r.Resolve(context.Background(), p)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))

	p.AllowFallback = true
	res, err = r.Resolve(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, res.FellBack(SharedState))
	assert.IsType(t, processStateStore{}, res.State)
}

func TestDefaultBackends_LocalStateSurvivesRuns(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.LocalDir = t.TempDir()
	r := NewDefaultResolver(cfg, nil)
	p := profile(cards.StrategyLocal, false)

	first, err := r.Resolve(context.Background(), p)
	require.NoError(t, err)
	_, err = first.State.Put(context.Background(), "acme", "k", []byte(`1`), 0)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := r.Resolve(context.Background(), p)
	require.NoError(t, err)
	entry, err := second.State.Get(context.Background(), "acme", "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Version)
}

func TestDefaultBackends_DatabaseInfra(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(t.TempDir(), "artifacts.db")
	p := profile(cards.StrategyDisabled, false)
	p.ArtifactStorage = cards.StrategyInfra

	res, err := NewDefaultResolver(cfg, nil).Resolve(context.Background(), p)
	require.NoError(t, err)
	assert.IsType(t, &pooledArtifactStore{}, res.Artifacts)
	require.NoError(t, res.Artifacts.Save(context.Background(), &store.Artifact{RunID: "r1", NodeID: "node.a", Name: "summary", Content: `"ok"`}))
	list, err := res.Artifacts.List(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	require.NoError(t, res.Close())
}
