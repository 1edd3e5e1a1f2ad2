package policy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/config"
	"github.com/BaSui01/cardflow/internal/database"
	"github.com/BaSui01/cardflow/pii"
	"github.com/BaSui01/cardflow/retrieval"
	"github.com/BaSui01/cardflow/store"
)

// processStateStore keeps the local shared-state map alive across runs of
// the same process; per-run Close calls are ignored.
type processStateStore struct {
	store.StateStore
}

func (processStateStore) Close() error { return nil }

// pooledArtifactStore closes the pool it was opened with.
type pooledArtifactStore struct {
	*store.DBArtifactStore
	pool *database.PoolManager
}

func (s *pooledArtifactStore) Close() error { return s.pool.Close() }

// DefaultBackends wires every strategy kind to the configured stores:
//
//	artifact_storage  local: files under storage.local_dir   infra: gorm database
//	shared_state      local: in-process map                  infra: redis
//	pii               local: regex rules                     infra: remote endpoint
//	retrieval         local: keyword index of local_dir      infra: mongodb $text
func DefaultBackends(cfg *config.Config, logger *zap.Logger) Backends {
	if logger == nil {
		logger = zap.NewNop()
	}
	memState := store.NewMemoryStateStore()

	return Backends{
		Artifacts: Backend[store.ArtifactStore]{
			Local: func(context.Context) (store.ArtifactStore, error) {
				return store.NewFileArtifactStore(cfg.Storage.LocalDir)
			},
			Infra: func(ctx context.Context) (store.ArtifactStore, error) {
				pm, err := database.Open(ctx, cfg.Database, logger)
				if err != nil {
					return nil, err
				}
				s, err := store.NewDBArtifactStore(pm.DB(), logger)
				if err != nil {
					_ = pm.Close()
					return nil, err
				}
				return &pooledArtifactStore{DBArtifactStore: s, pool: pm}, nil
			},
			Disabled: store.DiscardArtifactStore{},
		},
		State: Backend[store.StateStore]{
			Local: func(context.Context) (store.StateStore, error) {
				return processStateStore{memState}, nil
			},
			Infra: func(ctx context.Context) (store.StateStore, error) {
				return store.OpenRedisStateStore(ctx, cfg.Redis, logger)
			},
			Disabled: store.DiscardStateStore{},
		},
		PII: Backend[pii.Redactor]{
			Local: func(context.Context) (pii.Redactor, error) {
				return pii.NewRegexRedactor(), nil
			},
			Infra: func(ctx context.Context) (pii.Redactor, error) {
				r, err := pii.NewRemoteRedactor(cfg.PII, logger)
				if err != nil {
					return nil, err
				}
				if err := r.Ping(ctx); err != nil {
					return nil, err
				}
				return r, nil
			},
			Disabled: pii.Passthrough{},
		},
		Retrieval: Backend[retrieval.Retriever]{
			Local: func(context.Context) (retrieval.Retriever, error) {
				return retrieval.NewLocalRetriever(cfg.Retrieval.LocalDir, logger), nil
			},
			Infra: func(ctx context.Context) (retrieval.Retriever, error) {
				return retrieval.OpenMongoRetriever(ctx, cfg.Mongo, logger)
			},
			Disabled: retrieval.Disabled{},
		},
	}
}

// NewDefaultResolver builds a resolver over DefaultBackends. Infra probes
// are bounded by executor.readiness_timeout.
func NewDefaultResolver(cfg *config.Config, logger *zap.Logger) *Resolver {
	timeout := cfg.Executor.ReadinessTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return NewResolver(DefaultBackends(cfg, logger), timeout, logger)
}
