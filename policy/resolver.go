package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/cards"
	"github.com/BaSui01/cardflow/pii"
	"github.com/BaSui01/cardflow/retrieval"
	"github.com/BaSui01/cardflow/store"
	"github.com/BaSui01/cardflow/types"
)

// Strategy kinds resolved from a run profile.
const (
	ArtifactStorage = "artifact_storage"
	SharedState     = "shared_state"
	PII             = "pii"
	Retrieval       = "retrieval"
)

// Kinds lists the strategy kinds in resolution order.
var Kinds = []string{ArtifactStorage, SharedState, PII, Retrieval}

// Backend groups the three implementations of one strategy kind. Infra
// constructors must verify reachability before returning.
type Backend[T any] struct {
	Local    func(ctx context.Context) (T, error)
	Infra    func(ctx context.Context) (T, error)
	Disabled T
}

// Backends holds one Backend per strategy kind.
type Backends struct {
	Artifacts Backend[store.ArtifactStore]
	State     Backend[store.StateStore]
	PII       Backend[pii.Redactor]
	Retrieval Backend[retrieval.Retriever]
}

// Fallback records an infra strategy that was replaced by its local
// equivalent.
type Fallback struct {
	Strategy string `json:"strategy"`
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason"`
}

// Resolved is the concrete stores and services for one run.
type Resolved struct {
	ProfileID  string
	Strategies map[string]string
	Artifacts  store.ArtifactStore
	State      store.StateStore
	Redactor   pii.Redactor
	Retriever  retrieval.Retriever
	Fallbacks  []Fallback
}

// FellBack reports whether strategy was replaced by a fallback.
func (r *Resolved) FellBack(strategy string) bool {
	for _, f := range r.Fallbacks {
		if f.Strategy == strategy {
			return true
		}
	}
	return false
}

// Close releases the resolved stores.
func (r *Resolved) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.Artifacts != nil {
		errs = append(errs, r.Artifacts.Close())
	}
	if r.State != nil {
		errs = append(errs, r.State.Close())
	}
	if c, ok := r.Retriever.(interface{ Close(context.Context) error }); ok {
		errs = append(errs, c.Close(context.Background()))
	}
	return errors.Join(errs...)
}

// Resolver turns a RunProfileCard into concrete strategies. An unreachable
// infra backend falls back to local only when the profile allows it;
// otherwise resolution fails closed with a ConfigurationError.
type Resolver struct {
	backends    Backends
	pingTimeout time.Duration
	onFallback  func(Fallback)
	logger      *zap.Logger
}

// NewResolver creates a resolver. pingTimeout bounds each infra constructor.
func NewResolver(backends Backends, pingTimeout time.Duration, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pingTimeout <= 0 {
		pingTimeout = 10 * time.Second
	}
	return &Resolver{
		backends:    backends,
		pingTimeout: pingTimeout,
		logger:      logger.With(zap.String("component", "policy_resolver")),
	}
}

// OnFallback registers a hook called for every fallback.
func (r *Resolver) OnFallback(fn func(Fallback)) *Resolver {
	r.onFallback = fn
	return r
}

// Resolve resolves all four strategies. Strategy names are checked before
// any backend is contacted; on error every already-opened backend is closed.
func (r *Resolver) Resolve(ctx context.Context, profile *cards.RunProfileCard) (*Resolved, error) {
	if profile == nil {
		return nil, types.NewConfigurationError("", "run profile is required")
	}
	names := map[string]string{
		ArtifactStorage: profile.ArtifactStorage,
		SharedState:     profile.SharedState,
		PII:             profile.PII,
		Retrieval:       profile.Retrieval,
	}
	for _, kind := range Kinds {
		switch names[kind] {
		case cards.StrategyLocal, cards.StrategyInfra, cards.StrategyDisabled:
		default:
			return nil, types.NewConfigurationError(profile.ID,
				"unknown %s strategy %q (want local, infra or disabled)", kind, names[kind])
		}
	}

	out := &Resolved{ProfileID: profile.ID, Strategies: names}
	var err error
	if out.Artifacts, err = resolveOne(ctx, r, out, profile, ArtifactStorage, r.backends.Artifacts); err != nil {
		_ = out.Close()
		return nil, err
	}
	if out.State, err = resolveOne(ctx, r, out, profile, SharedState, r.backends.State); err != nil {
		_ = out.Close()
		return nil, err
	}
	if out.Redactor, err = resolveOne(ctx, r, out, profile, PII, r.backends.PII); err != nil {
		_ = out.Close()
		return nil, err
	}
	if out.Retriever, err = resolveOne(ctx, r, out, profile, Retrieval, r.backends.Retrieval); err != nil {
		_ = out.Close()
		return nil, err
	}
	return out, nil
}

func resolveOne[T any](ctx context.Context, r *Resolver, out *Resolved, profile *cards.RunProfileCard, kind string, b Backend[T]) (T, error) {
	var zero T
	switch out.Strategies[kind] {
	case cards.StrategyDisabled:
		return b.Disabled, nil
	case cards.StrategyLocal:
		return buildLocal(ctx, profile, kind, b)
	}

	v, err := buildInfra(ctx, r.pingTimeout, b)
	if err == nil {
		return v, nil
	}
	if !profile.AllowFallback {
		return zero, types.NewConfigurationError(kind,
			"profile %s: infra %s backend unreachable and fallback is not allowed", profile.ID, kind).WithCause(err)
	}

	fb := Fallback{Strategy: kind, From: cards.StrategyInfra, To: cards.StrategyLocal, Reason: err.Error()}
	out.Fallbacks = append(out.Fallbacks, fb)
	out.Strategies[kind] = cards.StrategyLocal
	r.logger.Warn("infra strategy unreachable, falling back to local",
		zap.String("profile", profile.ID),
		zap.String("strategy", kind),
		zap.Error(err),
	)
	if r.onFallback != nil {
		r.onFallback(fb)
	}
	return buildLocal(ctx, profile, kind, b)
}

func buildLocal[T any](ctx context.Context, profile *cards.RunProfileCard, kind string, b Backend[T]) (T, error) {
	var zero T
	if b.Local == nil {
		return zero, types.NewConfigurationError(kind, "profile %s: no local %s backend configured", profile.ID, kind)
	}
	v, err := b.Local(ctx)
	if err != nil {
		return zero, types.NewConfigurationError(kind, "profile %s: local %s backend failed", profile.ID, kind).WithCause(err)
	}
	return v, nil
}

func buildInfra[T any](ctx context.Context, timeout time.Duration, b Backend[T]) (T, error) {
	var zero T
	if b.Infra == nil {
		return zero, errors.New("no infra backend configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := b.Infra(ctx)
	if err != nil {
		return zero, fmt.Errorf("infra backend unreachable: %w", err)
	}
	return v, nil
}
