package llm

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/types"
)

// Factory builds an adapter for one provider configuration.
type Factory func(spec ProviderSpec, logger *zap.Logger) (Adapter, error)

// Registry is a thread-safe map from backend id to adapter factory. It also
// owns one LimitGuard per provider card so that call counts and pacing are
// shared across adapter instances.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	guards    map[string]*LimitGuard
	logger    *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factories: make(map[string]Factory),
		guards:    make(map[string]*LimitGuard),
		logger:    logger.With(zap.String("component", "adapter_registry")),
	}
}

// Register adds a factory under backend. An existing entry is replaced.
func (r *Registry) Register(backend string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[backend] = f
}

// Unregister removes the factory for backend.
func (r *Registry) Unregister(backend string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, backend)
}

// Has reports whether backend is registered.
func (r *Registry) Has(backend string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[backend]
	return ok
}

// Backends returns the sorted registered backend ids.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds an adapter for spec. An unknown backend is reported as a
// READINESS error with status MISSING_DEPS.
func (r *Registry) Create(spec ProviderSpec) (Adapter, error) {
	r.mu.Lock()
	f, ok := r.factories[spec.Backend]
	if !ok {
		r.mu.Unlock()
		return nil, types.Errorf(types.ErrReadiness, "%s: no adapter installed for backend %q", StatusMissingDeps, spec.Backend).
			WithRef(spec.Backend)
	}
	guardKey := spec.ProviderID
	if guardKey == "" {
		guardKey = spec.Backend
	}
	guard, ok := r.guards[guardKey]
	if !ok {
		guard = NewLimitGuard(spec.RateLimitRPS, r.logger)
		r.guards[guardKey] = guard
	}
	r.mu.Unlock()

	spec.Guard = guard
	adapter, err := f(spec, r.logger)
	if err != nil {
		return nil, err
	}
	return adapter, nil
}

// ReleaseRun drops per-run call counts from every guard.
func (r *Registry) ReleaseRun(runID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.guards {
		g.ReleaseRun(runID)
	}
}
