package workflow

import (
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/audit"
	"github.com/BaSui01/cardflow/internal/metrics"
	"github.com/BaSui01/cardflow/llm"
)

// StreamObserver receives streamed chunks of a node in emission order.
type StreamObserver func(nodeID string, chunk llm.StreamChunk)

// Option configures executors and the engine.
type Option func(*runtime)

type runtime struct {
	logger    *zap.Logger
	audit     audit.Sink
	metrics   *metrics.Collector
	topK      int
	interrupt InterruptStore
	now       func() time.Time
}

func newRuntime(opts []Option) runtime {
	rt := runtime{
		logger:    zap.NewNop(),
		audit:     audit.Discard{},
		topK:      3,
		interrupt: NewMemoryInterruptStore(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&rt)
	}
	return rt
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(rt *runtime) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// WithAudit sets the audit sink.
func WithAudit(sink audit.Sink) Option {
	return func(rt *runtime) {
		if sink != nil {
			rt.audit = sink
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(rt *runtime) { rt.metrics = c }
}

// WithRetrievalTopK sets how many snippets are attached per knowledge query.
func WithRetrievalTopK(k int) Option {
	return func(rt *runtime) {
		if k > 0 {
			rt.topK = k
		}
	}
}

// WithInterruptStore sets where interrupted runs are checkpointed.
func WithInterruptStore(s InterruptStore) Option {
	return func(rt *runtime) {
		if s != nil {
			rt.interrupt = s
		}
	}
}

// RunOption tunes one run.
type RunOption func(*runSettings)

type runSettings struct {
	payload          string
	observer         StreamObserver
	providerOverride string
	modelOverride    string
	allowRegression  bool
}

// WithInput attaches the flow input payload.
func WithInput(payload string) RunOption {
	return func(s *runSettings) { s.payload = payload }
}

// WithObserver forwards streamed chunks of every streaming node.
func WithObserver(fn StreamObserver) RunOption {
	return func(s *runSettings) { s.observer = fn }
}

// WithProviderOverride replaces the node's provider card.
func WithProviderOverride(providerID string) RunOption {
	return func(s *runSettings) { s.providerOverride = providerID }
}

// WithModelOverride replaces the node's model card.
func WithModelOverride(modelID string) RunOption {
	return func(s *runSettings) { s.modelOverride = modelID }
}

// WithRegressionOverride lets a run proceed past a connectivity regression.
func WithRegressionOverride() RunOption {
	return func(s *runSettings) { s.allowRegression = true }
}

func applyRunOptions(opts []RunOption) runSettings {
	var s runSettings
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
