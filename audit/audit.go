package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/types"
)

// Event types.
const (
	EventFlowStarted        = "flow.started"
	EventFlowFinished       = "flow.finished"
	EventNodeStarted        = "node.started"
	EventNodeFinished       = "node.finished"
	EventPolicyFallback     = "policy.fallback"
	EventRegressionOverride = "ledger.regression_override"
	EventStreamChunk        = "stream.chunk"
)

// Event is one audit record. Events are written append-only, keyed by run id.
type Event struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	RunID    string         `json:"run_id"`
	TenantID string         `json:"tenant_id"`
	TraceID  string         `json:"trace_id"`
	At       time.Time      `json:"at"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// NewEvent stamps an event with the request context.
func NewEvent(eventType string, rc types.RequestContext, payload map[string]any) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		RunID:    rc.RunID(),
		TenantID: rc.TenantID(),
		TraceID:  rc.TraceID(),
		At:       time.Now().UTC(),
		Payload:  payload,
	}
}

// Sink accepts audit events. Emit must never block the caller.
type Sink interface {
	Emit(eventType string, rc types.RequestContext, payload map[string]any)
}

// Writer persists batches of events.
type Writer interface {
	Write(ctx context.Context, events []Event) error
	Close() error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(string, types.RequestContext, map[string]any) {}

// =============================================================================
// 📮 异步分发器
// =============================================================================

const maxBatch = 64

// Dispatcher is a non-blocking Sink: events go into a bounded buffer and a
// single goroutine hands them to the Writer. A full buffer drops the event.
type Dispatcher struct {
	writer  Writer
	events  chan Event
	dropped atomic.Int64
	onDrop  func()
	logger  *zap.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

var _ Sink = (*Dispatcher)(nil)

// NewDispatcher starts the writer goroutine. onDrop may be nil.
func NewDispatcher(w Writer, bufferSize int, onDrop func(), logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	d := &Dispatcher{
		writer: w,
		events: make(chan Event, bufferSize),
		onDrop: onDrop,
		logger: logger.With(zap.String("component", "audit")),
		done:   make(chan struct{}),
	}
	go d.loop()
	return d
}

// Emit enqueues an event or drops it when the buffer is full or the
// dispatcher is closed.
func (d *Dispatcher) Emit(eventType string, rc types.RequestContext, payload map[string]any) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(eventType)
		return
	}
	select {
	case d.events <- NewEvent(eventType, rc, payload):
	default:
		d.drop(eventType)
	}
}

func (d *Dispatcher) drop(eventType string) {
	d.dropped.Add(1)
	if d.onDrop != nil {
		d.onDrop()
	}
	d.logger.Debug("audit event dropped", zap.String("event", eventType))
}

// Dropped returns how many events were dropped.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

func (d *Dispatcher) loop() {
	defer close(d.done)
	batch := make([]Event, 0, maxBatch)
	for ev := range d.events {
		batch = append(batch, ev)
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-d.events:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		if err := d.writer.Write(context.Background(), batch); err != nil {
			d.logger.Warn("audit write failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}
}

// Close stops accepting events, flushes the buffer and closes the writer.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.events)
		d.mu.Unlock()
	})
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.writer.Close()
}
