package mocks

import (
	"sync"

	"github.com/BaSui01/cardflow/audit"
	"github.com/BaSui01/cardflow/types"
)

// RecordingSink 同步记录审计事件
type RecordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

var _ audit.Sink = (*RecordingSink)(nil)

// NewRecordingSink 创建 RecordingSink
func NewRecordingSink() *RecordingSink { return &RecordingSink{} }

func (r *RecordingSink) Emit(eventType string, rc types.RequestContext, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, audit.NewEvent(eventType, rc, payload))
}

// Events 返回全部事件
func (r *RecordingSink) Events() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

// ByType 返回指定类型的事件
func (r *RecordingSink) ByType(eventType string) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
