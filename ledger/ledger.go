package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/types"
)

// maxWarnings bounds the warnings kept per backend entry.
const maxWarnings = 50

// Warning is a regression that was let through by an explicit override.
type Warning struct {
	At       time.Time    `json:"at"`
	Backend  string       `json:"backend"`
	Status   types.Status `json:"status"`
	RunID    string       `json:"run_id,omitempty"`
	TenantID string       `json:"tenant_id,omitempty"`
	TraceID  string       `json:"trace_id,omitempty"`
	Message  string       `json:"message"`
}

// Entry is the connectivity record of one backend.
type Entry struct {
	Backend    string    `json:"backend"`
	EverPassed bool      `json:"ever_passed"`
	LastPassAt time.Time `json:"last_pass_at,omitempty"`
	LastRunID  string    `json:"last_run_id,omitempty"`
	Warnings   []Warning `json:"warnings,omitempty"`
}

func (e *Entry) clone() Entry {
	out := *e
	out.Warnings = append([]Warning(nil), e.Warnings...)
	return out
}

type fileFormat struct {
	Version int               `json:"version"`
	Entries map[string]*Entry `json:"entries"`
}

// Ledger tracks, per backend id, whether the backend has ever passed. Writes
// are serialized and persisted with write-temp-then-rename when a path is set.
type Ledger struct {
	mu      sync.RWMutex
	path    string
	entries map[string]*Entry
	now     func() time.Time
	logger  *zap.Logger
}

// New returns an in-memory ledger.
func New(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		entries: make(map[string]*Entry),
		now:     time.Now,
		logger:  logger.With(zap.String("component", "ledger")),
	}
}

// Open loads the ledger stored at path. A missing file yields an empty
// ledger that is created on the first write.
func Open(path string, logger *zap.Logger) (*Ledger, error) {
	l := New(logger)
	l.path = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", path, err)
	}
	for id, e := range f.Entries {
		if e == nil {
			continue
		}
		e.Backend = id
		l.entries[id] = e
	}
	l.logger.Debug("ledger loaded", zap.String("path", path), zap.Int("backends", len(l.entries)))
	return l, nil
}

// Path returns the backing file, or "" for an in-memory ledger.
func (l *Ledger) Path() string { return l.path }

// RecordPass marks backend as having passed verification in the run
// described by rc. ever_passed is never cleared afterwards.
func (l *Ledger) RecordPass(rc types.RequestContext, backend string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(backend)
	e.EverPassed = true
	e.LastPassAt = l.now().UTC()
	e.LastRunID = rc.RunID()
	return l.persist()
}

// CheckRegression reports whether status is a regression for backend: a
// non-PASS status after the backend passed at least once. Without override a
// regression is returned as a REGRESSION error; with override it is recorded
// as a warning on the entry and returned to the caller.
func (l *Ledger) CheckRegression(rc types.RequestContext, backend string, status types.Status, override bool) (*Warning, error) {
	if status == types.StatusPass {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[backend]
	if !ok || !e.EverPassed {
		return nil, nil
	}
	if !override {
		l.logger.Warn("connectivity regression",
			zap.String("backend", backend),
			zap.String("status", string(status)),
			zap.String("run_id", rc.RunID()))
		return nil, types.NewRegressionError(backend, string(status))
	}

	w := Warning{
		At:       l.now().UTC(),
		Backend:  backend,
		Status:   status,
		RunID:    rc.RunID(),
		TenantID: rc.TenantID(),
		TraceID:  rc.TraceID(),
		Message: fmt.Sprintf("regression overridden: backend %s passed at %s and now reports %s",
			backend, e.LastPassAt.Format(time.RFC3339), status),
	}
	e.Warnings = append(e.Warnings, w)
	if len(e.Warnings) > maxWarnings {
		e.Warnings = e.Warnings[len(e.Warnings)-maxWarnings:]
	}
	l.logger.Warn("connectivity regression overridden",
		zap.String("backend", backend),
		zap.String("status", string(status)),
		zap.String("run_id", rc.RunID()))
	if err := l.persist(); err != nil {
		return &w, err
	}
	return &w, nil
}

// Get returns a copy of the entry for backend.
func (l *Ledger) Get(backend string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[backend]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Entries returns copies of every entry sorted by backend id.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}

func (l *Ledger) entry(backend string) *Entry {
	e, ok := l.entries[backend]
	if !ok {
		e = &Entry{Backend: backend}
		l.entries[backend] = e
	}
	return e
}

// persist writes the ledger atomically. Callers hold l.mu.
func (l *Ledger) persist() error {
	if l.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(fileFormat{Version: 1, Entries: l.entries}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	// 原子写: 写入临时文件后重命名
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}
