package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 📝 日志写入
// =============================================================================

// LogWriter writes events as structured log lines.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogWriter{logger: logger.With(zap.String("component", "audit_log"))}
}

func (w *LogWriter) Write(_ context.Context, events []Event) error {
	for _, ev := range events {
		w.logger.Info("audit",
			zap.String("event", ev.Type),
			zap.String("run_id", ev.RunID),
			zap.String("tenant_id", ev.TenantID),
			zap.String("trace_id", ev.TraceID),
			zap.Time("at", ev.At),
			zap.Any("payload", ev.Payload),
		)
	}
	return nil
}

func (w *LogWriter) Close() error {
	_ = w.logger.Sync()
	return nil
}

// =============================================================================
// 📁 文件写入（JSONL，每个 run 一个文件，只追加）
// =============================================================================

// FileWriter appends events to <dir>/<run_id>.jsonl.
type FileWriter struct {
	dir string
	mu  sync.Mutex
}

// NewFileWriter creates dir if needed.
func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileWriter{dir: dir}, nil
}

// Path returns the file holding runID's events.
func (w *FileWriter) Path(runID string) string {
	return filepath.Join(w.dir, runFileName(runID))
}

func runFileName(runID string) string {
	if runID == "" {
		runID = "_unscoped"
	}
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return r.Replace(runID) + ".jsonl"
}

func (w *FileWriter) Write(_ context.Context, events []Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	byRun := make(map[string][]Event)
	var order []string
	for _, ev := range events {
		if _, ok := byRun[ev.RunID]; !ok {
			order = append(order, ev.RunID)
		}
		byRun[ev.RunID] = append(byRun[ev.RunID], ev)
	}
	for _, runID := range order {
		if err := w.appendRun(runID, byRun[runID]); err != nil {
			return err
		}
	}
	return nil
}

func (w *FileWriter) appendRun(runID string, events []Event) error {
	f, err := os.OpenFile(w.Path(runID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode audit event: %w", err)
		}
	}
	return bw.Flush()
}

func (w *FileWriter) Close() error { return nil }

// ReadRun decodes every event recorded for runID, in write order.
func ReadRun(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("decode audit line: %w", err)
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}

// =============================================================================
// 🗄️ 数据库写入（只插入）
// =============================================================================

// Record is the audit_records row.
type Record struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Type      string    `gorm:"size:64;index"`
	RunID     string    `gorm:"size:128;index"`
	TenantID  string    `gorm:"size:64;index"`
	TraceID   string    `gorm:"size:128"`
	Payload   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

func (Record) TableName() string { return "audit_records" }

// DBWriter inserts events into audit_records. Rows are never updated.
type DBWriter struct {
	db *gorm.DB
}

// NewDBWriter migrates the table.
func NewDBWriter(db *gorm.DB) (*DBWriter, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate audit_records: %w", err)
	}
	return &DBWriter{db: db}, nil
}

func (w *DBWriter) Write(ctx context.Context, events []Event) error {
	rows := make([]Record, 0, len(events))
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode audit payload: %w", err)
		}
		rows = append(rows, Record{
			ID:        ev.ID,
			Type:      ev.Type,
			RunID:     ev.RunID,
			TenantID:  ev.TenantID,
			TraceID:   ev.TraceID,
			Payload:   string(payload),
			CreatedAt: ev.At,
		})
	}
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
}

// Close is a no-op; the pool belongs to its PoolManager.
func (w *DBWriter) Close() error { return nil }
