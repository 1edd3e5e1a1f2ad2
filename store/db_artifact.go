package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// artifactRecord is the insert-only row behind DBArtifactStore.
type artifactRecord struct {
	ID          uint      `gorm:"primaryKey"`
	RunID       string    `gorm:"size:128;index"`
	TenantID    string    `gorm:"size:64;index"`
	NodeID      string    `gorm:"size:255"`
	Name        string    `gorm:"size:255"`
	ContentType string    `gorm:"size:128"`
	Content     string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"index"`
}

func (artifactRecord) TableName() string { return "cardflow_artifacts" }

// DBArtifactStore is the infra artifact store backed by gorm. The *gorm.DB
// is owned by the caller (usually a database.PoolManager).
type DBArtifactStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ ArtifactStore = (*DBArtifactStore)(nil)

// NewDBArtifactStore migrates the artifact table and returns the store.
func NewDBArtifactStore(db *gorm.DB, logger *zap.Logger) (*DBArtifactStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&artifactRecord{}); err != nil {
		return nil, fmt.Errorf("migrate artifact table: %w", err)
	}
	return &DBArtifactStore{db: db, logger: logger.With(zap.String("component", "db_artifact_store"))}, nil
}

// Save inserts a.
func (s *DBArtifactStore) Save(ctx context.Context, a *Artifact) error {
	if a == nil {
		return fmt.Errorf("nil artifact")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	rec := artifactRecord{
		RunID:       a.RunID,
		TenantID:    a.TenantID,
		NodeID:      a.NodeID,
		Name:        a.Name,
		ContentType: a.ContentType,
		Content:     a.Content,
		CreatedAt:   a.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert artifact %s/%s: %w", a.NodeID, a.Name, err)
	}
	return nil
}

// List returns the artifacts of runID. When a name was saved more than once
// the latest row wins.
func (s *DBArtifactStore) List(ctx context.Context, runID string) ([]Artifact, error) {
	var rows []artifactRecord
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list artifacts for %s: %w", runID, err)
	}
	latest := make(map[string]Artifact, len(rows))
	for _, r := range rows {
		latest[r.NodeID+"\x00"+r.Name] = Artifact{
			RunID:       r.RunID,
			TenantID:    r.TenantID,
			NodeID:      r.NodeID,
			Name:        r.Name,
			ContentType: r.ContentType,
			Content:     r.Content,
			CreatedAt:   r.CreatedAt,
		}
	}
	out := make([]Artifact, 0, len(latest))
	for _, a := range latest {
		out = append(out, a)
	}
	sortArtifacts(out)
	return out, nil
}

// Ping checks the underlying connection.
func (s *DBArtifactStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close is a no-op; the connection pool belongs to the caller.
func (s *DBArtifactStore) Close() error { return nil }
