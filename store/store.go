package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("store is closed")

// StateEntry is one versioned shared-state value. Version 0 means the key
// has never been written.
type StateEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

// StateStore holds shared state with optimistic concurrency: Put must be
// given the version the writer read, and a stale version is rejected with a
// VERSION_CONFLICT error instead of overwriting the newer value.
type StateStore interface {
	// Get returns the entry for key in namespace ns. A missing key yields a
	// zero-version entry and no error.
	Get(ctx context.Context, ns, key string) (StateEntry, error)
	// Put stores value if the current version equals expected and returns
	// the new version.
	Put(ctx context.Context, ns, key string, value []byte, expected int64) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Artifact is one named output emitted by a node during a run.
type Artifact struct {
	RunID       string    `json:"run_id"`
	TenantID    string    `json:"tenant_id"`
	NodeID      string    `json:"node_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// ArtifactStore persists node artifacts keyed by run.
type ArtifactStore interface {
	Save(ctx context.Context, a *Artifact) error
	// List returns the artifacts of runID ordered by node id then name.
	List(ctx context.Context, runID string) ([]Artifact, error)
	Ping(ctx context.Context) error
	Close() error
}

// Namespace is the shared-state namespace of a tenant/project pair.
func Namespace(tenantID, projectID string) string {
	if projectID == "" {
		return tenantID
	}
	return tenantID + "/" + projectID
}
