package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileArtifactStore is the local artifact store. Each artifact is a JSON
// document at <dir>/<run_id>/<node_id>/<name>.json, written with
// write-temp-then-rename.
type FileArtifactStore struct {
	dir    string
	mu     sync.RWMutex
	closed bool
}

var _ ArtifactStore = (*FileArtifactStore)(nil)

// NewFileArtifactStore creates the directory if needed.
func NewFileArtifactStore(dir string) (*FileArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &FileArtifactStore{dir: dir}, nil
}

// Dir returns the root directory.
func (s *FileArtifactStore) Dir() string { return s.dir }

func safeSegment(kind, v string) (string, error) {
	if v == "" || v == "." || v == ".." || strings.ContainsAny(v, `/\`) {
		return "", fmt.Errorf("invalid artifact %s %q", kind, v)
	}
	return v, nil
}

// Save writes a.
func (s *FileArtifactStore) Save(_ context.Context, a *Artifact) error {
	if a == nil {
		return fmt.Errorf("nil artifact")
	}
	run, err := safeSegment("run id", a.RunID)
	if err != nil {
		return err
	}
	node, err := safeSegment("node id", a.NodeID)
	if err != nil {
		return err
	}
	name, err := safeSegment("name", a.Name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Join(s.dir, run, node)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// 原子写: 写入临时文件后重命名
	path := filepath.Join(dir, name+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// List reads every artifact of runID.
func (s *FileArtifactStore) List(_ context.Context, runID string) ([]Artifact, error) {
	run, err := safeSegment("run id", runID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	paths, err := filepath.Glob(filepath.Join(s.dir, run, "*", "*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]Artifact, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var a Artifact
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decode artifact %s: %w", p, err)
		}
		out = append(out, a)
	}
	sortArtifacts(out)
	return out, nil
}

func sortArtifacts(a []Artifact) {
	sort.Slice(a, func(i, j int) bool {
		if a[i].NodeID != a[j].NodeID {
			return a[i].NodeID < a[j].NodeID
		}
		return a[i].Name < a[j].Name
	})
}

// Ping verifies the directory is still accessible.
func (s *FileArtifactStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.dir)
	return err
}

// Close marks the store closed.
func (s *FileArtifactStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
