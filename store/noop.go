package store

import "context"

// DiscardStateStore backs the disabled shared-state strategy: reads always
// see an empty key and writes are accepted and dropped.
type DiscardStateStore struct{}

var _ StateStore = DiscardStateStore{}

func (DiscardStateStore) Get(_ context.Context, _, key string) (StateEntry, error) {
	return StateEntry{Key: key}, nil
}

func (DiscardStateStore) Put(context.Context, string, string, []byte, int64) (int64, error) {
	return 0, nil
}

func (DiscardStateStore) Ping(context.Context) error { return nil }
func (DiscardStateStore) Close() error               { return nil }

// DiscardArtifactStore backs the disabled artifact strategy.
type DiscardArtifactStore struct{}

var _ ArtifactStore = DiscardArtifactStore{}

func (DiscardArtifactStore) Save(context.Context, *Artifact) error { return nil }

func (DiscardArtifactStore) List(context.Context, string) ([]Artifact, error) { return nil, nil }

func (DiscardArtifactStore) Ping(context.Context) error { return nil }
func (DiscardArtifactStore) Close() error               { return nil }
