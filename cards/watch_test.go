package cards

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []WatchEvent
}

func (r *eventRecorder) record(ev WatchEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) changed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Changed...)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func startWatcher(t *testing.T, roots ...string) *eventRecorder {
	t.Helper()
	rec := &eventRecorder{}
	w := NewWatcher(roots, nil, WithPollInterval(20*time.Millisecond), WithDebounce(10*time.Millisecond))
	w.OnChange(rec.record)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return rec
}

func TestWatcher_ReportsCreateModifyRemove(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "persona.yaml")
	require.NoError(t, os.WriteFile(existing, []byte("card_type: persona\n"), 0o644))

	rec := startWatcher(t, root)

	created := filepath.Join(root, "nested", "task.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(created), 0o755))
	tmp := filepath.Join(root, "nested", "task.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("card_type: task\n"), 0o644))
	require.NoError(t, os.Rename(tmp, created))
	waitFor(t, func() bool { return assert.ObjectsAreEqual([]string{created}, rec.changed()) })

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(existing, later, later))
	waitFor(t, func() bool { return len(rec.changed()) == 2 })
	assert.Equal(t, existing, rec.changed()[1])

	require.NoError(t, os.Remove(created))
	waitFor(t, func() bool { return len(rec.changed()) == 3 })
	assert.Equal(t, created, rec.changed()[2])
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	root := t.TempDir()
	rec := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("notes"), 0o644))
	tomb := filepath.Join(root, "persona", "persona.x"+tombstoneExt)
	require.NoError(t, os.MkdirAll(filepath.Dir(tomb), 0o755))
	require.NoError(t, os.WriteFile(tomb, nil, 0o644))

	waitFor(t, func() bool { return len(rec.changed()) > 0 })
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{tomb}, rec.changed())
}

func TestWatcher_MissingRootAndDoubleStart(t *testing.T) {
	w := NewWatcher([]string{filepath.Join(t.TempDir(), "absent"), ""}, nil, WithPollInterval(10*time.Millisecond))
	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}
