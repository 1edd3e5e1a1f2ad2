package ledger

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/cardflow/types"
)

func rc(t *testing.T) types.RequestContext {
	t.Helper()
	return types.MustRequestContext(types.RequestContextOptions{TenantID: "acme", RunID: "run_ledger"})
}

func TestCheckRegression_NeverPassedIsNotARegression(t *testing.T) {
	l := New(nil)
	w, err := l.CheckRegression(rc(t), "b1", types.StatusFail, false)
	assert.NoError(t, err)
	assert.Nil(t, w)
}

func TestCheckRegression_AfterPass(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	require.NoError(t, l.RecordPass(rc(t), "b1"))

	_, err := l.CheckRegression(rc(t), "b1", types.StatusPass, false)
	assert.NoError(t, err)

	_, err = l.CheckRegression(rc(t), "b1", types.StatusSkip, false)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrRegression))
	e, _ := types.AsError(err)
	assert.Equal(t, "b1", e.Ref)

	w, err := l.CheckRegression(rc(t), "b1", types.StatusFail, true)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, types.StatusFail, w.Status)
	assert.Equal(t, "run_ledger", w.RunID)
	assert.Contains(t, w.Message, "regression overridden")

	entry, ok := l.Get("b1")
	require.True(t, ok)
	assert.True(t, entry.EverPassed, "a failure never clears ever_passed")
	assert.Len(t, entry.Warnings, 1)
}

func TestRecordPass_PersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ledger.json")
	l, err := Open(path, nil)
	require.NoError(t, err)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	require.NoError(t, l.RecordPass(rc(t), "openai"))
	_, err = l.CheckRegression(rc(t), "openai", types.StatusSkip, true)
	require.NoError(t, err)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	entry, ok := reopened.Get("openai")
	require.True(t, ok)
	assert.True(t, entry.EverPassed)
	assert.True(t, fixed.Equal(entry.LastPassAt))
	assert.Equal(t, "run_ledger", entry.LastRunID)
	assert.Len(t, entry.Warnings, 1)
}

func TestOpen_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := Open(path, nil)
	assert.Error(t, err)
}

func TestWarnings_AreBounded(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.RecordPass(rc(t), "b"))
	for i := 0; i < maxWarnings+10; i++ {
		_, err := l.CheckRegression(rc(t), "b", types.StatusFail, true)
		require.NoError(t, err)
	}
	e, _ := l.Get("b")
	assert.Len(t, e.Warnings, maxWarnings)
}

func TestLedger_ConcurrentWriters(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger.json"), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			backend := []string{"a", "b", "c", "d"}[i%4]
			assert.NoError(t, l.RecordPass(rc(t), backend))
			_, _ = l.CheckRegression(rc(t), backend, types.StatusFail, true)
		}(i)
	}
	wg.Wait()

	entries := l.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, "a", entries[0].Backend)
	for _, e := range entries {
		assert.True(t, e.EverPassed)
		assert.Len(t, e.Warnings, 4)
	}
}
