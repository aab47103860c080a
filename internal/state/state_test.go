package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "auto_maintain_state.json"), nil)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	st, err := newStore(t).Load()
	require.NoError(t, err)
	assert.Empty(t, st.Patches)
	assert.NotNil(t, st.Patches)
	assert.Zero(t, st.Restarts)
}

func TestLoadCorruptFileIsEmpty(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o600))
	st, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, st.Patches)
	assert.Zero(t, st.Restarts)
}

func TestAppendPatchEvictsOldest(t *testing.T) {
	s := newStore(t)
	for i := 0; i < MaxPatches; i++ {
		require.NoError(t, s.AppendPatch(PatchRecord{File: fmt.Sprintf("f%d.py", i), Status: StatusApplied}))
	}
	require.NoError(t, s.AppendPatch(PatchRecord{File: "f50.py", Status: StatusApplied}))

	st, err := s.Load()
	require.NoError(t, err)
	require.Len(t, st.Patches, MaxPatches)
	assert.Equal(t, "f1.py", st.Patches[0].File)
	assert.Equal(t, "f50.py", st.Patches[MaxPatches-1].File)
}

func TestRestartsPersistAcrossStores(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 3; i++ {
		_, err := s.IncrementRestarts()
		require.NoError(t, err)
	}
	n, err := New(s.Path(), nil).Restarts()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFileFormat(t *testing.T) {
	s := newStore(t)
	rec := NewRecord("app.py", "--- app.py\n+++ app.py\n")
	rec.Status = StatusApplied
	require.NoError(t, s.AppendPatch(rec))

	b, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Contains(t, raw, "patches")
	assert.Contains(t, raw, "restarts")
	assert.Contains(t, string(b), "\n  \"patches\"")

	patches := raw["patches"].([]any)
	first := patches[0].(map[string]any)
	assert.Equal(t, "app.py", first["file"])
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`, first["time"])
	assert.NotEmpty(t, first["id"])
}

func TestLoadsDocumentWithoutAdditiveFields(t *testing.T) {
	s := newStore(t)
	doc := `{"patches": [{"file": "app.py", "time": "2024-01-02 03:04:05", "patch": "x"}], "restarts": 4}`
	require.NoError(t, os.WriteFile(s.Path(), []byte(doc), 0o600))
	st, err := s.Load()
	require.NoError(t, err)
	require.Len(t, st.Patches, 1)
	assert.Equal(t, "app.py", st.Patches[0].File)
	assert.Equal(t, 4, st.Restarts)
}

func TestConcurrentUpdatesAreSerialised(t *testing.T) {
	s := newStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.IncrementRestarts()
		}()
	}
	wg.Wait()
	n, err := s.Restarts()
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestHealthScore(t *testing.T) {
	tail := []string{"ok", "Traceback (most recent call last):"}
	assert.Equal(t, 40, HealthScore(tail, "Traceback", 3, 6))
	assert.Equal(t, 100, HealthScore([]string{"ok"}, "Traceback", 0, 0))
	assert.Equal(t, 70, HealthScore(tail, "Traceback", 2, 5))
	assert.Equal(t, 100, HealthScore(nil, "", 0, 0))
}
