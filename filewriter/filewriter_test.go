package filewriter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndStop(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "status")
	w := New(4, nil)

	assert.True(t, w.Submit(Job{Dir: dir, Name: "dump.prom", Contents: []byte("hello")}))
	w.Stop()

	data, err := os.ReadFile(filepath.Join(dir, "dump.prom"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestDirectoryHoldsOnlyTheLatestDump(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.prom"), []byte("old"), 0o644))

	w := New(4, nil)
	w.Submit(Job{Dir: dir, Name: "fresh.prom", Contents: []byte("new")})
	w.Stop()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh.prom", entries[0].Name())
}

func TestSubmitAfterStopIsRejected(t *testing.T) {
	w := New(4, nil)
	w.Stop()

	assert.False(t, w.Submit(Job{Dir: t.TempDir(), Name: "x", Contents: nil}))
}

func TestStopDrainsQueuedJobs(t *testing.T) {
	w := New(8, nil)
	dirs := make([]string, 3)
	for i := range dirs {
		dirs[i] = t.TempDir()
		require.True(t, w.Submit(Job{Dir: dirs[i], Name: "d.prom", Contents: []byte{byte(i)}}))
	}
	w.Stop()

	for i, dir := range dirs {
		data, err := os.ReadFile(filepath.Join(dir, "d.prom"))
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, data)
	}
}
