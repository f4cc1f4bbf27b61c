package sdkfiles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, dir, project, sdkSessionID string) string {
	t.Helper()
	projectDir := filepath.Join(dir, project)
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	path := filepath.Join(projectDir, sdkSessionID+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"system"}`+"\n"), 0o644))
	return path
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	writeTranscript(t, dir, "proj-a", "sdk-1")
	writeTranscript(t, dir, "proj-b", "sdk-2")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "proj-a", "notes.txt"), []byte("x"), 0o644))

	files, err := Scan(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)

	ids := []string{files[0].SessionID, files[1].SessionID}
	assert.ElementsMatch(t, []string{"sdk-1", "sdk-2"}, ids)
	for _, f := range files {
		assert.Positive(t, f.Size)
		assert.NotEmpty(t, f.ModTime)
	}
}

func TestScan_MissingDir(t *testing.T) {
	files, err := Scan(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestCleanup_RemovesOrphansOnly(t *testing.T) {
	dir := t.TempDir()
	live := writeTranscript(t, dir, "proj-a", "sdk-live")
	orphan := writeTranscript(t, dir, "proj-b", "sdk-gone")

	removed, err := Cleanup(dir, map[string]bool{"sdk-live": true})
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, removed)

	_, err = os.Stat(live)
	assert.NoError(t, err)
	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Dir(orphan))
	assert.True(t, os.IsNotExist(err), "empty project dir pruned")
}
