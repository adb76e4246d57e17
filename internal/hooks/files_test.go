package hooks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProjectFile(t *testing.T, root, rel string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))
	real, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	return real
}

func TestResolveProjectFile(t *testing.T) {
	project := t.TempDir()
	real := writeProjectFile(t, project, "out/report.txt")

	got, ok := resolveProjectFile("out/report.txt", project)
	require.True(t, ok)
	assert.Equal(t, real, got)

	// Absolute candidates inside the project also resolve.
	got, ok = resolveProjectFile(filepath.Join(project, "out/report.txt"), project)
	require.True(t, ok)
	assert.Equal(t, real, got)
}

func TestResolveProjectFileRejectsOutsiders(t *testing.T) {
	project := t.TempDir()
	outside := t.TempDir()
	writeProjectFile(t, outside, "secret.txt")

	_, ok := resolveProjectFile(filepath.Join(outside, "secret.txt"), project)
	assert.False(t, ok)

	_, ok = resolveProjectFile("../secret.txt", project)
	assert.False(t, ok)

	// A symlink inside the project pointing outside must not pass.
	link := filepath.Join(project, "sneaky.txt")
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), link))
	_, ok = resolveProjectFile("sneaky.txt", project)
	assert.False(t, ok)
}

func TestResolveProjectFileRejectsDirsAndMissing(t *testing.T) {
	project := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(project, "sub"), 0o755))

	_, ok := resolveProjectFile("sub", project)
	assert.False(t, ok)
	_, ok = resolveProjectFile("sub/missing.txt", project)
	assert.False(t, ok)
	_, ok = resolveProjectFile("", project)
	assert.False(t, ok)
}

func TestExtractProjectFiles(t *testing.T) {
	project := t.TempDir()
	real := writeProjectFile(t, project, "out/report.txt")

	text := "Summary of the run.\nWrote `out/report.txt` for you.\nout/report.txt\nDone."
	files, rest := ExtractProjectFiles(text, project)
	require.Equal(t, []string{real}, files)
	assert.NotContains(t, rest, "out/report.txt")
	assert.Contains(t, rest, "Summary of the run.")
	assert.Contains(t, rest, "Done.")
	// The line that held only the path is dropped entirely.
	assert.NotContains(t, rest, "\n\n")
}

func TestExtractProjectFilesNoMatchesLeavesTextAlone(t *testing.T) {
	project := t.TempDir()
	text := "No paths here, just prose with some/missing/file.txt mentioned."
	files, rest := ExtractProjectFiles(text, project)
	assert.Nil(t, files)
	assert.Equal(t, text, rest)
}
