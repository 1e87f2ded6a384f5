package pvc

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixinfer-ai/kthena/internal/backend"
)

func requireRsync(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("rsync"); err != nil {
		t.Skip("rsync not available")
	}
}

func TestNewResolvesMountPath(t *testing.T) {
	requireRsync(t)

	tests := []struct {
		name   string
		source string
		want   string
	}{
		{name: "host and path", source: "pvc://data/models", want: "/data/models"},
		{name: "absolute path", source: "pvc:///data/models", want: "/data/models"},
		{name: "trailing slash", source: "pvc://data/models/", want: "/data/models"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.source)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.SourcePath())
		})
	}
}

func TestNewRejectsEmptyPath(t *testing.T) {
	_, err := New("pvc://")

	var resErr *backend.ResolutionError
	require.ErrorAs(t, err, &resErr)
}

func TestFetchCopiesDirectoryTree(t *testing.T) {
	requireRsync(t)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "weights"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "config.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "weights", "shard-1.bin"), []byte("abc"), 0o644))

	c := &Copier{source: "pvc://" + src, sourcePath: src, rsyncPath: mustRsync(t)}

	dest := t.TempDir()
	require.NoError(t, c.Fetch(context.Background(), dest))

	assert.FileExists(t, filepath.Join(dest, "config.json"))

	got, err := os.ReadFile(filepath.Join(dest, "weights", "shard-1.bin"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestFetchIsIncremental(t *testing.T) {
	requireRsync(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.bin"), []byte("one"), 0o644))

	c := &Copier{source: "pvc://" + src, sourcePath: src, rsyncPath: mustRsync(t)}
	dest := t.TempDir()

	require.NoError(t, c.Fetch(context.Background(), dest))

	// A second run after adding a file picks up only what changed.
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.bin"), []byte("two"), 0o644))
	require.NoError(t, c.Fetch(context.Background(), dest))

	assert.FileExists(t, filepath.Join(dest, "a.bin"))
	assert.FileExists(t, filepath.Join(dest, "b.bin"))
}

func TestFetchFailsOnMissingSource(t *testing.T) {
	requireRsync(t)

	c := &Copier{source: "pvc:///no/such/path", sourcePath: "/no/such/path", rsyncPath: mustRsync(t)}

	err := c.Fetch(context.Background(), t.TempDir())

	var transferErr *backend.TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, "stat_source", transferErr.Op)
}

func TestFetchFailsOnFileSource(t *testing.T) {
	requireRsync(t)

	src := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	c := &Copier{source: "pvc://" + src, sourcePath: src, rsyncPath: mustRsync(t)}

	err := c.Fetch(context.Background(), t.TempDir())

	var transferErr *backend.TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Contains(t, err.Error(), "not a directory")
}

func mustRsync(t *testing.T) string {
	t.Helper()

	path, err := exec.LookPath("rsync")
	require.NoError(t, err)

	return path
}
