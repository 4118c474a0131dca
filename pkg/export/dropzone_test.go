package export

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSDropzoneWriteFileAtomic(t *testing.T) {
	ctx := context.Background()
	dz := FSDropzone{}
	dir := filepath.Join(t.TempDir(), "out", "nested")
	target := filepath.Join(dir, "sales_order_a.json")

	require.NoError(t, dz.WriteFile(ctx, target, []byte(`{"ok":true}`)))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no .tmp sibling may survive the rename")

	// Overwriting an existing file stays atomic.
	require.NoError(t, dz.WriteFile(ctx, target, []byte(`{"ok":false}`)))
	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":false}`, string(data))
}

func TestFSDropzoneList(t *testing.T) {
	ctx := context.Background()
	dz := FSDropzone{}
	dir := t.TempDir()

	names, err := dz.List(ctx, filepath.Join(dir, "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, names, "a missing directory is an empty listing")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "processed"), 0o755))

	names, err = dz.List(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "b.json"}, names, "sorted, directories excluded")
}

func TestFSDropzoneMoveCreatesDestinationDir(t *testing.T) {
	ctx := context.Background()
	dz := FSDropzone{}
	dir := t.TempDir()
	src := filepath.Join(dir, "ack_x.json")
	require.NoError(t, os.WriteFile(src, []byte("ack"), 0o644))

	dst := filepath.Join(dir, "processed", "ack_x.json")
	require.NoError(t, dz.Move(ctx, src, dst))

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "ack", string(data))
}

func TestFSDropzoneReadAndRemove(t *testing.T) {
	ctx := context.Background()
	dz := FSDropzone{}
	file := filepath.Join(t.TempDir(), "ack_y.json")
	require.NoError(t, os.WriteFile(file, []byte("body"), 0o644))

	data, err := dz.ReadFile(ctx, file)
	require.NoError(t, err)
	assert.Equal(t, "body", string(data))

	require.NoError(t, dz.Remove(ctx, file))
	_, err = dz.ReadFile(ctx, file)
	assert.Error(t, err)
}
