package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFileScoped(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tasks.md")
	require.NoError(t, os.WriteFile(p, []byte("- [ ] T001 setup"), 0o600))

	b, err := ReadFileScoped(p)
	require.NoError(t, err)
	assert.Equal(t, "- [ ] T001 setup", string(b))

	for _, bad := range []string{"", ".", string(filepath.Separator)} {
		_, err := ReadFileScoped(bad)
		assert.Error(t, err, "path %q", bad)
	}
}

func TestWriteJSONAndReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "exec.json")
	type record struct {
		ID    string `json:"id"`
		Batch int    `json:"batch"`
	}

	var missing record
	found, err := ReadJSON(path, &missing)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, WriteJSON(path, record{ID: "exec-1", Batch: 2}))

	var got record
	found, err = ReadJSON(path, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, record{ID: "exec-1", Batch: 2}, got)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	found, err = ReadJSON(path, &got)
	assert.True(t, found)
	assert.Error(t, err)
}

func TestCreateExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "proj.lock")

	created, err := CreateExclusive(path, []byte("first"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = CreateExclusive(path, []byte("second"))
	require.NoError(t, err)
	assert.False(t, created)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(b))
}

func TestRemoveIfExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marker")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	require.NoError(t, RemoveIfExists(path))
	require.NoError(t, RemoveIfExists(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
