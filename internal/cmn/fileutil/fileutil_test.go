package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "file.txt")
	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0644))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestYAMLRoundTrip(t *testing.T) {
	t.Parallel()

	type record struct {
		Name  string   `yaml:"name"`
		Items []string `yaml:"items,omitempty"`
	}

	path := filepath.Join(t.TempDir(), "record.yaml")
	require.NoError(t, WriteYAML(path, record{Name: "x", Items: []string{"a", "b"}}))

	var loaded record
	require.NoError(t, ReadYAML(path, &loaded))
	assert.Equal(t, "x", loaded.Name)
	assert.Equal(t, []string{"a", "b"}, loaded.Items)

	err := ReadYAML(filepath.Join(t.TempDir(), "missing.yaml"), &loaded)
	assert.True(t, os.IsNotExist(err))
}

func TestCopyDir(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "a", "b"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a", "b", "f.txt"), []byte("data"), 0600))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, CopyDir(src, dst))

	info, err := os.Stat(filepath.Join(dst, "a", "b", "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestResolvePath(t *testing.T) {
	t.Parallel()

	abs, err := ResolvePath("relative/path")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(abs))

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	resolved, err := ResolvePath("~/x")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x"), resolved)
}
