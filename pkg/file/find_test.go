package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestListFiles_SortedRelativeSkipsHidden(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.jpg"))
	writeFile(t, filepath.Join(root, "2020", "a.jpg"))
	writeFile(t, filepath.Join(root, ".hidden.jpg"))
	writeFile(t, filepath.Join(root, ".cache", "c.jpg"))

	got, err := ListFiles(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"2020/a.jpg", "b.jpg"}, got)
}

func TestListFiles_MissingRootIsNotFound(t *testing.T) {
	_, err := ListFiles(filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListSubDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "2021"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "2019"), 0o755))
	writeFile(t, filepath.Join(root, "media.lst"))

	got, err := ListSubDirs(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"2019", "2021"}, got)
}

func TestFindRecentAfter(t *testing.T) {
	root := t.TempDir()
	oldFile := filepath.Join(root, "old.jpg")
	newFile := filepath.Join(root, "new.jpg")
	writeFile(t, oldFile)
	writeFile(t, newFile)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(oldFile, past, past))

	got, err := FindRecentAfter(root, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{newFile}, got)
}

func TestEnsureDir_CreatesParents(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	require.NoError(t, EnsureDir(dir))
	require.NoError(t, EnsureDir(dir))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestReplaceExt(t *testing.T) {
	assert.Equal(t, filepath.Join("cache", "300", "clip.jpg"), ReplaceExt(filepath.Join("cache", "300", "clip.mov"), ".jpg"))
	assert.Equal(t, filepath.Join("a", "noext.jpg"), ReplaceExt(filepath.Join("a", "noext"), "jpg"))
	assert.Equal(t, "", ReplaceExt("", ".jpg"))
}

func TestIsHidden(t *testing.T) {
	assert.True(t, IsHidden(".DS_Store"))
	assert.False(t, IsHidden("IMG_1.jpg"))
	assert.Equal(t, filepath.Join("a", ".env.jpg"), ReplaceExt(filepath.Join("a", ".env"), ".jpg"))
}
