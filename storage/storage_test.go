package storage

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vo_platform/base"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedDisk(t *testing.T) {
	s := NewSharedDisk(t.TempDir())

	n, err := s.Write("tap_jobs/j1/result.xml", strings.NewReader("<VOTABLE/>"), -1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	exists, err := s.Exists("tap_jobs/j1/result.xml")
	require.NoError(t, err)
	assert.True(t, exists)

	r, err := s.Read("tap_jobs/j1/result.xml")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "<VOTABLE/>", string(data))

	_, err = s.Write("tap_jobs/j1/upload", strings.NewReader("abc"), -1)
	require.NoError(t, err)
	used, err := s.DiskUsage("tap_jobs/j1")
	require.NoError(t, err)
	assert.Equal(t, int64(13), used)

	require.NoError(t, s.Delete("tap_jobs/j1"))
	exists, err = s.Exists("tap_jobs/j1")
	require.NoError(t, err)
	assert.False(t, exists)
	used, err = s.DiskUsage("tap_jobs/j1")
	require.NoError(t, err)
	assert.Zero(t, used)

	_, err = s.Read("tap_jobs/j1/result.xml")
	assert.Equal(t, 404, base.StatusCode(err))
}

func TestWriteLimit(t *testing.T) {
	s := NewSharedDisk(t.TempDir())

	n, err := s.Write("upload", strings.NewReader("12345"), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	_, err = s.Write("upload2", strings.NewReader("123456"), 5)
	var tooLarge *base.TooLargeError
	require.ErrorAs(t, err, &tooLarge)
	exists, err := s.Exists("upload2")
	require.NoError(t, err)
	assert.False(t, exists)

	full, err := s.FullPath("")
	require.NoError(t, err)
	entries, err := os.ReadDir(full)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

func TestPathEscape(t *testing.T) {
	root := t.TempDir()
	s := NewSharedDisk(root)
	_, err := s.Read("../etc/passwd")
	assert.ErrorIs(t, err, ErrOutsideStorage)
	_, err = s.Write("a/../../x", strings.NewReader(""), -1)
	assert.ErrorIs(t, err, ErrOutsideStorage)
	assert.ErrorIs(t, s.Delete(""), ErrOutsideStorage)

	rel, err := s.Rel(filepath.Join(root, "dl_jobs", "j2"))
	require.NoError(t, err)
	assert.Equal(t, "dl_jobs/j2", rel)
	_, err = s.Rel(filepath.Dir(root))
	assert.ErrorIs(t, err, ErrOutsideStorage)
}

func TestUsage(t *testing.T) {
	s := NewSharedDisk(t.TempDir())
	usage, err := s.Usage()
	require.NoError(t, err)
	assert.Greater(t, usage.TotalBytes, uint64(0))
}
