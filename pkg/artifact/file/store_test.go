package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/coursepipe/pkg/artifact"
)

func TestNew_RequiresBaseDir(t *testing.T) {
	_, err := New(Config{BaseDir: "  "})
	require.Error(t, err)
}

func TestStore_PutHead(t *testing.T) {
	base := t.TempDir()
	s, err := New(Config{BaseDir: base})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "outline/job-1/ml.json", strings.NewReader("hello"), 5, "application/json"))

	data, err := os.ReadFile(filepath.Join(base, "outline", "job-1", "ml.json"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	meta, err := s.Head(ctx, "/outline/job-1/ml.json")
	require.NoError(t, err)
	assert.Equal(t, "outline/job-1/ml.json", meta.Key)
	assert.Equal(t, int64(5), meta.Size)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Join(base, "outline", "job-1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_PutOverwrites(t *testing.T) {
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a.txt", strings.NewReader("first"), 5, ""))
	require.NoError(t, s.Put(ctx, "a.txt", strings.NewReader("2nd"), 3, ""))

	meta, err := s.Head(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.Size)
}

func TestStore_PutSizeMismatch(t *testing.T) {
	base := t.TempDir()
	s, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	err = s.Put(context.Background(), "a.txt", strings.NewReader("abc"), 10, "")
	assert.ErrorIs(t, err, artifact.ErrSizeMismatch)

	_, err = os.Stat(filepath.Join(base, "a.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_HeadMissing(t *testing.T) {
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.Head(context.Background(), "nope.json")
	assert.True(t, artifact.IsNotFound(err))
}

func TestStore_RejectsTraversal(t *testing.T) {
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	// Cleaning against "/" pins traversal to the base dir.
	full, err := s.fullPath("../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(full, s.baseDir))

	_, err = s.fullPath("")
	assert.Error(t, err)
}

func TestStore_URL(t *testing.T) {
	base := t.TempDir()
	s, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	u := s.URL("outline/a.json")
	assert.True(t, strings.HasPrefix(u, "file://"))
	assert.True(t, strings.HasSuffix(u, "/outline/a.json"))
}
