package logger

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rotated(t *testing.T, filename string) []string {
	t.Helper()
	matches, err := filepath.Glob(filename + ".*")
	require.NoError(t, err)
	return matches
}

func TestRotatingWriter_RotatesAtLimit(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "logs", "concierge.log")
	w, err := NewRotatingWriter(filename, RotationConfig{MaxSizeMB: 1})
	require.NoError(t, err)
	w.maxSize = 10

	_, err = w.Write([]byte("12345678\n"))
	require.NoError(t, err)
	assert.Empty(t, rotated(t, filename))

	_, err = w.Write([]byte("abcdefgh\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	files := rotated(t, filename)
	require.Len(t, files, 1)

	old, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "12345678\n", string(old))

	current, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh\n", string(current))
}

func TestRotatingWriter_OversizedWriteStaysWhole(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "concierge.log")
	w, err := NewRotatingWriter(filename, RotationConfig{MaxSizeMB: 1})
	require.NoError(t, err)
	w.maxSize = 4

	_, err = w.Write([]byte("a long line\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Empty(t, rotated(t, filename))
	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Equal(t, "a long line\n", string(data))
}

func TestRotatingWriter_Compress(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "concierge.log")
	w, err := NewRotatingWriter(filename, RotationConfig{MaxSizeMB: 1, Compress: true})
	require.NoError(t, err)
	w.maxSize = 6

	_, _ = w.Write([]byte("first\n"))
	_, _ = w.Write([]byte("second\n"))
	require.NoError(t, w.Close())

	files := rotated(t, filename)
	require.Len(t, files, 1)
	require.True(t, strings.HasSuffix(files[0], ".gz"), files[0])

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(data))
}

func TestRotatingWriter_PrunesOldFiles(t *testing.T) {
	dir := t.TempDir()
	filename := filepath.Join(dir, "concierge.log")

	stale := filename + ".20200101-000000.000"
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))
	past := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(stale, past, past))

	fresh := filename + ".20990101-000000.000"
	require.NoError(t, os.WriteFile(fresh, []byte("new"), 0644))

	w, err := NewRotatingWriter(filename, RotationConfig{MaxSizeMB: 1, MaxAgeDays: 1})
	require.NoError(t, err)
	defer w.Close()

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
}

func TestRotatingWriter_WriteAfterClose(t *testing.T) {
	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "c.log"), RotationConfig{MaxSizeMB: 1})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestNew_WithRotation(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "concierge.log")
	l, err := New(Config{
		Level:    "info",
		File:     filename,
		Rotation: RotationConfig{MaxSizeMB: 5},
	})
	require.NoError(t, err)

	_, ok := l.file.(*RotatingWriter)
	assert.True(t, ok)

	l.Info().Msg("rotating")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rotating")
}
