package kvstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("trial_start", []byte("2026-01-01T00:00:00Z")))
	v, ok, err := s.Get("trial_start")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-01-01T00:00:00Z", string(v))

	// returned slices are copies
	v[0] = 'X'
	v2, _, _ := s.Get("trial_start")
	assert.Equal(t, byte('2'), v2[0])

	require.NoError(t, s.Remove("trial_start"))
	require.NoError(t, s.Remove("trial_start"))
	_, ok, err = s.Get("trial_start")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Close())
	_, _, err = s.Get("x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set("x", nil), ErrClosed)
	assert.ErrorIs(t, s.Remove("x"), ErrClosed)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	f, err := OpenFile(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, f)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	f, err := OpenFile(dir)
	require.NoError(t, err)
	require.NoError(t, f.Set("server_record", []byte(`{"is_pro":true}`)))
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(filepath.Join(dir, DataFileName))
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "is_pro"), "data file must be encrypted")

	info, err := os.Stat(filepath.Join(dir, DataFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := OpenFile(dir)
	require.NoError(t, err)
	v, ok, err := reopened.Get("server_record")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"is_pro":true}`, string(v))
}

func TestFileStoreRejectsForeignKey(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenFile(dir)
	require.NoError(t, err)
	require.NoError(t, f.Set("k", []byte("v")))

	require.NoError(t, os.WriteFile(filepath.Join(dir, KeyFileName), []byte("different-material"), 0o600))
	_, err = OpenFile(dir)
	assert.Error(t, err)
}

func TestFileStoreRefusesSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(t.TempDir(), "elsewhere")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o600))
	require.NoError(t, os.Symlink(target, filepath.Join(dir, DataFileName)))

	_, err := OpenFile(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnsafePath)
}

func TestOpenFileEmptyDir(t *testing.T) {
	_, err := OpenFile("  ")
	assert.Error(t, err)
}
