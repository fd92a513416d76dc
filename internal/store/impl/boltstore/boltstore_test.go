package boltstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *BoltPrefs {
	t.Helper()
	p, err := Open(&BoltConfig{Path: filepath.Join(t.TempDir(), "prefs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestGetMissing(t *testing.T) {
	p := openTemp(t)
	v, ok, err := p.Get("absent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestPutOverwrite(t *testing.T) {
	p := openTemp(t)
	require.NoError(t, p.Put("k", "one"))
	require.NoError(t, p.Put("k", "two"))
	v, ok, err := p.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "two", v)
}

func TestReopenKeepsValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")
	p, err := Open(&BoltConfig{Path: path, Bucket: "custom"})
	require.NoError(t, err)
	require.NoError(t, p.Put("flutter.location_history_cache", `[]`))
	require.NoError(t, p.Close())

	p, err = Open(&BoltConfig{Path: path, Bucket: "custom"})
	require.NoError(t, err)
	defer p.Close()
	v, ok, err := p.Get("flutter.location_history_cache")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[]`, v)
}
