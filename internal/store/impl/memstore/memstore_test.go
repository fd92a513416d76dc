package memstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefs(t *testing.T) {
	p := NewPrefs()
	_, ok, err := p.Get("flutter.location_history_cache")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.Put("flutter.location_history_cache", "[]"))
	v, ok, err := p.Get("flutter.location_history_cache")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "[]", v)
}
