package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-engine/work/config"
	"hls-engine/work/types"
)

func TestManagerBoundsSessions(t *testing.T) {
	cfg := config.Default()
	cfg.MaxSessions = 2
	cfg.WorkerThreads = 2

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)
	defer m.Shutdown()

	a, err := m.Create(nopPlayer{})
	require.NoError(t, err)
	b, err := m.Create(nopPlayer{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	_, err = m.Create(nopPlayer{})
	assert.ErrorIs(t, err, types.ErrState)
	assert.Equal(t, 2, m.Len())

	got, ok := m.Get(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)

	require.NoError(t, m.Close(a.ID()))
	assert.Equal(t, StateInvalid, a.State())
	assert.ErrorIs(t, m.Close(a.ID()), types.ErrInvalidParameter)

	_, err = m.Create(nopPlayer{})
	require.NoError(t, err)

	seen := 0
	m.Range(func(string, *Session) bool {
		seen++
		return true
	})
	assert.Equal(t, 2, seen)

	m.CloseAll()
	assert.Zero(t, m.Len())
	assert.Equal(t, StateInvalid, b.State())
}

func TestManagerRejectsNilPlayer(t *testing.T) {
	m, err := NewManager(nil, nil)
	require.NoError(t, err)
	defer m.Shutdown()

	_, err = m.Create(nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
	assert.Zero(t, m.Len())
}
