package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPoolSlots(t *testing.T) {
	bp := NewBufferPool(32, 2)

	a := bp.TryGet()
	b := bp.TryGet()
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.GreaterOrEqual(t, cap(a.B), 32)
	assert.Zero(t, len(a.B))
	assert.Nil(t, bp.TryGet(), "no slot left")
	assert.Equal(t, 2, bp.InUse())

	bp.Put(a)
	assert.Equal(t, 1, bp.InUse())
	c := bp.TryGet()
	require.NotNil(t, c)
	assert.Zero(t, len(c.B))
}
