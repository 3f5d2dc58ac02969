package abr

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-engine/work/types"
)

var tiers = []int{200000, 500000, 1200000}

const unbounded = math.MaxInt32

func TestAddThroughputToAverage(t *testing.T) {
	assert.InDelta(t, 1500, AddThroughputToAverage(2000, 1000), 1e-9)
	assert.InDelta(t, 1000, AddThroughputToAverage(1000, 1000), 1e-9)
}

func TestBitrateIndexForBandwidth(t *testing.T) {
	assert.Equal(t, 1, BitrateIndexForBandwidth(600000, 0, unbounded, tiers))
	assert.Equal(t, 2, BitrateIndexForBandwidth(5e6, 0, unbounded, tiers))
	// nothing fits the bandwidth
	assert.Equal(t, 0, BitrateIndexForBandwidth(1000, 0, unbounded, tiers))
	// nothing in range
	assert.Equal(t, 0, BitrateIndexForBandwidth(5e6, 3000000, 4000000, tiers))
	// ceiling respected
	assert.Equal(t, 1, BitrateIndexForBandwidth(5e6, 0, 600000, tiers))
}

func TestIndexAboveMin(t *testing.T) {
	assert.Equal(t, 0, IndexAboveMin(0, unbounded, tiers))
	assert.Equal(t, 1, IndexAboveMin(300000, unbounded, tiers))
	assert.Equal(t, 2, IndexAboveMin(600000, unbounded, tiers))
	assert.Equal(t, 0, IndexAboveMin(2000000, unbounded, tiers))
}

func TestFirstCallUsesLowestSafeTier(t *testing.T) {
	idx, err := NewBitrateIndex(0, 0, 30, tiers, 1200000, 0, unbounded, &Timing{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestHighBufferStepsUpOneTier(t *testing.T) {
	now := time.Now()
	timing := &Timing{LastIncrease: now.Add(-15 * time.Second), PlaybackStart: now.Add(-time.Minute)}

	idx, err := NewBitrateIndex(2000000, 2000000, 25, tiers, 200000, 0, unbounded, timing, now)
	require.NoError(t, err)
	assert.Equal(t, 1, idx, "one tier at a time")
	assert.Equal(t, now, timing.LastIncrease)

	// the next call within the increase interval holds
	idx, err = NewBitrateIndex(2000000, 2000000, 25, tiers, 500000, 0, unbounded, timing, now.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestHighBufferRampUpWindowBypassesInterval(t *testing.T) {
	now := time.Now()
	timing := &Timing{LastIncrease: now.Add(-time.Second), PlaybackStart: now.Add(-5 * time.Second)}

	idx, err := NewBitrateIndex(2000000, 2000000, 25, tiers, 200000, 0, unbounded, timing, now)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestHighBufferHoldsWhenAverageDoesNotSupportIncrease(t *testing.T) {
	now := time.Now()
	timing := &Timing{PlaybackStart: now.Add(-time.Minute)}

	idx, err := NewBitrateIndex(5e6, 300000, 25, tiers, 200000, 0, unbounded, timing, now)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestMiddleBufferStepsDownAndUp(t *testing.T) {
	now := time.Now()
	timing := &Timing{PlaybackStart: now.Add(-time.Minute)}

	idx, err := NewBitrateIndex(100000, 5e6, 10, tiers, 1200000, 0, unbounded, timing, now)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	idx, err = NewBitrateIndex(5e6, 100000, 10, tiers, 200000, 0, unbounded, timing, now)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	// stepping down below the floor holds
	idx, err = NewBitrateIndex(100000, 100000, 10, tiers, 500000, 500000, unbounded, timing, now)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestPanicAlwaysReturnsIndexAboveMin(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		min := r.Intn(3) * 300000
		buffer := r.Float64() * LowBufferLevel * 0.999
		idx, err := NewBitrateIndex(r.Float64()*1e7, r.Float64()*1e7, buffer, tiers,
			tiers[r.Intn(3)], min, unbounded, &Timing{}, time.Now())
		require.NoError(t, err)
		assert.Equal(t, IndexAboveMin(min, unbounded, tiers), idx)
	}
}

func TestFloorAndCeilingProperty(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	bitrates := []int{150000, 300000, 600000, 1000000, 2500000, 5000000}
	now := time.Now()

	for i := 0; i < 2000; i++ {
		min := bitrates[r.Intn(len(bitrates))] - r.Intn(2)*50000
		max := min + r.Intn(4000000)
		timing := &Timing{
			LastIncrease:  now.Add(-time.Duration(r.Intn(40)) * time.Second),
			PlaybackStart: now.Add(-time.Duration(r.Intn(60)) * time.Second),
		}
		idx, err := NewBitrateIndex(r.Float64()*8e6, r.Float64()*8e6, r.Float64()*40,
			bitrates, bitrates[r.Intn(len(bitrates))], min, max, timing, now)
		require.NoError(t, err)
		require.GreaterOrEqual(t, idx, 0)

		if highestInRange(min, max, bitrates) >= 0 {
			assert.LessOrEqual(t, bitrates[idx], max)
			assert.GreaterOrEqual(t, bitrates[idx], min)
		}
	}
}

func TestInvalidBounds(t *testing.T) {
	idx, err := NewBitrateIndex(1, 1, 10, tiers, 200000, 500, 100, &Timing{}, time.Now())
	assert.Equal(t, -1, idx)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	idx, err = NewBitrateIndex(1, 1, 10, tiers, 200000, -1, 100, &Timing{}, time.Now())
	assert.Equal(t, -1, idx)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
