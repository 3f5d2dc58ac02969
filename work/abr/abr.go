// Package abr implements the throughput based bitrate adaptation policy.
//
// Every function is pure apart from the Timing value threaded through
// NewBitrateIndex, which records when the last increase happened and when
// playback started.
package abr

import (
	"fmt"
	"time"

	"hls-engine/work/logger"
	"hls-engine/work/types"
)

const (
	// LowBufferLevel is the buffer (seconds) below which the policy panics
	// straight to the lowest safe tier.
	LowBufferLevel = 5.0

	// NormalBufferLevel is the buffer (seconds) above which the policy is
	// allowed to climb using the smoothed throughput.
	NormalBufferLevel = 20.0

	// SafetyFactor discounts measured throughput before matching tiers.
	SafetyFactor = 0.8

	// AverageWeight is the EWMA weight given to the previous average.
	AverageWeight = 0.5

	// IncreaseInterval is the minimum time between two increases outside
	// the ramp-up window.
	IncreaseInterval = 15 * time.Second

	// RampUpWindow is how long after playback start increases are ungated.
	RampUpWindow = 20 * time.Second
)

// Timing is the hysteresis state of one session.
type Timing struct {
	LastIncrease  time.Time
	PlaybackStart time.Time
}

// AddThroughputToAverage folds a new sample into the moving average.
func AddThroughputToAverage(last, avg float64) float64 {
	return (1-AverageWeight)*last + AverageWeight*avg
}

// BitrateIndexForBandwidth returns the index of the highest bitrate that
// fits within bandwidth and within [min,max]. When none qualifies index 0 is
// returned.
func BitrateIndexForBandwidth(bandwidth float64, min, max int, bitrates []int) int {
	best := -1
	inRange := false
	for i, b := range bitrates {
		if b < min || b > max {
			continue
		}
		inRange = true
		if float64(b) <= bandwidth {
			best = i
		}
	}
	if best >= 0 {
		return best
	}
	if inRange {
		logger.Debug("{abr/abr - BitrateIndexForBandwidth} every in-range bitrate exceeds %.0f bps, using index 0", bandwidth)
	} else {
		logger.Debug("{abr/abr - BitrateIndexForBandwidth} no bitrate within [%d, %d], using index 0", min, max)
	}
	return 0
}

// IndexAboveMin returns the lowest tier that clears the floor while staying
// under the ceiling, or 0 when no tier is in range.
func IndexAboveMin(min, max int, bitrates []int) int {
	for i, b := range bitrates {
		if b >= min && b <= max {
			return i
		}
	}
	return 0
}

// highestInRange returns the highest tier within [min,max], or -1.
func highestInRange(min, max int, bitrates []int) int {
	for i := len(bitrates) - 1; i >= 0; i-- {
		if bitrates[i] >= min && bitrates[i] <= max {
			return i
		}
	}
	return -1
}

// currentIndex locates current in bitrates: the highest tier not above it.
func currentIndex(current int, bitrates []int) int {
	idx := 0
	for i, b := range bitrates {
		if b <= current {
			idx = i
		}
	}
	return idx
}

// NewBitrateIndex proposes the tier to download next.
//
// The decision is keyed on bufferSeconds:
//   - below LowBufferLevel, or on the first call (lastThroughput == 0), the
//     lowest safe tier (IndexAboveMin) is returned;
//   - between the levels the proposal moves at most one tier towards the tier
//     the last sample supports;
//   - at or above NormalBufferLevel an increase needs both the average and
//     the last sample to support a higher tier, moves one tier at a time and
//     is gated by IncreaseInterval unless inside RampUpWindow.
//
// The result always lies in [min,max] when some tier does. Invalid bounds
// yield -1 and ErrInvalidParameter.
func NewBitrateIndex(lastThroughput, avgThroughput, bufferSeconds float64, bitrates []int,
	currentBitrate, min, max int, timing *Timing, now time.Time) (int, error) {

	if min < 0 || max < 0 || min > max {
		return -1, fmt.Errorf("bitrate bounds [%d, %d]: %w", min, max, types.ErrInvalidParameter)
	}
	if len(bitrates) == 0 {
		return -1, fmt.Errorf("no bitrates: %w", types.ErrInvalidParameter)
	}
	if timing == nil {
		timing = &Timing{}
	}

	if lastThroughput == 0 || bufferSeconds < LowBufferLevel {
		return IndexAboveMin(min, max, bitrates), nil
	}

	cur := currentIndex(currentBitrate, bitrates)
	result := cur

	if bufferSeconds >= NormalBufferLevel {
		candidate := BitrateIndexForBandwidth(SafetyFactor*avgThroughput, min, max, bitrates)
		if candidate > cur {
			candidate = BitrateIndexForBandwidth(SafetyFactor*lastThroughput, min, max, bitrates)
			gate := now.Sub(timing.LastIncrease) >= IncreaseInterval ||
				now.Sub(timing.PlaybackStart) < RampUpWindow
			if candidate > cur && gate {
				next := cur + 1
				switch {
				case bitrates[next] > max:
				case bitrates[next] < min:
					result = candidate
				default:
					result = next
				}
			}
		}
	} else {
		candidate := BitrateIndexForBandwidth(SafetyFactor*lastThroughput, min, max, bitrates)
		switch {
		case candidate < cur:
			if bitrates[cur-1] >= min {
				result = cur - 1
			}
		case candidate > cur:
			next := cur + 1
			switch {
			case bitrates[next] > max:
			case bitrates[next] < min:
				result = candidate
			default:
				result = next
			}
		}
	}

	result = clampIndex(result, min, max, bitrates)
	if result > cur {
		timing.LastIncrease = now
	}
	return result, nil
}

// clampIndex moves idx into [min,max] when some tier lies there.
func clampIndex(idx, min, max int, bitrates []int) int {
	hi := highestInRange(min, max, bitrates)
	if hi < 0 {
		return idx
	}
	if bitrates[idx] > max {
		return hi
	}
	if bitrates[idx] < min {
		return IndexAboveMin(min, max, bitrates)
	}
	return idx
}
