package playlist

import (
	"math"
	"sort"
)

// Program groups the renditions of one PROGRAM-ID. Bitrates mirrors Streams
// and is kept ascending; the same holds for the I-frame pair.
type Program struct {
	ID             int
	Streams        []*Playlist
	Bitrates       []int
	IFrameStreams  []*Playlist
	IFrameBitrates []int
}

// InsertStream places pl into the bitrate-sorted stream list. Equal bitrates
// keep insertion order.
func (p *Program) InsertStream(pl *Playlist, iframe bool) {
	streams, bitrates := &p.Streams, &p.Bitrates
	if iframe {
		streams, bitrates = &p.IFrameStreams, &p.IFrameBitrates
	}
	rate := pl.Bitrate()
	i := sort.Search(len(*bitrates), func(i int) bool { return (*bitrates)[i] > rate })

	*streams = append(*streams, nil)
	copy((*streams)[i+1:], (*streams)[i:])
	(*streams)[i] = pl

	*bitrates = append(*bitrates, 0)
	copy((*bitrates)[i+1:], (*bitrates)[i:])
	(*bitrates)[i] = rate
}

// StreamForBitrate returns the first stream whose bitrate equals bitrate exactly.
func (p *Program) StreamForBitrate(bitrate int, iframe bool) *Playlist {
	streams := p.Streams
	if iframe {
		streams = p.IFrameStreams
	}
	for _, s := range streams {
		if s.Bitrate() == bitrate {
			return s
		}
	}
	return nil
}

// HasIFrames reports whether any I-frame rendition exists.
func (p *Program) HasIFrames() bool {
	return p != nil && len(p.IFrameStreams) > 0
}

// NearestBitrate returns the index of the bitrate closest to target, ties
// resolved towards the lower tier. Returns -1 for an empty list.
func NearestBitrate(bitrates []int, target float64) int {
	best, bestDiff := -1, math.Inf(1)
	for i, b := range bitrates {
		if d := math.Abs(float64(b) - target); d < bestDiff {
			best, bestDiff = i, d
		}
	}
	return best
}
