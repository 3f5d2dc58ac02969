package playlist

import (
	"math"
	"sort"
)

// MediaData is the media-playlist payload: the ordered segment window plus
// the live/VOD position bookkeeping.
//
// PositionFromEnd is the canonical cursor: seconds of content between the
// playback point and the tail. The sequence cursor (last downloaded segment)
// is kept alongside it and survives head eviction because it stores a
// sequence number, not a segment.
type MediaData struct {
	Segments []*Segment

	Duration        float64 // sum of segment durations
	PositionFromEnd float64
	StartOffset     float64
	EndOffset       float64

	cursor      int
	cursorValid bool

	Bitrate    int
	Resolution string
	Codecs     string
	AudioGroup string
	VideoGroup string

	TargetDuration   float64
	StartingSequence int
	Complete         bool // EXT-X-ENDLIST seen
	Cacheable        bool
	Mutability       Mutability
	IFramesOnly      bool
}

// Append adds seg at the tail. Its duration counts towards both the total
// and the remaining content after the cursor.
func (m *MediaData) Append(seg *Segment) {
	seg.parent = m
	m.Segments = append(m.Segments, seg)
	m.Duration += seg.Duration
	m.PositionFromEnd += seg.Duration
}

// Tail returns the last segment, or nil.
func (m *MediaData) Tail() *Segment {
	if len(m.Segments) == 0 {
		return nil
	}
	return m.Segments[len(m.Segments)-1]
}

// Head returns the first segment, or nil.
func (m *MediaData) Head() *Segment {
	if len(m.Segments) == 0 {
		return nil
	}
	return m.Segments[0]
}

// DropBefore evicts head segments whose sequence number is below seq and
// returns how many were removed. PositionFromEnd is left alone apart from
// being clamped into the shorter window.
func (m *MediaData) DropBefore(seq int) int {
	n := 0
	for n < len(m.Segments) && m.Segments[n].SeqNum < seq {
		m.Segments[n].parent = nil
		n++
	}
	if n == 0 {
		return 0
	}
	m.Segments = append(m.Segments[:0:0], m.Segments[n:]...)
	m.RecomputeDuration()
	m.Normalize()
	return n
}

// Reset discards every segment and the sequence cursor.
func (m *MediaData) Reset() {
	for _, s := range m.Segments {
		s.parent = nil
	}
	m.Segments = nil
	m.Duration = 0
	m.PositionFromEnd = 0
	m.cursorValid = false
}

// RecomputeDuration resums the segment durations.
func (m *MediaData) RecomputeDuration() {
	total := 0.0
	for _, s := range m.Segments {
		total += s.Duration
	}
	m.Duration = total
}

// Normalize clamps PositionFromEnd into [0, Duration].
func (m *MediaData) Normalize() {
	m.PositionFromEnd = clamp(m.PositionFromEnd, 0, m.Duration)
}

// SetOffsets applies the floating window bounds: none for a complete
// playlist, 2x/3x target duration for a live one.
func (m *MediaData) SetOffsets() {
	if m.Complete {
		m.StartOffset, m.EndOffset = 0, 0
		return
	}
	m.StartOffset = 2 * m.TargetDuration
	m.EndOffset = 3 * m.TargetDuration
}

// ExternalDuration is the seekable span of the playlist.
func (m *MediaData) ExternalDuration() float64 {
	return math.Max(0, m.Duration-m.StartOffset-m.EndOffset)
}

// ExternalPositionAt converts a from-end position into the externally
// visible position, always within [0, ExternalDuration].
func (m *MediaData) ExternalPositionAt(fromEnd float64) float64 {
	return clamp(m.Duration-fromEnd-m.StartOffset, 0, m.ExternalDuration())
}

// ExternalPosition is ExternalPositionAt of the current cursor.
func (m *MediaData) ExternalPosition() float64 {
	return m.ExternalPositionAt(m.PositionFromEnd)
}

// FromEndForExternal converts an external position back into from-end space.
func (m *MediaData) FromEndForExternal(pos float64) float64 {
	return m.Duration - (pos + m.StartOffset)
}

// SegmentXSecFromEnd finds the segment covering the point x seconds before
// the tail, together with that segment's start measured from the tail. x == 0
// resolves to the last segment and boundaries belong to the later segment.
// eps absorbs duration rounding. Returns nil when x lies before the head.
func (m *MediaData) SegmentXSecFromEnd(x, eps float64) (*Segment, float64) {
	acc := 0.0
	for i := len(m.Segments) - 1; i >= 0; i-- {
		start := acc + m.Segments[i].Duration
		if x <= start+eps {
			return m.Segments[i], start
		}
		acc = start
	}
	return nil, 0
}

// startFromEnd returns the from-end start of the segment at index i.
func (m *MediaData) startFromEnd(i int) float64 {
	acc := 0.0
	for j := len(m.Segments) - 1; j >= i; j-- {
		acc += m.Segments[j].Duration
	}
	return acc
}

// indexOf returns the slice index of seq, or -1.
func (m *MediaData) indexOf(seq int) int {
	if len(m.Segments) == 0 {
		return -1
	}
	if i := seq - m.Segments[0].SeqNum; i >= 0 && i < len(m.Segments) && m.Segments[i].SeqNum == seq {
		return i
	}
	i := sort.Search(len(m.Segments), func(i int) bool { return m.Segments[i].SeqNum >= seq })
	if i < len(m.Segments) && m.Segments[i].SeqNum == seq {
		return i
	}
	return -1
}

// BySeq returns the segment with sequence number seq, or nil.
func (m *MediaData) BySeq(seq int) *Segment {
	if i := m.indexOf(seq); i >= 0 {
		return m.Segments[i]
	}
	return nil
}

// Cursor returns the last downloaded sequence number, if any.
func (m *MediaData) Cursor() (int, bool) {
	return m.cursor, m.cursorValid
}

// InvalidateCursor forgets the sequence cursor; the next segment will be
// located from PositionFromEnd.
func (m *MediaData) InvalidateCursor() {
	m.cursorValid = false
}

func (m *MediaData) setCursor(i int) {
	m.cursor = m.Segments[i].SeqNum
	m.cursorValid = true
}

// NextSegment advances the cursor and returns the segment to download next,
// or nil when the cursor is at the tail. On return PositionFromEnd equals the
// content after the returned segment.
func (m *MediaData) NextSegment(eps float64) *Segment {
	idx := -1
	if m.cursorValid {
		idx = sort.Search(len(m.Segments), func(i int) bool { return m.Segments[i].SeqNum > m.cursor })
		if idx >= len(m.Segments) {
			m.PositionFromEnd = 0
			return nil
		}
	} else {
		if m.PositionFromEnd <= eps {
			return nil
		}
		seg, _ := m.SegmentXSecFromEnd(m.PositionFromEnd, eps)
		if seg == nil {
			if len(m.Segments) == 0 {
				return nil
			}
			// before the head: start from the oldest segment still listed
			idx = 0
		} else {
			idx = m.indexOf(seg.SeqNum)
		}
	}

	m.setCursor(idx)
	m.PositionFromEnd = m.startFromEnd(idx) - m.Segments[idx].Duration
	if m.PositionFromEnd < 0 {
		m.PositionFromEnd = 0
	}
	return m.Segments[idx]
}

// SeekTo positions the cursor so the next NextSegment returns seg, with
// PositionFromEnd set to the requested point.
func (m *MediaData) SeekTo(seg *Segment, fromEnd float64) {
	m.cursor = seg.SeqNum - 1
	m.cursorValid = true
	m.PositionFromEnd = clamp(fromEnd, 0, m.Duration)
}

// Flush moves the cursor back onto the playback point: content already
// downloaded but still buffered in the player is given back.
func (m *MediaData) Flush(buffered float64) {
	m.PositionFromEnd += buffered
	m.Normalize()
	m.cursorValid = false
}

// AtStart reports whether the from-end point fromEnd is the earliest
// reachable point.
func (m *MediaData) AtStart(fromEnd, eps float64) bool {
	return fromEnd+eps >= m.Duration-m.StartOffset
}

// AtEnd reports whether the from-end point fromEnd is the latest reachable
// point.
func (m *MediaData) AtEnd(fromEnd, eps float64) bool {
	return fromEnd <= m.EndOffset+eps
}

// NextIFrame steps an I-frame playlist by one frame in the direction of
// speed and returns the frame to download. The content step is the
// duration of the frame being left (forward) or of the frame before it
// (rewind), scaled by |speed|, clamped to the reachable window. For I-frame
// playlists PositionFromEnd is the start of the current frame. The second
// result is true when the window boundary had already been reached.
func (m *MediaData) NextIFrame(speed, eps float64) (*Segment, bool) {
	if len(m.Segments) == 0 || speed == 0 {
		return nil, true
	}

	lower, upper := m.EndOffset, m.Duration-m.StartOffset
	if upper < lower {
		upper = lower
	}

	cur := -1
	if m.cursorValid {
		cur = m.indexOf(m.cursor)
	}
	if cur < 0 {
		// first frame after a flush or seek: the one covering the position
		from := clamp(m.PositionFromEnd, 0, m.Duration)
		seg, start := m.SegmentXSecFromEnd(from, eps)
		if seg == nil {
			seg, start = m.Segments[0], m.Duration
		}
		i := m.indexOf(seg.SeqNum)
		m.setCursor(i)
		m.PositionFromEnd = start
		return seg, false
	}

	mag := math.Abs(speed)
	var next int
	if speed > 0 {
		if cur == len(m.Segments)-1 || m.PositionFromEnd <= lower+eps {
			return nil, true
		}
		target := math.Max(m.PositionFromEnd-m.Segments[cur].Duration*mag, lower)
		seg, _ := m.SegmentXSecFromEnd(target, eps)
		next = cur + 1
		if seg != nil {
			if i := m.indexOf(seg.SeqNum); i > cur {
				next = i
			}
		}
	} else {
		if cur == 0 || m.PositionFromEnd+eps >= upper {
			return nil, true
		}
		target := math.Min(m.PositionFromEnd+m.Segments[cur-1].Duration*mag, upper)
		seg, _ := m.SegmentXSecFromEnd(target, eps)
		next = cur - 1
		if seg != nil {
			if i := m.indexOf(seg.SeqNum); i < cur {
				next = i
			}
		}
	}

	m.setCursor(next)
	m.PositionFromEnd = m.startFromEnd(next)
	return m.Segments[next], false
}

// Parent returns the media payload a live segment belongs to.
func (s *Segment) Parent() *MediaData {
	return s.parent
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	return math.Min(math.Max(v, lo), hi)
}
