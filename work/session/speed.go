package session

import (
	"context"
	"fmt"
	"math"

	"hls-engine/work/metrics"
	"hls-engine/work/player"
	"hls-engine/work/playlist"
	"hls-engine/work/types"
)

// isTrick reports whether speed needs the I-frame pipeline.
func isTrick(speed float64) bool {
	return speed < 0 || speed > 1
}

// SetSpeed changes the playback speed. Speeds in (0,1) play at 1. Entering
// or leaving trick play switches between normal and I-frame renditions.
func (s *Session) SetSpeed(speed float64) error {
	s.setMu.Lock()
	defer s.setMu.Unlock()
	if s.closed.Load() {
		return fmt.Errorf("session closed: %w", types.ErrState)
	}
	return s.setSpeed(s.ctx, speed)
}

func (s *Session) setSpeed(ctx context.Context, speed float64) error {
	if math.IsNaN(speed) || math.IsInf(speed, 0) {
		return fmt.Errorf("speed %v: %w", speed, types.ErrInvalidParameter)
	}
	if speed > 0 && speed < 1 {
		speed = 1
	}

	st := s.State()
	if st != StatePrepared && st != StatePlaying {
		return fmt.Errorf("set speed in state %s: %w", st, types.ErrState)
	}

	old := s.Speed()
	if speed == old {
		return nil
	}

	switch {
	case old == 0 && speed == 1:
		s.setSpeedValue(speed)
		if st == StatePlaying {
			s.playerSet(player.OptTrickMode, player.TrickNormal)
			return nil
		}

	case old == 1 && speed == 0:
		s.setSpeedValue(speed)
		s.playerSet(player.OptTrickMode, player.TrickPause)
		if st == StatePlaying {
			return nil
		}

	case isTrick(old) && isTrick(speed):
		s.setSpeedValue(speed)
		if st == StatePlaying {
			return nil
		}

	default:
		if err := s.checkTrick(speed); err != nil {
			return err
		}
		buffered, err := s.stop()
		if err != nil {
			return err
		}

		s.playlistMu.Lock()
		s.flushPlaylistLocked(buffered)
		err = s.switchPipelineLocked(ctx, isTrick(speed))
		s.playlistMu.Unlock()
		if err != nil {
			return err
		}
		s.setSpeedValue(speed)
	}

	s.log.Info("{session/speed - setSpeed} %.2f -> %.2f", old, speed)
	if s.State() != StatePlaying {
		return s.play()
	}
	return nil
}

// checkTrick validates a move into trick play without side effects.
func (s *Session) checkTrick(speed float64) error {
	if !isTrick(speed) {
		return nil
	}
	eps := s.cfg.SegmentBoundaryEpsilon
	buffered := s.buffered()

	s.playlistMu.RLock()
	defer s.playlistMu.RUnlock()

	if s.program == nil || !s.program.HasIFrames() {
		return fmt.Errorf("speed %.2f without I-frame playlist: %w", speed, types.ErrUnsupported)
	}
	md := s.current.Media
	if md.Complete {
		// judged at the playback point, not the download cursor
		at := math.Min(md.PositionFromEnd+buffered, md.Duration)
		if speed > 1 && md.AtEnd(at, eps) {
			return fmt.Errorf("fast forward at end: %w", types.ErrUnsupported)
		}
		if speed < 0 && md.AtStart(at, eps) {
			return fmt.Errorf("rewind at start: %w", types.ErrUnsupported)
		}
	}
	return nil
}

// flushPlaylist moves the cursors back by the content the player dropped.
func (s *Session) flushPlaylist(buffered float64) {
	s.playlistMu.Lock()
	s.flushPlaylistLocked(buffered)
	s.playlistMu.Unlock()
}

func (s *Session) flushPlaylistLocked(buffered float64) {
	if s.current == nil || s.current.Media == nil {
		return
	}
	s.current.Media.Flush(buffered)
	for _, g := range s.groups {
		if g.Media != nil {
			g.Media.Flush(buffered)
		}
	}
}

// switchPipelineLocked swaps between the normal and I-frame rendition
// nearest the measured throughput.
func (s *Session) switchPipelineLocked(ctx context.Context, iframes bool) error {
	if s.program == nil {
		if iframes {
			return fmt.Errorf("no program: %w", types.ErrUnsupported)
		}
		return nil
	}
	if s.current.Media.IFramesOnly == iframes {
		return nil
	}

	_, avg := s.rates()
	streams, bitrates := s.program.Streams, s.program.Bitrates
	if iframes {
		streams, bitrates = s.program.IFrameStreams, s.program.IFrameBitrates
	}
	idx := playlist.NearestBitrate(bitrates, avg)
	if idx < 0 {
		return fmt.Errorf("no renditions to switch to: %w", types.ErrUnsupported)
	}
	next := streams[idx]

	if err := s.matchPlaylistPosition(ctx, s.current, next); err != nil {
		return err
	}
	kind := "normal"
	if iframes {
		kind = "I-frame"
	}
	s.log.Info("{session/speed - switchPipelineLocked} %s rendition at %d bps", kind, next.Bitrate())
	s.current = next
	metrics.CurrentBitrate.WithLabelValues(s.id).Set(float64(next.Bitrate()))
	return nil
}

// changeBitrate switches the current rendition to the sibling with exactly
// bitrate. The caller holds playlistMu for writing; the SwitchedBitrate
// event is returned for emission after the lock is released.
func (s *Session) changeBitrate(ctx context.Context, bitrate int) (*player.EventData, error) {
	if s.program == nil || s.current == nil {
		return nil, fmt.Errorf("change bitrate without program: %w", types.ErrState)
	}
	iframes := s.current.Media != nil && s.current.Media.IFramesOnly
	next := s.program.StreamForBitrate(bitrate, iframes)
	if next == nil {
		return nil, fmt.Errorf("no rendition at %d bps: %w", bitrate, types.ErrInvalidParameter)
	}
	if next == s.current {
		return nil, nil
	}

	if err := s.matchPlaylistPosition(ctx, s.current, next); err != nil {
		return nil, err
	}

	prev := s.current.Bitrate()
	s.current = next

	direction := "up"
	if bitrate < prev {
		direction = "down"
	}
	metrics.BitrateSwitches.WithLabelValues(s.id, direction).Inc()
	metrics.CurrentBitrate.WithLabelValues(s.id).Set(float64(bitrate))
	s.log.Info("{session/speed - changeBitrate} %d -> %d bps", prev, bitrate)

	return &player.EventData{Event: player.EventSwitchedBitrate, Bitrate: bitrate}, nil
}

// matchPlaylistPosition aligns next onto old by external seconds from
// the end. Live playlists, and a never parsed next, are reloaded first.
// The caller holds playlistMu for writing.
func (s *Session) matchPlaylistPosition(ctx context.Context, old, next *playlist.Playlist) error {
	if old.Media == nil {
		return fmt.Errorf("match from non-media playlist: %w", types.ErrInvalidParameter)
	}
	if !next.Parsed || !next.Media.Complete {
		if err := s.switchParser.Parse(ctx, next, nil); err != nil {
			return err
		}
	}
	if !old.Media.Complete {
		if err := s.switchParser.Parse(ctx, old, nil); err != nil {
			return err
		}
	}
	if next.Media == nil {
		return fmt.Errorf("switch target is not a media playlist: %w", types.ErrParse)
	}

	visibleFromEnd := old.Media.PositionFromEnd - old.Media.EndOffset
	next.Media.PositionFromEnd = visibleFromEnd + next.Media.EndOffset
	next.Media.Normalize()
	next.Media.InvalidateCursor()
	return nil
}

// alignGroupsLocked places every active group at the main rendition's
// position.
func (s *Session) alignGroupsLocked() {
	md := s.current.Media
	for _, g := range s.groups {
		if g.Media == nil {
			continue
		}
		g.Media.PositionFromEnd = md.PositionFromEnd - md.EndOffset + g.Media.EndOffset
		g.Media.Normalize()
		g.Media.InvalidateCursor()
	}
}
