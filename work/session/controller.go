package session

import (
	"fmt"
	"time"

	"hls-engine/work/player"
	"hls-engine/work/types"
)

const controllerInterval = 500 * time.Millisecond

// controllerState is private to the controller goroutine.
type controllerState struct {
	waitingForCompletion bool
}

// controllerLoop wakes on a fixed cadence, or when signalled, to keep a
// paused live stream inside its window and to handle queued signals.
func (s *Session) controllerLoop(w *worker) error {
	var st controllerState
	deadline := time.Now().Add(controllerInterval)

	for {
		if err := w.sleepUntil(deadline); err != nil {
			return nil
		}
		if now := time.Now(); !now.Before(deadline) {
			deadline = deadline.Add(controllerInterval)
			if deadline.Before(now) {
				deadline = now.Add(controllerInterval)
			}
		}
		if s.State() == StateInvalid {
			return fmt.Errorf("controller: %w", types.ErrState)
		}

		s.guardRollOff()
		s.drainQueue(&st)
	}
}

// guardRollOff resumes a paused live stream whose playback point is about
// to leave the sliding window.
func (s *Session) guardRollOff() {
	if s.State() != StatePlaying || s.Speed() != 0 {
		return
	}
	buffered := s.buffered()

	s.playlistMu.RLock()
	md := s.current.Media
	rolling := md != nil && md.StartOffset != 0 && md.ExternalPositionAt(md.PositionFromEnd+buffered) <= 0
	s.playlistMu.RUnlock()
	if !rolling {
		return
	}

	s.log.Info("{session/controller - guardRollOff} paused point left the window, resuming")
	s.emit(player.EventData{Event: player.EventBOS})
	if err := s.forceSpeed(1); err != nil {
		s.report(fmt.Errorf("forced resume: %w", err), false)
		return
	}
	s.emit(player.EventData{Event: player.EventForcedResume})
}

// forceSpeed changes speed on behalf of the engine itself.
func (s *Session) forceSpeed(speed float64) error {
	s.setMu.Lock()
	defer s.setMu.Unlock()
	if s.closed.Load() {
		return fmt.Errorf("session closed: %w", types.ErrState)
	}
	return s.setSpeed(s.ctx, speed)
}

func (s *Session) drainQueue(st *controllerState) {
	for {
		m, ok := s.queue.pop()
		if !ok {
			return
		}
		s.log.Debug("{session/controller - drainQueue} %s", m.signal)

		switch m.signal {
		case SignalDownloadComplete:
			s.downloadComplete(st, m.direction)

		case SignalPlayerAudioUnderrun:
			if st.waitingForCompletion {
				st.waitingForCompletion = false
				s.playerSet(player.OptTrickMode, player.TrickPause)
				s.log.Info("{session/controller - drainQueue} playback complete")
				continue
			}
			s.emit(player.EventData{Event: player.EventBuffering})
			s.report(fmt.Errorf("player starved: %w", types.ErrDownload), false)

		case SignalStartingPlayback, SignalStoppingPlayback:
			st.waitingForCompletion = false
		}
	}
}

// downloadComplete maps the end of downloading onto playback events. In
// trick play the boundary also drops the session to speed 0.
func (s *Session) downloadComplete(st *controllerState, dir Direction) {
	speed := s.Speed()
	if !isTrick(speed) {
		st.waitingForCompletion = true
		s.emit(player.EventData{Event: player.EventEOF})
		return
	}

	s.playlistMu.RLock()
	live := s.current.IsLive()
	s.playlistMu.RUnlock()

	var ev player.Event
	switch {
	case dir == Forward && live:
		ev = player.EventEOS
	case dir == Forward:
		ev = player.EventEOF
	case live:
		ev = player.EventBOS
	default:
		ev = player.EventBOF
	}
	s.emit(player.EventData{Event: ev})

	if err := s.forceSpeed(0); err != nil {
		s.report(fmt.Errorf("leave trick play: %w", err), false)
	}
}
