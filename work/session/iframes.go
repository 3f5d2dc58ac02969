package session

import (
	"fmt"
	"time"

	"hls-engine/work/playlist"
	"hls-engine/work/types"
)

// iframeLoop is the downloader for trick speeds. Each frame is pushed in
// its own buffer run and held on screen for its playlist duration, so the
// content advances at |speed| times real time.
func (s *Session) iframeLoop(w *worker) error {
	if w.killed() {
		return nil
	}
	s.setState(StatePlaying)
	eps := s.cfg.SegmentBoundaryEpsilon

	for {
		if w.killed() {
			return nil
		}
		if s.State() == StateInvalid {
			return fmt.Errorf("downloader: %w", types.ErrState)
		}

		start := time.Now()
		speed := s.Speed()

		s.playlistMu.Lock()
		var seg *playlist.Segment
		exhausted := true
		if isTrick(speed) {
			seg, exhausted = s.current.Media.NextIFrame(speed, eps)
		}
		var job segmentJob
		if seg != nil {
			job = s.jobLocked(s.current, seg, s.mainTx, 0, "iframe")
			job.streamCount = 1
		}
		s.playlistMu.Unlock()

		if exhausted || seg == nil {
			dir := Forward
			if speed < 0 {
				dir = Reverse
			}
			s.log.Debug("{session/iframes - iframeLoop} window boundary at speed %.2f", speed)
			s.signalController(SignalDownloadComplete, dir)
			return nil
		}

		if stop, err := s.pushOrSkip(w, job); stop {
			return err
		}

		deadline := start.Add(seconds(job.seg.Duration))
		for time.Now().Before(deadline) {
			if err := w.sleepUntil(deadline); err != nil {
				return nil
			}
		}
	}
}
