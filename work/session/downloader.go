package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hls-engine/work/abr"
	"hls-engine/work/client"
	"hls-engine/work/player"
	"hls-engine/work/playlist"
	"hls-engine/work/types"
	"hls-engine/work/utils"
)

// segmentJob is a detached segment plus everything needed to fetch it.
type segmentJob struct {
	seg         *playlist.Segment
	url         string
	tx          *client.Transport
	streamIndex int
	streamCount int
	kind        string
}

func (s *Session) jobLocked(pl *playlist.Playlist, seg *playlist.Segment, tx *client.Transport, index int, kind string) segmentJob {
	return segmentJob{
		seg:         seg.Clone(),
		url:         utils.ResolveURL(pl.BaseURL, seg.URL),
		tx:          tx,
		streamIndex: index,
		streamCount: 1 + len(s.groups),
		kind:        kind,
	}
}

// segmentLoop is the downloader for speeds in [0,1].
func (s *Session) segmentLoop(w *worker) error {
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

		s.playlistMu.Lock()
		md := s.current.Media
		seg := md.NextSegment(eps)
		complete := md.Complete
		var job segmentJob
		if seg != nil {
			job = s.jobLocked(s.current, seg, s.mainTx, 0, "segment")
		}
		s.playlistMu.Unlock()

		if seg == nil {
			if complete {
				s.log.Debug("{session/downloader - segmentLoop} end of playlist")
				s.signalController(SignalDownloadComplete, Forward)
				return nil
			}
			if err := w.sleepUntil(time.Now().Add(s.cfg.LiveTailPollInterval)); err != nil {
				return nil
			}
			continue
		}

		if stop, err := s.pushOrSkip(w, job); stop {
			return err
		}
		if stop, err := s.pushGroups(w); stop {
			return err
		}

		s.addBuffered(job.seg.Duration)
		s.adapt(w.ctx)
	}
}

// pushOrSkip downloads and pushes one job. Segment level failures are
// reported and skipped; stop is true when the loop must exit.
func (s *Session) pushOrSkip(w *worker, job segmentJob) (stop bool, err error) {
	err = s.downloadAndPush(w.ctx, job)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, types.ErrCancelled):
		return true, nil
	case errors.Is(err, types.ErrFile), errors.Is(err, types.ErrParse), errors.Is(err, types.ErrUnsupported):
		s.report(fmt.Errorf("%s %d skipped: %w", job.kind, job.seg.SeqNum, err), false)
		return false, nil
	default:
		s.workerFailed("downloader", err)
		return true, err
	}
}

// pushGroups brings every active alternate group up to the main
// rendition's position.
func (s *Session) pushGroups(w *worker) (bool, error) {
	eps := s.cfg.SegmentBoundaryEpsilon

	s.playlistMu.Lock()
	var jobs []segmentJob
	main := s.current.Media
	target := main.PositionFromEnd - main.EndOffset
	for i, g := range s.groups {
		md := g.Media
		if md == nil || i >= maxGroups {
			continue
		}
		for md.PositionFromEnd-md.EndOffset > target+eps {
			seg := md.NextSegment(eps)
			if seg == nil {
				break
			}
			jobs = append(jobs, s.jobLocked(g, seg, s.groupTx[i], i+1, "alternate"))
		}
	}
	s.playlistMu.Unlock()

	for _, job := range jobs {
		if stop, err := s.pushOrSkip(w, job); stop {
			return true, err
		}
	}
	return false, nil
}

// adapt runs one ABR step and switches rendition when it proposes a new
// tier.
func (s *Session) adapt(ctx context.Context) {
	s.playlistMu.Lock()
	ev, err := s.adaptLocked(ctx)
	s.playlistMu.Unlock()

	if ev != nil {
		s.emit(*ev)
	}
	if err != nil {
		s.report(fmt.Errorf("bitrate adaptation: %w", err), false)
	}
}

func (s *Session) adaptLocked(ctx context.Context) (*player.EventData, error) {
	if s.root == nil || !s.root.IsVariant() || s.program == nil {
		return nil, nil
	}
	if s.current.Media == nil || s.current.Media.IFramesOnly {
		return nil, nil
	}

	last, avg := s.rates()
	saved := s.timing
	idx, err := abr.NewBitrateIndex(last, avg, s.buffered(), s.program.Bitrates,
		s.current.Bitrate(), s.bitrateMin, s.bitrateMax, &s.timing, time.Now())
	if err != nil {
		return nil, err
	}
	target := s.program.Bitrates[idx]
	if target == s.current.Bitrate() {
		return nil, nil
	}

	ev, err := s.changeBitrate(ctx, target)
	if err != nil {
		s.timing = saved
		if errors.Is(err, types.ErrDownload) || errors.Is(err, types.ErrCancelled) {
			s.log.Debug("{session/downloader - adaptLocked} switch to %d bps deferred: %v", target, err)
			return nil, nil
		}
		return nil, err
	}
	return ev, nil
}
