package session

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"hls-engine/work/abr"
	"hls-engine/work/metrics"
	"hls-engine/work/player"
	"hls-engine/work/playlist"
	"hls-engine/work/types"
	"hls-engine/work/utils"
)

// parserLoop prepares the session and then keeps live playlists fresh. It
// never downloads segments.
func (s *Session) parserLoop(w *worker) error {
	if err := s.prepareSource(w); err != nil {
		if !errors.Is(err, types.ErrCancelled) {
			s.report(err, true)
		}
		return err
	}
	s.setState(StatePrepared)

	for {
		if s.State() == StateInvalid {
			return fmt.Errorf("parser: %w", types.ErrState)
		}
		next := s.nextReload()
		if next.IsZero() {
			next = time.Now().Add(s.cfg.LiveTailPollInterval)
		}
		if err := w.sleepUntil(next); err != nil {
			return nil
		}
		if err := s.reloadDue(w); err != nil {
			if errors.Is(err, types.ErrCancelled) {
				return nil
			}
			s.workerFailed("parser", err)
			return err
		}
	}
}

// prepareSource parses the top playlist, picks the program and the initial
// renditions and the default alternate groups.
func (s *Session) prepareSource(w *worker) error {
	s.playlistMu.RLock()
	root := s.root
	s.playlistMu.RUnlock()

	if err := s.parser.Parse(w.ctx, root, &s.playlistMu); err != nil {
		return err
	}

	var licenses []playlist.ProtHeader
	s.playlistMu.Lock()
	if root.IsVariant() {
		prog := lowestProgram(root)
		if len(prog.Streams) == 0 {
			s.playlistMu.Unlock()
			return fmt.Errorf("program %d has only I-frame streams: %w", prog.ID, types.ErrUnsupported)
		}
		s.program = prog
		s.current = prog.Streams[abr.IndexAboveMin(s.bitrateMin, s.bitrateMax, prog.Bitrates)]
		licenses = root.ProtHeaderFor(prog.ID)
	} else {
		s.program = nil
		s.current = root
		licenses = root.ProtHeaders
	}
	current := s.current
	s.playlistMu.Unlock()

	if err := s.parser.Parse(w.ctx, current, &s.playlistMu); err != nil {
		return err
	}

	audio, err := s.prepareGroups(w, root, current)
	if err != nil {
		return err
	}
	if audio {
		s.playerSet(player.OptDisableMainAudio, true)
	}

	for i := range licenses {
		lic := licenses[i]
		s.emit(player.EventData{Event: player.EventDrmLicense, License: &lic})
	}

	metrics.CurrentBitrate.WithLabelValues(s.id).Set(float64(current.Bitrate()))
	s.log.Info("{session/parser_thread - prepareSource} %s at %d bps, %d alternate groups",
		utils.LogURL(s.cfg, current.URL), current.Bitrate(), len(s.groups))
	return nil
}

func lowestProgram(root *playlist.Playlist) *playlist.Program {
	prog := root.Programs[0]
	for _, p := range root.Programs[1:] {
		if p.ID < prog.ID {
			prog = p
		}
	}
	return prog
}

// prepareGroups activates the default group for each group id the current
// rendition references. It reports whether an audio group is active.
func (s *Session) prepareGroups(w *worker, root, current *playlist.Playlist) (bool, error) {
	if !root.IsVariant() || current.Media == nil {
		return false, nil
	}

	type want struct {
		typ playlist.GroupType
		id  string
	}
	var wants []want
	if id := current.Media.AudioGroup; id != "" {
		wants = append(wants, want{playlist.GroupAudio, id})
	}
	if id := current.Media.VideoGroup; id != "" {
		wants = append(wants, want{playlist.GroupVideo, id})
	}

	audio := false
	var active []*playlist.Playlist
	for _, wt := range wants {
		g := root.DefaultGroup(wt.typ, wt.id)
		if g == nil || g.Playlist == nil || len(active) == maxGroups {
			continue
		}
		if err := s.parser.Parse(w.ctx, g.Playlist, &s.playlistMu); err != nil {
			return false, err
		}
		active = append(active, g.Playlist)
		if wt.typ == playlist.GroupAudio {
			audio = true
		}
		s.log.Debug("{session/parser_thread - prepareGroups} %s group %q: %s (%s)",
			wt.typ, wt.id, g.Name, g.Language)
	}

	s.playlistMu.Lock()
	s.groups = active
	s.alignGroupsLocked()
	s.playlistMu.Unlock()
	return audio, nil
}

// nextReload is the earliest reload time among live active playlists, or
// zero when none is live.
func (s *Session) nextReload() time.Time {
	s.playlistMu.RLock()
	defer s.playlistMu.RUnlock()

	var next time.Time
	for _, pl := range s.activeLocked() {
		if !pl.IsLive() {
			continue
		}
		if next.IsZero() || pl.NextReloadTime.Before(next) {
			next = pl.NextReloadTime
		}
	}
	return next
}

func (s *Session) activeLocked() []*playlist.Playlist {
	out := make([]*playlist.Playlist, 0, 1+len(s.groups))
	if s.current != nil {
		out = append(out, s.current)
	}
	return append(out, s.groups...)
}

// reloadDue reloads every live active playlist whose reload time passed.
// Download and parse failures are advisory; the playlist is retried after
// PlaylistRetryDelay.
func (s *Session) reloadDue(w *worker) error {
	now := time.Now()

	s.playlistMu.RLock()
	var due []*playlist.Playlist
	for _, pl := range s.activeLocked() {
		if pl.IsLive() && !pl.NextReloadTime.After(now) {
			due = append(due, pl)
		}
	}
	s.playlistMu.RUnlock()

	for _, pl := range due {
		err := s.parser.Parse(w.ctx, pl, &s.playlistMu)
		switch {
		case err == nil:
			s.playlistMu.RLock()
			changed := pl.UnchangedReloadCount == 0
			s.playlistMu.RUnlock()
			metrics.PlaylistReloads.WithLabelValues(s.id, strconv.FormatBool(changed)).Inc()
			if changed {
				s.downloader().signal()
			}
		case errors.Is(err, types.ErrCancelled):
			return err
		case errors.Is(err, types.ErrDownload), errors.Is(err, types.ErrParse):
			metrics.DownloadErrors.WithLabelValues(s.id, "playlist").Inc()
			s.report(fmt.Errorf("reload %s: %w", utils.LogURL(s.cfg, pl.URL), err), false)
			s.playlistMu.Lock()
			pl.NextReloadTime = time.Now().Add(s.cfg.PlaylistRetryDelay)
			s.playlistMu.Unlock()
		default:
			return err
		}
	}
	return nil
}
