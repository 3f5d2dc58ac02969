// Package parser downloads M3U8 playlists and turns them into the
// playlist data model. The first parse of a playlist builds it; later
// parses of a live media playlist merge the reloaded window into it.
package parser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"hls-engine/work/client"
	"hls-engine/work/config"
	"hls-engine/work/logger"
	"hls-engine/work/playlist"
	"hls-engine/work/types"
	"hls-engine/work/utils"
)

// Locker is the playlist lock. The parser reads under RLock and mutates
// under Lock; a nil Locker means the caller already holds the write lock.
type Locker interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

// reloadFactors scale the target duration into the live reload wait,
// indexed by min(unchanged reloads, 2).
var reloadFactors = [3]float64{0.5, 1.5, 3.0}

// ReloadDelay is how long to wait before reloading a live playlist.
func ReloadDelay(targetDuration float64, unchanged int) time.Duration {
	if unchanged < 0 {
		unchanged = 0
	}
	idx := int(math.Min(float64(unchanged), 2))
	d := time.Duration(reloadFactors[idx] * targetDuration * float64(time.Second))
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

// Parser fills playlists through a Downloader.
type Parser struct {
	dl  client.Downloader
	cfg *config.Config
	log *logger.Logger
	now func() time.Time
}

// New creates a Parser. log may be nil to use the package logger.
func New(dl client.Downloader, cfg *config.Config, log *logger.Logger) *Parser {
	if log == nil {
		log = logger.Default()
	}
	return &Parser{dl: dl, cfg: cfg, log: log, now: time.Now}
}

// snapshot is the part of a playlist read before downloading.
type snapshot struct {
	url     string
	parsed  bool
	kind    playlist.Kind
	version int
}

func take(pl *playlist.Playlist, mu Locker) snapshot {
	if mu != nil {
		mu.RLock()
		defer mu.RUnlock()
	}
	return snapshot{url: pl.URL, parsed: pl.Parsed, kind: pl.Kind, version: pl.Version}
}

// decoded is a parsed playlist not yet merged into the tree.
type decoded struct {
	header   *header
	redirect string
	baseURL  string
	variant  *playlist.Playlist
	media    *mediaBody
}

// Parse downloads and parses pl. Download failures propagate as
// ErrDownload or ErrCancelled; malformed content is retried up to
// MaxPlaylistRetries times before ErrParse; version and type mismatches
// are reported without retry.
func (p *Parser) Parse(ctx context.Context, pl *playlist.Playlist, mu Locker) error {
	if pl == nil {
		return fmt.Errorf("nil playlist: %w", types.ErrInvalidParameter)
	}

	snap := take(pl, mu)
	if snap.url == "" {
		return fmt.Errorf("playlist without url: %w", types.ErrInvalidParameter)
	}
	if snap.parsed && snap.kind == playlist.KindVariant {
		return nil
	}

	attempts := p.cfg.MaxPlaylistRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		d, err := p.download(ctx, snap.url, pl)
		if err == nil && snap.parsed {
			err = p.checkUpdate(snap, d)
		}
		if err == nil {
			if snap.parsed {
				p.applyUpdate(pl, d, mu)
			} else {
				p.applyInitial(pl, d, mu)
			}
			return nil
		}

		if errors.Is(err, types.ErrCancelled) || errors.Is(err, types.ErrDownload) ||
			errors.Is(err, types.ErrUnsupported) || errors.Is(err, types.ErrInvalidParameter) {
			return err
		}

		lastErr = err
		p.log.Warn("{parser/parser - Parse} attempt %d/%d for %s failed: %v",
			attempt, attempts, utils.LogURL(p.cfg, snap.url), err)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return fmt.Errorf("parse aborted: %w", types.ErrCancelled)
			case <-time.After(p.cfg.PlaylistRetryDelay):
			}
		}
	}

	return fmt.Errorf("%s after %d attempts: %v: %w", utils.LogURL(p.cfg, snap.url), attempts, lastErr, types.ErrParse)
}

// download fetches url and decodes it according to the pre-scan. parent is
// the tree node that children created by a variant parse will point to.
func (p *Parser) download(ctx context.Context, url string, parent *playlist.Playlist) (*decoded, error) {
	data, effective, err := p.dl.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	d := &decoded{redirect: effective}
	if d.redirect == "" {
		d.redirect = url
	}
	d.baseURL = utils.BaseURL(d.redirect)

	lines := splitLines(data)
	d.header, err = prescan(lines)
	if err != nil {
		return nil, err
	}

	switch d.header.class {
	case classVariant:
		d.variant, err = parseVariant(data, lines, d.baseURL, parent)
	case classMedia:
		d.media, err = parseMedia(lines, d.header, d.baseURL)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// checkUpdate rejects a reload whose type or version changed.
func (p *Parser) checkUpdate(snap snapshot, d *decoded) error {
	if d.header.class != classMedia || snap.kind != playlist.KindMedia {
		return fmt.Errorf("playlist type changed on reload: %w", types.ErrParse)
	}
	if d.header.version != snap.version {
		return fmt.Errorf("playlist version changed on reload (%d -> %d): %w",
			snap.version, d.header.version, types.ErrParse)
	}
	return nil
}

// applyInitial installs a first parse into pl.
func (p *Parser) applyInitial(pl *playlist.Playlist, d *decoded, mu Locker) {
	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}

	if pl.Parsed {
		// parsed by someone else while this copy was downloading
		if pl.IsMedia() && d.media != nil && d.header.version == pl.Version {
			p.merge(pl, d)
		}
		return
	}

	pl.RedirectURL = d.redirect
	pl.BaseURL = d.baseURL
	pl.Version = d.header.version
	pl.ProtHeaders = d.header.protHeaders

	if d.variant != nil {
		pl.Kind = playlist.KindVariant
		pl.Programs = d.variant.Programs
		pl.Groups = d.variant.Groups
		pl.Media = nil
		pl.Parsed = true
		p.log.Debug("{parser/parser - applyInitial} variant %s: %d programs, %d groups",
			utils.LogURL(p.cfg, pl.URL), len(pl.Programs), len(pl.Groups))
		return
	}

	// keep attributes assigned from the variant listing
	md := pl.BecomeMedia()
	md.Reset()
	p.fillHeader(md, d.header)
	for _, seg := range d.media.segments {
		md.Append(seg)
	}
	md.SetOffsets()
	if md.Complete {
		md.PositionFromEnd = md.Duration
	} else {
		md.PositionFromEnd = math.Min(md.EndOffset, md.Duration)
	}
	md.InvalidateCursor()

	pl.UnchangedReloadCount = 0
	pl.NextReloadTime = p.now().Add(ReloadDelay(md.TargetDuration, 0))
	pl.Parsed = true

	p.log.Debug("{parser/parser - applyInitial} media %s: %d segments, %.3fs, complete=%v",
		utils.LogURL(p.cfg, pl.URL), len(md.Segments), md.Duration, md.Complete)
}

// applyUpdate merges a reloaded live window into pl.
func (p *Parser) applyUpdate(pl *playlist.Playlist, d *decoded, mu Locker) {
	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	p.merge(pl, d)
}

// merge folds a reloaded window into an already parsed media playlist. The
// caller holds the write lock.
func (p *Parser) merge(pl *playlist.Playlist, d *decoded) {
	md := pl.Media
	fresh := d.media.segments
	changed := false

	if d.header.mediaSequence < md.StartingSequence {
		// anomalous restart: keep the position, rebuild the window
		p.log.Warn("{parser/parser - applyUpdate} %s restarted: media sequence %d -> %d",
			utils.LogURL(p.cfg, pl.URL), md.StartingSequence, d.header.mediaSequence)
		fromEnd := md.PositionFromEnd
		md.Reset()
		for _, seg := range fresh {
			md.Append(seg)
		}
		md.PositionFromEnd = math.Min(fromEnd, md.Duration)
		changed = true
	} else {
		if md.DropBefore(d.header.mediaSequence) > 0 {
			changed = true
		}
		tail := d.header.mediaSequence - 1
		if last := md.Tail(); last != nil {
			tail = last.SeqNum
		}
		for _, seg := range fresh {
			if seg.SeqNum > tail {
				md.Append(seg)
				changed = true
			}
		}
	}

	wasComplete := md.Complete
	p.fillHeader(md, d.header)
	if md.Complete != wasComplete {
		changed = true
	}
	md.SetOffsets()
	md.Normalize()

	if changed {
		pl.UnchangedReloadCount = 0
	} else {
		pl.UnchangedReloadCount++
	}
	pl.NextReloadTime = p.now().Add(ReloadDelay(md.TargetDuration, pl.UnchangedReloadCount))
}

func (p *Parser) fillHeader(md *playlist.MediaData, h *header) {
	md.TargetDuration = h.targetDuration
	md.StartingSequence = h.mediaSequence
	md.Complete = h.endList
	md.Cacheable = h.cacheable
	md.Mutability = h.mutability
	md.IFramesOnly = md.IFramesOnly || h.iframesOnly
}
