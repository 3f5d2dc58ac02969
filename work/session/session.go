// Package session runs one HLS playback: the playlist tree, the parser,
// downloader and playback controller goroutines, and the state machine
// driving them.
//
// Lock order, outermost first: setMu, playlistMu, then any of rateMu,
// playerMu, stateMu. None of them is reentrant; public entry points take
// setMu and call the unlocked prepare/play/stop variants.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"hls-engine/work/abr"
	"hls-engine/work/cache"
	"hls-engine/work/client"
	"hls-engine/work/config"
	"hls-engine/work/logger"
	"hls-engine/work/metrics"
	"hls-engine/work/parser"
	"hls-engine/work/player"
	"hls-engine/work/playlist"
	"hls-engine/work/types"
	"hls-engine/work/utils"
)

// State is the session lifecycle state.
type State int

const (
	StateInitialized State = iota
	StatePrepared
	StatePlaying
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "INITIALIZED"
	case StatePrepared:
		return "PREPARED"
	case StatePlaying:
		return "PLAYING"
	case StateInvalid:
		return "INVALID"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// maxGroups bounds the active alternate groups (one audio, one video).
const maxGroups = 2

// Options configure a new Session.
type Options struct {
	ID     string // generated when empty
	Config *config.Config
	Player player.Player
	Client *client.HeaderSettingClient // built from Config when nil
	Pool   *ants.Pool                  // download helpers; private pool when nil
	Keys   *cache.KeyCache             // private cache when nil
	Logger *logger.Logger
}

// Status is a point-in-time summary of a session.
type Status struct {
	ID       string        `json:"id"`
	URL      string        `json:"url"`
	State    string        `json:"state"`
	Speed    float64       `json:"speed"`
	Bitrate  int           `json:"bitrate"`
	Position time.Duration `json:"position"`
	Duration time.Duration `json:"duration"`
	Live     bool          `json:"live"`
	AvgRate  float64       `json:"avgRate"`
	Buffered float64       `json:"buffered"`
}

// Session is one playback of one top-level playlist.
type Session struct {
	id     string
	cfg    *config.Config
	log    *logger.Logger
	player player.Player

	ctx    context.Context
	cancel context.CancelFunc

	mainTx       *client.Transport
	groupTx      [maxGroups]*client.Transport
	playlistTx   *client.Transport
	parser       *parser.Parser // parser goroutine, on playlistTx
	switchParser *parser.Parser // rendition switches, on mainTx

	pool    *ants.Pool
	ownPool bool
	keys    *cache.KeyCache

	playlistMu sync.RWMutex
	root       *playlist.Playlist
	program    *playlist.Program
	current    *playlist.Playlist
	groups     []*playlist.Playlist
	bitrateMin int
	bitrateMax int
	timing     abr.Timing

	rateMu   sync.Mutex
	lastRate float64
	avgRate  float64

	playerMu     sync.Mutex
	timeBuffered float64
	lastPTS      int64

	stateMu sync.Mutex
	state   State
	stateCh chan struct{}
	speed   float64

	setMu sync.Mutex

	cbMu    sync.RWMutex
	onEvent player.EventFunc
	onError player.ErrorFunc

	queue msgQueue

	workerMu    sync.Mutex
	parserW     *worker
	controllerW *worker
	downloaderW *worker

	closed atomic.Bool
}

// New creates a Session in StateInitialized.
func New(opts Options) (*Session, error) {
	if opts.Player == nil {
		return nil, fmt.Errorf("session without player: %w", types.ErrInvalidParameter)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	hsc := opts.Client
	if hsc == nil {
		hsc = client.NewHeaderSettingClient(cfg)
	}

	s := &Session{
		id:         id,
		cfg:        cfg,
		log:        log.With("session " + shortID(id)),
		player:     opts.Player,
		mainTx:     client.NewTransport(hsc, cfg),
		playlistTx: client.NewTransport(hsc, cfg),
		pool:       opts.Pool,
		keys:       opts.Keys,
		bitrateMin: cfg.BitrateMin,
		bitrateMax: cfg.EffectiveBitrateMax(),
		lastPTS:    player.InvalidPTS,
		stateCh:    make(chan struct{}),
		speed:      1,
	}
	for i := range s.groupTx {
		s.groupTx[i] = client.NewTransport(hsc, cfg)
	}
	s.parser = parser.New(s.playlistTx, cfg, s.log)
	s.switchParser = parser.New(s.mainTx, cfg, s.log)

	if s.pool == nil {
		pool, err := ants.NewPool(1)
		if err != nil {
			return nil, fmt.Errorf("helper pool: %v: %w", err, types.ErrMemory)
		}
		s.pool, s.ownPool = pool, true
	}
	if s.keys == nil {
		s.keys = cache.NewKeyCache(cfg.KeyCacheSize, cfg.KeyCacheTTL)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.player.RegisterCallback(s.onPlayerNotification)
	return s, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// RegisterCallbacks installs the event and error handlers. Either may be nil.
func (s *Session) RegisterCallbacks(onEvent player.EventFunc, onError player.ErrorFunc) {
	s.cbMu.Lock()
	s.onEvent, s.onError = onEvent, onError
	s.cbMu.Unlock()
}

func (s *Session) emit(ev player.EventData) {
	s.log.Debug("{session/session - emit} %s", ev.Event)
	s.cbMu.RLock()
	cb := s.onEvent
	s.cbMu.RUnlock()
	if cb != nil {
		cb(ev)
	}
}

// report delivers err to the error callback. Advisory reports describe
// failures that are being retried.
func (s *Session) report(err error, fatal bool) {
	if err == nil || errors.Is(err, types.ErrCancelled) {
		return
	}
	if fatal {
		s.log.Error("{session/session - report} %v", err)
	} else {
		s.log.Warn("{session/session - report} %v", err)
	}
	s.cbMu.RLock()
	cb := s.onError
	s.cbMu.RUnlock()
	if cb != nil {
		cb(player.ErrorReport{Code: types.CodeOf(err), Message: err.Error(), Fatal: fatal})
	}
}

// workerFailed handles a fatal worker error after prepare has returned.
func (s *Session) workerFailed(name string, err error) {
	s.report(fmt.Errorf("%s: %w", name, err), true)
	if s.cfg.FailFastToInvalid {
		s.setState(StateInvalid)
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == st {
		return
	}
	s.log.Debug("{session/session - setState} %s -> %s", s.state, st)
	s.state = st
	close(s.stateCh)
	s.stateCh = make(chan struct{})
}

// Speed returns the playback speed.
func (s *Session) Speed() float64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.speed
}

func (s *Session) setSpeedValue(v float64) {
	s.stateMu.Lock()
	s.speed = v
	s.stateMu.Unlock()
}

// waitState blocks until the session reaches target. It fails when a
// watched worker exits first, when the session turns Invalid, or when
// timeout (0 = none) elapses.
func (s *Session) waitState(target State, timeout time.Duration, watch ...*worker) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	var d0, d1 <-chan struct{}
	if len(watch) > 0 {
		d0 = watch[0].done
	}
	if len(watch) > 1 {
		d1 = watch[1].done
	}

	for {
		s.stateMu.Lock()
		st, ch := s.state, s.stateCh
		s.stateMu.Unlock()

		if st == target {
			return nil
		}
		if st == StateInvalid {
			return fmt.Errorf("session became invalid: %w", types.ErrState)
		}
		for _, w := range watch {
			if w.finished() {
				if err := w.err(); err != nil {
					return err
				}
				return fmt.Errorf("%s exited: %w", w.name, types.ErrCancelled)
			}
		}

		select {
		case <-ch:
		case <-d0:
		case <-d1:
		case <-deadline:
			return fmt.Errorf("timed out waiting for %s: %w", target, types.ErrGeneric)
		}
	}
}

func (s *Session) controller() *worker {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	return s.controllerW
}

func (s *Session) downloader() *worker {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	return s.downloaderW
}

func (s *Session) setDownloader(w *worker) *worker {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	prev := s.downloaderW
	s.downloaderW = w
	return prev
}

func (s *Session) signalController(sig Signal, dir Direction) {
	s.queue.push(sig, dir)
	s.controller().signal()
}

// SetDataSource stores the top playlist URL. Only valid when Initialized.
func (s *Session) SetDataSource(url string) error {
	s.setMu.Lock()
	defer s.setMu.Unlock()

	if st := s.State(); st != StateInitialized {
		return fmt.Errorf("set data source in state %s: %w", st, types.ErrState)
	}
	if !utils.IsHTTP(url) {
		return fmt.Errorf("data source %q: %w", url, types.ErrInvalidParameter)
	}

	s.playlistMu.Lock()
	s.root = playlist.New(url)
	s.program, s.current, s.groups = nil, nil, nil
	s.playlistMu.Unlock()

	s.log.Info("{session/session - SetDataSource} %s", utils.LogURL(s.cfg, url))
	return nil
}

// Prepare parses the source and selects the initial renditions.
func (s *Session) Prepare() error {
	s.setMu.Lock()
	defer s.setMu.Unlock()
	if s.closed.Load() {
		return fmt.Errorf("session closed: %w", types.ErrState)
	}
	return s.prepare()
}

func (s *Session) prepare() error {
	switch st := s.State(); st {
	case StatePrepared:
		return nil
	case StateInitialized:
	default:
		return fmt.Errorf("prepare in state %s: %w", st, types.ErrState)
	}

	s.playlistMu.RLock()
	root := s.root
	s.playlistMu.RUnlock()
	if root == nil {
		return fmt.Errorf("prepare without data source: %w", types.ErrState)
	}

	s.queue.flush()
	ctl := startWorker(s.ctx, "controller", s.controllerLoop)
	prs := startWorker(s.ctx, "parser", s.parserLoop)
	s.workerMu.Lock()
	s.controllerW, s.parserW = ctl, prs
	s.workerMu.Unlock()

	if err := s.waitState(StatePrepared, s.cfg.PrepareTimeout, prs, ctl); err != nil {
		prs.kill()
		ctl.kill()
		prs.join()
		ctl.join()

		s.workerMu.Lock()
		s.controllerW, s.parserW = nil, nil
		s.workerMu.Unlock()

		s.playlistMu.Lock()
		s.root = playlist.New(root.URL)
		s.program, s.current, s.groups = nil, nil, nil
		s.playlistMu.Unlock()

		s.setState(StateInitialized)
		return fmt.Errorf("prepare: %w", err)
	}

	s.log.Info("{session/session - prepare} prepared")
	return nil
}

// Play starts downloading.
func (s *Session) Play() error {
	s.setMu.Lock()
	defer s.setMu.Unlock()
	if s.closed.Load() {
		return fmt.Errorf("session closed: %w", types.ErrState)
	}
	return s.play()
}

func (s *Session) play() error {
	switch st := s.State(); st {
	case StatePlaying:
		return nil
	case StatePrepared:
	default:
		return fmt.Errorf("play in state %s: %w", st, types.ErrState)
	}

	speed := s.Speed()
	s.applyTrickMode(speed)

	s.playlistMu.Lock()
	s.timing.PlaybackStart = time.Now()
	s.playlistMu.Unlock()

	s.signalController(SignalStartingPlayback, Forward)

	loop := s.segmentLoop
	if isTrick(speed) {
		loop = s.iframeLoop
	}
	dl := startWorker(s.ctx, "downloader", loop)
	s.setDownloader(dl)

	if err := s.waitState(StatePlaying, s.cfg.PlayTimeout, dl); err != nil {
		dl.stop()
		s.setDownloader(nil)
		s.setState(StatePrepared)
		return fmt.Errorf("play: %w", err)
	}

	s.log.Info("{session/session - play} playing at speed %.2f", speed)
	return nil
}

// Stop halts downloading and flushes the player. The playlist cursor is
// moved back onto the played position so Play resumes there.
func (s *Session) Stop() error {
	s.setMu.Lock()
	defer s.setMu.Unlock()

	buffered, err := s.stop()
	if err != nil {
		return err
	}
	s.flushPlaylist(buffered)
	return nil
}

// stop returns the buffered seconds the player dropped.
func (s *Session) stop() (float64, error) {
	switch st := s.State(); st {
	case StatePrepared:
		return 0, nil
	case StatePlaying:
	default:
		return 0, fmt.Errorf("stop in state %s: %w", st, types.ErrState)
	}

	s.signalController(SignalStoppingPlayback, Forward)
	s.playerSet(player.OptTrickMode, player.TrickPause)

	if dl := s.setDownloader(nil); dl != nil {
		dl.stop()
	}

	s.playerSet(player.OptBufferFlush, nil)

	s.playerMu.Lock()
	buffered := s.timeBuffered
	s.timeBuffered = 0
	s.lastPTS = player.InvalidPTS
	s.playerMu.Unlock()

	s.setState(StatePrepared)
	s.log.Info("{session/session - stop} stopped")
	return buffered, nil
}

// Seek moves playback to pos, measured from the start of the seekable
// window. pos == Duration() resolves to the last segment.
func (s *Session) Seek(pos time.Duration) error {
	s.setMu.Lock()
	defer s.setMu.Unlock()

	st := s.State()
	if st != StatePrepared && st != StatePlaying {
		return fmt.Errorf("seek in state %s: %w", st, types.ErrState)
	}
	if pos < 0 {
		return fmt.Errorf("seek to %s: %w", pos, types.ErrInvalidParameter)
	}
	secs := pos.Seconds()
	eps := s.cfg.SegmentBoundaryEpsilon

	s.playlistMu.RLock()
	dur := s.current.Media.ExternalDuration()
	s.playlistMu.RUnlock()
	if secs > dur+eps {
		return fmt.Errorf("seek to %.3fs beyond %.3fs: %w", secs, dur, types.ErrUnsupported)
	}

	wasPlaying := st == StatePlaying
	if wasPlaying {
		if _, err := s.stop(); err != nil {
			return err
		}
	}

	s.playlistMu.Lock()
	md := s.current.Media
	fromEnd := md.FromEndForExternal(math.Min(secs, md.ExternalDuration()))
	seg, start := md.SegmentXSecFromEnd(fromEnd, eps)
	if seg == nil {
		seg, start = md.Head(), md.Duration
	}
	if seg != nil {
		md.SeekTo(seg, start)
		s.alignGroupsLocked()
	}
	s.playlistMu.Unlock()

	if seg == nil {
		return fmt.Errorf("seek in empty playlist: %w", types.ErrUnsupported)
	}
	s.log.Info("{session/session - Seek} %.3fs -> %s", secs, seg)

	if wasPlaying {
		return s.play()
	}
	return nil
}

// SetBitrateLimit bounds adaptation to [min, max]; max == 0 is unbounded.
func (s *Session) SetBitrateLimit(min, max int) error {
	s.setMu.Lock()
	defer s.setMu.Unlock()

	if min < 0 || max < 0 || (max > 0 && min > max) {
		return fmt.Errorf("bitrate limit [%d, %d]: %w", min, max, types.ErrInvalidParameter)
	}
	if max == 0 {
		max = math.MaxInt
	}

	s.playlistMu.Lock()
	s.bitrateMin, s.bitrateMax = min, max
	s.playlistMu.Unlock()
	return nil
}

// Position is the playback position within the seekable window.
func (s *Session) Position() (time.Duration, error) {
	buffered := s.buffered()

	s.playlistMu.RLock()
	defer s.playlistMu.RUnlock()
	if s.current == nil || s.current.Media == nil {
		return 0, fmt.Errorf("position before prepare: %w", types.ErrState)
	}
	md := s.current.Media
	return seconds(md.ExternalPositionAt(md.PositionFromEnd + buffered)), nil
}

// Duration is the length of the seekable window.
func (s *Session) Duration() (time.Duration, error) {
	s.playlistMu.RLock()
	defer s.playlistMu.RUnlock()
	if s.current == nil || s.current.Media == nil {
		return 0, fmt.Errorf("duration before prepare: %w", types.ErrState)
	}
	return seconds(s.current.Media.ExternalDuration()), nil
}

// Status summarises the session.
func (s *Session) Status() Status {
	st := Status{ID: s.id, State: s.State().String(), Speed: s.Speed(), Buffered: s.buffered()}
	_, st.AvgRate = s.rates()
	st.Position, _ = s.Position()
	st.Duration, _ = s.Duration()

	s.playlistMu.RLock()
	if s.root != nil {
		st.URL = s.root.URL
	}
	if s.current != nil {
		st.Bitrate = s.current.Bitrate()
		st.Live = s.current.IsLive()
	}
	s.playlistMu.RUnlock()
	return st
}

// Close tears the session down. Every goroutine is joined before it returns.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	s.workerMu.Lock()
	ctl, prs := s.controllerW, s.parserW
	s.controllerW, s.parserW = nil, nil
	s.workerMu.Unlock()
	ctl.join()
	prs.join()

	s.setMu.Lock()
	defer s.setMu.Unlock()
	if dl := s.setDownloader(nil); dl != nil {
		dl.join()
	}
	s.setState(StateInvalid)

	if s.ownPool {
		s.pool.Release()
	}
	metrics.Forget(s.id)
	s.log.Info("{session/session - Close} closed")
	return nil
}

func (s *Session) playerSet(opt player.Option, v any) {
	if err := s.player.Set(opt, v); err != nil {
		s.log.Debug("{session/session - playerSet} %s: %v", opt, err)
	}
}

func (s *Session) applyTrickMode(speed float64) {
	switch {
	case speed == 0:
		s.playerSet(player.OptTrickMode, player.TrickPause)
	case isTrick(speed):
		s.playerSet(player.OptTrickMode, player.TrickLowDelay)
	default:
		s.playerSet(player.OptTrickMode, player.TrickNormal)
	}
}

// onPlayerNotification interprets player callbacks one at a time.
func (s *Session) onPlayerNotification(n player.Notification) {
	switch n.Kind {
	case player.NotifyPTS:
		s.playerMu.Lock()
		if s.lastPTS != player.InvalidPTS && n.PTS > s.lastPTS {
			played := float64(n.PTS-s.lastPTS) / player.PTSClock
			s.timeBuffered = math.Max(0, s.timeBuffered-played)
		}
		s.lastPTS = n.PTS
		s.playerMu.Unlock()
	case player.NotifyDiscontinuity:
		s.playerMu.Lock()
		s.lastPTS = player.InvalidPTS
		s.playerMu.Unlock()
	case player.NotifyAudioUnderrun:
		s.signalController(SignalPlayerAudioUnderrun, Forward)
	}
}

func (s *Session) buffered() float64 {
	s.playerMu.Lock()
	defer s.playerMu.Unlock()
	return s.timeBuffered
}

func (s *Session) addBuffered(secs float64) {
	s.playerMu.Lock()
	s.timeBuffered += secs
	s.playerMu.Unlock()
}

func (s *Session) rates() (last, avg float64) {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	return s.lastRate, s.avgRate
}

// recordRate folds a segment download rate (bits/s) into the session EWMA.
func (s *Session) recordRate(bps float64) {
	s.rateMu.Lock()
	s.lastRate = bps
	if s.avgRate == 0 {
		s.avgRate = bps
	} else {
		s.avgRate = abr.AddThroughputToAverage(bps, s.avgRate)
	}
	avg := s.avgRate
	s.rateMu.Unlock()
	metrics.SegmentThroughput.WithLabelValues(s.id).Set(avg)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
