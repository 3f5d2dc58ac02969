package player

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"

	"hls-engine/work/buffer"
	"hls-engine/work/logger"
	"hls-engine/work/types"
)

// SinkOptions tune a FileSink.
type SinkOptions struct {
	Tick         time.Duration // clock and render cadence
	UnderrunWait time.Duration // idle time before an underrun is reported
	Logger       *logger.Logger
}

// SinkStats is a snapshot of what a FileSink rendered.
type SinkStats struct {
	Buffers   int64
	Bytes     int64
	Alternate int64 // alternate-group buffers, counted but not written
	Pending   int
	PTS       int64
	Mode      TrickMode
}

type pendingBuffer struct {
	buf  *bytebufferpool.ByteBuffer
	data []byte
	meta BufferMeta
}

// FileSink is a reference Player that writes the main rendition to an
// io.Writer. Its clock advances in real time while rendering in normal mode
// and it reports an audio underrun once the queue stays empty. Buffer slots
// come from a bounded buffer.BufferPool, so a paused or slow sink pushes back
// on the engine.
type FileSink struct {
	w    io.Writer
	pool *buffer.BufferPool
	opts SinkOptions
	log  *logger.Logger

	mu          sync.Mutex
	outstanding map[*byte]*bytebufferpool.ByteBuffer
	pending     []pendingBuffer
	cb          func(Notification)
	mode        TrickMode
	noMainAudio bool
	decrypt     *DecryptionParams
	pts         int64
	lastData    time.Time
	hadData     bool
	underrun    bool
	inFlight    int
	stats       SinkStats

	kick   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

// NewFileSink starts a sink writing to w with buffers from pool.
func NewFileSink(w io.Writer, pool *buffer.BufferPool, opts SinkOptions) *FileSink {
	if opts.Tick <= 0 {
		opts.Tick = 100 * time.Millisecond
	}
	if opts.UnderrunWait <= 0 {
		opts.UnderrunWait = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	s := &FileSink{
		w:           w,
		pool:        pool,
		opts:        opts,
		log:         opts.Logger,
		outstanding: make(map[*byte]*bytebufferpool.ByteBuffer),
		kick:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.run()
	return s
}

// RegisterCallback implements Player.
func (s *FileSink) RegisterCallback(cb func(Notification)) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// GetBuffer implements Player.
func (s *FileSink) GetBuffer() []byte {
	bb := s.pool.TryGet()
	if bb == nil {
		return nil
	}
	b := bb.B[:cap(bb.B)]
	s.mu.Lock()
	s.outstanding[&b[0]] = bb
	s.mu.Unlock()
	return b
}

// SendBuffer implements Player.
func (s *FileSink) SendBuffer(buf []byte, n int, meta BufferMeta) error {
	if cap(buf) == 0 || n < 0 || n > cap(buf) {
		return fmt.Errorf("send buffer of %d/%d bytes: %w", n, cap(buf), types.ErrInvalidParameter)
	}
	key := &buf[:1][0]

	s.mu.Lock()
	bb, ok := s.outstanding[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("buffer not obtained from this sink: %w", types.ErrInvalidParameter)
	}
	delete(s.outstanding, key)
	if n == 0 || s.closed {
		s.mu.Unlock()
		s.release(bb)
		return nil
	}
	s.pending = append(s.pending, pendingBuffer{buf: bb, data: buf[:n], meta: meta})
	s.lastData = time.Now()
	s.hadData = true
	s.underrun = false
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

// Set implements Player.
func (s *FileSink) Set(opt Option, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch opt {
	case OptBufferFlush:
		for _, p := range s.pending {
			s.release(p.buf)
		}
		s.pending = nil
		s.hadData = false
		s.log.Debug("{player/filesink - Set} flushed")
	case OptTrickMode:
		m, ok := value.(TrickMode)
		if !ok {
			return fmt.Errorf("trick mode %T: %w", value, types.ErrInvalidParameter)
		}
		s.mode = m
		s.log.Debug("{player/filesink - Set} trick mode %s", m)
	case OptDisableMainAudio:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("disable main audio %T: %w", value, types.ErrInvalidParameter)
		}
		s.noMainAudio = b
	case OptDecryptionParams:
		p, ok := value.(DecryptionParams)
		if !ok {
			return fmt.Errorf("decryption params %T: %w", value, types.ErrInvalidParameter)
		}
		s.decrypt = &p
		s.log.Debug("{player/filesink - Set} decryption %s uri=%s drm=%q", p.Encryption, p.KeyURI, p.DRMType)
	default:
		return fmt.Errorf("set %s: %w", opt, types.ErrUnsupported)
	}
	return nil
}

// Get implements Player.
func (s *FileSink) Get(opt Option) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch opt {
	case OptTrickMode:
		return s.mode, nil
	case OptCurrentPTS:
		return s.pts, nil
	case OptDisableMainAudio:
		return s.noMainAudio, nil
	}
	return nil, fmt.Errorf("get %s: %w", opt, types.ErrUnsupported)
}

// HandleEvent logs an engine event; usable as an EventFunc.
func (s *FileSink) HandleEvent(ev EventData) {
	switch ev.Event {
	case EventSwitchedBitrate:
		s.log.Info("{player/filesink - HandleEvent} %s to %d bps", ev.Event, ev.Bitrate)
	case EventDrmLicense:
		if ev.License != nil {
			s.log.Info("{player/filesink - HandleEvent} %s program=%d drm=%s key=%s",
				ev.Event, ev.License.ProgramID, ev.License.DRMType, ev.License.KeyID)
		}
	default:
		s.log.Info("{player/filesink - HandleEvent} %s", ev.Event)
	}
}

// HandleError logs an engine error report; usable as an ErrorFunc.
func (s *FileSink) HandleError(r ErrorReport) {
	if r.Fatal {
		s.log.Error("{player/filesink - HandleError} %s", r)
		return
	}
	s.log.Warn("{player/filesink - HandleError} %s", r)
}

// Stats returns a snapshot of the sink counters.
func (s *FileSink) Stats() SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = len(s.pending)
	st.PTS = s.pts
	st.Mode = s.mode
	return st
}

// Decryption returns the last decryption parameters received, if any.
func (s *FileSink) Decryption() (DecryptionParams, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decrypt == nil {
		return DecryptionParams{}, false
	}
	return *s.decrypt, true
}

// Drain waits until every queued buffer has been written.
func (s *FileSink) Drain(ctx context.Context) error {
	tick := time.NewTicker(s.opts.Tick)
	defer tick.Stop()
	for {
		s.mu.Lock()
		empty := len(s.pending) == 0 && s.inFlight == 0
		stuck := s.mode == TrickPause && s.inFlight == 0
		s.mu.Unlock()
		if empty {
			return nil
		}
		if stuck {
			return fmt.Errorf("drain while paused: %w", types.ErrState)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain: %w", types.ErrCancelled)
		case <-tick.C:
		}
	}
}

// Close stops the render loop and returns every buffer to the pool.
func (s *FileSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done

	s.mu.Lock()
	for _, p := range s.pending {
		s.release(p.buf)
	}
	s.pending = nil
	s.mu.Unlock()
	return nil
}

func (s *FileSink) release(bb *bytebufferpool.ByteBuffer) {
	bb.Reset()
	s.pool.Put(bb)
}

func (s *FileSink) run() {
	defer close(s.done)

	tick := time.NewTicker(s.opts.Tick)
	defer tick.Stop()
	last := time.Now()

	for {
		select {
		case <-s.stop:
			return
		case now := <-tick.C:
			s.advance(now.Sub(last), now)
			last = now
		case <-s.kick:
		}
		s.render()
	}
}

// render writes queued buffers unless paused.
func (s *FileSink) render() {
	for {
		s.mu.Lock()
		if s.mode == TrickPause || len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		p := s.pending[0]
		s.pending = s.pending[1:]
		s.inFlight++
		s.mu.Unlock()

		var err error
		if p.meta.StreamIndex == 0 {
			_, err = s.w.Write(p.data)
		}

		s.mu.Lock()
		s.inFlight--
		s.stats.Buffers++
		if p.meta.StreamIndex == 0 {
			s.stats.Bytes += int64(len(p.data))
		} else {
			s.stats.Alternate++
		}
		s.mu.Unlock()

		s.release(p.buf)
		if err != nil {
			s.log.Error("{player/filesink - render} write failed: %v", err)
		}
	}
}

// advance moves the clock and raises PTS and underrun notifications.
func (s *FileSink) advance(elapsed time.Duration, now time.Time) {
	var notes []Notification

	s.mu.Lock()
	if s.hadData && s.mode == TrickNormal {
		s.pts += int64(elapsed.Seconds() * PTSClock)
		notes = append(notes, Notification{Kind: NotifyPTS, PTS: s.pts})
	}
	if s.hadData && !s.underrun && len(s.pending) == 0 && now.Sub(s.lastData) >= s.opts.UnderrunWait {
		s.underrun = true
		notes = append(notes, Notification{Kind: NotifyAudioUnderrun, PTS: InvalidPTS})
	}
	cb := s.cb
	s.mu.Unlock()

	if cb == nil {
		return
	}
	for _, n := range notes {
		cb(n)
	}
}

// HexParams builds DecryptionParams from raw key material.
func HexParams(meta BufferMeta, drmType string) DecryptionParams {
	return DecryptionParams{
		Encryption: meta.Encryption,
		Key:        hex.EncodeToString(meta.Key[:]),
		IV:         hex.EncodeToString(meta.IV[:]),
		KeyURI:     meta.KeyURI,
		DRMType:    drmType,
	}
}
