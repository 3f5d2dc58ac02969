package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"hls-engine/work/metrics"
	"hls-engine/work/player"
	"hls-engine/work/playlist"
	"hls-engine/work/types"
	"hls-engine/work/utils"
)

const (
	aesBlock           = 16
	bufferPollInterval = 10 * time.Millisecond
)

// progress is shared between a download helper and the forwarding loop.
type progress struct {
	written atomic.Int64
	more    chan struct{}
	done    chan struct{}
	err     error // valid once done is closed
}

func newProgress() *progress {
	return &progress{more: make(chan struct{}, 1), done: make(chan struct{})}
}

func (p *progress) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// scratchWriter appends to the scratch file and wakes the forwarder.
type scratchWriter struct {
	f       *os.File
	p       *progress
	fileErr error
}

func (w *scratchWriter) Write(b []byte) (int, error) {
	n, err := w.f.Write(b)
	if n > 0 {
		w.p.written.Add(int64(n))
		select {
		case w.p.more <- struct{}{}:
		default:
		}
	}
	if err != nil {
		w.fileErr = fmt.Errorf("scratch write: %v: %w", err, types.ErrFile)
		return n, w.fileErr
	}
	return n, nil
}

// downloadAndPush streams one segment to the player. A pool helper writes
// the body to a scratch file while this goroutine forwards whatever has
// arrived, so the player sees data before the transfer completes.
func (s *Session) downloadAndPush(ctx context.Context, job segmentJob) error {
	if err := s.resolveKey(ctx, job); err != nil {
		return err
	}

	f, err := os.CreateTemp(s.cfg.ScratchDir, "hls-segment-*")
	if err != nil {
		return fmt.Errorf("scratch file: %v: %w", err, types.ErrFile)
	}
	name := f.Name()
	defer os.Remove(name)
	defer f.Close()

	r, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("scratch reopen: %v: %w", err, types.ErrFile)
	}
	defer r.Close()

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := newProgress()
	start := time.Now()
	if err := s.pool.Submit(func() { s.fetchToScratch(hctx, job, f, p) }); err != nil {
		return fmt.Errorf("submit download helper: %v: %w", err, types.ErrState)
	}

	sent, err := s.forward(ctx, job, r, p)
	if err != nil {
		cancel()
	}
	<-p.done
	if err == nil {
		err = p.err
	}
	if err != nil {
		return err
	}

	if secs := time.Since(start).Seconds(); secs > 0 && sent > 0 {
		s.recordRate(float64(sent*8) / secs)
	}
	metrics.SegmentsDownloaded.WithLabelValues(s.id, job.kind).Inc()
	metrics.BytesDownloaded.WithLabelValues(s.id).Add(float64(sent))
	s.log.Debug("{session/push - downloadAndPush} %s %d: %d bytes in %s",
		job.kind, job.seg.SeqNum, sent, time.Since(start).Round(time.Millisecond))
	return nil
}

// fetchToScratch runs on the helper pool. Network failures are retried,
// resuming after the bytes already on disk.
func (s *Session) fetchToScratch(ctx context.Context, job segmentJob, f *os.File, p *progress) {
	defer close(p.done)

	var base, length int64
	if br := job.seg.ByteRange; br != nil {
		base, length = br.Offset, br.Length
	}
	w := &scratchWriter{f: f, p: p}

	for {
		got := p.written.Load()
		var remaining int64
		if length > 0 {
			remaining = length - got
			if remaining <= 0 {
				return
			}
		}

		_, err := job.tx.Download(ctx, job.url, w, base+got, remaining)
		if w.fileErr != nil {
			p.err = w.fileErr
			return
		}
		if err == nil {
			return
		}
		if !errors.Is(err, types.ErrDownload) {
			p.err = err
			return
		}

		metrics.DownloadErrors.WithLabelValues(s.id, "segment").Inc()
		s.report(fmt.Errorf("%s %d at byte %d: %w", job.kind, job.seg.SeqNum, got, err), false)
		if err := sleepCtx(ctx, s.cfg.SegmentRetryDelay); err != nil {
			p.err = err
			return
		}
	}
}

// forward copies scratch data into player buffers. Encrypted data moves in
// whole AES blocks until the helper has finished.
func (s *Session) forward(ctx context.Context, job segmentJob, r io.Reader, p *progress) (int64, error) {
	seg := job.seg
	encrypted := seg.Encryption != playlist.EncryptionNone
	var sent int64
	first := true

	for {
		finished := p.finished()
		avail := p.written.Load() - sent
		if finished && (p.err != nil || avail == 0) {
			return sent, nil
		}

		need := int64(1)
		if encrypted && !finished {
			need = aesBlock
		}
		if avail < need {
			select {
			case <-ctx.Done():
				return sent, fmt.Errorf("forward aborted: %w", types.ErrCancelled)
			case <-p.more:
			case <-p.done:
			}
			continue
		}

		buf, err := s.playerBuffer(ctx)
		if err != nil {
			return sent, err
		}
		n := min(avail, int64(cap(buf)))
		if encrypted && (!finished || n < avail) {
			n -= n % aesBlock
		}
		if n == 0 {
			_ = s.player.SendBuffer(buf, 0, player.BufferMeta{})
			return sent, fmt.Errorf("player buffer of %d bytes: %w", cap(buf), types.ErrInvalidParameter)
		}

		buf = buf[:n]
		if _, err := io.ReadFull(r, buf); err != nil {
			_ = s.player.SendBuffer(buf, 0, player.BufferMeta{})
			return sent, fmt.Errorf("scratch read: %v: %w", err, types.ErrFile)
		}

		meta := player.BufferMeta{
			Encryption:     seg.Encryption,
			IV:             seg.IV,
			Key:            seg.Key,
			KeyURI:         seg.KeyURI,
			StreamIndex:    job.streamIndex,
			StreamCount:    job.streamCount,
			PTS:            player.InvalidPTS,
			FirstInSegment: first,
		}
		if first && encrypted {
			s.playerSet(player.OptDecryptionParams, player.HexParams(meta, seg.DRMType))
		}
		if err := s.player.SendBuffer(buf, int(n), meta); err != nil {
			return sent, fmt.Errorf("send buffer: %v: %w", err, types.ErrGeneric)
		}
		first = false
		sent += n
	}
}

// playerBuffer polls the player until it hands out a buffer.
func (s *Session) playerBuffer(ctx context.Context) ([]byte, error) {
	for {
		if buf := s.player.GetBuffer(); cap(buf) > 0 {
			return buf[:cap(buf)], nil
		}
		if err := sleepCtx(ctx, bufferPollInterval); err != nil {
			return nil, err
		}
	}
}

// resolveKey fills in the key of a segment encrypted without a vendor key
// system, from the key cache or the key URI.
func (s *Session) resolveKey(ctx context.Context, job segmentJob) error {
	seg := job.seg
	if seg.Encryption == playlist.EncryptionNone || seg.DRMType != "" {
		return nil
	}
	if seg.Key != ([aesBlock]byte{}) || !utils.IsHTTP(seg.KeyURI) {
		return nil
	}
	if key, ok := s.keys.Get(seg.KeyURI); ok {
		seg.Key = key
		return nil
	}

	for {
		data, _, err := job.tx.Fetch(ctx, seg.KeyURI)
		switch {
		case err == nil:
			if len(data) != aesBlock {
				return fmt.Errorf("key %s is %d bytes: %w", utils.LogURL(s.cfg, seg.KeyURI), len(data), types.ErrParse)
			}
			copy(seg.Key[:], data)
			s.keys.Set(seg.KeyURI, seg.Key)
			return nil
		case errors.Is(err, types.ErrDownload):
			metrics.DownloadErrors.WithLabelValues(s.id, "key").Inc()
			s.report(fmt.Errorf("key %s: %w", utils.LogURL(s.cfg, seg.KeyURI), err), false)
			if err := sleepCtx(ctx, s.cfg.SegmentRetryDelay); err != nil {
				return err
			}
		default:
			return err
		}
	}
}
