package player

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hls-engine/work/buffer"
	"hls-engine/work/playlist"
	"hls-engine/work/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newSink(t *testing.T, slots int) (*FileSink, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	s := NewFileSink(out, buffer.NewBufferPool(32, slots), SinkOptions{
		Tick:         5 * time.Millisecond,
		UnderrunWait: 30 * time.Millisecond,
	})
	t.Cleanup(func() { _ = s.Close() })
	return s, out
}

func send(t *testing.T, s *FileSink, data string, meta BufferMeta) {
	t.Helper()
	buf := s.GetBuffer()
	require.NotZero(t, cap(buf))
	n := copy(buf, data)
	require.NoError(t, s.SendBuffer(buf, n, meta))
}

func TestFileSinkWritesMainStreamInOrder(t *testing.T) {
	s, out := newSink(t, 4)

	send(t, s, "abc", BufferMeta{FirstInSegment: true, PTS: InvalidPTS})
	send(t, s, "audio", BufferMeta{StreamIndex: 1, StreamCount: 2})
	send(t, s, "def", BufferMeta{})

	require.NoError(t, s.Drain(context.Background()))
	assert.Equal(t, "abcdef", out.String())

	st := s.Stats()
	assert.Equal(t, int64(3), st.Buffers)
	assert.Equal(t, int64(6), st.Bytes)
	assert.Equal(t, int64(1), st.Alternate)
}

func TestFileSinkBackpressureWhilePaused(t *testing.T) {
	s, out := newSink(t, 2)
	require.NoError(t, s.Set(OptTrickMode, TrickPause))

	send(t, s, "a", BufferMeta{})
	send(t, s, "b", BufferMeta{})
	assert.Zero(t, cap(s.GetBuffer()), "all slots are queued")

	require.NoError(t, s.Set(OptTrickMode, TrickNormal))
	require.Eventually(t, func() bool { return cap(s.GetBuffer()) > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ab", out.String())
}

func TestFileSinkFlushReleasesSlots(t *testing.T) {
	s, out := newSink(t, 1)
	require.NoError(t, s.Set(OptTrickMode, TrickPause))
	send(t, s, "x", BufferMeta{})
	require.NoError(t, s.Set(OptBufferFlush, nil))

	buf := s.GetBuffer()
	require.NotZero(t, cap(buf))
	require.NoError(t, s.SendBuffer(buf, 0, BufferMeta{}))
	assert.Empty(t, out.String())
}

func TestFileSinkRejectsForeignBuffers(t *testing.T) {
	s, _ := newSink(t, 1)
	err := s.SendBuffer(make([]byte, 8), 4, BufferMeta{})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	err = s.Set(OptTrickMode, "fast")
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = s.Get(OptBufferFlush)
	assert.ErrorIs(t, err, types.ErrUnsupported)
}

func TestFileSinkClockAndUnderrun(t *testing.T) {
	s, _ := newSink(t, 2)

	var mu sync.Mutex
	var maxPTS int64
	underruns := 0
	s.RegisterCallback(func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		switch n.Kind {
		case NotifyPTS:
			if n.PTS > maxPTS {
				maxPTS = n.PTS
			}
		case NotifyAudioUnderrun:
			underruns++
		}
	})

	send(t, s, "data", BufferMeta{})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return underruns == 1 && maxPTS > 0
	}, time.Second, 5*time.Millisecond)

	pts, err := s.Get(OptCurrentPTS)
	require.NoError(t, err)
	assert.Positive(t, pts.(int64))
}

func TestDecryptionParamsAreHexEncoded(t *testing.T) {
	s, _ := newSink(t, 1)
	meta := BufferMeta{Encryption: playlist.EncryptionAES128CBC, KeyURI: "https://k/1"}
	meta.Key[15] = 0xab
	meta.IV[0] = 0x01
	require.NoError(t, s.Set(OptDecryptionParams, HexParams(meta, "")))

	p, ok := s.Decryption()
	require.True(t, ok)
	assert.Equal(t, "000000000000000000000000000000ab", p.Key)
	assert.Equal(t, "01000000000000000000000000000000", p.IV)
	assert.Equal(t, "https://k/1", p.KeyURI)
}
