package session

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hls-engine/work/buffer"
	"hls-engine/work/client"
	"hls-engine/work/config"
	"hls-engine/work/logger"
	"hls-engine/work/player"
	"hls-engine/work/types"
)

var httpLeaks = []goleak.Option{
	goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
}

// ants starts a package level default pool at init.
var antsLeaks = []goleak.Option{
	goleak.IgnoreTopFunction("github.com/panjf2000/ants/v2.(*poolCommon).purgeStaleWorkers"),
	goleak.IgnoreTopFunction("github.com/panjf2000/ants/v2.(*poolCommon).ticktock"),
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, append(append([]goleak.Option{}, httpLeaks...), antsLeaks...)...)
}

// origin is an in-memory HLS server. Range requests are honoured.
type origin struct {
	srv *httptest.Server

	mu     sync.Mutex
	files  map[string][]byte
	hits   map[string]int
	ranges map[string][]string
	cuts   map[string]int
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{
		files:  map[string][]byte{},
		hits:   map[string]int{},
		ranges: map[string][]string{},
		cuts:   map[string]int{},
	}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		data, ok := o.files[r.URL.Path]
		o.hits[r.URL.Path]++
		o.ranges[r.URL.Path] = append(o.ranges[r.URL.Path], r.Header.Get("Range"))
		cut := o.cuts[r.URL.Path]
		delete(o.cuts, r.URL.Path)
		o.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if cut > 0 && cut < len(data) {
			// announce the full body, send part of it, drop the connection
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data[:cut])
			w.(http.Flusher).Flush()
			if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
				_ = conn.Close()
			}
			return
		}
		http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(o.srv.Close)
	return o
}

// cutAfter makes the next plain request for path fail after n body bytes.
func (o *origin) cutAfter(path string, n int) {
	o.mu.Lock()
	o.cuts[path] = n
	o.mu.Unlock()
}

func (o *origin) rangesFor(path string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.ranges[path]...)
}

func (o *origin) set(path, body string) {
	o.mu.Lock()
	o.files[path] = []byte(body)
	o.mu.Unlock()
}

func (o *origin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *origin) url(path string) string { return o.srv.URL + path }

func segmentBody(name string, i int) string {
	return strings.Repeat(fmt.Sprintf("<%s-%d>", name, i), 6)
}

// addVOD publishes a complete media playlist of n segments under dir.
func (o *origin) addVOD(dir string, n int, dur float64, extra string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n#EXT-X-MEDIA-SEQUENCE:0\n%s", extra)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\nseg%d.ts\n", dur, i)
		o.set(fmt.Sprintf("%s/seg%d.ts", dir, i), segmentBody(dir, i))
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	o.set(dir+"/index.m3u8", b.String())
	return dir + "/index.m3u8"
}

// setLive publishes a live window of 1s segments [from, to) under dir.
func (o *origin) setLive(dir string, from, to int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n#EXT-X-MEDIA-SEQUENCE:%d\n", from)
	for i := from; i < to; i++ {
		fmt.Fprintf(&b, "#EXTINF:1.000,\nseg%d.ts\n", i)
		o.set(fmt.Sprintf("%s/seg%d.ts", dir, i), segmentBody(dir, i))
	}
	o.set(dir+"/index.m3u8", b.String())
	return dir + "/index.m3u8"
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

type recorder struct {
	mu     sync.Mutex
	events []player.EventData
	errs   []player.ErrorReport
}

func (r *recorder) onEvent(ev player.EventData) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) onError(e player.ErrorReport) {
	r.mu.Lock()
	r.errs = append(r.errs, e)
	r.mu.Unlock()
}

func (r *recorder) has(e player.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Event == e {
			return true
		}
	}
	return false
}

func (r *recorder) count(e player.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Event == e {
			n++
		}
	}
	return n
}

func (r *recorder) eventsOf(e player.Event) []player.EventData {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []player.EventData
	for _, ev := range r.events {
		if ev.Event == e {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) advisory(code types.ErrorCode) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.errs {
		if !e.Fatal && e.Code == code {
			n++
		}
	}
	return n
}

func (r *recorder) fatal() []player.ErrorReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []player.ErrorReport
	for _, e := range r.errs {
		if e.Fatal {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	s    *Session
	sink *player.FileSink
	out  *syncBuffer
	rec  *recorder
	hsc  *client.HeaderSettingClient
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.LogLevel = "ERROR"
	cfg.ScratchDir = t.TempDir()
	cfg.PrepareTimeout = 3 * time.Second
	cfg.SegmentRetryDelay = 10 * time.Millisecond
	cfg.PlaylistRetryDelay = 10 * time.Millisecond
	cfg.LiveTailPollInterval = 20 * time.Millisecond
	cfg.PlaylistRequestsPerSecond = 1000
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, src string) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, src, nil)
}

// newHarnessWith lets wrap put a player in front of the file sink.
func newHarnessWith(t *testing.T, cfg *config.Config, src string, wrap func(*player.FileSink) player.Player) *harness {
	t.Helper()
	h := &harness{out: &syncBuffer{}, rec: &recorder{}, hsc: client.NewHeaderSettingClient(cfg)}
	h.sink = player.NewFileSink(h.out, buffer.NewBufferPool(64, 16), player.SinkOptions{
		Tick:         10 * time.Millisecond,
		UnderrunWait: 150 * time.Millisecond,
	})
	var p player.Player = h.sink
	if wrap != nil {
		p = wrap(h.sink)
	}

	s, err := New(Options{Config: cfg, Player: p, Client: h.hsc, Logger: logger.New(cfg.LogLevel)})
	require.NoError(t, err)
	s.RegisterCallbacks(h.rec.onEvent, h.rec.onError)
	require.NoError(t, s.SetDataSource(src))
	h.s = s

	t.Cleanup(func() {
		_ = s.Close()
		_ = h.sink.Close()
		h.hsc.Client.CloseIdleConnections()
	})
	return h
}

func expectedBodies(dir string, from, to int) string {
	var b strings.Builder
	for i := from; i < to; i++ {
		b.WriteString(segmentBody(dir, i))
	}
	return b.String()
}

func TestPlayVODToEndOfFile(t *testing.T) {
	o := newOrigin(t)
	src := o.addVOD("/vod", 3, 1, "")
	h := newHarness(t, testConfig(t), o.url(src))

	require.NoError(t, h.s.Prepare())
	assert.Equal(t, StatePrepared, h.s.State())
	dur, err := h.s.Duration()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, dur)
	pos, err := h.s.Position()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), pos)

	require.NoError(t, h.s.Play())
	assert.Equal(t, StatePlaying, h.s.State())

	require.Eventually(t, func() bool { return h.rec.has(player.EventEOF) }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.out.String() == expectedBodies("/vod", 0, 3) }, 5*time.Second, 10*time.Millisecond)

	// the underrun after the last buffer completes playback
	require.Eventually(t, func() bool { return h.sink.Stats().Mode == player.TrickPause }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.rec.fatal())
	assert.Equal(t, 1, o.hitCount("/vod/seg2.ts"))
}

func TestSeekToDurationResolvesToLastSegment(t *testing.T) {
	o := newOrigin(t)
	src := o.addVOD("/vod", 3, 1, "")
	h := newHarness(t, testConfig(t), o.url(src))
	require.NoError(t, h.s.Prepare())

	dur, err := h.s.Duration()
	require.NoError(t, err)

	assert.ErrorIs(t, h.s.Seek(dur+time.Second), types.ErrUnsupported)
	assert.ErrorIs(t, h.s.Seek(-time.Second), types.ErrInvalidParameter)

	require.NoError(t, h.s.Seek(dur))
	pos, err := h.s.Position()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, pos)

	require.NoError(t, h.s.Play())
	require.Eventually(t, func() bool { return h.rec.has(player.EventEOF) }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.out.String() == segmentBody("/vod", 2) }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, o.hitCount("/vod/seg0.ts"))
}

func TestSeekInsideSegmentStartsAtThatSegment(t *testing.T) {
	o := newOrigin(t)
	src := o.addVOD("/vod", 3, 1, "")
	h := newHarness(t, testConfig(t), o.url(src))
	require.NoError(t, h.s.Prepare())

	require.NoError(t, h.s.Seek(1500*time.Millisecond))
	pos, err := h.s.Position()
	require.NoError(t, err)
	assert.Equal(t, time.Second, pos)
	assert.Equal(t, StatePrepared, h.s.State())
}

func TestSetSpeedWithoutIFramesIsUnsupported(t *testing.T) {
	o := newOrigin(t)
	src := o.addVOD("/vod", 3, 1, "")
	h := newHarness(t, testConfig(t), o.url(src))
	require.NoError(t, h.s.Prepare())

	assert.ErrorIs(t, h.s.SetSpeed(2), types.ErrUnsupported)
	assert.Equal(t, 1.0, h.s.Speed())
	assert.ErrorIs(t, h.s.SetSpeed(-1), types.ErrUnsupported)
	assert.Equal(t, StatePrepared, h.s.State())
}

func TestSetSpeedPauseAndResume(t *testing.T) {
	o := newOrigin(t)
	src := o.addVOD("/vod", 3, 1, "")
	h := newHarness(t, testConfig(t), o.url(src))
	require.NoError(t, h.s.Prepare())

	require.NoError(t, h.s.SetSpeed(0.5))
	assert.Equal(t, 1.0, h.s.Speed())
	assert.Equal(t, StatePrepared, h.s.State())

	require.NoError(t, h.s.Play())
	require.NoError(t, h.s.SetSpeed(0))
	assert.Equal(t, 0.0, h.s.Speed())
	assert.Equal(t, player.TrickPause, h.sink.Stats().Mode)

	require.NoError(t, h.s.SetSpeed(1))
	assert.Equal(t, player.TrickNormal, h.sink.Stats().Mode)
	assert.Equal(t, StatePlaying, h.s.State())
}

func TestStopReturnsToPrepared(t *testing.T) {
	o := newOrigin(t)
	src := o.addVOD("/vod", 3, 1, "")
	h := newHarness(t, testConfig(t), o.url(src))

	assert.ErrorIs(t, h.s.Stop(), types.ErrState)
	assert.ErrorIs(t, h.s.Play(), types.ErrState)

	require.NoError(t, h.s.Prepare())
	require.NoError(t, h.s.Stop())

	require.NoError(t, h.s.Play())
	require.NoError(t, h.s.Stop())
	assert.Equal(t, StatePrepared, h.s.State())
	assert.Zero(t, h.s.buffered())

	pos, err := h.s.Position()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pos, time.Duration(0))
	assert.LessOrEqual(t, pos, 3*time.Second)

	require.NoError(t, h.s.Play())
	require.Eventually(t, func() bool { return h.rec.has(player.EventEOF) }, 5*time.Second, 10*time.Millisecond)
}

func TestPrepareFailureRollsBack(t *testing.T) {
	o := newOrigin(t)
	cfg := testConfig(t)
	h := newHarness(t, cfg, o.url("/missing/index.m3u8"))

	err := h.s.Prepare()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDownload)
	assert.Equal(t, StateInitialized, h.s.State())
	assert.Nil(t, h.s.controller())
	assert.NotEmpty(t, h.rec.fatal())

	o.addVOD("/missing", 2, 1, "")
	require.NoError(t, h.s.Prepare())
	assert.Equal(t, StatePrepared, h.s.State())
}

func TestSetDataSourceValidation(t *testing.T) {
	o := newOrigin(t)
	src := o.addVOD("/vod", 1, 1, "")
	h := newHarness(t, testConfig(t), o.url(src))

	assert.ErrorIs(t, h.s.SetDataSource("file:///etc/passwd"), types.ErrInvalidParameter)
	require.NoError(t, h.s.Prepare())
	assert.ErrorIs(t, h.s.SetDataSource(o.url(src)), types.ErrState)
}

func TestCloseJoinsEveryGoroutine(t *testing.T) {
	o := newOrigin(t)
	src := o.addVOD("/vod", 3, 1, "")
	cfg := testConfig(t)
	hsc := client.NewHeaderSettingClient(cfg)
	sink := player.NewFileSink(&syncBuffer{}, buffer.NewBufferPool(64, 2), player.SinkOptions{})

	ignore := append([]goleak.Option{goleak.IgnoreCurrent()}, httpLeaks...)

	s, err := New(Options{Config: cfg, Player: sink, Client: hsc})
	require.NoError(t, err)
	require.NoError(t, s.SetDataSource(o.url(src)))
	require.NoError(t, s.Prepare())
	require.NoError(t, s.SetSpeed(0))
	require.NoError(t, s.Play())

	require.NoError(t, s.Close())
	assert.Equal(t, StateInvalid, s.State())
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Play(), types.ErrState)

	require.NoError(t, sink.Close())
	hsc.Client.CloseIdleConnections()
	goleak.VerifyNone(t, ignore...)
}

const masterWithIFrames = `#EXTM3U
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=200000
main/index.m3u8
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=800000
high/index.m3u8
#EXT-X-I-FRAME-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=90000,URI="main/iframe.m3u8"
`

func addIFrames(o *origin, dir string, n int, dur float64) {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:4\n#EXT-X-TARGETDURATION:1\n#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-I-FRAMES-ONLY\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n#EXT-X-BYTERANGE:10@0\nseg%d.ts\n", dur, i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	o.set(dir+"/iframe.m3u8", b.String())
}

func newVariantOrigin(t *testing.T) *origin {
	o := newOrigin(t)
	o.set("/master.m3u8", masterWithIFrames)
	o.addVOD("/main", 3, 0.5, "")
	o.addVOD("/high", 3, 0.5, "")
	addIFrames(o, "/main", 3, 0.5)
	return o
}

func TestVariantStartsAboveBitrateFloor(t *testing.T) {
	o := newVariantOrigin(t)
	h := newHarness(t, testConfig(t), o.url("/master.m3u8"))

	assert.ErrorIs(t, h.s.SetBitrateLimit(5, 1), types.ErrInvalidParameter)
	assert.ErrorIs(t, h.s.SetBitrateLimit(-1, 0), types.ErrInvalidParameter)
	require.NoError(t, h.s.SetBitrateLimit(500000, 0))

	require.NoError(t, h.s.Prepare())
	st := h.s.Status()
	assert.Equal(t, 800000, st.Bitrate)
	assert.False(t, st.Live)
	assert.Equal(t, StatePrepared.String(), st.State)
}

func TestChangeBitrateKeepsPosition(t *testing.T) {
	o := newVariantOrigin(t)
	h := newHarness(t, testConfig(t), o.url("/master.m3u8"))
	require.NoError(t, h.s.Prepare())
	require.NoError(t, h.s.Seek(time.Second))

	var got []player.EventData
	h.s.playlistMu.Lock()
	_, err := h.s.changeBitrate(context.Background(), 12345)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
	ev, err := h.s.changeBitrate(context.Background(), 800000)
	if ev != nil {
		got = append(got, *ev)
	}
	h.s.playlistMu.Unlock()
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, player.EventSwitchedBitrate, got[0].Event)
	assert.Equal(t, 800000, got[0].Bitrate)

	pos, err := h.s.Position()
	require.NoError(t, err)
	assert.Equal(t, time.Second, pos)
	assert.Equal(t, 800000, h.s.Status().Bitrate)
}

func TestTrickPlayStopsAtEndOfFile(t *testing.T) {
	o := newVariantOrigin(t)
	h := newHarness(t, testConfig(t), o.url("/master.m3u8"))
	require.NoError(t, h.s.Prepare())

	require.NoError(t, h.s.SetSpeed(4))
	assert.Equal(t, StatePlaying, h.s.State())
	assert.Equal(t, player.TrickLowDelay, h.sink.Stats().Mode)

	require.Eventually(t, func() bool { return h.rec.has(player.EventEOF) }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.s.Speed() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, []int{200000, 800000}, h.s.Status().Bitrate)
	assert.Positive(t, o.hitCount("/main/iframe.m3u8"))
	assert.Empty(t, h.rec.fatal())
}

func TestRewindAtStartIsUnsupported(t *testing.T) {
	o := newVariantOrigin(t)
	h := newHarness(t, testConfig(t), o.url("/master.m3u8"))
	require.NoError(t, h.s.Prepare())

	assert.ErrorIs(t, h.s.SetSpeed(-2), types.ErrUnsupported)
	assert.Equal(t, 1.0, h.s.Speed())
}

func TestEncryptedSegmentsFetchKeyOnce(t *testing.T) {
	o := newOrigin(t)
	key := "0123456789abcdef"
	o.set("/enc/key.bin", key)
	src := o.addVOD("/enc", 3, 1, "#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n")
	h := newHarness(t, testConfig(t), o.url(src))

	require.NoError(t, h.s.Prepare())
	require.NoError(t, h.s.Play())
	require.Eventually(t, func() bool { return h.rec.has(player.EventEOF) }, 5*time.Second, 10*time.Millisecond)

	params, ok := h.sink.Decryption()
	require.True(t, ok)
	assert.Equal(t, "30313233343536373839616263646566", params.Key)
	assert.Equal(t, o.url("/enc/key.bin"), params.KeyURI)
	assert.Empty(t, params.DRMType)
	assert.Len(t, params.IV, 32)
	assert.Equal(t, 1, o.hitCount("/enc/key.bin"))
}

func TestNewRequiresPlayer(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestFastForwardAfterFullDownload(t *testing.T) {
	o := newVariantOrigin(t)
	h := newHarness(t, testConfig(t), o.url("/master.m3u8"))
	require.NoError(t, h.s.Prepare())

	// paused: the whole VOD is fetched while the player stays at the start
	require.NoError(t, h.s.SetSpeed(0))
	require.Eventually(t, func() bool { return h.rec.has(player.EventEOF) }, 5*time.Second, 10*time.Millisecond)
	pos, err := h.s.Position()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), pos)

	require.NoError(t, h.s.SetSpeed(2))
	assert.Equal(t, StatePlaying, h.s.State())
	require.Eventually(t, func() bool { return h.rec.count(player.EventEOF) >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Positive(t, o.hitCount("/main/iframe.m3u8"))
	assert.Empty(t, h.rec.fatal())
}

func TestSegmentDownloadResumesAfterCut(t *testing.T) {
	o := newOrigin(t)
	src := o.addVOD("/cut", 2, 1, "")
	o.cutAfter("/cut/seg0.ts", 20)
	h := newHarness(t, testConfig(t), o.url(src))

	require.NoError(t, h.s.Prepare())
	require.NoError(t, h.s.Play())
	require.Eventually(t, func() bool { return h.rec.has(player.EventEOF) }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.out.String() == expectedBodies("/cut", 0, 2) }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"", "bytes=20-"}, o.rangesFor("/cut/seg0.ts"))
	assert.GreaterOrEqual(t, h.rec.advisory(types.CodeDownload), 1)
	assert.Empty(t, h.rec.fatal())
}

func TestPausedLiveResumesBeforeLeavingWindow(t *testing.T) {
	o := newOrigin(t)
	src := o.setLive("/live", 0, 6)
	h := newHarness(t, testConfig(t), o.url(src))
	require.NoError(t, h.s.Prepare())

	st := h.s.Status()
	assert.True(t, st.Live)
	assert.Equal(t, time.Second, st.Duration)

	require.NoError(t, h.s.SetSpeed(0))
	require.Eventually(t, func() bool { return o.hitCount("/live/seg5.ts") == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, h.rec.has(player.EventForcedResume))

	// the window slides by two segments while the player is paused
	o.setLive("/live", 2, 8)

	require.Eventually(t, func() bool { return h.rec.has(player.EventForcedResume) }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, h.rec.has(player.EventBOS))
	assert.Equal(t, 1.0, h.s.Speed())
	assert.Equal(t, player.TrickNormal, h.sink.Stats().Mode)
	assert.Empty(t, h.rec.fatal())
}

func TestLiveReloadExtendsPlayback(t *testing.T) {
	o := newOrigin(t)
	src := o.setLive("/live", 0, 6)
	h := newHarness(t, testConfig(t), o.url(src))
	require.NoError(t, h.s.Prepare())
	require.NoError(t, h.s.Play())

	// playback starts three target durations behind the live edge
	require.Eventually(t, func() bool { return h.out.String() == expectedBodies("/live", 3, 6) }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, o.hitCount("/live/seg2.ts"))

	o.setLive("/live", 2, 8)
	require.Eventually(t, func() bool { return h.out.String() == expectedBodies("/live", 3, 8) }, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, o.hitCount("/live/index.m3u8"), 2)
	assert.False(t, h.rec.has(player.EventEOF))
	assert.Empty(t, h.rec.fatal())
}

// metaPlayer records the metadata of the first buffer of every segment.
type metaPlayer struct {
	*player.FileSink

	mu    sync.Mutex
	metas []player.BufferMeta
}

func (m *metaPlayer) SendBuffer(buf []byte, n int, meta player.BufferMeta) error {
	if n > 0 && meta.FirstInSegment {
		m.mu.Lock()
		m.metas = append(m.metas, meta)
		m.mu.Unlock()
	}
	return m.FileSink.SendBuffer(buf, n, meta)
}

func (m *metaPlayer) recorded() []player.BufferMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]player.BufferMeta(nil), m.metas...)
}

const masterWithAudio = `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",LANGUAGE="en",NAME="English",DEFAULT=YES,AUTOSELECT=YES,URI="audio/index.m3u8"
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=200000,AUDIO="aud"
main/index.m3u8
`

func TestAlternateGroupInterleavesWithMain(t *testing.T) {
	o := newOrigin(t)
	o.set("/master.m3u8", masterWithAudio)
	o.addVOD("/main", 3, 1, "")
	o.addVOD("/audio", 3, 1, "")

	var mp *metaPlayer
	h := newHarnessWith(t, testConfig(t), o.url("/master.m3u8"), func(fs *player.FileSink) player.Player {
		mp = &metaPlayer{FileSink: fs}
		return mp
	})
	require.NoError(t, h.s.Prepare())
	require.NoError(t, h.s.Play())
	require.Eventually(t, func() bool { return h.rec.has(player.EventEOF) }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(mp.recorded()) == 6 }, 5*time.Second, 10*time.Millisecond)

	var order []int
	for _, m := range mp.recorded() {
		order = append(order, m.StreamIndex)
		assert.Equal(t, 2, m.StreamCount)
	}
	assert.Equal(t, []int{0, 1, 0, 1, 0, 1}, order)
	assert.Equal(t, 1, o.hitCount("/audio/seg2.ts"))

	// the sink renders the main rendition only
	require.Eventually(t, func() bool { return h.out.String() == expectedBodies("/main", 0, 3) }, 5*time.Second, 10*time.Millisecond)
}

func TestLowBufferSwitchesDownDuringPlayback(t *testing.T) {
	o := newVariantOrigin(t)
	h := newHarness(t, testConfig(t), o.url("/master.m3u8"))
	require.NoError(t, h.s.SetBitrateLimit(500000, 0))
	require.NoError(t, h.s.Prepare())
	assert.Equal(t, 800000, h.s.Status().Bitrate)

	// lifting the floor lets the nearly empty buffer pull the tier down
	require.NoError(t, h.s.SetBitrateLimit(0, 0))
	require.NoError(t, h.s.Play())

	require.Eventually(t, func() bool { return h.rec.has(player.EventSwitchedBitrate) }, 5*time.Second, 10*time.Millisecond)
	sw := h.rec.eventsOf(player.EventSwitchedBitrate)
	assert.Equal(t, 200000, sw[0].Bitrate)

	require.Eventually(t, func() bool { return h.rec.has(player.EventEOF) }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		out := h.out.String()
		return strings.HasPrefix(out, segmentBody("/high", 0)) && strings.HasSuffix(out, segmentBody("/main", 2))
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, o.hitCount("/main/seg0.ts"))
	assert.Empty(t, h.rec.fatal())
}
