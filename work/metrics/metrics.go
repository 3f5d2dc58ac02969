package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveSessions tracks the number of sessions currently held by the manager.
var ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "hls_engine_active_sessions",
	Help: "Number of active sessions",
})

// SegmentsDownloaded counts segments fully pushed to the player. The "kind"
// label separates normal segments from I-frames and alternate-group media.
var SegmentsDownloaded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hls_engine_segments_downloaded_total",
	Help: "Total segments downloaded and pushed to the player",
}, []string{"session", "kind"})

// BytesDownloaded tracks segment payload bytes per session.
var BytesDownloaded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hls_engine_bytes_downloaded_total",
	Help: "Total segment bytes downloaded",
}, []string{"session"})

// SegmentThroughput is the smoothed (EWMA) segment download rate in bits/s.
var SegmentThroughput = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "hls_engine_segment_throughput_bps",
	Help: "Average segment download rate in bits per second",
}, []string{"session"})

// CurrentBitrate is the nominal bitrate of the playlist being downloaded.
var CurrentBitrate = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "hls_engine_current_bitrate_bps",
	Help: "Bitrate of the current media playlist",
}, []string{"session"})

// BitrateSwitches counts adaptation switches by direction ("up" or "down").
var BitrateSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hls_engine_bitrate_switches_total",
	Help: "Number of bitrate switches",
}, []string{"session", "direction"})

// DownloadErrors counts retried transfer failures by target ("segment",
// "playlist" or "key").
var DownloadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hls_engine_download_errors_total",
	Help: "Number of failed transfers",
}, []string{"session", "target"})

// PlaylistReloads counts live playlist reloads, labelled by whether the
// remote playlist had changed.
var PlaylistReloads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hls_engine_playlist_reloads_total",
	Help: "Number of live playlist reloads",
}, []string{"session", "changed"})

// Forget drops every per-session series once a session is closed.
func Forget(session string) {
	labels := prometheus.Labels{"session": session}
	SegmentsDownloaded.DeletePartialMatch(labels)
	BytesDownloaded.DeletePartialMatch(labels)
	SegmentThroughput.DeletePartialMatch(labels)
	CurrentBitrate.DeletePartialMatch(labels)
	BitrateSwitches.DeletePartialMatch(labels)
	DownloadErrors.DeletePartialMatch(labels)
	PlaylistReloads.DeletePartialMatch(labels)
}
