// Package player defines the boundary between the HLS engine and the media
// pipeline that consumes its buffers, plus the events and errors the engine
// reports to its embedder.
package player

import (
	"fmt"

	"hls-engine/work/playlist"
	"hls-engine/work/types"
)

// InvalidPTS marks a buffer or notification without a timestamp.
const InvalidPTS int64 = -1

// PTSClock is the presentation timestamp rate (90 kHz).
const PTSClock = 90000

// Player is the five-operation contract a downstream media pipeline offers
// the engine.
type Player interface {
	// RegisterCallback installs the engine's handler for player
	// notifications (PTS updates, discontinuities, audio underrun).
	RegisterCallback(cb func(Notification))

	// GetBuffer returns a writable slot. A buffer with zero capacity means
	// none is available right now and the caller must back off.
	GetBuffer() []byte

	// SendBuffer hands the first n bytes of buf to the pipeline. buf must
	// come from GetBuffer; n == 0 returns it unused.
	SendBuffer(buf []byte, n int, meta BufferMeta) error

	// Set changes a pipeline option.
	Set(opt Option, value any) error

	// Get reads a pipeline option.
	Get(opt Option) (any, error)
}

// BufferMeta travels with every buffer.
type BufferMeta struct {
	Encryption     playlist.EncryptionType
	IV             [16]byte
	Key            [16]byte
	KeyURI         string
	StreamIndex    int // 0 is the main rendition, alternate groups follow
	StreamCount    int
	PTS            int64 // InvalidPTS when unknown
	FirstInSegment bool
}

// Option enumerates Set/Get codes.
type Option int

const (
	// OptBufferFlush drops everything queued in the pipeline. No value.
	OptBufferFlush Option = iota
	// OptTrickMode takes or yields a TrickMode.
	OptTrickMode
	// OptDisableMainAudio takes a bool: the main rendition's audio is
	// replaced by an alternate group.
	OptDisableMainAudio
	// OptDecryptionParams takes a DecryptionParams, sent before the first
	// encrypted buffer of a segment.
	OptDecryptionParams
	// OptCurrentPTS yields the last rendered PTS as int64.
	OptCurrentPTS
)

func (o Option) String() string {
	switch o {
	case OptBufferFlush:
		return "BUFFER_FLUSH"
	case OptTrickMode:
		return "TRICK_MODE"
	case OptDisableMainAudio:
		return "DISABLE_MAIN_AUDIO"
	case OptDecryptionParams:
		return "DECRYPTION_PARAMS"
	case OptCurrentPTS:
		return "CURRENT_PTS"
	}
	return fmt.Sprintf("Option(%d)", int(o))
}

// TrickMode is the pipeline rendering mode.
type TrickMode int

const (
	TrickNormal TrickMode = iota
	TrickLowDelay
	TrickPause
)

func (m TrickMode) String() string {
	switch m {
	case TrickLowDelay:
		return "LOW_DELAY"
	case TrickPause:
		return "PAUSE"
	}
	return "NORMAL"
}

// DecryptionParams describes how the next encrypted buffers are decrypted.
// Key and IV are hex encoded.
type DecryptionParams struct {
	Encryption playlist.EncryptionType
	Key        string
	IV         string
	KeyURI     string
	DRMType    string
}

// NotificationKind is the type of a player-to-engine notification.
type NotificationKind int

const (
	NotifyPTS NotificationKind = iota
	NotifyDiscontinuity
	NotifyAudioUnderrun
)

// Notification is sent by the player through the registered callback.
type Notification struct {
	Kind NotificationKind
	PTS  int64
}

// Event is an engine-to-embedder event.
type Event int

const (
	EventForcedResume Event = iota
	EventBuffering
	EventSwitchedBitrate
	EventDrmLicense
	EventBOF
	EventBOS
	EventEOF
	EventEOS
)

var eventNames = map[Event]string{
	EventForcedResume:    "FORCED_RESUME",
	EventBuffering:       "BUFFERING",
	EventSwitchedBitrate: "SWITCHED_BITRATE",
	EventDrmLicense:      "DRM_LICENSE",
	EventBOF:             "BOF",
	EventBOS:             "BOS",
	EventEOF:             "EOF",
	EventEOS:             "EOS",
}

func (e Event) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// EventData is an Event with its payload. Bitrate is set for
// EventSwitchedBitrate, License for EventDrmLicense.
type EventData struct {
	Event   Event
	Bitrate int
	License *playlist.ProtHeader
}

// ErrorReport is an error delivered through the error callback. Advisory
// reports (Fatal false) describe retried failures; playback continues.
type ErrorReport struct {
	Code    types.ErrorCode
	Message string
	Fatal   bool
}

func (r ErrorReport) String() string {
	kind := "advisory"
	if r.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("%s %s: %s", kind, r.Code, r.Message)
}

// EventFunc receives engine events. It must not call back into the session
// synchronously.
type EventFunc func(EventData)

// ErrorFunc receives engine error reports, under the same rule as EventFunc.
type ErrorFunc func(ErrorReport)
