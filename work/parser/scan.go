package parser

import (
	"fmt"
	"strings"

	"hls-engine/work/playlist"
	"hls-engine/work/types"
)

// MaxSupportedVersion is the highest EXT-X-VERSION accepted.
const MaxSupportedVersion = 5

const (
	tagHeader         = "#EXTM3U"
	tagInf            = "#EXTINF"
	tagStreamInf      = "#EXT-X-STREAM-INF"
	tagIFrameStream   = "#EXT-X-I-FRAME-STREAM-INF"
	tagMedia          = "#EXT-X-MEDIA"
	tagVersion        = "#EXT-X-VERSION"
	tagTargetDuration = "#EXT-X-TARGETDURATION"
	tagMediaSequence  = "#EXT-X-MEDIA-SEQUENCE"
	tagAllowCache     = "#EXT-X-ALLOW-CACHE"
	tagPlaylistType   = "#EXT-X-PLAYLIST-TYPE"
	tagKey            = "#EXT-X-KEY"
	tagCiscoKey       = "#EXT-X-CISCO-KEY"
	tagProtHeader     = "#EXT-X-CISCO-PROT-HEADER"
	tagDateTime       = "#EXT-X-PROGRAM-DATE-TIME"
	tagDiscontinuity  = "#EXT-X-DISCONTINUITY"
	tagEndList        = "#EXT-X-ENDLIST"
	tagByteRange      = "#EXT-X-BYTERANGE"
	tagIFramesOnly    = "#EXT-X-I-FRAMES-ONLY"
)

// class is the outcome of the pre-scan.
type class int

const (
	classInvalid class = iota
	classVariant
	classMedia
	classWrongVersion
)

// header holds the playlist-scoped tags found by the pre-scan.
type header struct {
	class          class
	version        int
	targetDuration float64
	mediaSequence  int
	endList        bool
	cacheable      bool
	mutability     playlist.Mutability
	iframesOnly    bool
	protHeaders    []playlist.ProtHeader
}

// hasTag reports whether line is exactly tag or tag followed by ':'.
func hasTag(line, tag string) bool {
	return line == tag || strings.HasPrefix(line, tag+":")
}

// splitLines returns the trimmed, non-empty lines of a playlist body.
func splitLines(data []byte) []string {
	raw := strings.Split(string(data), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSpace(l)
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// prescan classifies the playlist and collects its playlist-scoped tags.
// Malformed values are reported as ErrParse so the caller retries.
func prescan(lines []string) (*header, error) {
	h := &header{class: classInvalid, version: 1, cacheable: true}

	if len(lines) == 0 || !strings.HasPrefix(lines[0], tagHeader) {
		return h, fmt.Errorf("missing %s: %w", tagHeader, types.ErrParse)
	}

	variant, media := false, false
	for _, line := range lines[1:] {
		if !strings.HasPrefix(line, "#EXT") {
			continue
		}
		var err error
		switch {
		case hasTag(line, tagStreamInf), hasTag(line, tagIFrameStream), hasTag(line, tagMedia):
			variant = true
		case hasTag(line, tagInf):
			media = true
		case hasTag(line, tagVersion):
			h.version, err = parseInt(tagValue(line, tagVersion))
		case hasTag(line, tagTargetDuration):
			media = true
			h.targetDuration, err = parseFloat(tagValue(line, tagTargetDuration))
		case hasTag(line, tagMediaSequence):
			h.mediaSequence, err = parseInt(tagValue(line, tagMediaSequence))
		case hasTag(line, tagEndList):
			h.endList = true
		case hasTag(line, tagAllowCache):
			h.cacheable = !strings.EqualFold(tagValue(line, tagAllowCache), "NO")
		case hasTag(line, tagPlaylistType):
			switch strings.ToUpper(tagValue(line, tagPlaylistType)) {
			case "VOD":
				h.mutability = playlist.MutabilityVOD
			case "EVENT":
				h.mutability = playlist.MutabilityEvent
			default:
				err = fmt.Errorf("unknown playlist type")
			}
		case hasTag(line, tagIFramesOnly):
			h.iframesOnly = true
		case hasTag(line, tagProtHeader):
			h.protHeaders = append(h.protHeaders, protHeader(tagValue(line, tagProtHeader)))
		}
		if err != nil {
			return h, fmt.Errorf("line %q: %v: %w", line, err, types.ErrParse)
		}
	}

	switch {
	case variant && media:
		return h, fmt.Errorf("both variant and media tags present: %w", types.ErrParse)
	case variant:
		h.class = classVariant
	case media:
		h.class = classMedia
	default:
		return h, fmt.Errorf("neither variant nor media playlist: %w", types.ErrParse)
	}

	if h.version > MaxSupportedVersion {
		h.class = classWrongVersion
		return h, fmt.Errorf("playlist version %d above %d: %w", h.version, MaxSupportedVersion, types.ErrUnsupported)
	}
	return h, nil
}

// protHeader reads an EXT-X-CISCO-PROT-HEADER attribute list. Several
// spellings of each attribute are seen in the field.
func protHeader(list string) playlist.ProtHeader {
	attrs := attributes(list)
	ph := playlist.ProtHeader{
		DRMType: first(attrs, "DRM-TYPE", "DRMTYPE", "DRM"),
		KeyID:   first(attrs, "KEY-ID", "KEYID", "DRMID"),
		Blob:    first(attrs, "BLOB", "DRM-BLOB", "DRMBLOB", "DATA"),
	}
	if id, err := parseInt(first(attrs, "PROGRAM-ID")); err == nil {
		ph.ProgramID = id
	}
	return ph
}
