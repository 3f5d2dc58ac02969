package parser

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"hls-engine/work/playlist"
	"hls-engine/work/types"
	"hls-engine/work/utils"
)

// keyState is the encryption in force; it carries over from segment to
// segment until the next key tag.
type keyState struct {
	method  playlist.EncryptionType
	uri     string
	drmType string
	iv      [16]byte
	hasIV   bool
	seq     int // first sequence number the key applies to
}

// pendingTags buffers segment modifiers seen before the EXTINF they modify.
type pendingTags struct {
	discontinuity bool
	dateTime      time.Time
	byteRange     *playlist.ByteRange
}

// mediaBody is the result of parsing a media playlist body.
type mediaBody struct {
	segments []*playlist.Segment
	duration float64
}

// parseMedia walks a media playlist body. Modifier tags (discontinuity,
// program date time, byte range, key) apply to the segment whose EXTINF is
// open when they appear, otherwise to the next sequence number.
func parseMedia(lines []string, h *header, baseURL string) (*mediaBody, error) {
	out := &mediaBody{}
	seq := h.mediaSequence

	var (
		open         *playlist.Segment
		pending      pendingTags
		key          keyState
		lastRangeEnd int64
	)

	applyByteRange := func(seg *playlist.Segment, br *playlist.ByteRange, explicitOffset bool) {
		if !explicitOffset {
			br.Offset = lastRangeEnd
		}
		lastRangeEnd = br.Offset + br.Length
		seg.ByteRange = br
	}

	for _, line := range lines[1:] {
		if !strings.HasPrefix(line, "#") {
			if open == nil {
				return nil, fmt.Errorf("uri %q without %s: %w", line, tagInf, types.ErrParse)
			}
			open.URL = line
			finalizeKey(open, &key)
			out.segments = append(out.segments, open)
			out.duration += open.Duration
			open = nil
			seq++
			continue
		}

		switch {
		case hasTag(line, tagInf):
			if open != nil {
				return nil, fmt.Errorf("%s without uri: %w", tagInf, types.ErrParse)
			}
			value := tagValue(line, tagInf)
			durStr, title, _ := strings.Cut(value, ",")
			dur, err := parseFloat(durStr)
			if err != nil || dur < 0 {
				return nil, fmt.Errorf("bad %s %q: %w", tagInf, value, types.ErrParse)
			}
			open = &playlist.Segment{
				SeqNum:          seq,
				Duration:        dur,
				Name:            strings.TrimSpace(title),
				Discontinuity:   pending.discontinuity,
				ProgramDateTime: pending.dateTime,
			}
			if pending.byteRange != nil {
				open.ByteRange = pending.byteRange
			}
			pending = pendingTags{}

		case hasTag(line, tagDiscontinuity):
			if open != nil {
				open.Discontinuity = true
			} else {
				pending.discontinuity = true
			}

		case hasTag(line, tagDateTime):
			ts, err := parseDateTime(tagValue(line, tagDateTime))
			if err != nil {
				return nil, fmt.Errorf("bad %s: %v: %w", tagDateTime, err, types.ErrParse)
			}
			if open != nil {
				open.ProgramDateTime = ts
			} else {
				pending.dateTime = ts
			}

		case hasTag(line, tagByteRange):
			br, explicit, err := parseByteRange(tagValue(line, tagByteRange))
			if err != nil {
				return nil, err
			}
			if open != nil {
				applyByteRange(open, br, explicit)
			} else {
				if !explicit {
					br.Offset = lastRangeEnd
				}
				lastRangeEnd = br.Offset + br.Length
				pending.byteRange = br
			}

		case hasTag(line, tagKey), hasTag(line, tagCiscoKey):
			tag := tagKey
			if hasTag(line, tagCiscoKey) {
				tag = tagCiscoKey
			}
			k, err := parseKey(tagValue(line, tag), tag == tagCiscoKey, baseURL)
			if err != nil {
				return nil, err
			}
			k.seq = seq
			if open != nil {
				k.seq = open.SeqNum
			}
			key = k
		}
	}

	if open != nil {
		return nil, fmt.Errorf("trailing %s without uri: %w", tagInf, types.ErrParse)
	}
	return out, nil
}

// parseKey reads an EXT-X-KEY (or vendor alias) attribute list.
func parseKey(list string, vendor bool, baseURL string) (keyState, error) {
	attrs := attributes(list)
	k := keyState{}

	switch strings.ToUpper(attrs["METHOD"]) {
	case "NONE":
		return k, nil
	case "AES-128":
		k.method = playlist.EncryptionAES128CBC
	case "AES-128-CTR":
		k.method = playlist.EncryptionAES128CTR
	default:
		return k, fmt.Errorf("key method %q: %w", attrs["METHOD"], types.ErrUnsupported)
	}

	uri := attrs["URI"]
	if uri == "" {
		return k, fmt.Errorf("key without URI: %w", types.ErrParse)
	}
	if utils.IsHTTP(uri) || !strings.Contains(uri, ":") {
		uri = utils.ResolveURL(baseURL, uri)
	}
	k.uri = uri

	if vendor {
		k.drmType = first(attrs, "KEYFORMAT", "DRM", "DRM-TYPE")
		if k.drmType == "" {
			k.drmType = "CISCO"
		}
	} else {
		k.drmType = attrs["KEYFORMAT"]
	}

	if ivStr := attrs["IV"]; ivStr != "" {
		iv, ok := parseHex128(ivStr)
		if !ok {
			return k, fmt.Errorf("bad key IV %q: %w", ivStr, types.ErrParse)
		}
		k.iv, k.hasIV = iv, true
	}
	return k, nil
}

// finalizeKey stamps the key in force onto seg, deriving its IV.
// CBC without an explicit IV uses the sequence number; CTR advances the
// upper 64 bits of the counter by one per segment after the key tag.
func finalizeKey(seg *playlist.Segment, k *keyState) {
	seg.Encryption = k.method
	if k.method == playlist.EncryptionNone {
		return
	}
	seg.KeyURI = k.uri
	seg.DRMType = k.drmType

	switch k.method {
	case playlist.EncryptionAES128CBC:
		if k.hasIV {
			seg.IV = k.iv
		} else {
			binary.BigEndian.PutUint64(seg.IV[8:], uint64(seg.SeqNum))
		}
	case playlist.EncryptionAES128CTR:
		base := k.iv
		if !k.hasIV {
			base = [16]byte{}
			binary.BigEndian.PutUint64(base[8:], uint64(k.seq))
		}
		hi := binary.BigEndian.Uint64(base[:8])
		hi += uint64(int64(seg.SeqNum - k.seq))
		seg.IV = base
		binary.BigEndian.PutUint64(seg.IV[:8], hi)
	}
}

// parseByteRange reads "length[@offset]".
func parseByteRange(v string) (*playlist.ByteRange, bool, error) {
	lenStr, offStr, explicit := strings.Cut(v, "@")
	length, err := parseInt(lenStr)
	if err != nil || length < 0 {
		return nil, false, fmt.Errorf("bad byte range %q: %w", v, types.ErrParse)
	}
	br := &playlist.ByteRange{Length: int64(length)}
	if explicit {
		off, err := parseInt(offStr)
		if err != nil || off < 0 {
			return nil, false, fmt.Errorf("bad byte range offset %q: %w", v, types.ErrParse)
		}
		br.Offset = int64(off)
	}
	return br, explicit, nil
}

func parseDateTime(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999Z0700"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", v)
}
