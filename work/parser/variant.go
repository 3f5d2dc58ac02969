package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/grafov/m3u8"

	"hls-engine/work/playlist"
	"hls-engine/work/types"
	"hls-engine/work/utils"
)

// parseVariant decodes a variant playlist body. EXT-X-STREAM-INF and
// EXT-X-I-FRAME-STREAM-INF go through grafov/m3u8; EXT-X-MEDIA is read from
// the raw lines because grafov attaches alternatives to whichever variant
// follows them and drops trailing ones.
func parseVariant(data []byte, lines []string, baseURL string, parent *playlist.Playlist) (*playlist.Playlist, error) {
	decoded, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, fmt.Errorf("decode variant: %v: %w", err, types.ErrParse)
	}
	if listType != m3u8.MASTER {
		return nil, fmt.Errorf("variant pre-scan disagrees with decoder: %w", types.ErrParse)
	}
	master, ok := decoded.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected decoder result %T: %w", decoded, types.ErrParse)
	}

	out := &playlist.Playlist{Kind: playlist.KindVariant}
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		child := playlist.New(utils.ResolveURL(baseURL, v.URI))
		child.Parent = parent
		md := child.BecomeMedia()
		md.Bitrate = int(v.Bandwidth)
		md.Resolution = v.Resolution
		md.Codecs = v.Codecs
		md.AudioGroup = v.Audio
		md.VideoGroup = v.Video
		md.IFramesOnly = v.Iframe

		out.ProgramOrCreate(int(v.ProgramId)).InsertStream(child, v.Iframe)
	}

	for _, line := range lines {
		if !hasTag(line, tagMedia) {
			continue
		}
		g, err := mediaGroup(tagValue(line, tagMedia), baseURL, parent)
		if err != nil {
			return nil, err
		}
		if g != nil {
			out.Groups = append(out.Groups, g)
		}
	}

	if len(out.Programs) == 0 {
		return nil, fmt.Errorf("variant playlist lists no streams: %w", types.ErrParse)
	}
	return out, nil
}

// mediaGroup builds a Group from EXT-X-MEDIA attributes. Subtitle and
// caption renditions are skipped (nil, nil).
func mediaGroup(list, baseURL string, parent *playlist.Playlist) (*playlist.Group, error) {
	attrs := attributes(list)

	g := &playlist.Group{
		ID:         attrs["GROUP-ID"],
		Language:   attrs["LANGUAGE"],
		Name:       attrs["NAME"],
		Default:    strings.EqualFold(attrs["DEFAULT"], "YES"),
		Autoselect: strings.EqualFold(attrs["AUTOSELECT"], "YES"),
	}
	switch strings.ToUpper(attrs["TYPE"]) {
	case "AUDIO":
		g.Type = playlist.GroupAudio
	case "VIDEO":
		g.Type = playlist.GroupVideo
	case "SUBTITLES", "CLOSED-CAPTIONS":
		return nil, nil
	default:
		return nil, fmt.Errorf("EXT-X-MEDIA without valid TYPE: %w", types.ErrParse)
	}
	if g.ID == "" {
		return nil, fmt.Errorf("EXT-X-MEDIA without GROUP-ID: %w", types.ErrParse)
	}

	if uri := attrs["URI"]; uri != "" {
		g.URI = utils.ResolveURL(baseURL, uri)
		g.Playlist = playlist.New(g.URI)
		g.Playlist.Parent = parent
		md := g.Playlist.BecomeMedia()
		if g.Type == playlist.GroupAudio {
			md.AudioGroup = g.ID
		} else {
			md.VideoGroup = g.ID
		}
	}
	return g, nil
}
