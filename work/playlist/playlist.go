package playlist

import (
	"fmt"
	"time"
)

// Kind tells which payload a Playlist carries.
type Kind int

const (
	KindUnknown Kind = iota // not parsed yet
	KindVariant             // programs and alternate groups
	KindMedia               // segments
)

func (k Kind) String() string {
	switch k {
	case KindVariant:
		return "variant"
	case KindMedia:
		return "media"
	default:
		return "unknown"
	}
}

// EncryptionType is the segment encryption method.
type EncryptionType int

const (
	EncryptionNone EncryptionType = iota
	EncryptionAES128CBC
	EncryptionAES128CTR
)

func (e EncryptionType) String() string {
	switch e {
	case EncryptionAES128CBC:
		return "AES-128"
	case EncryptionAES128CTR:
		return "AES-128-CTR"
	default:
		return "NONE"
	}
}

// Mutability mirrors EXT-X-PLAYLIST-TYPE.
type Mutability int

const (
	MutabilityUnspecified Mutability = iota
	MutabilityEvent
	MutabilityVOD
)

// GroupType is the EXT-X-MEDIA TYPE attribute.
type GroupType int

const (
	GroupAudio GroupType = iota
	GroupVideo
)

func (g GroupType) String() string {
	if g == GroupVideo {
		return "VIDEO"
	}
	return "AUDIO"
}

// ByteRange is an optional sub-range of a segment resource.
type ByteRange struct {
	Offset int64
	Length int64
}

// Segment is one downloadable chunk of a media playlist. The SeqNum is the
// segment's identity; segments handed to other goroutines are always Clones.
type Segment struct {
	URL             string // as written in the playlist, may be relative
	Name            string // EXTINF title
	SeqNum          int
	Duration        float64 // seconds
	Discontinuity   bool
	ProgramDateTime time.Time // zero when absent
	Encryption      EncryptionType
	Key             [16]byte
	IV              [16]byte
	KeyURI          string
	DRMType         string // vendor key system, empty for plain AES
	ByteRange       *ByteRange

	parent *MediaData
}

// Clone returns a deep copy detached from its playlist.
func (s *Segment) Clone() *Segment {
	if s == nil {
		return nil
	}
	c := *s
	c.parent = nil
	if s.ByteRange != nil {
		br := *s.ByteRange
		c.ByteRange = &br
	}
	return &c
}

// Detached reports whether the segment is a clone outside any playlist.
func (s *Segment) Detached() bool {
	return s.parent == nil
}

func (s *Segment) String() string {
	return fmt.Sprintf("seg#%d(%.3fs %s)", s.SeqNum, s.Duration, s.URL)
}

// ProtHeader is the DRM license metadata from EXT-X-CISCO-PROT-HEADER.
type ProtHeader struct {
	ProgramID int
	DRMType   string
	KeyID     string
	Blob      string
}

// Group is one alternate rendition (EXT-X-MEDIA).
type Group struct {
	ID         string
	Type       GroupType
	Language   string
	Name       string
	Default    bool
	Autoselect bool
	URI        string

	// Playlist is nil when the rendition is muxed into the main stream.
	Playlist *Playlist
}

// Playlist is either a variant playlist (Programs, Groups) or a media
// playlist (Media). Every field is guarded by the owning session's
// playlist lock.
type Playlist struct {
	Kind        Kind
	URL         string
	RedirectURL string
	BaseURL     string
	Version     int

	Programs    []*Program
	Groups      []*Group
	ProtHeaders []ProtHeader
	Media       *MediaData

	NextReloadTime       time.Time
	UnchangedReloadCount int

	// Parsed is set once the first parse succeeded; later parses take the
	// update path.
	Parsed bool

	// Parent is the variant playlist a media playlist was listed in.
	Parent *Playlist
}

// New returns an unparsed playlist for url.
func New(url string) *Playlist {
	return &Playlist{URL: url}
}

// IsVariant reports whether p lists other playlists.
func (p *Playlist) IsVariant() bool {
	return p != nil && p.Kind == KindVariant
}

// IsMedia reports whether p lists segments.
func (p *Playlist) IsMedia() bool {
	return p != nil && p.Kind == KindMedia && p.Media != nil
}

// IsLive reports whether p is a media playlist still growing.
func (p *Playlist) IsLive() bool {
	return p.IsMedia() && !p.Media.Complete
}

// Bitrate returns the nominal bitrate of a media playlist, 0 otherwise.
func (p *Playlist) Bitrate() int {
	if p == nil || p.Media == nil {
		return 0
	}
	return p.Media.Bitrate
}

// BecomeMedia turns an unparsed playlist into a media playlist, keeping any
// stream attributes assigned while listing it in a variant.
func (p *Playlist) BecomeMedia() *MediaData {
	p.Kind = KindMedia
	if p.Media == nil {
		p.Media = &MediaData{}
	}
	return p.Media
}

// Program returns the program with id, or nil.
func (p *Playlist) Program(id int) *Program {
	for _, prog := range p.Programs {
		if prog.ID == id {
			return prog
		}
	}
	return nil
}

// ProgramOrCreate returns the program with id, appending a new one when absent.
func (p *Playlist) ProgramOrCreate(id int) *Program {
	if prog := p.Program(id); prog != nil {
		return prog
	}
	prog := &Program{ID: id}
	p.Programs = append(p.Programs, prog)
	return prog
}

// GroupMembers returns every rendition of one group.
func (p *Playlist) GroupMembers(typ GroupType, id string) []*Group {
	var out []*Group
	for _, g := range p.Groups {
		if g.Type == typ && g.ID == id {
			out = append(out, g)
		}
	}
	return out
}

// DefaultGroup returns the DEFAULT rendition of a group, else the first
// AUTOSELECT one, else the first member.
func (p *Playlist) DefaultGroup(typ GroupType, id string) *Group {
	members := p.GroupMembers(typ, id)
	if len(members) == 0 {
		return nil
	}
	for _, g := range members {
		if g.Default {
			return g
		}
	}
	for _, g := range members {
		if g.Autoselect {
			return g
		}
	}
	return members[0]
}

// ProtHeaderFor returns the DRM headers that apply to program id.
func (p *Playlist) ProtHeaderFor(programID int) []ProtHeader {
	var out []ProtHeader
	for _, h := range p.ProtHeaders {
		if h.ProgramID == programID || h.ProgramID == 0 {
			out = append(out, h)
		}
	}
	return out
}
