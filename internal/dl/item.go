package dl

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SizeUnknown marks a media item whose source did not declare a byte size.
// Records with this size may complete with any number of bytes written.
const SizeUnknown int64 = -1

// Key identifies a media item: the message that carries it within a channel.
type Key struct {
	ChannelID int64
	MessageID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.ChannelID, k.MessageID)
}

// MediaKind is the coarse type of a media item.
type MediaKind string

const (
	KindVideo    MediaKind = "video"
	KindPhoto    MediaKind = "photo"
	KindDocument MediaKind = "document"
)

// ParseMediaKind converts a config or CLI string to a MediaKind.
func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindVideo:
		return KindVideo, nil
	case KindPhoto:
		return KindPhoto, nil
	case KindDocument:
		return KindDocument, nil
	default:
		return "", fmt.Errorf("unknown media kind: %q", s)
	}
}

// MediaItem is one piece of media observed in a channel. Items are immutable
// once listed; a new listing produces new values.
type MediaItem struct {
	Key      Key
	Kind     MediaKind
	Size     int64 // SizeUnknown if the source did not say
	FileName string
	MimeType string

	// Fingerprint is a content identifier supplied by the source. A value of
	// the form "sha256:<hex>" is checked against the finished file.
	Fingerprint string

	// SourceRef is an opaque locator the source uses to fetch bytes
	// (a bot API file id, a path on disk).
	SourceRef string

	Width    int
	Height   int
	Duration time.Duration
	Date     time.Time
}

// SHA256 returns the hex digest carried in the fingerprint, if any.
func (m MediaItem) SHA256() (string, bool) {
	digest, ok := strings.CutPrefix(m.Fingerprint, "sha256:")
	if !ok || digest == "" {
		return "", false
	}
	return strings.ToLower(digest), true
}

// Quality labels a video by resolution. Non-video items are "N/A".
func (m MediaItem) Quality() string {
	if m.Kind != KindVideo {
		return "N/A"
	}
	switch {
	case m.Width >= 1920 || m.Height >= 1080:
		return "HD"
	case m.Width >= 1280 || m.Height >= 720:
		return "HD Ready"
	default:
		return "SD"
	}
}

// DisplayName is the name shown in listings.
func (m MediaItem) DisplayName() string {
	if m.Kind == KindPhoto {
		return fmt.Sprintf("Photo-%d", m.Key.MessageID)
	}
	if m.FileName == "" {
		return fmt.Sprintf("Unknown-%d", m.Key.MessageID)
	}
	return m.FileName
}

// BaseName is the item's own file name: photos are named after their
// message, everything else keeps its declared name with path separators
// stripped. Ignore rules match against it.
func (m MediaItem) BaseName() string {
	id := strconv.FormatInt(m.Key.MessageID, 10)
	if m.Kind == KindPhoto {
		ext := strings.ToLower(filepath.Ext(m.FileName))
		if ext == "" {
			ext = ".jpg"
		}
		return id + ext
	}

	name := sanitizeFileName(m.FileName)
	if name == "" {
		return fmt.Sprintf("%s-%s", m.Kind, id)
	}
	return name
}

// TargetName is the file name used on disk for the finished download.
// Declared names are prefixed with the message id, so two posts of one
// channel never share a file.
func (m MediaItem) TargetName() string {
	if m.Kind == KindPhoto || sanitizeFileName(m.FileName) == "" {
		return m.BaseName()
	}
	return strconv.FormatInt(m.Key.MessageID, 10) + "-" + m.BaseName()
}

func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '\x00':
			return '_'
		}
		return r
	}, name)
	if name == "." || name == ".." {
		return ""
	}
	return name
}

// ChannelRef is a user-supplied channel identifier, normalised.
// Exactly one of Username and ID is set.
type ChannelRef struct {
	Username string
	ID       int64
}

// ParseChannelRef normalises channel input:
//   - "@name" or "name" is a public username
//   - a positive number is used as-is
//   - a negative number gets the "-100" supergroup prefix unless it already has it
func ParseChannelRef(raw string) (ChannelRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ChannelRef{}, fmt.Errorf("empty channel reference")
	}

	if strings.HasPrefix(raw, "@") {
		name := strings.TrimPrefix(raw, "@")
		if name == "" {
			return ChannelRef{}, fmt.Errorf("empty channel username")
		}
		return ChannelRef{Username: name}, nil
	}

	digits := strings.TrimPrefix(raw, "-")
	if _, err := strconv.ParseUint(digits, 10, 63); err != nil {
		return ChannelRef{Username: raw}, nil
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return ChannelRef{}, fmt.Errorf("parsing channel id %q: %w", raw, err)
	}
	if id > 0 {
		return ChannelRef{ID: id}, nil
	}
	if strings.HasPrefix(raw, "-100") {
		return ChannelRef{ID: id}, nil
	}
	prefixed, err := strconv.ParseInt("-100"+digits, 10, 64)
	if err != nil {
		return ChannelRef{}, fmt.Errorf("parsing channel id %q: %w", raw, err)
	}
	return ChannelRef{ID: prefixed}, nil
}

func (r ChannelRef) String() string {
	if r.Username != "" {
		return "@" + r.Username
	}
	return strconv.FormatInt(r.ID, 10)
}

// ChannelHandle is a resolved channel.
type ChannelHandle struct {
	ID       int64
	Title    string
	Username string
	Members  int // 0 when the source does not report it
}

// DirName is the per-channel sub-directory used under the download root.
func (c *ChannelHandle) DirName() string {
	if c.Username != "" {
		return sanitizeFileName(c.Username)
	}
	return strconv.FormatInt(c.ID, 10)
}
