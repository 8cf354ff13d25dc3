// Package domain media.go describes the kinds of content a capsule can hold
// and the media file names that belong to each kind.
package domain

import (
	"fmt"
	"path/filepath"
	"strings"
)

// MediaKind names the type of content sealed in a capsule.
type MediaKind string

const (
	MediaMessage MediaKind = "message"
	MediaImage   MediaKind = "image"
	MediaVideo   MediaKind = "video"
	MediaAudio   MediaKind = "audio"
)

type mediaFormat struct {
	prefix string
	ext    string   // extension used for newly written files
	accept []string // extensions accepted as references
}

var mediaFormats = map[MediaKind]mediaFormat{
	MediaImage: {prefix: "photo_", ext: ".jpg", accept: []string{".jpg", ".jpeg", ".png", ".heic"}},
	MediaVideo: {prefix: "video_", ext: ".mp4", accept: []string{".mp4", ".mov"}},
	MediaAudio: {prefix: "voice_", ext: ".m4a", accept: []string{".m4a"}},
}

// ParseMediaKind validates s as a MediaKind.
func ParseMediaKind(s string) (MediaKind, error) {
	k := MediaKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown media kind %q", ErrValidation, s)
	}
	return k, nil
}

// Valid reports whether k is one of the known kinds.
func (k MediaKind) Valid() bool {
	if k == MediaMessage {
		return true
	}
	_, ok := mediaFormats[k]
	return ok
}

// HasFile reports whether content of this kind lives in a media file.
func (k MediaKind) HasFile() bool {
	_, ok := mediaFormats[k]
	return ok
}

// FileName returns the name for a new media file of this kind. The token
// must be unique; callers pass a random UUID.
func (k MediaKind) FileName(token string) (string, error) {
	f, ok := mediaFormats[k]
	if !ok {
		return "", fmt.Errorf("%w: media kind %q has no file", ErrValidation, k)
	}
	return f.prefix + token + f.ext, nil
}

// Accepts reports whether ref carries an extension valid for this kind.
func (k MediaKind) Accepts(ref string) bool {
	f, ok := mediaFormats[k]
	if !ok {
		return false
	}
	ext := strings.ToLower(filepath.Ext(ref))
	for _, a := range f.accept {
		if ext == a {
			return true
		}
	}
	return false
}

// IsManagedMedia reports whether name has an extension owned by the media
// directory. Only such files are ever reclaimed.
func IsManagedMedia(name string) bool {
	for k := range mediaFormats {
		if k.Accepts(name) {
			return true
		}
	}
	return false
}

// ValidateMediaRef checks that ref is a bare file name inside the media
// directory: no separators, no parent references, non-empty.
func ValidateMediaRef(ref string) error {
	switch {
	case ref == "", ref == ".", ref == "..":
		return fmt.Errorf("%w: media ref must name a file", ErrValidation)
	case strings.ContainsAny(ref, `/\`), strings.Contains(ref, ".."):
		return fmt.Errorf("%w: media ref must be a bare file name", ErrValidation)
	case strings.HasPrefix(ref, "."):
		return fmt.Errorf("%w: media ref must not be hidden", ErrValidation)
	}
	return nil
}
