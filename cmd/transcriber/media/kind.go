package media

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
)

var ErrUnsupportedMedia = errors.New("unsupported media type")

type Kind int

const (
	KindAudio Kind = iota + 1
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

var kindsByType = map[string]Kind{
	"audio/mpeg":     KindAudio,
	"audio/mp3":      KindAudio,
	"audio/wav":      KindAudio,
	"audio/x-wav":    KindAudio,
	"audio/wave":     KindAudio,
	"audio/vnd.wave": KindAudio,
	"video/mp4":      KindVideo,
}

var typesByExt = map[string]string{
	".mp3": "audio/mpeg",
	".wav": "audio/wav",
	".mp4": "video/mp4",
}

// KindFromType resolves the declared media type of an upload. Parameters
// and case are ignored.
func KindFromType(declared string) (Kind, error) {
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedMedia, declared)
	}

	kind, ok := kindsByType[strings.ToLower(mediaType)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedMedia, mediaType)
	}

	return kind, nil
}

// TypeFromName infers a declared media type from the file extension. It
// returns an empty string for extensions that are not accepted.
func TypeFromName(name string) string {
	return typesByExt[strings.ToLower(filepath.Ext(name))]
}

// UploadedFile is a user provided media file. The body is consumed once.
type UploadedFile struct {
	Name string
	Type string
	Size int64
	Body io.Reader
}

func (f UploadedFile) ext(kind Kind) string {
	if ext := strings.ToLower(filepath.Ext(f.Name)); typesByExt[ext] != "" {
		return ext
	}
	if kind == KindVideo {
		return ".mp4"
	}
	return ".audio"
}
