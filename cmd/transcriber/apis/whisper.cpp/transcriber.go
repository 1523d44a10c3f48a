package whisper

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattermost/media-transcriber/cmd/transcriber/config"
	"github.com/mattermost/media-transcriber/cmd/transcriber/media"
	"github.com/mattermost/media-transcriber/cmd/transcriber/transcribe"
)

var _ transcribe.Transcriber = (*FileTranscriber)(nil)

// ModelFile returns the path of the GGML model for the given size.
func ModelFile(modelsDir string, size config.ModelSize) string {
	return filepath.Join(modelsDir, fmt.Sprintf("ggml-%s.bin", size))
}

type samplesTranscriber interface {
	Transcribe(samples []float32) ([]Segment, string, error)
	Destroy() error
}

// FileTranscriber decodes audio files to PCM and runs them through a
// whisper.cpp context.
type FileTranscriber struct {
	ctx     samplesTranscriber
	decoder *media.PCMDecoder
}

func NewFileTranscriber(cfg Config, decoder *media.PCMDecoder) (*FileTranscriber, error) {
	if decoder == nil {
		return nil, fmt.Errorf("decoder should not be nil")
	}

	// Segments are transcribed independently of each other.
	cfg.NoContext = true

	ctx, err := NewContext(cfg)
	if err != nil {
		return nil, err
	}

	return &FileTranscriber{ctx: ctx, decoder: decoder}, nil
}

func (t *FileTranscriber) Transcribe(ctx context.Context, artifactPath string) (string, error) {
	samples, err := t.decoder.Decode(ctx, artifactPath)
	if err != nil {
		return "", err
	}

	if len(samples) == 0 {
		return "", nil
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	start := time.Now()
	segments, lang, err := t.ctx.Transcribe(samples)
	if err != nil {
		return "", fmt.Errorf("failed to transcribe: %w", err)
	}

	slog.Debug("segment transcribed",
		slog.String("lang", lang),
		slog.Int("numSegments", len(segments)),
		slog.Duration("dur", time.Since(start)))

	texts := make([]string, 0, len(segments))
	for _, s := range segments {
		if text := strings.TrimSpace(s.Text); text != "" {
			texts = append(texts, text)
		}
	}

	return strings.Join(texts, " "), nil
}

func (t *FileTranscriber) Destroy() error {
	return t.ctx.Destroy()
}
