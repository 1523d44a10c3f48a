package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/shopspring/decimal"
)

type ExtractorConfig struct {
	// Directory holding temporary upload and audio files.
	DataDir     string
	FFmpegPath  string
	FFprobePath string
	// Bitrate of the audio re-encoded out of video uploads.
	BitrateKbps int
}

func (c ExtractorConfig) IsValid() error {
	if c.DataDir == "" {
		return fmt.Errorf("invalid DataDir: should not be empty")
	}
	if c.FFmpegPath == "" {
		return fmt.Errorf("invalid FFmpegPath: should not be empty")
	}
	if c.FFprobePath == "" {
		return fmt.Errorf("invalid FFprobePath: should not be empty")
	}
	if c.BitrateKbps <= 0 {
		return fmt.Errorf("invalid BitrateKbps: should be a positive number")
	}
	return nil
}

// AudioStream is a decodable audio file produced from an upload. It owns the
// temporary files created to produce it.
type AudioStream struct {
	Path     string
	Kind     Kind
	Duration float64

	files []string
}

// Close removes every temporary file owned by the stream.
func (s *AudioStream) Close() error {
	var errs []error
	for _, f := range s.files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.files = nil
	return errors.Join(errs...)
}

type Extractor struct {
	cfg    ExtractorConfig
	runner CommandRunner
}

func NewExtractor(cfg ExtractorConfig, runner CommandRunner) (*Extractor, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if runner == nil {
		runner = NewExecRunner()
	}
	return &Extractor{cfg: cfg, runner: runner}, nil
}

// Extract stores the upload and produces a single audio stream out of it.
// Video uploads are re-encoded to audio-only MP3, audio uploads are only
// probed.
func (e *Extractor) Extract(ctx context.Context, file UploadedFile, kind Kind) (stream *AudioStream, err error) {
	stream = &AudioStream{Kind: kind}
	defer func() {
		if err != nil {
			if cerr := stream.Close(); cerr != nil {
				slog.Error("failed to clean up extraction files", slog.String("err", cerr.Error()))
			}
			stream = nil
		}
	}()

	uploadPath, err := e.store(file, kind)
	if err != nil {
		return stream, err
	}
	stream.files = append(stream.files, uploadPath)
	stream.Path = uploadPath

	switch kind {
	case KindAudio:
	case KindVideo:
		audioPath, err := e.tempPath("audio-*.mp3")
		if err != nil {
			return stream, err
		}
		stream.files = append(stream.files, audioPath)

		slog.Debug("extracting audio track", slog.String("input", uploadPath), slog.String("output", audioPath))

		if _, err := e.runner.Output(ctx, e.cfg.FFmpegPath,
			"-y", "-v", "error",
			"-i", uploadPath,
			"-vn",
			"-c:a", "libmp3lame",
			"-b:a", strconv.Itoa(e.cfg.BitrateKbps)+"k",
			audioPath,
		); err != nil {
			return stream, fmt.Errorf("failed to extract audio: %w", err)
		}
		stream.Path = audioPath
	default:
		return stream, fmt.Errorf("%w: %s", ErrUnsupportedMedia, kind)
	}

	stream.Duration, err = e.probeDuration(ctx, stream.Path)
	if err != nil {
		return stream, err
	}

	slog.Debug("audio stream ready",
		slog.String("path", stream.Path),
		slog.String("kind", kind.String()),
		slog.Float64("duration", stream.Duration))

	return stream, nil
}

func (e *Extractor) store(file UploadedFile, kind Kind) (string, error) {
	if file.Body == nil {
		return "", fmt.Errorf("upload body should not be nil")
	}

	f, err := os.CreateTemp(e.cfg.DataDir, "upload-*"+file.ext(kind))
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}

	if _, err := io.Copy(f, file.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write upload file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close upload file: %w", err)
	}

	return f.Name(), nil
}

func (e *Extractor) tempPath(pattern string) (string, error) {
	f, err := os.CreateTemp(e.cfg.DataDir, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	return f.Name(), nil
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (e *Extractor) probeDuration(ctx context.Context, path string) (float64, error) {
	out, err := e.runner.Output(ctx, e.cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to probe duration: %w", err)
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0, fmt.Errorf("failed to unmarshal probe output: %w", err)
	}

	// Streams with no decodable samples report no duration.
	if probe.Format.Duration == "" || probe.Format.Duration == "N/A" {
		return 0, nil
	}

	d, err := decimal.NewFromString(probe.Format.Duration)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", probe.Format.Duration, err)
	}

	if d.IsNegative() {
		return 0, nil
	}

	return d.InexactFloat64(), nil
}
