package media

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"strconv"

	"github.com/shopspring/decimal"
)

const (
	SegmentDurationDefault = 30.0
)

// Segment is a contiguous span of an audio stream, in seconds.
type Segment struct {
	Index    int
	Start    float64
	Duration float64
}

func (s Segment) End() float64 {
	return s.Start + s.Duration
}

// Segments splits total seconds into chunk-long spans in chronological
// order. The last segment holds the remainder. Nothing is yielded for
// non-positive totals.
func Segments(total, chunk float64) iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		if total <= 0 || chunk <= 0 {
			return
		}

		for i := 0; float64(i)*chunk < total; i++ {
			start := float64(i) * chunk
			seg := Segment{
				Index:    i,
				Start:    start,
				Duration: min(start+chunk, total) - start,
			}
			if !yield(seg) {
				return
			}
		}
	}
}

// Artifact is a standalone encoded file holding a single segment.
type Artifact struct {
	Path    string
	Segment Segment
}

func (a *Artifact) Release() error {
	if a == nil || a.Path == "" {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove artifact: %w", err)
	}
	a.Path = ""
	return nil
}

type SegmenterConfig struct {
	DataDir    string
	FFmpegPath string
	// Segment length in seconds.
	Chunk       float64
	BitrateKbps int
}

func (c *SegmenterConfig) SetDefaults() {
	if c.Chunk == 0 {
		c.Chunk = SegmentDurationDefault
	}
}

func (c SegmenterConfig) IsValid() error {
	if c.DataDir == "" {
		return fmt.Errorf("invalid DataDir: should not be empty")
	}
	if c.FFmpegPath == "" {
		return fmt.Errorf("invalid FFmpegPath: should not be empty")
	}
	if c.Chunk <= 0 {
		return fmt.Errorf("invalid Chunk: should be a positive number")
	}
	if c.BitrateKbps <= 0 {
		return fmt.Errorf("invalid BitrateKbps: should be a positive number")
	}
	return nil
}

type Segmenter struct {
	cfg    SegmenterConfig
	runner CommandRunner
}

func NewSegmenter(cfg SegmenterConfig, runner CommandRunner) (*Segmenter, error) {
	cfg.SetDefaults()
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if runner == nil {
		runner = NewExecRunner()
	}
	return &Segmenter{cfg: cfg, runner: runner}, nil
}

// Chunk returns the configured segment length in seconds.
func (s *Segmenter) Chunk() float64 {
	return s.cfg.Chunk
}

// Segments returns the segments covering the whole stream.
func (s *Segmenter) Segments(stream *AudioStream) iter.Seq[Segment] {
	return Segments(stream.Duration, s.cfg.Chunk)
}

// Export encodes seg out of the stream as a standalone MP3 file. The caller
// owns the returned artifact and must release it.
func (s *Segmenter) Export(ctx context.Context, stream *AudioStream, seg Segment) (*Artifact, error) {
	f, err := os.CreateTemp(s.cfg.DataDir, fmt.Sprintf("segment-%03d-*.mp3", seg.Index))
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to close artifact file: %w", err)
	}
	art := &Artifact{Path: f.Name(), Segment: seg}

	slog.Debug("exporting segment",
		slog.Int("index", seg.Index),
		slog.Float64("start", seg.Start),
		slog.Float64("duration", seg.Duration))

	if _, err := s.runner.Output(ctx, s.cfg.FFmpegPath,
		"-y", "-v", "error",
		"-ss", fixedSeconds(seg.Start),
		"-t", fixedSeconds(seg.Duration),
		"-i", stream.Path,
		"-vn",
		"-c:a", "libmp3lame",
		"-b:a", strconv.Itoa(s.cfg.BitrateKbps)+"k",
		art.Path,
	); err != nil {
		if rerr := art.Release(); rerr != nil {
			slog.Error("failed to release artifact", slog.String("err", rerr.Error()))
		}
		return nil, fmt.Errorf("failed to export segment %d: %w", seg.Index, err)
	}

	return art, nil
}

// fixedSeconds renders seconds with millisecond precision, as accepted by
// ffmpeg time options.
func fixedSeconds(s float64) string {
	return decimal.NewFromFloat(s).StringFixed(3)
}
