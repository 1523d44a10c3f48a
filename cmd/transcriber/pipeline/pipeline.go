package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/mattermost/media-transcriber/cmd/transcriber/config"
	"github.com/mattermost/media-transcriber/cmd/transcriber/media"
	"github.com/mattermost/media-transcriber/cmd/transcriber/transcribe"

	"github.com/mattermost/mattermost/server/public/model"
	"lukechampine.com/blake3"
)

type Extractor interface {
	Extract(ctx context.Context, file media.UploadedFile, kind media.Kind) (*media.AudioStream, error)
}

type Segmenter interface {
	Segments(stream *media.AudioStream) iter.Seq[media.Segment]
	Export(ctx context.Context, stream *media.AudioStream, seg media.Segment) (*media.Artifact, error)
}

// TranscriberFactory creates the transcriber used for a whole run.
type TranscriberFactory func(size config.ModelSize) (transcribe.Transcriber, error)

type Config struct {
	// Maximum accepted upload size in bytes.
	MaxUploadSize int64
}

func (c Config) IsValid() error {
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("invalid MaxUploadSize: should be a positive number")
	}
	return nil
}

type Pipeline struct {
	cfg            Config
	extractor      Extractor
	segmenter      Segmenter
	newTranscriber TranscriberFactory
}

func New(cfg Config, extractor Extractor, segmenter Segmenter, newTranscriber TranscriberFactory) (*Pipeline, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if extractor == nil || segmenter == nil || newTranscriber == nil {
		return nil, fmt.Errorf("pipeline dependencies should not be nil")
	}

	return &Pipeline{
		cfg:            cfg,
		extractor:      extractor,
		segmenter:      segmenter,
		newTranscriber: newTranscriber,
	}, nil
}

type RunOptions struct {
	// Called on every state transition.
	OnState func(RunState)
}

type RunOption func(*RunOptions)

func WithStateListener(fn func(RunState)) RunOption {
	return func(o *RunOptions) {
		o.OnState = fn
	}
}

// Run transcribes file with the given model size. It only starts from an
// idle state and always returns the resulting state, including entries
// produced before a failure. onEntry is called once per transcribed segment,
// in order.
func (p *Pipeline) Run(ctx context.Context, st RunState, file media.UploadedFile, size config.ModelSize,
	onEntry func(RunState, transcribe.Entry), opts ...RunOption,
) (RunState, error) {
	if st.State != StateIdle {
		return st, fmt.Errorf("%w: current state is %s", ErrRunNotIdle, st.State)
	}

	var o RunOptions
	for _, opt := range opts {
		opt(&o)
	}

	st = RunState{
		RunID:    model.NewId(),
		Model:    size,
		FileName: file.Name,
	}

	r := &run{
		p:       p,
		st:      st,
		onState: o.OnState,
		onEntry: onEntry,
		log: slog.With(
			slog.String("runID", st.RunID),
			slog.String("file", file.Name),
			slog.String("model", string(size)),
		),
	}

	err := r.exec(ctx, file, size)

	return r.st, err
}

type run struct {
	p       *Pipeline
	st      RunState
	onState func(RunState)
	onEntry func(RunState, transcribe.Entry)
	log     *slog.Logger
}

func (r *run) setState(state State, msg string) {
	r.st.State = state
	r.st.Message = msg
	r.log.Debug("run state changed", slog.String("state", string(state)))
	if r.onState != nil {
		r.onState(r.st)
	}
}

func (r *run) reject(err error, msg string) error {
	r.log.Info("upload rejected", slog.String("err", err.Error()))
	r.setState(StateRejected, msg)
	return err
}

func (r *run) fail(err error, msg string) error {
	if errors.Is(err, context.Canceled) {
		msg = interruptedMessage
	}
	r.log.Error("run failed", slog.String("err", err.Error()))
	r.setState(StateFailed, msg)
	return err
}

func (r *run) exec(ctx context.Context, file media.UploadedFile, size config.ModelSize) error {
	start := time.Now()

	r.setState(StateValidating, "")
	kind, body, err := r.validate(file, size)
	if err != nil {
		return err
	}
	file.Body = body

	r.setState(StateExtracting, "")
	stream, err := r.p.extractor.Extract(ctx, file, kind)
	if err != nil {
		msg := "Failed to extract audio from the uploaded file."
		if errors.Is(err, ErrOversizeFile) {
			// Validation already passed, the body turned out larger than declared.
			msg = oversizeMessage(r.p.cfg.MaxUploadSize)
		}
		return r.fail(fmt.Errorf("%w: %w", ErrExtraction, err), msg)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			r.log.Error("failed to close audio stream", slog.String("err", err.Error()))
		}
	}()

	if d, ok := body.(digester); ok {
		r.st.Digest = d.Sum()
	}
	r.log.Info("audio extracted",
		slog.String("kind", kind.String()),
		slog.String("digest", r.st.Digest),
		slog.Float64("duration", stream.Duration))

	r.setState(StateSegmenting, "")
	segments := r.p.segmenter.Segments(stream)
	for range segments {
		r.st.Total++
	}

	if r.st.Total > 0 {
		if err := r.transcribe(ctx, stream, segments, size); err != nil {
			return err
		}
	}

	r.log.Info("run completed",
		slog.Int("segments", r.st.Total),
		slog.Duration("dur", time.Since(start)))
	r.setState(StateDone, "Transcription complete.")

	return nil
}

func (r *run) transcribe(ctx context.Context, stream *media.AudioStream, segments iter.Seq[media.Segment], size config.ModelSize) error {
	tr, err := r.p.newTranscriber(size)
	if err != nil {
		return r.fail(fmt.Errorf("%w: failed to create transcriber: %w", ErrTranscription, err), "Failed to load the transcription model.")
	}
	defer func() {
		if err := tr.Destroy(); err != nil {
			r.log.Error("failed to destroy transcriber", slog.String("err", err.Error()))
		}
	}()

	r.setState(StateTranscribing, "")

	for seg := range segments {
		if err := ctx.Err(); err != nil {
			return r.fail(fmt.Errorf("%w: %w", ErrTranscription, err), interruptedMessage)
		}

		art, err := r.p.segmenter.Export(ctx, stream, seg)
		if err != nil {
			return r.fail(fmt.Errorf("%w: %w", ErrExtraction, err), fmt.Sprintf("Failed to prepare segment %d.", seg.Index+1))
		}

		text, err := tr.Transcribe(ctx, art.Path)
		if rerr := art.Release(); rerr != nil {
			r.log.Error("failed to release artifact", slog.String("err", rerr.Error()))
		}
		if err != nil {
			return r.fail(fmt.Errorf("%w: segment %d: %w", ErrTranscription, seg.Index, err), fmt.Sprintf("Failed to transcribe segment %d.", seg.Index+1))
		}

		entry := transcribe.NewEntry(seg.Index, seg.Start, seg.Duration, text)
		r.st.Entries = append(slices.Clip(r.st.Entries), entry)

		r.log.Debug("segment done",
			slog.Int("index", seg.Index),
			slog.Int("total", r.st.Total),
			slog.String("timestamp", entry.Timestamp))

		if r.onEntry != nil {
			r.onEntry(r.st, entry)
		}
	}

	return nil
}

func (r *run) validate(file media.UploadedFile, size config.ModelSize) (media.Kind, io.Reader, error) {
	if file.Size > r.p.cfg.MaxUploadSize {
		err := fmt.Errorf("%w: %d > %d", ErrOversizeFile, file.Size, r.p.cfg.MaxUploadSize)
		return 0, nil, r.reject(err, oversizeMessage(r.p.cfg.MaxUploadSize))
	}

	kind, err := media.KindFromType(file.Type)
	if err != nil {
		return 0, nil, r.reject(err, fmt.Sprintf("Unsupported file type %q. Please upload an MP3, WAV or MP4 file.", file.Type))
	}

	if !size.IsValid() {
		err := fmt.Errorf("%w: %q", ErrInvalidModel, size)
		return 0, nil, r.reject(err, fmt.Sprintf("Unknown model %q. Please select tiny or base.", size))
	}

	if file.Body == nil {
		return 0, nil, r.reject(errors.New("upload body should not be nil"), "No file was uploaded.")
	}

	body := newLimitedBody(file.Body, r.p.cfg.MaxUploadSize)

	// Seekable bodies are hashed upfront, others while being stored.
	if rs, ok := file.Body.(io.ReadSeeker); ok {
		sum, err := hashSeeker(rs)
		if err != nil {
			return 0, nil, r.fail(fmt.Errorf("%w: %w", ErrExtraction, err), "Failed to read the uploaded file.")
		}
		r.st.Digest = sum
		return kind, body, nil
	}

	return kind, newHashingBody(body), nil
}

const interruptedMessage = "Transcription was interrupted."

func oversizeMessage(limit int64) string {
	return fmt.Sprintf("File size exceeds %d MB. Please upload a smaller file.", limit/(1024*1024))
}

type digester interface {
	Sum() string
}

func hashSeeker(rs io.ReadSeeker) (string, error) {
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, rs); err != nil {
		return "", fmt.Errorf("failed to hash upload: %w", err)
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind upload: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type hashingBody struct {
	r io.Reader
	h *blake3.Hasher
}

func newHashingBody(r io.Reader) *hashingBody {
	h := blake3.New(32, nil)
	return &hashingBody{r: io.TeeReader(r, h), h: h}
}

func (b *hashingBody) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (b *hashingBody) Sum() string {
	return hex.EncodeToString(b.h.Sum(nil))
}

// limitedBody fails with ErrOversizeFile once more than limit bytes are read.
type limitedBody struct {
	r     io.Reader
	limit int64
	n     int64
}

func newLimitedBody(r io.Reader, limit int64) *limitedBody {
	return &limitedBody{r: r, limit: limit}
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.n += int64(n)
	if b.n > b.limit {
		return n, fmt.Errorf("%w: read more than %d bytes", ErrOversizeFile, b.limit)
	}
	return n, err
}
