package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/mattermost/media-transcriber/cmd/transcriber/config"
	"github.com/mattermost/media-transcriber/cmd/transcriber/media"
	"github.com/mattermost/media-transcriber/cmd/transcriber/media/mediatest"
	"github.com/mattermost/media-transcriber/cmd/transcriber/transcribe"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"
)

const maxUploadSize = 100 * 1024 * 1024

type stubTranscriber struct {
	t         *testing.T
	paths     []string
	failAt    int
	destroyed bool
}

func (s *stubTranscriber) Transcribe(_ context.Context, artifactPath string) (string, error) {
	require.FileExists(s.t, artifactPath)
	s.paths = append(s.paths, artifactPath)
	if s.failAt > 0 && len(s.paths) == s.failAt {
		return "", errors.New("model crashed")
	}
	return fmt.Sprintf("text %d", len(s.paths)-1), nil
}

func (s *stubTranscriber) Destroy() error {
	s.destroyed = true
	return nil
}

type testHelper struct {
	dir     string
	runner  *mediatest.Runner
	tr      *stubTranscriber
	sizes   []config.ModelSize
	p       *Pipeline
	states  []State
	entries []transcribe.Entry
}

func setupPipeline(t *testing.T, duration string) *testHelper {
	t.Helper()

	th := &testHelper{
		dir:    t.TempDir(),
		runner: &mediatest.Runner{Duration: duration},
		tr:     &stubTranscriber{t: t},
	}

	extractor, err := media.NewExtractor(media.ExtractorConfig{
		DataDir:     th.dir,
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		BitrateKbps: 64,
	}, th.runner)
	require.NoError(t, err)

	segmenter, err := media.NewSegmenter(media.SegmenterConfig{
		DataDir:     th.dir,
		FFmpegPath:  "ffmpeg",
		BitrateKbps: 64,
	}, th.runner)
	require.NoError(t, err)

	th.p, err = New(Config{MaxUploadSize: maxUploadSize}, extractor, segmenter, func(size config.ModelSize) (transcribe.Transcriber, error) {
		th.sizes = append(th.sizes, size)
		return th.tr, nil
	})
	require.NoError(t, err)

	return th
}

func (th *testHelper) run(file media.UploadedFile, size config.ModelSize) (RunState, error) {
	th.states = nil
	th.entries = nil
	return th.p.Run(context.Background(), Reset(), file, size, func(_ RunState, e transcribe.Entry) {
		th.entries = append(th.entries, e)
	}, WithStateListener(func(st RunState) {
		th.states = append(th.states, st.State)
	}))
}

func (th *testHelper) requireClean(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(th.dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func mp3File(body string) media.UploadedFile {
	return media.UploadedFile{
		Name: "talk.mp3",
		Type: "audio/mpeg",
		Size: int64(len(body)),
		Body: strings.NewReader(body),
	}
}

func TestNew(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil)
	require.EqualError(t, err, "failed to validate config: invalid MaxUploadSize: should be a positive number")

	_, err = New(Config{MaxUploadSize: 1}, nil, nil, nil)
	require.EqualError(t, err, "pipeline dependencies should not be nil")
}

func TestReset(t *testing.T) {
	st := Reset()
	require.Equal(t, StateIdle, st.State)
	require.Empty(t, st.Entries)
	require.False(t, st.IsActive())
}

func TestRun(t *testing.T) {
	t.Run("65 seconds of audio", func(t *testing.T) {
		th := setupPipeline(t, "65.0")

		st, err := th.run(mp3File("mp3data"), config.ModelSizeBase)
		require.NoError(t, err)

		require.Equal(t, StateDone, st.State)
		require.True(t, model.IsValidId(st.RunID))
		require.Equal(t, "talk.mp3", st.FileName)
		require.Equal(t, config.ModelSizeBase, st.Model)
		require.Equal(t, 3, st.Total)
		require.Equal(t, transcribe.Transcript{
			{Index: 0, Timestamp: "00:00:00", Start: 0, Duration: 30, Text: "text 0"},
			{Index: 1, Timestamp: "00:00:30", Start: 30, Duration: 30, Text: "text 1"},
			{Index: 2, Timestamp: "00:01:00", Start: 60, Duration: 5, Text: "text 2"},
		}, st.Entries)
		require.Equal(t, []transcribe.Entry(st.Entries), th.entries)
		require.Equal(t, "Timestamp 00:00:00:\ntext 0\n\nTimestamp 00:00:30:\ntext 1\n\nTimestamp 00:01:00:\ntext 2\n\n", st.Entries.String())

		require.Equal(t, []State{
			StateValidating,
			StateExtracting,
			StateSegmenting,
			StateTranscribing,
			StateDone,
		}, th.states)

		require.Equal(t, []config.ModelSize{config.ModelSizeBase}, th.sizes)
		require.True(t, th.tr.destroyed)
		require.Len(t, th.tr.paths, 3)

		encodes := th.runner.Encodes()
		require.Len(t, encodes, 3)
		require.Equal(t, "5.000", encodes[2].Args[slices.Index(encodes[2].Args, "-t")+1])

		th.requireClean(t)
	})

	t.Run("model selection", func(t *testing.T) {
		th := setupPipeline(t, "10")

		st, err := th.run(mp3File("mp3data"), config.ModelSizeTiny)
		require.NoError(t, err)
		require.Equal(t, config.ModelSizeTiny, st.Model)
		require.Equal(t, []config.ModelSize{config.ModelSizeTiny}, th.sizes)
	})

	t.Run("zero length", func(t *testing.T) {
		th := setupPipeline(t, "0")

		st, err := th.run(mp3File(""), config.ModelSizeBase)
		require.NoError(t, err)
		require.Equal(t, StateDone, st.State)
		require.Zero(t, st.Total)
		require.Empty(t, st.Entries)
		require.Empty(t, st.Entries.String())
		require.Empty(t, th.entries)
		require.Empty(t, th.sizes)
		require.NotContains(t, th.states, StateTranscribing)
		th.requireClean(t)
	})

	t.Run("idempotence", func(t *testing.T) {
		th := setupPipeline(t, "95.5")

		st1, err := th.run(mp3File("mp3data"), config.ModelSizeBase)
		require.NoError(t, err)
		th.tr.paths = nil
		st2, err := th.run(mp3File("mp3data"), config.ModelSizeBase)
		require.NoError(t, err)

		require.NotEqual(t, st1.RunID, st2.RunID)
		require.Equal(t, st1.Entries, st2.Entries)
		require.Equal(t, st1.Entries.String(), st2.Entries.String())
		require.Equal(t, st1.Digest, st2.Digest)
	})

	t.Run("not idle", func(t *testing.T) {
		th := setupPipeline(t, "10")

		for _, state := range []State{StateTranscribing, StateDone, StateFailed, StateRejected} {
			in := RunState{State: state, Message: "previous"}
			st, err := th.p.Run(context.Background(), in, mp3File("mp3data"), config.ModelSizeBase, nil)
			require.ErrorIs(t, err, ErrRunNotIdle)
			require.Equal(t, in, st)
		}
		require.Empty(t, th.runner.Calls())
	})

	t.Run("canceled", func(t *testing.T) {
		th := setupPipeline(t, "65")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		st, err := th.p.Run(ctx, Reset(), mp3File("mp3data"), config.ModelSizeBase, nil)
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, StateFailed, st.State)
		require.Equal(t, "Transcription was interrupted.", st.Message)
		th.requireClean(t)
	})
}

func TestRunMediaKinds(t *testing.T) {
	t.Run("video is re-encoded before segmentation", func(t *testing.T) {
		th := setupPipeline(t, "40")

		st, err := th.run(media.UploadedFile{
			Name: "talk.mp4",
			Type: "video/mp4",
			Size: 7,
			Body: strings.NewReader("mp4data"),
		}, config.ModelSizeBase)
		require.NoError(t, err)
		require.Equal(t, 2, st.Total)

		encodes := th.runner.Encodes()
		require.Len(t, encodes, 3)

		extract := encodes[0]
		require.Equal(t, ".mp4", filepath.Ext(extract.Input()))
		require.Contains(t, extract.Args, "-vn")
		for _, seg := range encodes[1:] {
			require.Equal(t, extract.Output(), seg.Input())
		}
		th.requireClean(t)
	})

	for _, tc := range []struct {
		name     string
		declared string
	}{
		{name: "mp3", declared: "audio/mpeg"},
		{name: "wav", declared: "audio/wav"},
	} {
		t.Run(tc.name+" is not re-encoded", func(t *testing.T) {
			th := setupPipeline(t, "40")

			_, err := th.run(media.UploadedFile{
				Name: "talk." + tc.name,
				Type: tc.declared,
				Size: 4,
				Body: strings.NewReader("data"),
			}, config.ModelSizeBase)
			require.NoError(t, err)

			encodes := th.runner.Encodes()
			require.Len(t, encodes, 2)
			for _, seg := range encodes {
				require.Equal(t, "."+tc.name, filepath.Ext(seg.Input()))
			}
		})
	}
}

func TestRunValidation(t *testing.T) {
	t.Run("max size is accepted", func(t *testing.T) {
		th := setupPipeline(t, "10")

		file := mp3File("mp3data")
		file.Size = maxUploadSize
		st, err := th.run(file, config.ModelSizeBase)
		require.NoError(t, err)
		require.Equal(t, StateDone, st.State)
	})

	t.Run("one byte over is rejected", func(t *testing.T) {
		th := setupPipeline(t, "10")

		file := mp3File("mp3data")
		file.Size = maxUploadSize + 1
		st, err := th.run(file, config.ModelSizeBase)
		require.ErrorIs(t, err, ErrOversizeFile)
		require.Equal(t, StateRejected, st.State)
		require.Equal(t, "File size exceeds 100 MB. Please upload a smaller file.", st.Message)
		require.Equal(t, []State{StateValidating, StateRejected}, th.states)
		require.Empty(t, th.runner.Calls())
		require.Empty(t, th.sizes)
	})

	t.Run("body larger than declared size", func(t *testing.T) {
		th := setupPipeline(t, "10")
		th.p.cfg.MaxUploadSize = 4

		file := mp3File("mp3data")
		file.Size = 3
		st, err := th.run(file, config.ModelSizeBase)
		require.ErrorIs(t, err, ErrOversizeFile)
		require.ErrorIs(t, err, ErrExtraction)
		require.Equal(t, StateFailed, st.State)
		require.Equal(t, "File size exceeds 0 MB. Please upload a smaller file.", st.Message)
		require.Equal(t, []State{StateValidating, StateExtracting, StateFailed}, th.states)
		th.requireClean(t)
	})

	t.Run("unsupported media", func(t *testing.T) {
		th := setupPipeline(t, "10")

		st, err := th.run(media.UploadedFile{
			Name: "talk.ogg",
			Type: "audio/ogg",
			Size: 3,
			Body: strings.NewReader("ogg"),
		}, config.ModelSizeBase)
		require.ErrorIs(t, err, media.ErrUnsupportedMedia)
		require.Equal(t, StateRejected, st.State)
		require.Equal(t, `Unsupported file type "audio/ogg". Please upload an MP3, WAV or MP4 file.`, st.Message)
		require.Empty(t, th.runner.Calls())
	})

	t.Run("invalid model", func(t *testing.T) {
		th := setupPipeline(t, "10")

		st, err := th.run(mp3File("mp3data"), "large")
		require.ErrorIs(t, err, ErrInvalidModel)
		require.Equal(t, StateRejected, st.State)
		require.Empty(t, th.runner.Calls())
	})

	t.Run("missing body", func(t *testing.T) {
		th := setupPipeline(t, "10")

		st, err := th.run(media.UploadedFile{Name: "talk.mp3", Type: "audio/mpeg"}, config.ModelSizeBase)
		require.Error(t, err)
		require.Equal(t, StateRejected, st.State)
	})
}

func TestRunDigest(t *testing.T) {
	body := "some audio bytes"
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(body))
	expected := hex.EncodeToString(h.Sum(nil))

	t.Run("seekable", func(t *testing.T) {
		th := setupPipeline(t, "10")
		st, err := th.run(mp3File(body), config.ModelSizeBase)
		require.NoError(t, err)
		require.Equal(t, expected, st.Digest)
	})

	t.Run("stream", func(t *testing.T) {
		th := setupPipeline(t, "10")
		file := mp3File("")
		file.Body = io.MultiReader(strings.NewReader(body[:4]), strings.NewReader(body[4:]))
		st, err := th.run(file, config.ModelSizeBase)
		require.NoError(t, err)
		require.Equal(t, expected, st.Digest)
	})
}

func TestRunFailures(t *testing.T) {
	t.Run("transcription failure keeps produced entries", func(t *testing.T) {
		th := setupPipeline(t, "65")
		th.tr.failAt = 2

		st, err := th.run(mp3File("mp3data"), config.ModelSizeBase)
		require.ErrorIs(t, err, ErrTranscription)
		require.EqualError(t, err, "transcription failed: segment 1: model crashed")
		require.Equal(t, StateFailed, st.State)
		require.Equal(t, "Failed to transcribe segment 2.", st.Message)
		require.Len(t, st.Entries, 1)
		require.Len(t, th.entries, 1)
		require.True(t, th.tr.destroyed)
		th.requireClean(t)
	})

	t.Run("extraction failure", func(t *testing.T) {
		th := setupPipeline(t, "65")
		th.runner.Fail = func(c mediatest.Call) error {
			if c.IsProbe() {
				return errors.New("ffprobe failed: exit status 1: Invalid data found when processing input")
			}
			return nil
		}

		st, err := th.run(mp3File("garbage"), config.ModelSizeBase)
		require.ErrorIs(t, err, ErrExtraction)
		require.Equal(t, StateFailed, st.State)
		require.Equal(t, "Failed to extract audio from the uploaded file.", st.Message)
		require.Empty(t, th.sizes)
		th.requireClean(t)
	})

	t.Run("segment export failure", func(t *testing.T) {
		th := setupPipeline(t, "65")
		th.runner.Fail = func(c mediatest.Call) error {
			if strings.Contains(c.Output(), "segment-001") {
				return errors.New("ffmpeg failed")
			}
			return nil
		}

		st, err := th.run(mp3File("mp3data"), config.ModelSizeBase)
		require.ErrorIs(t, err, ErrExtraction)
		require.Equal(t, StateFailed, st.State)
		require.Len(t, st.Entries, 1)
		require.True(t, th.tr.destroyed)
		th.requireClean(t)
	})

	t.Run("transcriber creation failure", func(t *testing.T) {
		th := setupPipeline(t, "65")
		th.p.newTranscriber = func(_ config.ModelSize) (transcribe.Transcriber, error) {
			return nil, errors.New("failed to load model file")
		}

		st, err := th.run(mp3File("mp3data"), config.ModelSizeBase)
		require.ErrorIs(t, err, ErrTranscription)
		require.Equal(t, StateFailed, st.State)
		require.Empty(t, st.Entries)
		th.requireClean(t)
	})
}
