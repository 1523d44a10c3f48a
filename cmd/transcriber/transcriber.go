package main

import (
	"fmt"
	"log/slog"

	"github.com/mattermost/media-transcriber/cmd/transcriber/apis/openai"
	"github.com/mattermost/media-transcriber/cmd/transcriber/apis/whisper.cpp"
	"github.com/mattermost/media-transcriber/cmd/transcriber/config"
	"github.com/mattermost/media-transcriber/cmd/transcriber/media"
	"github.com/mattermost/media-transcriber/cmd/transcriber/pipeline"
	"github.com/mattermost/media-transcriber/cmd/transcriber/transcribe"
)

// newTranscriberFactory returns the factory used by the pipeline to load a
// speech recognition engine for the selected model size.
func newTranscriberFactory(cfg config.TranscriberConfig, runner media.CommandRunner) (pipeline.TranscriberFactory, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	switch cfg.TranscribeAPI {
	case config.TranscribeAPIWhisperCPP:
		decoder := media.NewPCMDecoder(cfg.FFmpegPath, runner)
		return func(size config.ModelSize) (transcribe.Transcriber, error) {
			modelFile := whisper.ModelFile(cfg.ModelsDir, size)
			slog.Debug("loading whisper.cpp model", slog.String("model_file", modelFile))
			return whisper.NewFileTranscriber(whisper.Config{
				ModelFile:  modelFile,
				NumThreads: cfg.NumThreads,
			}, decoder)
		}, nil
	case config.TranscribeAPIOpenAIWhisper:
		// All runs share the endpoint quota.
		limiter := openai.NewLimiter(cfg.OpenAIRateLimitPerMin)
		return func(size config.ModelSize) (transcribe.Transcriber, error) {
			return openai.NewClient(openai.Config{
				APIURL:  cfg.OpenAIAPIURL,
				APIKey:  cfg.OpenAIAPIKey,
				Model:   string(size),
				Limiter: limiter,
			}, nil)
		}, nil
	default:
		return nil, fmt.Errorf("transcribe API %q is not implemented", cfg.TranscribeAPI)
	}
}
