package config

import (
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
)

const (
	// defaults
	ModelSizeDefault          = ModelSizeBase
	TranscribeAPIDefault      = TranscribeAPIWhisperCPP
	ListenAddressDefault      = ":8080"
	FFmpegPathDefault         = "ffmpeg"
	FFprobePathDefault        = "ffprobe"
	ModelsDirDefault          = "./models"
	MaxUploadSizeMBDefault    = 100
	SegmentDurationSecDefault = 30
	AudioBitrateKbpsDefault   = 64
)

type ModelSize string

const (
	ModelSizeTiny ModelSize = "tiny"
	ModelSizeBase ModelSize = "base"
)

// ModelSizes lists the selectable model configurations, fastest first.
var ModelSizes = []ModelSize{ModelSizeTiny, ModelSizeBase}

type TranscribeAPI string

const (
	TranscribeAPIWhisperCPP    TranscribeAPI = "whisper.cpp"
	TranscribeAPIOpenAIWhisper TranscribeAPI = "openai/whisper"
)

type TranscriberConfig struct {
	// server config
	ListenAddress string
	DataDir       string

	// media config
	FFmpegPath         string
	FFprobePath        string
	MaxUploadSizeMB    int
	SegmentDurationSec int
	AudioBitrateKbps   int

	// transcription config
	TranscribeAPI TranscribeAPI
	ModelSize     ModelSize
	ModelsDir     string
	NumThreads    int
	OpenAIAPIURL  string
	OpenAIAPIKey  string
	// Maximum number of transcription requests per minute. Zero means no limit.
	OpenAIRateLimitPerMin int
}

func (p ModelSize) IsValid() bool {
	switch p {
	case ModelSizeTiny, ModelSizeBase:
		return true
	default:
		return false
	}
}

func (a TranscribeAPI) IsValid() bool {
	switch a {
	case TranscribeAPIWhisperCPP, TranscribeAPIOpenAIWhisper:
		return true
	default:
		return false
	}
}

// MaxUploadSize returns the upload limit in bytes.
func (cfg TranscriberConfig) MaxUploadSize() int64 {
	return int64(cfg.MaxUploadSizeMB) * 1024 * 1024
}

func (cfg TranscriberConfig) IsValid() error {
	if cfg == (TranscriberConfig{}) {
		return fmt.Errorf("config cannot be empty")
	}

	if cfg.ListenAddress == "" {
		return fmt.Errorf("ListenAddress cannot be empty")
	}

	if cfg.DataDir == "" {
		return fmt.Errorf("DataDir cannot be empty")
	}

	if cfg.FFmpegPath == "" {
		return fmt.Errorf("FFmpegPath cannot be empty")
	}

	if cfg.FFprobePath == "" {
		return fmt.Errorf("FFprobePath cannot be empty")
	}

	if cfg.MaxUploadSizeMB <= 0 {
		return fmt.Errorf("MaxUploadSizeMB should be a positive number")
	}

	if cfg.SegmentDurationSec <= 0 {
		return fmt.Errorf("SegmentDurationSec should be a positive number")
	}

	if cfg.AudioBitrateKbps <= 0 {
		return fmt.Errorf("AudioBitrateKbps should be a positive number")
	}

	if !cfg.TranscribeAPI.IsValid() {
		return fmt.Errorf("TranscribeAPI value is not valid")
	}

	if !cfg.ModelSize.IsValid() {
		return fmt.Errorf("ModelSize value is not valid")
	}

	switch cfg.TranscribeAPI {
	case TranscribeAPIWhisperCPP:
		if cfg.ModelsDir == "" {
			return fmt.Errorf("ModelsDir cannot be empty")
		}
		if numCPU := runtime.NumCPU(); cfg.NumThreads < 1 || cfg.NumThreads > numCPU {
			return fmt.Errorf("NumThreads should be in the range [1, %d]", numCPU)
		}
	case TranscribeAPIOpenAIWhisper:
		if cfg.OpenAIAPIURL == "" {
			return fmt.Errorf("OpenAIAPIURL cannot be empty")
		}
		u, err := url.Parse(cfg.OpenAIAPIURL)
		if err != nil {
			return fmt.Errorf("OpenAIAPIURL parsing failed: %w", err)
		} else if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("OpenAIAPIURL parsing failed: invalid scheme %q", u.Scheme)
		}
		if cfg.OpenAIRateLimitPerMin < 0 {
			return fmt.Errorf("OpenAIRateLimitPerMin should not be negative")
		}
	}

	return nil
}

func (cfg *TranscriberConfig) SetDefaults() {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ListenAddressDefault
	}

	if cfg.DataDir == "" {
		cfg.DataDir = os.TempDir()
	}

	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = FFmpegPathDefault
	}

	if cfg.FFprobePath == "" {
		cfg.FFprobePath = FFprobePathDefault
	}

	if cfg.MaxUploadSizeMB == 0 {
		cfg.MaxUploadSizeMB = MaxUploadSizeMBDefault
	}

	if cfg.SegmentDurationSec == 0 {
		cfg.SegmentDurationSec = SegmentDurationSecDefault
	}

	if cfg.AudioBitrateKbps == 0 {
		cfg.AudioBitrateKbps = AudioBitrateKbpsDefault
	}

	if cfg.TranscribeAPI == "" {
		cfg.TranscribeAPI = TranscribeAPIDefault
	}

	if cfg.ModelSize == "" {
		cfg.ModelSize = ModelSizeDefault
	}

	if cfg.ModelsDir == "" {
		cfg.ModelsDir = ModelsDirDefault
	}

	if cfg.NumThreads == 0 {
		cfg.NumThreads = max(1, runtime.NumCPU()/2)
	}
}

// ToMap returns the config in a form suitable for logging. Secrets are redacted.
func (cfg TranscriberConfig) ToMap() map[string]any {
	if cfg == (TranscriberConfig{}) {
		return nil
	}

	apiKey := ""
	if cfg.OpenAIAPIKey != "" {
		apiKey = "***"
	}

	return map[string]any{
		"listen_address":       cfg.ListenAddress,
		"data_dir":             cfg.DataDir,
		"ffmpeg_path":          cfg.FFmpegPath,
		"ffprobe_path":         cfg.FFprobePath,
		"max_upload_size_mb":   cfg.MaxUploadSizeMB,
		"segment_duration_sec": cfg.SegmentDurationSec,
		"audio_bitrate_kbps":   cfg.AudioBitrateKbps,
		"transcribe_api":       cfg.TranscribeAPI,
		"model_size":           cfg.ModelSize,
		"models_dir":           cfg.ModelsDir,
		"num_threads":          cfg.NumThreads,
		"openai_api_url":       cfg.OpenAIAPIURL,
		"openai_api_key":       apiKey,
		"openai_rate_limit":    cfg.OpenAIRateLimitPerMin,
	}
}

func FromEnv() (TranscriberConfig, error) {
	var cfg TranscriberConfig
	var err error

	cfg.ListenAddress = os.Getenv("LISTEN_ADDRESS")
	cfg.DataDir = os.Getenv("DATA_DIR")
	cfg.FFmpegPath = os.Getenv("FFMPEG_PATH")
	cfg.FFprobePath = os.Getenv("FFPROBE_PATH")
	cfg.ModelsDir = os.Getenv("MODELS_DIR")
	cfg.OpenAIAPIURL = strings.TrimSuffix(os.Getenv("OPENAI_API_URL"), "/")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")

	if val := os.Getenv("TRANSCRIBE_API"); val != "" {
		cfg.TranscribeAPI = TranscribeAPI(val)
	}

	if val := os.Getenv("MODEL_SIZE"); val != "" {
		cfg.ModelSize = ModelSize(val)
	}

	if cfg.NumThreads, err = intFromEnv("NUM_THREADS"); err != nil {
		return cfg, err
	}

	if cfg.MaxUploadSizeMB, err = intFromEnv("MAX_UPLOAD_SIZE_MB"); err != nil {
		return cfg, err
	}

	if cfg.SegmentDurationSec, err = intFromEnv("SEGMENT_DURATION_SEC"); err != nil {
		return cfg, err
	}

	if cfg.AudioBitrateKbps, err = intFromEnv("AUDIO_BITRATE_KBPS"); err != nil {
		return cfg, err
	}

	if cfg.OpenAIRateLimitPerMin, err = intFromEnv("OPENAI_RATE_LIMIT_PER_MIN"); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func intFromEnv(key string) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}

	return n, nil
}
