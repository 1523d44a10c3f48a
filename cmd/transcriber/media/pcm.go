package media

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	PCMSampleRate = 16000
)

type PCMDecoder struct {
	ffmpegPath string
	runner     CommandRunner
}

func NewPCMDecoder(ffmpegPath string, runner CommandRunner) *PCMDecoder {
	if runner == nil {
		runner = NewExecRunner()
	}
	return &PCMDecoder{ffmpegPath: ffmpegPath, runner: runner}
}

// Decode converts the audio file at path to 16kHz mono float32 samples.
func (d *PCMDecoder) Decode(ctx context.Context, path string) ([]float32, error) {
	data, err := d.runner.Output(ctx, d.ffmpegPath,
		"-v", "error",
		"-i", path,
		"-ar", fmt.Sprintf("%d", PCMSampleRate),
		"-ac", "1",
		"-f", "f32le",
		"-",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio: %w", err)
	}

	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid PCM data length %d", len(data))
	}

	samples := make([]float32, 0, len(data)/4)
	for i := 0; i < len(data); i += 4 {
		samples = append(samples, math.Float32frombits(binary.LittleEndian.Uint32(data[i:i+4])))
	}

	return samples, nil
}
