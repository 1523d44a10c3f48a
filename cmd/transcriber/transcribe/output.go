package transcribe

import (
	"fmt"
	"math"
	"strings"
)

// Offsets at or above this value are clamped to math.MaxInt64 seconds.
const maxSeconds = float64(math.MaxInt64)

// FormatTimestamp converts an offset in seconds to the HH:MM:SS format.
// Hours are not wrapped and negative offsets are treated as zero.
func FormatTimestamp(startSeconds float64) string {
	if math.IsNaN(startSeconds) || startSeconds < 0 {
		startSeconds = 0
	}

	total := int64(math.MaxInt64)
	if startSeconds < maxSeconds {
		total = int64(math.Floor(startSeconds))
	}
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60

	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// vttTS converts ts milliseconds in the 00:00:00.000 format.
func vttTS(ts int64) string {
	sMs := int64(1000)
	mMs := 60 * sMs
	hMs := 60 * mMs

	h := ts / hMs
	m := (ts - (h * hMs)) / mMs
	s := ((ts - (h * hMs)) - m*mMs) / sMs
	ms := ((ts - (h * hMs)) - m*mMs) - s*sMs

	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

func toMs(seconds float64) int64 {
	if seconds <= 0 {
		return 0
	}
	return int64(math.Round(seconds * 1000))
}

func sanitize(text string, filters ...func(string) string) string {
	text = strings.Join(strings.Fields(text), " ")
	for _, f := range filters {
		text = f(text)
	}
	return text
}
