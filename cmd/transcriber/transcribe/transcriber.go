package transcribe

import (
	"context"
	"strings"
)

// Transcriber turns a single encoded audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, artifactPath string) (string, error)
	Destroy() error
}

// Entry is the transcription of a single segment.
type Entry struct {
	Index     int     `json:"index"`
	Timestamp string  `json:"timestamp"`
	Start     float64 `json:"start"`
	Duration  float64 `json:"duration"`
	Text      string  `json:"text"`
}

func NewEntry(index int, start, duration float64, text string) Entry {
	return Entry{
		Index:     index,
		Timestamp: FormatTimestamp(start),
		Start:     start,
		Duration:  duration,
		Text:      text,
	}
}

// Transcript holds entries ordered by segment index.
type Transcript []Entry

// String returns the plain text rendering of the transcript.
func (t Transcript) String() string {
	var sb strings.Builder
	_ = t.Text(&sb)
	return sb.String()
}
