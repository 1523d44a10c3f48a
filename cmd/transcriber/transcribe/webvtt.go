package transcribe

import (
	"fmt"
	"html"
	"io"
)

const (
	WebVTTFileName = "complete_transcript.vtt"
)

func (t Transcript) WebVTT(w io.Writer) error {
	_, err := fmt.Fprintf(w, "WEBVTT\n")
	if err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	for _, e := range t {
		text := sanitize(e.Text, html.EscapeString)
		if text == "" {
			continue
		}

		startMs := toMs(e.Start)
		_, err = fmt.Fprintf(w, "\n%s --> %s\n", vttTS(startMs), vttTS(startMs+toMs(e.Duration)))
		if err != nil {
			return fmt.Errorf("failed to write: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", text)
		if err != nil {
			return fmt.Errorf("failed to write: %w", err)
		}
	}

	return nil
}
