package transcribe

import (
	"fmt"
	"io"
)

const (
	TextFileName = "complete_transcript.txt"
)

// Text writes one block per entry:
//
//	Timestamp HH:MM:SS:
//	<text>
//	<blank line>
func (t Transcript) Text(w io.Writer) error {
	for _, e := range t {
		if _, err := fmt.Fprintf(w, "Timestamp %s:\n%s\n\n", e.Timestamp, e.Text); err != nil {
			return fmt.Errorf("failed to write: %w", err)
		}
	}
	return nil
}
