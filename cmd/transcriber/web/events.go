package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mattermost/media-transcriber/cmd/transcriber/pipeline"
	"github.com/mattermost/media-transcriber/cmd/transcriber/transcribe"
)

type EventType string

const (
	EventTypeState EventType = "state"
	EventTypeEntry EventType = "entry"
	EventTypeDone  EventType = "done"
	EventTypeError EventType = "error"
)

type stateSummary struct {
	RunID   string         `json:"run_id,omitempty"`
	State   pipeline.State `json:"state"`
	Total   int            `json:"total"`
	Done    int            `json:"done"`
	Message string         `json:"message,omitempty"`
}

func summarize(st pipeline.RunState) *stateSummary {
	return &stateSummary{
		RunID:   st.RunID,
		State:   st.State,
		Total:   st.Total,
		Done:    len(st.Entries),
		Message: st.Message,
	}
}

// Event is a single line of the transcription progress stream.
type Event struct {
	Type  EventType         `json:"type"`
	State *stateSummary     `json:"state,omitempty"`
	Entry *transcribe.Entry `json:"entry,omitempty"`
	Error string            `json:"error,omitempty"`
}

type eventWriter struct {
	w   http.ResponseWriter
	enc *json.Encoder
	f   http.Flusher
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	f, _ := w.(http.Flusher)
	return &eventWriter{w: w, enc: json.NewEncoder(w), f: f}
}

func (ew *eventWriter) write(ev Event) error {
	if err := ew.enc.Encode(ev); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if ew.f != nil {
		ew.f.Flush()
	}
	return nil
}
