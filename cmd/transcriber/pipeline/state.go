package pipeline

import (
	"errors"

	"github.com/mattermost/media-transcriber/cmd/transcriber/config"
	"github.com/mattermost/media-transcriber/cmd/transcriber/transcribe"
)

var (
	ErrOversizeFile  = errors.New("file exceeds maximum upload size")
	ErrInvalidModel  = errors.New("invalid model")
	ErrExtraction    = errors.New("extraction failed")
	ErrTranscription = errors.New("transcription failed")
	ErrRunNotIdle    = errors.New("run is not idle")
)

// State of a run. Runs move from idle through validating, extracting,
// segmenting and transcribing to done. Rejected is only reachable from
// validating, any later error leads to failed.
type State string

const (
	StateIdle         State = "idle"
	StateValidating   State = "validating"
	StateExtracting   State = "extracting"
	StateSegmenting   State = "segmenting"
	StateTranscribing State = "transcribing"
	StateDone         State = "done"
	StateRejected     State = "rejected"
	StateFailed       State = "failed"
)

// IsTerminal reports whether no further transitions can happen without a
// reset.
func (s State) IsTerminal() bool {
	switch s {
	case StateDone, StateRejected, StateFailed:
		return true
	default:
		return false
	}
}

// RunState is the explicit state of a single transcription run. It's passed
// into the pipeline and returned by it, the pipeline keeps no state of its
// own.
type RunState struct {
	RunID    string                `json:"run_id,omitempty"`
	State    State                 `json:"state"`
	Model    config.ModelSize      `json:"model,omitempty"`
	FileName string                `json:"file_name,omitempty"`
	Digest   string                `json:"digest,omitempty"`
	Total    int                   `json:"total"`
	Entries  transcribe.Transcript `json:"entries"`
	Message  string                `json:"message,omitempty"`
}

// Reset returns a fresh idle state.
func Reset() RunState {
	return RunState{State: StateIdle}
}

func (s RunState) IsActive() bool {
	return s.State != StateIdle && !s.State.IsTerminal()
}
