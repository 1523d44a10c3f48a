// Package mediatest provides a scripted media.CommandRunner for tests.
package mediatest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

type Call struct {
	Name string
	Args []string
}

// Input returns the value following the -i flag, if any.
func (c Call) Input() string {
	if idx := slices.Index(c.Args, "-i"); idx >= 0 && idx+1 < len(c.Args) {
		return c.Args[idx+1]
	}
	return ""
}

// Output returns the last argument, which is where ffmpeg writes.
func (c Call) Output() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[len(c.Args)-1]
}

func (c Call) IsProbe() bool {
	return strings.HasSuffix(filepath.Base(c.Name), "ffprobe")
}

// Runner fakes ffmpeg and ffprobe. ffprobe calls report Duration, ffmpeg
// calls write a small payload to their output file, or return PCM when
// writing to stdout.
type Runner struct {
	Duration string
	PCM      []byte
	// Fail, when set, is consulted before every call.
	Fail func(c Call) error

	mut   sync.Mutex
	calls []Call
}

func (r *Runner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	c := Call{Name: name, Args: slices.Clone(args)}

	r.mut.Lock()
	r.calls = append(r.calls, c)
	r.mut.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s interrupted: %w", name, err)
	}

	if r.Fail != nil {
		if err := r.Fail(c); err != nil {
			return nil, err
		}
	}

	if c.IsProbe() {
		if r.Duration == "" {
			return []byte(`{"format":{}}`), nil
		}
		return []byte(fmt.Sprintf(`{"format":{"duration":%q}}`, r.Duration)), nil
	}

	if c.Output() == "-" {
		return r.PCM, nil
	}

	if err := os.WriteFile(c.Output(), []byte("ID3"), 0600); err != nil {
		return nil, err
	}

	return nil, nil
}

func (r *Runner) Calls() []Call {
	r.mut.Lock()
	defer r.mut.Unlock()
	return slices.Clone(r.calls)
}

// Encodes returns the ffmpeg calls that wrote to a file.
func (r *Runner) Encodes() []Call {
	var out []Call
	for _, c := range r.Calls() {
		if !c.IsProbe() && c.Output() != "-" {
			out = append(out, c)
		}
	}
	return out
}
