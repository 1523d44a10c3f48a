package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/mattermost/media-transcriber/cmd/transcriber/config"
	"github.com/mattermost/media-transcriber/cmd/transcriber/media"
	"github.com/mattermost/media-transcriber/cmd/transcriber/pipeline"
	"github.com/mattermost/media-transcriber/cmd/transcriber/transcribe"
)

const (
	// Extra room for multipart headers and the model field.
	formOverhead = 1024 * 1024
	// Form data kept in memory before spilling to disk.
	formMemory = 32 * 1024 * 1024
)

//go:embed templates/*.html
var templatesFS embed.FS

// Runner runs a transcription pipeline over an upload.
type Runner interface {
	Run(ctx context.Context, st pipeline.RunState, file media.UploadedFile, size config.ModelSize,
		onEntry func(pipeline.RunState, transcribe.Entry), opts ...pipeline.RunOption) (pipeline.RunState, error)
}

type Config struct {
	MaxUploadSize int64
	DefaultModel  config.ModelSize
}

func (c Config) IsValid() error {
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("invalid MaxUploadSize: should be a positive number")
	}
	if !c.DefaultModel.IsValid() {
		return fmt.Errorf("invalid DefaultModel: %q", c.DefaultModel)
	}
	return nil
}

type Server struct {
	cfg      Config
	runner   Runner
	sessions *sessionStore
	tmpl     *template.Template
	mux      *http.ServeMux
}

func NewServer(cfg Config, runner Runner) (*Server, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if runner == nil {
		return nil, fmt.Errorf("runner should not be nil")
	}

	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		runner:   runner,
		sessions: newSessionStore(),
		tmpl:     tmpl,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("POST /transcribe", s.handleTranscribe)
	s.mux.HandleFunc("GET /transcript.txt", s.handleTranscriptText)
	s.mux.HandleFunc("GET /transcript.vtt", s.handleTranscriptVTT)
	s.mux.HandleFunc("POST /reset", s.handleReset)

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close cancels every active run.
func (s *Server) Close() {
	s.sessions.cancelAll()
}

type indexData struct {
	State        pipeline.RunState
	Active       bool
	Models       []config.ModelSize
	DefaultModel config.ModelSize
	MaxUploadMB  int64
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(w, r)

	data := indexData{
		State:        sess.State(),
		Active:       sess.isActive(),
		Models:       config.ModelSizes,
		DefaultModel: s.cfg.DefaultModel,
		MaxUploadMB:  s.cfg.MaxUploadSize / (1024 * 1024),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, "index.html", data); err != nil {
		slog.Error("failed to render index", slog.String("err", err.Error()))
	}
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(w, r)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	st, gen, ok := sess.begin(cancel)
	if !ok {
		http.Error(w, "a transcription is already running", http.StatusConflict)
		return
	}

	defer func() {
		sess.end(gen, st)
	}()

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize+formOverhead)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		st = s.rejectForm(w, st, err)
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.Error("failed to remove form files", slog.String("err", err.Error()))
		}
	}()

	f, fh, err := r.FormFile("file")
	if err != nil {
		st = s.rejectForm(w, st, err)
		return
	}
	defer f.Close()

	size := config.ModelSize(r.FormValue("model"))
	if size == "" {
		size = s.cfg.DefaultModel
	}

	file := media.UploadedFile{
		Name: fh.Filename,
		Type: declaredType(fh),
		Size: fh.Size,
		Body: f,
	}

	slog.Info("transcription requested",
		slog.String("file", file.Name),
		slog.String("type", file.Type),
		slog.Int64("size", file.Size),
		slog.String("model", string(size)))

	ew := newEventWriter(w)
	writeEvent := func(ev Event) {
		if err := ew.write(ev); err != nil {
			slog.Debug("failed to stream event", slog.String("err", err.Error()))
		}
	}

	st, err = s.runner.Run(ctx, st, file, size, func(cur pipeline.RunState, e transcribe.Entry) {
		sess.setState(gen, cur)
		writeEvent(Event{Type: EventTypeEntry, State: summarize(cur), Entry: &e})
	}, pipeline.WithStateListener(func(cur pipeline.RunState) {
		sess.setState(gen, cur)
		if !cur.State.IsTerminal() {
			writeEvent(Event{Type: EventTypeState, State: summarize(cur)})
		}
	}))
	if err != nil {
		writeEvent(Event{Type: EventTypeError, State: summarize(st), Error: st.Message})
		return
	}

	writeEvent(Event{Type: EventTypeDone, State: summarize(st)})
}

// rejectForm handles uploads that could not be parsed at all.
func (s *Server) rejectForm(w http.ResponseWriter, st pipeline.RunState, err error) pipeline.RunState {
	st.State = pipeline.StateRejected

	code := http.StatusBadRequest
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		code = http.StatusRequestEntityTooLarge
		st.Message = fmt.Sprintf("File size exceeds %d MB. Please upload a smaller file.", s.cfg.MaxUploadSize/(1024*1024))
	case errors.Is(err, http.ErrMissingFile):
		st.Message = "No file was uploaded."
	default:
		st.Message = "Invalid upload."
	}

	slog.Info("upload rejected", slog.String("err", err.Error()))

	ew := newEventWriter(w)
	w.WriteHeader(code)
	if werr := ew.write(Event{Type: EventTypeError, State: summarize(st), Error: st.Message}); werr != nil {
		slog.Debug("failed to stream event", slog.String("err", werr.Error()))
	}

	return st
}

func declaredType(fh *multipart.FileHeader) string {
	ct := strings.TrimSpace(fh.Header.Get("Content-Type"))
	if ct == "" || strings.HasPrefix(ct, "application/octet-stream") {
		if inferred := media.TypeFromName(fh.Filename); inferred != "" {
			return inferred
		}
	}
	return ct
}

func (s *Server) handleTranscriptText(w http.ResponseWriter, r *http.Request) {
	s.serveTranscript(w, r, "text/plain; charset=utf-8", transcribe.TextFileName, transcribe.Transcript.Text)
}

func (s *Server) handleTranscriptVTT(w http.ResponseWriter, r *http.Request) {
	s.serveTranscript(w, r, "text/vtt; charset=utf-8", transcribe.WebVTTFileName, transcribe.Transcript.WebVTT)
}

func (s *Server) serveTranscript(w http.ResponseWriter, r *http.Request, contentType, fileName string,
	render func(transcribe.Transcript, io.Writer) error,
) {
	st := s.sessions.get(w, r).State()
	if st.State == pipeline.StateIdle || st.RunID == "" {
		http.Error(w, "no transcript available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	if err := render(st.Entries, w); err != nil {
		slog.Error("failed to write transcript", slog.String("err", err.Error()))
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.sessions.get(w, r).reset()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
