package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mattermost/media-transcriber/cmd/transcriber/pipeline"

	"github.com/mattermost/mattermost/server/public/model"
)

const (
	sessionCookieName = "transcriber_session"
	// Sessions idle for longer than this are dropped along with their
	// transcript.
	sessionMaxAge        = time.Hour
	sessionSweepInterval = time.Minute
)

type session struct {
	mut    sync.Mutex
	st     pipeline.RunState
	cancel context.CancelFunc
	// Incremented on every run and reset, so that updates from a discarded
	// run are ignored.
	gen int
}

func (s *session) State() pipeline.RunState {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.st
}

func (s *session) setState(gen int, st pipeline.RunState) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if gen == s.gen {
		s.st = st
	}
}

// begin marks the session as running. It fails if a run is already active.
func (s *session) begin(cancel context.CancelFunc) (pipeline.RunState, int, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.cancel != nil {
		return s.st, s.gen, false
	}
	s.gen++
	s.cancel = cancel
	s.st = pipeline.Reset()
	return s.st, s.gen, true
}

func (s *session) end(gen int, st pipeline.RunState) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if gen != s.gen {
		return
	}
	s.st = st
	s.cancel = nil
}

func (s *session) reset() {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.st = pipeline.Reset()
}

func (s *session) isActive() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.cancel != nil
}

type sessionStore struct {
	mut       sync.Mutex
	sessions  map[string]*session
	lastSeen  map[string]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		sessions: make(map[string]*session),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// get returns the session identified by the request cookie, creating a new
// one when missing or invalid.
func (ss *sessionStore) get(w http.ResponseWriter, r *http.Request) *session {
	ss.mut.Lock()
	defer ss.mut.Unlock()

	now := ss.now()
	if now.Sub(ss.lastSweep) >= sessionSweepInterval {
		ss.sweep(now)
	}

	if c, err := r.Cookie(sessionCookieName); err == nil && model.IsValidId(c.Value) {
		if s, ok := ss.sessions[c.Value]; ok {
			ss.lastSeen[c.Value] = now
			return s
		}
	}

	id := model.NewId()
	s := &session{st: pipeline.Reset()}
	ss.sessions[id] = s
	ss.lastSeen[id] = now

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return s
}

// sweep drops sessions that have not been seen for longer than
// sessionMaxAge. Sessions with an active run are kept.
func (ss *sessionStore) sweep(now time.Time) {
	ss.lastSweep = now

	var evicted int
	for id, seen := range ss.lastSeen {
		if ss.sessions[id].isActive() {
			ss.lastSeen[id] = now
			continue
		}
		if now.Sub(seen) <= sessionMaxAge {
			continue
		}
		delete(ss.sessions, id)
		delete(ss.lastSeen, id)
		evicted++
	}

	if evicted > 0 {
		slog.Debug("evicted idle sessions",
			slog.Int("evicted", evicted),
			slog.Int("remaining", len(ss.sessions)))
	}
}

// cancelAll stops every active run.
func (ss *sessionStore) cancelAll() {
	ss.mut.Lock()
	defer ss.mut.Unlock()
	for _, s := range ss.sessions {
		s.mut.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mut.Unlock()
	}
}
