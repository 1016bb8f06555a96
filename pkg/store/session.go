package store

import (
	"github.com/tcmartin/flowconsole/pkg/models"
)

// SessionKind names what is using the engine session
type SessionKind string

// Session kinds
const (
	SessionRun    SessionKind = "run"
	SessionInit   SessionKind = "init"
	SessionRecord SessionKind = "record"
)

// BeginSession claims the engine session for kind while it starts. It fails
// and reports the holder while another session is starting, a flow is
// running or recording is active. The claim lasts until EndSessionStart;
// from then on the running status or the recording flag keeps others out.
func (s *Store) BeginSession(kind SessionKind) (SessionKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.starting != "":
		return s.starting, false
	case s.status == models.StatusRunning:
		return SessionRun, false
	case s.recording:
		return SessionRecord, false
	}
	s.starting = kind
	return kind, true
}

// EndSessionStart releases the claim taken by BeginSession
func (s *Store) EndSessionStart() {
	s.mu.Lock()
	s.starting = ""
	s.mu.Unlock()
}
