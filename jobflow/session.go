package jobflow

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/interp/idgen"
	"github.com/hazyhaar/interp/jobapi"
)

var (
	// ErrCanceled ends a session whose cancellation was requested.
	ErrCanceled = errors.New("processamento cancelado")
	// ErrNoJob is returned when an operation needs a job the session has not
	// created yet.
	ErrNoJob = errors.New("jobflow: session has no job")
	// ErrJobExists is returned when a second job is bound to a session.
	ErrJobExists = errors.New("jobflow: session already has a job")
)

var newSessionID = idgen.Prefixed("ses_", idgen.NanoID(10))

// Session is the context of one submission: at most one job, its latest
// snapshot and the cancellation flag. A Session is never reused.
type Session struct {
	ID string

	cancel atomic.Bool
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	handle     jobapi.Handle
	hasHandle  bool
	cancelSent bool
	state      State
	snap       jobapi.Snapshot
}

// NewSession returns an empty session.
func NewSession() *Session {
	return &Session{ID: newSessionID(), done: make(chan struct{}), state: StatePending}
}

// RequestCancel raises the cancellation flag. It returns false when the job
// already finished on its own, in which case nothing changes.
func (s *Session) RequestCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() && s.state != StateCanceled {
		return false
	}
	s.cancel.Store(true)
	s.once.Do(func() { close(s.done) })
	return true
}

// CancelRequested reports whether RequestCancel took effect.
func (s *Session) CancelRequested() bool {
	return s.cancel.Load()
}

// Done is closed when cancellation is requested.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Handle returns the session's job, if it has one.
func (s *Session) Handle() (jobapi.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.hasHandle
}

// Bind attaches the job created for this session.
func (s *Session) Bind(h jobapi.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasHandle {
		return ErrJobExists
	}
	s.handle, s.hasHandle = h, true
	return nil
}

// claimCancel hands the job handle to the single caller allowed to send the
// cancel request: the flag is raised, the job exists and no request has gone
// out yet.
func (s *Session) claimCancel() (jobapi.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cancel.Load() || !s.hasHandle || s.cancelSent {
		return jobapi.Handle{}, false
	}
	s.cancelSent = true
	return s.handle, true
}

// releaseCancel undoes a claim whose request failed, so a retry can send it.
func (s *Session) releaseCancel() {
	s.mu.Lock()
	s.cancelSent = false
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the latest observed snapshot.
func (s *Session) Snapshot() jobapi.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// observe applies a polled snapshot and returns the resulting state and the
// snapshot now held. Once terminal the session ignores further observations.
// A raised cancel flag turns any observation into Canceled, so a late
// response can never overwrite a cancellation.
func (s *Session) observe(snap jobapi.Snapshot) (State, jobapi.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return s.state, s.snap
	}
	if s.cancel.Load() {
		return s.cancelLocked()
	}
	s.state = Next(s.state, StatusEvent(snap.Status))
	s.snap = snap
	return s.state, s.snap
}

// markCanceled moves a live session to Canceled.
func (s *Session) markCanceled() (State, jobapi.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return s.state, s.snap
	}
	return s.cancelLocked()
}

func (s *Session) cancelLocked() (State, jobapi.Snapshot) {
	s.state = Next(s.state, CancelEvent())
	s.snap.Status = jobapi.StatusCanceled
	s.snap.Label = jobapi.StatusCanceled.Label()
	s.snap.ResultURL = ""
	return s.state, s.snap
}
