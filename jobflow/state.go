// Package jobflow sequences one submission against an interpolation server:
// upload, job creation, status polling raced against user cancellation, and
// result rendering. Each submission runs in its own Session; nothing is kept
// between sessions except what the caller passes in.
package jobflow

import "github.com/hazyhaar/interp/jobapi"

// State is the client's view of a job's lifecycle.
type State string

const (
	// StatePending: the job exists but no status has been observed yet.
	StatePending   State = "pending"
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// EventKind distinguishes what drove a transition.
type EventKind int

const (
	// EventStatus is a status observed from the server.
	EventStatus EventKind = iota
	// EventCancel is a local cancellation request.
	EventCancel
)

// Event is one input of the state machine.
type Event struct {
	Kind   EventKind
	Status jobapi.Status
}

// StatusEvent wraps an observed server status.
func StatusEvent(s jobapi.Status) Event {
	return Event{Kind: EventStatus, Status: s}
}

// CancelEvent is the local cancellation request.
func CancelEvent() Event {
	return Event{Kind: EventCancel}
}

// Next is the transition function. Terminal states absorb every event, a
// cancel request moves any live state to Canceled, and an observed status
// replaces the current state.
func Next(cur State, ev Event) State {
	if cur.Terminal() {
		return cur
	}
	switch ev.Kind {
	case EventCancel:
		return StateCanceled
	case EventStatus:
		if st, ok := fromStatus(ev.Status); ok {
			return st
		}
	}
	return cur
}

func fromStatus(s jobapi.Status) (State, bool) {
	switch s {
	case jobapi.StatusQueued:
		return StateQueued, true
	case jobapi.StatusRunning:
		return StateRunning, true
	case jobapi.StatusCompleted:
		return StateCompleted, true
	case jobapi.StatusFailed:
		return StateFailed, true
	case jobapi.StatusCanceled:
		return StateCanceled, true
	}
	return "", false
}
