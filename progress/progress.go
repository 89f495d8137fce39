// Package progress turns the two transfer models of a submission into one
// percent signal.
//
// The legacy streaming path reports bytes: the upload fills 0–45% and the
// download of the processed file fills 45–100%, with an indeterminate phase
// in between while the server works. The job path reports the server's
// progress fraction scaled to 0–100%. Either way the Reporter never shows a
// smaller percent than it already showed until it is Reset for the next
// submission.
package progress

import (
	"math"
	"sync"
)

// UploadShare is the part of the bar owned by the legacy upload phase.
const UploadShare = 45

// State is what the rendering surface shows.
type State struct {
	Percent     int
	Label       string
	Determinate bool
	// Active is false once the reporter has been reset to idle.
	Active bool
}

// Sink renders progress states. Render must not block.
type Sink interface {
	Render(State)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(State)

// Render calls f(s).
func (f SinkFunc) Render(s State) { f(s) }

// Reporter tracks the progress of one submission at a time.
type Reporter struct {
	mu    sync.Mutex
	sink  Sink
	state State
}

// NewReporter returns an idle reporter. A nil sink discards updates.
func NewReporter(sink Sink) *Reporter {
	return &Reporter{sink: sink}
}

// Set shows a determinate percent. pct is clamped to [0,100] and rounded to
// the nearest integer; a value below the one already shown keeps the shown
// value and only updates the label.
func (r *Reporter) Set(pct float64, label string) State {
	v := Clamp(pct)

	r.mu.Lock()
	if v < r.state.Percent {
		v = r.state.Percent
	}
	r.state = State{Percent: v, Label: label, Determinate: true, Active: true}
	s := r.state
	r.mu.Unlock()

	r.render(s)
	return s
}

// Indeterminate switches to a busy indicator. The last determinate percent is
// kept so that a later Set resumes from it.
func (r *Reporter) Indeterminate(label string) State {
	r.mu.Lock()
	r.state.Label = label
	r.state.Determinate = false
	r.state.Active = true
	s := r.state
	r.mu.Unlock()

	r.render(s)
	return s
}

// Reset returns to idle at 0%. It is the only way the percent goes down.
func (r *Reporter) Reset(label string) State {
	r.mu.Lock()
	r.state = State{Label: label}
	s := r.state
	r.mu.Unlock()

	r.render(s)
	return s
}

// State returns the last state shown.
func (r *Reporter) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reporter) render(s State) {
	if r.sink != nil {
		r.sink.Render(s)
	}
}

// Clamp rounds pct to the nearest integer within [0,100]. NaN maps to 0.
func Clamp(pct float64) int {
	if math.IsNaN(pct) || pct <= 0 {
		return 0
	}
	if pct >= 100 {
		return 100
	}
	return int(math.Round(pct))
}

// UploadPercent maps sent/total bytes of the legacy upload onto 0–45.
// ok is false when total is unknown, in which case the phase is shown as
// indeterminate.
func UploadPercent(sent, total int64) (pct float64, ok bool) {
	if total <= 0 {
		return 0, false
	}
	return UploadShare * ratio(sent, total), true
}

// DownloadPercent maps received/total bytes of the legacy download onto
// 45–100. ok is false when total is unknown.
func DownloadPercent(received, total int64) (pct float64, ok bool) {
	if total <= 0 {
		return 0, false
	}
	return UploadShare + (100-UploadShare)*ratio(received, total), true
}

// FractionPercent scales a job progress fraction in [0,1] to 0–100.
func FractionPercent(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		f = 1
	}
	return f * 100
}

func ratio(n, total int64) float64 {
	if n <= 0 {
		return 0
	}
	if n >= total {
		return 1
	}
	return float64(n) / float64(total)
}
