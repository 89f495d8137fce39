package jobflow

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/hazyhaar/interp/connectivity"
	"github.com/hazyhaar/interp/jobapi"
	"github.com/hazyhaar/interp/progress"
)

// Polling defaults.
const (
	DefaultInterval = 900 * time.Millisecond
	DefaultMaxWait  = 2 * time.Hour
)

// ErrPollTimeout ends a poll that outlived its MaxWait.
var ErrPollTimeout = errors.New("tempo máximo de espera excedido")

// StatusReader reads a job's status.
type StatusReader interface {
	Status(ctx context.Context, h jobapi.Handle) (jobapi.Snapshot, error)
}

// Tick is one observation emitted by Poll.
type Tick struct {
	State    State
	Snapshot jobapi.Snapshot
	// Percent is the bar value for this observation. A live job never
	// reaches 100; only Completed does.
	Percent float64
	Label   string
}

// Poller polls a session's job until it reaches a terminal state.
type Poller struct {
	client   StatusReader
	interval time.Duration
	maxWait  time.Duration
	retry    connectivity.Backoff
	logger   *slog.Logger
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets the pause between two status reads.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMaxWait bounds the whole poll. Zero or negative disables the bound.
func WithMaxWait(d time.Duration) PollerOption {
	return func(p *Poller) { p.maxWait = d }
}

// WithRetry sets the backoff applied to transient status failures.
// MaxRetries 0 aborts on the first failure.
func WithRetry(b connectivity.Backoff) PollerOption {
	return func(p *Poller) { p.retry = b }
}

// WithPollLogger sets the logger.
func WithPollLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// NewPoller returns a poller reading status through client.
func NewPoller(client StatusReader, opts ...PollerOption) *Poller {
	p := &Poller{
		client:   client,
		interval: DefaultInterval,
		maxWait:  DefaultMaxWait,
		retry:    connectivity.DefaultBackoff(),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Poll returns the sequence of observations of the session's job. The
// sequence ends after the first terminal tick, after an error, or when the
// consumer stops ranging. Only one status request is in flight at a time.
//
// The cancellation flag is checked before every request, after every
// response and during every wait; once raised, the sequence yields a single
// Canceled tick and ends, whatever the server last said.
func (p *Poller) Poll(ctx context.Context, s *Session) iter.Seq2[Tick, error] {
	return func(yield func(Tick, error) bool) {
		h, ok := s.Handle()
		if !ok {
			yield(Tick{}, ErrNoJob)
			return
		}
		if st := s.State(); st.Terminal() {
			yield(makeTick(st, s.Snapshot()), nil)
			return
		}

		parent := ctx
		ctx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		if p.maxWait > 0 {
			var stop context.CancelFunc
			ctx, stop = context.WithTimeoutCause(ctx, p.maxWait, ErrPollTimeout)
			defer stop()
		}
		go func() {
			select {
			case <-s.Done():
				cancel(ErrCanceled)
			case <-ctx.Done():
			}
		}()

		canceled := func() {
			st, snap := s.markCanceled()
			p.logger.InfoContext(parent, "jobflow: poll stopped by cancel", "session", s.ID, "job", h)
			yield(makeTick(st, snap), nil)
		}

		for polls := 0; ; polls++ {
			if s.CancelRequested() {
				canceled()
				return
			}

			var snap jobapi.Snapshot
			err := connectivity.Retry(ctx, p.retry, jobapi.IsTransient, p.logger, func(ctx context.Context) error {
				var err error
				snap, err = p.client.Status(ctx, h)
				return err
			})

			if s.CancelRequested() {
				canceled()
				return
			}
			if err != nil {
				if errors.Is(context.Cause(ctx), ErrPollTimeout) && parent.Err() == nil {
					err = ErrPollTimeout
				} else if perr := parent.Err(); perr != nil {
					err = perr
				}
				p.logger.WarnContext(parent, "jobflow: poll failed", "session", s.ID, "job", h, "polls", polls+1, "error", err)
				yield(Tick{State: s.State(), Snapshot: s.Snapshot()}, err)
				return
			}

			st, held := s.observe(snap)
			if st == StateCanceled && s.CancelRequested() {
				canceled()
				return
			}
			p.logger.DebugContext(parent, "jobflow: status", "session", s.ID, "job", h, "state", st, "progress", held.Progress)
			if !yield(makeTick(st, held), nil) || st.Terminal() {
				return
			}

			wait := time.NewTimer(p.interval)
			select {
			case <-wait.C:
			case <-s.Done():
				wait.Stop()
			case <-ctx.Done():
				wait.Stop()
				if s.CancelRequested() {
					continue
				}
				err := context.Cause(ctx)
				if perr := parent.Err(); perr != nil {
					err = perr
				}
				yield(Tick{State: st, Snapshot: held}, err)
				return
			}
		}
	}
}

// makeTick derives the bar value and label of an observation.
func makeTick(st State, snap jobapi.Snapshot) Tick {
	t := Tick{State: st, Snapshot: snap, Label: snap.Label}
	switch st {
	case StateCompleted:
		t.Percent = 100
	case StateQueued, StateRunning, StatePending:
		t.Percent = min(progress.FractionPercent(snap.Progress), 99)
	default:
		t.Percent = progress.FractionPercent(snap.Progress)
	}
	if t.Label == "" {
		if js, err := jobapi.ParseStatus(string(st)); err == nil {
			t.Label = js.Label()
		} else {
			t.Label = progress.LabelProcessing
		}
	}
	if snap.Stage != "" && !st.Terminal() {
		t.Label += " (" + snap.Stage + ")"
	}
	return t
}
