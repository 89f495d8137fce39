package jobflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/hazyhaar/interp/jobapi"
	"github.com/hazyhaar/interp/progress"
)

// Notification titles.
const (
	TitleDone   = "Interpolação concluída"
	TitleFailed = "Falha no processamento"
)

// Transport is the job protocol as the controller uses it. *jobapi.Client
// implements it.
type Transport interface {
	Upload(ctx context.Context, name string, r io.Reader, size int64, onProgress func(sent, total int64)) (jobapi.Asset, error)
	Submit(ctx context.Context, ref string, p jobapi.Params) (jobapi.Handle, error)
	StatusReader
	JobCanceller
}

// Notifier delivers an out-of-band notice. Failures are not fatal to the
// flow; they are reported in Outcome.Warnings.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, title, body string) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, title, body string) error {
	return f(ctx, title, body)
}

// JobFailedError is a job the server reported as failed. Its message is the
// server's reason, verbatim.
type JobFailedError struct {
	Handle  jobapi.Handle
	Message string
}

func (e *JobFailedError) Error() string { return e.Message }

// Submission is the input of one run.
type Submission struct {
	// Name is the file name sent to the server.
	Name string
	File io.Reader
	// Size is the file length in bytes, or -1 when unknown.
	Size   int64
	Params jobapi.Params
}

// Outcome is what a run leaves for the caller to show.
type Outcome struct {
	SessionID string
	Handle    jobapi.Handle
	State     State
	Result    Result
	// Status is the single status message of the run.
	Status string
	// Warnings are non-fatal failures met along the way.
	Warnings []error
}

// Controller runs submissions end to end and keeps the progress reporter in
// step.
type Controller struct {
	transport Transport
	reporter  *progress.Reporter
	poller    *Poller
	canceller *Canceller
	renderer  *Renderer
	notifier  Notifier
	logger    *slog.Logger
}

// ControllerOption configures a Controller.
type ControllerOption func(*controllerConfig)

type controllerConfig struct {
	pollOpts []PollerOption
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// WithPollerOptions configures the controller's poller.
func WithPollerOptions(opts ...PollerOption) ControllerOption {
	return func(c *controllerConfig) { c.pollOpts = append(c.pollOpts, opts...) }
}

// WithNotifier sets the notifier used at the end of each run.
func WithNotifier(n Notifier) ControllerOption {
	return func(c *controllerConfig) { c.notifier = n }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *controllerConfig) { c.logger = l }
}

// WithClock sets the clock used for cache-busting result URLs.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *controllerConfig) { c.now = now }
}

// NewController returns a controller. A nil reporter discards progress.
func NewController(t Transport, reporter *progress.Reporter, opts ...ControllerOption) *Controller {
	cfg := controllerConfig{logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(&cfg)
	}
	if reporter == nil {
		reporter = progress.NewReporter(nil)
	}
	pollOpts := append([]PollerOption{WithPollLogger(cfg.logger)}, cfg.pollOpts...)
	return &Controller{
		transport: t,
		reporter:  reporter,
		poller:    NewPoller(t, pollOpts...),
		canceller: NewCanceller(t, cfg.logger),
		renderer:  NewRendererAt(cfg.now),
		notifier:  cfg.notifier,
		logger:    cfg.logger,
	}
}

// Cancel requests cancellation of the session Run is processing. It is safe
// to call from another goroutine.
func (c *Controller) Cancel(ctx context.Context, s *Session) (string, error) {
	return c.canceller.Cancel(ctx, s)
}

// Run uploads the file, creates the job, polls it to a terminal state and
// renders the result. On any failure the reporter returns to idle and the
// error is returned with Outcome.Status set to the message to show.
func (c *Controller) Run(ctx context.Context, s *Session, sub Submission) (Outcome, error) {
	out := Outcome{SessionID: s.ID, State: s.State()}
	logger := c.logger.With("session", s.ID)

	c.reporter.Reset(progress.LabelIdle)
	c.reporter.Set(0, progress.LabelPreparing)

	if err := sub.Params.Validate(); err != nil {
		out.Warnings = append(out.Warnings, err)
	}
	if s.CancelRequested() {
		return c.fail(ctx, s, out, ErrCanceled)
	}

	asset, err := c.transport.Upload(ctx, sub.Name, sub.File, sub.Size, func(sent, total int64) {
		c.reporter.Indeterminate(progress.BytesLabel(progress.LabelUploading, sent, total))
	})
	if err != nil {
		return c.fail(ctx, s, out, err)
	}
	logger.InfoContext(ctx, "jobflow: uploaded", "ref", asset.Filename)
	c.reporter.Indeterminate(progress.LabelUploaded)
	if s.CancelRequested() {
		return c.fail(ctx, s, out, ErrCanceled)
	}

	h, err := c.transport.Submit(ctx, asset.Filename, sub.Params)
	if err != nil {
		return c.fail(ctx, s, out, err)
	}
	if err := s.Bind(h); err != nil {
		return c.fail(ctx, s, out, err)
	}
	out.Handle = h
	if s.CancelRequested() {
		// The cancel arrived while the job was being created. A concurrent
		// Cancel may already have claimed the request.
		if h, ok := s.claimCancel(); ok {
			if _, err := c.transport.Cancel(ctx, h); err != nil {
				s.releaseCancel()
				out.Warnings = append(out.Warnings, err)
			}
		}
		return c.fail(ctx, s, out, ErrCanceled)
	}
	c.reporter.Indeterminate(progress.LabelProcessing)

	var last Tick
	for tick, err := range c.poller.Poll(ctx, s) {
		if err != nil {
			return c.fail(ctx, s, out, err)
		}
		last = tick
		switch tick.State {
		case StateQueued, StateRunning:
			c.reporter.Set(tick.Percent, tick.Label)
		case StatePending:
			c.reporter.Indeterminate(tick.Label)
		}
	}

	switch last.State {
	case StateCompleted:
	case StateCanceled:
		return c.fail(ctx, s, out, ErrCanceled)
	case StateFailed:
		msg := last.Snapshot.Message
		if msg == "" {
			msg = last.Label
		}
		return c.fail(ctx, s, out, &JobFailedError{Handle: h, Message: msg})
	default:
		return c.fail(ctx, s, out, &jobapi.ProtocolError{Op: "poll", Reason: "sequência terminou sem estado final"})
	}

	res, err := c.renderer.Render(last.Snapshot)
	if err != nil {
		return c.fail(ctx, s, out, err)
	}
	c.reporter.Set(100, progress.LabelDone)
	out.State = StateCompleted
	out.Result = res
	out.Status = progress.LabelDone
	logger.InfoContext(ctx, "jobflow: completed", "job", h)
	out.Warnings = c.notify(ctx, out.Warnings, TitleDone, res.PlayURL)
	return out, nil
}

// fail ends a run: one status message, reporter back to idle, failure
// notice. Cancellation is not announced.
func (c *Controller) fail(ctx context.Context, s *Session, out Outcome, err error) (Outcome, error) {
	if errors.Is(err, ErrCanceled) {
		s.markCanceled()
	}
	out.State = s.State()
	out.Status = err.Error()
	c.reporter.Reset(progress.LabelIdle)

	if errors.Is(err, ErrCanceled) {
		c.logger.InfoContext(ctx, "jobflow: canceled", "session", s.ID)
		return out, err
	}
	c.logger.WarnContext(ctx, "jobflow: run failed", "session", s.ID, "error", err)
	out.Warnings = c.notify(ctx, out.Warnings, TitleFailed, out.Status)
	return out, err
}

func (c *Controller) notify(ctx context.Context, warnings []error, title, body string) []error {
	if c.notifier == nil {
		return warnings
	}
	if err := c.notifier.Notify(ctx, title, body); err != nil {
		c.logger.DebugContext(ctx, "jobflow: notification failed", "error", err)
		return append(warnings, err)
	}
	return warnings
}
