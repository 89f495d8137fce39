package jobflow

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hazyhaar/interp/jobapi"
)

// ErrAlreadyFinished is returned when cancelling a session whose job already
// completed or failed.
var ErrAlreadyFinished = errors.New("jobflow: job already finished")

// JobCanceller asks the server to stop a job.
type JobCanceller interface {
	Cancel(ctx context.Context, h jobapi.Handle) (string, error)
}

// Canceller raises a session's cancellation flag and relays it to the server.
type Canceller struct {
	client JobCanceller
	logger *slog.Logger
}

// NewCanceller returns a canceller. A nil logger means slog.Default().
func NewCanceller(client JobCanceller, logger *slog.Logger) *Canceller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Canceller{client: client, logger: logger}
}

// Cancel marks s as cancelled and, when its job exists, sends the cancel
// request. The flag is raised before any network call, so the poller stops
// at its next checkpoint even if the request fails. A session without a job
// yet is cancelled by the controller as soon as the job is created; Cancel
// then returns an empty message and no error. The request is sent at most
// once per session, whoever gets there first; later calls return an empty
// message.
func (c *Canceller) Cancel(ctx context.Context, s *Session) (string, error) {
	if !s.RequestCancel() {
		return "", ErrAlreadyFinished
	}
	h, ok := s.claimCancel()
	if !ok {
		if _, bound := s.Handle(); !bound {
			c.logger.InfoContext(ctx, "jobflow: cancel requested before job creation", "session", s.ID)
		} else {
			c.logger.DebugContext(ctx, "jobflow: cancel already sent", "session", s.ID)
		}
		return "", nil
	}
	msg, err := c.client.Cancel(ctx, h)
	if err != nil {
		s.releaseCancel()
		c.logger.WarnContext(ctx, "jobflow: cancel request failed", "session", s.ID, "job", h, "error", err)
		return "", err
	}
	c.logger.InfoContext(ctx, "jobflow: cancel sent", "session", s.ID, "job", h)
	return msg, nil
}
