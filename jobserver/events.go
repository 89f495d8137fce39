package jobserver

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/hazyhaar/interp/idgen"
)

// Job event types recorded in job_events.
const (
	EventCreated   = "job.created"
	EventStarted   = "job.started"
	EventCompleted = "job.completed"
	EventFailed    = "job.failed"
	EventCanceled  = "job.canceled"
	EventExpired   = "job.expired"
)

// EventLogger writes job lifecycle events.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// NewEventLogger creates a logger backed by the job database.
func NewEventLogger(db *sql.DB, logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		logger: logger,
	}
}

// Log records an event. Errors are logged and dropped so a failing insert
// never fails the job.
func (l *EventLogger) Log(ctx context.Context, jobID, eventType, details string) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO job_events (event_id, job_id, event_type, details, created_at)
		VALUES (?,?,?,?,?)`,
		l.newID(), jobID, eventType, details, time.Now().UnixMilli())
	if err != nil {
		l.logger.Error("jobserver: event log failed", "error", err, "event_type", eventType, "job_id", jobID)
	}
}

// Event is one row of job_events.
type Event struct {
	Type      string
	Details   string
	CreatedAt time.Time
}

// History returns the events of a job, oldest first.
func (l *EventLogger) History(ctx context.Context, jobID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, details, created_at FROM job_events
		WHERE job_id = ? ORDER BY created_at, rowid`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var at int64
		if err := rows.Scan(&e.Type, &e.Details, &at); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}
