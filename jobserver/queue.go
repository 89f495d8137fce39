package jobserver

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// queueSchema backs the dispatch queue. A claimed row stays invisible until
// visible_at; a worker that dies without acking lets it reappear.
const queueSchema = `
CREATE TABLE IF NOT EXISTS dispatch (
    job_id     TEXT PRIMARY KEY,
    visible_at INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_dispatch_visible ON dispatch(visible_at);
`

// Delivery is a claimed queue row.
type Delivery struct {
	JobID     string
	Attempts  int
	CreatedAt time.Time
}

// QueueOptions configures the dispatch queue.
type QueueOptions struct {
	// Visibility is how long a claimed job stays invisible. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in Run. Default: 1s.
	PollInterval time.Duration
	Logger       *slog.Logger
}

func (o *QueueOptions) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue dispatches job ids to workers through SQLite.
type Queue struct {
	db   *sql.DB
	opts QueueOptions
	// wake shortens the wait after a Publish.
	wake chan struct{}
}

// NewQueue returns a queue over db, which must carry Schema.
func NewQueue(db *sql.DB, opts QueueOptions) *Queue {
	opts.defaults()
	return &Queue{db: db, opts: opts, wake: make(chan struct{}, 1)}
}

// Publish makes a job immediately claimable. Publishing a job already in
// the queue makes it visible again.
func (q *Queue) Publish(ctx context.Context, jobID string) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO dispatch (job_id, visible_at, created_at) VALUES (?,?,?)
		ON CONFLICT(job_id) DO UPDATE SET visible_at = excluded.visible_at`,
		jobID, now, now)
	if err != nil {
		return err
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Claim atomically picks the oldest visible job and hides it for the
// visibility duration. It returns nil, nil when nothing is visible.
func (q *Queue) Claim(ctx context.Context) (*Delivery, error) {
	now := time.Now()
	row := q.db.QueryRowContext(ctx, `
		UPDATE dispatch
		SET visible_at = ?, attempts = attempts + 1
		WHERE job_id = (
			SELECT job_id FROM dispatch
			WHERE visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING job_id, attempts, created_at`,
		now.Add(q.opts.Visibility).UnixMilli(), now.UnixMilli())

	var d Delivery
	var created int64
	err := row.Scan(&d.JobID, &d.Attempts, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.CreatedAt = time.UnixMilli(created)
	return &d, nil
}

// Ack removes a handled job.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM dispatch WHERE job_id = ?`, jobID)
	return err
}

// Nack makes a job visible again.
func (q *Queue) Nack(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE dispatch SET visible_at = 0 WHERE job_id = ?`, jobID)
	return err
}

// Extend pushes the visibility of a job still being processed.
func (q *Queue) Extend(ctx context.Context, jobID string, extra time.Duration) error {
	_, err := q.db.ExecContext(ctx, `UPDATE dispatch SET visible_at = ? WHERE job_id = ?`,
		time.Now().Add(extra).UnixMilli(), jobID)
	return err
}

// Len returns the number of queued jobs, visible or not.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatch`).Scan(&n)
	return n, err
}

// Handler processes a claimed job. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, d *Delivery) error

// Run claims jobs and hands them to handler with at most workers running
// at once. It blocks until ctx is cancelled, then waits for in-flight
// handlers.
func (q *Queue) Run(ctx context.Context, workers int, handler Handler) {
	log := q.opts.Logger
	log.Info("jobserver: dispatch started", "workers", workers, "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	sem := make(chan struct{}, max(workers, 1))
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		log.Info("jobserver: dispatch stopped")
	}()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.wake:
		}

		for {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			d, err := q.Claim(ctx)
			if err != nil || d == nil {
				<-sem
				if err != nil && ctx.Err() == nil {
					log.Warn("jobserver: claim failed", "error", err)
				}
				break
			}
			wg.Add(1)
			go func(d *Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := handler(ctx, d); err != nil {
					log.Warn("jobserver: handler failed, nacking", "job_id", d.JobID, "error", err)
					_ = q.Nack(context.Background(), d.JobID)
					return
				}
				_ = q.Ack(context.Background(), d.JobID)
			}(d)
		}
	}
}
