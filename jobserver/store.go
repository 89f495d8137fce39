package jobserver

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/interp/dbopen"
	"github.com/hazyhaar/interp/jobapi"
)

// Schema is the job store DDL, applied through dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    token_hash       TEXT NOT NULL,
    input_name       TEXT NOT NULL,
    output_name      TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'queued',
    message          TEXT NOT NULL DEFAULT '',
    progress         REAL NOT NULL DEFAULT 0,
    stage            TEXT NOT NULL DEFAULT '',
    preset           TEXT NOT NULL DEFAULT '',
    multi            INTEGER NOT NULL,
    fps_alvo         INTEGER NOT NULL DEFAULT 0,
    downscale        REAL NOT NULL,
    keep_audio       INTEGER NOT NULL DEFAULT 1,
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    ttl_seconds      INTEGER NOT NULL,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status  ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);

CREATE TABLE IF NOT EXISTS job_events (
    event_id   TEXT PRIMARY KEY,
    job_id     TEXT NOT NULL,
    event_type TEXT NOT NULL,
    details    TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id);
` + queueSchema

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job não encontrado")
	// ErrJobExists is returned when a client-chosen id is taken.
	ErrJobExists = errors.New("job id já existe")
)

// Job is a row of the jobs table. The token itself is never stored.
type Job struct {
	ID         string
	TokenHash  string
	InputName  string
	OutputName string
	Status     jobapi.Status
	Message    string
	Progress   float64
	Stage      string
	Preset     string
	Params     jobapi.Params
	TTL        time.Duration
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ExpiresAt is when the job and its files become eligible for removal.
func (j *Job) ExpiresAt() time.Time { return j.CreatedAt.Add(j.TTL) }

// HashToken returns the hex BLAKE2b-256 digest stored for a job token.
func HashToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authorized reports whether token unlocks the job.
func (j *Job) Authorized(token string) bool {
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(j.TokenHash)) == 1
}

// Store wraps the SQLite job table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore returns a store over db, which must carry Schema.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const jobColumns = `id, token_hash, input_name, output_name, status, message, progress, stage,
	preset, multi, fps_alvo, downscale, keep_audio, ttl_seconds, created_at, updated_at`

// Create inserts a queued job.
func (s *Store) Create(ctx context.Context, j *Job) error {
	now := s.now()
	j.Status = jobapi.StatusQueued
	j.CreatedAt, j.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO NOTHING`,
		j.ID, j.TokenHash, j.InputName, j.OutputName, string(j.Status), j.Message, j.Progress, j.Stage,
		j.Preset, j.Params.Multiplier, j.Params.TargetFPS, j.Params.Downscale, boolInt(j.Params.KeepAudio),
		int64(j.TTL/time.Second), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobExists
	}
	return nil
}

// Get loads one job.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// Advance records progress of a queued or running job and marks it running.
// It reports false when the job has left those states (canceled, swept).
func (s *Store) Advance(ctx context.Context, id, stage string, progress float64) (bool, error) {
	return s.update(ctx, `
		UPDATE jobs SET status = 'running', stage = ?, progress = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued','running') AND cancel_requested = 0`,
		stage, progress, s.now().UnixMilli(), id)
}

// Complete marks a running job completed with its output file.
func (s *Store) Complete(ctx context.Context, id, output string) (bool, error) {
	return s.update(ctx, `
		UPDATE jobs SET status = 'completed', stage = ?, progress = 1, message = '',
			output_name = ?, updated_at = ?
		WHERE id = ? AND status = 'running' AND cancel_requested = 0`,
		StageDone, output, s.now().UnixMilli(), id)
}

// Fail marks an unfinished job failed.
func (s *Store) Fail(ctx context.Context, id, message string) (bool, error) {
	return s.update(ctx, `
		UPDATE jobs SET status = 'failed', message = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued','running')`,
		message, s.now().UnixMilli(), id)
}

// Cancel flags the job and marks it canceled. Canceling a canceled job is a
// no-op that still reports true.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	return s.update(ctx, `
		UPDATE jobs SET status = 'canceled', stage = ?, cancel_requested = 1, updated_at = ?
		WHERE id = ?`,
		StageCanceled, s.now().UnixMilli(), id)
}

// CancelRequested reports whether a cancel was recorded for the job. A job
// that no longer exists counts as canceled.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return flag == 1, nil
}

// Requeue puts jobs left running by a previous process back in the queued
// state and returns their ids.
func (s *Store) Requeue(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs SET status = 'queued', stage = '', progress = 0, updated_at = ?
		WHERE status = 'running' AND cancel_requested = 0
		RETURNING id`, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Expired lists jobs whose TTL ran out before now.
func (s *Store) Expired(ctx context.Context, now time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE created_at + ttl_seconds * 1000 < ?`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// InputInUse reports whether an unfinished job still needs the upload.
func (s *Store) InputInUse(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE input_name = ? AND status IN ('queued','running')`, name).Scan(&n)
	return n > 0, err
}

// Delete removes a job and its dispatch entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dispatch WHERE job_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
		return err
	})
}

// Counts returns the number of jobs per status.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func (s *Store) update(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*Job, error) {
	var j Job
	var status string
	var keepAudio int
	var ttl, created, upd int64
	err := sc.Scan(&j.ID, &j.TokenHash, &j.InputName, &j.OutputName, &status, &j.Message, &j.Progress, &j.Stage,
		&j.Preset, &j.Params.Multiplier, &j.Params.TargetFPS, &j.Params.Downscale, &keepAudio,
		&ttl, &created, &upd)
	if err != nil {
		return nil, err
	}
	j.Status = jobapi.Status(status)
	j.Params.KeepAudio = keepAudio == 1
	j.Params.Preset = j.Preset
	j.TTL = time.Duration(ttl) * time.Second
	j.CreatedAt = time.UnixMilli(created)
	j.UpdatedAt = time.UnixMilli(upd)
	return &j, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
