// Package jobstore persists queued jobs, their progress log and batch
// records in SQLite. It is the source of truth for job state; the queue
// only carries job ids.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
)

var (
	// ErrNotFound is returned when a job does not exist
	ErrNotFound = errors.New("job not found")
	// ErrActiveJob is returned when a user already has a queued or running job
	ErrActiveJob = errors.New("user already has an active job")
)

// Store provides SQLite-backed job persistence
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection serialises writers and keeps :memory: databases intact
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

const jobColumns = `id, email, license_key, mode, prompts_url, status, cancel_requested,
	completed_prompts, total_prompts, error, created_at, started_at, finished_at`

// CreateJob inserts a queued job. A user can only have one active job.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE email = ? AND status IN (?, ?)`,
		job.Email, string(domain.JobQueued), string(domain.JobStarted),
	).Scan(&active)
	if err != nil {
		return err
	}
	if active > 0 {
		return ErrActiveJob
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if job.Status == "" {
		job.Status = domain.JobQueued
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, email, license_key, mode, prompts_url, status, total_prompts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Email,
		job.LicenseKey,
		string(job.Mode),
		job.PromptsURL,
		string(job.Status),
		job.TotalPrompts,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return tx.Commit()
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ActiveJob returns the queued or running job of a user
func (s *Store) ActiveJob(ctx context.Context, email string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE email = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1
	`, email, string(domain.JobQueued), string(domain.JobStarted))
	return scanJob(row)
}

// RecentJobs lists the latest jobs, optionally for one user only
func (s *Store) RecentJobs(ctx context.Context, email string, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if email != "" {
		query += ` WHERE email = ?`
		args = append(args, email)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimJob moves a queued job to started. It returns false when the job is
// not queued any more, e.g. because it was canceled or already picked up.
func (s *Store) ClaimJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, string(domain.JobStarted), s.now(), id, string(domain.JobQueued))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishJob records the terminal status of an active job
func (s *Store) FinishJob(ctx context.Context, id string, status domain.JobStatus, errMsg string) error {
	if status.Active() {
		return fmt.Errorf("cannot finish job with status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(status), nullString(errMsg), s.now(), id, string(domain.JobQueued), string(domain.JobStarted))
	if err != nil {
		return err
	}
	return s.requireRow(ctx, res, id)
}

// RequestCancel asks for a job to stop. Queued jobs are canceled right
// away; running jobs are flagged and stop at their next checkpoint.
// Finished jobs are returned unchanged.
func (s *Store) RequestCancel(ctx context.Context, id string) (*domain.Job, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, cancel_requested = TRUE, finished_at = ?
		WHERE id = ? AND status = ?
	`, string(domain.JobCanceled), s.now(), id, string(domain.JobQueued))
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = TRUE
		WHERE id = ? AND status = ?
	`, id, string(domain.JobStarted))
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

// CancelRequested reports whether a cancellation was requested for the job
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return requested, err
}

// UpdateProgress stores how many prompts of the job have been processed
func (s *Store) UpdateProgress(ctx context.Context, id string, completed, total int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET completed_prompts = ?, total_prompts = ? WHERE id = ?
	`, completed, total, id)
	if err != nil {
		return err
	}
	return s.requireRow(ctx, res, id)
}

// AppendLog adds a progress line to the job's log
func (s *Store) AppendLog(ctx context.Context, jobID, message string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, email, timestamp, message)
		SELECT id, email, ?, ? FROM jobs WHERE id = ?
	`, s.now(), message, jobID)
	if err != nil {
		return err
	}
	return s.requireRow(ctx, res, jobID)
}

// Logs returns the log lines of a job with an id greater than afterID
func (s *Store) Logs(ctx context.Context, jobID string, afterID int) ([]domain.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, timestamp, message FROM job_logs
		WHERE job_id = ? AND id > ?
		ORDER BY id
	`, jobID, afterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Timestamp, &e.Message); err != nil {
			return nil, err
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

// ClearLogs removes every log line of a user's jobs
func (s *Store) ClearLogs(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_logs WHERE email = ?`, email)
	return err
}

// RecordBatch stores the outcome of one processed batch
func (s *Store) RecordBatch(ctx context.Context, b domain.Batch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (job_id, number, prompts, failed, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.JobID, b.Number, b.Prompts, b.Failed, nullTime(b.StartedAt), nullTime(b.FinishedAt))
	return err
}

// Batches returns the batch records of a job in order
func (s *Store) Batches(ctx context.Context, jobID string) ([]domain.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, number, prompts, failed, started_at, finished_at
		FROM batches WHERE job_id = ? ORDER BY number
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []domain.Batch
	for rows.Next() {
		var b domain.Batch
		var started, finished sql.NullTime
		if err := rows.Scan(&b.ID, &b.JobID, &b.Number, &b.Prompts, &b.Failed, &started, &finished); err != nil {
			return nil, err
		}
		b.StartedAt = timePtr(started)
		b.FinishedAt = timePtr(finished)
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// ReapStale fails running jobs that started before the cutoff and returns
// their ids
func (s *Store) ReapStale(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at FROM jobs WHERE status = ?
	`, string(domain.JobStarted))
	if err != nil {
		return nil, err
	}
	var stale []string
	for rows.Next() {
		var id string
		var started sql.NullTime
		if err := rows.Scan(&id, &started); err != nil {
			rows.Close()
			return nil, err
		}
		if started.Valid && started.Time.Before(before) {
			stale = append(stale, id)
		}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range stale {
		if err := s.FinishJob(ctx, id, domain.JobFailed, "job exceeded its run time and was reaped"); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return stale, nil
}

func (s *Store) requireRow(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("job %s is not active", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var mode, status string
	var licenseKey, errMsg sql.NullString
	var started, finished sql.NullTime

	err := row.Scan(&job.ID, &job.Email, &licenseKey, &mode, &job.PromptsURL, &status, &job.CancelRequested,
		&job.CompletedPrompts, &job.TotalPrompts, &errMsg, &job.CreatedAt, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	job.Mode = domain.Mode(mode)
	job.Status = domain.JobStatus(status)
	job.LicenseKey = licenseKey.String
	job.Error = errMsg.String
	job.StartedAt = timePtr(started)
	job.FinishedAt = timePtr(finished)
	return &job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
