package ingest

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/graphloom/loom/errors"
	"github.com/graphloom/loom/graphstore"
)

// ErrJobNotFound is returned when a job id has no row.
var ErrJobNotFound = errors.New("job not found")

// Store persists jobs in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a job store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `id, source_ref, stage, status, attempts, staged_mutations,
	last_error, progress_percent, created_at, started_at, completed_at, updated_at`

// Create inserts a new job row.
func (s *Store) Create(job *Job) error {
	attempts, mutations, lastErr, err := marshalJobJSON(job)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SourceRef, string(job.Stage), string(job.Status),
		attempts, mutations, lastErr, job.ProgressPercent,
		job.CreatedAt, job.StartedAt, job.CompletedAt, job.UpdatedAt)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Source: %s", job.SourceRef))
		return err
	}
	return nil
}

// Get retrieves a job by id.
func (s *Store) Get(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrJobNotFound, "id %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// Update writes the full job row back.
func (s *Store) Update(job *Job) error {
	attempts, mutations, lastErr, err := marshalJobJSON(job)
	if err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()

	result, err := s.db.Exec(`
		UPDATE jobs SET
			stage = ?, status = ?, attempts = ?, staged_mutations = ?,
			last_error = ?, progress_percent = ?, started_at = ?,
			completed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(job.Stage), string(job.Status), attempts, mutations,
		lastErr, job.ProgressPercent, job.StartedAt,
		job.CompletedAt, job.UpdatedAt, job.ID)
	if err != nil {
		err = errors.Wrap(err, "failed to update job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrJobNotFound, "id %s", job.ID)
	}
	return nil
}

// List returns jobs newest first, optionally filtered by status.
func (s *Store) List(status *Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.db.Query(`
			SELECT `+jobColumns+` FROM jobs
			WHERE status = ? ORDER BY created_at DESC LIMIT ?`, string(*status), limit)
	} else {
		rows, err = s.db.Query(`
			SELECT `+jobColumns+` FROM jobs
			ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return scanJobs(rows)
}

// ClaimNext atomically takes the oldest queued or retrying job and marks it
// running, so two workers never own the same job.
func (s *Store) ClaimNext() (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim transaction")
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('queued', 'retrying')
		ORDER BY created_at ASC LIMIT 1`)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to select next job")
	}

	job.Start()
	result, err := tx.Exec(`
		UPDATE jobs SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'retrying')`,
		string(job.Status), job.StartedAt, job.UpdatedAt, job.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim job")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Lost the race to another worker
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim")
	}
	return job, nil
}

// ListRunning returns jobs currently marked running, oldest first.
func (s *Store) ListRunning(limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'running' ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list running jobs")
	}
	return scanJobs(rows)
}

// CountByStatus returns job counts per status.
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// QueueDepth returns the number of jobs waiting for a worker.
func (s *Store) QueueDepth() (int, error) {
	var depth int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM jobs WHERE status IN ('queued', 'retrying')`).Scan(&depth)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read queue depth")
	}
	return depth, nil
}

// CleanupOld deletes terminal jobs older than the retention window. Returns
// the number of rows removed.
func (s *Store) CleanupOld(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := s.db.Exec(`
		DELETE FROM jobs
		WHERE status IN ('succeeded', 'dead_letter') AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up old jobs")
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func marshalJobJSON(job *Job) (attempts, mutations, lastErr sql.NullString, err error) {
	if len(job.Attempts) > 0 {
		data, merr := json.Marshal(job.Attempts)
		if merr != nil {
			return attempts, mutations, lastErr, errors.Wrap(merr, "failed to marshal attempts")
		}
		attempts = sql.NullString{String: string(data), Valid: true}
	}
	if job.StagedMutations != nil && !job.StagedMutations.Empty() {
		data, merr := json.Marshal(job.StagedMutations)
		if merr != nil {
			return attempts, mutations, lastErr, errors.Wrap(merr, "failed to marshal staged mutations")
		}
		mutations = sql.NullString{String: string(data), Valid: true}
	}
	if job.LastError != nil {
		data, merr := json.Marshal(job.LastError)
		if merr != nil {
			return attempts, mutations, lastErr, errors.Wrap(merr, "failed to marshal last error")
		}
		lastErr = sql.NullString{String: string(data), Valid: true}
	}
	return attempts, mutations, lastErr, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var stage, status string
	var attempts, mutations, lastErr sql.NullString

	err := row.Scan(&job.ID, &job.SourceRef, &stage, &status,
		&attempts, &mutations, &lastErr, &job.ProgressPercent,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	job.Stage = Stage(stage)
	job.Status = Status(status)
	if attempts.Valid {
		if err := json.Unmarshal([]byte(attempts.String), &job.Attempts); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal attempts")
		}
	}
	if mutations.Valid {
		job.StagedMutations = &graphstore.Mutations{}
		if err := json.Unmarshal([]byte(mutations.String), job.StagedMutations); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal staged mutations")
		}
	}
	if lastErr.Valid {
		job.LastError = &FailureRecord{}
		if err := json.Unmarshal([]byte(lastErr.String), job.LastError); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal last error")
		}
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job row")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
