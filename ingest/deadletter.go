package ingest

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/graphloom/loom/errors"
	"github.com/graphloom/loom/faults"
	"github.com/graphloom/loom/graphstore"
)

// ErrDeadLetterNotFound is returned when a dead letter id has no row.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// ErrAlreadyReprocessed guards against reprocessing the same dead letter
// twice.
var ErrAlreadyReprocessed = errors.New("dead letter already reprocessed")

// DeadLetter is the durable record of a permanently failed job. Rows never
// change after insert except to link the replacement job.
type DeadLetter struct {
	ID             string                `json:"id"`
	JobID          string                `json:"job_id"`
	SourceRef      string                `json:"source_ref"`
	FailedStage    Stage                 `json:"failed_stage"`
	CauseClass     faults.Class          `json:"cause_class"`
	LastError      string                `json:"last_error,omitempty"`
	AttemptHistory map[Stage]int         `json:"attempt_history,omitempty"`
	StagedSnapshot *graphstore.Mutations `json:"staged_snapshot,omitempty"`
	ReprocessedAs  string                `json:"reprocessed_as,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

// DeadLetterStore persists dead letters in SQLite.
type DeadLetterStore struct {
	db *sql.DB
}

// NewDeadLetterStore creates a dead letter store over db.
func NewDeadLetterStore(db *sql.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// Add records a failed job. The staged snapshot is kept for diagnosis only;
// none of it was committed.
func (s *DeadLetterStore) Add(job *Job) (*DeadLetter, error) {
	dl := &DeadLetter{
		ID:             uuid.NewString(),
		JobID:          job.ID,
		SourceRef:      job.SourceRef,
		FailedStage:    job.Stage,
		CauseClass:     faults.Permanent,
		AttemptHistory: job.Attempts,
		StagedSnapshot: job.StagedMutations,
		CreatedAt:      time.Now().UTC(),
	}
	if job.LastError != nil {
		dl.CauseClass = job.LastError.Class
		dl.LastError = job.LastError.Message
	}

	var history, snapshot sql.NullString
	if len(dl.AttemptHistory) > 0 {
		data, err := json.Marshal(dl.AttemptHistory)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal attempt history")
		}
		history = sql.NullString{String: string(data), Valid: true}
	}
	if dl.StagedSnapshot != nil && !dl.StagedSnapshot.Empty() {
		data, err := json.Marshal(dl.StagedSnapshot)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal staged snapshot")
		}
		snapshot = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO dead_letters
			(id, job_id, source_ref, failed_stage, cause_class, last_error,
			 attempt_history, staged_snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.JobID, dl.SourceRef, string(dl.FailedStage), string(dl.CauseClass),
		dl.LastError, history, snapshot, dl.CreatedAt)
	if err != nil {
		err = errors.Wrap(err, "failed to record dead letter")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		return nil, err
	}
	return dl, nil
}

const deadLetterColumns = `id, job_id, source_ref, failed_stage, cause_class,
	last_error, attempt_history, staged_snapshot, reprocessed_as, created_at`

// Get retrieves a dead letter by id.
func (s *DeadLetterStore) Get(id string) (*DeadLetter, error) {
	row := s.db.QueryRow(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrDeadLetterNotFound, "id %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get dead letter")
	}
	return dl, nil
}

// List returns dead letters newest first.
func (s *DeadLetterStore) List(limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT `+deadLetterColumns+` FROM dead_letters
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dead letters")
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan dead letter")
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// MarkReprocessed links a dead letter to its replacement job. Fails if the
// dead letter was already reprocessed.
func (s *DeadLetterStore) MarkReprocessed(id, newJobID string) error {
	result, err := s.db.Exec(`
		UPDATE dead_letters SET reprocessed_as = ?
		WHERE id = ? AND reprocessed_as IS NULL`, newJobID, id)
	if err != nil {
		return errors.Wrap(err, "failed to mark dead letter reprocessed")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, gerr := s.Get(id); gerr != nil {
			return gerr
		}
		return errors.Wrapf(ErrAlreadyReprocessed, "id %s", id)
	}
	return nil
}

// Count returns the total number of dead letters.
func (s *DeadLetterStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count dead letters")
	}
	return n, nil
}

func scanDeadLetter(row rowScanner) (*DeadLetter, error) {
	var dl DeadLetter
	var stage, class string
	var lastErr, history, snapshot, reprocessed sql.NullString

	err := row.Scan(&dl.ID, &dl.JobID, &dl.SourceRef, &stage, &class,
		&lastErr, &history, &snapshot, &reprocessed, &dl.CreatedAt)
	if err != nil {
		return nil, err
	}

	dl.FailedStage = Stage(stage)
	dl.CauseClass = faults.Class(class)
	dl.LastError = lastErr.String
	dl.ReprocessedAs = reprocessed.String
	if history.Valid {
		if err := json.Unmarshal([]byte(history.String), &dl.AttemptHistory); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal attempt history")
		}
	}
	if snapshot.Valid {
		dl.StagedSnapshot = &graphstore.Mutations{}
		if err := json.Unmarshal([]byte(snapshot.String), dl.StagedSnapshot); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal staged snapshot")
		}
	}
	return &dl, nil
}
