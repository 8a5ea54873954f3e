package remedy

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/graphloom/loom/errors"
)

// Attempt is one recorded recovery action.
type Attempt struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"` // job id or dependency/metric name
	Condition Condition `json:"condition"`
	Strategy  string    `json:"strategy"`
	Outcome   string    `json:"outcome"` // applied, failed, escalated
	Escalated bool      `json:"escalated"`
	CreatedAt time.Time `json:"created_at"`
}

// AttemptStore persists recovery attempts in SQLite.
type AttemptStore struct {
	db *sql.DB
}

// NewAttemptStore creates an attempt store over db.
func NewAttemptStore(db *sql.DB) *AttemptStore {
	return &AttemptStore{db: db}
}

// Record inserts an attempt, assigning id and timestamp.
func (s *AttemptStore) Record(a *Attempt) (*Attempt, error) {
	a.ID = uuid.NewString()
	a.CreatedAt = time.Now().UTC()

	escalated := 0
	if a.Escalated {
		escalated = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO recovery_attempts (id, target, condition, strategy, outcome, escalated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Target, string(a.Condition), a.Strategy, a.Outcome, escalated, a.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to record recovery attempt")
	}
	return a, nil
}

// CountFor returns how many non-escalation attempts exist for a target and
// condition.
func (s *AttemptStore) CountFor(target string, condition Condition) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM recovery_attempts
		WHERE target = ? AND condition = ? AND escalated = 0`,
		target, string(condition)).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count recovery attempts")
	}
	return n, nil
}

// HasEscalated reports whether the target/condition pair already escalated.
func (s *AttemptStore) HasEscalated(target string, condition Condition) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM recovery_attempts
		WHERE target = ? AND condition = ? AND escalated = 1`,
		target, string(condition)).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "failed to check escalation")
	}
	return n > 0, nil
}

// List returns recent attempts, newest first.
func (s *AttemptStore) List(limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, target, condition, strategy, outcome, escalated, created_at
		FROM recovery_attempts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recovery attempts")
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		var a Attempt
		var condition string
		var escalated int
		if err := rows.Scan(&a.ID, &a.Target, &condition, &a.Strategy,
			&a.Outcome, &escalated, &a.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan recovery attempt")
		}
		a.Condition = Condition(condition)
		a.Escalated = escalated == 1
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
