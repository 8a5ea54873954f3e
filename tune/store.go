package tune

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/graphloom/loom/errors"
)

// Change is one recorded parameter adjustment.
type Change struct {
	ID         string     `json:"id"`
	Parameter  Parameter  `json:"parameter"`
	OldValue   float64    `json:"old_value"`
	NewValue   float64    `json:"new_value"`
	Confidence float64    `json:"confidence"`
	Reverted   bool       `json:"reverted"`
	CreatedAt  time.Time  `json:"created_at"`
	RevertedAt *time.Time `json:"reverted_at,omitempty"`
}

// ChangeStore persists tuning changes in SQLite.
type ChangeStore struct {
	db *sql.DB
}

// NewChangeStore creates a change store over db.
func NewChangeStore(db *sql.DB) *ChangeStore {
	return &ChangeStore{db: db}
}

// Record inserts a new change row.
func (s *ChangeStore) Record(param Parameter, oldValue, newValue int, confidence float64) (*Change, error) {
	change := &Change{
		ID:         uuid.NewString(),
		Parameter:  param,
		OldValue:   float64(oldValue),
		NewValue:   float64(newValue),
		Confidence: confidence,
		CreatedAt:  time.Now().UTC(),
	}

	_, err := s.db.Exec(`
		INSERT INTO optimization_changes (id, parameter, old_value, new_value, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		change.ID, string(change.Parameter), change.OldValue, change.NewValue,
		change.Confidence, change.CreatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to record tuning change for %s", param)
	}
	return change, nil
}

// MarkReverted flags a change as rolled back.
func (s *ChangeStore) MarkReverted(id string) error {
	result, err := s.db.Exec(`
		UPDATE optimization_changes SET reverted = 1, reverted_at = ?
		WHERE id = ? AND reverted = 0`, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "failed to mark change reverted")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Newf("tuning change %s not found or already reverted", id)
	}
	return nil
}

// List returns recent changes, newest first.
func (s *ChangeStore) List(limit int) ([]*Change, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, parameter, old_value, new_value, confidence, reverted, created_at, reverted_at
		FROM optimization_changes ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tuning changes")
	}
	defer rows.Close()

	var changes []*Change
	for rows.Next() {
		var c Change
		var param string
		var reverted int
		if err := rows.Scan(&c.ID, &param, &c.OldValue, &c.NewValue,
			&c.Confidence, &reverted, &c.CreatedAt, &c.RevertedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan tuning change")
		}
		c.Parameter = Parameter(param)
		c.Reverted = reverted == 1
		changes = append(changes, &c)
	}
	return changes, rows.Err()
}
