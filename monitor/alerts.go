package monitor

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/graphloom/loom/errors"
)

// Severity ranks how bad an alert is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert is a durable record of a threshold breach. ResolvedAt is set when the
// metric recovers.
type Alert struct {
	ID              string     `json:"id"`
	MetricName      string     `json:"metric_name"`
	Severity        Severity   `json:"severity"`
	ObservedValue   float64    `json:"observed_value"`
	Threshold       float64    `json:"threshold"`
	FirstObservedAt time.Time  `json:"first_observed_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// AlertStore persists alerts in SQLite.
type AlertStore struct {
	db *sql.DB
}

// NewAlertStore creates an alert store over db.
func NewAlertStore(db *sql.DB) *AlertStore {
	return &AlertStore{db: db}
}

// Raise inserts a new unresolved alert.
func (s *AlertStore) Raise(metric string, severity Severity, observed, threshold float64, firstObserved time.Time) (*Alert, error) {
	alert := &Alert{
		ID:              uuid.NewString(),
		MetricName:      metric,
		Severity:        severity,
		ObservedValue:   observed,
		Threshold:       threshold,
		FirstObservedAt: firstObserved,
		CreatedAt:       time.Now().UTC(),
	}

	_, err := s.db.Exec(`
		INSERT INTO alerts
			(id, metric_name, severity, observed_value, threshold, first_observed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.MetricName, string(alert.Severity), alert.ObservedValue,
		alert.Threshold, alert.FirstObservedAt, alert.CreatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to raise alert for %s", metric)
	}
	return alert, nil
}

// ActiveByMetric returns the unresolved alert for a metric, or nil.
func (s *AlertStore) ActiveByMetric(metric string) (*Alert, error) {
	row := s.db.QueryRow(`
		SELECT id, metric_name, severity, observed_value, threshold,
		       first_observed_at, resolved_at, created_at
		FROM alerts WHERE metric_name = ? AND resolved_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, metric)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read active alert")
	}
	return alert, nil
}

// Active returns all unresolved alerts, newest first.
func (s *AlertStore) Active() ([]*Alert, error) {
	return s.query(`
		SELECT id, metric_name, severity, observed_value, threshold,
		       first_observed_at, resolved_at, created_at
		FROM alerts WHERE resolved_at IS NULL ORDER BY created_at DESC`)
}

// List returns recent alerts, resolved or not.
func (s *AlertStore) List(limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(`
		SELECT id, metric_name, severity, observed_value, threshold,
		       first_observed_at, resolved_at, created_at
		FROM alerts ORDER BY created_at DESC LIMIT ?`, limit)
}

// Resolve closes every unresolved alert for a metric.
func (s *AlertStore) Resolve(metric string) error {
	_, err := s.db.Exec(`
		UPDATE alerts SET resolved_at = ?
		WHERE metric_name = ? AND resolved_at IS NULL`, time.Now().UTC(), metric)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve alerts for %s", metric)
	}
	return nil
}

func (s *AlertStore) query(q string, args ...any) ([]*Alert, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list alerts")
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan alert")
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*Alert, error) {
	var a Alert
	var severity string
	err := row.Scan(&a.ID, &a.MetricName, &severity, &a.ObservedValue,
		&a.Threshold, &a.FirstObservedAt, &a.ResolvedAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Severity = Severity(severity)
	return &a, nil
}
