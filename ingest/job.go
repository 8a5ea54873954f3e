// Package ingest runs documents through the pipeline: preflight, extraction,
// normalization, and an atomic graph commit.
package ingest

import (
	"time"

	"github.com/google/uuid"

	"github.com/graphloom/loom/faults"
	"github.com/graphloom/loom/graphstore"
)

// Stage identifies where a job is in the pipeline.
type Stage string

const (
	StageQueued      Stage = "queued"
	StagePreflight   Stage = "preflight"
	StageExtracting  Stage = "extracting"
	StageNormalizing Stage = "normalizing"
	StageCommitting  Stage = "committing"
)

// stageOrder is the only forward path through the pipeline.
var stageOrder = []Stage{StageQueued, StagePreflight, StageExtracting, StageNormalizing, StageCommitting}

// Next returns the stage that follows s. ok is false for the final stage and
// unknown stages.
func (s Stage) Next() (Stage, bool) {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// IsValidStage returns true for known pipeline stages.
func IsValidStage(s string) bool {
	for _, st := range stageOrder {
		if Stage(s) == st {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusRetrying   Status = "retrying"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusDeadLetter
}

// IsValidStatus returns true if the status string is a valid Status.
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusQueued, StatusRunning, StatusRetrying,
		StatusSucceeded, StatusFailed, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// FailureRecord is the structured last-error snapshot kept on a job.
type FailureRecord struct {
	Stage      Stage        `json:"stage"`
	Class      faults.Class `json:"class"`
	Dependency string       `json:"dependency,omitempty"`
	Message    string       `json:"message"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Job is one document's pass through the pipeline.
type Job struct {
	ID              string                `json:"id"`
	SourceRef       string                `json:"source_ref"`
	Stage           Stage                 `json:"stage"`
	Status          Status                `json:"status"`
	Attempts        map[Stage]int         `json:"attempts,omitempty"`
	StagedMutations *graphstore.Mutations `json:"staged_mutations,omitempty"`
	LastError       *FailureRecord        `json:"last_error,omitempty"`
	ProgressPercent float64               `json:"progress_percent"`
	CreatedAt       time.Time             `json:"created_at"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// NewJob creates a queued job for a document reference.
func NewJob(sourceRef string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		SourceRef: sourceRef,
		Stage:     StageQueued,
		Status:    StatusQueued,
		Attempts:  make(map[Stage]int),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Start marks the job running.
func (j *Job) Start() {
	now := time.Now().UTC()
	j.Status = StatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
}

// Enter moves the job into a stage and counts the attempt.
func (j *Job) Enter(stage Stage) {
	if j.Attempts == nil {
		j.Attempts = make(map[Stage]int)
	}
	j.Stage = stage
	j.Attempts[stage]++
	j.ProgressPercent = stageProgress(stage)
	j.UpdatedAt = time.Now().UTC()
}

// Succeed marks the job complete.
func (j *Job) Succeed() {
	now := time.Now().UTC()
	j.Status = StatusSucceeded
	j.ProgressPercent = 100
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// RecordFailure stores a structured failure snapshot derived from err.
func (j *Job) RecordFailure(err error) {
	j.LastError = &FailureRecord{
		Stage:      j.Stage,
		Class:      faults.ClassOf(err),
		Dependency: faults.DependencyOf(err),
		Message:    err.Error(),
		OccurredAt: time.Now().UTC(),
	}
	j.UpdatedAt = j.LastError.OccurredAt
}

// stageProgress maps a stage to the percent shown when it begins.
func stageProgress(stage Stage) float64 {
	switch stage {
	case StagePreflight:
		return 5
	case StageExtracting:
		return 15
	case StageNormalizing:
		return 60
	case StageCommitting:
		return 80
	default:
		return 0
	}
}
