package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphloom/loom/errors"
	"github.com/graphloom/loom/faults"
)

func TestStageOrdering(t *testing.T) {
	next, ok := StageQueued.Next()
	require.True(t, ok)
	assert.Equal(t, StagePreflight, next)

	next, ok = StagePreflight.Next()
	require.True(t, ok)
	assert.Equal(t, StageExtracting, next)

	next, ok = StageExtracting.Next()
	require.True(t, ok)
	assert.Equal(t, StageNormalizing, next)

	next, ok = StageNormalizing.Next()
	require.True(t, ok)
	assert.Equal(t, StageCommitting, next)

	_, ok = StageCommitting.Next()
	assert.False(t, ok, "committing is the final stage")

	_, ok = Stage("bogus").Next()
	assert.False(t, ok)
}

func TestStatusTerminality(t *testing.T) {
	assert.True(t, StatusSucceeded.IsTerminal())
	assert.True(t, StatusDeadLetter.IsTerminal())
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusRetrying.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
}

func TestNewJobDefaults(t *testing.T) {
	job := NewJob("doc://a")
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StageQueued, job.Stage)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Zero(t, job.ProgressPercent)
	assert.Nil(t, job.StartedAt)
}

func TestEnterCountsAttempts(t *testing.T) {
	job := NewJob("doc://a")
	job.Enter(StageExtracting)
	job.Enter(StageExtracting)
	job.Enter(StageCommitting)

	assert.Equal(t, 2, job.Attempts[StageExtracting])
	assert.Equal(t, 1, job.Attempts[StageCommitting])
	assert.Equal(t, StageCommitting, job.Stage)
}

func TestRecordFailureCapturesClassification(t *testing.T) {
	job := NewJob("doc://a")
	job.Enter(StageExtracting)
	job.RecordFailure(faults.Mark(faults.Transient, "extraction", errors.New("timeout")))

	require.NotNil(t, job.LastError)
	assert.Equal(t, StageExtracting, job.LastError.Stage)
	assert.Equal(t, faults.Transient, job.LastError.Class)
	assert.Equal(t, "extraction", job.LastError.Dependency)
	assert.Contains(t, job.LastError.Message, "timeout")
}
