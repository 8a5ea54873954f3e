package remedy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/graphloom/loom/errors"
	"github.com/graphloom/loom/guard"
	"github.com/graphloom/loom/ingest"
	loomtesting "github.com/graphloom/loom/internal/testing"
	"github.com/graphloom/loom/monitor"
)

type fakeActions struct {
	requeued   []string
	resets     []string
	shedCalls  int
	requeueErr error
}

func (f *fakeActions) RequeueJob(jobID string) error {
	if f.requeueErr != nil {
		return f.requeueErr
	}
	f.requeued = append(f.requeued, jobID)
	return nil
}

func (f *fakeActions) ResetCircuit(dep string) error {
	f.resets = append(f.resets, dep)
	return nil
}

func (f *fakeActions) ShedQueue(max int) (int, error) {
	f.shedCalls++
	return max, nil
}

func testEngine(t *testing.T, actions Actions, breakers []*guard.Breaker) (*Engine, *monitor.AlertStore, *ingest.Store) {
	t.Helper()
	db := loomtesting.CreateTestDB(t)
	alerts := monitor.NewAlertStore(db)
	jobs := ingest.NewStore(db)
	e := New(context.Background(), NewAttemptStore(db), actions, alerts, jobs,
		breakers, 3, time.Second, zap.NewNop().Sugar())
	return e, alerts, jobs
}

func stuckRunningJob(t *testing.T, jobs *ingest.Store, stage ingest.Stage) *ingest.Job {
	t.Helper()
	job := ingest.NewJob("doc://stuck")
	require.NoError(t, jobs.Create(job))
	claimed, err := jobs.ClaimNext()
	require.NoError(t, err)
	claimed.Enter(stage)
	require.NoError(t, jobs.Update(claimed))
	return claimed
}

func TestStuckExtractionRequeuesJob(t *testing.T) {
	actions := &fakeActions{}
	e, alerts, jobs := testEngine(t, actions, nil)

	job := stuckRunningJob(t, jobs, ingest.StageExtracting)
	_, err := alerts.Raise("stuck_job:"+job.ID, monitor.SeverityCritical, 900, 600, time.Now())
	require.NoError(t, err)

	e.Check()

	require.Len(t, actions.requeued, 1)
	assert.Equal(t, job.ID, actions.requeued[0])

	attempts, err := e.store.List(10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, ConditionStuckExtraction, attempts[0].Condition)
	assert.Equal(t, string(ActionRequeueJob), attempts[0].Strategy)
	assert.Equal(t, "applied", attempts[0].Outcome)
}

func TestStuckCommitCondition(t *testing.T) {
	actions := &fakeActions{}
	e, alerts, jobs := testEngine(t, actions, nil)

	job := stuckRunningJob(t, jobs, ingest.StageCommitting)
	_, err := alerts.Raise("stuck_job:"+job.ID, monitor.SeverityCritical, 900, 300, time.Now())
	require.NoError(t, err)

	e.Check()

	attempts, err := e.store.List(10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, ConditionStuckCommit, attempts[0].Condition)
}

func TestOpenCircuitGetsReset(t *testing.T) {
	breaker := guard.NewBreaker("extraction", guard.BreakerConfig{
		FailureThreshold: 1, Window: time.Minute, CoolDown: time.Hour,
	}, zap.NewNop().Sugar())
	breaker.OnFailure() // trips immediately at threshold 1

	actions := &fakeActions{}
	e, _, _ := testEngine(t, actions, []*guard.Breaker{breaker})

	e.Check()

	require.Len(t, actions.resets, 1)
	assert.Equal(t, "extraction", actions.resets[0])
}

func TestResourceExhaustionShedsQueue(t *testing.T) {
	actions := &fakeActions{}
	e, alerts, _ := testEngine(t, actions, nil)

	_, err := alerts.Raise(monitor.MetricQueueDepth, monitor.SeverityCritical, 500, 200, time.Now())
	require.NoError(t, err)

	e.Check()
	assert.Equal(t, 1, actions.shedCalls)
}

func TestWarningAlertsDoNotTriggerShedding(t *testing.T) {
	actions := &fakeActions{}
	e, alerts, _ := testEngine(t, actions, nil)

	_, err := alerts.Raise(monitor.MetricQueueDepth, monitor.SeverityWarning, 50, 20, time.Now())
	require.NoError(t, err)

	e.Check()
	assert.Zero(t, actions.shedCalls)
}

func TestEscalationCeiling(t *testing.T) {
	actions := &fakeActions{}
	e, alerts, jobs := testEngine(t, actions, nil)

	job := stuckRunningJob(t, jobs, ingest.StageExtracting)
	_, err := alerts.Raise("stuck_job:"+job.ID, monitor.SeverityCritical, 900, 600, time.Now())
	require.NoError(t, err)

	// three automated attempts, then a single escalation, then silence
	for i := 0; i < 6; i++ {
		e.Check()
	}

	assert.Len(t, actions.requeued, 3, "ceiling stops automated recovery")

	attempts, err := e.store.List(20)
	require.NoError(t, err)
	require.Len(t, attempts, 4)

	escalations := 0
	for _, a := range attempts {
		if a.Escalated {
			escalations++
			assert.Equal(t, "escalated", a.Outcome)
		}
	}
	assert.Equal(t, 1, escalations, "escalation is recorded exactly once")

	escalated, err := e.store.HasEscalated(job.ID, ConditionStuckExtraction)
	require.NoError(t, err)
	assert.True(t, escalated)
}

func TestFailedStrategyStillCountsAttempt(t *testing.T) {
	actions := &fakeActions{requeueErr: errors.New("job vanished")}
	e, alerts, jobs := testEngine(t, actions, nil)

	job := stuckRunningJob(t, jobs, ingest.StageExtracting)
	_, err := alerts.Raise("stuck_job:"+job.ID, monitor.SeverityCritical, 900, 600, time.Now())
	require.NoError(t, err)

	e.Check()

	attempts, err := e.store.List(10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "failed", attempts[0].Outcome)

	count, err := e.store.CountFor(job.ID, ConditionStuckExtraction)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "failed attempts count against the ceiling")
}
