package monitor

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/graphloom/loom/config"
	"github.com/graphloom/loom/guard"
	"github.com/graphloom/loom/ingest"
	loomtesting "github.com/graphloom/loom/internal/testing"
)

func testMonitor(t *testing.T, cfg config.MonitorConfig) (*Monitor, *ingest.Store, *sql.DB) {
	t.Helper()
	db := loomtesting.CreateTestDB(t)
	jobs := ingest.NewStore(db)
	m := New(context.Background(), NewAlertStore(db), jobs, nil, cfg, zap.NewNop().Sugar())
	m.memPercent = func() (float64, error) { return 40, nil }
	return m, jobs, db
}

func TestSustainedBreachRaisesAlert(t *testing.T) {
	m, _, _ := testMonitor(t, config.MonitorConfig{
		Thresholds: map[string]config.Threshold{
			MetricFailureRate: {Warning: 0.2, Critical: 0.5, SustainedSeconds: 60},
		},
	})

	base := time.Now()
	clock := base
	m.now = func() time.Time { return clock }

	// 60% failures: beyond critical
	for i := 0; i < 10; i++ {
		m.RecordOutcome(i >= 6)
	}

	// first breach starts the sustain clock, no alert yet
	m.Sample()
	active, err := m.alerts.Active()
	require.NoError(t, err)
	assert.Empty(t, active, "breach must be sustained before alerting")

	// still within the sustain window
	clock = base.Add(30 * time.Second)
	m.Sample()
	active, _ = m.alerts.Active()
	assert.Empty(t, active)

	// sustained for the full duration
	clock = base.Add(61 * time.Second)
	m.Sample()
	active, err = m.alerts.Active()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, MetricFailureRate, active[0].MetricName)
	assert.Equal(t, SeverityCritical, active[0].Severity)
	assert.Equal(t, base.UTC().Unix(), active[0].FirstObservedAt.UTC().Unix())

	// repeated samples do not duplicate the alert
	clock = base.Add(120 * time.Second)
	m.Sample()
	active, _ = m.alerts.Active()
	assert.Len(t, active, 1)
}

func TestDipBelowWarningResetsSustainClock(t *testing.T) {
	m, _, _ := testMonitor(t, config.MonitorConfig{
		Thresholds: map[string]config.Threshold{
			MetricQueueDepth: {Warning: 5, Critical: 20, SustainedSeconds: 60},
		},
	})

	base := time.Now()
	clock := base
	m.now = func() time.Time { return clock }

	m.evaluate(MetricQueueDepth, 10, clock)
	clock = base.Add(30 * time.Second)
	m.evaluate(MetricQueueDepth, 2, clock) // recovers, clock resets
	clock = base.Add(40 * time.Second)
	m.evaluate(MetricQueueDepth, 10, clock)
	clock = base.Add(70 * time.Second) // 30s since re-breach, not 70
	m.evaluate(MetricQueueDepth, 10, clock)

	active, err := m.alerts.Active()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRecoveryResolvesAlert(t *testing.T) {
	m, _, _ := testMonitor(t, config.MonitorConfig{
		Thresholds: map[string]config.Threshold{
			MetricQueueDepth: {Warning: 5, SustainedSeconds: 0},
		},
	})

	now := time.Now()
	m.evaluate(MetricQueueDepth, 10, now)
	active, err := m.alerts.Active()
	require.NoError(t, err)
	require.Len(t, active, 1)

	m.evaluate(MetricQueueDepth, 1, now.Add(time.Minute))
	active, err = m.alerts.Active()
	require.NoError(t, err)
	assert.Empty(t, active)

	// history keeps the resolved alert
	all, err := m.alerts.List(10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotNil(t, all[0].ResolvedAt)
}

func TestStuckJobRaisesOneAlert(t *testing.T) {
	m, jobs, db := testMonitor(t, config.MonitorConfig{
		StuckStageSeconds: map[string]int{"extracting": 600},
	})

	job := ingest.NewJob("doc://slow")
	require.NoError(t, jobs.Create(job))
	claimed, err := jobs.ClaimNext()
	require.NoError(t, err)
	claimed.Enter(ingest.StageExtracting)
	require.NoError(t, jobs.Update(claimed))

	// rewind updated_at past the residency limit; Update refreshes it
	stuckSince := time.Now().UTC().Add(-15 * time.Minute)
	_, err = db.Exec(`UPDATE jobs SET updated_at = ? WHERE id = ?`, stuckSince, claimed.ID)
	require.NoError(t, err)

	m.checkStuckJobs(time.Now())
	m.checkStuckJobs(time.Now())

	active, err := m.alerts.Active()
	require.NoError(t, err)
	require.Len(t, active, 1, "repeated checks must not duplicate the alert")
	assert.Equal(t, stuckJobMetricPrefix+claimed.ID, active[0].MetricName)
	assert.Equal(t, SeverityCritical, active[0].Severity)

	// job finishes: alert resolves
	claimed.Succeed()
	require.NoError(t, jobs.Update(claimed))
	m.checkStuckJobs(time.Now())

	active, err = m.alerts.Active()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestThresholdHotReload(t *testing.T) {
	m, _, _ := testMonitor(t, config.MonitorConfig{
		Thresholds: map[string]config.Threshold{
			MetricQueueDepth: {Warning: 100, SustainedSeconds: 0},
		},
	})

	m.evaluate(MetricQueueDepth, 50, time.Now())
	active, _ := m.alerts.Active()
	assert.Empty(t, active)

	m.SetThresholds(map[string]config.Threshold{
		MetricQueueDepth: {Warning: 10, SustainedSeconds: 0},
	})
	m.evaluate(MetricQueueDepth, 50, time.Now())
	active, err := m.alerts.Active()
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestReportReflectsCircuits(t *testing.T) {
	db := loomtesting.CreateTestDB(t)
	breaker := guard.NewBreaker("extraction", guard.BreakerConfig{
		FailureThreshold: 1, Window: time.Minute, CoolDown: time.Minute,
	}, zap.NewNop().Sugar())

	m := New(context.Background(), NewAlertStore(db), ingest.NewStore(db),
		[]*guard.Breaker{breaker}, config.MonitorConfig{}, zap.NewNop().Sugar())
	m.memPercent = func() (float64, error) { return 40, nil }

	report, err := m.Report()
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	require.Len(t, report.Circuits, 1)

	breaker.OnFailure() // trips at threshold 1
	report, err = m.Report()
	require.NoError(t, err)
	assert.False(t, report.Healthy, "open circuit makes the system unhealthy")
}
