package tune

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	loomtesting "github.com/graphloom/loom/internal/testing"
	"github.com/graphloom/loom/monitor"
)

type fakeTargets struct {
	values map[Parameter]int
}

func newFakeTargets() *fakeTargets {
	return &fakeTargets{values: map[Parameter]int{
		ParamWorkers:            4,
		ParamExtractConcurrency: 4,
		ParamCommitBatch:        500,
	}}
}

func (f *fakeTargets) Get(p Parameter) int    { return f.values[p] }
func (f *fakeTargets) Set(p Parameter, v int) { f.values[p] = v }

type fakeReporter struct {
	reports []*monitor.Report
	next    int
}

func (f *fakeReporter) Report() (*monitor.Report, error) {
	r := f.reports[f.next]
	if f.next < len(f.reports)-1 {
		f.next++
	}
	return r, nil
}

func testEngine(t *testing.T, targets Targets, reporter Reporter) *Engine {
	t.Helper()
	db := loomtesting.CreateTestDB(t)
	return New(context.Background(), NewChangeStore(db), targets, reporter, Config{
		Enabled:            true,
		Cycle:              time.Minute,
		RevertThresholdPct: 15,
		Bounds: map[Parameter]Bounds{
			ParamWorkers:            {Min: 1, Max: 8},
			ParamExtractConcurrency: {Min: 1, Max: 8},
			ParamCommitBatch:        {Min: 50, Max: 2000},
		},
	}, zap.NewNop().Sugar())
}

func TestDeepQueueAddsWorker(t *testing.T) {
	targets := newFakeTargets()
	reporter := &fakeReporter{reports: []*monitor.Report{
		{QueueDepth: 100, FailureRate: 0.02},
	}}
	e := testEngine(t, targets, reporter)

	e.Cycle()

	assert.Equal(t, 5, targets.values[ParamWorkers])

	changes, err := e.store.List(10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, ParamWorkers, changes[0].Parameter)
	assert.Equal(t, 4.0, changes[0].OldValue)
	assert.Equal(t, 5.0, changes[0].NewValue)
	assert.False(t, changes[0].Reverted)
	assert.Greater(t, changes[0].Confidence, 0.0)
}

func TestHighFailureRateReducesExtractConcurrency(t *testing.T) {
	targets := newFakeTargets()
	reporter := &fakeReporter{reports: []*monitor.Report{
		{QueueDepth: 5, FailureRate: 0.5},
	}}
	e := testEngine(t, targets, reporter)

	e.Cycle()
	assert.Equal(t, 3, targets.values[ParamExtractConcurrency])
}

func TestChangesRespectBounds(t *testing.T) {
	targets := newFakeTargets()
	targets.values[ParamWorkers] = 8 // already at the ceiling
	reporter := &fakeReporter{reports: []*monitor.Report{
		{QueueDepth: 500, FailureRate: 0.0},
	}}
	e := testEngine(t, targets, reporter)

	e.Cycle()

	assert.Equal(t, 8, targets.values[ParamWorkers], "never steps past the bound")
	changes, err := e.store.List(10)
	require.NoError(t, err)
	assert.Empty(t, changes, "a clamped no-op change is not recorded")
}

func TestRegressionRevertsChange(t *testing.T) {
	targets := newFakeTargets()
	reporter := &fakeReporter{reports: []*monitor.Report{
		{QueueDepth: 100, FailureRate: 0.05}, // cycle 1: healthy, add worker
		{QueueDepth: 100, FailureRate: 0.40}, // cycle 2: much worse
	}}
	e := testEngine(t, targets, reporter)

	e.Cycle()
	require.Equal(t, 5, targets.values[ParamWorkers])

	e.Cycle()
	assert.Equal(t, 4, targets.values[ParamWorkers], "regression restores the old value")

	changes, err := e.store.List(10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Reverted)
	assert.NotNil(t, changes[0].RevertedAt)
}

func TestImprovementKeepsChange(t *testing.T) {
	targets := newFakeTargets()
	reporter := &fakeReporter{reports: []*monitor.Report{
		{QueueDepth: 100, FailureRate: 0.05},
		{QueueDepth: 40, FailureRate: 0.04},
	}}
	e := testEngine(t, targets, reporter)

	e.Cycle()
	e.Cycle()

	assert.Equal(t, 5, targets.values[ParamWorkers])
	changes, err := e.store.List(10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.False(t, changes[0].Reverted)
}

func TestOnlyOneChangeInFlight(t *testing.T) {
	targets := newFakeTargets()
	reporter := &fakeReporter{reports: []*monitor.Report{
		// both conditions would fire, and the snapshot never improves
		{QueueDepth: 200, FailureRate: 0.05},
		{QueueDepth: 200, FailureRate: 0.05},
	}}
	e := testEngine(t, targets, reporter)

	e.Cycle() // applies worker change
	e.Cycle() // assesses it, applies nothing new

	changes, err := e.store.List(10)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestIdleShedsWorker(t *testing.T) {
	targets := newFakeTargets()
	reporter := &fakeReporter{reports: []*monitor.Report{
		{QueueDepth: 0, FailureRate: 0},
	}}
	e := testEngine(t, targets, reporter)

	e.Cycle()
	assert.Equal(t, 3, targets.values[ParamWorkers])
}

func TestSlowCommitsShrinkBatch(t *testing.T) {
	targets := newFakeTargets()
	reporter := &fakeReporter{reports: []*monitor.Report{
		{QueueDepth: 5, FailureRate: 0.05, StageP95: map[string]float64{"committing": 45}},
	}}
	e := testEngine(t, targets, reporter)

	e.Cycle()
	assert.Equal(t, 375, targets.values[ParamCommitBatch])
}

func TestDisabledEngineNeverChanges(t *testing.T) {
	targets := newFakeTargets()
	db := loomtesting.CreateTestDB(t)
	e := New(context.Background(), NewChangeStore(db), targets, &fakeReporter{
		reports: []*monitor.Report{{QueueDepth: 500, FailureRate: 0}},
	}, Config{Enabled: false}, zap.NewNop().Sugar())

	e.Start() // no-op when disabled
	e.Stop()
	assert.Equal(t, 4, targets.values[ParamWorkers])
}
