// Package remedy applies automated recovery strategies to known failure
// conditions and escalates to a human when they stop working.
package remedy

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/graphloom/loom/errors"
	"github.com/graphloom/loom/guard"
	"github.com/graphloom/loom/ingest"
	"github.com/graphloom/loom/monitor"
)

// Condition names a recognized failure pattern.
type Condition string

const (
	ConditionStuckExtraction    Condition = "stuck_extraction"
	ConditionStuckCommit        Condition = "stuck_commit"
	ConditionStuckStage         Condition = "stuck_stage"
	ConditionCircuitOpen        Condition = "circuit_open"
	ConditionResourceExhaustion Condition = "resource_exhaustion"
)

// ActionName identifies a recovery strategy.
type ActionName string

const (
	ActionRequeueJob   ActionName = "requeue_job"
	ActionResetCircuit ActionName = "reset_circuit"
	ActionShedQueue    ActionName = "shed_queue"
)

// defaultStrategies maps each condition to its ordered strategy list. Later
// entries are tried on later attempts; the list never loops.
var defaultStrategies = map[Condition][]ActionName{
	ConditionStuckExtraction:    {ActionRequeueJob},
	ConditionStuckCommit:        {ActionRequeueJob},
	ConditionStuckStage:         {ActionRequeueJob},
	ConditionCircuitOpen:        {ActionResetCircuit},
	ConditionResourceExhaustion: {ActionShedQueue},
}

// shedBatch is how many waiting jobs one shed action removes.
const shedBatch = 10

// Actions is the pipeline surface the engine drives.
type Actions interface {
	RequeueJob(jobID string) error
	ResetCircuit(dependency string) error
	ShedQueue(max int) (int, error)
}

// Engine watches active alerts and circuit state, applies strategies, and
// stops at the escalation ceiling.
type Engine struct {
	store    *AttemptStore
	actions  Actions
	alerts   *monitor.AlertStore
	jobs     *ingest.Store
	breakers []*guard.Breaker

	maxAttempts   int
	checkInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.SugaredLogger

	now func() time.Time
}

// New creates a recovery engine.
func New(ctx context.Context, store *AttemptStore, actions Actions,
	alerts *monitor.AlertStore, jobs *ingest.Store, breakers []*guard.Breaker,
	maxAttempts int, checkInterval time.Duration, log *zap.SugaredLogger) *Engine {

	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}

	ectx, cancel := context.WithCancel(ctx)
	return &Engine{
		store:         store,
		actions:       actions,
		alerts:        alerts,
		jobs:          jobs,
		breakers:      breakers,
		maxAttempts:   maxAttempts,
		checkInterval: checkInterval,
		ctx:           ectx,
		cancel:        cancel,
		log:           log.Named("remedy"),
		now:           time.Now,
	}
}

// Start launches the periodic check loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				e.Check()
			}
		}
	}()
	e.log.Infow("Recovery engine started", "interval", e.checkInterval,
		"max_attempts", e.maxAttempts)
}

// Stop halts the loop.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Check runs one recovery pass over every detected condition.
func (e *Engine) Check() {
	active, err := e.alerts.Active()
	if err != nil {
		e.log.Warnw("Failed to list active alerts", "error", err)
		return
	}

	for _, alert := range active {
		switch {
		case strings.HasPrefix(alert.MetricName, "stuck_job:"):
			jobID := strings.TrimPrefix(alert.MetricName, "stuck_job:")
			e.handle(e.stuckCondition(jobID), jobID)
		case alert.MetricName == monitor.MetricMemoryPercent && alert.Severity == monitor.SeverityCritical,
			alert.MetricName == monitor.MetricQueueDepth && alert.Severity == monitor.SeverityCritical:
			e.handle(ConditionResourceExhaustion, alert.MetricName)
		}
	}

	for _, b := range e.breakers {
		snap := b.Snapshot()
		if snap.State == guard.CircuitOpen {
			e.handle(ConditionCircuitOpen, snap.Dependency)
		}
	}
}

// stuckCondition refines a stuck job into a stage-specific condition.
func (e *Engine) stuckCondition(jobID string) Condition {
	job, err := e.jobs.Get(jobID)
	if err != nil {
		return ConditionStuckStage
	}
	switch job.Stage {
	case ingest.StageExtracting:
		return ConditionStuckExtraction
	case ingest.StageCommitting:
		return ConditionStuckCommit
	default:
		return ConditionStuckStage
	}
}

// handle applies the next strategy for (condition, target), or escalates when
// the attempt ceiling is reached. Escalation is recorded exactly once.
func (e *Engine) handle(condition Condition, target string) {
	strategies, ok := defaultStrategies[condition]
	if !ok || len(strategies) == 0 {
		return
	}

	count, err := e.store.CountFor(target, condition)
	if err != nil {
		e.log.Warnw("Failed to count recovery attempts", "target", target, "error", err)
		return
	}

	if count >= e.maxAttempts {
		escalated, err := e.store.HasEscalated(target, condition)
		if err != nil || escalated {
			return
		}
		if _, err := e.store.Record(&Attempt{
			Target:    target,
			Condition: condition,
			Strategy:  "none",
			Outcome:   "escalated",
			Escalated: true,
		}); err != nil {
			e.log.Errorw("Failed to record escalation", "target", target, "error", err)
			return
		}
		e.log.Errorw("Recovery exhausted, manual intervention required",
			"target", target, "condition", condition, "attempts", count)
		return
	}

	idx := count
	if idx >= len(strategies) {
		idx = len(strategies) - 1
	}
	strategy := strategies[idx]

	outcome := "applied"
	if err := e.apply(strategy, target); err != nil {
		outcome = "failed"
		e.log.Warnw("Recovery strategy failed", "target", target,
			"condition", condition, "strategy", strategy, "error", err)
	} else {
		e.log.Infow("Recovery strategy applied", "target", target,
			"condition", condition, "strategy", strategy, "attempt", count+1)
	}

	if _, err := e.store.Record(&Attempt{
		Target:    target,
		Condition: condition,
		Strategy:  string(strategy),
		Outcome:   outcome,
	}); err != nil {
		e.log.Errorw("Failed to record recovery attempt", "target", target, "error", err)
	}
}

func (e *Engine) apply(strategy ActionName, target string) error {
	switch strategy {
	case ActionRequeueJob:
		return e.actions.RequeueJob(target)
	case ActionResetCircuit:
		return e.actions.ResetCircuit(target)
	case ActionShedQueue:
		_, err := e.actions.ShedQueue(shedBatch)
		return err
	default:
		return errors.Newf("unknown recovery strategy %q", strategy)
	}
}
