// Package tune adjusts pipeline parameters inside configured bounds and
// reverts any change that makes things worse.
package tune

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/graphloom/loom/monitor"
)

// Parameter names a tunable pipeline knob.
type Parameter string

const (
	ParamWorkers            Parameter = "workers"
	ParamExtractConcurrency Parameter = "extract_concurrency"
	ParamCommitBatch        Parameter = "commit_batch"
)

// Bounds clamps a parameter. The engine never steps outside them.
type Bounds struct {
	Min int
	Max int
}

// Clamp returns v forced inside the bounds.
func (b Bounds) Clamp(v int) int {
	if v < b.Min {
		return b.Min
	}
	if b.Max > 0 && v > b.Max {
		return b.Max
	}
	return v
}

// Targets is the surface the engine turns its decisions into.
type Targets interface {
	Get(param Parameter) int
	Set(param Parameter, value int)
}

// Reporter supplies the metric snapshots decisions are based on.
type Reporter interface {
	Report() (*monitor.Report, error)
}

// Config controls the engine.
type Config struct {
	Enabled            bool
	Cycle              time.Duration
	RevertThresholdPct float64 // Relative regression that triggers a revert
	Bounds             map[Parameter]Bounds
}

// pendingChange is a change under observation for one cycle.
type pendingChange struct {
	changeID string
	param    Parameter
	oldValue int
	newValue int
	baseline float64 // failure rate when the change was applied
}

// Engine runs one decision cycle at a time: observe, maybe change one
// parameter, observe again, keep or revert.
type Engine struct {
	store    *ChangeStore
	targets  Targets
	reporter Reporter
	cfg      Config

	mu      sync.Mutex
	pending *pendingChange

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.SugaredLogger
}

// New creates a tuning engine.
func New(ctx context.Context, store *ChangeStore, targets Targets,
	reporter Reporter, cfg Config, log *zap.SugaredLogger) *Engine {

	if cfg.Cycle <= 0 {
		cfg.Cycle = 5 * time.Minute
	}
	if cfg.RevertThresholdPct <= 0 {
		cfg.RevertThresholdPct = 15
	}

	ectx, cancel := context.WithCancel(ctx)
	return &Engine{
		store:    store,
		targets:  targets,
		reporter: reporter,
		cfg:      cfg,
		ctx:      ectx,
		cancel:   cancel,
		log:      log.Named("tune"),
	}
}

// Start launches the cycle loop. A disabled engine never changes anything.
func (e *Engine) Start() {
	if !e.cfg.Enabled {
		e.log.Infow("Tuning disabled")
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.Cycle)
		defer ticker.Stop()

		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				e.Cycle()
			}
		}
	}()
	e.log.Infow("Tuning engine started", "cycle", e.cfg.Cycle,
		"revert_threshold_pct", e.cfg.RevertThresholdPct)
}

// Stop halts the loop.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Cycle runs one observe-decide pass. A pending change is always assessed
// before any new change is considered, so at most one change is in flight.
func (e *Engine) Cycle() {
	report, err := e.reporter.Report()
	if err != nil {
		e.log.Warnw("Failed to read metrics for tuning", "error", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending != nil {
		e.assess(report)
		return
	}
	e.decide(report)
}

// assess keeps or reverts the pending change based on failure-rate drift
// since it was applied.
func (e *Engine) assess(report *monitor.Report) {
	p := e.pending
	e.pending = nil

	regressed := false
	if p.baseline == 0 {
		regressed = report.FailureRate > e.cfg.RevertThresholdPct/100
	} else {
		regressed = (report.FailureRate-p.baseline)/p.baseline*100 > e.cfg.RevertThresholdPct
	}

	if !regressed {
		e.log.Infow("Tuning change kept", "parameter", p.param,
			"value", p.newValue, "failure_rate", report.FailureRate)
		return
	}

	e.targets.Set(p.param, p.oldValue)
	if err := e.store.MarkReverted(p.changeID); err != nil {
		e.log.Errorw("Failed to mark change reverted", "change_id", p.changeID, "error", err)
	}
	e.log.Warnw("Tuning change reverted after regression",
		"parameter", p.param, "restored", p.oldValue,
		"baseline_failure_rate", p.baseline, "observed_failure_rate", report.FailureRate)
}

// decide picks at most one bounded parameter step from the current snapshot.
func (e *Engine) decide(report *monitor.Report) {
	workers := e.targets.Get(ParamWorkers)

	switch {
	// Deep queue and a healthy pipeline: add a worker.
	case report.QueueDepth > workers*10 && report.FailureRate < 0.1:
		e.step(ParamWorkers, 1, confidenceFromMargin(0.1-report.FailureRate), report)

	// Failing hard: pull extraction concurrency back before anything else.
	case report.FailureRate > 0.3:
		e.step(ParamExtractConcurrency, -1, confidenceFromMargin(report.FailureRate-0.3), report)

	// Commit stage dragging: smaller batches commit faster and fail smaller.
	case report.StageP95["committing"] > 30:
		e.step(ParamCommitBatch, -stepFor(e.targets.Get(ParamCommitBatch)), 0.5, report)

	// Idle and healthy with extra workers: shed one to free resources.
	case report.QueueDepth == 0 && report.FailureRate == 0 && workers > 1:
		e.step(ParamWorkers, -1, 0.4, report)
	}
}

// step applies one bounded change and records it for next-cycle assessment.
func (e *Engine) step(param Parameter, delta int, confidence float64, report *monitor.Report) {
	bounds, ok := e.cfg.Bounds[param]
	if !ok {
		return
	}

	oldValue := e.targets.Get(param)
	newValue := bounds.Clamp(oldValue + delta)
	if newValue == oldValue {
		return
	}

	change, err := e.store.Record(param, oldValue, newValue, confidence)
	if err != nil {
		e.log.Errorw("Failed to record tuning change", "parameter", param, "error", err)
		return
	}

	e.targets.Set(param, newValue)
	e.pending = &pendingChange{
		changeID: change.ID,
		param:    param,
		oldValue: oldValue,
		newValue: newValue,
		baseline: report.FailureRate,
	}
	e.log.Infow("Tuning change applied", "parameter", param,
		"old", oldValue, "new", newValue, "confidence", confidence)
}

// confidenceFromMargin maps how far past a decision boundary the signal is
// onto [0.3, 0.9].
func confidenceFromMargin(margin float64) float64 {
	c := 0.3 + margin*2
	if c > 0.9 {
		c = 0.9
	}
	if c < 0.3 {
		c = 0.3
	}
	return c
}

// stepFor scales the batch step to the current value.
func stepFor(current int) int {
	step := current / 4
	if step < 1 {
		step = 1
	}
	return step
}
