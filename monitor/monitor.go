package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/graphloom/loom/config"
	"github.com/graphloom/loom/guard"
	"github.com/graphloom/loom/ingest"
)

// Metric names with configurable thresholds.
const (
	MetricFailureRate   = "failure_rate"
	MetricQueueDepth    = "queue_depth"
	MetricStageLatency  = "stage_latency_p95_seconds"
	MetricMemoryPercent = "memory_percent"
)

const stuckJobMetricPrefix = "stuck_job:"

// Report is the health snapshot served by the API.
type Report struct {
	Healthy      bool                    `json:"healthy"`
	FailureRate  float64                 `json:"failure_rate"`
	QueueDepth   int                     `json:"queue_depth"`
	StageP95     map[string]float64      `json:"stage_latency_p95_seconds"`
	MemoryUsed   float64                 `json:"memory_percent"`
	Circuits     []guard.CircuitSnapshot `json:"circuits"`
	ActiveAlerts []*Alert                `json:"active_alerts"`
	SampledAt    time.Time               `json:"sampled_at"`
}

// Monitor samples pipeline metrics on an interval and raises alerts when a
// threshold is breached for its sustained duration.
type Monitor struct {
	*recorder

	alerts   *AlertStore
	jobs     *ingest.Store
	breakers []*guard.Breaker

	mu         sync.RWMutex
	thresholds map[string]config.Threshold
	stuck      map[string]time.Duration
	pending    map[string]time.Time // metric -> first observation beyond threshold

	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *zap.SugaredLogger

	now        func() time.Time // Injectable clock for tests
	memPercent func() (float64, error)
}

// New creates a monitor. breakers is the set of circuits to include in health
// reports and circuit evaluation.
func New(ctx context.Context, alerts *AlertStore, jobs *ingest.Store,
	breakers []*guard.Breaker, cfg config.MonitorConfig, log *zap.SugaredLogger) *Monitor {

	interval := time.Duration(cfg.SampleIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}

	mctx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		recorder:   newRecorder(),
		alerts:     alerts,
		jobs:       jobs,
		breakers:   breakers,
		thresholds: make(map[string]config.Threshold),
		stuck:      make(map[string]time.Duration),
		pending:    make(map[string]time.Time),
		interval:   interval,
		ctx:        mctx,
		cancel:     cancel,
		log:        log.Named("monitor"),
		now:        time.Now,
		memPercent: memoryUsedPercent,
	}
	m.SetThresholds(cfg.Thresholds)
	m.SetStuckStages(cfg.StuckStageSeconds)
	return m
}

// SetThresholds replaces the alert thresholds. Called on config hot reload.
func (m *Monitor) SetThresholds(thresholds map[string]config.Threshold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = make(map[string]config.Threshold, len(thresholds))
	for name, t := range thresholds {
		m.thresholds[name] = t
	}
}

// Thresholds returns a copy of the current thresholds.
func (m *Monitor) Thresholds() map[string]config.Threshold {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]config.Threshold, len(m.thresholds))
	for name, t := range m.thresholds {
		out[name] = t
	}
	return out
}

// SetStuckStages replaces the per-stage residency limits.
func (m *Monitor) SetStuckStages(seconds map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stuck = make(map[string]time.Duration, len(seconds))
	for stage, secs := range seconds {
		if secs > 0 {
			m.stuck[stage] = time.Duration(secs) * time.Second
		}
	}
}

// Start launches the sampling loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.Sample()
			}
		}
	}()
	m.log.Infow("Monitor started", "interval", m.interval)
}

// Stop halts sampling.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Sample takes one measurement pass and evaluates every threshold.
func (m *Monitor) Sample() {
	now := m.now()

	m.evaluate(MetricFailureRate, m.failureRate(), now)

	if depth, err := m.jobs.QueueDepth(); err != nil {
		m.log.Warnw("Failed to read queue depth", "error", err)
	} else {
		m.evaluate(MetricQueueDepth, float64(depth), now)
	}

	var worst float64
	for _, p95 := range m.stageP95s() {
		if s := p95.Seconds(); s > worst {
			worst = s
		}
	}
	m.evaluate(MetricStageLatency, worst, now)

	if used, err := m.memPercent(); err != nil {
		m.log.Warnw("Failed to read memory usage", "error", err)
	} else {
		m.evaluate(MetricMemoryPercent, used, now)
	}

	m.checkStuckJobs(now)
}

// evaluate applies the metric's threshold with sustained-duration gating:
// the value must stay beyond the warning level for the configured duration
// before an alert is raised, and a dip below it resets the clock and
// resolves any active alert.
func (m *Monitor) evaluate(metric string, value float64, now time.Time) {
	m.mu.Lock()
	threshold, ok := m.thresholds[metric]
	if !ok {
		m.mu.Unlock()
		return
	}

	if value < threshold.Warning {
		delete(m.pending, metric)
		m.mu.Unlock()
		m.resolveIfActive(metric, value)
		return
	}

	since, observed := m.pending[metric]
	if !observed {
		since = now
		m.pending[metric] = since
	}
	sustained := time.Duration(threshold.SustainedSeconds) * time.Second
	m.mu.Unlock()

	if now.Sub(since) < sustained {
		return
	}

	severity := SeverityWarning
	limit := threshold.Warning
	if threshold.Critical > 0 && value >= threshold.Critical {
		severity = SeverityCritical
		limit = threshold.Critical
	}

	active, err := m.alerts.ActiveByMetric(metric)
	if err != nil {
		m.log.Warnw("Failed to check active alert", "metric", metric, "error", err)
		return
	}
	if active != nil {
		return
	}

	if _, err := m.alerts.Raise(metric, severity, value, limit, since); err != nil {
		m.log.Errorw("Failed to raise alert", "metric", metric, "error", err)
		return
	}
	m.log.Warnw("Alert raised", "metric", metric, "severity", severity,
		"observed", value, "threshold", limit)
}

func (m *Monitor) resolveIfActive(metric string, value float64) {
	active, err := m.alerts.ActiveByMetric(metric)
	if err != nil || active == nil {
		return
	}
	if err := m.alerts.Resolve(metric); err != nil {
		m.log.Warnw("Failed to resolve alert", "metric", metric, "error", err)
		return
	}
	m.log.Infow("Alert resolved", "metric", metric, "observed", value)
}

// checkStuckJobs flags running jobs that have sat in one stage past its
// residency limit. One alert per job, resolved when the job moves on.
func (m *Monitor) checkStuckJobs(now time.Time) {
	running, err := m.jobs.ListRunning(ingest.MaxOrphanedJobsToRecover)
	if err != nil {
		m.log.Warnw("Failed to list running jobs", "error", err)
		return
	}

	m.mu.RLock()
	limits := m.stuck
	m.mu.RUnlock()

	stuckNow := make(map[string]struct{}, len(running))
	for _, job := range running {
		limit, ok := limits[string(job.Stage)]
		if !ok {
			continue
		}
		residency := now.Sub(job.UpdatedAt)
		if residency < limit {
			continue
		}

		metric := stuckJobMetricPrefix + job.ID
		stuckNow[metric] = struct{}{}

		active, err := m.alerts.ActiveByMetric(metric)
		if err != nil || active != nil {
			continue
		}
		if _, err := m.alerts.Raise(metric, SeverityCritical,
			residency.Seconds(), limit.Seconds(), job.UpdatedAt); err != nil {
			m.log.Errorw("Failed to raise stuck-job alert", "job_id", job.ID, "error", err)
			continue
		}
		m.log.Warnw("Job stuck in stage", "job_id", job.ID, "stage", job.Stage,
			"residency", residency, "limit", limit)
	}

	// Resolve stuck alerts for jobs that moved, finished, or were recovered
	active, err := m.alerts.Active()
	if err != nil {
		return
	}
	for _, alert := range active {
		if !strings.HasPrefix(alert.MetricName, stuckJobMetricPrefix) {
			continue
		}
		if _, still := stuckNow[alert.MetricName]; !still {
			if err := m.alerts.Resolve(alert.MetricName); err == nil {
				m.log.Infow("Stuck-job alert resolved", "metric", alert.MetricName)
			}
		}
	}
}

// Report assembles the current health snapshot.
func (m *Monitor) Report() (*Report, error) {
	depth, err := m.jobs.QueueDepth()
	if err != nil {
		return nil, err
	}
	active, err := m.alerts.Active()
	if err != nil {
		return nil, err
	}

	stageP95 := make(map[string]float64)
	for stage, p95 := range m.stageP95s() {
		stageP95[string(stage)] = p95.Seconds()
	}

	circuits := make([]guard.CircuitSnapshot, 0, len(m.breakers))
	healthy := true
	for _, b := range m.breakers {
		snap := b.Snapshot()
		if snap.State != guard.CircuitClosed {
			healthy = false
		}
		circuits = append(circuits, snap)
	}
	for _, alert := range active {
		if alert.Severity == SeverityCritical {
			healthy = false
		}
	}

	used, err := m.memPercent()
	if err != nil {
		used = 0
	}

	return &Report{
		Healthy:      healthy,
		FailureRate:  m.failureRate(),
		QueueDepth:   depth,
		StageP95:     stageP95,
		MemoryUsed:   used,
		Circuits:     circuits,
		ActiveAlerts: active,
		SampledAt:    m.now().UTC(),
	}, nil
}

func memoryUsedPercent() (float64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}
