package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/graphloom/loom/errors"
	"github.com/graphloom/loom/extract"
	"github.com/graphloom/loom/faults"
	"github.com/graphloom/loom/graphstore"
	"github.com/graphloom/loom/guard"
	"github.com/graphloom/loom/progress"
)

// MaxOrphanedJobsToRecover caps startup recovery so a crash backlog cannot
// flood the queue all at once.
const MaxOrphanedJobsToRecover = 1000

// preflightTimeout bounds each dependency probe before a job is allowed to
// run.
const preflightTimeout = 10 * time.Second

// Metrics receives pipeline observations. Implemented by the health monitor;
// nil disables recording.
type Metrics interface {
	RecordStageLatency(stage Stage, d time.Duration)
	RecordOutcome(succeeded bool)
}

// Config controls pipeline behavior.
type Config struct {
	Workers             int
	PollInterval        time.Duration
	StageTimeout        func(stage string) time.Duration
	MaxJobRequeues      int // resource/systemic requeues before dead letter
	MaxCommitBatch      int // mutations per commit; oversized documents fail
	Retention           time.Duration
	MaxRecoveredOnStart int
	ShutdownGrace       time.Duration
	RetryPolicy         guard.RetryPolicy
	BreakerConfig       guard.BreakerConfig
}

// Pipeline owns the worker pool that moves jobs from queued to a committed
// graph batch. One worker drives a job end to end.
type Pipeline struct {
	queue       *Queue
	deadLetters *DeadLetterStore
	extractor   extract.Extractor
	graph       graphstore.Store
	broadcaster *progress.Broadcaster
	metrics     Metrics

	extractBreaker *guard.Breaker
	graphBreaker   *guard.Breaker

	cfg       Config
	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	log       *zap.SugaredLogger

	mu          sync.Mutex
	workerQuits []chan struct{}
}

// NewPipeline wires the pipeline together. metrics may be nil.
func NewPipeline(ctx context.Context, db *sql.DB, extractor extract.Extractor,
	graph graphstore.Store, broadcaster *progress.Broadcaster, metrics Metrics,
	cfg Config, log *zap.SugaredLogger) *Pipeline {

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxJobRequeues < 1 {
		cfg.MaxJobRequeues = 3
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	workerCtx, cancel := context.WithCancel(ctx)
	plog := log.Named("pipeline")

	return &Pipeline{
		queue:          NewQueue(db),
		deadLetters:    NewDeadLetterStore(db),
		extractor:      extractor,
		graph:          graph,
		broadcaster:    broadcaster,
		metrics:        metrics,
		extractBreaker: guard.NewBreaker("extraction", cfg.BreakerConfig, plog),
		graphBreaker:   guard.NewBreaker("graph", cfg.BreakerConfig, plog),
		cfg:            cfg,
		parentCtx:      ctx,
		ctx:            workerCtx,
		cancel:         cancel,
		log:            plog,
	}
}

// Queue exposes the job queue for the API layer.
func (p *Pipeline) Queue() *Queue { return p.queue }

// DeadLetters exposes the dead letter store for the API layer.
func (p *Pipeline) DeadLetters() *DeadLetterStore { return p.deadLetters }

// ExtractBreaker exposes the extraction circuit for observers.
func (p *Pipeline) ExtractBreaker() *guard.Breaker { return p.extractBreaker }

// GraphBreaker exposes the graph store circuit for observers.
func (p *Pipeline) GraphBreaker() *guard.Breaker { return p.graphBreaker }

// SetMetrics installs the metrics sink. The monitor needs the pipeline's
// circuits to exist before it can be built, so the sink arrives after
// construction. Must be called before Start.
func (p *Pipeline) SetMetrics(m Metrics) {
	p.metrics = m
}

// Start recovers orphaned jobs and launches the worker pool and the retention
// janitor.
func (p *Pipeline) Start() {
	p.mu.Lock()
	select {
	case <-p.ctx.Done():
		p.ctx, p.cancel = context.WithCancel(p.parentCtx)
	default:
	}
	p.mu.Unlock()

	if err := p.recoverOrphanedJobs(); err != nil {
		p.log.Warnw("Failed to recover orphaned jobs", "error", err)
	}

	if warning := p.checkMemoryPressure(); warning != "" {
		p.log.Warnw("Memory pressure warning", "warning", warning, "workers", p.cfg.Workers)
	}

	p.SetWorkers(p.cfg.Workers)

	p.wg.Add(1)
	go p.janitor()

	p.log.Infow("Pipeline started", "workers", p.Workers())
}

// Stop cancels workers and waits for in-flight jobs to reach a stage boundary.
func (p *Pipeline) Stop() {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Infow("Pipeline stopped, all workers exited cleanly")
	case <-time.After(p.cfg.ShutdownGrace):
		p.log.Warnw("Pipeline stop timed out, workers may still be finishing",
			"timeout", p.cfg.ShutdownGrace)
	}
}

// Submit queues a new job for a document reference.
func (p *Pipeline) Submit(sourceRef string) (*Job, error) {
	if sourceRef == "" {
		return nil, errors.New("source_ref cannot be empty")
	}

	job := NewJob(sourceRef)
	if err := p.queue.Enqueue(job); err != nil {
		return nil, err
	}

	p.publish(job, "queued")
	p.log.Infow("Job submitted", "job_id", job.ID, "source_ref", sourceRef)
	return job, nil
}

// Reprocess creates a fresh job for a dead letter's document and links it
// back. The dead letter row itself never changes state.
func (p *Pipeline) Reprocess(deadLetterID string) (*Job, error) {
	dl, err := p.deadLetters.Get(deadLetterID)
	if err != nil {
		return nil, err
	}

	job := NewJob(dl.SourceRef)
	if err := p.deadLetters.MarkReprocessed(deadLetterID, job.ID); err != nil {
		return nil, err
	}
	if err := p.queue.Enqueue(job); err != nil {
		return nil, errors.Wrapf(err, "dead letter %s marked but replacement not queued", deadLetterID)
	}

	p.publish(job, "reprocessing "+deadLetterID)
	p.log.Infow("Dead letter reprocessed", "dead_letter_id", deadLetterID, "new_job_id", job.ID)
	return job, nil
}

// RequeueJob forces a running job back to the queue. Used by the recovery
// engine when a job is stuck in a stage.
func (p *Pipeline) RequeueJob(jobID string) error {
	job, err := p.queue.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return errors.Newf("job %s already %s", jobID, job.Status)
	}

	job.Status = StatusRetrying
	job.StagedMutations = nil
	if err := p.queue.Update(job); err != nil {
		return err
	}
	p.publish(job, "requeued by recovery")
	p.log.Infow("Job requeued by recovery", "job_id", jobID, "stage", job.Stage)
	return nil
}

// ResetCircuit closes the named dependency's breaker.
func (p *Pipeline) ResetCircuit(dependency string) error {
	switch dependency {
	case p.extractBreaker.Dependency():
		p.extractBreaker.Reset()
	case p.graphBreaker.Dependency():
		p.graphBreaker.Reset()
	default:
		return errors.Newf("unknown dependency %q", dependency)
	}
	p.log.Infow("Circuit reset by recovery", "dependency", dependency)
	return nil
}

// ShedQueue dead-letters the oldest waiting jobs to relieve pressure. Returns
// how many were shed.
func (p *Pipeline) ShedQueue(max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}

	shed := 0
	for shed < max {
		job, err := p.queue.Claim()
		if err != nil {
			return shed, err
		}
		if job == nil {
			break
		}
		job.RecordFailure(faults.Markf(faults.Resource, "queue", "shed under sustained resource pressure"))
		now := time.Now().UTC()
		job.Status = StatusDeadLetter
		job.CompletedAt = &now
		if err := p.queue.Update(job); err != nil {
			return shed, err
		}
		if _, err := p.deadLetters.Add(job); err != nil {
			return shed, err
		}
		p.publish(job, "shed from queue")
		shed++
	}
	if shed > 0 {
		p.log.Warnw("Queue shed under pressure", "count", shed)
	}
	return shed, nil
}

// Workers returns the current worker count.
func (p *Pipeline) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workerQuits)
}

// MaxCommitBatch returns the per-job mutation ceiling.
func (p *Pipeline) MaxCommitBatch() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxCommitBatch
}

// SetMaxCommitBatch adjusts the per-job mutation ceiling at runtime.
func (p *Pipeline) SetMaxCommitBatch(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.MaxCommitBatch = n
}

// SetWorkers grows or shrinks the pool at runtime. Shrinking lets the removed
// workers finish their current job first.
func (p *Pipeline) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.workerQuits) < n {
		quit := make(chan struct{})
		p.workerQuits = append(p.workerQuits, quit)
		p.wg.Add(1)
		go p.worker(len(p.workerQuits)-1, quit)
	}
	for len(p.workerQuits) > n {
		last := len(p.workerQuits) - 1
		close(p.workerQuits[last])
		p.workerQuits = p.workerQuits[:last]
	}
}

// recoverOrphanedJobs requeues jobs left running by an ungraceful shutdown.
func (p *Pipeline) recoverOrphanedJobs() error {
	limit := p.cfg.MaxRecoveredOnStart
	if limit <= 0 || limit > MaxOrphanedJobsToRecover {
		limit = MaxOrphanedJobsToRecover
	}

	orphans, err := p.queue.Store().ListRunning(limit)
	if err != nil {
		return errors.Wrap(err, "failed to list running jobs")
	}
	if len(orphans) == 0 {
		return nil
	}

	p.log.Infow("Recovering orphaned jobs from previous shutdown", "count", len(orphans))
	for _, job := range orphans {
		job.Status = StatusRetrying
		job.LastError = nil
		if err := p.queue.Update(job); err != nil {
			p.log.Warnw("Failed to requeue orphaned job", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// janitor deletes terminal jobs past the retention window.
// checkMemoryPressure compares the configured worker count against what the
// host's available memory can comfortably carry. Extraction responses are
// held in memory per worker, so oversized pools degrade before they fail.
func (p *Pipeline) checkMemoryPressure() string {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return "" // Can't check, assume OK
	}

	const memoryPerWorkerGB = 0.5
	const memoryBufferGB = 1.0

	availableGB := float64(vm.Available) / 1024 / 1024 / 1024
	totalGB := float64(vm.Total) / 1024 / 1024 / 1024

	recommended := 1
	if availableGB > memoryBufferGB {
		recommended = int((availableGB - memoryBufferGB) / memoryPerWorkerGB)
		if recommended < 1 {
			recommended = 1
		}
	}

	if p.cfg.Workers > recommended {
		return fmt.Sprintf(
			"worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB)",
			p.cfg.Workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}

func (p *Pipeline) janitor() {
	defer p.wg.Done()

	if p.cfg.Retention <= 0 {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.Store().CleanupOld(p.cfg.Retention)
			if err != nil {
				p.log.Warnw("Retention cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				p.log.Infow("Retention cleanup removed old jobs", "count", n)
			}
		}
	}
}

// worker polls for jobs until the pipeline stops or the pool shrinks past it.
func (p *Pipeline) worker(id int, quit chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	backoff := time.Second
	const maxConsecutiveErrors = 5
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-quit:
			return
		case <-ticker.C:
			if err := p.processNext(); err != nil {
				select {
				case <-p.ctx.Done():
					return
				default:
				}
				if errors.Is(err, sql.ErrConnDone) {
					return
				}
				errorCount++
				p.log.Errorw("Worker error", "worker_id", id, "error", err,
					"consecutive_errors", errorCount)
				if errorCount >= maxConsecutiveErrors {
					p.log.Warnw("Worker backing off after consecutive errors",
						"worker_id", id, "backoff", backoff)
					time.Sleep(backoff)
					backoff = min(backoff*2, maxBackoff)
				}
			} else {
				errorCount = 0
				backoff = time.Second
			}
		}
	}
}

// processNext claims and runs one job if any are waiting.
func (p *Pipeline) processNext() error {
	select {
	case <-p.ctx.Done():
		return nil
	default:
	}

	job, err := p.queue.Claim()
	if err != nil {
		return errors.Wrap(err, "failed to claim job")
	}
	if job == nil {
		return nil
	}

	p.run(job)
	return nil
}

// run drives a claimed job through every stage. Failures are routed here, so
// run itself never returns an error.
func (p *Pipeline) run(job *Job) {
	p.publish(job, "")

	// Preflight: refuse to start work while a dependency is down.
	if err := p.stage(job, StagePreflight, nil, func(ctx context.Context) error {
		return p.preflight(ctx)
	}); err != nil {
		p.fail(job, err)
		return
	}

	var result *extract.Result
	if err := p.stage(job, StageExtracting, p.extractBreaker, func(ctx context.Context) error {
		var eerr error
		result, eerr = p.extractor.Extract(ctx, job.SourceRef)
		return eerr
	}); err != nil {
		p.fail(job, err)
		return
	}

	var mutations *graphstore.Mutations
	if err := p.stage(job, StageNormalizing, nil, func(ctx context.Context) error {
		var nerr error
		mutations, nerr = Normalize(result, p.log)
		if nerr != nil {
			return nerr
		}
		if limit := p.MaxCommitBatch(); limit > 0 && mutations.Count() > limit {
			return faults.Markf(faults.Permanent, "normalize",
				"document produced %d mutations, limit is %d",
				mutations.Count(), limit)
		}
		return nil
	}); err != nil {
		p.fail(job, err)
		return
	}

	// Snapshot staged work before commit so a failure is diagnosable.
	job.StagedMutations = mutations
	if err := p.queue.Update(job); err != nil {
		p.log.Warnw("Failed to persist staged mutations", "job_id", job.ID, "error", err)
	}

	if err := p.stage(job, StageCommitting, p.graphBreaker, func(ctx context.Context) error {
		tx := graphstore.NewTx(p.graph)
		for _, n := range mutations.Nodes {
			tx.StageNode(n)
		}
		for _, e := range mutations.Edges {
			tx.StageEdge(e)
		}
		return tx.Commit(ctx)
	}); err != nil {
		p.fail(job, err)
		return
	}

	job.Succeed()
	if err := p.queue.Update(job); err != nil {
		p.log.Errorw("Failed to mark job succeeded", "job_id", job.ID, "error", err)
	}
	p.publish(job, "committed")
	if p.metrics != nil {
		p.metrics.RecordOutcome(true)
	}
	p.log.Infow("Job succeeded", "job_id", job.ID,
		"nodes", len(mutations.Nodes), "edges", len(mutations.Edges))
}

// stage runs fn under the stage timeout and, when a breaker is supplied, the
// dependency's retry and circuit policy.
func (p *Pipeline) stage(job *Job, stage Stage, breaker *guard.Breaker, fn func(context.Context) error) error {
	job.Enter(stage)
	job.Status = StatusRunning
	if err := p.queue.Update(job); err != nil {
		p.log.Warnw("Failed to persist stage transition", "job_id", job.ID, "error", err)
	}
	p.publish(job, "")

	ctx := p.ctx
	if p.cfg.StageTimeout != nil {
		if timeout := p.cfg.StageTimeout(string(stage)); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	started := time.Now()
	var err error
	if breaker != nil {
		g := guard.NewWithBreaker(breaker.Dependency(), p.cfg.RetryPolicy, breaker, p.log)
		g.OnRetry = func(attempt int, delay time.Duration, rerr error) {
			// The job stays `running` through in-stage backoff: `retrying`
			// rows are claimable, and this worker still owns the job. The
			// failure record and event tell pollers a retry is underway.
			job.RecordFailure(rerr)
			if uerr := p.queue.Update(job); uerr != nil {
				p.log.Warnw("Failed to persist retry state", "job_id", job.ID, "error", uerr)
			}
			p.publish(job, fmt.Sprintf("retrying after failure (attempt %d)", attempt))
		}
		err = g.Do(ctx, fn)
	} else {
		err = fn(ctx)
	}

	if p.metrics != nil {
		p.metrics.RecordStageLatency(stage, time.Since(started))
	}
	return err
}

// preflight probes both dependencies before any work is staged. A disconnected
// graph store must stop the job here, not at commit time.
func (p *Pipeline) preflight(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	if err := p.graph.HealthCheck(probeCtx); err != nil {
		return errors.Wrap(err, "graph store failed preflight")
	}
	if err := p.extractor.HealthCheck(probeCtx); err != nil {
		return errors.Wrap(err, "extraction service failed preflight")
	}
	return nil
}

// fail routes a stage failure by class: permanent goes to the dead letter
// store, everything else requeues until the requeue budget runs out.
func (p *Pipeline) fail(job *Job, err error) {
	if errors.Is(err, context.Canceled) {
		// Shutdown mid-job: leave it for orphan recovery on next start
		job.Status = StatusRetrying
		if uerr := p.queue.Update(job); uerr != nil {
			p.log.Warnw("Failed to park job for restart", "job_id", job.ID, "error", uerr)
		}
		return
	}

	job.RecordFailure(err)

	class := faults.ClassOf(err)
	requeues := job.Attempts[StagePreflight]

	if class != faults.Permanent && requeues <= p.cfg.MaxJobRequeues {
		job.Status = StatusRetrying
		job.StagedMutations = nil
		if uerr := p.queue.Update(job); uerr != nil {
			p.log.Errorw("Failed to requeue job", "job_id", job.ID, "error", uerr)
		}
		p.publish(job, "requeued after "+string(class)+" failure")
		p.log.Warnw("Job requeued", "job_id", job.ID, "stage", job.Stage,
			"class", class, "requeues", requeues, "error", err)
		return
	}

	now := time.Now().UTC()
	job.Status = StatusDeadLetter
	job.CompletedAt = &now
	if uerr := p.queue.Update(job); uerr != nil {
		p.log.Errorw("Failed to mark job dead-lettered", "job_id", job.ID, "error", uerr)
	}
	if _, dlerr := p.deadLetters.Add(job); dlerr != nil {
		p.log.Errorw("Failed to record dead letter", "job_id", job.ID, "error", dlerr)
	}
	p.publish(job, "moved to dead letter store")
	if p.metrics != nil {
		p.metrics.RecordOutcome(false)
	}
	p.log.Errorw("Job dead-lettered", "job_id", job.ID, "stage", job.Stage,
		"class", class, "error", err)
}

func (p *Pipeline) publish(job *Job, message string) {
	if p.broadcaster == nil {
		return
	}
	p.broadcaster.Publish(job.ID, string(job.Stage), string(job.Status),
		job.ProgressPercent, message, job.Status.IsTerminal())
}
