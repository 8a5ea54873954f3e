// Package monitor samples pipeline health, evaluates thresholds, and raises
// durable alerts.
package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/graphloom/loom/ingest"
)

const (
	latencyRingSize = 256
	outcomeRingSize = 100
)

// latencyRing keeps the most recent stage durations for percentile queries.
type latencyRing struct {
	samples []time.Duration
	next    int
	full    bool
}

func newLatencyRing() *latencyRing {
	return &latencyRing{samples: make([]time.Duration, latencyRingSize)}
}

func (r *latencyRing) add(d time.Duration) {
	r.samples[r.next] = d
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
}

func (r *latencyRing) p95() time.Duration {
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, r.samples[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// outcomeRing tracks the rolling success/failure mix of finished jobs.
type outcomeRing struct {
	outcomes []bool
	next     int
	full     bool
}

func newOutcomeRing() *outcomeRing {
	return &outcomeRing{outcomes: make([]bool, outcomeRingSize)}
}

func (r *outcomeRing) add(succeeded bool) {
	r.outcomes[r.next] = succeeded
	r.next = (r.next + 1) % len(r.outcomes)
	if r.next == 0 {
		r.full = true
	}
}

func (r *outcomeRing) failureRate() float64 {
	n := r.next
	if r.full {
		n = len(r.outcomes)
	}
	if n == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < n; i++ {
		if !r.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(n)
}

// recorder collects pipeline observations. It satisfies ingest.Metrics.
type recorder struct {
	mu        sync.Mutex
	latencies map[ingest.Stage]*latencyRing
	outcomes  *outcomeRing
}

func newRecorder() *recorder {
	return &recorder{
		latencies: make(map[ingest.Stage]*latencyRing),
		outcomes:  newOutcomeRing(),
	}
}

func (r *recorder) RecordStageLatency(stage ingest.Stage, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring, ok := r.latencies[stage]
	if !ok {
		ring = newLatencyRing()
		r.latencies[stage] = ring
	}
	ring.add(d)
}

func (r *recorder) RecordOutcome(succeeded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes.add(succeeded)
}

// stageP95s returns the current p95 latency per observed stage.
func (r *recorder) stageP95s() map[ingest.Stage]time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[ingest.Stage]time.Duration, len(r.latencies))
	for stage, ring := range r.latencies {
		out[stage] = ring.p95()
	}
	return out
}

func (r *recorder) failureRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes.failureRate()
}
