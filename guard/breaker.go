package guard

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/graphloom/loom/faults"
)

// CircuitState is the per-dependency breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerConfig controls when a dependency circuit opens and recovers.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive transient failures before opening
	Window           time.Duration `json:"window"`            // Failures further apart than this reset the streak
	CoolDown         time.Duration `json:"cool_down"`         // Open duration before a half-open trial
}

// DefaultBreakerConfig returns the standard breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           1 * time.Minute,
		CoolDown:         30 * time.Second,
	}
}

// CircuitSnapshot is a read-only view of breaker state for the health monitor
// and dashboards.
type CircuitSnapshot struct {
	Dependency          string       `json:"dependency"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailureAt       time.Time    `json:"last_failure_at,omitempty"`
	OpenUntil           time.Time    `json:"open_until,omitempty"`
}

// Breaker is a per-dependency circuit breaker. Only this type mutates circuit
// state; everything else observes it through Snapshot.
type Breaker struct {
	dep string
	cfg BreakerConfig
	log *zap.SugaredLogger

	mu            sync.Mutex
	state         CircuitState
	failures      int
	lastFailureAt time.Time
	openUntil     time.Time
	probing       bool // A half-open trial call is in flight

	now func() time.Time // Injectable clock for tests
}

// NewBreaker creates a closed breaker for the named dependency.
func NewBreaker(dep string, cfg BreakerConfig, log *zap.SugaredLogger) *Breaker {
	return &Breaker{
		dep:   dep,
		cfg:   cfg,
		log:   log.Named("breaker").With("dependency", dep),
		state: CircuitClosed,
		now:   time.Now,
	}
}

// Dependency returns the name of the dependency this circuit protects.
func (b *Breaker) Dependency() string { return b.dep }

// Allow reports whether a call to the dependency may proceed.
// When the circuit is open it returns a Systemic fault immediately, without
// touching the dependency. After the cool-down it admits exactly one trial
// call in half-open state.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if b.now().Before(b.openUntil) {
			return faults.Markf(faults.Systemic, b.dep,
				"circuit open until %s", b.openUntil.Format(time.RFC3339))
		}
		b.state = CircuitHalfOpen
		b.probing = true
		b.log.Infow("Circuit half-open, admitting trial call")
		return nil
	case CircuitHalfOpen:
		if b.probing {
			return faults.Markf(faults.Systemic, b.dep, "circuit half-open, trial call in flight")
		}
		b.probing = true
		return nil
	}
	return nil
}

// OnSuccess records a successful dependency call. A half-open success closes
// the circuit.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		b.log.Infow("Trial call succeeded, closing circuit")
	}
	b.state = CircuitClosed
	b.failures = 0
	b.probing = false
}

// OnFailure records a transient dependency failure. Failures outside the
// sliding window restart the streak; a half-open failure reopens immediately.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == CircuitHalfOpen {
		b.trip(now)
		b.log.Warnw("Trial call failed, reopening circuit", "cool_down", b.cfg.CoolDown)
		return
	}

	if !b.lastFailureAt.IsZero() && now.Sub(b.lastFailureAt) > b.cfg.Window {
		b.failures = 0
	}
	b.failures++
	b.lastFailureAt = now

	if b.state == CircuitClosed && b.failures >= b.cfg.FailureThreshold {
		b.trip(now)
		b.log.Warnw("Circuit opened",
			"consecutive_failures", b.failures,
			"cool_down", b.cfg.CoolDown)
	}
}

// trip moves the breaker to open. Caller holds b.mu.
func (b *Breaker) trip(now time.Time) {
	b.state = CircuitOpen
	b.openUntil = now.Add(b.cfg.CoolDown)
	b.lastFailureAt = now
	b.probing = false
}

// Reset forces the circuit closed. Used by the recovery engine's
// reset-circuit action.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != CircuitClosed {
		b.log.Infow("Circuit reset", "previous_state", b.state)
	}
	b.state = CircuitClosed
	b.failures = 0
	b.probing = false
	b.openUntil = time.Time{}
}

// Snapshot returns the current circuit state for observers.
func (b *Breaker) Snapshot() CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return CircuitSnapshot{
		Dependency:          b.dep,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailureAt:       b.lastFailureAt,
		OpenUntil:           b.openUntil,
	}
}
