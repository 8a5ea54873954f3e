// Package guard wraps calls to external dependencies with bounded retry and
// per-dependency circuit breaking.
//
// Failure classes drive the policy: Transient failures retry with exponential
// backoff until the attempt budget is exhausted, Permanent failures return
// immediately, Resource and Systemic conditions propagate to the health
// monitor and recovery engine instead of being retried here.
package guard

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/graphloom/loom/errors"
	"github.com/graphloom/loom/faults"
)

// Guard composes a retry policy and a circuit breaker for one dependency.
type Guard struct {
	dep     string
	policy  RetryPolicy
	breaker *Breaker
	log     *zap.SugaredLogger

	// OnRetry, when set, is called before each backoff sleep so the caller
	// can surface the retry (progress events, status flips).
	OnRetry func(attempt int, delay time.Duration, err error)

	sleep func(context.Context, time.Duration) error // Injectable for tests
}

// New creates a Guard for the named dependency.
func New(dep string, policy RetryPolicy, breakerCfg BreakerConfig, log *zap.SugaredLogger) *Guard {
	return NewWithBreaker(dep, policy, NewBreaker(dep, breakerCfg, log), log)
}

// NewWithBreaker creates a Guard around an existing circuit. The circuit is
// per dependency and outlives any one caller, so workers build short-lived
// Guards that all feed the same failure streak.
func NewWithBreaker(dep string, policy RetryPolicy, breaker *Breaker, log *zap.SugaredLogger) *Guard {
	return &Guard{
		dep:     dep,
		policy:  policy,
		breaker: breaker,
		log:     log.Named("guard").With("dependency", dep),
		sleep:   sleepCtx,
	}
}

// Breaker exposes the dependency's circuit for observers and the recovery
// engine. Callers must not mutate state except through Reset.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Do invokes fn under the retry and circuit policy.
//
// Transient failures are retried up to the policy's attempt budget; exhausting
// the budget converts the failure to Permanent so the caller routes the job to
// the dead letter store rather than retrying again at a higher level.
// Context cancellation aborts between attempts, never mid-call.
func (g *Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= g.policy.MaxAttempts; attempt++ {
		if err := g.breaker.Allow(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			g.breaker.OnSuccess()
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return err
		}

		switch faults.ClassOf(err) {
		case faults.Transient:
			g.breaker.OnFailure()
			lastErr = err
			if attempt == g.policy.MaxAttempts {
				break
			}
			delay := g.policy.Delay(attempt)
			g.log.Infow("Transient failure, backing off",
				"attempt", attempt,
				"max_attempts", g.policy.MaxAttempts,
				"delay", delay,
				"error", err)
			if g.OnRetry != nil {
				g.OnRetry(attempt, delay, err)
			}
			if serr := g.sleep(ctx, delay); serr != nil {
				return serr
			}
		case faults.Permanent, faults.Resource, faults.Systemic:
			// Not retryable here: permanent routes to dead letter,
			// resource/systemic propagate to monitor and recovery.
			return err
		}
	}

	exhausted := errors.Wrapf(lastErr, "retries exhausted after %d attempts", g.policy.MaxAttempts)
	g.log.Warnw("Retry budget exhausted",
		"max_attempts", g.policy.MaxAttempts,
		"error", lastErr)
	return faults.Mark(faults.Permanent, g.dep, exhausted)
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
