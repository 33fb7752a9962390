// Package coordinator drives an ordered chain of providers for one operation:
// try each in priority order, classify failures, honor rate limits, and
// aggregate the reasons when everything fails.
package coordinator

import (
	"context"
	"errors"
	"log"
	"time"

	"chainledger/internal/sources"
)

const (
	// Bounded same-provider retries after a 429 before moving down the chain.
	maxRateLimitRetries = 2
	// Cap on honored Retry-After sleeps so one provider cannot stall a task.
	maxRetrySleep = 30 * time.Second
)

// Attempt is one (name, fn) entry in a failover chain. The fn runs the
// concrete operation against one provider.
type Attempt[T any] struct {
	Name string
	Fn   func(ctx context.Context) (T, error)
}

// Coordinator shares provider health state across all operation chains.
type Coordinator struct {
	health *sources.Health

	// OnMissingAPIKey is invoked (if set) when a provider reports a missing
	// key; the failure is recorded but the chain continues.
	OnMissingAPIKey func(service string)

	sleep func(ctx context.Context, d time.Duration) error
}

func New(health *sources.Health) *Coordinator {
	return &Coordinator{
		health: health,
		sleep:  ctxSleep,
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute runs the attempts in order. The first success short-circuits the
// chain. Network/BadResponse/Unsupported failures are collected and the next
// provider is tried; RateLimited sleeps per retry_after and retries the same
// provider a bounded number of times before moving on. If every provider
// fails the returned error is a *sources.RemoteError listing each reason.
func Execute[T any](ctx context.Context, c *Coordinator, attempts []Attempt[T]) (T, error) {
	var zero T
	var failures []sources.ProviderFailure

	for _, attempt := range attempts {
		if c.health != nil && !c.health.Allow(attempt.Name) {
			failures = append(failures, sources.ProviderFailure{
				Provider: attempt.Name,
				Reason:   "skipped: rate limited recently",
			})
			continue
		}

		result, err := runWithRetries(ctx, c, attempt)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		var missing *sources.MissingAPIKeyError
		if errors.As(err, &missing) && c.OnMissingAPIKey != nil {
			c.OnMissingAPIKey(missing.Service)
		}

		log.Printf("[coordinator] provider %s failed: %v", attempt.Name, err)
		failures = append(failures, sources.ProviderFailure{
			Provider: attempt.Name,
			Reason:   err.Error(),
		})
	}

	return zero, &sources.RemoteError{Failures: failures}
}

func runWithRetries[T any](ctx context.Context, c *Coordinator, attempt Attempt[T]) (T, error) {
	var zero T
	var lastErr error

	for try := 0; try <= maxRateLimitRetries; try++ {
		result, err := attempt.Fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var rl *sources.RateLimitedError
		if !errors.As(err, &rl) {
			return zero, err
		}

		if c.health != nil {
			c.health.RecordRateLimit(attempt.Name)
			if c.health.Quarantined(attempt.Name) {
				return zero, err
			}
		}
		if try == maxRateLimitRetries {
			break
		}

		wait := time.Duration(rl.RetryAfterSecs) * time.Second
		if wait <= 0 {
			wait = time.Second
		}
		if wait > maxRetrySleep {
			wait = maxRetrySleep
		}
		if err := c.sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}
