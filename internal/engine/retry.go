package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"roadwatch-sync-server/internal/domain"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy retries a record write with exponential backoff.
type RetryPolicy struct {
	Attempts   int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:   3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	if b.Multiplier <= 0 {
		b.Multiplier = 2.0
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.RandomizationFactor = 0
	if p.Jitter {
		b.RandomizationFactor = 0.1
	}
	// attempts bound the loop, not wall time
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do runs fn until it succeeds, the attempts are exhausted or ctx is done.
// The last error is returned wrapped in domain.ErrRecordWriteFailed.
// domain.ErrRecordNotFound is not retried.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var last error
	err := backoff.Retry(func() error {
		last = fn(ctx)
		if errors.Is(last, domain.ErrRecordNotFound) {
			return backoff.Permanent(last)
		}
		return last
	}, p.backOff(ctx))
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(last, ctxErr) {
		return errors.Join(domain.ErrRecordWriteFailed, last, ctxErr)
	}
	return errors.Join(domain.ErrRecordWriteFailed, last)
}
