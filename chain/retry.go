package chain

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultRetryInitialInterval is the first delay between attempts.
	DefaultRetryInitialInterval = 500 * time.Millisecond

	// DefaultRetryMaxInterval caps the delay between attempts.
	DefaultRetryMaxInterval = 15 * time.Second

	// DefaultRetryMaxAttempts is the number of retries after the first
	// attempt.
	DefaultRetryMaxAttempts = 5
)

// RetryConfig controls the exponential backoff applied to transient indexer
// failures.
type RetryConfig struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration

	// MaxAttempts is the number of retries after the first attempt. Zero
	// disables retrying.
	MaxAttempts uint64
}

// DefaultRetryConfig returns the retry policy used by the wallet.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: DefaultRetryInitialInterval,
		MaxInterval:     DefaultRetryMaxInterval,
		MaxAttempts:     DefaultRetryMaxAttempts,
	}
}

// newBackOff builds the backoff policy for a single call.
func (c RetryConfig) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval

	// The attempt budget bounds the retries, not the wall clock.
	b.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(b, c.MaxAttempts), ctx)
}

// Retry runs op until it succeeds, returns a non-transient error, the retry
// budget is exhausted or ctx is done. Only errors for which IsTransient
// returns true are retried. The last error is returned unchanged.
func Retry[T any](ctx context.Context, cfg RetryConfig, name string,
	op func(context.Context) (T, error)) (T, error) {

	var result T
	attempt := 0

	operation := func() error {
		attempt++

		res, err := op(ctx)
		switch {
		case err == nil:
			result = res
			return nil

		case IsTransient(err):
			return err

		default:
			return backoff.Permanent(err)
		}
	}

	notify := func(err error, wait time.Duration) {
		log.Debugf("Indexer call %s failed (attempt %d), retrying in "+
			"%v: %v", name, attempt, wait, err)
	}

	err := backoff.RetryNotify(operation, cfg.newBackOff(ctx), notify)
	if err != nil {
		var zero T
		return zero, err
	}

	return result, nil
}
