// Package retry runs an operation a bounded number of times with exponential
// backoff between attempts.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retried operation. Retries counts the extra attempts after
// the first; Interval is the first backoff step.
type Policy struct {
	Retries  int
	Interval time.Duration
}

const (
	DefaultRetries  = 3
	DefaultInterval = 200 * time.Millisecond
	maxInterval     = 5 * time.Second
)

// params clamps negative retries to none and a non-positive interval to
// DefaultInterval.
func (p Policy) params() (uint64, time.Duration) {
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return uint64(retries), interval
}

// Do runs op until it succeeds, returns a Permanent error, the policy is
// exhausted or ctx is done. onRetry, when non-nil, observes every failed
// attempt that will be retried.
func Do(ctx context.Context, p Policy, op func() error, onRetry func(err error, wait time.Duration)) error {
	retries, interval := p.params()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = interval
	eb.MaxInterval = maxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, retries), ctx)
	if onRetry == nil {
		return backoff.Retry(op, b)
	}
	return backoff.RetryNotify(op, b, onRetry)
}

// Permanent wraps err so Do stops immediately and returns err.
func Permanent(err error) error { return backoff.Permanent(err) }
