package mermaidetl

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultMaxRetryDelay = 30 * time.Second

// RetryPolicy bounds how often transient failures are retried. It is shared
// by the API client (page fetches) and the bulk loader (batch writes).
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first one.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor applied to each delay, in [0, 1].
	Jitter float64
}

// DefaultRetryPolicy is used when a Config leaves the retry section empty.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    defaultMaxRetryDelay,
	Jitter:      0.5,
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval || b.MaxInterval == 0 {
		b.MaxInterval = max(b.InitialInterval, defaultMaxRetryDelay)
	}
	b.RandomizationFactor = min(max(p.Jitter, 0), 1)
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.attempts()-1)), ctx)
}

// Do runs op until it succeeds, returns an error wrapped with permanent, or
// the attempt budget runs out. It returns the number of attempts made and the
// last error. notify, when non-nil, is called before every retry.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error, notify func(err error, wait time.Duration)) (int, error) {
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return op(ctx)
	}, p.backOff(ctx), notify)

	return attempts, err
}

// permanent stops a RetryPolicy.Do loop and makes Do return err as is.
func permanent(err error) error {
	return backoff.Permanent(err)
}
