// Package storelock provides the process-wide write-serialization lock.
// Multi-statement write sequences against the store acquire it first; reads
// are never gated. A single coarse lock trades throughput for predictability,
// which is acceptable at this write volume.
package storelock

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrLockTimeout is returned when acquisition exceeds its bounded timeout.
// The failing unit of work must be abandoned, never run unlocked.
var ErrLockTimeout = errors.New("storelock: acquisition timed out")

type Lock struct {
	sem     chan struct{}
	timeout time.Duration
}

func New(timeout time.Duration) *Lock {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Lock{
		sem:     make(chan struct{}, 1),
		timeout: timeout,
	}
}

// Acquire blocks for at most the configured timeout. On success the returned
// release func must be called exactly once. On failure the lock is not held.
func (l *Lock) Acquire(ctx context.Context) (func(), error) {
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()
	select {
	case l.sem <- struct{}{}:
		return func() { <-l.sem }, nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Backoff is the retry policy for contended acquisitions: fibonacci growth
// from 50ms, capped per attempt, at most four retries. Pure and testable
// independently of any I/O.
func Backoff() retry.Backoff {
	return retry.WithMaxRetries(4, retry.WithCappedDuration(500*time.Millisecond, retry.NewFibonacci(50*time.Millisecond)))
}

// AcquireWithRetry retries timed-out acquisitions per Backoff before
// surfacing ErrLockTimeout for this unit of work.
func (l *Lock) AcquireWithRetry(ctx context.Context) (func(), error) {
	var release func()
	err := retry.Do(ctx, Backoff(), func(ctx context.Context) error {
		r, err := l.Acquire(ctx)
		if err != nil {
			if errors.Is(err, ErrLockTimeout) {
				return retry.RetryableError(err)
			}
			return err
		}
		release = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return release, nil
}
