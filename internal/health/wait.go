package health

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

var (
	// ErrTimeout means the service never passed a check within the policy's bounds.
	ErrTimeout = errors.New("health check timed out")
	// ErrProcessExited means the owning process died while being probed.
	ErrProcessExited = errors.New("process exited before becoming healthy")
)

// RetryPolicy bounds a polling loop.
type RetryPolicy struct {
	Interval    time.Duration
	MaxDuration time.Duration // 0 means no time bound
	MaxAttempts int           // 0 means no attempt bound
	// Jitter adds up to Jitter*Interval of random delay to each wait.
	Jitter float64
}

// Delay returns the wait before the given attempt (1-based). The first
// attempt runs immediately.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.Interval
	if p.Jitter > 0 && d > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// exhausted reports whether another attempt would exceed the policy.
func (p RetryPolicy) exhausted(attempt int, elapsed time.Duration) bool {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return true
	}
	return p.MaxDuration > 0 && elapsed >= p.MaxDuration
}

// WaitUntilHealthy polls cfg until a check passes, the exited channel closes,
// the policy is exhausted or ctx is cancelled. The last result is always
// returned so callers can report why the service never became ready.
func WaitUntilHealthy(ctx context.Context, cfg Config, policy RetryPolicy, exited <-chan struct{}) (Result, error) {
	start := time.Now()
	if policy.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.MaxDuration)
		defer cancel()
	}

	last := Result{Status: StatusUnknown, Message: "no check completed"}
	for attempt := 1; ; attempt++ {
		if policy.exhausted(attempt, time.Since(start)) {
			return last, fmt.Errorf("%w after %d attempts: %s", ErrTimeout, attempt-1, last.Message)
		}

		if d := policy.Delay(attempt); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-exited:
				timer.Stop()
				return last, ErrProcessExited
			case <-ctx.Done():
				timer.Stop()
				return last, waitErr(ctx, last)
			}
		}

		// A dead process cannot be healthy even if something else answers.
		select {
		case <-exited:
			return last, ErrProcessExited
		default:
		}

		// Do not let a slow check overrun the overall deadline.
		last = Check(ctx, cfg)
		if last.Healthy() {
			return last, nil
		}
		if ctx.Err() != nil {
			return last, waitErr(ctx, last)
		}
	}
}

func waitErr(ctx context.Context, last Result) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, last.Message)
	}
	return ctx.Err()
}
