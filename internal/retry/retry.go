package retry

import (
	"context"
	"time"
)

// Policy describes how many attempts an operation gets and how long to wait
// after each failed attempt.
type Policy interface {
	Attempts() int
	// Delay returns the wait after the given failed attempt, counted from zero.
	Delay(attempt int) time.Duration
}

// Fixed retries with a constant delay.
type Fixed struct {
	MaxAttempts int
	Interval    time.Duration
}

func (f Fixed) Attempts() int {
	if f.MaxAttempts < 1 {
		return 1
	}
	return f.MaxAttempts
}

func (f Fixed) Delay(int) time.Duration {
	return f.Interval
}

// Exponential doubles the delay after every failure, starting at Base.
// MaxRetries counts retries, so the operation runs at most MaxRetries+1 times.
type Exponential struct {
	Base       time.Duration
	MaxRetries int
	Cap        time.Duration
}

func (e Exponential) Attempts() int {
	if e.MaxRetries < 0 {
		return 1
	}
	return e.MaxRetries + 1
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := e.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if e.Cap > 0 && delay >= e.Cap {
			return e.Cap
		}
	}
	if e.Cap > 0 && delay > e.Cap {
		return e.Cap
	}
	return delay
}

// Notify is called before waiting for the next attempt.
type Notify func(attempt int, err error, delay time.Duration)

var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn until it succeeds, the policy is exhausted, or retryable rejects
// the error. A nil retryable treats every error as retryable.
func Do(ctx context.Context, policy Policy, retryable func(error) bool, fn func(attempt int) error) error {
	return DoNotify(ctx, policy, retryable, nil, fn)
}

// DoNotify behaves like Do and reports every scheduled retry to notify.
func DoNotify(ctx context.Context, policy Policy, retryable func(error) bool, notify Notify, fn func(attempt int) error) error {
	attempts := policy.Attempts()
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		err = fn(attempt)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		// no wait after the last attempt
		if attempt == attempts-1 {
			break
		}

		delay := policy.Delay(attempt)
		if notify != nil {
			notify(attempt, err, delay)
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
	return err
}
