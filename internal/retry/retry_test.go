package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func withoutSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var waits []time.Duration
	original := sleep
	sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	t.Cleanup(func() { sleep = original })
	return &waits
}

func TestExponentialDelay(t *testing.T) {
	policy := Exponential{Base: time.Minute, MaxRetries: 3}
	if policy.Attempts() != 4 {
		t.Fatalf("expected 4 attempts, got %d", policy.Attempts())
	}
	expected := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}
	for attempt, want := range expected {
		if got := policy.Delay(attempt); got != want {
			t.Errorf("attempt %d: expected %s got %s", attempt, want, got)
		}
	}

	capped := Exponential{Base: time.Second, MaxRetries: 10, Cap: 5 * time.Second}
	if got := capped.Delay(8); got != 5*time.Second {
		t.Fatalf("expected capped delay, got %s", got)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	waits := withoutSleep(t)
	calls := 0
	err := Do(context.Background(), Fixed{MaxAttempts: 3, Interval: 2 * time.Second}, nil, func(int) error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(*waits) != 2 || (*waits)[0] != 2*time.Second {
		t.Fatalf("unexpected waits %v", *waits)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	withoutSleep(t)
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), Fixed{MaxAttempts: 5}, func(err error) bool { return !errors.Is(err, permanent) }, func(int) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestDoNotifyReportsRetries(t *testing.T) {
	withoutSleep(t)
	var notified []int
	err := DoNotify(context.Background(), Exponential{Base: time.Second, MaxRetries: 2}, nil,
		func(attempt int, _ error, _ time.Duration) { notified = append(notified, attempt) },
		func(int) error { return errors.New("always") })
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if len(notified) != 2 {
		t.Fatalf("expected 2 notifications, got %v", notified)
	}
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Fixed{MaxAttempts: 3}, nil, func(int) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
