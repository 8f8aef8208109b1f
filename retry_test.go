package bridgekeeper

import (
	"context"
	"errors"
	"testing"
	"time"
)

// --- Retry loop tests ---

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, attempts, err := Retry(context.Background(), RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}, "op", nil,
		func(context.Context) (int, error) {
			calls++
			return 0, Errf(CodeValidationFailed, "bad input")
		})
	if calls != 1 || attempts != 1 {
		t.Errorf("permanent error retried: calls=%d attempts=%d", calls, attempts)
	}
	if codeOf(err) != CodeValidationFailed {
		t.Errorf("err = %v", err)
	}
}

func TestRetryRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	got, attempts, err := Retry(context.Background(), RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}, "op", nil,
		func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", Errf(CodeTimeout, "slow").Transient(0)
			}
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || attempts != 3 {
		t.Errorf("got=%q attempts=%d", got, attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	_, attempts, err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, "op", nil,
		func(context.Context) (int, error) {
			calls++
			return 0, Errf(CodeConnection, "refused").Transient(0)
		})
	if calls != 3 || attempts != 3 {
		t.Errorf("calls=%d attempts=%d, want 3", calls, attempts)
	}
	if err == nil {
		t.Fatal("exhausted retries should return the last error")
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan struct{})
	var err error
	go func() {
		_, _, err = Retry(ctx, RetryPolicy{MaxAttempts: 10, BaseDelay: time.Hour}, "op", nil,
			func(context.Context) (int, error) {
				calls++
				return 0, Errf(CodeTimeout, "slow").Transient(0)
			})
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not stop on cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d during hour-long backoff, want 1", calls)
	}
}

// --- Backoff shape tests ---

func TestDelayGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}
	d0 := p.Delay(0, nil)
	if d0 < 100*time.Millisecond || d0 > 300*time.Millisecond {
		t.Errorf("delay(0) = %v outside [base, cap]", d0)
	}
	for i := 0; i < 10; i++ {
		if d := p.Delay(5, nil); d > 300*time.Millisecond {
			t.Fatalf("delay(5) = %v exceeds cap", d)
		}
	}
}

func TestDelayFloorsAtRetryAfter(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 2}
	err := Errf(CodeRateLimited, "429").Transient(5 * time.Second)
	if d := p.Delay(0, err); d < 5*time.Second {
		t.Errorf("delay = %v, server asked for 5s", d)
	}
}
