package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func fastRetrier() Retrier {
	return Retrier{Name: "test send", MaxRetries: 3, BaseDelay: time.Millisecond}
}

func TestRetrier_SucceedsAfterTransientErrors(t *testing.T) {
	t.Parallel()

	var attempts []int
	err := fastRetrier().Do(context.Background(), func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return errors.New("try again")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempts) != 3 || attempts[2] != 2 {
		t.Errorf("attempts: got %v, want [0 1 2]", attempts)
	}
}

func TestRetrier_Exhausted(t *testing.T) {
	t.Parallel()

	calls := 0
	cause := errors.New("service unavailable")
	err := fastRetrier().Do(context.Background(), func(int) error {
		calls++
		return cause
	})
	if calls != 4 {
		t.Errorf("calls: got %d, want 4", calls)
	}
	if !errors.Is(err, cause) {
		t.Errorf("error should wrap the last failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "test send failed after 3 retries") {
		t.Errorf("error message: got %q", err.Error())
	}
}

func TestRetrier_PermanentStops(t *testing.T) {
	t.Parallel()

	calls := 0
	cause := errors.New("mailbox unavailable")
	err := fastRetrier().Do(context.Background(), func(int) error {
		calls++
		return Permanent(cause)
	})
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
	if err != cause {
		t.Errorf("got %v, want the unwrapped cause", err)
	}
}

func TestRetrier_RetryAfterOverridesBackoff(t *testing.T) {
	t.Parallel()

	r := Retrier{Name: "slow", MaxRetries: 1, BaseDelay: time.Hour}
	start := time.Now()
	calls := 0
	err := r.Do(context.Background(), func(int) error {
		calls++
		if calls == 1 {
			return RetryAfter(errors.New("refresh"), 0)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("RetryAfter(0) should retry immediately, took %v", elapsed)
	}
}

func TestRetrier_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retrier{Name: "x", MaxRetries: 3, BaseDelay: time.Hour}.Do(ctx, func(int) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestRetrier_ZeroValueNeverRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	_ = Retrier{}.Do(context.Background(), func(int) error {
		calls++
		return errors.New("boom")
	})
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(DefaultBaseDelay, tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d): got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSleep(t *testing.T) {
	t.Parallel()

	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep on cancelled context: got %v", err)
	}
}
