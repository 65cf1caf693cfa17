package service

import (
	"context"
	"testing"
	"time"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond}

	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 10 * time.Millisecond, 15 * time.Millisecond},
		{2, 20 * time.Millisecond, 30 * time.Millisecond},
		{3, 40 * time.Millisecond, 60 * time.Millisecond},
		{10, 40 * time.Millisecond, 60 * time.Millisecond},
	}

	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := p.backoff(tt.attempt)
			if d < tt.min || d >= tt.max {
				t.Fatalf("backoff(%d) = %v, want in [%v, %v)", tt.attempt, d, tt.min, tt.max)
			}
		}
	}
}

func TestRetryPolicy_ZeroBackoff(t *testing.T) {
	if d := (RetryPolicy{}).backoff(3); d != 0 {
		t.Errorf("expected no backoff, got %v", d)
	}
}

func TestRetryPolicy_Attempts(t *testing.T) {
	if n := (RetryPolicy{}).attempts(); n != 1 {
		t.Errorf("expected at least one attempt, got %d", n)
	}
	if n := DefaultRetryPolicy().attempts(); n != 8 {
		t.Errorf("expected 8 attempts, got %d", n)
	}
}

func TestSleepContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := sleepContext(ctx, time.Minute); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleep was not interrupted")
	}
}
