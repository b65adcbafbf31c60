package acquisition

import (
	"context"
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Max: 30 * time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 30 * time.Second},
		{50, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	low := Backoff{Base: 10 * time.Second, Max: time.Minute, Multiplier: 1, Jitter: 0.2, Rand: func() float64 { return 0 }}
	high := low
	high.Rand = func() float64 { return 0.999999 }

	if got := low.Delay(1); got != 8*time.Second {
		t.Errorf("low jitter delay = %v, want 8s", got)
	}
	if got := high.Delay(1); got < 11*time.Second || got > 12*time.Second {
		t.Errorf("high jitter delay = %v, want within (11s, 12s]", got)
	}
}

func TestBackoff_JitterNeverExceedsMax(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 4 * time.Second, Multiplier: 2, Jitter: 0.5, Rand: func() float64 { return 0.99 }}
	for attempt := 1; attempt <= 10; attempt++ {
		if got := b.Delay(attempt); got > b.Max {
			t.Fatalf("Delay(%d) = %v exceeds max %v", attempt, got, b.Max)
		}
	}
}

func TestRealClock_SleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := RealClock{}.Sleep(ctx, time.Hour)
	if err == nil {
		t.Fatal("Expected context error from cancelled sleep")
	}
	if time.Since(start) > time.Second {
		t.Errorf("Sleep did not return promptly after cancellation")
	}
}
