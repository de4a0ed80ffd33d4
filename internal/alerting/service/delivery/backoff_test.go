package delivery

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	base, max := 5*time.Second, 10*time.Minute
	tests := []struct {
		attempt int
		rnd     float64
		want    time.Duration
	}{
		{1, 0.5, 5 * time.Second},
		{2, 0.5, 10 * time.Second},
		{3, 0.5, 20 * time.Second},
		{0, 0.5, 5 * time.Second},
		{20, 0.5, 10 * time.Minute},
		{1, 0, 4 * time.Second},
		{1, 1, 6 * time.Second},
		{20, 1, 12 * time.Minute},
	}
	for _, tt := range tests {
		got := Backoff(tt.attempt, base, max, 0.2, func() float64 { return tt.rnd })
		if got != tt.want {
			t.Fatalf("Backoff(%d, rnd=%v) = %v, want %v", tt.attempt, tt.rnd, got, tt.want)
		}
	}
}

func TestBackoff_JitterSpreads(t *testing.T) {
	seen := map[time.Duration]bool{}
	for i := 0; i < 50; i++ {
		d := Backoff(3, 5*time.Second, time.Minute, 0.2, nil)
		if d < 16*time.Second || d > 24*time.Second {
			t.Fatalf("jittered backoff out of range: %v", d)
		}
		seen[d] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected jitter to vary delays, got %v", seen)
	}
}
