package monitor

import (
	"testing"
	"time"
)

func TestAdaptInterval(t *testing.T) {
	minI := 30 * time.Second
	maxI := 10 * time.Minute
	cases := []struct {
		name      string
		cur       time.Duration
		unchanged int
		changed   bool
		want      time.Duration
	}{
		{"change resets to min", 5 * time.Minute, 0, true, minI},
		{"hot target stays at min", minI, 3, false, minI},
		{"cold target damps", time.Minute, 10, false, 90 * time.Second},
		{"damping compounds", 90 * time.Second, 11, false, 135 * time.Second},
		{"damping capped at max", 8 * time.Minute, 50, false, maxI},
		{"cold but below threshold", 2 * time.Minute, 9, false, minI},
		{"current below min lifts to min first", 10 * time.Second, 20, false, 45 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := adaptInterval(tc.cur, minI, maxI, 1.5, tc.unchanged, 10, tc.changed)
			if got != tc.want {
				t.Fatalf("adaptInterval = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAdaptIntervalDefaults(t *testing.T) {
	// Zero min falls back to the 30s floor; max below min is lifted.
	if got := adaptInterval(time.Minute, 0, 0, 1.5, 0, 10, true); got != 30*time.Second {
		t.Fatalf("zero-min reset = %v, want 30s", got)
	}
	// Damping <= 1 keeps the current cadence instead of shrinking it.
	if got := adaptInterval(time.Minute, 30*time.Second, 10*time.Minute, 1.0, 50, 10, false); got != time.Minute {
		t.Fatalf("flat damping = %v, want 1m", got)
	}
}

func TestSpreadDelayDeterministicWithinWindow(t *testing.T) {
	window := 30 * time.Second
	ids := []string{"t-nvidia-fe", "t-ps5-disc", "t-rpi5-8gb", "t-gpu-4090"}
	seen := map[time.Duration]bool{}
	for _, id := range ids {
		d1 := spreadDelay(id, window)
		d2 := spreadDelay(id, window)
		if d1 != d2 {
			t.Fatalf("spreadDelay(%q) not deterministic: %v vs %v", id, d1, d2)
		}
		if d1 < 0 || d1 >= window {
			t.Fatalf("spreadDelay(%q) = %v outside [0, %v)", id, d1, window)
		}
		seen[d1] = true
	}
	if len(seen) < 2 {
		t.Fatalf("spread produced no dispersion: %v", seen)
	}
	if got := spreadDelay("anything", 0); got != 0 {
		t.Fatalf("zero window spread = %v, want 0", got)
	}
}

func TestGovernorDelay(t *testing.T) {
	cases := []struct {
		name string
		minI time.Duration
		max  time.Duration
		want time.Duration
	}{
		{"half of min below cap", 8 * time.Second, 5 * time.Second, 4 * time.Second},
		{"capped", 30 * time.Second, 5 * time.Second, 5 * time.Second},
		{"never below a second", time.Second, 5 * time.Second, time.Second},
		{"no cap", time.Minute, 0, 30 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := governorDelay(tc.minI, tc.max); got != tc.want {
				t.Fatalf("governorDelay = %v, want %v", got, tc.want)
			}
		})
	}
}
