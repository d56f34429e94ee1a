package monitor

import (
	"hash/fnv"
	"time"
)

// The adaptive cadence is a pure function of counters so it can be tested
// without driving the loop: stable targets drift toward their maximum
// interval, anything that just moved snaps back to the minimum.

// adaptInterval computes the next check interval after a successful fetch.
//
// changed means the fetch produced an actual transition. unchanged is the
// target's consecutive-unchanged counter after this fetch. A target stays
// "hot" (minimum interval) until it has been quiet for coldAfter checks in
// a row; past that, each quiet check multiplies the interval by damping, up
// to maxI.
func adaptInterval(cur, minI, maxI time.Duration, damping float64, unchanged, coldAfter int, changed bool) time.Duration {
	if minI <= 0 {
		minI = 30 * time.Second
	}
	if maxI < minI {
		maxI = minI
	}
	if changed || unchanged < coldAfter {
		return minI
	}
	if damping <= 1 {
		return clampInterval(cur, minI, maxI)
	}
	if cur < minI {
		cur = minI
	}
	next := time.Duration(float64(cur) * damping)
	return clampInterval(next, minI, maxI)
}

func clampInterval(d, minI, maxI time.Duration) time.Duration {
	if d < minI {
		return minI
	}
	if d > maxI {
		return maxI
	}
	return d
}

// spreadDelay spaces initial due times across the window so a restart does
// not fetch every target at once. Deterministic per id, so the spread is
// stable across restarts.
func spreadDelay(id string, window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return time.Duration(h.Sum64() % uint64(window))
}

// governorDelay is the short requeue delay after a gate denial: half the
// target's minimum interval, bounded by maxDelay, never below a second.
// Denials carry no retry penalty, so this is the only cost of being paced.
func governorDelay(minInterval, maxDelay time.Duration) time.Duration {
	d := minInterval / 2
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}
