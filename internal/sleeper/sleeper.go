// Package sleeper implements an interruptible sleep: a long sleep is cut into
// short slices and a liveness flag is re-checked between slices, so that a
// goroutine parked in Sleep can be stopped promptly.
package sleeper

import "time"

// DefaultSlice is the granularity used by Sleep.
const DefaultSlice = 50 * time.Millisecond

// Flag reports whether the sleeping goroutine should keep running.
// *atomic.Bool satisfies it.
type Flag interface {
	Load() bool
}

// Sleep sleeps for total, checking alive every DefaultSlice.
// It returns false if alive turned false before total elapsed.
func Sleep(total time.Duration, alive Flag) bool {
	return SleepSlices(total, DefaultSlice, alive)
}

// SleepSlices is Sleep with an explicit slice length.
func SleepSlices(total, slice time.Duration, alive Flag) bool {
	if slice <= 0 {
		slice = DefaultSlice
	}
	deadline := time.Now().Add(total)
	for {
		if !alive.Load() {
			return false
		}
		left := time.Until(deadline)
		if left <= 0 {
			return true
		}
		if left > slice {
			left = slice
		}
		time.Sleep(left)
	}
}
