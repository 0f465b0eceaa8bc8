package util

import "runtime"

// Backoff is a bounded exponential backoff for CAS retry loops. The zero
// value is ready to use; each Spin yields the processor a growing number of
// times up to a fixed cap.
type Backoff struct {
	shift uint8
}

const maxBackoffShift = 10

// Spin yields to the scheduler; repeated calls back off exponentially.
func (b *Backoff) Spin() {
	if b.shift < maxBackoffShift {
		b.shift++
	}
	for i := 0; i < 1<<b.shift; i++ {
		runtime.Gosched()
	}
}

// Reset restores the initial (shortest) backoff interval.
func (b *Backoff) Reset() {
	b.shift = 0
}
