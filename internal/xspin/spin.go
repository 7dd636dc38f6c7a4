// Package xspin provides the bounded CPU-spin primitive the page
// version protocol uses while waiting on a lock, insert, or split bit
// held by another worker. No goroutine ever parks here; waits on a
// page are short and bounded by the writer's critical section.
package xspin

import (
	"github.com/aergoio/masstree/internal/xrand"
	_ "unsafe" // for go:linkname
)

// Procyield spins for the given number of cycles using the CPU's
// pause instruction where available, without yielding to the
// scheduler.
//
//go:linkname Procyield runtime.procyield
func Procyield(cycles uint32)

// Backoff performs one bounded spin step, scaled by the number of
// consecutive failed attempts so contended pages don't hammer the
// cache line. attempt is 0 on the first retry.
func Backoff(attempt int) {
	cycles := uint32(4 + xrand.Uint32n(12))
	if attempt > 0 {
		shift := attempt
		if shift > 6 {
			shift = 6
		}
		cycles <<= uint(shift)
	}
	Procyield(cycles)
}
