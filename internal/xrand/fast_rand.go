// Package xrand exposes the Go runtime's internal fast PRNG, used for
// randomized spin backoff where crypto-grade randomness is overkill.
package xrand

import (
	_ "unsafe" // for go:linkname
)

// Uint32 returns a fast pseudo-random uint32.
//
//go:linkname Uint32 runtime.fastrand
func Uint32() uint32

// Uint32n returns a fast pseudo-random uint32 in [0, n).
//
//go:linkname Uint32n runtime.fastrandn
func Uint32n(n uint32) uint32
