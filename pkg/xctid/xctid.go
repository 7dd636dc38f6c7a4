// Package xctid implements the per-record owner id: a 64-bit word
// combining a record lock bit, a logical-delete bit, a "moved" bit,
// and a transactional timestamp.
//
// The core never interprets the timestamp beyond ordering; the
// transaction manager that owns its meaning is out of scope. Owner ids are never reassigned by a structural modification —
// only relocated, with the moved bit set so a reader can detect a
// record has been carried to a new page.
package xctid

import "sync/atomic"

const (
	lockedBit  = uint64(1) << 63
	deletedBit = uint64(1) << 62
	movedBit   = uint64(1) << 61
)

// ID is an immutable snapshot of an owner id word.
type ID struct {
	raw uint64
}

func FromRaw(raw uint64) ID { return ID{raw: raw} }
func (id ID) Raw() uint64   { return id.raw }
func (id ID) Locked() bool  { return id.raw&lockedBit != 0 }
func (id ID) Deleted() bool { return id.raw&deletedBit != 0 }
func (id ID) Moved() bool   { return id.raw&movedBit != 0 }
func (id ID) Timestamp() uint64 {
	return id.raw &^ (lockedBit | deletedBit | movedBit)
}

// SetMoved returns id with the moved bit set, used when a record is
// relocated by a structural modification and its owner id must be
// carried over verbatim save for that bit.
func (id ID) SetMoved() ID {
	return ID{raw: id.raw | movedBit}
}

// ClearMoved returns id with the moved bit cleared, used when a
// half-built split sibling is reabsorbed and its records return to
// the address they never actually left.
func (id ID) ClearMoved() ID {
	return ID{raw: id.raw &^ movedBit}
}

// New builds an owner id for a given timestamp, with the record born
// logically deleted.
func New(timestamp uint64) ID {
	return ID{raw: (timestamp &^ (lockedBit | deletedBit | movedBit)) | deletedBit}
}

// Word is the mutable, atomically-accessed owner id embedded in a
// border page slot.
type Word struct {
	raw atomic.Uint64
}

func (w *Word) Store(id ID) { w.raw.Store(id.raw) }
func (w *Word) Load() ID    { return ID{raw: w.raw.Load()} }

// Lock spins until it CASes the record's lock bit on. Record locks
// are short, non-reentrant critical sections guarding payload writes
// and slot morphing.
func (w *Word) Lock() {
	for {
		raw := w.raw.Load()
		if raw&lockedBit == 0 && w.raw.CompareAndSwap(raw, raw|lockedBit) {
			return
		}
	}
}

// Unlock clears the lock bit.
func (w *Word) Unlock() {
	for {
		raw := w.raw.Load()
		if w.raw.CompareAndSwap(raw, raw&^lockedBit) {
			return
		}
	}
}

// CommitVisible clears the delete bit, making an inserted record
// visible to future readers. Must be called under the record lock.
func (w *Word) CommitVisible() {
	for {
		raw := w.raw.Load()
		if w.raw.CompareAndSwap(raw, raw&^deletedBit) {
			return
		}
	}
}

// MarkDeleted sets the delete bit (logical delete; the slot is
// reclaimed later). Must be called under the record lock.
func (w *Word) MarkDeleted() {
	for {
		raw := w.raw.Load()
		if w.raw.CompareAndSwap(raw, raw|deletedBit) {
			return
		}
	}
}

// MarkMoved sets the moved bit without touching the lock or delete
// bits. Used when a structural modification relocates the record to
// another page: the owner id is copied
// verbatim to the new location with this bit set, so a reader still
// holding the old address knows to re-navigate.
func (w *Word) MarkMoved() {
	for {
		raw := w.raw.Load()
		if w.raw.CompareAndSwap(raw, raw|movedBit) {
			return
		}
	}
}
