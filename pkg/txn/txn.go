// Package txn implements the transaction context the core attaches
// every read and write to: a read set and write set keyed by record
// address. Set storage is sharded to avoid a single contended map
// across worker goroutines.
package txn

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/aergoio/masstree/pkg/dualptr"
	"github.com/aergoio/masstree/pkg/xctid"
)

// ownerClock is the stand-in for the transaction manager's supply of
// per-record 64-bit owner identifiers. A single
// monotonic counter shared by every Context is the simplest supplier
// that satisfies the ordering the core actually relies on: each newly
// reserved record gets a timestamp distinct from, and comparable
// with, every other record's.
var ownerClock atomic.Uint64

// NextOwnerTimestamp hands out the next value from the shared owner
// clock, used to construct a fresh xctid.ID for a record born by
// InsertRecord or createNextLayer.
func NextOwnerTimestamp() uint64 { return ownerClock.Add(1) }

// RecordAddr identifies one record slot for read/write-set tracking:
// the page it lives on plus its slot index.
type RecordAddr struct {
	Page dualptr.VolatilePointer
	Slot int
}

// ReadEntry is one read-set entry: the record observed and the owner
// id snapshot taken at read time, used at commit to validate nothing
// changed.
type ReadEntry struct {
	Addr     RecordAddr
	Snapshot xctid.ID
}

// RangeReadEntry tracks a negative lookup: the border page and its
// version at the time a key was reported absent, so a concurrent
// insert into that range invalidates the transaction.
type RangeReadEntry struct {
	Page          dualptr.VolatilePointer
	VersionAtRead uint64
}

// WriteEntry is one write-set entry: the record modified and the new
// payload bytes to apply at commit.
type WriteEntry struct {
	Addr    RecordAddr
	Payload []byte
}

const shardCount = 16

type shard struct {
	mu     sync.Mutex
	reads  []ReadEntry
	ranges []RangeReadEntry
	writes []WriteEntry
}

// Context is one transaction's read/write set plus its identifier.
// The identifier itself is a github.com/google/uuid value (the
// transaction id), distinct from the spec's packed 64-bit per-record
// owner id, which Context never constructs or interprets beyond
// storing snapshots of it.
type Context struct {
	ID     uuid.UUID
	shards [shardCount]*shard
}

// New starts a fresh transaction context with a random id.
func New() *Context {
	c := &Context{ID: uuid.New()}
	for i := range c.shards {
		c.shards[i] = &shard{}
	}
	return c
}

func (c *Context) shardFor(addr RecordAddr) *shard {
	h := uint64(addr.Page.NumaNode)<<48 ^ uint64(addr.Page.Generation)<<32 ^ uint64(addr.Page.Offset) ^ uint64(addr.Slot)
	return c.shards[h%shardCount]
}

// RecordRead appends a read-set entry.
func (c *Context) RecordRead(addr RecordAddr, snapshot xctid.ID) {
	s := c.shardFor(addr)
	s.mu.Lock()
	s.reads = append(s.reads, ReadEntry{Addr: addr, Snapshot: snapshot})
	s.mu.Unlock()
}

// RecordRangeRead appends a range-read entry for a not-found lookup.
func (c *Context) RecordRangeRead(page dualptr.VolatilePointer, versionAtRead uint64) {
	s := c.shards[0]
	s.mu.Lock()
	s.ranges = append(s.ranges, RangeReadEntry{Page: page, VersionAtRead: versionAtRead})
	s.mu.Unlock()
}

// RecordWrite appends a write-set entry.
func (c *Context) RecordWrite(addr RecordAddr, payload []byte) {
	s := c.shardFor(addr)
	s.mu.Lock()
	s.writes = append(s.writes, WriteEntry{Addr: addr, Payload: payload})
	s.mu.Unlock()
}

// Reads returns every read-set entry collected so far, across all
// shards. Intended for commit-time validation, not for use on a hot
// path.
func (c *Context) Reads() []ReadEntry {
	var out []ReadEntry
	for _, s := range c.shards {
		s.mu.Lock()
		out = append(out, s.reads...)
		s.mu.Unlock()
	}
	return out
}

// Writes returns every write-set entry collected so far.
func (c *Context) Writes() []WriteEntry {
	var out []WriteEntry
	for _, s := range c.shards {
		s.mu.Lock()
		out = append(out, s.writes...)
		s.mu.Unlock()
	}
	return out
}

// RangeReads returns every range-read entry collected so far.
func (c *Context) RangeReads() []RangeReadEntry {
	s := c.shards[0]
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RangeReadEntry, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// TrackMoved follows a relocated record across a split: given the
// owner id observed at oldAddr with its moved bit set, and the
// record's new address after re-navigating from the parent, it
// rewrites any read-set entry recorded against oldAddr to point at
// newAddr with the fresh owner-id snapshot, so commit-time validation
// checks the slot the record actually lives in.
func (c *Context) TrackMoved(oldAddr, newAddr RecordAddr, fresh xctid.ID) {
	old := c.shardFor(oldAddr)
	old.mu.Lock()
	for i := range old.reads {
		if old.reads[i].Addr == oldAddr {
			old.reads[i].Addr = newAddr
			old.reads[i].Snapshot = fresh
		}
	}
	old.mu.Unlock()
}
