// Package border implements the Masstree border (leaf) page: up to 64
// slots, each holding a record or a next-layer pointer.
//
// The on-page layout is a fixed set of parallel slot arrays plus a
// tail data budget. Suffix and payload bytes live in per-slot Go
// slices rather than one shared backing buffer, but the 64-slot cap
// and the simulated 2752-byte data budget keep fill and split
// behavior identical to a packed 4096-byte page; only the byte
// addressing differs.
package border

import (
	"bytes"

	"github.com/aergoio/masstree/pkg/dualptr"
	"github.com/aergoio/masstree/pkg/pageframe"
	"github.com/aergoio/masstree/pkg/pageversion"
	"github.com/aergoio/masstree/pkg/slice"
	"github.com/aergoio/masstree/pkg/xctid"
)

const (
	// MaxKeys is the maximum number of slots in one border page.
	MaxKeys = 64
	// KeyLengthNextLayer marks a slot that has been morphed into a
	// next-layer pointer.
	KeyLengthNextLayer = 255
	// KeyLengthMax is the largest remaining-key-length a local record
	// may carry before it must live behind a next layer.
	KeyLengthMax = 254
	// headerSize is the bytes the slot arrays and page header claim
	// out of a 4096-byte page; DataSize is what remains for suffix and
	// payload bytes, and drives CanAccommodate and split triggering.
	headerSize = 1344
	DataSize   = 4096 - headerSize
)

// MatchKind disposes a find_key_for_reserve scan.
type MatchKind int

const (
	NotFound MatchKind = iota
	ExactMatchLocalRecord
	ExactMatchLayerPointer
	ConflictingLocalRecord
)

// FindKeyForReserveResult is the outcome of FindKeyForReserve.
type FindKeyForReserveResult struct {
	Index uint8
	Kind  MatchKind
}

// Page is one border page.
type Page struct {
	pageframe.Base

	remainingLength [MaxKeys]uint8
	slices          [MaxKeys]slice.Slice
	payloadLength   [MaxKeys]uint16
	owner           [MaxKeys]xctid.Word
	suffix          [MaxKeys][]byte
	payload         [MaxKeys][]byte
	nextLayer       [MaxKeys]dualptr.Pointer

	usedBytes int
}

// New constructs an empty border page at the given layer and fence
// range, linked under parent (nil at a layer's root).
func New(self dualptr.VolatilePointer, layer uint8, low, high slice.Slice, parent pageframe.InLayerParent) *Page {
	p := &Page{}
	p.Init(pageframe.KindBorder, self, layer, low, high, parent)
	return p
}

func align16(n int) int {
	return (n + 15) &^ 15
}

// calculateSuffixLength mirrors calculate_suffix_length: a remaining
// length of 8 or less needs no suffix bytes (it fits entirely in the
// slice).
func calculateSuffixLength(remainingLength int) int {
	if remainingLength >= slice.Size {
		return remainingLength - slice.Size
	}
	return 0
}

func calculateRecordSize(remainingLength, payloadCount int) int {
	return align16(calculateSuffixLength(remainingLength) + payloadCount)
}

// CanAccommodate reports whether a new record at newIndex (always
// equal to the current key count; slots are only ever appended) fits
// in the remaining data budget.
func (p *Page) CanAccommodate(newIndex int, remainingLength, payloadCount int) bool {
	if newIndex >= MaxKeys {
		return false
	}
	if newIndex == 0 {
		return remainingLength+payloadCount <= DataSize
	}
	recordSize := calculateRecordSize(remainingLength, payloadCount)
	return p.usedBytes+recordSize <= DataSize
}

// DoesPointToLayer reports whether slot i has been morphed into a
// next-layer pointer.
func (p *Page) DoesPointToLayer(i int) bool {
	return p.remainingLength[i] == KeyLengthNextLayer
}

// FindKey implements find_key: locates the slot
// matching (slice, suffix, remaining) among the first
// stable.KeyCount() slots, or reports NOT_FOUND.
func (p *Page) FindKey(stable pageversion.Version, s slice.Slice, suffix []byte, remaining int) (int, bool) {
	keyCount := stable.KeyCount()
	for i := 0; i < keyCount; i++ {
		if s != p.slices[i] {
			continue
		}
		if remaining <= slice.Size {
			if int(p.remainingLength[i]) == remaining {
				return i, true
			}
			continue
		}
		if p.DoesPointToLayer(i) {
			return i, true
		}
		if int(p.remainingLength[i]) == remaining && bytes.Equal(p.suffix[i], suffix) {
			return i, true
		}
		// Invariant: at most one slot per page may carry
		// a remaining length > 8 for a given slice; once we've seen
		// one that didn't match, no further slot in this page can.
		if p.remainingLength[i] > slice.Size {
			break
		}
	}
	return MaxKeys, false
}

// FindKeyForReserve implements find_key_for_reserve,
// used by Insert to decide whether the key already exists locally,
// already points to a next layer, collides with a different key
// sharing this slice (and so must trigger next-layer creation), or is
// altogether absent.
func (p *Page) FindKeyForReserve(stable pageversion.Version, s slice.Slice, suffix []byte, remaining int) FindKeyForReserveResult {
	keyCount := stable.KeyCount()
	for i := 0; i < keyCount; i++ {
		if s != p.slices[i] {
			continue
		}
		if remaining <= slice.Size {
			if int(p.remainingLength[i]) == remaining {
				return FindKeyForReserveResult{uint8(i), ExactMatchLocalRecord}
			}
			continue
		}
		if p.DoesPointToLayer(i) {
			return FindKeyForReserveResult{uint8(i), ExactMatchLayerPointer}
		}
		if int(p.remainingLength[i]) <= slice.Size {
			continue
		}
		if int(p.remainingLength[i]) == remaining && bytes.Equal(p.suffix[i], suffix) {
			return FindKeyForReserveResult{uint8(i), ExactMatchLocalRecord}
		}
		return FindKeyForReserveResult{uint8(i), ConflictingLocalRecord}
	}
	// Not found: the index is the append position, i.e. the current
	// key count.
	return FindKeyForReserveResult{uint8(keyCount), NotFound}
}

// ReserveRecordSpace installs a new physical record born logically
// deleted. Preconditions: the page is locked,
// SetInserting has been called, and index equals the version's
// current key_count.
func (p *Page) ReserveRecordSpace(index int, ownerTimestamp uint64, s slice.Slice, suffix []byte, remainingLength int, payload []byte) {
	p.slices[index] = s
	p.remainingLength[index] = uint8(remainingLength)
	p.payloadLength[index] = uint16(len(payload))
	p.owner[index].Store(xctid.New(ownerTimestamp))
	if n := calculateSuffixLength(remainingLength); n > 0 {
		buf := make([]byte, n)
		copy(buf, suffix)
		p.suffix[index] = buf
	} else {
		p.suffix[index] = nil
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	p.payload[index] = buf
	p.usedBytes += calculateRecordSize(remainingLength, len(payload))
}

// ReplaceRecordPayload reinstalls slot i's payload bytes in place,
// used when an insert lands on a logically deleted record and revives
// it instead of reserving a second slot for the same key. Caller
// holds the page lock and the record lock.
func (p *Page) ReplaceRecordPayload(i int, payload []byte) {
	p.usedBytes -= calculateRecordSize(int(p.remainingLength[i]), len(p.payload[i]))
	buf := make([]byte, len(payload))
	copy(buf, payload)
	p.payload[i] = buf
	p.payloadLength[i] = uint16(len(payload))
	p.usedBytes += calculateRecordSize(int(p.remainingLength[i]), len(payload))
}

// Owner returns the owner-id word for slot i.
func (p *Page) Owner(i int) *xctid.Word { return &p.owner[i] }

// Payload returns the stored payload bytes for slot i.
func (p *Page) Payload(i int) []byte { return p.payload[i] }

// SetPayload overwrites len(data) bytes of slot i's payload starting
// at offset. Caller must hold the record lock and have already
// range-checked offset+len(data) against PayloadLength.
func (p *Page) SetPayload(i int, offset int, data []byte) {
	copy(p.payload[i][offset:], data)
}

// PayloadLength returns the stored payload length for slot i.
func (p *Page) PayloadLength(i int) int { return int(p.payloadLength[i]) }

// RemainingLength returns the raw remaining_key_length field for slot
// i (255 if morphed into a next-layer pointer).
func (p *Page) RemainingLength(i int) int { return int(p.remainingLength[i]) }

// Slice returns the key slice stored at slot i.
func (p *Page) Slice(i int) slice.Slice { return p.slices[i] }

// Suffix returns the suffix bytes stored at slot i.
func (p *Page) Suffix(i int) []byte { return p.suffix[i] }

// NextLayer returns the dual pointer stored at slot i. Only valid
// when DoesPointToLayer(i).
func (p *Page) NextLayer(i int) dualptr.Pointer { return p.nextLayer[i] }

// UpdateNextLayer rewrites slot i's next-layer pointer in place,
// satisfying pageframe.LayerRootOwner. Used when the page that slot
// pointed to was replaced as the root of its layer by a root-level
// split. Caller must hold the slot's owner-id lock.
func (p *Page) UpdateNextLayer(i int, ptr dualptr.Pointer) {
	p.nextLayer[i] = ptr
}

// SetNextLayer morphs slot index from a record into a next-layer
// pointer. The caller must hold the slot's owner-id lock. Write order
// matters for racing readers: the new pointer payload is written
// first, then remaining_length flips to KeyLengthNextLayer, and
// finally the moved bit is set on the owner id so any reader that is
// mid-traversal of the old record re-navigates.
func (p *Page) SetNextLayer(index int, ptr dualptr.Pointer) {
	p.nextLayer[index] = ptr
	p.remainingLength[index] = KeyLengthNextLayer
	p.owner[index].MarkMoved()
}

// InstallMovedRecord writes a record into slot index whose owner id is
// carried over verbatim (with the moved bit set) from wherever it
// lived before, rather than freshly minted via ReserveRecordSpace —
// the thread-private setup for a freshly allocated next-layer root
// and for a split sibling's
// relocated slots. No synchronization is needed when p is not yet
// reachable from any other thread; index must equal the page's
// current key_count.
func (p *Page) InstallMovedRecord(index int, s slice.Slice, suffix []byte, remainingLength int, payload []byte, owner xctid.ID) {
	p.slices[index] = s
	p.remainingLength[index] = uint8(remainingLength)
	p.payloadLength[index] = uint16(len(payload))
	owner = owner.SetMoved()
	p.owner[index].Store(owner)
	if n := calculateSuffixLength(remainingLength); n > 0 {
		buf := make([]byte, n)
		copy(buf, suffix)
		p.suffix[index] = buf
	} else {
		p.suffix[index] = nil
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	p.payload[index] = buf
	p.usedBytes += calculateRecordSize(remainingLength, len(payload))
	p.Version.SetKeyCount(index + 1)
}

// KeyCount reads the slot count from the page's own version word
// without waiting for stability; used by structural modifications
// that already hold the lock.
func (p *Page) KeyCount() int { return p.Version.Load().KeyCount() }

// SplitResult describes a completed border split.
type SplitResult struct {
	SplitSlice slice.Slice
	Sibling    *Page
}

// Split partitions p's resident slots around a median slice s*: every
// slot with slice < s* stays in p, the rest move to a freshly
// allocated sibling whose LowFence is s* and whose HighFence is p's
// old HighFence; p's HighFence becomes s*. Moved owner
// ids get their moved bit set so concurrent readers holding the old
// address restart and re-navigate. Callers must hold
// p's lock and have already called p.Version.SetSplitting(); sibling
// is returned already populated but not yet linked into any parent.
func (p *Page) Split(sibling *Page) SplitResult {
	keyCount := p.KeyCount()

	type slot struct{ i int }
	order := make([]slot, keyCount)
	for i := range order {
		order[i] = slot{i}
	}
	// Sort by (slice, remaining_length, suffix) so the median split
	// point is well defined.
	less := func(a, b int) bool {
		if p.slices[a] != p.slices[b] {
			return p.slices[a] < p.slices[b]
		}
		if p.remainingLength[a] != p.remainingLength[b] {
			return p.remainingLength[a] < p.remainingLength[b]
		}
		return bytes.Compare(p.suffix[a], p.suffix[b]) < 0
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && less(order[j].i, order[j-1].i); j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}

	// The split point must sit on a slice-group boundary so a slice is
	// never divided across the two siblings: everything strictly below
	// splitSlice stays, everything at or above it moves. A page can
	// hold at most a handful of records per slice (distinct remaining
	// lengths plus one suffixed record), so a boundary near the median
	// always exists.
	medianPos := len(order) / 2
	for medianPos > 0 && medianPos < len(order) && p.slices[order[medianPos].i] == p.slices[order[medianPos-1].i] {
		medianPos++
	}
	if medianPos == len(order) {
		medianPos = len(order) / 2
		for medianPos > 1 && p.slices[order[medianPos].i] == p.slices[order[medianPos-1].i] {
			medianPos--
		}
	}
	splitSlice := p.slices[order[medianPos].i]

	sibling.LowFence = splitSlice
	sibling.HighFence = p.HighFence
	sibling.layerAssign(p.Layer())

	n := 0
	for idx := medianPos; idx < len(order); idx++ {
		src := order[idx].i
		sibling.slices[n] = p.slices[src]
		sibling.remainingLength[n] = p.remainingLength[src]
		sibling.payloadLength[n] = p.payloadLength[src]
		movedOwner := p.owner[src].Load()
		sibling.owner[n].Store(movedOwner)
		sibling.owner[n].MarkMoved()
		sibling.suffix[n] = p.suffix[src]
		sibling.payload[n] = p.payload[src]
		sibling.nextLayer[n] = p.nextLayer[src]
		sibling.usedBytes += calculateRecordSize(int(p.remainingLength[src]), len(p.payload[src]))
		n++
	}
	sibling.Version.SetKeyCount(n)

	// Compact the slots that stay behind into [0, medianPos), reading
	// from copies so no source slot is overwritten before it is read.
	slices, remLen, payLen := p.slices, p.remainingLength, p.payloadLength
	suffixes, payloads, nextLayers := p.suffix, p.payload, p.nextLayer
	var owners [MaxKeys]xctid.ID
	for i := 0; i < keyCount; i++ {
		owners[i] = p.owner[i].Load()
	}
	for dst := 0; dst < medianPos; dst++ {
		src := order[dst].i
		if src != dst {
			p.slices[dst] = slices[src]
			p.remainingLength[dst] = remLen[src]
			p.payloadLength[dst] = payLen[src]
			p.owner[dst].Store(owners[src])
			p.suffix[dst] = suffixes[src]
			p.payload[dst] = payloads[src]
			p.nextLayer[dst] = nextLayers[src]
		}
	}
	p.HighFence = splitSlice
	p.Version.SetKeyCount(medianPos)
	p.recomputeUsedBytes(medianPos)

	return SplitResult{SplitSlice: splitSlice, Sibling: sibling}
}

// ReabsorbSibling reverses a Split whose sibling could not be linked
// into the parent (page pool exhausted mid-modification): every
// slot moves back, the moved bits come off, and the fences are
// restored. Caller still holds p's lock; sibling must never have been
// reachable from any other thread.
func (p *Page) ReabsorbSibling(sibling *Page) {
	n := p.KeyCount()
	sc := sibling.KeyCount()
	for i := 0; i < sc; i++ {
		p.slices[n+i] = sibling.slices[i]
		p.remainingLength[n+i] = sibling.remainingLength[i]
		p.payloadLength[n+i] = sibling.payloadLength[i]
		p.owner[n+i].Store(sibling.owner[i].Load().ClearMoved())
		p.suffix[n+i] = sibling.suffix[i]
		p.payload[n+i] = sibling.payload[i]
		p.nextLayer[n+i] = sibling.nextLayer[i]
	}
	p.HighFence = sibling.HighFence
	p.Version.SetKeyCount(n + sc)
	p.recomputeUsedBytes(n + sc)
}

func (p *Page) recomputeUsedBytes(keyCount int) {
	total := 0
	for i := 0; i < keyCount; i++ {
		total += calculateRecordSize(int(p.remainingLength[i]), len(p.payload[i]))
	}
	p.usedBytes = total
}

// layerAssign is used only by Split to stamp the sibling's layer,
// since pageframe.Base.Init would otherwise reset other fields too.
func (p *Page) layerAssign(layer uint8) {
	p.Version.Init(layer)
}
