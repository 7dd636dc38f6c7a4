// Package masstree: Storage API operations.
//
// Every exported operation here follows the same shape: descend to
// the border page that must hold the key (possibly crossing several
// layers through next-layer pointers), validate against a stable
// version snapshot, and either act under the record's owner-id lock
// (delete/overwrite/increment), read the slot optimistically (get),
// or act under the page lock (insert).
// Concurrent structural modifications are never errors; they drive a
// bounded retry loop instead.
package masstree

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/aergoio/masstree/pkg/border"
	"github.com/aergoio/masstree/pkg/pagepool"
	"github.com/aergoio/masstree/pkg/pageversion"
	"github.com/aergoio/masstree/pkg/slice"
	"github.com/aergoio/masstree/pkg/status"
	"github.com/aergoio/masstree/pkg/txn"
)

func recordAddr(bp *border.Page, idx int) txn.RecordAddr {
	return txn.RecordAddr{Page: bp.Self, Slot: idx}
}

// restartNode decides where a reader re-enters the tree after
// observing a version change between two stable reads of the same
// border page: a split may have moved the key's range, so the reader
// must climb to the parent; a plain insert only grew the same page,
// so retrying bp itself is enough.
func (t *Tree) restartNode(bp *border.Page, before, after pageversion.Version) any {
	if before.SplitOccurred(after) && bp.Parent != nil {
		return bp.Parent
	}
	return bp
}

// borderCovers reports whether bp's fences still claim s: low
// inclusive, high exclusive as a resident bound, except for the
// rightmost page whose high fence is the supremum and claims it too.
// A miss means a split moved the range mid-descent and the operation
// must re-route.
func borderCovers(bp *border.Page, s slice.Slice) bool {
	if s < bp.LowFence {
		return false
	}
	return s < bp.HighFence || bp.HighFence == slice.Supremum
}

// reroute picks where to resume after landing on a border page whose
// fences no longer cover s.
func (t *Tree) reroute(bp *border.Page) any {
	if bp.Parent != nil {
		return bp.Parent
	}
	return t.loadRoot()
}

// findRecord descends to the slot holding key, or reports
// status.KeyNotFound with a range-read entry recorded against the
// border page that would have held it. On success the returned
// version is the stable snapshot the slot index was validated
// against; callers must re-check it after consuming any slot data.
func (t *Tree) findRecord(ctx context.Context, txc *txn.Context, key []byte) (*border.Page, int, pageversion.Version, status.Code, error) {
	layer := 0
	node := t.loadRoot()
	for attempt := 0; attempt < maxRetries; attempt++ {
		s, remaining := slice.Of(key, layer)
		suffix := slice.Suffix(key, layer)

		bp, err := t.borderFrom(ctx, node, s)
		if err != nil {
			return nil, 0, pageversion.Version{}, status.OK, err
		}

		before := bp.StableVersion()
		if !borderCovers(bp, s) {
			node = t.reroute(bp)
			t.metrics.RecordRetry()
			continue
		}
		idx, found := bp.FindKey(before, s, suffix, remaining)

		if found && bp.DoesPointToLayer(idx) {
			ptr := bp.NextLayer(idx)
			after := bp.StableVersion()
			if before.Changed(after) {
				node = t.restartNode(bp, before, after)
				t.metrics.RecordRetry()
				continue
			}
			child, err := t.resolveChild(ctx, ptr)
			if err != nil {
				return nil, 0, pageversion.Version{}, status.OK, err
			}
			node = child
			layer++
			continue
		}

		after := bp.StableVersion()
		if before.Changed(after) {
			node = t.restartNode(bp, before, after)
			t.metrics.RecordRetry()
			continue
		}

		if !found {
			txc.RecordRangeRead(bp.Self, after.Raw())
			t.metrics.RecordRead()
			return nil, 0, after, status.KeyNotFound, nil
		}
		return bp, idx, after, status.OK, nil
	}
	return nil, 0, pageversion.Version{}, status.OK, errors.New("masstree: lookup exceeded retry budget")
}

// GetRecord copies key's payload into buf, returning the number of
// bytes written. It returns status.TooSmallPayloadBuffer without
// copying anything useful if buf is shorter than the stored payload.
// The slot data is consumed optimistically and re-validated against
// the page version before anything is reported.
func (t *Tree) GetRecord(ctx context.Context, txc *txn.Context, key []byte, buf []byte) (int, status.Code, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		bp, idx, ver, code, err := t.findRecord(ctx, txc, key)
		if err != nil || code != status.OK {
			return 0, code, err
		}

		owner := bp.Owner(idx).Load()
		length := bp.PayloadLength(idx)
		tooSmall := len(buf) < length
		n := 0
		if !owner.Deleted() && !tooSmall {
			n = copy(buf, bp.Payload(idx))
		}
		if ver.Changed(bp.StableVersion()) {
			t.metrics.RecordRetry()
			continue
		}

		txc.RecordRead(recordAddr(bp, idx), owner)
		t.metrics.RecordRead()
		if owner.Deleted() {
			return 0, status.KeyNotFound, nil
		}
		if tooSmall {
			return 0, status.TooSmallPayloadBuffer, nil
		}
		t.metrics.RecordHit()
		return n, status.OK, nil
	}
	return 0, status.OK, errors.New("masstree: get exceeded retry budget")
}

// GetRecordBytes is a convenience wrapper over GetRecord that
// allocates an exactly-sized buffer, for callers (tests, the CLI
// demo) that don't already own a reusable one.
func (t *Tree) GetRecordBytes(ctx context.Context, txc *txn.Context, key []byte) ([]byte, status.Code, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		bp, idx, ver, code, err := t.findRecord(ctx, txc, key)
		if err != nil || code != status.OK {
			return nil, code, err
		}

		owner := bp.Owner(idx).Load()
		var out []byte
		if !owner.Deleted() {
			out = append([]byte(nil), bp.Payload(idx)...)
		}
		if ver.Changed(bp.StableVersion()) {
			t.metrics.RecordRetry()
			continue
		}

		txc.RecordRead(recordAddr(bp, idx), owner)
		t.metrics.RecordRead()
		if owner.Deleted() {
			return nil, status.KeyNotFound, nil
		}
		t.metrics.RecordHit()
		return out, status.OK, nil
	}
	return nil, status.OK, errors.New("masstree: get exceeded retry budget")
}

// GetRecordPart copies count bytes starting at offset into buf,
// returning status.TooShortPayload if offset+count exceeds the
// stored payload length.
func (t *Tree) GetRecordPart(ctx context.Context, txc *txn.Context, key []byte, buf []byte, offset, count int) (status.Code, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		bp, idx, ver, code, err := t.findRecord(ctx, txc, key)
		if err != nil || code != status.OK {
			return code, err
		}

		owner := bp.Owner(idx).Load()
		length := bp.PayloadLength(idx)
		tooShort := offset < 0 || count < 0 || offset+count > length
		tooSmall := len(buf) < count
		if !owner.Deleted() && !tooShort && !tooSmall {
			pay := bp.Payload(idx)
			if offset+count <= len(pay) {
				copy(buf, pay[offset:offset+count])
			}
		}
		if ver.Changed(bp.StableVersion()) {
			t.metrics.RecordRetry()
			continue
		}

		txc.RecordRead(recordAddr(bp, idx), owner)
		t.metrics.RecordRead()
		if owner.Deleted() {
			return status.KeyNotFound, nil
		}
		if tooShort {
			return status.TooShortPayload, nil
		}
		if tooSmall {
			return status.TooSmallPayloadBuffer, nil
		}
		t.metrics.RecordHit()
		return status.OK, nil
	}
	return status.OK, errors.New("masstree: get exceeded retry budget")
}

// InsertRecord implements the insert state machine: descend, lock
// the border page, classify the slot via FindKeyForReserve, and either
// report KeyAlreadyExists, follow an existing next-layer pointer,
// create a new layer to resolve a slice collision, or reserve space
// for the new record — splitting the border page first if it has no
// room. Landing on a logically deleted record revives it in place.
func (t *Tree) InsertRecord(ctx context.Context, txc *txn.Context, key []byte, payload []byte) (status.Code, error) {
	layer := 0
	node := t.loadRoot()

	for attempt := 0; attempt < maxRetries; attempt++ {
		s, remaining := slice.Of(key, layer)
		suffix := slice.Suffix(key, layer)

		bp, err := t.borderFrom(ctx, node, s)
		if err != nil {
			return status.OK, err
		}
		if !borderCovers(bp, s) {
			node = t.reroute(bp)
			t.metrics.RecordRetry()
			continue
		}

		bp.Lock()
		if !borderCovers(bp, s) {
			bp.Unlock()
			node = t.reroute(bp)
			t.metrics.RecordRetry()
			continue
		}
		bp.Version.SetInserting()
		stable := bp.Version.Load()
		res := bp.FindKeyForReserve(stable, s, suffix, remaining)

		switch res.Kind {
		case border.ExactMatchLocalRecord:
			idx := int(res.Index)
			owner := bp.Owner(idx)
			if owner.Load().Deleted() {
				// Revive the logically deleted slot instead of
				// reserving a second record for the same key.
				owner.Lock()
				bp.ReplaceRecordPayload(idx, payload)
				owner.CommitVisible()
				owner.Unlock()
				bp.Unlock()
				txc.RecordWrite(recordAddr(bp, idx), payload)
				t.metrics.RecordWrite()
				return status.OK, nil
			}
			observed := owner.Load()
			bp.Unlock()
			txc.RecordRead(recordAddr(bp, idx), observed)
			t.metrics.RecordRead()
			return status.KeyAlreadyExists, nil

		case border.ExactMatchLayerPointer:
			ptr := bp.NextLayer(int(res.Index))
			bp.Unlock()
			child, err := t.resolveChild(ctx, ptr)
			if err != nil {
				return status.OK, err
			}
			node = child
			layer++
			continue

		case border.ConflictingLocalRecord:
			conflictIdx := int(res.Index)
			bp.Unlock()
			root, newIdx, err := t.createNextLayer(bp, conflictIdx, s, suffix, payload, txn.NextOwnerTimestamp())
			if errors.Is(err, errRestartOperation) {
				t.metrics.RecordRetry()
				continue
			}
			if err != nil {
				if errors.Is(err, pagepool.ErrOutOfPages) {
					return status.OutOfPages, err
				}
				return status.OK, err
			}
			// createNextLayer already installed and committed the new
			// record in the fresh layer root.
			txc.RecordWrite(recordAddr(root, newIdx), payload)
			t.metrics.RecordWrite()
			return status.OK, nil

		default: // NotFound: append a new record.
			idx := int(res.Index)
			if bp.CanAccommodate(idx, remaining, len(payload)) {
				ts := txn.NextOwnerTimestamp()
				bp.ReserveRecordSpace(idx, ts, s, suffix, remaining, payload)
				bp.Version.SetKeyCount(idx + 1)
				bp.Owner(idx).CommitVisible()
				bp.Unlock()
				txc.RecordWrite(recordAddr(bp, idx), payload)
				t.metrics.RecordWrite()
				return status.OK, nil
			}
			bp.Unlock()
			if err := t.splitBorderPage(ctx, bp, remaining, len(payload)); err != nil {
				if errors.Is(err, pagepool.ErrOutOfPages) {
					return status.OutOfPages, err
				}
				if errors.Is(err, errParentLinkNotFound) {
					// The parent link moved out from under the split's
					// retry budget; a full restart from the layer-0
					// root always finds the current structure.
					t.metrics.RecordRetry()
					node = t.loadRoot()
					layer = 0
					continue
				}
				return status.OK, err
			}
			t.metrics.RecordRetry()
			if bp.Parent != nil {
				node = bp.Parent
			} else {
				node = t.loadRoot()
			}
			continue
		}
	}
	return status.OK, errors.New("masstree: insert exceeded retry budget")
}

// DeleteRecord deletes logically: the record's owner id gets its delete
// bit set under the record lock. The slot is never physically
// reclaimed; a later split carries it along like a live record. The
// page version is re-validated after the record lock is taken, so a
// slot relocated by a racing split is never stamped by mistake.
func (t *Tree) DeleteRecord(ctx context.Context, txc *txn.Context, key []byte) (status.Code, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		bp, idx, ver, code, err := t.findRecord(ctx, txc, key)
		if err != nil || code != status.OK {
			return code, err
		}

		owner := bp.Owner(idx)
		owner.Lock()
		if ver.Changed(bp.StableVersion()) {
			owner.Unlock()
			t.metrics.RecordRetry()
			continue
		}
		if owner.Load().Deleted() {
			owner.Unlock()
			txc.RecordRangeRead(bp.Self, bp.StableVersion().Raw())
			t.metrics.RecordRead()
			return status.KeyNotFound, nil
		}
		owner.MarkDeleted()
		owner.Unlock()
		txc.RecordWrite(recordAddr(bp, idx), nil)
		t.metrics.RecordWrite()
		return status.OK, nil
	}
	return status.OK, errors.New("masstree: delete exceeded retry budget")
}

// OverwriteRecord replaces stored payload bytes starting at offset,
// in place, under the record lock. It returns status.TooShortPayload without mutating anything
// if offset+len(data) exceeds the stored payload length.
func (t *Tree) OverwriteRecord(ctx context.Context, txc *txn.Context, key []byte, data []byte, offset int) (status.Code, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		bp, idx, ver, code, err := t.findRecord(ctx, txc, key)
		if err != nil || code != status.OK {
			return code, err
		}

		owner := bp.Owner(idx)
		owner.Lock()
		if ver.Changed(bp.StableVersion()) {
			owner.Unlock()
			t.metrics.RecordRetry()
			continue
		}
		if owner.Load().Deleted() {
			owner.Unlock()
			txc.RecordRangeRead(bp.Self, bp.StableVersion().Raw())
			return status.KeyNotFound, nil
		}
		if offset < 0 || offset+len(data) > bp.PayloadLength(idx) {
			owner.Unlock()
			return status.TooShortPayload, nil
		}
		bp.SetPayload(idx, offset, data)
		owner.Unlock()
		txc.RecordWrite(recordAddr(bp, idx), data)
		t.metrics.RecordWrite()
		return status.OK, nil
	}
	return status.OK, errors.New("masstree: overwrite exceeded retry budget")
}

// IncrementRecordUint64 reads the little-endian uint64 at offset inside the record lock, adds
// delta, writes the sum back, and returns the post-image so two
// composed increments observe Δ1+Δ2.
func (t *Tree) IncrementRecordUint64(ctx context.Context, txc *txn.Context, key []byte, delta uint64, offset int) (uint64, status.Code, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		bp, idx, ver, code, err := t.findRecord(ctx, txc, key)
		if err != nil || code != status.OK {
			return 0, code, err
		}

		owner := bp.Owner(idx)
		owner.Lock()
		if ver.Changed(bp.StableVersion()) {
			owner.Unlock()
			t.metrics.RecordRetry()
			continue
		}
		if owner.Load().Deleted() {
			owner.Unlock()
			txc.RecordRangeRead(bp.Self, bp.StableVersion().Raw())
			return 0, status.KeyNotFound, nil
		}
		if offset < 0 || offset+8 > bp.PayloadLength(idx) {
			owner.Unlock()
			return 0, status.TooShortPayload, nil
		}
		cur := binary.LittleEndian.Uint64(bp.Payload(idx)[offset : offset+8])
		next := cur + delta
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], next)
		bp.SetPayload(idx, offset, buf[:])
		owner.Unlock()
		txc.RecordWrite(recordAddr(bp, idx), buf[:])
		t.metrics.RecordWrite()
		return next, status.OK, nil
	}
	return 0, status.OK, errors.New("masstree: increment exceeded retry budget")
}

// The *Normalized family is the fast path for keys no longer than one
// slice (≤8 bytes): no suffix comparison and no next-layer descent is
// possible at that length, since FindKey and FindKeyForReserve
// already take the remaining≤8 branch unconditionally in that case.
// Rather than duplicate the state machine, the Normalized entry
// points document the precondition and delegate.

// GetRecordNormalized behaves like GetRecord but documents that key
// must be ≤8 bytes; callers with longer normalized keys should use
// GetRecord directly.
func (t *Tree) GetRecordNormalized(ctx context.Context, txc *txn.Context, key []byte, buf []byte) (int, status.Code, error) {
	return t.GetRecord(ctx, txc, key, buf)
}

// InsertRecordNormalized behaves like InsertRecord for keys ≤8 bytes.
func (t *Tree) InsertRecordNormalized(ctx context.Context, txc *txn.Context, key []byte, payload []byte) (status.Code, error) {
	return t.InsertRecord(ctx, txc, key, payload)
}

// DeleteRecordNormalized behaves like DeleteRecord for keys ≤8 bytes.
func (t *Tree) DeleteRecordNormalized(ctx context.Context, txc *txn.Context, key []byte) (status.Code, error) {
	return t.DeleteRecord(ctx, txc, key)
}

// OverwriteRecordNormalized behaves like OverwriteRecord for keys ≤8
// bytes.
func (t *Tree) OverwriteRecordNormalized(ctx context.Context, txc *txn.Context, key []byte, data []byte, offset int) (status.Code, error) {
	return t.OverwriteRecord(ctx, txc, key, data, offset)
}
