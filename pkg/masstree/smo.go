package masstree

import (
	"context"

	"github.com/pkg/errors"

	"github.com/aergoio/masstree/pkg/border"
	"github.com/aergoio/masstree/pkg/dualptr"
	"github.com/aergoio/masstree/pkg/intermediate"
	"github.com/aergoio/masstree/pkg/pageframe"
	"github.com/aergoio/masstree/pkg/slice"
)

// errRestartOperation signals that a structural modification could
// not complete in place and the caller's top-level operation must
// retry from its current position rather than treat this as a fatal
// error. Cascading splits of the intermediate-page chain are
// resolved in place by insertIntoIntermediate/splitIntermediatePage;
// this is returned only by createNextLayer: when a concurrent insert
// already resolved the same slice collision, when a split moved the
// conflicting record while the page was unlocked, and when the two
// keys still share the next slice so a further layer is needed.
var errRestartOperation = errors.New("masstree: structural modification requires restart")

// splitBorderPage splits a border page that could not accommodate a
// record of the given remaining length and payload size, linking the
// new sibling into the tree. It is a no-op if a concurrent split
// already made room for that record.
func (t *Tree) splitBorderPage(ctx context.Context, bp *border.Page, remaining, payloadCount int) error {
	bp.Lock()
	if bp.CanAccommodate(bp.KeyCount(), remaining, payloadCount) {
		bp.Unlock()
		return nil
	}

	sibling, err := t.allocBorder(bp.Layer(), slice.Infimum, slice.Supremum, bp.Parent)
	if err != nil {
		bp.Unlock()
		return err
	}

	bp.Version.SetSplitting()
	result := bp.Split(sibling)
	sibling.SetLayerRootOwner(bp.OuterOwner, bp.OuterSlot)

	if err := t.linkSplitRetry(ctx, &bp.Base, &sibling.Base, sibling.Self, result.SplitSlice); err != nil {
		// Unlink the half-built sibling so the structure stays
		// consistent before surfacing the failure.
		bp.ReabsorbSibling(sibling)
		t.pool.Release(sibling.Self)
		bp.Unlock()
		return err
	}

	bp.Unlock()
	t.metrics.RecordBorderSplit()
	t.logger.Info("border split", zapFields(&bp.Base, &sibling.Base, result.SplitSlice)...)
	return nil
}

// splitIntermediatePage splits a full intermediate page the same way,
// used when AppendMinipage cannot create room because every mini-page
// slot is already occupied. It returns the new sibling
// so the caller can find out which of the two pages now holds the
// pointer it still needs to update; a nil sibling with a nil error
// means a concurrent split already relieved the pressure.
func (t *Tree) splitIntermediatePage(ctx context.Context, pip *intermediate.Page) (*intermediate.Page, error) {
	pip.Lock()
	if !pip.Full() {
		pip.Unlock()
		return nil, nil
	}

	sibling, err := t.allocIntermediate(pip.Layer(), slice.Infimum, slice.Supremum, pip.Parent)
	if err != nil {
		pip.Unlock()
		return nil, err
	}

	pip.Version.SetSplitting()
	result := pip.Split(sibling)
	sibling.SetLayerRootOwner(pip.OuterOwner, pip.OuterSlot)
	// The children carried over to the sibling still name pip as their
	// in-layer parent; repoint them so their own next split relocks the
	// page that actually holds their link (Parent is a lookup aid, but
	// a stale one would send that split's parent update to a page that
	// no longer lists the child).
	t.reparentChildren(sibling)

	if err := t.linkSplitRetry(ctx, &pip.Base, &sibling.Base, sibling.Self, result.SplitSlice); err != nil {
		pip.ReabsorbSibling(sibling)
		t.reparentChildren(pip)
		t.pool.Release(sibling.Self)
		pip.Unlock()
		return nil, err
	}

	pip.Unlock()
	t.metrics.RecordIntermediateSplit()
	t.logger.Info("intermediate split", zapFields(&pip.Base, &sibling.Base, result.SplitSlice)...)
	return sibling, nil
}

// reparentChildren walks every child pointer of pip and repoints the
// resolved page's Parent at pip. Called under pip's lock right after a
// split moved those children's links here from the old page.
func (t *Tree) reparentChildren(pip *intermediate.Page) {
	count := pip.SeparatorCount()
	for m := 0; m <= count; m++ {
		mp := pip.MiniPage(m)
		mc := mp.Version.Load().KeyCount()
		for i := 0; i <= mc; i++ {
			ptr := mp.Pointer(i)
			if !ptr.HasVolatile() {
				continue
			}
			child, ok := t.pool.Resolve(ptr.Volatile)
			if !ok {
				continue
			}
			switch c := child.(type) {
			case *border.Page:
				c.Parent = pip
			case *intermediate.Page:
				c.Parent = pip
			}
		}
	}
}

// linkSplitRetry wraps linkSplit's one restartable outcome: a
// concurrent intermediate-page split can move leftBase's link (and
// repoint leftBase.Parent) between the moment our split began and the
// moment we go to update the parent. Re-reading Parent and trying
// again always converges, since each retry observes a strictly newer
// parent; the bound is a backstop, not an expected exit.
func (t *Tree) linkSplitRetry(ctx context.Context, leftBase, rightBase *pageframe.Base, rightSelf dualptr.VolatilePointer, splitSlice slice.Slice) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = t.linkSplit(ctx, leftBase, rightBase, rightSelf, splitSlice)
		if !errors.Is(err, errParentLinkNotFound) {
			return err
		}
		t.metrics.RecordRetry()
	}
	return err
}

// linkSplit installs the new sibling (identified by rightSelf) into
// whatever owns leftBase: an enclosing intermediate page's mini-page,
// or — if leftBase was itself a layer's root — a freshly created
// intermediate root that replaces it.
func (t *Tree) linkSplit(ctx context.Context, leftBase, rightBase *pageframe.Base, rightSelf dualptr.VolatilePointer, splitSlice slice.Slice) error {
	parent := leftBase.Parent
	if parent != nil {
		pip, ok := parent.(*intermediate.Page)
		if !ok {
			return errors.New("masstree: split parent is not an intermediate page")
		}
		receiver, err := t.insertIntoIntermediate(ctx, pip, leftBase.Self, splitSlice, dualptr.Pointer{Volatile: rightSelf})
		if err != nil {
			return err
		}
		// The separator insert may have landed in pip's own split
		// sibling; both children hang off whichever page actually
		// received it.
		leftBase.Parent = receiver
		rightBase.Parent = receiver
		return nil
	}

	newRoot, err := t.allocIntermediate(leftBase.Layer(), slice.Infimum, slice.Supremum, nil)
	if err != nil {
		return err
	}
	// The new root has no top-level separator: one mini-page whose
	// single separator is the split slice.
	newRoot.SetFirstPointer(dualptr.Pointer{Volatile: leftBase.Self})
	newRoot.MiniPage(0).InsertAt(0, splitSlice, dualptr.Pointer{Volatile: rightSelf})
	newRoot.SetLayerRootOwner(leftBase.OuterOwner, leftBase.OuterSlot)

	leftBase.Parent = newRoot
	rightBase.Parent = newRoot

	if leftBase.OuterOwner == nil {
		t.rootMu.Lock()
		t.root.Store(rootRef{page: newRoot})
		t.rootMu.Unlock()
		leftBase.OuterOwner = nil
		return nil
	}

	owner := leftBase.OuterOwner
	owner.Lock()
	owner.UpdateNextLayer(leftBase.OuterSlot, dualptr.Pointer{Volatile: newRoot.Self})
	owner.Unlock()
	leftBase.OuterOwner = nil
	return nil
}

// errParentLinkNotFound means a page no longer holds the pointer an
// insertIntoIntermediate caller expected, i.e. a concurrent
// intermediate-page split moved it to the sibling.
var errParentLinkNotFound = errors.New("masstree: split sibling's parent link not found")

// insertIntoIntermediate locates the mini-page holding leftSelf and
// inserts (sep, rightPtr) immediately after it, splitting the
// mini-page (and, if necessary, the whole intermediate page) to make
// room first. A whole-page split moves half of
// pip's mini-pages to a new sibling; since leftSelf may now live on
// either side, this retries itself against both before giving up. It
// returns the page that actually received the separator so the caller
// can record it as both children's in-layer parent.
func (t *Tree) insertIntoIntermediate(ctx context.Context, pip *intermediate.Page, leftSelf dualptr.VolatilePointer, sep slice.Slice, rightPtr dualptr.Pointer) (*intermediate.Page, error) {
	pip.Lock()

	miniIdx, ptrIdx, found := pip.FindPointerLocation(leftSelf)
	if !found {
		pip.Unlock()
		return nil, errParentLinkNotFound
	}

	mp := pip.MiniPage(miniIdx)
	if mp.Full() {
		if pip.Full() {
			pip.Unlock()
			sibling, err := t.splitIntermediatePage(ctx, pip)
			if err != nil {
				return nil, err
			}
			if sibling == nil {
				// A concurrent split already relieved this page;
				// retry against it as-is.
				return t.insertIntoIntermediate(ctx, pip, leftSelf, sep, rightPtr)
			}
			if got, err := t.insertIntoIntermediate(ctx, pip, leftSelf, sep, rightPtr); !errors.Is(err, errParentLinkNotFound) {
				return got, err
			}
			return t.insertIntoIntermediate(ctx, sibling, leftSelf, sep, rightPtr)
		}
		pip.Version.SetInserting()
		pip.AppendMinipage(miniIdx)
		miniIdx, ptrIdx, found = pip.FindPointerLocation(leftSelf)
		if !found {
			pip.Unlock()
			return nil, errors.New("masstree: lost split sibling's parent link during mini-page split")
		}
		mp = pip.MiniPage(miniIdx)
	} else {
		pip.Version.SetInserting()
	}
	mp.Version.Lock()
	mp.Version.SetInserting()
	mp.InsertAt(ptrIdx, sep, rightPtr)
	mp.Version.Unlock()
	pip.Unlock()
	return pip, nil
}

// createNextLayer resolves a ConflictingLocalRecord disposition:
// the existing record at conflictIdx shares its
// slice with the key being inserted but differs beyond it, so a new
// layer is created underneath conflictIdx holding both records. On
// success the new record is already installed and committed in the
// fresh layer root, which is returned along with the record's slot so
// the caller can finish its write-set bookkeeping.
func (t *Tree) createNextLayer(bp *border.Page, conflictIdx int, s slice.Slice, newSuffixBytes, newPayload []byte, timestamp uint64) (*border.Page, int, error) {
	bp.Lock()
	defer bp.Unlock()

	if bp.DoesPointToLayer(conflictIdx) {
		// Another insert already resolved this collision while we
		// held no lock between detecting CONFLICT_LOCAL and getting
		// here; the caller's retry will take the ExactMatchLayerPointer
		// path instead.
		return nil, 0, errRestartOperation
	}
	if conflictIdx >= bp.KeyCount() || bp.Slice(conflictIdx) != s ||
		bp.RemainingLength(conflictIdx) <= slice.Size {
		// A split relocated the conflicting record while the page was
		// unlocked; re-descend and re-classify.
		return nil, 0, errRestartOperation
	}

	owner := bp.Owner(conflictIdx)
	owner.Lock()
	defer owner.Unlock()

	existingSuffixBytes := bp.Suffix(conflictIdx)
	existingPayload := append([]byte(nil), bp.Payload(conflictIdx)...)
	// Loaded while this thread holds the record lock, so the copy
	// carries the lock bit; each installed copy releases it below.
	existingOwnerID := owner.Load()

	newLayer := bp.Layer() + 1
	root, err := t.allocBorder(newLayer, slice.Infimum, slice.Supremum, nil)
	if err != nil {
		return nil, 0, err
	}
	root.SetLayerRootOwner(bp, conflictIdx)

	se, re := slice.Of(existingSuffixBytes, 0)
	sufe := slice.Suffix(existingSuffixBytes, 0)
	sn, rn := slice.Of(newSuffixBytes, 0)
	sufn := slice.Suffix(newSuffixBytes, 0)

	if se == sn {
		// Both records still collide at the new layer too; recurse
		// by installing the existing record and letting the caller's
		// retry loop create yet another layer underneath. This can
		// only repeat as many times as the keys share leading 8-byte
		// slices, which is bounded by key length.
		root.InstallMovedRecord(0, se, sufe, re, existingPayload, existingOwnerID)
		root.Owner(0).Unlock()
		bp.SetNextLayer(conflictIdx, dualptr.Pointer{Volatile: root.Self})
		t.metrics.RecordNextLayerCreate()
		return nil, 0, errRestartOperation
	}

	var newIdx int
	if se < sn {
		root.InstallMovedRecord(0, se, sufe, re, existingPayload, existingOwnerID)
		root.Owner(0).Unlock()
		root.ReserveRecordSpace(1, timestamp, sn, sufn, rn, newPayload)
		root.Version.SetKeyCount(2)
		root.Owner(1).CommitVisible()
		newIdx = 1
	} else {
		root.ReserveRecordSpace(0, timestamp, sn, sufn, rn, newPayload)
		root.Version.SetKeyCount(1)
		root.Owner(0).CommitVisible()
		root.InstallMovedRecord(1, se, sufe, re, existingPayload, existingOwnerID)
		root.Owner(1).Unlock()
		newIdx = 0
	}

	bp.SetNextLayer(conflictIdx, dualptr.Pointer{Volatile: root.Self})
	t.metrics.RecordNextLayerCreate()
	return root, newIdx, nil
}
