// Package masstree ties the page substrate (pkg/border,
// pkg/intermediate, pkg/pageversion), the ambient collaborators
// (pkg/pagepool, pkg/snapshot, pkg/txn, pkg/metrics), and the
// structural-modification state machines together into the Storage
// API.
package masstree

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aergoio/masstree/pkg/border"
	"github.com/aergoio/masstree/pkg/dualptr"
	"github.com/aergoio/masstree/pkg/intermediate"
	"github.com/aergoio/masstree/pkg/metrics"
	"github.com/aergoio/masstree/pkg/pageframe"
	"github.com/aergoio/masstree/pkg/pagepool"
	"github.com/aergoio/masstree/pkg/slice"
	"github.com/aergoio/masstree/pkg/snapshot"
)

// ErrUnresolvedChild is wrapped when a dual pointer names a snapshot
// page this build has no deserializer for. The Redis-backed resolver
// in pkg/snapshot can fetch the bytes; turning them back into a page
// is future work an all-volatile tree never needs.
var ErrUnresolvedChild = errors.New("masstree: unresolved child pointer")

const maxRetries = 64

// rootRef wraps the layer-0 root for atomic.Value, which requires a
// single concrete stored type even as the root flips between border
// and intermediate variants across root splits.
type rootRef struct {
	page any // *border.Page or *intermediate.Page
}

// Tree is one Masstree instance: a first-layer root plus every nested
// layer reachable through border-page next-layer pointers.
type Tree struct {
	root    atomic.Value // holds rootRef
	rootMu  sync.Mutex   // serializes root replacement only
	pool    *pagepool.Pool
	snap    snapshot.Resolver
	logger  *zap.Logger
	metrics *metrics.Stats
	node    uint16
}

// Option configures a Tree at construction time.
type Option func(*Tree)

// WithLogger overrides the default no-op logger.
func WithLogger(l *zap.Logger) Option { return func(t *Tree) { t.logger = l } }

// WithSnapshotResolver overrides the default in-memory fake resolver.
func WithSnapshotResolver(r snapshot.Resolver) Option {
	return func(t *Tree) { t.snap = r }
}

// WithNumaNode pins this tree's allocations to a specific NUMA node
// in pool.
func WithNumaNode(node uint16) Option { return func(t *Tree) { t.node = node } }

// New builds an empty tree backed by pool, with a single empty border
// page as its first-layer root.
func New(pool *pagepool.Pool, opts ...Option) (*Tree, error) {
	t := &Tree{
		pool:    pool,
		snap:    snapshot.NewMemory(),
		logger:  zap.NewNop(),
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(t)
	}

	root, err := t.allocBorder(0, slice.Infimum, slice.Supremum, nil)
	if err != nil {
		return nil, err
	}
	t.root.Store(rootRef{page: root})
	return t, nil
}

// Metrics returns this tree's workload counters.
func (t *Tree) Metrics() *metrics.Stats { return t.metrics }

// RootKind reports which page variant currently roots layer 0: a
// border page until the first root split, an intermediate page after.
func (t *Tree) RootKind() pageframe.Kind {
	if _, ok := t.loadRoot().(*intermediate.Page); ok {
		return pageframe.KindIntermediate
	}
	return pageframe.KindBorder
}

func (t *Tree) loadRoot() any { return t.root.Load().(rootRef).page }

func (t *Tree) allocBorder(layer uint8, low, high slice.Slice, parent pageframe.InLayerParent) (*border.Page, error) {
	p := border.New(dualptr.VolatilePointer{}, layer, low, high, parent)
	ptr, err := t.pool.Alloc(t.node, p)
	if err != nil {
		t.metrics.RecordOutOfPages()
		return nil, err
	}
	p.Self = ptr
	return p, nil
}

func (t *Tree) allocIntermediate(layer uint8, low, high slice.Slice, parent pageframe.InLayerParent) (*intermediate.Page, error) {
	p := intermediate.New(dualptr.VolatilePointer{}, layer, low, high, parent)
	ptr, err := t.pool.Alloc(t.node, p)
	if err != nil {
		t.metrics.RecordOutOfPages()
		return nil, err
	}
	p.Self = ptr
	return p, nil
}

// resolveChild follows a dual pointer to its live page, preferring the
// volatile side.
func (t *Tree) resolveChild(ctx context.Context, ptr dualptr.Pointer) (any, error) {
	if ptr.HasVolatile() {
		if p, ok := t.pool.Resolve(ptr.Volatile); ok {
			return p, nil
		}
	}
	if ptr.Snapshot != 0 {
		if _, err := t.snap.Resolve(ctx, ptr.Snapshot); err == nil {
			return nil, errors.Wrap(ErrUnresolvedChild, "snapshot page has no in-memory deserializer")
		}
	}
	return nil, errors.Wrap(ErrUnresolvedChild, "no volatile or snapshot page for pointer")
}

// borderFrom descends from node to the border page covering s.
func (t *Tree) borderFrom(ctx context.Context, node any, s slice.Slice) (*border.Page, error) {
	for {
		switch v := node.(type) {
		case *border.Page:
			return v, nil
		case *intermediate.Page:
			stable := v.StableVersion()
			ptr := v.Descend(stable, s)
			if stable.Changed(v.StableVersion()) {
				// A writer changed v while the pointer was read; retry v.
				continue
			}
			child, err := t.resolveChild(ctx, ptr)
			if err != nil {
				return nil, err
			}
			node = child
		default:
			return nil, errors.Errorf("masstree: unknown page kind %T", v)
		}
	}
}

func zapFields(left, right *pageframe.Base, splitSlice slice.Slice) []zap.Field {
	return []zap.Field{
		zap.Uint64("split_slice", uint64(splitSlice)),
		zap.Uint8("layer", left.Layer()),
		zap.Uint32("left_page", left.Self.Offset),
		zap.Uint32("right_page", right.Self.Offset),
	}
}
