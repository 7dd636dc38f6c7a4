// Package pageframe holds the fields every Masstree page variant
// shares: a kind tag, the page's own pool identity, the fence slices,
// the in-layer parent link, and the version word. Border and
// intermediate pages embed Base; each hop dispatches with a type
// switch on the concrete page type, and Kind records the variant
// without being read for that dispatch.
package pageframe

import (
	"github.com/aergoio/masstree/pkg/dualptr"
	"github.com/aergoio/masstree/pkg/pageversion"
	"github.com/aergoio/masstree/pkg/slice"
)

// Kind tags which concrete variant a page is, standing in for the
// 1-byte page_type tag in the header.
type Kind uint8

const (
	KindBorder Kind = iota
	KindIntermediate
)

func (k Kind) String() string {
	if k == KindBorder {
		return "border"
	}
	return "intermediate"
}

// InLayerParent is satisfied by *intermediate.Page; kept as an
// interface here to avoid an import cycle between pageframe and
// intermediate.
type InLayerParent interface {
	Lock()
	Unlock()
	StableVersion() pageversion.Version
}

// LayerRootOwner is satisfied by *border.Page; kept as an interface
// here to avoid an import cycle. It names the border-page slot whose
// next-layer dual pointer must be rewritten when the layer root it
// names is replaced by a root-level split.
type LayerRootOwner interface {
	Lock()
	Unlock()
	UpdateNextLayer(slot int, ptr dualptr.Pointer)
}

// Base is embedded by both Border and Intermediate pages.
type Base struct {
	Kind Kind

	// Self is this page's own identity in the volatile page pool,
	// handed out by the allocator at construction time and never
	// changed.
	Self dualptr.VolatilePointer

	// LowFence and HighFence bound the slices this page may hold:
	// low inclusive, high inclusive as a separator but exclusive as a
	// resident slice.
	LowFence  slice.Slice
	HighFence slice.Slice

	// layer never changes after initialization and is mirrored into the version word so readers
	// can read it from a stable snapshot without touching this field.
	layer uint8

	// Parent is a lookup aid only, never an ownership edge: it lets a split locate and relock the parent without
	// re-descending from the root. Nil at the root of any layer.
	Parent InLayerParent

	// OuterOwner and OuterSlot name the border-page slot in the
	// enclosing layer whose next-layer pointer must be rewritten if
	// this page (the root of its own layer) is ever replaced by a
	// root-level split. Nil/zero at layer 0, whose root lives in
	// Tree.root instead.
	OuterOwner LayerRootOwner
	OuterSlot  int

	Version pageversion.Word
}

// SetLayerRootOwner records the enclosing-layer slot that must be
// updated if this page is replaced as its layer's root.
func (b *Base) SetLayerRootOwner(owner LayerRootOwner, slot int) {
	b.OuterOwner = owner
	b.OuterSlot = slot
}

// Init sets up the common fields of a freshly allocated page.
func (b *Base) Init(kind Kind, self dualptr.VolatilePointer, layer uint8, low, high slice.Slice, parent InLayerParent) {
	b.Kind = kind
	b.Self = self
	b.layer = layer
	b.LowFence = low
	b.HighFence = high
	b.Parent = parent
	b.Version.Init(layer)
}

func (b *Base) Layer() uint8 { return b.layer }

// StableVersion is the lock-free reader's entry point.
func (b *Base) StableVersion() pageversion.Version { return b.Version.Stable() }

// Lock/Unlock expose the page's version-word lock to structural
// modifications that hold it across multiple field writes.
func (b *Base) Lock()   { b.Version.Lock() }
func (b *Base) Unlock() { b.Version.Unlock() }

// InRange reports whether s falls within [LowFence, HighFence], the
// sanity check every non-root page's resident slices must satisfy.
func (b *Base) InRange(s slice.Slice) bool {
	return s >= b.LowFence && s <= b.HighFence
}
