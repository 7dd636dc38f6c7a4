// Package intermediate implements the Masstree intermediate page: a
// two-level fan-out node with up to 10 mini-pages, each holding up to
// 16 child pointers. Every change to a mini-page is made under the
// whole intermediate page's lock; an insert into one mini-page also
// locks that mini-page's own version word.
package intermediate

import (
	"github.com/aergoio/masstree/pkg/dualptr"
	"github.com/aergoio/masstree/pkg/pageframe"
	"github.com/aergoio/masstree/pkg/pageversion"
	"github.com/aergoio/masstree/pkg/slice"
)

const (
	// MaxSeparators is the largest number of top-level separators one
	// intermediate page may hold, giving MaxSeparators+1 mini-pages.
	MaxSeparators = 9
	// MaxMiniPages is the number of mini-page slots per intermediate
	// page (one more than MaxSeparators).
	MaxMiniPages = MaxSeparators + 1
	// MaxMiniSeparators is the largest number of separators one
	// mini-page may hold, giving MaxMiniSeparators+1 child pointers.
	MaxMiniSeparators = 15
	// MaxMiniPointers is the number of child-pointer slots per
	// mini-page.
	MaxMiniPointers = MaxMiniSeparators + 1
)

// MiniPage is one of an intermediate page's 10 second-level fan-out
// groups. It carries its own version word, which holds its separator
// count and is locked while a separator is inserted; AppendMinipage
// and Split reshape mini-pages under the enclosing page's lock alone.
type MiniPage struct {
	Version    pageversion.Word
	separators [MaxMiniSeparators]slice.Slice
	pointers   [MaxMiniPointers]dualptr.Pointer
}

func (m *MiniPage) init() {
	m.Version.Init(0)
}

// copyFrom replicates src's separators, pointers, and count into m
// field by field; the version word itself is never copied wholesale
// (it embeds an atomic and its transient bits belong to m alone).
func (m *MiniPage) copyFrom(src *MiniPage) {
	m.separators = src.separators
	m.pointers = src.pointers
	m.Version.SetKeyCount(src.Version.Load().KeyCount())
}

// Count returns the number of separators currently held, read from
// this mini-page's own version word.
func (m *MiniPage) Count() int { return m.Version.Load().KeyCount() }

// StableCount waits for a stable mini-page version and returns its
// separator count.
func (m *MiniPage) StableCount() (int, pageversion.Version) {
	v := m.Version.Stable()
	return v.KeyCount(), v
}

// Find locates the pointer slot that must be descended into for s,
// given a separator count already read from a stable version: pointer
// i covers slices in [separators[i-1], separators[i]), pointer 0
// covers everything below separators[0].
func (m *MiniPage) Find(count int, s slice.Slice) int {
	i := 0
	for i < count && s >= m.separators[i] {
		i++
	}
	return i
}

// Pointer returns the dual pointer at slot i.
func (m *MiniPage) Pointer(i int) dualptr.Pointer { return m.pointers[i] }

// Full reports whether the mini-page has no room for another
// separator.
func (m *MiniPage) Full() bool { return m.Count() >= MaxMiniSeparators }

// InsertAt splits pointer slot i into (new separator, two pointers):
// the existing pointer at i is kept on the left, right becomes the
// new pointer at i+1, and sep becomes the separator between them.
// Caller must hold m's lock.
func (m *MiniPage) InsertAt(i int, sep slice.Slice, right dualptr.Pointer) {
	count := m.Version.Load().KeyCount()
	for j := count; j > i; j-- {
		m.separators[j] = m.separators[j-1]
		m.pointers[j+1] = m.pointers[j]
	}
	m.separators[i] = sep
	m.pointers[i+1] = right
	m.Version.SetKeyCount(count + 1)
}

// Page is one intermediate page.
type Page struct {
	pageframe.Base

	separators [MaxSeparators]slice.Slice
	minipages  [MaxMiniPages]MiniPage
}

// New constructs an empty intermediate page with a single mini-page
// and a single pointer, the common shape immediately after a root
// replacement or next-layer creation.
func New(self dualptr.VolatilePointer, layer uint8, low, high slice.Slice, parent pageframe.InLayerParent) *Page {
	p := &Page{}
	p.Init(pageframe.KindIntermediate, self, layer, low, high, parent)
	for i := range p.minipages {
		p.minipages[i].init()
	}
	return p
}

// SeparatorCount returns the number of top-level separators, read
// directly from the page's own version word (caller already holds a
// stable snapshot or the lock).
func (p *Page) SeparatorCount() int { return p.Version.Load().KeyCount() }

// FindMinipage locates which mini-page covers s, given a separator
// count already read from a stable version.
func (p *Page) FindMinipage(count int, s slice.Slice) int {
	i := 0
	for i < count && s >= p.separators[i] {
		i++
	}
	return i
}

// MiniPage returns a pointer to mini-page i.
func (p *Page) MiniPage(i int) *MiniPage { return &p.minipages[i] }

// Descend resolves s to a child dual pointer by combining a top-level
// mini-page lookup with the mini-page's own lookup. It takes a stable
// top-level version so a split racing with this call can be detected
// by the caller's normal re-validation against that version.
func (p *Page) Descend(stable pageversion.Version, s slice.Slice) dualptr.Pointer {
	miniIdx := p.FindMinipage(stable.KeyCount(), s)
	mp := &p.minipages[miniIdx]
	count, _ := mp.StableCount()
	ptrIdx := mp.Find(count, s)
	return mp.Pointer(ptrIdx)
}

// SetFirstPointer installs the single leftmost pointer of mini-page 0
// when a page is first created with one child.
func (p *Page) SetFirstPointer(ptr dualptr.Pointer) {
	p.minipages[0].pointers[0] = ptr
}

// FindPointerLocation scans every mini-page for a pointer whose
// volatile side names self, used when a split sibling's parent link
// must be located without the child having stored its own index;
// a short linear scan over at most 160 pointers needs no reverse
// edge.
func (p *Page) FindPointerLocation(self dualptr.VolatilePointer) (miniIdx, ptrIdx int, found bool) {
	count := p.SeparatorCount()
	for m := 0; m <= count && m < MaxMiniPages; m++ {
		mp := &p.minipages[m]
		mc := mp.Version.Load().KeyCount()
		for i := 0; i <= mc && i < MaxMiniPointers; i++ {
			if mp.pointers[i].Volatile == self {
				return m, i, true
			}
		}
	}
	return 0, 0, false
}

// MiniPageFull reports whether mini-page i has no separator room
// left.
func (p *Page) MiniPageFull(i int) bool { return p.minipages[i].Full() }

// Full reports whether every mini-page slot is in use, meaning a new
// mini-page cannot be created here and the intermediate page itself
// must split before absorbing another separator.
func (p *Page) Full() bool { return p.SeparatorCount() >= MaxSeparators }

// AppendMinipage inserts a brand new top-level separator and
// mini-page at position i+1, used when mini-page i is full and must
// itself be split in two: the upper half of mini-page i's pointers
// move into the freshly claimed mini-page slot. Caller must hold p's
// lock with its inserting or splitting bit set. Returns the new
// separator value installed between mini-page i and the new one.
func (p *Page) AppendMinipage(i int) slice.Slice {
	count := p.SeparatorCount()
	src := &p.minipages[i]
	srcCount := src.Version.Load().KeyCount()

	mid := srcCount / 2
	sep := src.separators[mid]

	// Open slot i+1 for the new mini-page: everything above i shifts
	// up by one so mini-page order keeps matching separator order.
	for j := count + 1; j > i+1; j-- {
		p.minipages[j].copyFrom(&p.minipages[j-1])
	}
	dst := &p.minipages[i+1]
	dst.init()

	n := 0
	for j := mid + 1; j <= srcCount; j++ {
		dst.pointers[n] = src.pointers[j]
		if j < srcCount {
			dst.separators[n] = src.separators[j]
		}
		n++
	}
	dst.Version.SetKeyCount(srcCount - mid - 1)
	src.Version.SetKeyCount(mid)

	for j := count; j > i; j-- {
		p.separators[j] = p.separators[j-1]
	}
	p.separators[i] = sep
	p.Version.SetKeyCount(count + 1)
	return sep
}

// ReabsorbSibling reverses a Split whose sibling could not be linked
// into the parent (page pool exhausted mid-modification): the
// promoted separator is demoted back into p and the sibling's
// mini-pages return after it. Caller still holds p's lock; sibling
// must never have been reachable from any other thread.
func (p *Page) ReabsorbSibling(sibling *Page) {
	count := p.SeparatorCount()
	total := count + 1
	sCount := sibling.SeparatorCount()
	sTotal := sCount + 1

	p.separators[count] = p.HighFence
	for i := 0; i < sTotal; i++ {
		p.minipages[total+i].copyFrom(&sibling.minipages[i])
		if i < sCount {
			p.separators[count+1+i] = sibling.separators[i]
		}
	}
	p.HighFence = sibling.HighFence
	p.Version.SetKeyCount(count + 1 + sCount)
}

// SplitResult describes a completed intermediate-page split.
type SplitResult struct {
	SplitSlice slice.Slice
	Sibling    *Page
}

// Split partitions p's mini-pages around their midpoint into p and a
// freshly allocated sibling. Caller must hold p's lock
// and have called p.Version.SetSplitting(); sibling is returned
// populated but not yet linked into any parent.
func (p *Page) Split(sibling *Page) SplitResult {
	count := p.SeparatorCount()
	total := count + 1 // mini-page count

	mid := total / 2
	splitSlice := p.separators[mid-1]

	sibling.LowFence = splitSlice
	sibling.HighFence = p.HighFence
	sibling.Version.Init(p.Layer())

	n := 0
	for i := mid; i < total; i++ {
		sibling.minipages[n].copyFrom(&p.minipages[i])
		if i < total-1 {
			sibling.separators[n] = p.separators[i]
		}
		n++
	}
	for i := n; i < MaxMiniPages; i++ {
		sibling.minipages[i].init()
	}
	sibling.Version.SetKeyCount(n - 1)

	p.HighFence = splitSlice
	p.Version.SetKeyCount(mid - 1)

	return SplitResult{SplitSlice: splitSlice, Sibling: sibling}
}
