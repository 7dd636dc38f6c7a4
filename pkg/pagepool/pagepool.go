// Package pagepool provides the volatile page allocator the core
// treats as an external collaborator: a capacity-bounded free list
// per NUMA node, handing out tagged pointers whose generation field
// detects stale references after reclamation.
package pagepool

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/aergoio/masstree/pkg/dualptr"
)

// ErrOutOfPages is wrapped and returned when a node's pool cannot
// satisfy an allocation.
var ErrOutOfPages = errors.New("pagepool: out of pages")

// Page is the minimal interface a pool-managed page must satisfy so
// the pool can track and recycle it without depending on the concrete
// border/intermediate types.
type Page interface {
	SelfPointer() dualptr.VolatilePointer
}

// nodePool is one NUMA node's free list plus the slab of live pages
// it has handed out, mirroring the calibrated pool's Get/Put pair but
// specialized to one object size (a whole page) instead of a range of
// byte-slice sizes.
type nodePool struct {
	mu       sync.Mutex
	free     []dualptr.VolatilePointer
	pages    map[dualptr.VolatilePointer]any
	nextOff  uint32
	nextGen  uint16
	capacity uint32
}

// Pool is a small ring of per-NUMA-node pools plus a batched release
// path: releases go through a channel drained by a background
// goroutine, standing in for an epoch-based reclaimer, so callers
// never stall behind the reclaim path.
type Pool struct {
	nodes   []*nodePool
	release chan releaseRequest
	done    chan struct{}
	wg      sync.WaitGroup
}

type releaseRequest struct {
	node uint16
	ptr  dualptr.VolatilePointer
}

// New builds a pool with numNodes NUMA nodes, each capped at
// capacityPerNode live pages.
func New(numNodes int, capacityPerNode uint32) *Pool {
	if numNodes <= 0 {
		numNodes = 1
	}
	p := &Pool{
		nodes:   make([]*nodePool, numNodes),
		release: make(chan releaseRequest, 1024),
		done:    make(chan struct{}),
	}
	for i := range p.nodes {
		// Offset 0 is skipped so no page is handed the null
		// VolatilePointer.
		p.nodes[i] = &nodePool{
			pages:    make(map[dualptr.VolatilePointer]any),
			nextOff:  1,
			capacity: capacityPerNode,
		}
	}
	p.wg.Add(1)
	go p.drainReleases()
	return p
}

// Close stops the background release drainer. Safe to call once.
func (p *Pool) Close() {
	close(p.done)
	p.wg.Wait()
}

func (p *Pool) drainReleases() {
	defer p.wg.Done()
	for {
		select {
		case req := <-p.release:
			p.freeNow(req.node, req.ptr)
		case <-p.done:
			for {
				select {
				case req := <-p.release:
					p.freeNow(req.node, req.ptr)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) freeNow(node uint16, ptr dualptr.VolatilePointer) {
	np := p.nodes[node]
	np.mu.Lock()
	delete(np.pages, ptr)
	np.free = append(np.free, ptr)
	np.mu.Unlock()
}

// Alloc reserves a fresh volatile pointer on the given NUMA node and
// registers page under it, returning status.OutOfPages's underlying
// error when the node's capacity is exhausted.
func (p *Pool) Alloc(node uint16, page any) (dualptr.VolatilePointer, error) {
	if int(node) >= len(p.nodes) {
		node = 0
	}
	np := p.nodes[node]
	np.mu.Lock()
	defer np.mu.Unlock()

	if len(np.free) > 0 {
		ptr := np.free[len(np.free)-1]
		np.free = np.free[:len(np.free)-1]
		ptr.Generation++
		np.pages[ptr] = page
		return ptr, nil
	}
	if np.capacity != 0 && uint32(len(np.pages)) >= np.capacity {
		return dualptr.VolatilePointer{}, errors.Wrapf(ErrOutOfPages, "node %d at capacity %d", node, np.capacity)
	}
	ptr := dualptr.VolatilePointer{NumaNode: node, Offset: np.nextOff, Generation: np.nextGen}
	np.nextOff++
	np.pages[ptr] = page
	return ptr, nil
}

// Resolve returns the live page registered under ptr, if any.
func (p *Pool) Resolve(ptr dualptr.VolatilePointer) (any, bool) {
	if int(ptr.NumaNode) >= len(p.nodes) {
		return nil, false
	}
	np := p.nodes[ptr.NumaNode]
	np.mu.Lock()
	defer np.mu.Unlock()
	v, ok := np.pages[ptr]
	return v, ok
}

// Release queues ptr for asynchronous reclamation rather than freeing
// it inline, so a structural modification's caller is not stalled
// behind the reclaim path.
func (p *Pool) Release(ptr dualptr.VolatilePointer) {
	select {
	case p.release <- releaseRequest{node: ptr.NumaNode, ptr: ptr}:
	default:
		p.freeNow(ptr.NumaNode, ptr)
	}
}

// Occupancy reports the number of live pages currently registered on
// node, for metrics/CLI reporting.
func (p *Pool) Occupancy(node uint16) int {
	if int(node) >= len(p.nodes) {
		return 0
	}
	np := p.nodes[node]
	np.mu.Lock()
	defer np.mu.Unlock()
	return len(np.pages)
}

// Nodes returns the number of NUMA nodes this pool was built with.
func (p *Pool) Nodes() int { return len(p.nodes) }
