// Package upool implements C1's shaped pool managers: O(1) recycling of
// fixed-shape records (udicts, urefs, ubuf descriptors, upumps, probes)
// with a tunable free-list depth. Pools are either declared single-threaded
// or guarded by a lock at construction time; there is no dynamic switch.
package upool

import "sync"

// Pool recycles *T instances. Depth 0 means every Free drops the record
// (equivalent to "go straight to umem" in spec.md's wording — for shaped
// Go records there's no backing umem call, the record is just left for
// the GC); it is a legal, explicit configuration, not an error.
type Pool[T any] struct {
	depth      int
	threadSafe bool
	mu         sync.Mutex
	free       []*T
	newFn      func() *T
	resetFn    func(*T)
}

// New creates a pool. newFn constructs a fresh zero-shaped record; resetFn
// (may be nil) clears a recycled record's fields before handing it back out
// of Alloc so callers never observe stale state from a prior user.
func New[T any](depth int, threadSafe bool, newFn func() *T, resetFn func(*T)) *Pool[T] {
	if newFn == nil {
		panic("upool: newFn must not be nil")
	}
	return &Pool[T]{depth: depth, threadSafe: threadSafe, newFn: newFn, resetFn: resetFn}
}

// Alloc returns a record from the free-list, or a freshly constructed one
// if the list is empty. Never returns nil — a pool over a bounded backend
// would report allocation failure via uerror.Alloc from the caller that
// owns that backend (umem.Pooled, ubuf managers), not from Pool itself.
func (p *Pool[T]) Alloc() *T {
	if p.threadSafe {
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		if p.resetFn != nil {
			p.resetFn(v)
		}
		return v
	}
	return p.newFn()
}

// Free returns v to the free-list, or discards it if the list is already at
// its configured depth (or depth is 0).
func (p *Pool[T]) Free(v *T) {
	if v == nil {
		return
	}
	if p.threadSafe {
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	if p.depth <= 0 || len(p.free) >= p.depth {
		return
	}
	p.free = append(p.free, v)
}

// Len reports the current free-list depth (test/introspection only).
func (p *Pool[T]) Len() int {
	if p.threadSafe {
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	return len(p.free)
}

// Drain empties the free-list, calling drop (if non-nil) for each record —
// used at pool destruction to release records back to an underlying umem
// manager.
func (p *Pool[T]) Drain(drop func(*T)) {
	if p.threadSafe {
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	if drop != nil {
		for _, v := range p.free {
			drop(v)
		}
	}
	p.free = nil
}
