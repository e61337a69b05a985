// Package umem implements C1: a backend-agnostic raw-memory allocator that
// every shaped pool (internal/upool) and ubuf manager (internal/ubuf) draws
// from. It exists as a seam so a future backend (e.g. a huge-page mmap
// arena) can replace the system allocator without touching callers.
package umem

import "sync"

// Manager is the raw allocator contract. Alloc returns a zeroed slice of at
// least n bytes (len==n); Free returns it to the backend, which may choose
// to recycle the underlying array.
type Manager interface {
	Alloc(n int) []byte
	Free(buf []byte)
}

// System is the default Manager: it allocates directly from the Go heap.
// It never fails (the Go runtime panics or OOM-kills the process instead
// of returning an error), matching spec.md's "alloc may return null on
// OOM" only in the sense that a caller wrapping a real backend (e.g. a
// fixed-size mmap arena) is expected to return nil when exhausted.
type System struct{}

// NewSystem returns the default system-backed allocator.
func NewSystem() *System { return &System{} }

func (*System) Alloc(n int) []byte {
	if n <= 0 {
		return nil
	}
	return make([]byte, n)
}

func (*System) Free([]byte) {}

// Pooled wraps a System allocator with sync.Pool-backed size classes, so
// repeated alloc/free cycles of similar sizes (the common case for ubuf
// block segments) don't churn the GC. Unlike upool.Pool (which recycles
// whole fixed-shape records), Pooled recycles raw byte arenas by capacity
// class.
type Pooled struct {
	mu      sync.Mutex
	classes []sizeClass
}

type sizeClass struct {
	size int
	pool *sync.Pool
}

// NewPooled creates a Pooled allocator with the given ascending size
// classes. Requests larger than the largest class bypass pooling.
func NewPooled(classSizes []int) *Pooled {
	p := &Pooled{classes: make([]sizeClass, len(classSizes))}
	for i, sz := range classSizes {
		size := sz
		p.classes[i] = sizeClass{
			size: size,
			pool: &sync.Pool{New: func() any { return make([]byte, size) }},
		}
	}
	return p
}

// DefaultPooled returns a Pooled allocator tuned for media segment sizes:
// small control urefs, a TS-packet-ish class, and a large picture-plane
// class.
func DefaultPooled() *Pooled { return NewPooled([]int{256, 8192, 1 << 20}) }

func (p *Pooled) Alloc(n int) []byte {
	if n <= 0 {
		return nil
	}
	for i := range p.classes {
		c := &p.classes[i]
		if n <= c.size {
			buf := c.pool.Get().([]byte)
			return buf[:n]
		}
	}
	return make([]byte, n)
}

func (p *Pooled) Free(buf []byte) {
	if buf == nil {
		return
	}
	capBuf := cap(buf)
	for i := range p.classes {
		c := &p.classes[i]
		if capBuf == c.size {
			full := buf[:c.size]
			clear(full)
			c.pool.Put(full)
			return
		}
	}
}
