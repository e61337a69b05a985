package ubuf

import "sync/atomic"

// refcount is a small atomic reference counter shared by all ubuf variants.
// It tracks the whole-object lifetime (ubuf_dup/use/release from spec.md
// §4.3.1), distinct from the per-arena sharing tracked by arena.refs which
// drives copy-on-write.
type refcount struct{ n int32 }

func newRefcount() *refcount { return &refcount{n: 1} }

func (r *refcount) use() { atomic.AddInt32(&r.n, 1) }

// release decrements the count and reports whether it reached zero (the
// caller must then run the manager's actual teardown).
func (r *refcount) release() bool {
	return atomic.AddInt32(&r.n, -1) == 0
}

func (r *refcount) count() int32 { return atomic.LoadInt32(&r.n) }

// arena is a single mapped memory region shared between one or more
// segments across possibly-different Block instances (via Splice/Append),
// analogous to upipe's ubuf_mem_shared. Its own refcount — distinct from
// the owning Block's whole-object refcount — is what make_writable checks
// to decide whether a segment needs copy-on-write.
type arena struct {
	data []byte
	refs int32
}

func newArena(data []byte) *arena { return &arena{data: data, refs: 1} }

func (a *arena) use()      { atomic.AddInt32(&a.refs, 1) }
func (a *arena) release()  { atomic.AddInt32(&a.refs, -1) }
func (a *arena) shared() bool { return atomic.LoadInt32(&a.refs) > 1 }
